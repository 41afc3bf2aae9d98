package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a position by market and selection.
type PositionKey struct {
	MarketID    string `json:"market_id"`
	SelectionID string `json:"selection_id"`
}

// Position is the net holding on one selection. NetSize is signed: positive
// means net back, negative net lay. Zero-size positions are retained for
// history and excluded from exposure sums.
type Position struct {
	Key           PositionKey     `json:"key"`
	NetSize       decimal.Decimal `json:"net_size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Commission    decimal.Decimal `json:"commission"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Open reports whether the position still carries size.
func (p Position) Open() bool {
	return !p.NetSize.IsZero()
}

// Exposure returns the worst-case liability of the open position: stake for
// a net back, stake*(avgPrice-1) for a net lay.
func (p Position) Exposure() decimal.Decimal {
	if p.NetSize.IsZero() {
		return decimal.Zero
	}
	if p.NetSize.IsPositive() {
		return p.NetSize
	}
	size := p.NetSize.Abs()
	if p.AvgPrice.LessThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	return size.Mul(p.AvgPrice.Sub(decimal.NewFromInt(1)))
}
