package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
)

// Side is the betting direction of an instruction.
type Side string

const (
	// Back bets for an outcome; liability is the stake.
	Back Side = "BACK"
	// Lay bets against an outcome; liability is stake*(price-1).
	Lay Side = "LAY"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Back {
		return Lay
	}
	return Back
}

// Strategy selects the execution algorithm for an instruction.
type Strategy string

const (
	// StrategyAggressive crosses the spread once and cancels any remainder.
	StrategyAggressive Strategy = "AGGRESSIVE"
	// StrategyPassive rests at the limit price and waits.
	StrategyPassive Strategy = "PASSIVE"
	// StrategyIceberg drips child slices sized off visible liquidity.
	StrategyIceberg Strategy = "ICEBERG"
	// StrategyTWAP spreads slices over equal time buckets.
	StrategyTWAP Strategy = "TWAP"
	// StrategySmart flips between resting and crossing off book conditions.
	StrategySmart Strategy = "SMART"
)

var knownStrategies = map[Strategy]struct{}{
	StrategyAggressive: {},
	StrategyPassive:    {},
	StrategyIceberg:    {},
	StrategyTWAP:       {},
	StrategySmart:      {},
}

// OrderStatus tracks the order state machine.
type OrderStatus string

const (
	// StatusPendingRisk is the initial state before the risk gate.
	StatusPendingRisk OrderStatus = "PENDING_RISK"
	// StatusRejected is terminal: the risk gate said no.
	StatusRejected OrderStatus = "REJECTED"
	// StatusSubmitted means the provider has accepted the order.
	StatusSubmitted OrderStatus = "SUBMITTED"
	// StatusPartiallyFilled re-enters on every partial fill.
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// StatusMatched is terminal: remaining size reached zero.
	StatusMatched OrderStatus = "MATCHED"
	// StatusCancelled is terminal: cancelled with no further fills possible.
	StatusCancelled OrderStatus = "CANCELLED"
	// StatusFailed is terminal: unrecoverable provider error.
	StatusFailed OrderStatus = "FAILED"
)

// Terminal reports whether no further transitions are accepted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusMatched, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPendingRisk:     {StatusRejected, StatusSubmitted, StatusCancelled, StatusFailed},
	StatusSubmitted:       {StatusPartiallyFilled, StatusMatched, StatusCancelled, StatusFailed},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusMatched, StatusCancelled, StatusFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TradeInstruction is an immutable client request to trade. Ref doubles as
// the idempotency key.
type TradeInstruction struct {
	Ref         string          `json:"ref"`
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Side        Side            `json:"side"`
	Size        decimal.Decimal `json:"size"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	Strategy    Strategy        `json:"strategy"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate rejects malformed instructions before they reach the risk gate.
func (i TradeInstruction) Validate() error {
	if strings.TrimSpace(i.Ref) == "" {
		return errs.New("schema/instruction", errs.CodeValidation, errs.WithMessage("client ref required"))
	}
	if strings.TrimSpace(i.MarketID) == "" || strings.TrimSpace(i.SelectionID) == "" {
		return errs.New("schema/instruction", errs.CodeValidation, errs.WithMessage("market and selection ids required"))
	}
	if i.Side != Back && i.Side != Lay {
		return errs.New("schema/instruction", errs.CodeValidation, errs.WithMessage("side must be BACK or LAY"))
	}
	if !i.Size.IsPositive() {
		return errs.New("schema/instruction", errs.CodeValidation, errs.WithMessage("size must be positive"))
	}
	if !i.LimitPrice.IsZero() && i.LimitPrice.LessThanOrEqual(decimal.NewFromInt(1)) {
		return errs.New("schema/instruction", errs.CodeValidation, errs.WithMessage("limit price must exceed 1.0"))
	}
	if _, ok := knownStrategies[i.Strategy]; !ok {
		return errs.New("schema/instruction", errs.CodeValidation, errs.WithMessage("unknown strategy"))
	}
	return nil
}

// Liability returns the worst-case loss of the instruction at the given
// price: stake for a back, stake*(price-1) for a lay.
func (i TradeInstruction) Liability(price decimal.Decimal) decimal.Decimal {
	if i.Side == Lay {
		if price.LessThanOrEqual(decimal.NewFromInt(1)) {
			return decimal.Zero
		}
		return i.Size.Mul(price.Sub(decimal.NewFromInt(1)))
	}
	return i.Size
}

// Fill is one matched execution reported by the provider.
type Fill struct {
	ID              string          `json:"id"`
	ProviderOrderID string          `json:"provider_order_id"`
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Order owns one instruction and its state machine. Version increments on
// every mutation for optimistic readers.
type Order struct {
	ID              string           `json:"id"`
	ProviderOrderID string           `json:"provider_order_id,omitempty"`
	Instruction     TradeInstruction `json:"instruction"`
	Status          OrderStatus      `json:"status"`
	MatchedSize     decimal.Decimal  `json:"matched_size"`
	RemainingSize   decimal.Decimal  `json:"remaining_size"`
	AvgPrice        decimal.Decimal  `json:"avg_price"`
	Fills           []Fill           `json:"fills,omitempty"`
	Version         uint64           `json:"version"`
	Error           string           `json:"error,omitempty"`
	SubmittedAt     time.Time        `json:"submitted_at,omitempty"`
	CompletedAt     time.Time        `json:"completed_at,omitempty"`
}

// ExecutionReport is the caller-facing summary of an order's progress.
type ExecutionReport struct {
	OrderID       string          `json:"order_id"`
	Ref           string          `json:"ref"`
	Status        OrderStatus     `json:"status"`
	MatchedSize   decimal.Decimal `json:"matched_size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	Fills         []Fill          `json:"fills,omitempty"`
	Terminal      bool            `json:"terminal"`
	Error         string          `json:"error,omitempty"`
}

// Report derives the execution report from the order's current state.
func (o *Order) Report() ExecutionReport {
	return ExecutionReport{
		OrderID:       o.ID,
		Ref:           o.Instruction.Ref,
		Status:        o.Status,
		MatchedSize:   o.MatchedSize,
		AvgPrice:      o.AvgPrice,
		RemainingSize: o.RemainingSize,
		Fills:         append([]Fill(nil), o.Fills...),
		Terminal:      o.Status.Terminal(),
		Error:         o.Error,
	}
}
