// Package position maintains per-selection net positions and P&L from fills
// and price marks.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/schema"
)

var one = decimal.NewFromInt(1)

// Delta describes how a single fill or mark moved a position, letting the
// risk manager update exposure incrementally instead of recomputing.
type Delta struct {
	Position        schema.Position
	RealizedDelta   decimal.Decimal
	UnrealizedDelta decimal.Decimal
	CommissionDelta decimal.Decimal
	ExposureDelta   decimal.Decimal
	Opened          bool
	Closed          bool
}

// Tracker owns all positions. Each key is its own unit of mutual exclusion;
// fills on different selections never contend.
type Tracker struct {
	commissionRate decimal.Decimal
	clock          func() time.Time

	mu      sync.RWMutex
	entries map[schema.PositionKey]*entry
	// byMarket indexes keys for mark-to-market sweeps.
	byMarket map[string]map[schema.PositionKey]struct{}
}

type entry struct {
	mu  sync.Mutex
	pos schema.Position
}

// Option configures the tracker.
type Option func(*Tracker)

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTracker constructs an empty tracker. commissionRate applies to
// positive P&L only.
func NewTracker(commissionRate decimal.Decimal, opts ...Option) *Tracker {
	t := &Tracker{
		commissionRate: commissionRate,
		clock:          time.Now,
		entries:        make(map[schema.PositionKey]*entry),
		byMarket:       make(map[string]map[schema.PositionKey]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// ApplyFill folds one matched fill into the keyed position. Same-direction
// fills re-weight the average price; opposite-direction fills first realize
// P&L on the closed portion, then any remainder re-opens at the fill price.
func (t *Tracker) ApplyFill(key schema.PositionKey, side schema.Side, size, price decimal.Decimal) (Delta, error) {
	if !size.IsPositive() {
		return Delta{}, errs.New("position/apply-fill", errs.CodeValidation, errs.WithMessage("fill size must be positive"))
	}
	if price.LessThanOrEqual(one) {
		return Delta{}, errs.New("position/apply-fill", errs.CodeValidation, errs.WithMessage("fill price must exceed 1.0"))
	}

	e, created := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	before := pos.Exposure()
	wasOpen := pos.Open()

	signed := size
	if side == schema.Lay {
		signed = size.Neg()
	}

	var realized, commission, unrealized decimal.Decimal

	switch {
	case pos.NetSize.IsZero() || pos.NetSize.Sign() == signed.Sign():
		// Same direction: size-weighted average over old and new.
		total := pos.NetSize.Add(signed)
		oldAbs := pos.NetSize.Abs()
		newAbs := total.Abs()
		if newAbs.IsZero() {
			pos.AvgPrice = decimal.Zero
		} else {
			pos.AvgPrice = pos.AvgPrice.Mul(oldAbs).Add(price.Mul(size)).Div(newAbs)
		}
		pos.NetSize = total

	default:
		// Opposite direction: realize the closed portion first. The stale
		// mark-to-market figure is reversed out so that realized P&L
		// replaces it rather than stacking on top of it.
		unrealized = pos.UnrealizedPnL.Neg()
		openAbs := pos.NetSize.Abs()
		closed := decimal.Min(openAbs, size)

		var gross decimal.Decimal
		if pos.NetSize.IsPositive() {
			// Closing a net back at the fill price.
			gross = price.Sub(pos.AvgPrice).Mul(closed)
		} else {
			// Closing a net lay at the fill price.
			gross = pos.AvgPrice.Sub(price).Mul(closed)
		}
		if gross.IsPositive() {
			commission = gross.Mul(t.commissionRate)
		}
		realized = gross.Sub(commission)

		pos.NetSize = pos.NetSize.Add(signed)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.Commission = pos.Commission.Add(commission)

		if pos.NetSize.IsZero() {
			// Crossed to flat: the average resets with the next open.
			pos.AvgPrice = decimal.Zero
		} else {
			// Remainder re-opens on the fill's side at the fill price.
			pos.AvgPrice = price
		}
		pos.UnrealizedPnL = decimal.Zero
	}

	now := t.clock()
	if !wasOpen && pos.Open() && pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	pos.UpdatedAt = now
	pos.Key = key
	e.pos = pos

	return Delta{
		Position:        pos,
		RealizedDelta:   realized,
		UnrealizedDelta: unrealized,
		CommissionDelta: commission,
		ExposureDelta:   pos.Exposure().Sub(before),
		Opened:          created || (!wasOpen && pos.Open()),
		Closed:          wasOpen && !pos.Open(),
	}, nil
}

// MarkToMarket recomputes unrealized P&L for every position on the market
// against the current best opposing price, returning one delta per moved
// position.
func (t *Tracker) MarkToMarket(market schema.Market) []Delta {
	t.mu.RLock()
	keys := make([]schema.PositionKey, 0, len(t.byMarket[market.ID]))
	for key := range t.byMarket[market.ID] {
		keys = append(keys, key)
	}
	t.mu.RUnlock()

	var deltas []Delta
	for _, key := range keys {
		sel, ok := market.Selection(key.SelectionID)
		if !ok {
			continue
		}
		e, _ := t.entry(key)
		e.mu.Lock()
		pos := e.pos
		if !pos.Open() {
			e.mu.Unlock()
			continue
		}

		opposing := opposingPrice(pos, sel)
		if opposing.LessThanOrEqual(one) {
			e.mu.Unlock()
			continue
		}

		// Mark in the green-up direction: positive when the price has moved
		// so that hedging now locks in profit.
		gross := pos.NetSize.Mul(pos.AvgPrice.Sub(opposing))
		unrealized := gross
		if gross.IsPositive() {
			unrealized = gross.Sub(gross.Mul(t.commissionRate))
		}

		change := unrealized.Sub(pos.UnrealizedPnL)
		pos.UnrealizedPnL = unrealized
		pos.UpdatedAt = t.clock()
		e.pos = pos
		e.mu.Unlock()

		if !change.IsZero() {
			deltas = append(deltas, Delta{Position: pos, UnrealizedDelta: change})
		}
	}
	return deltas
}

// ComputeHedge returns the counter-order that equalizes P&L across outcomes:
// lay netSize*avg/price against a net back, back the same against a net lay.
// Closed form; no search.
func ComputeHedge(pos schema.Position, opposing decimal.Decimal) (schema.Side, decimal.Decimal, decimal.Decimal, error) {
	if !pos.Open() {
		return "", decimal.Zero, decimal.Zero, errs.New("position/hedge", errs.CodeValidation, errs.WithMessage("position is flat"))
	}
	if opposing.LessThanOrEqual(one) {
		return "", decimal.Zero, decimal.Zero, errs.New("position/hedge", errs.CodeValidation, errs.WithMessage("no opposing price"))
	}
	size := pos.NetSize.Abs().Mul(pos.AvgPrice).Div(opposing)
	if pos.NetSize.IsPositive() {
		return schema.Lay, size, opposing, nil
	}
	return schema.Back, size, opposing, nil
}

// ComputeCashOut previews the P&L locked in by hedging at the given price
// without placing the order.
func ComputeCashOut(pos schema.Position, current decimal.Decimal) decimal.Decimal {
	if !pos.Open() || current.LessThanOrEqual(one) {
		return decimal.Zero
	}
	return pos.NetSize.Mul(pos.AvgPrice.Sub(current)).Div(current)
}

// Position returns the keyed position.
func (t *Tracker) Position(key schema.PositionKey) (schema.Position, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return schema.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, true
}

// Positions returns a copy of every tracked position, flat ones included.
func (t *Tracker) Positions() []schema.Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]schema.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pos)
		e.mu.Unlock()
	}
	return out
}

// OpenCount returns the number of open position keys.
func (t *Tracker) OpenCount() int {
	count := 0
	for _, pos := range t.Positions() {
		if pos.Open() {
			count++
		}
	}
	return count
}

func (t *Tracker) entry(key schema.PositionKey) (*entry, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[key]; ok {
		return e, false
	}
	e = &entry{pos: schema.Position{Key: key}}
	t.entries[key] = e
	if t.byMarket[key.MarketID] == nil {
		t.byMarket[key.MarketID] = make(map[schema.PositionKey]struct{})
	}
	t.byMarket[key.MarketID][key] = struct{}{}
	return e, true
}

func opposingPrice(pos schema.Position, sel schema.Selection) decimal.Decimal {
	if pos.NetSize.IsPositive() {
		return sel.BestLayPrice()
	}
	return sel.BestBackPrice()
}
