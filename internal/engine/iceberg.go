package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/internal/schema"
)

// runIceberg drips the parent size out one child slice at a time, each
// sized off the visible liquidity at the top of the ladder it executes
// against. The next child goes out only after the previous one finished.
func (e *Engine) runIceberg(ctx context.Context, mo *managedOrder) error {
	instr := mo.snapshot().Instruction

	for {
		if mo.terminal() {
			return nil
		}
		remaining := mo.remaining()
		if remaining.IsZero() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sel, err := e.selection(instr)
		if err != nil {
			return err
		}
		price, err := crossingPrice(instr, sel)
		if err != nil {
			return err
		}

		slice := e.icebergSlice(instr, sel, remaining)
		child, err := e.submitChild(ctx, mo, slice, price)
		if err != nil {
			return err
		}
		if err := e.waitChildDone(ctx, mo, child); err != nil {
			return err
		}
	}
}

// icebergSlice caps a child at the configured fraction of the opposing
// top-of-book size, floored so thin books still make progress, and never
// exceeds the remainder.
func (e *Engine) icebergSlice(instr schema.TradeInstruction, sel schema.Selection, remaining decimal.Decimal) decimal.Decimal {
	ladder := sel.BestBack
	if instr.Side == schema.Lay {
		ladder = sel.BestLay
	}
	var visible decimal.Decimal
	if len(ladder) > 0 {
		visible = ladder[0].Size.Mul(e.cfg.Iceberg.VisibleFraction)
	}
	if visible.LessThan(e.cfg.Iceberg.MinSliceSize) {
		visible = e.cfg.Iceberg.MinSliceSize
	}
	if visible.IsZero() || visible.GreaterThan(remaining) {
		return remaining
	}
	return visible
}

// waitChildDone blocks until the provider reports the child terminal.
func (e *Engine) waitChildDone(ctx context.Context, mo *managedOrder, child string) error {
	for {
		mo.mu.Lock()
		_, live := mo.children[child]
		terminal := mo.order.Status.Terminal()
		mo.mu.Unlock()
		if !live || terminal {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mo.notify:
		}
	}
}
