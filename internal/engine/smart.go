package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/internal/schema"
)

// tickSize is the ladder increment spreads are measured in.
var tickSize = decimal.RequireFromString("0.01")

// runSmart re-evaluates the book on every market tick: it rests passively
// while the spread is narrow and the opposing depth is thick, crosses when
// conditions thin out, and never holds a remainder past the configured
// maximum resting duration.
func (e *Engine) runSmart(ctx context.Context, mo *managedOrder) error {
	instr := mo.snapshot().Instruction

	updates, cancelSub := e.store.Subscribe(ctx, instr.MarketID)
	defer cancelSub()

	maxRest := e.cfg.Smart.MaxRest
	if maxRest <= 0 {
		maxRest = 5 * time.Second
	}
	reevaluate := e.cfg.Smart.Reevaluate
	if reevaluate <= 0 {
		reevaluate = time.Second
	}
	deadline := time.NewTimer(maxRest)
	defer deadline.Stop()

	var resting string

	for {
		if mo.terminal() || mo.remaining().IsZero() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sel, err := e.selection(instr)
		if err == nil {
			if e.restConditions(instr, sel, mo.remaining()) {
				if resting == "" {
					resting, err = e.submitResting(ctx, mo, instr, sel)
					if err != nil {
						return err
					}
				}
			} else {
				if resting != "" {
					e.cancelChild(ctx, mo, resting)
					resting = ""
				}
				if err := e.crossRemainder(ctx, mo, instr); err != nil {
					return err
				}
			}
		}

		// A resting child that finished no longer counts as resting.
		if resting != "" && !e.childLive(mo, resting) {
			resting = ""
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			// Out of patience: pull the resting slice and take whatever
			// the book offers.
			if resting != "" {
				e.cancelChild(ctx, mo, resting)
				resting = ""
			}
			if err := e.crossRemainder(ctx, mo, instr); err != nil {
				return err
			}
			if mo.remaining().IsPositive() && !mo.terminal() {
				mo.mu.Lock()
				mo.cancelRequested = true
				mo.mu.Unlock()
			}
			return nil
		case <-updates:
		case <-mo.notify:
		case <-time.After(reevaluate):
		}
	}
}

// restConditions holds when the spread is at most the configured number of
// ticks and the opposing top-of-book size covers the remainder by the
// configured multiple.
func (e *Engine) restConditions(instr schema.TradeInstruction, sel schema.Selection, remaining decimal.Decimal) bool {
	back := sel.BestBackPrice()
	lay := sel.BestLayPrice()
	if back.IsZero() || lay.IsZero() {
		return false
	}
	spread := lay.Sub(back)
	maxSpread := tickSize.Mul(decimal.NewFromInt(int64(e.cfg.Smart.SpreadTicks)))
	if spread.GreaterThan(maxSpread) {
		return false
	}

	ladder := sel.BestBack
	if instr.Side == schema.Lay {
		ladder = sel.BestLay
	}
	if len(ladder) == 0 {
		return false
	}
	return ladder[0].Size.GreaterThanOrEqual(remaining.Mul(e.cfg.Smart.DepthMultiple))
}

func (e *Engine) submitResting(ctx context.Context, mo *managedOrder, instr schema.TradeInstruction, sel schema.Selection) (string, error) {
	price := instr.LimitPrice
	if price.IsZero() {
		price = sel.BestBackPrice()
		if instr.Side == schema.Lay {
			price = sel.BestLayPrice()
		}
	}
	return e.submitChild(ctx, mo, mo.remaining(), price)
}

// crossRemainder takes the remainder through the book with aggressive
// semantics, cancelling whatever does not match within the grace window.
func (e *Engine) crossRemainder(ctx context.Context, mo *managedOrder, instr schema.TradeInstruction) error {
	remaining := mo.remaining()
	if !remaining.IsPositive() {
		return nil
	}
	sel, err := e.selection(instr)
	if err != nil {
		return err
	}
	price, err := crossingPrice(instr, sel)
	if err != nil {
		return err
	}
	child, err := e.submitChild(ctx, mo, remaining, price)
	if err != nil {
		return err
	}
	if !e.waitSettled(ctx, mo, aggressiveGrace) && mo.remaining().IsPositive() {
		e.cancelChild(ctx, mo, child)
	}
	return nil
}

func (e *Engine) childLive(mo *managedOrder, child string) bool {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	_, ok := mo.children[child]
	return ok
}
