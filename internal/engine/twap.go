package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// runTWAP spreads the instruction over equal time buckets, submitting each
// bucket's slice with aggressive semantics. An under-filled bucket's
// remainder rolls into the next target; the final bucket submits whatever
// is left immediately.
func (e *Engine) runTWAP(ctx context.Context, mo *managedOrder) error {
	instr := mo.snapshot().Instruction

	buckets := e.cfg.TWAP.Buckets
	if buckets < 1 {
		buckets = 1
	}
	horizon := e.cfg.TWAP.Horizon
	if horizon <= 0 {
		horizon = time.Minute
	}
	bucketDur := horizon / time.Duration(buckets)
	perBucket := instr.Size.Div(decimal.NewFromInt(int64(buckets)))

	carry := decimal.Zero
	for i := 1; i <= buckets; i++ {
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

		target := perBucket.Add(carry)
		if i == buckets || target.GreaterThan(remaining) {
			// The last bucket absorbs rounding dust and every carried
			// remainder; nothing is deferred past the horizon.
			target = remaining
		}

		matchedBefore := mo.matched()
		if target.IsPositive() {
			sel, err := e.selection(instr)
			if err != nil {
				return err
			}
			price, err := crossingPrice(instr, sel)
			if err != nil {
				return err
			}
			child, err := e.submitChild(ctx, mo, target, price)
			if err != nil {
				return err
			}
			if !e.waitSettled(ctx, mo, aggressiveGrace) && mo.remaining().IsPositive() {
				e.cancelChild(ctx, mo, child)
			}
		}
		carry = target.Sub(mo.matched().Sub(matchedBefore))
		if carry.IsNegative() {
			carry = decimal.Zero
		}

		if i < buckets {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bucketDur):
			}
		}
	}

	if mo.remaining().IsPositive() && !mo.terminal() {
		// Liquidity ran out inside the horizon; release the remainder.
		mo.mu.Lock()
		mo.cancelRequested = true
		mo.mu.Unlock()
	}
	return nil
}
