package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/provider"
	"github.com/fairline/trader/internal/schema"
)

// aggressiveGrace is how long a crossing slice may wait for fills before
// its remainder is cancelled rather than left resting.
const aggressiveGrace = 250 * time.Millisecond

func (e *Engine) runStrategy(ctx context.Context, mo *managedOrder) {
	instr := mo.snapshot().Instruction

	var err error
	switch instr.Strategy {
	case schema.StrategyAggressive:
		err = e.runAggressive(ctx, mo)
	case schema.StrategyPassive:
		err = e.runPassive(ctx, mo)
	case schema.StrategyIceberg:
		err = e.runIceberg(ctx, mo)
	case schema.StrategyTWAP:
		err = e.runTWAP(ctx, mo)
	case schema.StrategySmart:
		err = e.runSmart(ctx, mo)
	default:
		err = errs.New("engine/strategy", errs.CodeValidation,
			errs.WithMessage("unknown strategy"), errs.WithField("strategy", string(instr.Strategy)))
	}

	mo.mu.Lock()
	mo.strategyDone = true
	mo.mu.Unlock()

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		// Either the order completed or a cancel/kill pulled the context.
	case errs.LimitOf(err) == errs.LimitKillSwitch:
		mo.mu.Lock()
		mo.cancelRequested = true
		mo.mu.Unlock()
	default:
		e.failOrder(mo, err)
	}
	e.finalizeIfDone(mo)
}

// submitChild sends one slice to the provider, retrying transient failures
// with exponential backoff. The kill switch is rechecked immediately before
// every attempt, closing the race between an admitted check and the switch.
func (e *Engine) submitChild(ctx context.Context, mo *managedOrder, size, price decimal.Decimal) (string, error) {
	if !size.IsPositive() {
		return "", errs.New("engine/submit", errs.CodeValidation, errs.WithMessage("slice size must be positive"))
	}
	instr := mo.snapshot().Instruction

	boCfg := backoff.NewExponentialBackOff()
	if e.cfg.Retry.InitialInterval > 0 {
		boCfg.InitialInterval = e.cfg.Retry.InitialInterval
	}
	if e.cfg.Retry.MaxInterval > 0 {
		boCfg.MaxInterval = e.cfg.Retry.MaxInterval
	}
	attempts := e.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if e.riskMgr.KillSwitchEngaged() {
			return "", errs.New("engine/submit", errs.CodeRiskRejected,
				errs.WithLimit(errs.LimitKillSwitch), errs.WithMessage("kill switch engaged"))
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ack, err := e.prov.SubmitOrder(ctx, provider.SubmitRequest{
			Ref:         instr.Ref,
			MarketID:    instr.MarketID,
			SelectionID: instr.SelectionID,
			Side:        instr.Side,
			Size:        size,
			Price:       price,
		})
		if err == nil {
			e.registerChild(mo, ack.ProviderOrderID)
			mo.mu.Lock()
			raced := mo.cancelRequested
			mo.mu.Unlock()
			if raced {
				// A cancel between the provider ack and registerChild misses
				// this child in its sweep; pull it here instead.
				e.cancelChild(e.ctx, mo, ack.ProviderOrderID)
			}
			return ack.ProviderOrderID, nil
		}
		if !errs.Retryable(err) {
			return "", err
		}
		lastErr = err

		sleep := boCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = boCfg.MaxInterval
		}
		observability.Log().Warn("transient submit failure, retrying",
			observability.F("ref", instr.Ref),
			observability.F("attempt", strconv.Itoa(attempt+1)),
			observability.F("error", err.Error()))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
	}
	return "", errs.New("engine/submit", errs.CodeProviderFailure,
		errs.WithMessage("retries exhausted"), errs.WithCause(lastErr))
}

func (e *Engine) registerChild(mo *managedOrder, providerOrderID string) {
	now := e.clock()

	e.mu.Lock()
	e.byProvider[providerOrderID] = mo
	e.mu.Unlock()

	mo.mu.Lock()
	mo.children[providerOrderID] = struct{}{}
	if mo.order.ProviderOrderID == "" {
		mo.order.ProviderOrderID = providerOrderID
	}
	first := mo.order.Status == schema.StatusPendingRisk
	if first {
		mo.transitionLocked(schema.StatusSubmitted, now)
	}
	order := mo.copyLocked()
	mo.mu.Unlock()

	if first {
		e.publish(schema.EventOrderSubmitted, order.ID, order.Instruction.MarketID, map[string]any{
			"ref":               order.Instruction.Ref,
			"provider_order_id": providerOrderID,
		})
	}
}

// cancelChild asks the provider to pull one slice. Conflicts and not-found
// mean the slice already finished; both are benign.
func (e *Engine) cancelChild(ctx context.Context, mo *managedOrder, providerOrderID string) {
	if err := e.prov.CancelOrder(ctx, providerOrderID); err != nil {
		code := errs.CodeOf(err)
		if code != errs.CodeConflict && code != errs.CodeNotFound {
			observability.Log().Warn("slice cancel failed",
				observability.F("child", providerOrderID),
				observability.F("error", err.Error()))
		}
	}
}

// selection returns a fresh book snapshot for the instruction's selection.
func (e *Engine) selection(instr schema.TradeInstruction) (schema.Selection, error) {
	market, err := e.store.Snapshot(instr.MarketID)
	if err != nil {
		return schema.Selection{}, err
	}
	sel, ok := market.Selection(instr.SelectionID)
	if !ok {
		return schema.Selection{}, errs.New("engine/strategy", errs.CodeNotFound,
			errs.WithMessage("selection not in market"),
			errs.WithField("selection_id", instr.SelectionID))
	}
	return sel, nil
}

// crossingPrice picks the price a slice should submit at to match now: the
// instruction's limit when set, otherwise the current top of the ladder the
// slice executes against.
func crossingPrice(instr schema.TradeInstruction, sel schema.Selection) (decimal.Decimal, error) {
	if !instr.LimitPrice.IsZero() {
		return instr.LimitPrice, nil
	}
	price := sel.BestBackPrice()
	if instr.Side == schema.Lay {
		price = sel.BestLayPrice()
	}
	if price.IsZero() {
		return decimal.Zero, errs.New("engine/strategy", errs.CodeUnavailable,
			errs.WithMessage("no price available to cross"))
	}
	return price, nil
}

// waitSettled blocks until the order goes terminal, the context ends, or no
// fill has arrived for the grace window. Returns true when terminal.
func (e *Engine) waitSettled(ctx context.Context, mo *managedOrder, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		if mo.terminal() {
			return true
		}
		select {
		case <-ctx.Done():
			return mo.terminal()
		case <-timer.C:
			return mo.terminal()
		case <-mo.notify:
			if mo.terminal() {
				return true
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(grace)
		}
	}
}

// runAggressive crosses once at the best available price and cancels any
// remainder instead of resting it.
func (e *Engine) runAggressive(ctx context.Context, mo *managedOrder) error {
	instr := mo.snapshot().Instruction
	sel, err := e.selection(instr)
	if err != nil {
		return err
	}
	price, err := crossingPrice(instr, sel)
	if err != nil {
		return err
	}

	child, err := e.submitChild(ctx, mo, mo.remaining(), price)
	if err != nil {
		return err
	}

	if e.waitSettled(ctx, mo, aggressiveGrace) {
		return nil
	}
	if mo.remaining().IsPositive() {
		e.cancelChild(ctx, mo, child)
		mo.mu.Lock()
		mo.cancelRequested = true
		mo.mu.Unlock()
	}
	return nil
}

// runPassive rests the full size at the limit price (or the best same-side
// price when no limit was given) and leaves it alone. Completion comes from
// fills or an explicit cancel; the strategy never re-prices.
func (e *Engine) runPassive(ctx context.Context, mo *managedOrder) error {
	instr := mo.snapshot().Instruction
	price := instr.LimitPrice
	if price.IsZero() {
		sel, err := e.selection(instr)
		if err != nil {
			return err
		}
		price = sel.BestBackPrice()
		if instr.Side == schema.Lay {
			price = sel.BestLayPrice()
		}
		if price.IsZero() {
			return errs.New("engine/strategy", errs.CodeUnavailable,
				errs.WithMessage("no price available to rest at"))
		}
	}

	_, err := e.submitChild(ctx, mo, mo.remaining(), price)
	return err
}
