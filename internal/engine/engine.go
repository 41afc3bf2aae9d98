// Package engine owns the order state machine and the execution strategies
// that drive instructions to completion against the provider.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fairline/trader/config"
	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/eventbus"
	"github.com/fairline/trader/internal/marketstore"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/position"
	"github.com/fairline/trader/internal/provider"
	"github.com/fairline/trader/internal/risk"
	"github.com/fairline/trader/internal/schema"
)

// Engine coordinates instructions through risk admission, strategy
// execution, and fill application. Each order runs its own strategy
// goroutine; the engine itself only serializes per order, never globally.
type Engine struct {
	cfg       config.Settings
	prov      provider.Instance
	store     *marketstore.Store
	positions *position.Tracker
	riskMgr   *risk.Manager
	bus       *eventbus.Bus
	clock     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	wg      conc.WaitGroup

	mu         sync.Mutex
	orders     map[string]*managedOrder
	refs       map[string]string
	byProvider map[string]*managedOrder

	rejected atomic.Int64

	ordersSubmitted metric.Int64Counter
	fillsApplied    metric.Int64Counter
	fillsDiscarded  metric.Int64Counter
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New wires the engine to its collaborators.
func New(cfg config.Settings, prov provider.Instance, store *marketstore.Store,
	positions *position.Tracker, riskMgr *risk.Manager, bus *eventbus.Bus, opts ...Option) *Engine {

	e := new(Engine)
	e.cfg = cfg
	e.prov = prov
	e.store = store
	e.positions = positions
	e.riskMgr = riskMgr
	e.bus = bus
	e.clock = time.Now
	e.orders = make(map[string]*managedOrder)
	e.refs = make(map[string]string)
	e.byProvider = make(map[string]*managedOrder)
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	meter := otel.Meter("engine")
	e.ordersSubmitted, _ = meter.Int64Counter("engine.orders.submitted",
		metric.WithDescription("Number of instructions accepted for execution"),
		metric.WithUnit("{order}"))
	e.fillsApplied, _ = meter.Int64Counter("engine.fills.applied",
		metric.WithDescription("Number of fills applied to orders"),
		metric.WithUnit("{fill}"))
	e.fillsDiscarded, _ = meter.Int64Counter("engine.fills.discarded",
		metric.WithDescription("Number of late or inconsistent fills discarded"),
		metric.WithUnit("{fill}"))

	return e
}

// Run starts the provider and the engine's pump goroutines, then blocks
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errs.New("engine/run", errs.CodeConflict, errs.WithMessage("already running"))
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.prov.Start(e.ctx); err != nil {
		return err
	}

	e.wg.Go(func() { e.runFeed() })
	e.wg.Go(func() { e.runResyncs() })
	e.wg.Go(func() { e.runFills() })
	e.wg.Go(func() { e.runErrors() })

	<-e.ctx.Done()
	e.wg.Wait()
	return nil
}

// Stop cancels the run context and waits for in-flight work.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Submit validates and admits one instruction, launches its strategy, and
// returns the initial execution report. Resubmitting a ref while its order
// is non-terminal returns that order's current report instead.
func (e *Engine) Submit(ctx context.Context, instr schema.TradeInstruction) (schema.ExecutionReport, error) {
	if err := instr.Validate(); err != nil {
		return schema.ExecutionReport{}, err
	}
	if instr.CreatedAt.IsZero() {
		instr.CreatedAt = e.clock()
	}

	e.mu.Lock()
	if id, ok := e.refs[instr.Ref]; ok {
		if mo := e.orders[id]; mo != nil && !mo.terminal() {
			e.mu.Unlock()
			order := mo.snapshot()
			return order.Report(), nil
		}
	}
	e.mu.Unlock()

	if err := e.riskMgr.Admit(instr); err != nil {
		e.rejected.Add(1)
		order := schema.Order{
			ID:            uuid.NewString(),
			Instruction:   instr,
			Status:        schema.StatusRejected,
			RemainingSize: instr.Size,
			Error:         err.Error(),
			CompletedAt:   e.clock(),
		}
		return order.Report(), err
	}

	strategyCtx, cancel := context.WithCancel(e.ctx)
	order := schema.Order{
		ID:            uuid.NewString(),
		Instruction:   instr,
		Status:        schema.StatusPendingRisk,
		RemainingSize: instr.Size,
		SubmittedAt:   e.clock(),
	}
	mo := newManagedOrder(order, cancel)

	e.mu.Lock()
	e.orders[order.ID] = mo
	e.refs[instr.Ref] = order.ID
	e.mu.Unlock()

	e.publish(schema.EventOrderAccepted, order.ID, instr.MarketID, map[string]any{
		"ref":      instr.Ref,
		"side":     string(instr.Side),
		"size":     instr.Size.String(),
		"strategy": string(instr.Strategy),
	})
	if e.ordersSubmitted != nil {
		e.ordersSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(instr.Strategy))))
	}

	e.wg.Go(func() { e.runStrategy(strategyCtx, mo) })

	snap := mo.snapshot()
	return snap.Report(), nil
}

// Report returns the current execution report for an order.
func (e *Engine) Report(orderID string) (schema.ExecutionReport, error) {
	e.mu.Lock()
	mo, ok := e.orders[orderID]
	e.mu.Unlock()
	if !ok {
		return schema.ExecutionReport{}, errs.New("engine/report", errs.CodeNotFound,
			errs.WithField("order_id", orderID))
	}
	order := mo.snapshot()
	return order.Report(), nil
}

// Cancel requests cancellation of a non-terminal order. Fills that race the
// cancel are still applied; the order reaches CANCELLED only when no
// further fills are possible.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	e.mu.Lock()
	mo, ok := e.orders[orderID]
	e.mu.Unlock()
	if !ok {
		return errs.New("engine/cancel", errs.CodeNotFound, errs.WithField("order_id", orderID))
	}

	mo.mu.Lock()
	if mo.order.Status.Terminal() {
		mo.mu.Unlock()
		return errs.New("engine/cancel", errs.CodeConflict,
			errs.WithMessage("order already terminal"), errs.WithField("order_id", orderID))
	}
	mo.cancelRequested = true
	children := make([]string, 0, len(mo.children))
	for id := range mo.children {
		children = append(children, id)
	}
	mo.mu.Unlock()

	mo.strategyCancel()

	for _, child := range children {
		if err := e.prov.CancelOrder(ctx, child); err != nil {
			// A cancel losing to an in-flight fill is not a failure; the
			// fill dispatcher settles the final state.
			if errs.CodeOf(err) != errs.CodeConflict && errs.CodeOf(err) != errs.CodeNotFound {
				observability.Log().Warn("provider cancel failed",
					observability.F("order_id", orderID),
					observability.F("child", child),
					observability.F("error", err.Error()))
			}
		}
	}

	e.finalizeIfDone(mo)
	return nil
}

// KillSwitch halts all admissions and cancels every open order. Idempotent;
// only the first call does the cancel sweep.
func (e *Engine) KillSwitch(ctx context.Context, reason string) {
	if !e.riskMgr.TriggerKillSwitch(reason) {
		return
	}

	e.mu.Lock()
	open := make([]*managedOrder, 0, len(e.orders))
	for _, mo := range e.orders {
		if !mo.terminal() {
			open = append(open, mo)
		}
	}
	e.mu.Unlock()

	p := concpool.New().WithMaxGoroutines(8)
	for _, mo := range open {
		mo := mo
		p.Go(func() {
			if err := e.Cancel(ctx, mo.snapshot().ID); err != nil &&
				errs.CodeOf(err) != errs.CodeConflict {
				observability.Log().Warn("kill switch cancel failed",
					observability.F("order_id", mo.snapshot().ID),
					observability.F("error", err.Error()))
			}
		})
	}
	p.Wait()
}

// Freeze blocks new instructions; open orders keep working.
func (e *Engine) Freeze(reason string) { e.riskMgr.Freeze(reason) }

// Unfreeze lifts a freeze.
func (e *Engine) Unfreeze() { e.riskMgr.Unfreeze() }

// Positions returns all tracked positions.
func (e *Engine) Positions() []schema.Position { return e.positions.Positions() }

// RiskStatus returns the current risk state snapshot.
func (e *Engine) RiskStatus() risk.State { return e.riskMgr.Snapshot() }

// Stats summarises the session's order flow.
type Stats struct {
	Submitted int
	Rejected  int
	Active    int
	Matched   int
	Cancelled int
	Failed    int
	Fills     int
}

// Stats reports counters for the current session. Rejections include
// instructions that never reached the order book.
func (e *Engine) Stats() Stats {
	s := Stats{Rejected: int(e.rejected.Load())}
	e.mu.Lock()
	mos := make([]*managedOrder, 0, len(e.orders))
	for _, mo := range e.orders {
		mos = append(mos, mo)
	}
	e.mu.Unlock()
	for _, mo := range mos {
		order := mo.snapshot()
		s.Submitted++
		s.Fills += len(order.Fills)
		switch order.Status {
		case schema.StatusMatched:
			s.Matched++
		case schema.StatusCancelled:
			s.Cancelled++
		case schema.StatusFailed:
			s.Failed++
		default:
			s.Active++
		}
	}
	return s
}

// CashOutPreview returns the P&L of hedging the keyed position at the
// current opposing best price, without placing an order.
func (e *Engine) CashOutPreview(key schema.PositionKey) (decimal.Decimal, error) {
	pos, ok := e.positions.Position(key)
	if !ok || !pos.Open() {
		return decimal.Zero, errs.New("engine/cash-out", errs.CodeNotFound,
			errs.WithMessage("no open position"),
			errs.WithField("market_id", key.MarketID),
			errs.WithField("selection_id", key.SelectionID))
	}
	price, err := e.opposingBest(key, pos.NetSize)
	if err != nil {
		return decimal.Zero, err
	}
	return position.ComputeCashOut(pos, price), nil
}

// Hedge submits the closed-form counter-order that locks the keyed
// position's P&L, using aggressive execution.
func (e *Engine) Hedge(ctx context.Context, key schema.PositionKey) (schema.ExecutionReport, error) {
	pos, ok := e.positions.Position(key)
	if !ok || !pos.Open() {
		return schema.ExecutionReport{}, errs.New("engine/hedge", errs.CodeNotFound,
			errs.WithMessage("no open position"),
			errs.WithField("market_id", key.MarketID))
	}
	price, err := e.opposingBest(key, pos.NetSize)
	if err != nil {
		return schema.ExecutionReport{}, err
	}
	side, size, price, err := position.ComputeHedge(pos, price)
	if err != nil {
		return schema.ExecutionReport{}, err
	}
	return e.Submit(ctx, schema.TradeInstruction{
		Ref:         "hedge-" + uuid.NewString(),
		MarketID:    key.MarketID,
		SelectionID: key.SelectionID,
		Side:        side,
		Size:        size,
		LimitPrice:  price,
		Strategy:    schema.StrategyAggressive,
		CreatedAt:   e.clock(),
	})
}

func (e *Engine) opposingBest(key schema.PositionKey, netSize decimal.Decimal) (decimal.Decimal, error) {
	market, err := e.store.Snapshot(key.MarketID)
	if err != nil {
		return decimal.Zero, err
	}
	sel, ok := market.Selection(key.SelectionID)
	if !ok {
		return decimal.Zero, errs.New("engine/price", errs.CodeNotFound,
			errs.WithField("selection_id", key.SelectionID))
	}
	price := sel.BestLayPrice()
	if netSize.IsNegative() {
		price = sel.BestBackPrice()
	}
	if price.IsZero() {
		return decimal.Zero, errs.New("engine/price", errs.CodeUnavailable,
			errs.WithMessage("no opposing price available"))
	}
	return price, nil
}

// runFeed pumps provider market updates into the store and marks positions
// to market on every applied event.
func (e *Engine) runFeed() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-e.prov.MarketUpdates():
			if !ok {
				return
			}
			if err := e.store.ApplyFeedEvent(evt); err != nil {
				if errs.CodeOf(err) == errs.CodeFeedGap {
					// The store has already flagged the market and queued
					// a resync request.
					e.publish(schema.EventFeedResync, "", evt.MarketID, map[string]any{
						"sequence": evt.Sequence,
					})
					continue
				}
				observability.Log().Warn("feed event dropped",
					observability.F("market_id", evt.MarketID),
					observability.F("error", err.Error()))
				continue
			}
			e.markToMarket(evt.MarketID)
		}
	}
}

func (e *Engine) markToMarket(marketID string) {
	market, err := e.store.Snapshot(marketID)
	if err != nil {
		return
	}
	deltas := e.positions.MarkToMarket(market)
	e.riskMgr.OnMarkToMarket(deltas)
	for _, d := range deltas {
		e.publish(schema.EventPositionUpdated, "", d.Position.Key.MarketID, map[string]any{
			"selection_id":   d.Position.Key.SelectionID,
			"net_size":       d.Position.NetSize.String(),
			"unrealized_pnl": d.Position.UnrealizedPnL.String(),
		})
	}
}

// runResyncs forwards the store's resync requests to the provider.
func (e *Engine) runResyncs() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case marketID, ok := <-e.store.ResyncRequests():
			if !ok {
				return
			}
			if err := e.prov.Resync(e.ctx, marketID); err != nil {
				observability.Log().Error("resync request failed",
					observability.F("market_id", marketID),
					observability.F("error", err.Error()))
			}
		}
	}
}

// runFills applies provider fills to orders, positions, and risk state in
// arrival order.
func (e *Engine) runFills() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-e.prov.Fills():
			if !ok {
				return
			}
			e.applyFillEvent(evt)
		}
	}
}

func (e *Engine) applyFillEvent(evt provider.FillEvent) {
	e.mu.Lock()
	mo := e.byProvider[evt.ProviderOrderID]
	e.mu.Unlock()
	if mo == nil {
		observability.Log().Warn("fill for unknown provider order",
			observability.F("provider_order_id", evt.ProviderOrderID))
		if e.fillsDiscarded != nil {
			e.fillsDiscarded.Add(context.Background(), 1)
		}
		return
	}

	now := e.clock()
	hasFill := evt.Fill.Size.IsPositive()

	mo.mu.Lock()
	if mo.order.Status.Terminal() {
		mo.mu.Unlock()
		observability.Log().Warn("late fill discarded",
			observability.F("order_id", mo.order.ID),
			observability.F("fill_id", evt.Fill.ID))
		if e.fillsDiscarded != nil {
			e.fillsDiscarded.Add(context.Background(), 1)
		}
		return
	}

	if hasFill && evt.Fill.Size.GreaterThan(mo.order.RemainingSize) {
		// A fill larger than the remainder means our accounting and the
		// provider's disagree. Terminate this order alone.
		orderID := mo.order.ID
		marketID := mo.order.Instruction.MarketID
		orderRef := mo.order.Instruction.Ref
		mo.order.Error = "fill exceeds remaining size"
		mo.transitionLocked(schema.StatusFailed, now)
		delete(mo.children, evt.ProviderOrderID)
		mo.mu.Unlock()

		observability.Log().Error("fill exceeds remaining size",
			observability.F("order_id", orderID),
			observability.F("fill_id", evt.Fill.ID))
		e.publish(schema.EventConsistencyFault, orderID, marketID, map[string]any{
			"fill_id": evt.Fill.ID,
			"reason":  "fill exceeds remaining size",
		})
		e.riskMgr.OnOrderTerminal(orderRef)
		mo.ping()
		return
	}

	var fillSide schema.Side
	var ref string
	var key schema.PositionKey
	if hasFill {
		mo.applyFillLocked(evt.Fill)
		fillSide = mo.order.Instruction.Side
		ref = mo.order.Instruction.Ref
		key = schema.PositionKey{
			MarketID:    mo.order.Instruction.MarketID,
			SelectionID: mo.order.Instruction.SelectionID,
		}
		if mo.order.RemainingSize.IsZero() {
			mo.transitionLocked(schema.StatusMatched, now)
		} else {
			mo.transitionLocked(schema.StatusPartiallyFilled, now)
		}
	}
	if evt.Terminal {
		delete(mo.children, evt.ProviderOrderID)
	}
	order := mo.copyLocked()
	mo.mu.Unlock()

	if hasFill {
		delta, err := e.positions.ApplyFill(key, fillSide, evt.Fill.Size, evt.Fill.Price)
		if err != nil {
			observability.Log().Error("position update failed",
				observability.F("order_id", order.ID),
				observability.F("error", err.Error()))
		} else {
			liability := evt.Fill.Size
			if order.Instruction.Side == schema.Lay {
				liability = evt.Fill.Size.Mul(evt.Fill.Price.Sub(decimal.NewFromInt(1)))
			}
			e.riskMgr.OnFillApplied(ref, liability, delta)
			e.publish(schema.EventPositionUpdated, order.ID, key.MarketID, map[string]any{
				"selection_id": key.SelectionID,
				"net_size":     delta.Position.NetSize.String(),
				"realized_pnl": delta.Position.RealizedPnL.String(),
			})
		}

		e.publish(schema.EventOrderFilled, order.ID, key.MarketID, map[string]any{
			"fill_id":   evt.Fill.ID,
			"size":      evt.Fill.Size.String(),
			"price":     evt.Fill.Price.String(),
			"matched":   order.MatchedSize.String(),
			"remaining": order.RemainingSize.String(),
			"status":    string(order.Status),
		})
		if e.fillsApplied != nil {
			e.fillsApplied.Add(context.Background(), 1)
		}
	}

	if order.Status == schema.StatusMatched {
		e.riskMgr.OnOrderTerminal(order.Instruction.Ref)
	}

	mo.ping()
	e.finalizeIfDone(mo)
}

// finalizeIfDone moves a cancel-requested order to CANCELLED once its
// strategy has exited and no provider children can still fill.
func (e *Engine) finalizeIfDone(mo *managedOrder) {
	now := e.clock()

	mo.mu.Lock()
	if mo.order.Status.Terminal() || !mo.cancelRequested || len(mo.children) > 0 {
		mo.mu.Unlock()
		return
	}
	if !mo.transitionLocked(schema.StatusCancelled, now) {
		mo.mu.Unlock()
		return
	}
	order := mo.copyLocked()
	mo.mu.Unlock()

	e.publish(schema.EventOrderCancelled, order.ID, order.Instruction.MarketID, map[string]any{
		"ref":       order.Instruction.Ref,
		"matched":   order.MatchedSize.String(),
		"remaining": order.RemainingSize.String(),
	})
	e.riskMgr.OnOrderTerminal(order.Instruction.Ref)
	mo.ping()
}

// failOrder force-terminates an order after an unrecoverable provider
// error, preserving any partial fills already applied.
func (e *Engine) failOrder(mo *managedOrder, cause error) {
	now := e.clock()

	mo.mu.Lock()
	if mo.order.Status.Terminal() {
		mo.mu.Unlock()
		return
	}
	mo.order.Error = cause.Error()
	if !mo.transitionLocked(schema.StatusFailed, now) {
		mo.mu.Unlock()
		return
	}
	order := mo.copyLocked()
	mo.mu.Unlock()

	observability.Log().Error("order failed",
		observability.F("order_id", order.ID),
		observability.F("error", cause.Error()))
	e.publish(schema.EventOrderFailed, order.ID, order.Instruction.MarketID, map[string]any{
		"ref":     order.Instruction.Ref,
		"matched": order.MatchedSize.String(),
		"error":   cause.Error(),
	})
	e.riskMgr.OnOrderTerminal(order.Instruction.Ref)
	mo.ping()
}

// runErrors drains stream-level provider errors into the log.
func (e *Engine) runErrors() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case err, ok := <-e.prov.Errors():
			if !ok {
				return
			}
			if err != nil {
				observability.Log().Error("provider stream error",
					observability.F("provider", e.prov.Name()),
					observability.F("error", err.Error()))
			}
		}
	}
}

func (e *Engine) publish(kind schema.EventKind, orderID, marketID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(context.Background(), schema.AuditEvent{
		Kind:     kind,
		OrderID:  orderID,
		MarketID: marketID,
		Payload:  payload,
	}); err != nil {
		observability.Log().Warn("event publish failed",
			observability.F("kind", string(kind)),
			observability.F("error", err.Error()))
	}
}

// RiskAlert adapts the risk manager's alert callback onto the bus. Wire it
// with risk.WithAlert before constructing the engine.
func RiskAlert(bus *eventbus.Bus) risk.Alert {
	return func(kind schema.EventKind, fields map[string]any) {
		if bus == nil {
			return
		}
		if _, err := bus.Publish(context.Background(), schema.AuditEvent{Kind: kind, Payload: fields}); err != nil {
			observability.Log().Warn("risk alert publish failed",
				observability.F("kind", string(kind)))
		}
	}
}
