// Package risk gates every instruction before it reaches the provider and
// tracks exposure, daily P&L, and the trading freeze and kill switch states.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/fairline/trader/config"
	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/position"
	"github.com/fairline/trader/internal/schema"
)

const scope = "risk/manager"

// Alert receives risk state changes for publication. Called without the
// manager's lock held.
type Alert func(kind schema.EventKind, fields map[string]any)

// PriceSource resolves the current best lay price for a selection. ok is
// false when no priced ladder is available.
type PriceSource func(marketID, selectionID string) (price decimal.Decimal, ok bool)

var one = decimal.NewFromInt(1)

// State is a point-in-time snapshot of the manager's bookkeeping.
type State struct {
	KillSwitch     bool
	Frozen         bool
	FrozenReason   string
	DailyPnL       decimal.Decimal
	TotalExposure  decimal.Decimal
	MarketExposure map[string]decimal.Decimal
	ActiveRefs     int
	OpenPositions  int
}

type reservation struct {
	marketID  string
	remaining decimal.Decimal
}

// Manager serializes all risk decisions behind one lock. Admission checks
// and their reservations are atomic: two concurrent instructions can never
// both pass on the same remaining headroom.
type Manager struct {
	positions *position.Tracker
	alert     Alert
	prices    PriceSource
	clock     func() time.Time

	mu             sync.Mutex
	limits         config.RiskLimits
	killSwitch     bool
	frozen         bool
	frozenReason   string
	dailyPnL       decimal.Decimal
	totalExposure  decimal.Decimal
	marketExposure map[string]decimal.Decimal
	reservations   map[string]*reservation
	limiters       map[string]*rate.Limiter
}

// Option configures the manager.
type Option func(*Manager)

// WithAlert installs the state-change callback.
func WithAlert(alert Alert) Option {
	return func(m *Manager) { m.alert = alert }
}

// WithPriceSource installs the book lookup used to size the liability of
// lays submitted without a limit price.
func WithPriceSource(prices PriceSource) Option {
	return func(m *Manager) { m.prices = prices }
}

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager constructs a manager over the given position tracker.
func NewManager(limits config.RiskLimits, positions *position.Tracker, opts ...Option) *Manager {
	m := &Manager{
		positions:      positions,
		clock:          time.Now,
		limits:         limits,
		marketExposure: make(map[string]decimal.Decimal),
		reservations:   make(map[string]*reservation),
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Admit runs the ordered admission checks and, when all pass, reserves the
// instruction's worst-case liability against the exposure budgets. The first
// failing check rejects; later checks are not evaluated. Every rejection is
// a terminal decision for that instruction, never a retry hint.
func (m *Manager) Admit(instr schema.TradeInstruction) error {
	price := instr.LimitPrice
	if instr.Side == schema.Lay && price.LessThanOrEqual(one) {
		// A lay without a limit can match at any price on the book, so its
		// worst case is the current best lay. No priced ladder means the
		// liability cannot be sized at all.
		var best decimal.Decimal
		var ok bool
		if m.prices != nil {
			best, ok = m.prices(instr.MarketID, instr.SelectionID)
		}
		if !ok || best.LessThanOrEqual(one) {
			return errs.New(scope, errs.CodeValidation,
				errs.WithMessage("lay without limit price needs a live lay ladder to size liability"),
				errs.WithField("ref", instr.Ref),
				errs.WithField("market_id", instr.MarketID))
		}
		price = best
	}
	liability := instr.Liability(price)

	m.mu.Lock()
	limit, msg := m.admitLocked(instr, liability)
	m.mu.Unlock()

	if limit != "" {
		return m.reject(instr, limit, msg)
	}
	return nil
}

// admitLocked evaluates the checks in order and, when all pass, records the
// reservation. Returns the first failing limit, or empty on admission.
func (m *Manager) admitLocked(instr schema.TradeInstruction, liability decimal.Decimal) (errs.Limit, string) {
	if m.killSwitch {
		return errs.LimitKillSwitch, "kill switch engaged"
	}
	if m.frozen {
		return errs.LimitFrozen, "trading frozen: " + m.frozenReason
	}

	if !m.limits.MaxPositionSize.IsZero() && instr.Size.GreaterThan(m.limits.MaxPositionSize) {
		return errs.LimitMaxPositionSize,
			"requested size " + instr.Size.String() + " exceeds " + m.limits.MaxPositionSize.String()
	}

	if !m.limits.MaxMarketExposure.IsZero() {
		projected := m.marketExposure[instr.MarketID].Add(liability)
		if projected.GreaterThan(m.limits.MaxMarketExposure) {
			return errs.LimitMaxMarketExposure,
				"market exposure " + projected.String() + " exceeds " + m.limits.MaxMarketExposure.String()
		}
	}

	if !m.limits.MaxTotalExposure.IsZero() {
		projected := m.totalExposure.Add(liability)
		if projected.GreaterThan(m.limits.MaxTotalExposure) {
			return errs.LimitMaxTotalExposure,
				"total exposure " + projected.String() + " exceeds " + m.limits.MaxTotalExposure.String()
		}
	}

	if m.limits.MaxOpenPositions > 0 && m.opensNewPosition(instr) &&
		m.positions.OpenCount() >= m.limits.MaxOpenPositions {
		return errs.LimitMaxOpenPositions, "open position count at limit"
	}

	if !m.limiterLocked(instr.MarketID).Allow() {
		return errs.LimitOrderRate, "order rate exceeded for market " + instr.MarketID
	}

	if _, exists := m.reservations[instr.Ref]; exists {
		return errs.LimitDuplicateRef, "client ref " + instr.Ref + " already active"
	}

	m.reservations[instr.Ref] = &reservation{marketID: instr.MarketID, remaining: liability}
	m.marketExposure[instr.MarketID] = m.marketExposure[instr.MarketID].Add(liability)
	m.totalExposure = m.totalExposure.Add(liability)
	return "", ""
}

// opensNewPosition reports whether the instruction would add a distinct open
// key. Trading an already-open key never does.
func (m *Manager) opensNewPosition(instr schema.TradeInstruction) bool {
	key := schema.PositionKey{MarketID: instr.MarketID, SelectionID: instr.SelectionID}
	pos, ok := m.positions.Position(key)
	return !ok || !pos.Open()
}

func (m *Manager) limiterLocked(marketID string) *rate.Limiter {
	lim, ok := m.limiters[marketID]
	if !ok {
		lim = m.newLimiterLocked()
		m.limiters[marketID] = lim
	}
	return lim
}

func (m *Manager) newLimiterLocked() *rate.Limiter {
	if m.limits.OrderRatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := m.limits.OrderRateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(m.limits.OrderRatePerSecond), burst)
}

func (m *Manager) reject(instr schema.TradeInstruction, limit errs.Limit, msg string) error {
	err := errs.New(scope, errs.CodeRiskRejected,
		errs.WithLimit(limit),
		errs.WithMessage(msg),
		errs.WithField("ref", instr.Ref),
		errs.WithField("market_id", instr.MarketID),
	)
	observability.Log().Warn("instruction rejected",
		observability.F("ref", instr.Ref),
		observability.F("limit", string(limit)),
	)
	if m.alert != nil {
		m.alert(schema.EventOrderRejected, map[string]any{
			"ref":       instr.Ref,
			"market_id": instr.MarketID,
			"limit":     string(limit),
			"reason":    msg,
		})
	}
	return err
}

// OnFillApplied folds a fill into risk state: the fill's liability share is
// released from the order's reservation and the position's exposure change
// and realized P&L take its place.
func (m *Manager) OnFillApplied(ref string, fillLiability decimal.Decimal, delta position.Delta) {
	m.mu.Lock()
	if res, ok := m.reservations[ref]; ok {
		release := decimal.Min(res.remaining, fillLiability)
		res.remaining = res.remaining.Sub(release)
		m.marketExposure[res.marketID] = m.marketExposure[res.marketID].Sub(release)
		m.totalExposure = m.totalExposure.Sub(release)
	}
	marketID := delta.Position.Key.MarketID
	m.marketExposure[marketID] = m.marketExposure[marketID].Add(delta.ExposureDelta)
	m.totalExposure = m.totalExposure.Add(delta.ExposureDelta)
	m.dailyPnL = m.dailyPnL.Add(delta.RealizedDelta).Add(delta.UnrealizedDelta)
	breached := m.dailyLossBreachedLocked()
	m.mu.Unlock()

	if breached {
		m.Freeze("daily loss limit breached")
	}
}

// OnMarkToMarket folds unrealized P&L changes into the daily figure.
func (m *Manager) OnMarkToMarket(deltas []position.Delta) {
	if len(deltas) == 0 {
		return
	}
	m.mu.Lock()
	for _, d := range deltas {
		m.dailyPnL = m.dailyPnL.Add(d.UnrealizedDelta)
	}
	breached := m.dailyLossBreachedLocked()
	m.mu.Unlock()

	if breached {
		m.Freeze("daily loss limit breached")
	}
}

func (m *Manager) dailyLossBreachedLocked() bool {
	if m.frozen || m.killSwitch || m.limits.MaxDailyLoss.IsZero() {
		return false
	}
	return m.dailyPnL.LessThanOrEqual(m.limits.MaxDailyLoss.Neg())
}

// OnOrderTerminal releases whatever liability an order still reserves. Safe
// to call more than once per ref.
func (m *Manager) OnOrderTerminal(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[ref]
	if !ok {
		return
	}
	delete(m.reservations, ref)
	if res.remaining.IsPositive() {
		m.marketExposure[res.marketID] = m.marketExposure[res.marketID].Sub(res.remaining)
		m.totalExposure = m.totalExposure.Sub(res.remaining)
	}
}

// ActiveRef reports whether a client ref currently holds a reservation.
func (m *Manager) ActiveRef(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reservations[ref]
	return ok
}

// Freeze blocks new instructions while leaving working orders alone.
// Idempotent.
func (m *Manager) Freeze(reason string) {
	m.mu.Lock()
	if m.frozen {
		m.mu.Unlock()
		return
	}
	m.frozen = true
	m.frozenReason = reason
	m.mu.Unlock()

	observability.Log().Warn("trading frozen", observability.F("reason", reason))
	if m.alert != nil {
		m.alert(schema.EventTradingFrozen, map[string]any{"reason": reason})
	}
}

// Unfreeze lifts a freeze. The kill switch is not affected.
func (m *Manager) Unfreeze() {
	m.mu.Lock()
	if !m.frozen {
		m.mu.Unlock()
		return
	}
	m.frozen = false
	m.frozenReason = ""
	m.mu.Unlock()

	observability.Log().Info("trading unfrozen")
	if m.alert != nil {
		m.alert(schema.EventTradingUnfrozen, nil)
	}
}

// TriggerKillSwitch permanently halts admissions for the session and reports
// whether this call flipped the switch. The engine cancels working orders on
// a true return; repeated triggers are no-ops.
func (m *Manager) TriggerKillSwitch(reason string) bool {
	m.mu.Lock()
	if m.killSwitch {
		m.mu.Unlock()
		return false
	}
	m.killSwitch = true
	m.mu.Unlock()

	observability.Log().Error("kill switch engaged", observability.F("reason", reason))
	if m.alert != nil {
		m.alert(schema.EventKillSwitch, map[string]any{"reason": reason})
	}
	return true
}

// KillSwitchEngaged reports the switch state.
func (m *Manager) KillSwitchEngaged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitch
}

// UpdateLimits swaps the active limits. Existing rate limiters are rebuilt
// so new rates apply immediately; reservations and exposure carry over.
func (m *Manager) UpdateLimits(limits config.RiskLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
	for marketID := range m.limiters {
		m.limiters[marketID] = m.newLimiterLocked()
	}
}

// ResetDaily zeroes the daily P&L figure at session roll.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = decimal.Zero
}

// Snapshot returns a copy of the current risk state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	exposure := make(map[string]decimal.Decimal, len(m.marketExposure))
	for id, v := range m.marketExposure {
		exposure[id] = v
	}
	return State{
		KillSwitch:     m.killSwitch,
		Frozen:         m.frozen,
		FrozenReason:   m.frozenReason,
		DailyPnL:       m.dailyPnL,
		TotalExposure:  m.totalExposure,
		MarketExposure: exposure,
		ActiveRefs:     len(m.reservations),
		OpenPositions:  m.positions.OpenCount(),
	}
}
