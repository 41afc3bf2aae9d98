package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/config"
	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/position"
	"github.com/fairline/trader/internal/schema"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLimits() config.RiskLimits {
	return config.RiskLimits{
		MaxPositionSize:    dec("100"),
		MaxMarketExposure:  dec("500"),
		MaxTotalExposure:   dec("1000"),
		MaxDailyLoss:       dec("200"),
		MaxOpenPositions:   2,
		OrderRatePerSecond: 1000,
		OrderRateBurst:     1000,
	}
}

func backInstr(ref, market string, size, price string) schema.TradeInstruction {
	return schema.TradeInstruction{
		Ref:         ref,
		MarketID:    market,
		SelectionID: "sel-1",
		Side:        schema.Back,
		Size:        dec(size),
		LimitPrice:  dec(price),
		Strategy:    schema.StrategyAggressive,
	}
}

func layInstr(ref, market string, size, price string) schema.TradeInstruction {
	instr := backInstr(ref, market, size, price)
	instr.Side = schema.Lay
	return instr
}

func wantLimit(t *testing.T, err error, limit errs.Limit) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection with limit %s", limit)
	}
	if got := errs.CodeOf(err); got != errs.CodeRiskRejected {
		t.Fatalf("code = %s, want %s", got, errs.CodeRiskRejected)
	}
	if got := errs.LimitOf(err); got != limit {
		t.Fatalf("limit = %s, want %s", got, limit)
	}
}

func newTestManager(limits config.RiskLimits) (*Manager, *position.Tracker) {
	tr := position.NewTracker(dec("0.02"))
	return NewManager(limits, tr), tr
}

func TestAdmitReservesLiability(t *testing.T) {
	m, _ := newTestManager(testLimits())

	if err := m.Admit(backInstr("ref-1", "mkt-1", "50", "2.0")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	state := m.Snapshot()
	if !state.TotalExposure.Equal(dec("50")) {
		t.Fatalf("total exposure = %s, want 50 (back liability is the stake)", state.TotalExposure)
	}
	if !m.ActiveRef("ref-1") {
		t.Fatal("expected ref-1 to hold a reservation")
	}
}

func TestAdmitLayReservesPriceScaledLiability(t *testing.T) {
	m, _ := newTestManager(testLimits())

	if err := m.Admit(layInstr("ref-1", "mkt-1", "50", "3.0")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	// Lay liability is 50 x (3.0 - 1) = 100.
	if got := m.Snapshot().TotalExposure; !got.Equal(dec("100")) {
		t.Fatalf("total exposure = %s, want 100", got)
	}
}

func TestAdmitKillSwitchShortCircuits(t *testing.T) {
	m, _ := newTestManager(testLimits())
	if !m.TriggerKillSwitch("manual") {
		t.Fatal("expected first trigger to flip the switch")
	}
	if m.TriggerKillSwitch("again") {
		t.Fatal("expected repeated trigger to be a no-op")
	}

	wantLimit(t, m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")), errs.LimitKillSwitch)
}

func TestAdmitFrozenRejectsUntilUnfrozen(t *testing.T) {
	m, _ := newTestManager(testLimits())
	m.Freeze("operator")

	wantLimit(t, m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")), errs.LimitFrozen)

	m.Unfreeze()
	if err := m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")); err != nil {
		t.Fatalf("admit after unfreeze: %v", err)
	}
}

func TestAdmitMaxPositionSize(t *testing.T) {
	m, _ := newTestManager(testLimits())

	wantLimit(t, m.Admit(backInstr("ref-1", "mkt-1", "101", "2.0")), errs.LimitMaxPositionSize)

	if err := m.Admit(backInstr("ref-2", "mkt-1", "100", "2.0")); err != nil {
		t.Fatalf("admit at limit: %v", err)
	}
}

func TestAdmitMarketExposureLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxMarketExposure = dec("100")
	m, _ := newTestManager(limits)

	if err := m.Admit(backInstr("ref-1", "mkt-1", "80", "2.0")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	wantLimit(t, m.Admit(backInstr("ref-2", "mkt-1", "30", "2.0")), errs.LimitMaxMarketExposure)

	// Another market has its own headroom.
	if err := m.Admit(backInstr("ref-3", "mkt-2", "30", "2.0")); err != nil {
		t.Fatalf("admit on second market: %v", err)
	}
}

func TestAdmitTotalExposureLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxMarketExposure = decimal.Zero
	limits.MaxTotalExposure = dec("100")
	m, _ := newTestManager(limits)

	if err := m.Admit(backInstr("ref-1", "mkt-1", "80", "2.0")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	wantLimit(t, m.Admit(backInstr("ref-2", "mkt-2", "30", "2.0")), errs.LimitMaxTotalExposure)
}

func TestAdmitOpenPositionCount(t *testing.T) {
	limits := testLimits()
	limits.MaxOpenPositions = 1
	m, tr := newTestManager(limits)

	if _, err := tr.ApplyFill(schema.PositionKey{MarketID: "mkt-1", SelectionID: "sel-1"}, schema.Back, dec("10"), dec("2.0")); err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	// A new key would breach the count.
	other := backInstr("ref-1", "mkt-2", "10", "2.0")
	wantLimit(t, m.Admit(other), errs.LimitMaxOpenPositions)

	// The already-open key does not.
	if err := m.Admit(backInstr("ref-2", "mkt-1", "10", "2.0")); err != nil {
		t.Fatalf("admit on open key: %v", err)
	}
}

func TestAdmitOrderRateLimit(t *testing.T) {
	limits := testLimits()
	limits.OrderRatePerSecond = 1
	limits.OrderRateBurst = 1
	m, _ := newTestManager(limits)

	if err := m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	wantLimit(t, m.Admit(backInstr("ref-2", "mkt-1", "1", "2.0")), errs.LimitOrderRate)

	// Rate limits are per market.
	if err := m.Admit(backInstr("ref-3", "mkt-2", "1", "2.0")); err != nil {
		t.Fatalf("admit on second market: %v", err)
	}
}

func TestAdmitDuplicateRef(t *testing.T) {
	m, _ := newTestManager(testLimits())

	if err := m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	wantLimit(t, m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")), errs.LimitDuplicateRef)

	// Once the order is terminal the ref may be reused.
	m.OnOrderTerminal("ref-1")
	if err := m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")); err != nil {
		t.Fatalf("admit after terminal: %v", err)
	}
}

func TestOnFillAppliedMovesReservationToPosition(t *testing.T) {
	m, tr := newTestManager(testLimits())
	key := schema.PositionKey{MarketID: "mkt-1", SelectionID: "sel-1"}

	if err := m.Admit(backInstr("ref-1", "mkt-1", "50", "2.0")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	delta, err := tr.ApplyFill(key, schema.Back, dec("50"), dec("2.0"))
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	m.OnFillApplied("ref-1", dec("50"), delta)
	m.OnOrderTerminal("ref-1")

	// Reservation released, position exposure (the 50 stake) remains.
	if got := m.Snapshot().TotalExposure; !got.Equal(dec("50")) {
		t.Fatalf("total exposure = %s, want 50", got)
	}
}

func TestDailyLossBreachFreezes(t *testing.T) {
	var frozen bool
	tr := position.NewTracker(dec("0"))
	m := NewManager(testLimits(), tr, WithAlert(func(kind schema.EventKind, _ map[string]any) {
		if kind == schema.EventTradingFrozen {
			frozen = true
		}
	}))
	key := schema.PositionKey{MarketID: "mkt-1", SelectionID: "sel-1"}

	if _, err := tr.ApplyFill(key, schema.Back, dec("100"), dec("5.0")); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	delta, err := tr.ApplyFill(key, schema.Lay, dec("100"), dec("2.0"))
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	// Realized -300 breaches the 200 daily loss limit.
	m.OnFillApplied("ref-x", dec("100"), delta)

	if !frozen {
		t.Fatal("expected daily loss breach to freeze trading")
	}
	wantLimit(t, m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")), errs.LimitFrozen)

	// The freeze is not retroactive and can be lifted by an operator.
	m.Unfreeze()
	m.ResetDaily()
	if err := m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0")); err != nil {
		t.Fatalf("admit after unfreeze: %v", err)
	}
}

func TestUpdateLimitsAppliesImmediately(t *testing.T) {
	m, _ := newTestManager(testLimits())

	limits := testLimits()
	limits.MaxTotalExposure = dec("10")
	m.UpdateLimits(limits)

	wantLimit(t, m.Admit(backInstr("ref-1", "mkt-1", "50", "2.0")), errs.LimitMaxTotalExposure)
}

func TestAlertFiredOnRejection(t *testing.T) {
	var kinds []schema.EventKind
	tr := position.NewTracker(dec("0.02"))
	m := NewManager(testLimits(), tr, WithAlert(func(kind schema.EventKind, _ map[string]any) {
		kinds = append(kinds, kind)
	}))
	m.Freeze("operator")

	_ = m.Admit(backInstr("ref-1", "mkt-1", "1", "2.0"))

	if len(kinds) != 2 || kinds[0] != schema.EventTradingFrozen || kinds[1] != schema.EventOrderRejected {
		t.Fatalf("alert kinds = %v, want [TRADING_FROZEN ORDER_REJECTED]", kinds)
	}
}

func TestDailyLossCountsMarkThenClose(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyLoss = dec("3")
	var frozen bool
	tr := position.NewTracker(dec("0"))
	m := NewManager(limits, tr, WithAlert(func(kind schema.EventKind, _ map[string]any) {
		if kind == schema.EventTradingFrozen {
			frozen = true
		}
	}))
	key := schema.PositionKey{MarketID: "mkt-1", SelectionID: "sel-1"}
	book := schema.Market{
		ID:     key.MarketID,
		Status: schema.MarketOpen,
		Selections: map[string]schema.Selection{
			key.SelectionID: {
				ID:      key.SelectionID,
				BestLay: []schema.PriceSize{{Price: dec("2.0"), Size: dec("100")}},
			},
		},
	}

	if _, err := tr.ApplyFill(key, schema.Back, dec("10"), dec("2.5")); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	m.OnMarkToMarket(tr.MarkToMarket(book))
	if got := m.Snapshot().DailyPnL; !got.Equal(dec("5")) {
		t.Fatalf("daily pnl after mark = %s, want 5", got)
	}

	delta, err := tr.ApplyFill(key, schema.Lay, dec("10"), dec("2.0"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	m.OnFillApplied("ref-x", dec("10"), delta)

	// Realized -5 replaces the +5 mark instead of stacking on it.
	if got := m.Snapshot().DailyPnL; !got.Equal(dec("-5")) {
		t.Fatalf("daily pnl after close = %s, want -5", got)
	}
	if !frozen {
		t.Fatal("expected daily loss breach to freeze trading")
	}
}

func TestAdmitMarketLayUsesBookLiability(t *testing.T) {
	limits := testLimits()
	limits.MaxTotalExposure = dec("90")
	tr := position.NewTracker(dec("0.02"))
	m := NewManager(limits, tr, WithPriceSource(func(string, string) (decimal.Decimal, bool) {
		return dec("3.0"), true
	}))

	// Lay 50 with no limit: worst case is the best lay, 50 x (3.0 - 1) = 100.
	wantLimit(t, m.Admit(layInstr("ref-1", "mkt-1", "50", "0")), errs.LimitMaxTotalExposure)

	limits.MaxTotalExposure = dec("150")
	m.UpdateLimits(limits)
	if err := m.Admit(layInstr("ref-1", "mkt-1", "50", "0")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if got := m.Snapshot().TotalExposure; !got.Equal(dec("100")) {
		t.Fatalf("total exposure = %s, want 100", got)
	}
}

func TestAdmitMarketLayWithoutBookRejected(t *testing.T) {
	m, _ := newTestManager(testLimits())

	err := m.Admit(layInstr("ref-1", "mkt-1", "50", "0"))
	if err == nil {
		t.Fatal("expected rejection for unpriceable lay liability")
	}
	if got := errs.CodeOf(err); got != errs.CodeValidation {
		t.Fatalf("code = %s, want %s", got, errs.CodeValidation)
	}
	if !m.Snapshot().TotalExposure.IsZero() {
		t.Fatalf("total exposure = %s, want 0", m.Snapshot().TotalExposure)
	}
}
