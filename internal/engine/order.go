package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/internal/schema"
)

// managedOrder is the runtime wrapper around one order's state machine. The
// mutex is the order's unit of mutual exclusion: fills, cancels, and the
// strategy goroutine all serialize on it, never on a global lock.
type managedOrder struct {
	mu    sync.Mutex
	order schema.Order

	// children tracks live provider order IDs. A child leaves the set when
	// the provider reports it terminal.
	children map[string]struct{}

	cancelRequested bool
	strategyCancel  context.CancelFunc
	strategyDone    bool

	// notify wakes the strategy after every applied fill or child removal.
	notify chan struct{}
}

func newManagedOrder(order schema.Order, cancel context.CancelFunc) *managedOrder {
	return &managedOrder{
		order:          order,
		children:       make(map[string]struct{}),
		strategyCancel: cancel,
		notify:         make(chan struct{}, 1),
	}
}

func (m *managedOrder) ping() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// snapshot returns a copy safe to read without the lock.
func (m *managedOrder) snapshot() schema.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

func (m *managedOrder) copyLocked() schema.Order {
	out := m.order
	out.Fills = append([]schema.Fill(nil), m.order.Fills...)
	return out
}

// transitionLocked applies a legal status change and bumps the version.
// Returns false when the state machine forbids it.
func (m *managedOrder) transitionLocked(to schema.OrderStatus, now time.Time) bool {
	if !m.order.Status.CanTransition(to) {
		return false
	}
	m.order.Status = to
	m.order.Version++
	if to.Terminal() {
		m.order.CompletedAt = now
	}
	return true
}

// applyFillLocked folds one fill into matched size and the running average.
func (m *managedOrder) applyFillLocked(fill schema.Fill) {
	prev := m.order.MatchedSize
	m.order.MatchedSize = prev.Add(fill.Size)
	m.order.RemainingSize = m.order.RemainingSize.Sub(fill.Size)
	if m.order.MatchedSize.IsPositive() {
		m.order.AvgPrice = m.order.AvgPrice.Mul(prev).
			Add(fill.Price.Mul(fill.Size)).
			Div(m.order.MatchedSize)
	}
	m.order.Fills = append(m.order.Fills, fill)
	m.order.Version++
}

func (m *managedOrder) matched() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.MatchedSize
}

func (m *managedOrder) remaining() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.RemainingSize
}

func (m *managedOrder) terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Status.Terminal()
}

func (m *managedOrder) liveChildren() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.children))
	for id := range m.children {
		out = append(out, id)
	}
	return out
}
