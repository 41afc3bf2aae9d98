// Package marketstore normalizes provider feed events into canonical market
// state and fans updates out to consumers.
package marketstore

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/schema"
)

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSubscriberBuffer sizes per-subscriber channels.
func WithSubscriberBuffer(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.subBuffer = size
		}
	}
}

// Store is the single source of truth for market prices. Each market is an
// independent unit of mutual exclusion: applying an event to one market
// never blocks reads or writes on another.
type Store struct {
	staleAfter time.Duration
	subBuffer  int
	clock      func() time.Time

	mu      sync.RWMutex
	markets map[string]*marketEntry

	resync chan string
}

type marketEntry struct {
	mu      sync.Mutex
	market  schema.Market
	nextSub uint64
	subs    map[uint64]*subscriber
}

type subscriber struct {
	mu     sync.Mutex
	closed bool
	ch     chan schema.Market
	cancel func()
}

// push delivers the snapshot, dropping the oldest buffered update when the
// subscriber is behind. Safe against a concurrent cancel.
func (sub *subscriber) push(market schema.Market) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- market:
			return
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

// New constructs an empty store. Markets older than staleAfter surface as
// stale in snapshots.
func New(staleAfter time.Duration, opts ...Option) *Store {
	store := &Store{
		staleAfter: staleAfter,
		subBuffer:  64,
		clock:      time.Now,
		markets:    make(map[string]*marketEntry),
		resync:     make(chan string, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// ResyncRequests exposes the markets awaiting a full re-snapshot. The feed
// adapter consumes this and replies with FeedSnapshot events.
func (s *Store) ResyncRequests() <-chan string {
	return s.resync
}

// ApplyFeedEvent ingests one provider event. Duplicate or out-of-order
// sequences are dropped; a gap marks the market stale and requests a full
// re-snapshot instead of compounding drift.
func (s *Store) ApplyFeedEvent(evt schema.FeedEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.Kind == schema.FeedHeartbeat {
		return nil
	}

	entry := s.entry(evt.MarketID)
	entry.mu.Lock()

	switch evt.Kind {
	case schema.FeedGap:
		s.markStaleLocked(entry)
		entry.mu.Unlock()
		s.requestResync(evt.MarketID)
		return errs.New("marketstore/apply", errs.CodeFeedGap,
			errs.WithMessage("provider reported discontinuity"),
			errs.WithField("market_id", evt.MarketID))

	case schema.FeedSnapshot:
		s.applySnapshotLocked(entry, evt)

	case schema.FeedUpdate:
		last := entry.market.Sequence
		if last != 0 && evt.Sequence <= last {
			// Duplicate or reordered; drop rather than apply.
			entry.mu.Unlock()
			return nil
		}
		if last != 0 && evt.Sequence != last+1 {
			s.markStaleLocked(entry)
			entry.mu.Unlock()
			s.requestResync(evt.MarketID)
			return errs.New("marketstore/apply", errs.CodeFeedGap,
				errs.WithMessage("sequence gap detected"),
				errs.WithField("market_id", evt.MarketID))
		}
		s.applyUpdateLocked(entry, evt)
	}

	snapshot := entry.market.Clone()
	subs := make([]*subscriber, 0, len(entry.subs))
	for _, sub := range entry.subs {
		subs = append(subs, sub)
	}
	entry.mu.Unlock()

	for _, sub := range subs {
		sub.push(snapshot)
	}
	return nil
}

// Snapshot returns a consistent point-in-time copy of the market.
func (s *Store) Snapshot(marketID string) (schema.Market, error) {
	s.mu.RLock()
	entry, ok := s.markets[marketID]
	s.mu.RUnlock()
	if !ok {
		return schema.Market{}, errs.New("marketstore/snapshot", errs.CodeNotFound,
			errs.WithMessage("unknown market"),
			errs.WithField("market_id", marketID))
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	snapshot := entry.market.Clone()
	if !snapshot.Stale && s.staleAfter > 0 && !snapshot.UpdatedAt.IsZero() {
		if s.clock().Sub(snapshot.UpdatedAt) > s.staleAfter {
			snapshot.Stale = true
			snapshot.StaleSince = snapshot.UpdatedAt
		}
	}
	return snapshot, nil
}

// BestLay returns the current top-of-book lay price for a selection. ok is
// false when the market, the selection, or a priced lay ladder is missing.
func (s *Store) BestLay(marketID, selectionID string) (decimal.Decimal, bool) {
	snapshot, err := s.Snapshot(marketID)
	if err != nil {
		return decimal.Zero, false
	}
	sel, ok := snapshot.Selections[selectionID]
	if !ok {
		return decimal.Zero, false
	}
	best := sel.BestLayPrice()
	return best, best.GreaterThan(decimal.NewFromInt(1))
}

// Subscribe streams market updates ordered by sequence number until ctx is
// cancelled. Slow subscribers lose the oldest buffered update rather than
// stalling ingestion; every delivered snapshot carries the latest sequence
// so a consumer can detect what it skipped.
func (s *Store) Subscribe(ctx context.Context, marketID string) (<-chan schema.Market, func()) {
	entry := s.entry(marketID)

	entry.mu.Lock()
	id := entry.nextSub
	entry.nextSub++
	sub := &subscriber{ch: make(chan schema.Market, s.subBuffer)}
	sub.cancel = func() {
		entry.mu.Lock()
		delete(entry.subs, id)
		entry.mu.Unlock()
		sub.close()
	}
	entry.subs[id] = sub

	// Seed with current state so late subscribers start from a snapshot.
	var seed *schema.Market
	if entry.market.Sequence != 0 {
		m := entry.market.Clone()
		seed = &m
	}
	entry.mu.Unlock()

	if seed != nil {
		sub.push(*seed)
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			sub.cancel()
		}()
	}
	return sub.ch, sub.cancel
}

// MarkAllStale flags every tracked market, used when the upstream feed
// disconnects entirely.
func (s *Store) MarkAllStale() {
	s.mu.RLock()
	entries := make([]*marketEntry, 0, len(s.markets))
	ids := make([]string, 0, len(s.markets))
	for id, entry := range s.markets {
		entries = append(entries, entry)
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for i, entry := range entries {
		entry.mu.Lock()
		s.markStaleLocked(entry)
		entry.mu.Unlock()
		s.requestResync(ids[i])
	}
}

func (s *Store) entry(marketID string) *marketEntry {
	s.mu.RLock()
	entry, ok := s.markets[marketID]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.markets[marketID]; ok {
		return entry
	}
	entry = &marketEntry{
		market: schema.Market{ID: marketID, Selections: make(map[string]schema.Selection)},
		subs:   make(map[uint64]*subscriber),
	}
	s.markets[marketID] = entry
	return entry
}

func (s *Store) applySnapshotLocked(entry *marketEntry, evt schema.FeedEvent) {
	market := schema.Market{
		ID:         evt.MarketID,
		Name:       evt.MarketName,
		Status:     evt.Status,
		Selections: make(map[string]schema.Selection, len(evt.Selections)),
		Sequence:   evt.Sequence,
		UpdatedAt:  s.eventTime(evt),
	}
	if market.Name == "" {
		market.Name = entry.market.Name
	}
	if market.Status == "" {
		market.Status = entry.market.Status
	}
	for _, sel := range evt.Selections {
		market.Selections[sel.ID] = sel.Clone()
	}
	entry.market = market
}

func (s *Store) applyUpdateLocked(entry *marketEntry, evt schema.FeedEvent) {
	market := entry.market.Clone()
	market.Sequence = evt.Sequence
	market.UpdatedAt = s.eventTime(evt)
	market.Stale = false
	market.StaleSince = time.Time{}
	if evt.Status != "" {
		market.Status = evt.Status
	}
	if evt.MarketName != "" {
		market.Name = evt.MarketName
	}
	// Each selection in the event replaces its predecessor whole: ladders,
	// flags, and score move together.
	for _, sel := range evt.Selections {
		market.Selections[sel.ID] = sel.Clone()
	}
	entry.market = market
}

func (s *Store) markStaleLocked(entry *marketEntry) {
	if entry.market.Stale {
		return
	}
	entry.market.Stale = true
	entry.market.StaleSince = s.clock()
}

func (s *Store) eventTime(evt schema.FeedEvent) time.Time {
	if !evt.Timestamp.IsZero() {
		return evt.Timestamp
	}
	return s.clock()
}

func (s *Store) requestResync(marketID string) {
	select {
	case s.resync <- marketID:
	default:
		observability.Log().Warn("resync queue full, dropping request",
			observability.F("market_id", marketID))
	}
}
