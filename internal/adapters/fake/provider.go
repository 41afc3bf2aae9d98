// Package fake provides an in-process exchange for development and tests. It
// keeps real ladders, matches submitted orders against them, and lets tests
// drive the price feed deterministically.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/provider"
	"github.com/fairline/trader/internal/schema"
)

// Options configures the fake exchange.
type Options struct {
	Name string

	// Buffer sizes the feed and fill channels.
	Buffer int
}

func (o Options) normalize() Options {
	if o.Name == "" {
		o.Name = "fake"
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	return o
}

type restingOrder struct {
	id        string
	req       provider.SubmitRequest
	remaining decimal.Decimal
	terminal  bool
}

// Provider is a synthetic exchange. All state lives in memory; submissions
// match instantly against the current ladders and the remainder rests until
// a pushed update crosses it or a cancel removes it.
type Provider struct {
	opts Options

	updates chan schema.FeedEvent
	fills   chan provider.FillEvent
	errCh   chan error

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	mu        sync.Mutex
	markets   map[string]*schema.Market
	orders    map[string]*restingOrder
	seq       map[string]uint64
	nextOrder uint64
	nextFill  uint64

	submitErrs []error
	cancelErrs []error

	clock func() time.Time
}

// Option configures the provider.
type Option func(*Provider)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New constructs a fake exchange with no markets.
func New(opts Options, options ...Option) *Provider {
	opts = opts.normalize()
	p := new(Provider)
	p.opts = opts
	p.updates = make(chan schema.FeedEvent, opts.Buffer)
	p.fills = make(chan provider.FillEvent, opts.Buffer)
	p.errCh = make(chan error, 8)
	p.markets = make(map[string]*schema.Market)
	p.orders = make(map[string]*restingOrder)
	p.seq = make(map[string]uint64)
	p.clock = time.Now
	for _, opt := range options {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name implements provider.Instance.
func (p *Provider) Name() string { return p.opts.Name }

// Start implements provider.Instance.
func (p *Provider) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errs.New("provider/fake", errs.CodeConflict, errs.WithMessage("already started"))
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		<-p.ctx.Done()
		close(p.updates)
		close(p.fills)
		close(p.errCh)
	}()
	return nil
}

// MarketUpdates implements provider.Instance.
func (p *Provider) MarketUpdates() <-chan schema.FeedEvent { return p.updates }

// Fills implements provider.Instance.
func (p *Provider) Fills() <-chan provider.FillEvent { return p.fills }

// Errors implements provider.Instance.
func (p *Provider) Errors() <-chan error { return p.errCh }

// SeedMarket installs or replaces a market without emitting a feed event.
func (p *Provider) SeedMarket(market schema.Market) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := market.Clone()
	p.markets[market.ID] = &m
	if market.Sequence > p.seq[market.ID] {
		p.seq[market.ID] = market.Sequence
	}
}

// PushSnapshot replaces the market and emits a snapshot feed event.
func (p *Provider) PushSnapshot(market schema.Market) {
	p.mu.Lock()
	p.seq[market.ID]++
	market.Sequence = p.seq[market.ID]
	m := market.Clone()
	p.markets[market.ID] = &m
	evt := p.feedEventLocked(schema.FeedSnapshot, &m)
	matched := p.rematchLocked(market.ID)
	p.mu.Unlock()

	p.emit(evt)
	p.flush(matched)
}

// PushPrices updates one selection's ladders and emits an incremental feed
// event, then re-matches resting orders against the new prices.
func (p *Provider) PushPrices(marketID, selectionID string, bestBack, bestLay []schema.PriceSize) {
	p.mu.Lock()
	m, ok := p.markets[marketID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if m.Selections == nil {
		m.Selections = make(map[string]schema.Selection)
	}
	sel := m.Selections[selectionID]
	sel.ID = selectionID
	sel.BestBack = append([]schema.PriceSize(nil), bestBack...)
	sel.BestLay = append([]schema.PriceSize(nil), bestLay...)
	m.Selections[selectionID] = sel
	p.seq[marketID]++
	m.Sequence = p.seq[marketID]

	evt := p.feedEventLocked(schema.FeedUpdate, m)
	matched := p.rematchLocked(marketID)
	p.mu.Unlock()

	p.emit(evt)
	p.flush(matched)
}

// SkipSequence advances the market's sequence without emitting, so the next
// pushed event arrives with a gap.
func (p *Provider) SkipSequence(marketID string, n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq[marketID] += n
	if m, ok := p.markets[marketID]; ok {
		m.Sequence = p.seq[marketID]
	}
}

// SetStatus flips a market's trading status and emits the change.
func (p *Provider) SetStatus(marketID string, status schema.MarketStatus) {
	p.mu.Lock()
	m, ok := p.markets[marketID]
	if !ok {
		p.mu.Unlock()
		return
	}
	m.Status = status
	p.seq[marketID]++
	m.Sequence = p.seq[marketID]
	evt := p.feedEventLocked(schema.FeedUpdate, m)
	p.mu.Unlock()

	p.emit(evt)
}

// FailNextSubmit queues an error for the next SubmitOrder call.
func (p *Provider) FailNextSubmit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErrs = append(p.submitErrs, err)
}

// FailNextCancel queues an error for the next CancelOrder call.
func (p *Provider) FailNextCancel(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelErrs = append(p.cancelErrs, err)
}

// SubmitOrder implements provider.Instance. The order matches immediately
// against its ladder up to the limit; any remainder rests.
func (p *Provider) SubmitOrder(ctx context.Context, req provider.SubmitRequest) (provider.Ack, error) {
	if err := ctx.Err(); err != nil {
		return provider.Ack{}, provider.ErrTimeout(p.opts.Name, err)
	}

	p.mu.Lock()
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		p.mu.Unlock()
		return provider.Ack{}, err
	}

	m, ok := p.markets[req.MarketID]
	if !ok {
		p.mu.Unlock()
		return provider.Ack{}, provider.ErrRejected(p.opts.Name, "unknown market "+req.MarketID)
	}
	if m.Status == schema.MarketSuspended || m.Status == schema.MarketClosed {
		p.mu.Unlock()
		return provider.Ack{}, provider.ErrMarketSuspended(p.opts.Name, req.MarketID)
	}
	if _, ok := m.Selections[req.SelectionID]; !ok {
		p.mu.Unlock()
		return provider.Ack{}, provider.ErrRejected(p.opts.Name, "unknown selection "+req.SelectionID)
	}

	p.nextOrder++
	order := &restingOrder{
		id:        fmt.Sprintf("%s-ord-%d", p.opts.Name, p.nextOrder),
		req:       req,
		remaining: req.Size,
	}
	p.orders[order.id] = order
	events := p.matchLocked(order)
	p.mu.Unlock()

	p.flush(events)
	return provider.Ack{ProviderOrderID: order.id}, nil
}

// CancelOrder implements provider.Instance.
func (p *Provider) CancelOrder(ctx context.Context, providerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return provider.ErrTimeout(p.opts.Name, err)
	}

	p.mu.Lock()
	if len(p.cancelErrs) > 0 {
		err := p.cancelErrs[0]
		p.cancelErrs = p.cancelErrs[1:]
		p.mu.Unlock()
		return err
	}

	order, ok := p.orders[providerOrderID]
	if !ok {
		p.mu.Unlock()
		return provider.ErrOrderNotFound(p.opts.Name, providerOrderID)
	}
	if order.terminal {
		p.mu.Unlock()
		return provider.ErrAlreadyTerminal(p.opts.Name, providerOrderID)
	}
	order.terminal = true
	p.mu.Unlock()

	p.flush([]provider.FillEvent{{
		ProviderOrderID: providerOrderID,
		Terminal:        true,
		Cancelled:       true,
	}})
	return nil
}

// Resync implements provider.Instance by emitting a fresh snapshot.
func (p *Provider) Resync(ctx context.Context, marketID string) error {
	if err := ctx.Err(); err != nil {
		return provider.ErrTimeout(p.opts.Name, err)
	}
	p.mu.Lock()
	m, ok := p.markets[marketID]
	if !ok {
		p.mu.Unlock()
		return provider.ErrRejected(p.opts.Name, "unknown market "+marketID)
	}
	p.seq[marketID]++
	m.Sequence = p.seq[marketID]
	evt := p.feedEventLocked(schema.FeedSnapshot, m)
	p.mu.Unlock()

	p.emit(evt)
	return nil
}

func (p *Provider) feedEventLocked(kind schema.FeedEventKind, m *schema.Market) schema.FeedEvent {
	sels := make([]schema.Selection, 0, len(m.Selections))
	for _, sel := range m.Selections {
		sels = append(sels, sel.Clone())
	}
	return schema.FeedEvent{
		Kind:       kind,
		MarketID:   m.ID,
		MarketName: m.Name,
		Status:     m.Status,
		Sequence:   m.Sequence,
		Selections: sels,
		Timestamp:  p.clock(),
	}
}

// matchLocked crosses the order against its ladder. Back orders take
// available-to-back prices at or above their limit, lay orders take
// available-to-lay prices at or below it. Consumed depth leaves the book.
func (p *Provider) matchLocked(order *restingOrder) []provider.FillEvent {
	m := p.markets[order.req.MarketID]
	sel, ok := m.Selections[order.req.SelectionID]
	if !ok {
		return nil
	}

	ladder := sel.BestBack
	if order.req.Side == schema.Lay {
		ladder = sel.BestLay
	}

	var events []provider.FillEvent
	rest := make([]schema.PriceSize, 0, len(ladder))
	for _, level := range ladder {
		if order.remaining.IsZero() || !priceSatisfies(order.req.Side, level.Price, order.req.Price) {
			rest = append(rest, level)
			continue
		}
		take := decimal.Min(order.remaining, level.Size)
		order.remaining = order.remaining.Sub(take)
		p.nextFill++
		events = append(events, provider.FillEvent{
			ProviderOrderID: order.id,
			Fill: schema.Fill{
				ID:              fmt.Sprintf("%s-fill-%d", p.opts.Name, p.nextFill),
				ProviderOrderID: order.id,
				Size:            take,
				Price:           level.Price,
				Timestamp:       p.clock(),
			},
		})
		if take.LessThan(level.Size) {
			rest = append(rest, schema.PriceSize{Price: level.Price, Size: level.Size.Sub(take)})
		}
	}

	if order.req.Side == schema.Back {
		sel.BestBack = rest
	} else {
		sel.BestLay = rest
	}
	m.Selections[order.req.SelectionID] = sel

	if order.remaining.IsZero() && len(events) > 0 {
		order.terminal = true
		events[len(events)-1].Terminal = true
	}
	return events
}

func priceSatisfies(side schema.Side, level, limit decimal.Decimal) bool {
	if side == schema.Back {
		return level.GreaterThanOrEqual(limit)
	}
	return level.LessThanOrEqual(limit)
}

// rematchLocked re-crosses every live order on the market after a price
// change.
func (p *Provider) rematchLocked(marketID string) []provider.FillEvent {
	var events []provider.FillEvent
	for _, order := range p.orders {
		if order.terminal || order.req.MarketID != marketID {
			continue
		}
		events = append(events, p.matchLocked(order)...)
	}
	return events
}

func (p *Provider) emit(evt schema.FeedEvent) {
	if !p.started.Load() || p.ctx.Err() != nil {
		return
	}
	select {
	case p.updates <- evt:
	case <-p.ctx.Done():
	}
}

func (p *Provider) flush(events []provider.FillEvent) {
	if len(events) == 0 || !p.started.Load() || p.ctx.Err() != nil {
		return
	}
	for _, evt := range events {
		select {
		case p.fills <- evt:
		case <-p.ctx.Done():
		}
	}
}
