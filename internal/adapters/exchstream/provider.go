// Package exchstream connects to an exchange's websocket trading stream and
// adapts it to the provider contract. One connection carries market data,
// fills, and order requests; reconnects are transparent to callers except
// for the gap markers emitted so downstream state can resynchronize.
package exchstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"

	"github.com/fairline/trader/config"
	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/provider"
	"github.com/fairline/trader/internal/schema"
)

const (
	writeTimeout   = 5 * time.Second
	requestTimeout = 10 * time.Second
	channelBuffer  = 256
)

// Provider implements provider.Instance over a single websocket connection.
type Provider struct {
	cfg config.ProviderConfig

	updates chan schema.FeedEvent
	fills   chan provider.FillEvent
	errCh   chan error

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	wg      conc.WaitGroup

	connMu sync.RWMutex
	conn   *websocket.Conn

	reqID     atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan frame

	subsMu sync.Mutex
	subs   map[string]struct{}

	ready     chan struct{}
	readyOnce sync.Once

	clock func() time.Time
}

// Option configures the provider.
type Option func(*Provider)

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New constructs a stream provider from its configuration.
func New(cfg config.ProviderConfig, opts ...Option) *Provider {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	p := new(Provider)
	p.cfg = cfg
	p.updates = make(chan schema.FeedEvent, channelBuffer)
	p.fills = make(chan provider.FillEvent, channelBuffer)
	p.errCh = make(chan error, 8)
	p.pending = make(map[uint64]chan frame)
	p.subs = make(map[string]struct{})
	p.ready = make(chan struct{})
	p.clock = time.Now
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name implements provider.Instance.
func (p *Provider) Name() string {
	if p.cfg.Name != "" {
		return p.cfg.Name
	}
	return "exchstream"
}

// Start dials the stream and blocks until the first connection is up. The
// connection is maintained with exponential backoff reconnects until ctx
// ends.
func (p *Provider) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errs.New("provider/exchstream", errs.CodeConflict, errs.WithMessage("already started"))
	}
	if p.cfg.StreamURL == "" {
		return errs.New("provider/exchstream", errs.CodeValidation, errs.WithMessage("stream url required"))
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Go(func() {
		p.run()
		close(p.updates)
		close(p.fills)
		close(p.errCh)
	})

	select {
	case <-p.ready:
		return nil
	case <-time.After(p.cfg.HandshakeTimeout):
		p.cancel()
		return provider.ErrTimeout(p.Name(), errors.New("timed out waiting for stream connection"))
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Stop tears the connection down and waits for the run loop.
func (p *Provider) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// MarketUpdates implements provider.Instance.
func (p *Provider) MarketUpdates() <-chan schema.FeedEvent { return p.updates }

// Fills implements provider.Instance.
func (p *Provider) Fills() <-chan provider.FillEvent { return p.fills }

// Errors implements provider.Instance.
func (p *Provider) Errors() <-chan error { return p.errCh }

// SubscribeMarkets registers the markets this connection should stream.
// Subscriptions survive reconnects.
func (p *Provider) SubscribeMarkets(ctx context.Context, marketIDs ...string) error {
	if len(marketIDs) == 0 {
		return nil
	}
	p.subsMu.Lock()
	fresh := make([]string, 0, len(marketIDs))
	for _, id := range marketIDs {
		if _, ok := p.subs[id]; !ok {
			p.subs[id] = struct{}{}
			fresh = append(fresh, id)
		}
	}
	p.subsMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	_, err := p.request(ctx, frame{Type: frameSubscribe, Markets: fresh})
	return err
}

// SubmitOrder implements provider.Instance.
func (p *Provider) SubmitOrder(ctx context.Context, req provider.SubmitRequest) (provider.Ack, error) {
	resp, err := p.request(ctx, frame{
		Type: frameSubmit,
		Order: &wireOrder{
			Ref:         req.Ref,
			MarketID:    req.MarketID,
			SelectionID: req.SelectionID,
			Side:        string(req.Side),
			Size:        req.Size,
			Price:       req.Price,
		},
	})
	if err != nil {
		return provider.Ack{}, err
	}
	if resp.Type == frameError {
		return provider.Ack{}, p.wireError(resp, req.MarketID)
	}
	if resp.ProviderOrderID == "" {
		return provider.Ack{}, provider.ErrUnavailable(p.Name(), errors.New("ack missing provider order id"))
	}
	return provider.Ack{ProviderOrderID: resp.ProviderOrderID}, nil
}

// CancelOrder implements provider.Instance.
func (p *Provider) CancelOrder(ctx context.Context, providerOrderID string) error {
	resp, err := p.request(ctx, frame{Type: frameCancel, ProviderOrderID: providerOrderID})
	if err != nil {
		return err
	}
	if resp.Type == frameError {
		switch resp.Code {
		case wireCodeNotFound:
			return provider.ErrOrderNotFound(p.Name(), providerOrderID)
		case wireCodeTerminal:
			return provider.ErrAlreadyTerminal(p.Name(), providerOrderID)
		default:
			return p.wireError(resp, "")
		}
	}
	return nil
}

// Resync implements provider.Instance by asking the server for a fresh
// snapshot, which arrives on the stream like any other.
func (p *Provider) Resync(ctx context.Context, marketID string) error {
	resp, err := p.request(ctx, frame{Type: frameResync, MarketID: marketID})
	if err != nil {
		return err
	}
	if resp.Type == frameError {
		return p.wireError(resp, marketID)
	}
	return nil
}

func (p *Provider) wireError(resp frame, marketID string) error {
	switch resp.Code {
	case wireCodeRejected:
		return provider.ErrRejected(p.Name(), resp.Message)
	case wireCodeSuspended:
		return provider.ErrMarketSuspended(p.Name(), marketID)
	case wireCodeThrottled:
		return provider.ErrUnavailable(p.Name(), errors.New(resp.Message))
	default:
		return provider.ErrRejected(p.Name(), resp.Message)
	}
}

// request writes one correlated frame and waits for the server's response.
func (p *Provider) request(ctx context.Context, f frame) (frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return frame{}, provider.ErrTimeout(p.Name(), err)
	}

	f.ID = p.reqID.Add(1)
	respCh := make(chan frame, 1)
	p.pendingMu.Lock()
	p.pending[f.ID] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, f.ID)
		p.pendingMu.Unlock()
	}()

	if err := p.writeFrame(f); err != nil {
		return frame{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return frame{}, provider.ErrTimeout(p.Name(), ctx.Err())
	case <-timer.C:
		return frame{}, provider.ErrTimeout(p.Name(), errors.New("request timed out"))
	case <-p.ctx.Done():
		return frame{}, provider.ErrUnavailable(p.Name(), p.ctx.Err())
	}
}

func (p *Provider) writeFrame(f frame) error {
	p.connMu.RLock()
	conn := p.conn
	p.connMu.RUnlock()
	if conn == nil {
		return provider.ErrUnavailable(p.Name(), errors.New("stream not connected"))
	}

	raw, err := encodeFrame(f)
	if err != nil {
		return errs.New("provider/exchstream", errs.CodeValidation,
			errs.WithMessage("encode frame"), errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		return provider.ErrUnavailable(p.Name(), err)
	}
	return nil
}

// run maintains the connection: dial, resubscribe, read until the socket
// dies, back off, repeat. Every reconnect after the first emits gap markers
// for the subscribed markets.
func (p *Provider) run() {
	boCfg := backoff.NewExponentialBackOff()
	boCfg.MaxInterval = p.cfg.ReconnectMax
	everConnected := false

	for {
		if p.ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(p.ctx, p.cfg.HandshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, p.cfg.StreamURL, nil)
		cancel()
		if err != nil {
			p.reportError(provider.ErrUnavailable(p.Name(), err))
			if !p.sleep(boCfg.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(1 << 22)

		p.connMu.Lock()
		p.conn = conn
		p.connMu.Unlock()
		boCfg.Reset()
		p.readyOnce.Do(func() { close(p.ready) })

		if everConnected {
			p.emitGapMarkers()
		}
		everConnected = true

		if err := p.resubscribe(); err != nil {
			p.reportError(err)
		}

		readErr := p.readLoop(conn)

		p.connMu.Lock()
		p.conn = nil
		p.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		p.failPending()

		if p.ctx.Err() != nil {
			return
		}
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			p.reportError(provider.ErrUnavailable(p.Name(), readErr))
		}
		if !p.sleep(boCfg.NextBackOff()) {
			return
		}
	}
}

// sleep waits out a backoff interval, returning false if the provider
// context ends first.
func (p *Provider) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = p.cfg.ReconnectMax
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(p.ctx)
		if err != nil {
			return err
		}
		f, err := decodeFrame(raw)
		if err != nil {
			observability.Log().Warn("undecodable stream frame",
				observability.F("provider", p.Name()),
				observability.F("error", err.Error()))
			continue
		}
		p.dispatch(f)
	}
}

func (p *Provider) dispatch(f frame) {
	switch f.Type {
	case frameAck, frameError:
		p.pendingMu.Lock()
		respCh := p.pending[f.ID]
		p.pendingMu.Unlock()
		if respCh != nil {
			select {
			case respCh <- f:
			default:
			}
		}

	case frameSnapshot, frameUpdate:
		if f.Event == nil {
			return
		}
		evt := *f.Event
		if evt.Kind == "" {
			evt.Kind = schema.FeedUpdate
			if f.Type == frameSnapshot {
				evt.Kind = schema.FeedSnapshot
			}
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = p.clock()
		}
		p.emitUpdate(evt)

	case frameHeartbeat:
		// Keeps the socket alive; nothing to apply.

	case frameFill:
		if f.Fill == nil {
			return
		}
		select {
		case p.fills <- provider.FillEvent{
			ProviderOrderID: f.ProviderOrderID,
			Fill:            *f.Fill,
			Terminal:        f.Terminal,
			Cancelled:       f.Cancelled,
		}:
		case <-p.ctx.Done():
		}

	default:
		observability.Log().Warn("unknown stream frame type",
			observability.F("provider", p.Name()),
			observability.F("type", string(f.Type)))
	}
}

// emitGapMarkers tells downstream consumers that updates may have been
// missed while the socket was down. The market store reacts by flagging the
// market and requesting a snapshot.
func (p *Provider) emitGapMarkers() {
	p.subsMu.Lock()
	markets := make([]string, 0, len(p.subs))
	for id := range p.subs {
		markets = append(markets, id)
	}
	p.subsMu.Unlock()

	now := p.clock()
	for _, id := range markets {
		p.emitUpdate(schema.FeedEvent{Kind: schema.FeedGap, MarketID: id, Timestamp: now})
	}
}

func (p *Provider) resubscribe() error {
	p.subsMu.Lock()
	markets := make([]string, 0, len(p.subs))
	for id := range p.subs {
		markets = append(markets, id)
	}
	p.subsMu.Unlock()
	if len(markets) == 0 {
		return nil
	}
	return p.writeFrame(frame{Type: frameSubscribe, ID: p.reqID.Add(1), Markets: markets})
}

// failPending unblocks requests that were in flight when the socket died.
func (p *Provider) failPending() {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[uint64]chan frame)
	p.pendingMu.Unlock()

	for _, respCh := range pending {
		select {
		case respCh <- frame{Type: frameError, Code: wireCodeThrottled, Message: "connection lost"}:
		default:
		}
	}
}

func (p *Provider) emitUpdate(evt schema.FeedEvent) {
	select {
	case p.updates <- evt:
	case <-p.ctx.Done():
	}
}

func (p *Provider) reportError(err error) {
	select {
	case p.errCh <- err:
	default:
		observability.Log().Warn("provider error channel full",
			observability.F("provider", p.Name()),
			observability.F("error", err.Error()))
	}
}
