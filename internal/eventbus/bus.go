// Package eventbus fans sequenced lifecycle events out to subscribers and
// retains a replay window for late joiners.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Class determines what happens when a subscriber falls behind.
type Class int

const (
	// Durable subscribers queue without bound and never lose an event.
	// Meant for audit and persistence sinks.
	Durable Class = iota

	// Lossy subscribers drop their oldest pending event under backpressure.
	// Meant for UI feeds and other observers that only want freshness.
	Lossy
)

// Config configures the in-memory bus.
type Config struct {
	// BufferSize bounds each lossy subscriber's pending queue.
	BufferSize int

	// ReplayBuffer is how many recent events the bus retains for
	// Subscribe calls that ask to start from an earlier sequence.
	ReplayBuffer int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.ReplayBuffer <= 0 {
		c.ReplayBuffer = 1024
	}
	return c
}

// Bus assigns each published event a strictly increasing sequence and
// delivers events to every subscriber in publish order. Publish never blocks
// on a slow consumer.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	seq          uint64
	ring         []schema.AuditEvent
	subscribers  map[SubscriptionID]*subscriber
	nextID       uint64
	shutdownOnce sync.Once
	clock        func() time.Time

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

type subscriber struct {
	id     SubscriptionID
	class  Class
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.AuditEvent
	once   sync.Once

	// Durable subscribers queue here; a drain goroutine moves events to ch
	// so Publish never blocks.
	mu      sync.Mutex
	pending []schema.AuditEvent
	wake    chan struct{}

	dropped func()
}

// Option configures the bus.
type Option func(*Bus)

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewBus constructs an in-memory bus.
func NewBus(cfg Config, opts ...Option) *Bus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(Bus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.clock = time.Now
	bus.ring = make([]schema.AuditEvent, 0, cfg.ReplayBuffer)
	bus.subscribers = make(map[SubscriptionID]*subscriber)
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of events dropped by lossy subscribers under backpressure"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))

	return bus
}

// Publish stamps the event with the next sequence and current time, retains
// it in the replay window, and fans it out. The returned event carries the
// assigned sequence.
func (b *Bus) Publish(ctx context.Context, evt schema.AuditEvent) (schema.AuditEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Kind == "" {
		return schema.AuditEvent{}, errs.New("eventbus/publish", errs.CodeValidation, errs.WithMessage("event kind required"))
	}
	if err := b.ctx.Err(); err != nil {
		return schema.AuditEvent{}, errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	b.mu.Lock()
	b.seq++
	evt.Sequence = b.seq
	evt.Timestamp = b.clock()

	if len(b.ring) == cap(b.ring) {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:len(b.ring)-1]
	}
	b.ring = append(b.ring, evt)

	// Fan-out happens under the bus lock: enqueue never blocks, and leaving
	// the critical section first would let a concurrent publisher overtake
	// this sequence on its way into a subscriber's queue.
	for _, sub := range b.subscribers {
		sub.enqueue(evt)
	}
	b.mu.Unlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(evt.Kind))))
	}
	return evt, nil
}

// Subscribe registers a consumer. fromSequence replays retained events with
// Sequence >= fromSequence before live delivery; zero means live only. If
// the replay window no longer reaches back that far, delivery starts at the
// oldest retained event and the gap is reported through the first event's
// sequence.
func (b *Bus) Subscribe(ctx context.Context, class Class, fromSequence uint64) (SubscriptionID, <-chan schema.AuditEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.class = class
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.AuditEvent, b.cfg.BufferSize)
	sub.wake = make(chan struct{}, 1)
	sub.dropped = func() {
		if b.droppedCounter != nil {
			b.droppedCounter.Add(context.Background(), 1)
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = SubscriptionID(fmt.Sprintf("sub-%d", b.nextID))
	if fromSequence > 0 {
		for _, evt := range b.ring {
			if evt.Sequence >= fromSequence {
				sub.pending = append(sub.pending, evt)
			}
		}
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1)
	}

	go sub.drain()
	go b.observe(sub)
	return sub.id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
		if b.subscriberGauge != nil {
			b.subscriberGauge.Add(context.Background(), -1)
		}
	}
}

// Sequence returns the sequence of the most recently published event.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.subscribers))
		for id, sub := range b.subscribers {
			subs = append(subs, sub)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (b *Bus) observe(sub *subscriber) {
	<-sub.ctx.Done()
	b.Unsubscribe(sub.id)
}

func (s *subscriber) enqueue(evt schema.AuditEvent) {
	s.mu.Lock()
	if s.class == Lossy && len(s.pending) >= cap(s.ch) {
		// Keep the newest; the oldest pending event gives way.
		copy(s.pending, s.pending[1:])
		s.pending[len(s.pending)-1] = evt
		s.mu.Unlock()
		if s.dropped != nil {
			s.dropped()
		}
		observability.Log().Warn("subscriber lagging, event dropped",
			observability.F("subscription", string(s.id)),
			observability.F("sequence", fmt.Sprint(evt.Sequence)),
		)
		return
	}
	s.pending = append(s.pending, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain moves pending events onto the delivery channel in order, so that a
// slow consumer backs up its own queue and never the publisher.
func (s *subscriber) drain() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		var next schema.AuditEvent
		have := len(s.pending) > 0
		if have {
			next = s.pending[0]
			copy(s.pending, s.pending[1:])
			s.pending = s.pending[:len(s.pending)-1]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case s.ch <- next:
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
	})
}
