package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fairline/trader/internal/schema"
)

func publish(t *testing.T, bus *Bus, kind schema.EventKind) schema.AuditEvent {
	t.Helper()
	evt, err := bus.Publish(context.Background(), schema.AuditEvent{Kind: kind})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return evt
}

func receive(t *testing.T, ch <-chan schema.AuditEvent) schema.AuditEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.AuditEvent{}
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	first := publish(t, bus, schema.EventOrderAccepted)
	second := publish(t, bus, schema.EventOrderFilled)

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("sequences = %d, %d, want 1, 2", first.Sequence, second.Sequence)
	}
	if bus.Sequence() != 2 {
		t.Fatalf("bus sequence = %d, want 2", bus.Sequence())
	}
}

func TestPublishRequiresKind(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	if _, err := bus.Publish(context.Background(), schema.AuditEvent{}); err == nil {
		t.Fatal("expected error for missing kind")
	}
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), Durable, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	kinds := []schema.EventKind{
		schema.EventOrderAccepted,
		schema.EventOrderSubmitted,
		schema.EventOrderFilled,
	}
	for _, kind := range kinds {
		publish(t, bus, kind)
	}

	var lastSeq uint64
	for _, kind := range kinds {
		evt := receive(t, ch)
		if evt.Kind != kind {
			t.Fatalf("kind = %s, want %s", evt.Kind, kind)
		}
		if evt.Sequence <= lastSeq {
			t.Fatalf("sequence %d not increasing past %d", evt.Sequence, lastSeq)
		}
		lastSeq = evt.Sequence
	}
}

func TestSubscribeReplaysFromSequence(t *testing.T) {
	bus := NewBus(Config{ReplayBuffer: 16})
	defer bus.Close()

	for i := 0; i < 5; i++ {
		publish(t, bus, schema.EventOrderFilled)
	}

	id, ch, err := bus.Subscribe(context.Background(), Durable, 3)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	for want := uint64(3); want <= 5; want++ {
		if evt := receive(t, ch); evt.Sequence != want {
			t.Fatalf("sequence = %d, want %d", evt.Sequence, want)
		}
	}

	// Live events follow the replay.
	publish(t, bus, schema.EventOrderCancelled)
	if evt := receive(t, ch); evt.Sequence != 6 {
		t.Fatalf("sequence = %d, want 6", evt.Sequence)
	}
}

func TestReplayWindowEvictsOldest(t *testing.T) {
	bus := NewBus(Config{ReplayBuffer: 3})
	defer bus.Close()

	for i := 0; i < 5; i++ {
		publish(t, bus, schema.EventOrderFilled)
	}

	// Asking for sequence 1 starts at the oldest retained event.
	id, ch, err := bus.Subscribe(context.Background(), Durable, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	if evt := receive(t, ch); evt.Sequence != 3 {
		t.Fatalf("sequence = %d, want 3 (oldest retained)", evt.Sequence)
	}
}

func TestDurableSubscriberNeverDrops(t *testing.T) {
	bus := NewBus(Config{BufferSize: 2})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), Durable, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	const total = 100
	for i := 0; i < total; i++ {
		publish(t, bus, schema.EventOrderFilled)
	}

	for want := uint64(1); want <= total; want++ {
		if evt := receive(t, ch); evt.Sequence != want {
			t.Fatalf("sequence = %d, want %d", evt.Sequence, want)
		}
	}
}

func TestLossySubscriberDropsOldest(t *testing.T) {
	bus := NewBus(Config{BufferSize: 2})
	defer bus.Close()

	// An unconsumed lossy subscriber with a buffer of 2 keeps only the
	// newest two pending events.
	id, ch, err := bus.Subscribe(context.Background(), Lossy, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	for i := 0; i < 50; i++ {
		publish(t, bus, schema.EventOrderFilled)
	}

	// Whatever was dropped, delivery stays in order and reaches the newest.
	var last uint64
	deadline := time.After(2 * time.Second)
	for last < 50 {
		select {
		case evt := <-ch:
			if evt.Sequence <= last {
				t.Fatalf("sequence %d not increasing past %d", evt.Sequence, last)
			}
			last = evt.Sequence
		case <-deadline:
			t.Fatalf("never reached newest event, last seen %d", last)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), Durable, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestContextCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus(Config{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, Durable, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	bus := NewBus(Config{})
	bus.Close()

	if _, err := bus.Publish(context.Background(), schema.AuditEvent{Kind: schema.EventOrderFilled}); err == nil {
		t.Fatal("expected error after close")
	}
	if _, _, err := bus.Subscribe(context.Background(), Durable, 0); err == nil {
		t.Fatal("expected subscribe error after close")
	}
}

func TestConcurrentPublishersDeliverInSequenceOrder(t *testing.T) {
	bus := NewBus(Config{BufferSize: 64})
	defer bus.Close()

	_, events, err := bus.Subscribe(context.Background(), Durable, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const publishers = 8
	const perPublisher = 50
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				if _, err := bus.Publish(context.Background(), schema.AuditEvent{Kind: schema.EventOrderAccepted}); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < publishers*perPublisher; i++ {
		evt := receive(t, events)
		if evt.Sequence <= last {
			t.Fatalf("sequence %d delivered after %d", evt.Sequence, last)
		}
		last = evt.Sequence
	}
}
