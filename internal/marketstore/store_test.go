package marketstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/schema"
)

func level(price, size float64) schema.PriceSize {
	return schema.PriceSize{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}

func updateEvent(marketID string, seq uint64) schema.FeedEvent {
	return schema.FeedEvent{
		Kind:     schema.FeedUpdate,
		MarketID: marketID,
		Status:   schema.MarketOpen,
		Sequence: seq,
		Selections: []schema.Selection{{
			ID:       "sel-1",
			Name:     "Player A",
			BestBack: []schema.PriceSize{level(2.5, 100)},
			BestLay:  []schema.PriceSize{level(2.52, 80)},
		}},
		Timestamp: time.Now(),
	}
}

func TestApplyAndSnapshot(t *testing.T) {
	store := New(5 * time.Second)

	if err := store.ApplyFeedEvent(updateEvent("1.100", 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	market, err := store.Snapshot("1.100")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if market.Sequence != 1 || market.Status != schema.MarketOpen {
		t.Fatalf("unexpected market state: %+v", market)
	}
	sel, ok := market.Selection("sel-1")
	if !ok {
		t.Fatal("missing selection")
	}
	if !sel.BestBackPrice().Equal(decimal.NewFromFloat(2.5)) {
		t.Fatalf("unexpected best back: %s", sel.BestBackPrice())
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	store := New(5 * time.Second)
	if err := store.ApplyFeedEvent(updateEvent("1.100", 1)); err != nil {
		t.Fatal(err)
	}
	market, _ := store.Snapshot("1.100")
	market.Selections["sel-1"] = schema.Selection{ID: "sel-1", Name: "mutated"}

	fresh, _ := store.Snapshot("1.100")
	if fresh.Selections["sel-1"].Name == "mutated" {
		t.Fatal("snapshot mutation leaked back into the store")
	}
}

func TestDuplicateAndOutOfOrderDropped(t *testing.T) {
	store := New(5 * time.Second)
	must(t, store.ApplyFeedEvent(updateEvent("1.100", 1)))
	must(t, store.ApplyFeedEvent(updateEvent("1.100", 2)))

	// Duplicate and stale sequences are silently dropped.
	must(t, store.ApplyFeedEvent(updateEvent("1.100", 2)))
	must(t, store.ApplyFeedEvent(updateEvent("1.100", 1)))

	market, _ := store.Snapshot("1.100")
	if market.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", market.Sequence)
	}
}

func TestSequenceGapMarksStaleAndRequestsResync(t *testing.T) {
	store := New(5 * time.Second)
	must(t, store.ApplyFeedEvent(updateEvent("1.100", 101)))

	err := store.ApplyFeedEvent(updateEvent("1.100", 103))
	if errs.CodeOf(err) != errs.CodeFeedGap {
		t.Fatalf("expected feed gap, got %v", err)
	}

	market, _ := store.Snapshot("1.100")
	if !market.Stale {
		t.Fatal("gap must mark the market stale")
	}
	if market.Sequence != 101 {
		t.Fatalf("gapped event must not apply, sequence=%d", market.Sequence)
	}

	select {
	case id := <-store.ResyncRequests():
		if id != "1.100" {
			t.Fatalf("unexpected resync target %s", id)
		}
	default:
		t.Fatal("expected a resync request")
	}

	// Full snapshot clears staleness and resets sequence tracking.
	snap := updateEvent("1.100", 103)
	snap.Kind = schema.FeedSnapshot
	must(t, store.ApplyFeedEvent(snap))
	market, _ = store.Snapshot("1.100")
	if market.Stale || market.Sequence != 103 {
		t.Fatalf("snapshot should recover the market: %+v", market)
	}
}

func TestSnapshotSurfacesAgeBasedStaleness(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := New(5*time.Second, WithClock(clock))

	evt := updateEvent("1.100", 1)
	evt.Timestamp = now
	must(t, store.ApplyFeedEvent(evt))

	now = now.Add(6 * time.Second)
	market, _ := store.Snapshot("1.100")
	if !market.Stale {
		t.Fatal("market older than staleAfter should surface stale")
	}
	if age := market.StaleAge(now); age < 5*time.Second {
		t.Fatalf("expected stale age >= 5s, got %s", age)
	}
}

func TestSubscribeReceivesOrderedUpdates(t *testing.T) {
	store := New(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := store.Subscribe(ctx, "1.100")
	defer unsub()

	for seq := uint64(1); seq <= 3; seq++ {
		must(t, store.ApplyFeedEvent(updateEvent("1.100", seq)))
	}

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case m := <-ch:
			if m.Sequence <= last {
				t.Fatalf("updates out of order: %d after %d", m.Sequence, last)
			}
			last = m.Sequence
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestSlowSubscriberDropsOldestNotNewest(t *testing.T) {
	store := New(5*time.Second, WithSubscriberBuffer(2))
	_, unsub := store.Subscribe(context.Background(), "1.100")
	defer unsub()

	ch2, unsub2 := store.Subscribe(context.Background(), "1.100")
	defer unsub2()

	for seq := uint64(1); seq <= 10; seq++ {
		must(t, store.ApplyFeedEvent(updateEvent("1.100", seq)))
	}

	// The buffer holds the most recent updates; the latest must be present.
	var newest uint64
	for {
		select {
		case m := <-ch2:
			newest = m.Sequence
			continue
		default:
		}
		break
	}
	if newest != 10 {
		t.Fatalf("expected newest sequence 10 to survive, got %d", newest)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestBestLayLookup(t *testing.T) {
	store := New(5 * time.Second)

	if _, ok := store.BestLay("1.100", "sel-1"); ok {
		t.Fatal("expected no price for an unknown market")
	}

	if err := store.ApplyFeedEvent(updateEvent("1.100", 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	price, ok := store.BestLay("1.100", "sel-1")
	if !ok || !price.Equal(decimal.NewFromFloat(2.52)) {
		t.Fatalf("best lay = %s, %v, want 2.52, true", price, ok)
	}
	if _, ok := store.BestLay("1.100", "sel-404"); ok {
		t.Fatal("expected no price for an unknown selection")
	}
}
