// Package schema defines the canonical domain types shared across the trading engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
)

// MarketStatus describes the exchange lifecycle state of a market.
type MarketStatus string

const (
	// MarketOpen accepts orders.
	MarketOpen MarketStatus = "OPEN"
	// MarketSuspended temporarily rejects orders, typically around in-play incidents.
	MarketSuspended MarketStatus = "SUSPENDED"
	// MarketClosed is settled and final.
	MarketClosed MarketStatus = "CLOSED"
)

// PriceSize is one ladder rung: an available size at a price.
type PriceSize struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Score is a compact in-play score snapshot attached to a selection.
type Score struct {
	Home    string `json:"home,omitempty"`
	Away    string `json:"away,omitempty"`
	Serving bool   `json:"serving,omitempty"`
}

// Selection is one runner within a market. Both ladders are replaced as a
// unit on every update; consumers never observe one side fresher than the
// other.
type Selection struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	BestBack []PriceSize `json:"best_back"`
	BestLay  []PriceSize `json:"best_lay"`
	InPlay   bool        `json:"in_play"`
	Score    Score       `json:"score"`
}

// BestBackPrice returns the top-of-book back price, or zero when the ladder is empty.
func (s Selection) BestBackPrice() decimal.Decimal {
	if len(s.BestBack) == 0 {
		return decimal.Zero
	}
	return s.BestBack[0].Price
}

// BestLayPrice returns the top-of-book lay price, or zero when the ladder is empty.
func (s Selection) BestLayPrice() decimal.Decimal {
	if len(s.BestLay) == 0 {
		return decimal.Zero
	}
	return s.BestLay[0].Price
}

// Clone deep-copies the selection, detaching its ladders.
func (s Selection) Clone() Selection {
	out := s
	out.BestBack = append([]PriceSize(nil), s.BestBack...)
	out.BestLay = append([]PriceSize(nil), s.BestLay...)
	return out
}

// Market is the canonical view of one exchange market. Mutated only by the
// market store; everyone else reads snapshots.
type Market struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Status     MarketStatus         `json:"status"`
	Selections map[string]Selection `json:"selections"`
	Sequence   uint64               `json:"sequence"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Stale      bool                 `json:"stale"`
	StaleSince time.Time            `json:"stale_since,omitempty"`
}

// Selection returns the named selection and whether it exists.
func (m Market) Selection(id string) (Selection, bool) {
	sel, ok := m.Selections[id]
	return sel, ok
}

// StaleAge returns how long the market has been stale, zero when fresh.
func (m Market) StaleAge(now time.Time) time.Duration {
	if !m.Stale || m.StaleSince.IsZero() {
		return 0
	}
	return now.Sub(m.StaleSince)
}

// Clone deep-copies the market so snapshot readers cannot race the store.
func (m Market) Clone() Market {
	out := m
	out.Selections = make(map[string]Selection, len(m.Selections))
	for id, sel := range m.Selections {
		out.Selections[id] = sel.Clone()
	}
	return out
}

// FeedEventKind discriminates provider feed events.
type FeedEventKind string

const (
	// FeedUpdate carries an incremental selection update.
	FeedUpdate FeedEventKind = "UPDATE"
	// FeedSnapshot carries a full market image, resetting sequence tracking.
	FeedSnapshot FeedEventKind = "SNAPSHOT"
	// FeedGap is an explicit discontinuity marker emitted after reconnects.
	FeedGap FeedEventKind = "GAP"
	// FeedHeartbeat keeps the stream alive without touching state.
	FeedHeartbeat FeedEventKind = "HEARTBEAT"
)

// FeedEvent is one provider-normalized market data message.
type FeedEvent struct {
	Kind       FeedEventKind `json:"kind"`
	MarketID   string        `json:"market_id"`
	MarketName string        `json:"market_name,omitempty"`
	Status     MarketStatus  `json:"status,omitempty"`
	Sequence   uint64        `json:"sequence"`
	Selections []Selection   `json:"selections,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Validate checks the event is structurally applicable.
func (e FeedEvent) Validate() error {
	if e.Kind == FeedHeartbeat {
		return nil
	}
	if strings.TrimSpace(e.MarketID) == "" {
		return errs.New("schema/feed-event", errs.CodeValidation, errs.WithMessage("market id required"))
	}
	if e.Kind == FeedUpdate && e.Sequence == 0 {
		return errs.New("schema/feed-event", errs.CodeValidation, errs.WithMessage("update requires sequence"))
	}
	return nil
}
