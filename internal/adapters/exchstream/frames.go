package exchstream

import (
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/fairline/trader/internal/schema"
)

// frameType discriminates wire frames in both directions.
type frameType string

const (
	// Client to server.
	frameSubscribe frameType = "subscribe"
	frameSubmit    frameType = "submit"
	frameCancel    frameType = "cancel"
	frameResync    frameType = "resync"

	// Server to client.
	frameAck       frameType = "ack"
	frameError     frameType = "error"
	frameSnapshot  frameType = "snapshot"
	frameUpdate    frameType = "update"
	frameFill      frameType = "fill"
	frameHeartbeat frameType = "heartbeat"
)

// Error codes carried on error frames.
const (
	wireCodeRejected  = "rejected"
	wireCodeSuspended = "suspended"
	wireCodeNotFound  = "not_found"
	wireCodeTerminal  = "terminal"
	wireCodeThrottled = "throttled"
)

// wireOrder is the submit payload.
type wireOrder struct {
	Ref         string          `json:"ref"`
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
}

// frame is one websocket message. Requests carry an ID the server echoes on
// the matching ack or error frame; stream frames carry no ID.
type frame struct {
	Type frameType `json:"type"`
	ID   uint64    `json:"id,omitempty"`

	Markets  []string `json:"markets,omitempty"`
	MarketID string   `json:"market_id,omitempty"`

	Order           *wireOrder `json:"order,omitempty"`
	ProviderOrderID string     `json:"provider_order_id,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Event *schema.FeedEvent `json:"event,omitempty"`

	Fill      *schema.Fill `json:"fill,omitempty"`
	Terminal  bool         `json:"terminal,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(raw []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}
