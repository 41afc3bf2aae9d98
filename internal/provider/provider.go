// Package provider defines the contract an exchange adapter must satisfy.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/schema"
)

// SubmitRequest is the provider-facing shape of an instruction slice. The
// engine may submit several requests for one instruction (iceberg, TWAP),
// each with its own provider order.
type SubmitRequest struct {
	Ref         string
	MarketID    string
	SelectionID string
	Side        schema.Side
	Size        decimal.Decimal
	Price       decimal.Decimal
}

// Ack is the provider's acknowledgement of an accepted submission.
type Ack struct {
	ProviderOrderID string
}

// Instance is a runtime connection to one exchange. Implementations must be
// safe for concurrent use; the engine calls SubmitOrder and CancelOrder from
// many goroutines.
type Instance interface {
	Name() string

	// Start establishes upstream connections. The streams below produce
	// nothing before Start and close after ctx is cancelled.
	Start(ctx context.Context) error

	// MarketUpdates is the price feed. Sequence gaps surface as events
	// of the gap kind rather than being silently skipped.
	MarketUpdates() <-chan schema.FeedEvent

	// Fills streams execution reports for this session's orders.
	Fills() <-chan FillEvent

	// Errors surfaces stream-level failures that are not tied to a call.
	Errors() <-chan error

	SubmitOrder(ctx context.Context, req SubmitRequest) (Ack, error)
	CancelOrder(ctx context.Context, providerOrderID string) error

	// Resync requests a fresh snapshot for the market, used after a gap.
	Resync(ctx context.Context, marketID string) error
}

// FillEvent couples a fill to the provider order it executed against.
type FillEvent struct {
	ProviderOrderID string
	Fill            schema.Fill
	// Terminal is set when the provider reports the order fully matched,
	// cancelled, or lapsed alongside this fill.
	Terminal bool
	// Cancelled distinguishes an upstream cancel from a full match when
	// Terminal is set.
	Cancelled bool
}

// Typed failures an adapter returns from SubmitOrder and CancelOrder.
// Transient ones are retried by the engine; the rest are terminal.

// ErrTimeout reports the provider did not answer in time. Retryable.
func ErrTimeout(name string, cause error) error {
	return errs.New("provider/"+name, errs.CodeProviderTransient,
		errs.WithMessage("request timed out"), errs.WithCause(cause))
}

// ErrUnavailable reports a connection-level failure. Retryable.
func ErrUnavailable(name string, cause error) error {
	return errs.New("provider/"+name, errs.CodeProviderTransient,
		errs.WithMessage("provider unavailable"), errs.WithCause(cause))
}

// ErrRejected reports the exchange refused the order. Not retryable.
func ErrRejected(name, reason string) error {
	return errs.New("provider/"+name, errs.CodeProviderFailure,
		errs.WithMessage("order rejected: "+reason))
}

// ErrMarketSuspended reports the market cannot accept orders. Not retryable.
func ErrMarketSuspended(name, marketID string) error {
	return errs.New("provider/"+name, errs.CodeProviderFailure,
		errs.WithMessage("market suspended"), errs.WithField("market_id", marketID))
}

// ErrOrderNotFound reports an unknown provider order ID.
func ErrOrderNotFound(name, providerOrderID string) error {
	return errs.New("provider/"+name, errs.CodeNotFound,
		errs.WithMessage("unknown order"), errs.WithField("provider_order_id", providerOrderID))
}

// ErrAlreadyTerminal reports a cancel that raced a fill or earlier cancel.
func ErrAlreadyTerminal(name, providerOrderID string) error {
	return errs.New("provider/"+name, errs.CodeConflict,
		errs.WithMessage("order already terminal"), errs.WithField("provider_order_id", providerOrderID))
}
