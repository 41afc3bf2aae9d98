// Package errs provides structured error types shared across the trading engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category within the engine's failure taxonomy.
type Code string

const (
	// CodeValidation indicates a malformed instruction rejected before any risk check.
	CodeValidation Code = "validation"
	// CodeRiskRejected indicates a pre-trade risk limit breach.
	CodeRiskRejected Code = "risk_rejected"
	// CodeProviderTransient indicates a retryable provider failure such as a timeout or throttle.
	CodeProviderTransient Code = "provider_transient"
	// CodeProviderFailure indicates a terminal provider failure; the order moves to FAILED.
	CodeProviderFailure Code = "provider_failure"
	// CodeConsistency indicates an internal invariant violation scoped to one order.
	CodeConsistency Code = "consistency"
	// CodeFeedGap indicates a detected discontinuity in market sequence numbers.
	CodeFeedGap Code = "feed_gap"
	// CodeNotFound indicates a missing order, market, or position.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a duplicate or concurrently mutated entity.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the engine is frozen or shutting down.
	CodeUnavailable Code = "unavailable"
)

// Limit names the specific risk limit that failed a pre-trade check.
type Limit string

const (
	// LimitKillSwitch rejects everything once the kill switch is thrown.
	LimitKillSwitch Limit = "kill_switch"
	// LimitFrozen rejects new orders while trading is frozen.
	LimitFrozen Limit = "frozen"
	// LimitMaxPositionSize caps the stake of a single instruction.
	LimitMaxPositionSize Limit = "max_position_size"
	// LimitMaxMarketExposure caps worst-case liability within one market.
	LimitMaxMarketExposure Limit = "max_market_exposure"
	// LimitMaxTotalExposure caps worst-case liability across all markets.
	LimitMaxTotalExposure Limit = "max_total_exposure"
	// LimitMaxOpenPositions caps the number of distinct open position keys.
	LimitMaxOpenPositions Limit = "max_open_positions"
	// LimitOrderRate caps per-market order submission rate.
	LimitOrderRate Limit = "order_rate"
	// LimitDuplicateRef rejects a client reference that is already live.
	LimitDuplicateRef Limit = "duplicate_ref"
	// LimitMaxDailyLoss freezes trading once running daily loss breaches its cap.
	LimitMaxDailyLoss Limit = "max_daily_loss"
)

// E captures structured error information produced across the engine.
type E struct {
	Scope   string
	Code    Code
	Limit   Limit
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Limit:   "",
		Message: "",
		Fields:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithLimit records the risk limit that produced the rejection.
func WithLimit(limit Limit) Option {
	return func(e *E) {
		e.Limit = limit
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Limit != "" {
		parts = append(parts, "limit="+string(e.Limit))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking the unwrap chain.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// LimitOf extracts the breached risk limit from err, if any.
func LimitOf(err error) Limit {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Limit
	}
	return ""
}

// Retryable reports whether err represents a transient provider failure.
func Retryable(err error) bool {
	return CodeOf(err) == CodeProviderTransient
}
