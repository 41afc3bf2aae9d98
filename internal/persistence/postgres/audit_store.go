// Package postgres persists the audit stream to a durable store. It is the
// replayable record of everything the engine did; writes are idempotent on
// the bus-assigned sequence so replays after a crash never duplicate rows.
package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairline/trader/internal/eventbus"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/schema"
)

// AuditStore writes audit events to Postgres and reads them back in
// sequence order.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore constructs an AuditStore backed by the provided pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const (
	auditInsertSQL = `
INSERT INTO audit_events (sequence, kind, order_id, market_id, payload, recorded_at)
VALUES (@sequence, @kind, @order_id, @market_id, @payload::jsonb, @recorded_at)
ON CONFLICT (sequence) DO NOTHING;
`

	auditSelectSQL = `
SELECT sequence, kind, order_id, market_id, payload, recorded_at
FROM audit_events
WHERE sequence >= @from_sequence
ORDER BY sequence
LIMIT @limit;
`

	auditLastSequenceSQL = `
SELECT COALESCE(MAX(sequence), 0) FROM audit_events;
`
)

// Append writes one event. Re-appending an already stored sequence is a
// no-op.
func (s *AuditStore) Append(ctx context.Context, evt schema.AuditEvent) error {
	if evt.Sequence == 0 {
		return errors.New("audit store: event has no sequence")
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("audit store: marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, auditInsertSQL, pgx.NamedArgs{
		"sequence":    int64(evt.Sequence),
		"kind":        string(evt.Kind),
		"order_id":    evt.OrderID,
		"market_id":   evt.MarketID,
		"payload":     string(payload),
		"recorded_at": evt.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("audit store: insert event %d: %w", evt.Sequence, err)
	}
	return nil
}

// Replay returns up to limit events with sequence >= fromSequence, in
// order.
func (s *AuditStore) Replay(ctx context.Context, fromSequence uint64, limit int) ([]schema.AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, auditSelectSQL, pgx.NamedArgs{
		"from_sequence": int64(fromSequence),
		"limit":         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: replay query: %w", err)
	}
	defer rows.Close()

	var events []schema.AuditEvent
	for rows.Next() {
		var (
			seq     int64
			kind    string
			evt     schema.AuditEvent
			payload []byte
		)
		if err := rows.Scan(&seq, &kind, &evt.OrderID, &evt.MarketID, &payload, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("audit store: scan event: %w", err)
		}
		evt.Sequence = uint64(seq)
		evt.Kind = schema.EventKind(kind)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt.Payload); err != nil {
				return nil, fmt.Errorf("audit store: decode payload for %d: %w", seq, err)
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit store: replay rows: %w", err)
	}
	return events, nil
}

// LastSequence returns the highest stored sequence, zero when empty. On
// startup the durable subscriber resumes from here.
func (s *AuditStore) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	if err := s.pool.QueryRow(ctx, auditLastSequenceSQL).Scan(&last); err != nil {
		return 0, fmt.Errorf("audit store: last sequence: %w", err)
	}
	return uint64(last), nil
}

// Run subscribes durably to the bus from just past the last stored sequence
// and persists every event until ctx ends. Returns the subscription error,
// nil on clean shutdown.
func (s *AuditStore) Run(ctx context.Context, bus *eventbus.Bus) error {
	last, err := s.LastSequence(ctx)
	if err != nil {
		return err
	}
	id, events, err := bus.Subscribe(ctx, eventbus.Durable, last+1)
	if err != nil {
		return err
	}
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Append(ctx, evt); err != nil {
				// The bus guarantees delivery; persistence must not
				// silently drop, so surface and keep consuming.
				observability.Log().Error("audit event not persisted",
					observability.F("sequence", evt.Sequence),
					observability.F("error", err.Error()))
			}
		}
	}
}
