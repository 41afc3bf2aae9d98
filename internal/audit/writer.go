// Package audit persists the event stream as an append-only JSONL log.
package audit

import (
	"bufio"
	"context"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/fairline/trader/errs"
	"github.com/fairline/trader/internal/eventbus"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/schema"
)

// Writer appends one JSON document per line for every event on the bus. It
// subscribes durably, so a slow disk delays the log but never loses events.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter opens (or creates) the log at path for appending.
func NewWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.New("audit/open", errs.CodeUnavailable,
			errs.WithMessage("open audit log"), errs.WithCause(err), errs.WithField("path", path))
	}
	w := new(Writer)
	w.file = file
	w.buf = bufio.NewWriter(file)
	w.done = make(chan struct{})
	return w, nil
}

// Run subscribes to the bus from the given sequence and appends every event
// until the context is cancelled or the bus closes.
func (w *Writer) Run(ctx context.Context, bus *eventbus.Bus, fromSequence uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	id, events, err := bus.Subscribe(ctx, eventbus.Durable, fromSequence)
	if err != nil {
		cancel()
		close(w.done)
		return err
	}

	go func() {
		defer close(w.done)
		defer bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := w.Append(evt); err != nil {
					observability.Log().Error("audit append failed",
						observability.F("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Append writes one event as a single line.
func (w *Writer) Append(evt schema.AuditEvent) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return errs.New("audit/append", errs.CodeValidation,
			errs.WithMessage("encode audit event"), errs.WithCause(err))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errs.New("audit/append", errs.CodeUnavailable, errs.WithMessage("writer closed"))
	}
	if _, err := w.buf.Write(line); err != nil {
		return errs.New("audit/append", errs.CodeUnavailable, errs.WithCause(err))
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return errs.New("audit/append", errs.CodeUnavailable, errs.WithCause(err))
	}
	return w.buf.Flush()
}

// Close stops the subscription and closes the file.
func (w *Writer) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// ReadLog decodes every event in a JSONL audit log, oldest first. Intended
// for tooling and tests rather than the hot path.
func ReadLog(path string) ([]schema.AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.New("audit/read", errs.CodeNotFound, errs.WithCause(err), errs.WithField("path", path))
	}
	defer file.Close()

	var events []schema.AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt schema.AuditEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, errs.New("audit/read", errs.CodeConsistency,
				errs.WithMessage("corrupt audit line"), errs.WithCause(err))
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New("audit/read", errs.CodeUnavailable, errs.WithCause(err))
	}
	return events, nil
}
