// Package logging records audit events for recovery and override actions.
//
// Every Logger returns an error when an event cannot be durably written.
// Callers treat that as a failure of the operation being audited: no
// recovery, override or grant proceeds without its audit record.
package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrInvalidEvent is returned when an event is missing required fields.
var ErrInvalidEvent = errors.New("invalid audit event")

// Logger appends audit events to a sink.
type Logger interface {
	// Append durably writes the event or returns an error.
	Append(ctx context.Context, event Event) error
}

// validate checks the fields every sink relies on.
func validate(e Event) error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

// JSONLogger implements Logger with JSON Lines output.
// Each event is written as a single line of JSON suitable for log aggregation.
type JSONLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONLogger creates a new JSONLogger that writes to the given writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{writer: w}
}

// Append writes the event as a single line of JSON.
func (l *JSONLogger) Append(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return writeLine(&l.mu, l.writer, data)
}

func writeLine(mu *sync.Mutex, w io.Writer, data []byte) error {
	mu.Lock()
	defer mu.Unlock()
	line := append(data, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// NopLogger implements Logger but discards all events.
// Useful for testing or when logging is disabled.
type NopLogger struct{}

// NewNopLogger creates a new NopLogger that discards all events.
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// Append discards the event.
func (l *NopLogger) Append(ctx context.Context, event Event) error {
	return nil
}

// MultiLogger fans an event out to several sinks. The append succeeds only
// if every sink accepts the event.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger over the given sinks.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Append writes to every sink and joins their errors.
func (l *MultiLogger) Append(ctx context.Context, event Event) error {
	var errs []error
	for _, logger := range l.loggers {
		if err := logger.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryLogger keeps events in memory. Intended for tests and for the CLI's
// dry-run output.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemoryLogger creates an empty MemoryLogger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Append stores the event.
func (l *MemoryLogger) Append(ctx context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if err := validate(event); err != nil {
		return err
	}
	l.events = append(l.events, event)
	return nil
}

// SetErr makes subsequent Appends fail with err. Pass nil to restore.
func (l *MemoryLogger) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// Events returns a copy of the stored events in append order.
func (l *MemoryLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsOfType returns stored events of one type.
func (l *MemoryLogger) EventsOfType(t EventType) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Logger = (*JSONLogger)(nil)
	_ Logger = (*NopLogger)(nil)
	_ Logger = (*MultiLogger)(nil)
	_ Logger = (*MemoryLogger)(nil)
)
