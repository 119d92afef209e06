package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// SignedLogger writes JSON Lines where each line is a SignedEvent.
// Unlike a best-effort log, a signing failure fails the Append: an
// unsigned record is not an acceptable substitute.
type SignedLogger struct {
	mu     sync.Mutex
	writer io.Writer
	config *SignatureConfig
	now    func() time.Time
}

// NewSignedLogger creates a SignedLogger with the given writer and config.
// The config must have a valid secret key (at least 32 bytes).
func NewSignedLogger(w io.Writer, config *SignatureConfig) (*SignedLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SignedLogger{
		writer: w,
		config: config,
		now:    time.Now,
	}, nil
}

// Append signs and writes the event.
func (l *SignedLogger) Append(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	signed, err := Sign(event, l.config, l.now())
	if err != nil {
		return fmt.Errorf("sign audit event: %w", err)
	}
	data, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("marshal signed event: %w", err)
	}
	return writeLine(&l.mu, l.writer, data)
}

var _ Logger = (*SignedLogger)(nil)
