package override

import (
	"context"
	"errors"
	"time"
)

// Query limit constants for List operations.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

var (
	// ErrOverrideNotFound is returned when the requested override does not exist.
	ErrOverrideNotFound = errors.New("override not found")

	// ErrOverrideExists is returned when creating an override whose ID exists.
	ErrOverrideExists = errors.New("override already exists")

	// ErrConcurrentModification is returned when an Update loses an
	// optimistic locking race.
	ErrConcurrentModification = errors.New("override modified concurrently")
)

// Store persists overrides. Implementations must be safe for concurrent use
// across processes: Update is a compare-and-set on Version.
type Store interface {
	// Create stores a new override. Returns ErrOverrideExists if the ID exists.
	Create(ctx context.Context, o *Override) error

	// Get retrieves an override by ID. Returns ErrOverrideNotFound if not exists.
	Get(ctx context.Context, id string) (*Override, error)

	// Update writes o if the stored version equals expectedVersion. On
	// success o.Version is expectedVersion+1. Returns ErrOverrideNotFound or
	// ErrConcurrentModification.
	Update(ctx context.Context, o *Override, expectedVersion int64) error

	// Delete removes an override. No-op if not exists.
	Delete(ctx context.Context, id string) error

	// ListByTarget returns overrides for a user, newest first.
	ListByTarget(ctx context.Context, userID string, limit int) ([]*Override, error)

	// ListByStatus returns overrides whose stored status matches, newest first.
	ListByStatus(ctx context.Context, status State, limit int) ([]*Override, error)

	// ListExpired returns every override with the given stored status whose
	// ExpiresAt is not after now, oldest first.
	ListExpired(ctx context.Context, status State, now time.Time) ([]*Override, error)
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
