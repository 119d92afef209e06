package access

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
	// ErrGrantNotFound is returned when the requested grant does not exist.
	ErrGrantNotFound = errors.New("access grant not found")

	// ErrGrantExists is returned when creating a grant whose ID already exists.
	ErrGrantExists = errors.New("access grant already exists")

	// ErrAlreadyRevoked is returned when revoking a grant twice.
	ErrAlreadyRevoked = errors.New("access grant already revoked")
)

// Store persists grants. Implementations must be safe for concurrent use.
type Store interface {
	// Create stores a new grant. Returns ErrGrantExists if the ID exists.
	Create(ctx context.Context, grant *Grant) error

	// Get retrieves a grant by ID. Returns ErrGrantNotFound if not exists.
	Get(ctx context.Context, id string) (*Grant, error)

	// Revoke marks a grant revoked. Returns ErrGrantNotFound or
	// ErrAlreadyRevoked. Revocation is a single conditional write, so of
	// two concurrent revokes exactly one succeeds.
	Revoke(ctx context.Context, id, by, reason string, at time.Time) error

	// Delete removes a grant. No-op if not exists.
	Delete(ctx context.Context, id string) error

	// ListByUser returns a user's grants, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Grant, error)
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
