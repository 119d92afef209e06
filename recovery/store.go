package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Query limit constants for List operations.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

var (
	// ErrRequestNotFound is returned when the requested recovery request does not exist.
	ErrRequestNotFound = errors.New("recovery request not found")

	// ErrRequestExists is returned when creating a request whose ID exists.
	ErrRequestExists = errors.New("recovery request already exists")

	// ErrConcurrentModification is returned when an Update loses an
	// optimistic locking race.
	ErrConcurrentModification = errors.New("recovery request modified concurrently")

	// ErrTooManyOpen is returned by Create when the user already holds the
	// maximum number of open requests.
	ErrTooManyOpen = errors.New("too many open recovery requests")

	// ErrInvalidTransition is returned by Update when the status change is
	// not allowed by the request state machine.
	ErrInvalidTransition = errors.New("invalid recovery request transition")
)

// Store persists recovery requests. Update is a compare-and-set on Version,
// so implementations are safe for concurrent use across processes.
//
// A request is open while its status is pending or in_progress. Stores keep
// the number of open requests per user exact, so the cap enforced by Create
// holds under concurrent callers.
type Store interface {
	// Create stores a new open request if the user holds fewer than maxOpen
	// open requests. maxOpen <= 0 disables the cap. Returns ErrRequestExists
	// or ErrTooManyOpen.
	Create(ctx context.Context, req *Request, maxOpen int) error

	// Get retrieves a request by ID. Returns ErrRequestNotFound if not exists.
	Get(ctx context.Context, id string) (*Request, error)

	// Update writes req if the stored request has status from and version
	// expectedVersion. On success req.Version is expectedVersion+1. Returns
	// ErrInvalidTransition, ErrRequestNotFound or ErrConcurrentModification.
	Update(ctx context.Context, req *Request, from Status, expectedVersion int64) error

	// Delete removes a request that was never exposed to its user. No-op if
	// not exists.
	Delete(ctx context.Context, req *Request) error

	// ListByUser returns a user's requests, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error)

	// ListByStatus returns requests with the given status, newest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)

	// ListExpired returns every request with the given status whose
	// validity window ended before now, oldest first.
	ListExpired(ctx context.Context, status Status, now time.Time) ([]*Request, error)
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

// checkTransition returns ErrInvalidTransition unless a request may move
// from one status to the other. Rewriting an open request in place is
// allowed; terminal requests are never rewritten.
func checkTransition(from, to Status) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// closes reports whether moving from one status to the other takes the
// request out of its user's open count.
func closes(from, to Status) bool {
	return !from.IsTerminal() && to.IsTerminal()
}
