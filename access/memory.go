package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Used by tests and the CLI's
// local mode.
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]*Grant
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

// Create stores a copy of the grant.
func (s *MemoryStore) Create(ctx context.Context, grant *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[grant.ID]; ok {
		return fmt.Errorf("%s: %w", grant.ID, ErrGrantExists)
	}
	g := *grant
	s.grants[grant.ID] = &g
	return nil
}

// Get returns a copy of the grant.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrGrantNotFound)
	}
	out := *g
	return &out, nil
}

// Revoke marks the grant revoked.
func (s *MemoryStore) Revoke(ctx context.Context, id, by, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrGrantNotFound)
	}
	if g.IsRevoked() {
		return fmt.Errorf("%s: %w", id, ErrAlreadyRevoked)
	}
	g.RevokedAt = at
	g.RevokedBy = by
	g.RevokeReason = reason
	return nil
}

// Delete removes the grant.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, id)
	return nil
}

// ListByUser returns the user's grants, newest first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Grant
	for _, g := range s.grants {
		if g.UserID == userID {
			c := *g
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	if n := effectiveLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
