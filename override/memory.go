package override

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory with the same compare-and-set
// semantics as DynamoDBStore.
type MemoryStore struct {
	mu        sync.Mutex
	overrides map[string]*Override
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: make(map[string]*Override)}
}

// Create stores a copy of the override.
func (s *MemoryStore) Create(ctx context.Context, o *Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[o.ID]; ok {
		return fmt.Errorf("%s: %w", o.ID, ErrOverrideExists)
	}
	c := *o
	s.overrides[o.ID] = &c
	return nil
}

// Get returns a copy of the override.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overrides[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrOverrideNotFound)
	}
	c := *o
	return &c, nil
}

// Update replaces the override if its version matches.
func (s *MemoryStore) Update(ctx context.Context, o *Override, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.overrides[o.ID]
	if !ok {
		return fmt.Errorf("%s: %w", o.ID, ErrOverrideNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%s: %w", o.ID, ErrConcurrentModification)
	}
	o.Version = expectedVersion + 1
	c := *o
	s.overrides[o.ID] = &c
	return nil
}

// Delete removes the override.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, id)
	return nil
}

// ListByTarget returns the user's overrides, newest first.
func (s *MemoryStore) ListByTarget(ctx context.Context, userID string, limit int) ([]*Override, error) {
	return s.list(limit, func(o *Override) bool { return o.TargetUserID == userID }), nil
}

// ListByStatus returns overrides with the given stored status, newest first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status State, limit int) ([]*Override, error) {
	return s.list(limit, func(o *Override) bool { return o.storedStatus() == status }), nil
}

// ListExpired returns every lapsed override with the given stored status,
// oldest first.
func (s *MemoryStore) ListExpired(ctx context.Context, status State, now time.Time) ([]*Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Override
	for _, o := range s.overrides {
		if o.storedStatus() == status && !now.Before(o.ExpiresAt) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) list(limit int, match func(*Override) bool) []*Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Override
	for _, o := range s.overrides {
		if match(o) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if n := effectiveLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
