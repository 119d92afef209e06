package recovery

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
	mu       sync.Mutex
	requests map[string]*Request
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func clone(r *Request) *Request {
	c := *r
	if r.DocumentRefs != nil {
		c.DocumentRefs = append([]string(nil), r.DocumentRefs...)
	}
	return &c
}

// Create stores a copy of the request. The open-request cap is checked
// under the same lock as the insert.
func (s *MemoryStore) Create(ctx context.Context, req *Request, maxOpen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("%s: %w", req.ID, ErrRequestExists)
	}
	if maxOpen > 0 && !req.Status.IsTerminal() {
		open := 0
		for _, r := range s.requests {
			if r.UserID == req.UserID && !r.Status.IsTerminal() {
				open++
			}
		}
		if open >= maxOpen {
			return fmt.Errorf("%s holds %d: %w", req.UserID, open, ErrTooManyOpen)
		}
	}
	s.requests[req.ID] = clone(req)
	return nil
}

// Get returns a copy of the request.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRequestNotFound)
	}
	return clone(r), nil
}

// Update replaces the request if its status and version match.
func (s *MemoryStore) Update(ctx context.Context, req *Request, from Status, expectedVersion int64) error {
	if err := checkTransition(from, req.Status); err != nil {
		return fmt.Errorf("%s: %w", req.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[req.ID]
	if !ok {
		return fmt.Errorf("%s: %w", req.ID, ErrRequestNotFound)
	}
	if cur.Version != expectedVersion || cur.Status != from {
		return fmt.Errorf("%s: %w", req.ID, ErrConcurrentModification)
	}
	req.Version = expectedVersion + 1
	s.requests[req.ID] = clone(req)
	return nil
}

// Delete removes the request.
func (s *MemoryStore) Delete(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, req.ID)
	return nil
}

// ListByUser returns the user's requests, newest first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	return s.list(limit, func(r *Request) bool { return r.UserID == userID }), nil
}

// ListByStatus returns requests with the given status, newest first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.list(limit, func(r *Request) bool { return r.Status == status }), nil
}

// ListExpired returns requests with the given status whose validity window
// ended before now, oldest first.
func (s *MemoryStore) ListExpired(ctx context.Context, status Status, now time.Time) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.requests {
		if r.Status == status && r.IsExpired(now) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) list(limit int, match func(*Request) bool) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.requests {
		if match(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if n := effectiveLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
