package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter implements Limiter using an in-memory sliding window log.
// Safe for concurrent use. For Lambda, each warm instance shares this memory,
// so it only bounds attempts within a single process.
type MemoryLimiter struct {
	policies Policies
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	// cleanupInterval controls how often expired entries are removed.
	cleanupInterval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// bucket holds attempt timestamps for a single (user, method) pair, oldest first.
type bucket struct {
	timestamps []time.Time
}

// NewMemoryLimiter creates a new in-memory limiter.
// Starts a background goroutine to clean up expired entries.
// Call Close() to stop the cleanup goroutine.
func NewMemoryLimiter(policies Policies, opts ...Option) (*MemoryLimiter, error) {
	return NewMemoryLimiterWithCleanup(policies, 10*time.Minute, opts...)
}

// NewMemoryLimiterWithCleanup creates a limiter with a custom cleanup interval.
func NewMemoryLimiterWithCleanup(policies Policies, cleanupInterval time.Duration, opts ...Option) (*MemoryLimiter, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	m := &MemoryLimiter{
		policies:        policies,
		now:             o.now,
		buckets:         make(map[string]*bucket),
		cleanupInterval: cleanupInterval,
		done:            make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m, nil
}

// Check reports whether another attempt is allowed without recording it.
func (m *MemoryLimiter) Check(ctx context.Context, userID, method string) (Decision, error) {
	p, err := m.policies.lookup(method)
	if err != nil {
		return Decision{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var timestamps []time.Time
	if b, ok := m.buckets[bucketKey(userID, method)]; ok {
		timestamps = b.timestamps
	}
	return evaluate(timestamps, now, p), nil
}

// Record counts an attempt if both windows have room.
func (m *MemoryLimiter) Record(ctx context.Context, userID, method string) (Decision, error) {
	p, err := m.policies.lookup(method)
	if err != nil {
		return Decision{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := bucketKey(userID, method)
	b, exists := m.buckets[key]
	if !exists {
		b = &bucket{timestamps: make([]time.Time, 0, p.Daily)}
		m.buckets[key] = b
	}
	b.timestamps = filterValid(b.timestamps, now.Add(-DayWindow))

	d := evaluate(b.timestamps, now, p)
	if !d.Allowed {
		return d, nil
	}
	b.timestamps = append(b.timestamps, now)
	return afterRecord(d), nil
}

// Close stops the background cleanup goroutine.
// Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	select {
	case <-m.done:
		return nil
	default:
		close(m.done)
	}
	m.wg.Wait()
	return nil
}

func (m *MemoryLimiter) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup drops timestamps older than the daily window and empty buckets.
func (m *MemoryLimiter) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-DayWindow)
	for key, b := range m.buckets {
		b.timestamps = filterValid(b.timestamps, cutoff)
		if len(b.timestamps) == 0 {
			delete(m.buckets, key)
		}
	}
}

// filterValid returns only timestamps after the cutoff.
func filterValid(timestamps []time.Time, cutoff time.Time) []time.Time {
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

func bucketKey(userID, method string) string {
	return method + "#" + userID
}

// Stats reports the size of the limiter state.
type Stats struct {
	// TotalKeys is the number of (user, method) pairs being tracked.
	TotalKeys int
	// TotalAttempts is the number of timestamps across all buckets.
	TotalAttempts int
}

// Stats returns current limiter statistics.
func (m *MemoryLimiter) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{TotalKeys: len(m.buckets)}
	for _, b := range m.buckets {
		stats.TotalAttempts += len(b.timestamps)
	}
	return stats
}

var _ Limiter = (*MemoryLimiter)(nil)
