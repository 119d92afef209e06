// Package testutil provides reusable test utilities, mock implementations,
// and helper functions for testing recovery and override components.
package testutil

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
)

// ============================================================================
// Time helpers
// ============================================================================

// MustParseTime parses a time string using the given layout and panics on error.
// Useful for test data initialization where parse errors indicate a test bug.
//
// Example:
//
//	t := MustParseTime(time.RFC3339, "2026-03-10T12:00:00Z")
func MustParseTime(layout, value string) time.Time {
	t, err := time.Parse(layout, value)
	if err != nil {
		panic("testutil.MustParseTime: " + err.Error())
	}
	return t
}

// FixedClock returns a function that always returns the given time.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time {
		return t
	}
}

// Clock is a manually advanced clock safe for concurrent use. Pass
// clock.Now wherever a component accepts a func() time.Time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock starting at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// ============================================================================
// Assertion helpers
// ============================================================================

// AssertErrorIs checks if got error matches want error using errors.Is.
//
// Example:
//
//	AssertErrorIs(t, err, recoveryerrors.ErrLocked)
func AssertErrorIs(t *testing.T, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Errorf("error mismatch:\n  got:  %v\n  want: %v", got, want)
	}
}

// AssertKind checks the recovery error kind carried by err.
//
// Example:
//
//	AssertKind(t, err, recoveryerrors.KindRateLimited)
func AssertKind(t *testing.T, err error, want recoveryerrors.Kind) {
	t.Helper()
	if got := recoveryerrors.KindOf(err); got != want {
		t.Errorf("error kind = %q, want %q (err: %v)", got, want, err)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertContains checks if got string contains substr.
//
// Example:
//
//	AssertContains(t, err.Error(), "not found")
func AssertContains(t *testing.T, got, substr string) {
	t.Helper()
	if !strings.Contains(got, substr) {
		t.Errorf("string does not contain expected substring:\n  got:    %q\n  substr: %q", got, substr)
	}
}

// AssertNotContains checks if got string does not contain substr.
func AssertNotContains(t *testing.T, got, substr string) {
	t.Helper()
	if strings.Contains(got, substr) {
		t.Errorf("string contains unexpected substring:\n  got:    %q\n  substr: %q", got, substr)
	}
}

// AssertEqual checks if got equals want.
//
// Example:
//
//	AssertEqual(t, req.Status, recovery.StatusCompleted)
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("value mismatch:\n  got:  %v\n  want: %v", got, want)
	}
}

// AssertTrue fails if condition is false.
func AssertTrue(t *testing.T, condition bool, msg ...string) {
	t.Helper()
	if !condition {
		if len(msg) > 0 {
			t.Errorf("expected true: %s", msg[0])
		} else {
			t.Error("expected true, got false")
		}
	}
}

// ============================================================================
// Value helpers
// ============================================================================

// Ptr returns a pointer to the given value.
//
// Example:
//
//	input := &ssm.GetParameterInput{Name: testutil.Ptr("my-param")}
func Ptr[T any](v T) *T {
	return &v
}
