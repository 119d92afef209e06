// Package ratelimit bounds recovery attempts per user and method over two
// rolling windows: the last hour and the last day.
//
// A Limiter is consulted in two steps. Check is a read-only lookup used before
// any work is done; Record atomically increments the counters and reports
// whether the increment stayed within both limits. A Record that reports
// Allowed=false means a concurrent caller consumed the last slot, and the
// operation must be abandoned.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/byteness/mfa-recovery/config"
)

// Window durations.
const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

// OverrideScope is the policy name under which override creation is
// limited, keyed by the acting administrator.
const OverrideScope = "override"

// OverrideMethod returns the limiter method name for creating overrides of
// the given type. All override types share the OverrideScope policy.
func OverrideMethod(overrideType string) string {
	return OverrideScope + ":" + overrideType
}

// ErrUnknownScope is returned when no policy exists for the requested method.
var ErrUnknownScope = errors.New("no rate limit policy for scope")

// Limiter defines the interface for rate limiting implementations.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Check reports whether userID may make another attempt with method,
	// without consuming anything.
	Check(ctx context.Context, userID, method string) (Decision, error)

	// Record atomically counts an attempt. If counting it would exceed a
	// window, nothing is recorded and Allowed is false.
	Record(ctx context.Context, userID, method string) (Decision, error)
}

// Decision is the outcome of a Check or Record call.
type Decision struct {
	// Allowed indicates whether the attempt is (or was) within both windows.
	Allowed bool

	// AttemptsRemaining is the number of further attempts allowed before a
	// window is exhausted.
	AttemptsRemaining int

	// CooldownUntil is the earliest time an attempt will be allowed again.
	// Zero when Allowed is true.
	CooldownUntil time.Time
}

// Policy bounds attempts in the hourly and daily windows.
type Policy struct {
	Hourly int
	Daily  int
}

// Validate checks if the Policy is valid.
func (p Policy) Validate() error {
	if p.Hourly <= 0 {
		return fmt.Errorf("Hourly must be positive, got %d", p.Hourly)
	}
	if p.Daily <= 0 {
		return fmt.Errorf("Daily must be positive, got %d", p.Daily)
	}
	return nil
}

// Policies maps a method (or OverrideScope) to its policy.
type Policies map[string]Policy

// Validate checks every policy.
func (ps Policies) Validate() error {
	if len(ps) == 0 {
		return errors.New("at least one rate limit policy is required")
	}
	for name, p := range ps {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (ps Policies) lookup(method string) (Policy, error) {
	if strings.HasPrefix(method, OverrideScope+":") {
		method = OverrideScope
	}
	p, ok := ps[method]
	if !ok {
		return Policy{}, fmt.Errorf("%s: %w", method, ErrUnknownScope)
	}
	return p, nil
}

// PoliciesFromConfig builds Policies from the recovery configuration,
// including the override-creation policy under OverrideScope.
func PoliciesFromConfig(cfg config.Config) Policies {
	ps := make(Policies, len(cfg.RateLimits.Methods)+1)
	for name, p := range cfg.RateLimits.Methods {
		ps[name] = Policy{Hourly: p.Hourly, Daily: p.Daily}
	}
	ps[OverrideScope] = Policy{Hourly: cfg.RateLimits.Overrides.Hourly, Daily: cfg.RateLimits.Overrides.Daily}
	return ps
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// evaluate decides whether one more attempt fits the policy given the
// attempts already recorded. timestamps must be sorted oldest first and may
// contain entries older than a day; those are ignored.
func evaluate(timestamps []time.Time, now time.Time, p Policy) Decision {
	hourStart := now.Add(-HourWindow)
	dayStart := now.Add(-DayWindow)

	var inDay, inHour []time.Time
	for _, ts := range timestamps {
		if ts.After(dayStart) {
			inDay = append(inDay, ts)
			if ts.After(hourStart) {
				inHour = append(inHour, ts)
			}
		}
	}

	remaining := min(p.Hourly-len(inHour), p.Daily-len(inDay))
	if remaining > 0 {
		return Decision{Allowed: true, AttemptsRemaining: remaining}
	}

	var cooldown time.Time
	if c := len(inHour); c >= p.Hourly {
		cooldown = laterOf(cooldown, inHour[c-p.Hourly].Add(HourWindow))
	}
	if c := len(inDay); c >= p.Daily {
		cooldown = laterOf(cooldown, inDay[c-p.Daily].Add(DayWindow))
	}
	return Decision{Allowed: false, AttemptsRemaining: 0, CooldownUntil: cooldown}
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// afterRecord adjusts a permitting decision for the attempt just recorded.
func afterRecord(d Decision) Decision {
	d.AttemptsRemaining--
	return d
}
