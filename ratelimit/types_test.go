package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/byteness/mfa-recovery/config"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	policy := Policy{Hourly: 3, Daily: 5}

	tests := []struct {
		name       string
		timestamps []time.Time
		want       Decision
	}{
		{
			name: "no attempts",
			want: Decision{Allowed: true, AttemptsRemaining: 3},
		},
		{
			name:       "two in hour",
			timestamps: []time.Time{baseTime.Add(-30 * time.Minute), baseTime.Add(-10 * time.Minute)},
			want:       Decision{Allowed: true, AttemptsRemaining: 1},
		},
		{
			name: "hour exhausted",
			timestamps: []time.Time{
				baseTime.Add(-50 * time.Minute),
				baseTime.Add(-20 * time.Minute),
				baseTime.Add(-10 * time.Minute),
			},
			want: Decision{Allowed: false, CooldownUntil: baseTime.Add(10 * time.Minute)},
		},
		{
			name: "day remaining limits hour remaining",
			timestamps: []time.Time{
				baseTime.Add(-20 * time.Hour),
				baseTime.Add(-10 * time.Hour),
				baseTime.Add(-5 * time.Hour),
				baseTime.Add(-2 * time.Hour),
			},
			want: Decision{Allowed: true, AttemptsRemaining: 1},
		},
		{
			name: "day exhausted",
			timestamps: []time.Time{
				baseTime.Add(-20 * time.Hour),
				baseTime.Add(-10 * time.Hour),
				baseTime.Add(-5 * time.Hour),
				baseTime.Add(-3 * time.Hour),
				baseTime.Add(-2 * time.Hour),
			},
			want: Decision{Allowed: false, CooldownUntil: baseTime.Add(4 * time.Hour)},
		},
		{
			name: "both exhausted picks later cooldown",
			timestamps: []time.Time{
				baseTime.Add(-23 * time.Hour),
				baseTime.Add(-22 * time.Hour),
				baseTime.Add(-40 * time.Minute),
				baseTime.Add(-30 * time.Minute),
				baseTime.Add(-20 * time.Minute),
			},
			want: Decision{Allowed: false, CooldownUntil: baseTime.Add(time.Hour)},
		},
		{
			name: "entries older than a day are ignored",
			timestamps: []time.Time{
				baseTime.Add(-48 * time.Hour),
				baseTime.Add(-25 * time.Hour),
				baseTime.Add(-24 * time.Hour),
			},
			want: Decision{Allowed: true, AttemptsRemaining: 3},
		},
		{
			name:       "entry exactly one hour old is outside the hour",
			timestamps: []time.Time{baseTime.Add(-time.Hour), baseTime.Add(-time.Hour), baseTime.Add(-time.Hour)},
			want:       Decision{Allowed: true, AttemptsRemaining: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluate(tt.timestamps, baseTime, policy)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("evaluate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPolicies_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ps      Policies
		wantErr bool
	}{
		{name: "valid", ps: Policies{"email": {Hourly: 3, Daily: 10}}},
		{name: "empty", ps: Policies{}, wantErr: true},
		{name: "zero hourly", ps: Policies{"email": {Hourly: 0, Daily: 10}}, wantErr: true},
		{name: "negative daily", ps: Policies{"sms": {Hourly: 1, Daily: -1}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ps.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPoliciesFromConfig(t *testing.T) {
	ps := PoliciesFromConfig(config.Default())

	for _, m := range config.KnownMethods {
		if _, ok := ps[m]; !ok {
			t.Errorf("missing policy for method %q", m)
		}
	}
	if got, want := ps[OverrideScope], (Policy{Hourly: 10, Daily: 50}); got != want {
		t.Errorf("override policy = %+v, want %+v", got, want)
	}
	if got, want := ps[config.MethodSMS], (Policy{Hourly: 3, Daily: 10}); got != want {
		t.Errorf("sms policy = %+v, want %+v", got, want)
	}
	if err := ps.Validate(); err != nil {
		t.Errorf("default policies invalid: %v", err)
	}
}

func TestPolicies_UnknownScope(t *testing.T) {
	ps := Policies{"email": {Hourly: 1, Daily: 1}}
	_, err := ps.lookup("carrier_pigeon")
	if !errors.Is(err, ErrUnknownScope) {
		t.Errorf("lookup() error = %v, want ErrUnknownScope", err)
	}
}

// fakeClock is a settable time source for tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestPolicies_OverrideMethodsShareScope(t *testing.T) {
	ps := Policies{OverrideScope: {Hourly: 10, Daily: 50}}
	p, err := ps.lookup(OverrideMethod("reset_mfa"))
	if err != nil {
		t.Fatalf("lookup() error = %v", err)
	}
	if p.Hourly != 10 || p.Daily != 50 {
		t.Errorf("lookup() = %+v, want override policy", p)
	}
}
