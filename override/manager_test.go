package override

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/byteness/mfa-recovery/config"
	recoveryerrors "github.com/byteness/mfa-recovery/errors"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/ratelimit"
	"github.com/byteness/mfa-recovery/roles"
	"github.com/byteness/mfa-recovery/testutil"
)

const longReason = "user locked out after phone replacement, identity confirmed by manager"

type testEnv struct {
	mgr      *Manager
	store    *MemoryStore
	audit    *logging.MemoryLogger
	clock    *testutil.Clock
	notifier *testutil.MockNotifier
}

func newTestEnv(t *testing.T, modify ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	for _, m := range modify {
		m(&cfg)
	}
	clock := testutil.NewClock(baseTime)
	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.PoliciesFromConfig(cfg), ratelimit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewMemoryLimiter() error = %v", err)
	}
	t.Cleanup(func() { limiter.Close() })

	lookup := testutil.NewMockRoleLookup(map[string][]roles.Role{
		"root":     {roles.RoleSuperAdmin},
		"root2":    {roles.RoleSuperAdmin},
		"admin1":   {roles.RoleAdmin},
		"admin2":   {roles.RoleAdmin},
		"helpdesk": {roles.RoleSupport},
	})
	store := NewMemoryStore()
	audit := logging.NewMemoryLogger()
	notifier := testutil.NewMockNotifier()

	mgr, err := NewManager(cfg, store, lookup, audit, limiter,
		WithClock(clock.Now), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return &testEnv{mgr: mgr, store: store, audit: audit, clock: clock, notifier: notifier}
}

func (e *testEnv) createResetMFA(t *testing.T) *CreateResult {
	t.Helper()
	res, err := e.mgr.Create(context.Background(), "root", CreateRequest{
		TargetUserID: "bob",
		Type:         TypeResetMFA,
		Reason:       longReason,
	})
	if err != nil {
		t.Fatalf("Create(reset_mfa) error = %v", err)
	}
	return res
}

func TestNewManager_Validation(t *testing.T) {
	cfg := config.Default()
	audit := logging.NewMemoryLogger()
	lookup := roles.NewStaticLookup(nil)
	limiter, _ := ratelimit.NewMemoryLimiter(ratelimit.PoliciesFromConfig(cfg))
	defer limiter.Close()

	if _, err := NewManager(cfg, nil, lookup, audit, limiter); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewManager(cfg, NewMemoryStore(), nil, audit, limiter); err == nil {
		t.Error("expected error for nil role lookup")
	}
	if _, err := NewManager(cfg, NewMemoryStore(), lookup, nil, limiter); err == nil {
		t.Error("expected error for nil audit logger")
	}
	if _, err := NewManager(cfg, NewMemoryStore(), lookup, audit, nil); err == nil {
		t.Error("expected error for nil limiter")
	}
}

func TestManager_CreateTemporaryDisableThenRevoke(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.mgr.Create(ctx, "admin1", CreateRequest{
		TargetUserID: "u1",
		Type:         TypeTemporaryDisable,
		Duration:     24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if res.RequiresApproval {
		t.Error("temporary_disable should not require approval")
	}
	if !res.IsActive {
		t.Error("temporary_disable should be active immediately")
	}
	if !res.ExpiresAt.Equal(baseTime.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", res.ExpiresAt)
	}

	active, err := env.mgr.FindActive(ctx, "u1", TypeTemporaryDisable)
	if err != nil || active == nil {
		t.Fatalf("FindActive() = %v, %v; want override", active, err)
	}

	env.clock.Advance(time.Hour)
	revoked, err := env.mgr.Revoke(ctx, "admin2", res.OverrideID, "resolved")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if revoked.IsActive {
		t.Error("revoked override should be inactive")
	}
	if revoked.RevokedBy != "admin2" || revoked.RevokeReason != "resolved" {
		t.Errorf("revocation fields = %q, %q", revoked.RevokedBy, revoked.RevokeReason)
	}
	if !revoked.RevokedAt.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("RevokedAt = %v", revoked.RevokedAt)
	}

	active, err = env.mgr.FindActive(ctx, "u1", TypeTemporaryDisable)
	if err != nil {
		t.Fatalf("FindActive() error = %v", err)
	}
	if active != nil {
		t.Error("revoked override must not be found active")
	}

	_, err = env.mgr.Revoke(ctx, "admin2", res.OverrideID, "again")
	testutil.AssertKind(t, err, recoveryerrors.KindConflict)

	env.mgr.Wait()
	if n := len(env.notifier.EventsOfType(notification.EventOverrideCreated)); n != 1 {
		t.Errorf("created notifications = %d, want 1", n)
	}
	if n := len(env.notifier.EventsOfType(notification.EventOverrideRevoked)); n != 1 {
		t.Errorf("revoked notifications = %d, want 1", n)
	}
	if n := len(env.audit.EventsOfType(logging.EventOverrideCreated)); n != 1 {
		t.Errorf("created audit events = %d, want 1", n)
	}
	if n := len(env.audit.EventsOfType(logging.EventOverrideRevoked)); n != 1 {
		t.Errorf("revoked audit events = %d, want 1", n)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	tests := []struct {
		name      string
		admin     string
		req       CreateRequest
		wantKind  recoveryerrors.Kind
		wantAudit bool
	}{
		{
			name:     "missing admin",
			req:      CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:     "missing target",
			admin:    "admin1",
			req:      CreateRequest{Type: TypeTemporaryDisable},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:     "unknown type",
			admin:    "admin1",
			req:      CreateRequest{TargetUserID: "bob", Type: "bypass"},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:     "duration over maximum",
			admin:    "admin1",
			req:      CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable, Duration: 73 * time.Hour},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:     "negative duration",
			admin:    "admin1",
			req:      CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable, Duration: -time.Hour},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:     "justification required",
			admin:    "root",
			req:      CreateRequest{TargetUserID: "bob", Type: TypeResetMFA},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:     "justification too short",
			admin:    "root",
			req:      CreateRequest{TargetUserID: "bob", Type: TypeResetMFA, Reason: "lost it"},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:     "justification too long",
			admin:    "admin1",
			req:      CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable, Reason: strings.Repeat("x", 1001)},
			wantKind: recoveryerrors.KindInvalidInput,
		},
		{
			name:      "support cannot disable",
			admin:     "helpdesk",
			req:       CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable},
			wantKind:  recoveryerrors.KindUnauthorized,
			wantAudit: true,
		},
		{
			name:      "admin cannot reset",
			admin:     "admin1",
			req:       CreateRequest{TargetUserID: "bob", Type: TypeResetMFA, Reason: longReason},
			wantKind:  recoveryerrors.KindUnauthorized,
			wantAudit: true,
		},
		{
			name:      "unknown admin",
			admin:     "mallory",
			req:       CreateRequest{TargetUserID: "bob", Type: TypeTrustDevice},
			wantKind:  recoveryerrors.KindUnauthorized,
			wantAudit: true,
		},
		{
			name:      "self override",
			admin:     "admin1",
			req:       CreateRequest{TargetUserID: "admin1", Type: TypeTemporaryDisable},
			wantKind:  recoveryerrors.KindUnauthorized,
			wantAudit: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.mgr.Create(context.Background(), tt.admin, tt.req)
			testutil.AssertKind(t, err, tt.wantKind)

			denied := env.audit.EventsOfType(logging.EventOverrideDenied)
			if tt.wantAudit != (len(denied) == 1) {
				t.Errorf("denied audit events = %d, wantAudit %v", len(denied), tt.wantAudit)
			}
			if tt.wantAudit && denied[0].Success {
				t.Error("denial must be recorded as a failure")
			}
			if n := len(env.audit.EventsOfType(logging.EventOverrideCreated)); n != 0 {
				t.Errorf("created events = %d, want 0", n)
			}
		})
	}
}

func TestManager_CreateDefaultDuration(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.mgr.Create(context.Background(), "helpdesk", CreateRequest{
		TargetUserID: "bob",
		Type:         TypeTrustDevice,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	want := baseTime.Add(config.Default().Overrides.Types[config.OverrideTrustDevice].DefaultDuration)
	if !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}
}

func TestManager_ApproveResetMFA(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createResetMFA(t)

	if !res.RequiresApproval || res.IsActive {
		t.Fatalf("reset_mfa should start pending, got %+v", res)
	}
	pending, err := env.mgr.Get(ctx, res.OverrideID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pending.State(env.clock.Now()) != StatePendingApproval {
		t.Errorf("state = %q, want pending_approval", pending.State(env.clock.Now()))
	}

	t.Run("lacking tier", func(t *testing.T) {
		_, err := env.mgr.Approve(ctx, "admin1", res.OverrideID, "")
		testutil.AssertErrorIs(t, err, recoveryerrors.ErrUnauthorized)
	})
	t.Run("requester cannot approve", func(t *testing.T) {
		_, err := env.mgr.Approve(ctx, "root", res.OverrideID, "")
		testutil.AssertErrorIs(t, err, recoveryerrors.ErrUnauthorized)
	})

	env.clock.Advance(30 * time.Minute)
	approved, err := env.mgr.Approve(ctx, "root2", res.OverrideID, "verified by phone")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !approved.IsActive {
		t.Error("approved override should be active")
	}
	if approved.ApprovedBy != "root2" || approved.ApprovalNotes != "verified by phone" {
		t.Errorf("approval fields = %q, %q", approved.ApprovedBy, approved.ApprovalNotes)
	}
	if want := env.clock.Now().Add(approved.Duration); !approved.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v (counted from approval)", approved.ExpiresAt, want)
	}

	_, err = env.mgr.Approve(ctx, "root2", res.OverrideID, "")
	testutil.AssertKind(t, err, recoveryerrors.KindConflict)

	if n := len(env.audit.EventsOfType(logging.EventOverrideApproved)); n != 1 {
		t.Errorf("approved audit events = %d, want 1", n)
	}
	if n := len(env.audit.EventsOfType(logging.EventOverrideDenied)); n != 3 {
		t.Errorf("denied audit events = %d, want 3", n)
	}
}

func TestManager_ApproveRequiresPendingApprovalType(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res, err := env.mgr.Create(ctx, "admin1", CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err = env.mgr.Approve(ctx, "root", res.OverrideID, "")
	testutil.AssertKind(t, err, recoveryerrors.KindConflict)
}

func TestManager_ApproveNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.Approve(context.Background(), "root2", "ffffffffffffffff", "")
	testutil.AssertKind(t, err, recoveryerrors.KindNotFound)

	_, err = env.mgr.Approve(context.Background(), "root2", "not-an-id", "")
	testutil.AssertKind(t, err, recoveryerrors.KindInvalidInput)
}

func TestManager_PendingOverrideLapses(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createResetMFA(t)

	env.clock.Set(res.ExpiresAt)
	_, err := env.mgr.Approve(ctx, "root2", res.OverrideID, "")
	testutil.AssertKind(t, err, recoveryerrors.KindInvalidOrExpired)
}

func TestManager_RevokePendingThenApprove(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createResetMFA(t)

	if _, err := env.mgr.Revoke(ctx, "admin1", res.OverrideID, "request withdrawn"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	_, err := env.mgr.Approve(ctx, "root2", res.OverrideID, "")
	testutil.AssertKind(t, err, recoveryerrors.KindInvalidOrExpired)
}

func TestManager_RevokeValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res, err := env.mgr.Create(ctx, "admin1", CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = env.mgr.Revoke(ctx, "admin2", res.OverrideID, "  ")
	testutil.AssertKind(t, err, recoveryerrors.KindInvalidInput)

	_, err = env.mgr.Revoke(ctx, "helpdesk", res.OverrideID, "resolved")
	testutil.AssertKind(t, err, recoveryerrors.KindUnauthorized)

	got, err := env.mgr.Get(ctx, res.OverrideID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.IsActive {
		t.Error("failed revocation must leave the override active")
	}
}

func TestManager_LazyExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res, err := env.mgr.Create(ctx, "admin1", CreateRequest{
		TargetUserID: "bob",
		Type:         TypeTemporaryDisable,
		Duration:     2 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	env.clock.Advance(2 * time.Hour)

	// No sweep has run: reads still treat the override as inactive.
	stored, _ := env.store.Get(ctx, res.OverrideID)
	if !stored.IsActive {
		t.Fatal("stored flag should still be set before the sweep")
	}
	got, err := env.mgr.Get(ctx, res.OverrideID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.IsActive {
		t.Error("Get must apply lazy expiry")
	}
	if active, _ := env.mgr.FindActive(ctx, "bob", TypeTemporaryDisable); active != nil {
		t.Error("FindActive must ignore expired overrides")
	}
	list, err := env.mgr.ListByTarget(ctx, "bob", 10)
	if err != nil || len(list) != 1 || list[0].IsActive {
		t.Errorf("ListByTarget() = %v, %v", list, err)
	}

	_, err = env.mgr.Revoke(ctx, "admin2", res.OverrideID, "too late")
	testutil.AssertKind(t, err, recoveryerrors.KindInvalidOrExpired)

	n, err := env.mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	stored, _ = env.store.Get(ctx, res.OverrideID)
	if stored.IsActive || stored.SweptAt.IsZero() {
		t.Errorf("sweep should clear IsActive and set SweptAt: %+v", stored)
	}
	if len(env.audit.EventsOfType(logging.EventOverrideExpired)) != 1 {
		t.Error("sweep should audit the expiry")
	}

	n, err = env.mgr.Sweep(ctx)
	if err != nil || n != 0 {
		t.Errorf("second Sweep() = %d, %v; want 0, nil", n, err)
	}
}

func TestManager_SweepClearsBacklog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	backlog := MaxQueryLimit + 10
	for i := 0; i < backlog; i++ {
		o := testOverride()
		o.ID = NewOverrideID()
		o.CreatedAt = baseTime.Add(-48 * time.Hour).Add(time.Duration(i) * time.Second)
		o.ExpiresAt = o.CreatedAt.Add(time.Hour)
		if err := env.store.Create(ctx, o); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	live := testOverride()
	live.ID = NewOverrideID()
	_ = env.store.Create(ctx, live)

	n, err := env.mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != backlog {
		t.Errorf("Sweep() = %d, want %d", n, backlog)
	}
	left, _ := env.store.ListExpired(ctx, StateActive, env.clock.Now())
	if len(left) != 0 {
		t.Errorf("%d lapsed overrides left after one sweep", len(left))
	}
	if got, _ := env.store.Get(ctx, live.ID); !got.IsActive {
		t.Error("unexpired override must not be swept")
	}
}

func TestManager_CreateRollsBackWhenAuditFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.audit.SetErr(errors.New("audit table unavailable"))

	_, err := env.mgr.Create(ctx, "admin1", CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable})
	testutil.AssertKind(t, err, recoveryerrors.KindAuditUnavailable)

	list, _ := env.store.ListByTarget(ctx, "bob", 0)
	if len(list) != 0 {
		t.Errorf("override should be deleted, found %d", len(list))
	}
	env.mgr.Wait()
	if len(env.notifier.Events) != 0 {
		t.Error("no notification should be sent for a rolled back override")
	}
}

func TestManager_ApproveRollsBackWhenAuditFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createResetMFA(t)

	env.audit.SetErr(errors.New("audit table unavailable"))
	_, err := env.mgr.Approve(ctx, "root2", res.OverrideID, "")
	testutil.AssertKind(t, err, recoveryerrors.KindAuditUnavailable)

	env.audit.SetErr(nil)
	got, err := env.mgr.Get(ctx, res.OverrideID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.IsActive || got.ApprovedBy != "" {
		t.Errorf("approval should be rolled back: %+v", got)
	}
	if _, err := env.mgr.Approve(ctx, "root2", res.OverrideID, ""); err != nil {
		t.Errorf("Approve() after audit recovery error = %v", err)
	}
}

func TestManager_CreateRateLimited(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimits.Overrides = config.RateLimitPolicy{Hourly: 2, Daily: 5}
	})

	for i, user := range []string{"u1", "u2"} {
		if _, err := env.mgr.Create(ctx, "admin1", CreateRequest{TargetUserID: user, Type: TypeTemporaryDisable}); err != nil {
			t.Fatalf("Create #%d error = %v", i+1, err)
		}
		env.clock.Advance(time.Minute)
	}

	_, err := env.mgr.Create(ctx, "admin1", CreateRequest{TargetUserID: "u3", Type: TypeTemporaryDisable})
	testutil.AssertErrorIs(t, err, recoveryerrors.ErrRateLimited)
	cooldown, ok := recoveryerrors.CooldownUntil(err)
	if !ok {
		t.Fatal("rate_limited error should carry cooldown_until")
	}
	if want := baseTime.Add(time.Hour); !cooldown.Equal(want) {
		t.Errorf("cooldown = %v, want %v", cooldown, want)
	}
	denied := env.audit.EventsOfType(logging.EventOverrideDenied)
	if len(denied) != 1 || denied[0].ErrorKind != string(recoveryerrors.KindRateLimited) {
		t.Errorf("denied events = %+v", denied)
	}

	// A different administrator has their own budget.
	if _, err := env.mgr.Create(ctx, "admin2", CreateRequest{TargetUserID: "u3", Type: TypeTemporaryDisable}); err != nil {
		t.Errorf("Create by admin2 error = %v", err)
	}
}

func TestManager_RoleLookupFailure(t *testing.T) {
	cfg := config.Default()
	limiter, _ := ratelimit.NewMemoryLimiter(ratelimit.PoliciesFromConfig(cfg))
	defer limiter.Close()
	lookup := testutil.NewMockRoleLookup(nil)
	lookup.Err = errors.New("roles table missing")
	mgr, err := NewManager(cfg, NewMemoryStore(), lookup, logging.NewMemoryLogger(), limiter)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	_, err = mgr.Create(context.Background(), "admin1", CreateRequest{TargetUserID: "bob", Type: TypeTemporaryDisable})
	testutil.AssertKind(t, err, recoveryerrors.KindInternal)
}

func TestManager_ConcurrentApproveExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createResetMFA(t)

	const goroutines = 20
	var wg sync.WaitGroup
	var successes, conflicts atomic.Int32
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.mgr.Approve(ctx, "root2", res.OverrideID, "")
			switch {
			case err == nil:
				successes.Add(1)
			case recoveryerrors.KindOf(err) == recoveryerrors.KindConflict:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successes = %d, want 1", successes.Load())
	}
	if conflicts.Load() != goroutines-1 {
		t.Errorf("conflicts = %d, want %d", conflicts.Load(), goroutines-1)
	}
	if n := len(env.audit.EventsOfType(logging.EventOverrideApproved)); n != 1 {
		t.Errorf("approved audit events = %d, want 1", n)
	}
}
