package cli

import (
	"os"
	"testing"
	"time"

	"github.com/byteness/mfa-recovery/access"
	"github.com/byteness/mfa-recovery/config"
	"github.com/byteness/mfa-recovery/contacts"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/override"
	"github.com/byteness/mfa-recovery/ratelimit"
	"github.com/byteness/mfa-recovery/recovery"
	"github.com/byteness/mfa-recovery/roles"
	"github.com/byteness/mfa-recovery/testutil"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// cliEnv wires real managers over in-memory stores.
type cliEnv struct {
	cfg       config.Config
	clock     *testutil.Clock
	audit     *logging.MemoryLogger
	sender    *testutil.MockSender
	issuer    *access.Issuer
	overrides *override.Manager
	recovery  *recovery.Manager
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	cfg := config.Default()
	clock := testutil.NewClock(baseTime)

	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.PoliciesFromConfig(cfg), ratelimit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewMemoryLimiter() error = %v", err)
	}
	t.Cleanup(func() { limiter.Close() })

	lookup := testutil.NewMockRoleLookup(map[string][]roles.Role{
		"alice":    {roles.RoleSuperAdmin},
		"bob":      {roles.RoleSuperAdmin},
		"helpdesk": {roles.RoleSupport},
		"reviewer": {roles.RoleReviewer},
	})
	audit := logging.NewMemoryLogger()

	issuer, err := access.NewIssuer(access.NewMemoryStore(), audit, cfg.Access.TokenTTL, access.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	overrides, err := override.NewManager(cfg, override.NewMemoryStore(), lookup, audit, limiter, override.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("override.NewManager() error = %v", err)
	}
	directory := contacts.NewStaticLookup(map[string]contacts.Contact{
		"carol": {Email: "carol@example.com"},
		"dave":  {Email: "dave.jones@example.com", Phone: "+15557654321"},
	})
	sender := testutil.NewMockSender()
	mgr, err := recovery.NewManager(cfg, recovery.NewMemoryStore(), limiter, directory, sender, issuer, audit,
		recovery.WithClock(clock.Now),
		recovery.WithOverrides(overrides),
		recovery.WithRoleLookup(lookup))
	if err != nil {
		t.Fatalf("recovery.NewManager() error = %v", err)
	}
	return &cliEnv{
		cfg:       cfg,
		clock:     clock,
		audit:     audit,
		sender:    sender,
		issuer:    issuer,
		overrides: overrides,
		recovery:  mgr,
	}
}

func createTestFiles(t *testing.T, prefix string) (*os.File, *os.File, func()) {
	t.Helper()

	stdout, err := os.CreateTemp("", prefix+"-stdout-*")
	if err != nil {
		t.Fatalf("failed to create temp stdout: %v", err)
	}

	stderr, err := os.CreateTemp("", prefix+"-stderr-*")
	if err != nil {
		stdout.Close()
		os.Remove(stdout.Name())
		t.Fatalf("failed to create temp stderr: %v", err)
	}

	cleanup := func() {
		stdout.Close()
		stderr.Close()
		os.Remove(stdout.Name())
		os.Remove(stderr.Name())
	}

	return stdout, stderr, cleanup
}

func readTestFile(t *testing.T, f *os.File) string {
	t.Helper()
	content, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	return string(content)
}

func alwaysConfirm(answer bool) func(string) (bool, error) {
	return func(string) (bool, error) { return answer, nil }
}
