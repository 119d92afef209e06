package access

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
	"github.com/byteness/mfa-recovery/logging"
)

var issueTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestIssuer(t *testing.T) (*Issuer, *MemoryStore, *logging.MemoryLogger, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	audit := logging.NewMemoryLogger()
	now := issueTime
	issuer, err := NewIssuer(store, audit, time.Hour, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer, store, audit, &now
}

func TestNewIssuer_Validation(t *testing.T) {
	audit := logging.NewMemoryLogger()
	if _, err := NewIssuer(nil, audit, time.Hour); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewIssuer(NewMemoryStore(), nil, time.Hour); err == nil {
		t.Error("expected error for nil audit logger")
	}
	if _, err := NewIssuer(NewMemoryStore(), audit, 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestIssuer_IssueAndValidate(t *testing.T) {
	ctx := context.Background()
	issuer, store, audit, now := newTestIssuer(t)

	issued, err := issuer.Issue(ctx, "alice", SourceRecovery, "0123456789abcdef")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(issued.Token) != 2*TokenBytes {
		t.Errorf("token length = %d, want %d", len(issued.Token), 2*TokenBytes)
	}
	if issued.Grant.ID != HashToken(issued.Token) {
		t.Error("grant ID should be the token digest")
	}
	if !issued.Grant.ExpiresAt.Equal(issueTime.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v", issued.Grant.ExpiresAt)
	}

	stored, err := store.Get(ctx, issued.Grant.ID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if stored.ID == issued.Token {
		t.Error("store holds the raw token")
	}

	events := audit.EventsOfType(logging.EventAccessIssued)
	if len(events) != 1 || events[0].Subject != "alice" || events[0].Metadata["source"] != "recovery" {
		t.Errorf("audit events = %+v", events)
	}

	grant, err := issuer.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if grant.UserID != "alice" {
		t.Errorf("UserID = %q", grant.UserID)
	}

	*now = issueTime.Add(time.Hour)
	if _, err := issuer.Validate(ctx, issued.Token); !errors.Is(err, recoveryerrors.ErrInvalidOrExpired) {
		t.Errorf("Validate() after expiry error = %v, want invalid_or_expired", err)
	}
}

func TestIssuer_ValidateUnknownToken(t *testing.T) {
	issuer, _, _, _ := newTestIssuer(t)
	if _, err := issuer.Validate(context.Background(), "nope"); !errors.Is(err, recoveryerrors.ErrInvalidOrExpired) {
		t.Errorf("Validate() error = %v, want invalid_or_expired", err)
	}
}

func TestIssuer_AuditFailureDeletesGrant(t *testing.T) {
	ctx := context.Background()
	issuer, store, audit, _ := newTestIssuer(t)
	audit.SetErr(errors.New("audit sink down"))

	issued, err := issuer.Issue(ctx, "alice", SourceOverride, "fedcba9876543210")
	if !errors.Is(err, recoveryerrors.ErrAuditUnavailable) {
		t.Fatalf("Issue() error = %v, want audit_unavailable", err)
	}
	if issued != nil {
		t.Error("Issue() returned a token despite audit failure")
	}
	grants, _ := store.ListByUser(ctx, "alice", 0)
	if len(grants) != 0 {
		t.Errorf("grants left behind = %d", len(grants))
	}
}

func TestIssuer_Revoke(t *testing.T) {
	ctx := context.Background()
	issuer, _, audit, _ := newTestIssuer(t)

	issued, err := issuer.Issue(ctx, "alice", SourceRecovery, "0123456789abcdef")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := issuer.Revoke(ctx, issued.Grant.ID, "secops", "suspicious login"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := issuer.Validate(ctx, issued.Token); err == nil {
		t.Error("revoked token still validates")
	}
	if err := issuer.Revoke(ctx, issued.Grant.ID, "secops", "again"); !errors.Is(err, recoveryerrors.ErrConflict) {
		t.Errorf("second Revoke() error = %v, want conflict", err)
	}
	if err := issuer.Revoke(ctx, HashToken("unknown"), "secops", "x"); !errors.Is(err, recoveryerrors.ErrNotFound) {
		t.Errorf("Revoke(unknown) error = %v, want not_found", err)
	}

	events := audit.EventsOfType(logging.EventAccessRevoked)
	if len(events) != 1 || events[0].Actor != "secops" || events[0].Subject != "alice" {
		t.Errorf("revocation audit = %+v", events)
	}
}

func TestIssuer_ConcurrentRevokeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	issuer, _, _, _ := newTestIssuer(t)
	issued, err := issuer.Issue(ctx, "alice", SourceRecovery, "0123456789abcdef")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	const goroutines = 20
	var succeeded int64
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := issuer.Revoke(ctx, issued.Grant.ID, "secops", "race"); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("successful revokes = %d, want 1", succeeded)
	}
}

func TestIssuer_ListByUser(t *testing.T) {
	ctx := context.Background()
	issuer, _, _, now := newTestIssuer(t)
	for i := 0; i < 3; i++ {
		if _, err := issuer.Issue(ctx, "alice", SourceRecovery, "0123456789abcdef"); err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		*now = now.Add(time.Minute)
	}
	issuer.Issue(ctx, "bob", SourceRecovery, "0123456789abcdef")

	grants, err := issuer.ListByUser(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("len = %d, want 2", len(grants))
	}
	if !grants[0].IssuedAt.After(grants[1].IssuedAt) {
		t.Error("grants should be newest first")
	}
}

func TestIssuer_Withdraw(t *testing.T) {
	ctx := context.Background()
	issuer, _, _, _ := newTestIssuer(t)

	issued, err := issuer.Issue(ctx, "alice", SourceRecovery, "0123456789abcdef")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := issuer.Withdraw(ctx, issued.Grant.ID); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	_, err = issuer.Validate(ctx, issued.Token)
	if !errors.Is(err, recoveryerrors.ErrInvalidOrExpired) {
		t.Errorf("Validate() after withdraw error = %v, want invalid_or_expired", err)
	}
	if err := issuer.Withdraw(ctx, issued.Grant.ID); err != nil {
		t.Errorf("second Withdraw() error = %v, want nil", err)
	}
}
