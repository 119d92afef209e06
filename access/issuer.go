package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/metrics"
)

// Issuer mints, validates and revokes temporary access grants.
type Issuer struct {
	store   Store
	ttl     time.Duration
	audit   logging.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) IssuerOption {
	return func(i *Issuer) { i.metrics = r }
}

// NewIssuer creates an Issuer. ttl is the lifetime of each grant.
func NewIssuer(store Store, audit logging.Logger, ttl time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	if audit == nil {
		return nil, errors.New("access: audit logger is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("access: ttl must be positive, got %s", ttl)
	}
	i := &Issuer{
		store:   store,
		ttl:     ttl,
		audit:   audit,
		metrics: metrics.NopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured grant lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a grant for userID justified by the given source. The grant is
// persisted and audited before the token is returned; if the audit record
// cannot be written the grant is deleted and an audit_unavailable error is
// returned.
func (i *Issuer) Issue(ctx context.Context, userID string, source Source, sourceID string) (*IssuedToken, error) {
	token, err := NewToken()
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "generate access token", err)
	}

	now := i.now()
	grant := &Grant{
		ID:        HashToken(token),
		UserID:    userID,
		Source:    source,
		SourceID:  sourceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := grant.Validate(); err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, err.Error(), err)
	}

	if err := i.store.Create(ctx, grant); err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "persist access grant", err)
	}

	event := logging.NewEvent(logging.EventAccessIssued, userID, userID, now)
	event.ResourceID = grant.ID
	event = event.With("source", string(source)).
		With("source_id", sourceID).
		With("expires_at", grant.ExpiresAt.UTC().Format(time.RFC3339))
	if err := i.audit.Append(ctx, event); err != nil {
		if delErr := i.store.Delete(ctx, grant.ID); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return nil, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable, access not granted", err)
	}

	i.metrics.GrantIssued(string(source))
	return &IssuedToken{Token: token, Grant: grant}, nil
}

// Validate returns the grant for a bearer token if it is active.
func (i *Issuer) Validate(ctx context.Context, token string) (*Grant, error) {
	grant, err := i.store.Get(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return nil, recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "access token is not valid", nil)
		}
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "load access grant", err)
	}
	if !grant.IsActive(i.now()) {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "access token is expired or revoked", nil)
	}
	return grant, nil
}

// Revoke revokes a grant by ID and audits the revocation.
func (i *Issuer) Revoke(ctx context.Context, grantID, by, reason string) error {
	grant, err := i.store.Get(ctx, grantID)
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return recoveryerrors.WithContext(
				recoveryerrors.New(recoveryerrors.KindNotFound, "access grant not found", err),
				"grant_id", grantID)
		}
		return recoveryerrors.New(recoveryerrors.KindInternal, "load access grant", err)
	}

	now := i.now()
	if err := i.store.Revoke(ctx, grantID, by, reason, now); err != nil {
		if errors.Is(err, ErrAlreadyRevoked) {
			return recoveryerrors.New(recoveryerrors.KindConflict, "access grant already revoked", err)
		}
		return recoveryerrors.New(recoveryerrors.KindInternal, "revoke access grant", err)
	}

	event := logging.NewEvent(logging.EventAccessRevoked, by, grant.UserID, now)
	event.ResourceID = grantID
	event = event.With("reason", reason)
	if err := i.audit.Append(ctx, event); err != nil {
		// The grant remains revoked.
		return recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "grant revoked but audit log unavailable", err)
	}
	return nil
}

// Withdraw deletes a grant whose issuing operation could not be completed.
// Unlike Revoke it leaves no record: the operation that requested the grant
// is responsible for reporting its own failure.
func (i *Issuer) Withdraw(ctx context.Context, grantID string) error {
	if err := i.store.Delete(ctx, grantID); err != nil {
		return recoveryerrors.New(recoveryerrors.KindInternal, "withdraw access grant", err)
	}
	return nil
}

// ListByUser returns a user's grants, newest first.
func (i *Issuer) ListByUser(ctx context.Context, userID string, limit int) ([]*Grant, error) {
	return i.store.ListByUser(ctx, userID, limit)
}
