package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/byteness/mfa-recovery/config"
	recoveryerrors "github.com/byteness/mfa-recovery/errors"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/metrics"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/ratelimit"
	"github.com/byteness/mfa-recovery/roles"
)

// maxCASRetries bounds the read-modify-write loop for Approve and Revoke.
const maxCASRetries = 3

// SystemActor is the actor recorded for sweeps.
const SystemActor = "system"

// Metric action labels.
const (
	actionCreate  = "create"
	actionApprove = "approve"
	actionRevoke  = "revoke"
	actionExpire  = "expire"
)

// CreateRequest describes an override to create.
type CreateRequest struct {
	TargetUserID string
	Type         Type
	// Reason is the justification text. Required for types whose policy
	// mandates it.
	Reason string
	// Duration is the requested lifetime. Zero selects the type's default.
	Duration time.Duration

	IPAddress string
	UserAgent string
}

// CreateResult is returned by Create.
type CreateResult struct {
	OverrideID       string
	ExpiresAt        time.Time
	RequiresApproval bool
	IsActive         bool
}

// Manager creates, approves and revokes overrides. Every action is checked
// against the role policy for the override type and recorded in the audit
// log. If the audit log cannot be written the action fails.
type Manager struct {
	cfg        config.OverrideConfig
	store      Store
	roles      roles.Lookup
	audit      logging.Logger
	limiter    ratelimit.Limiter
	dispatcher *notification.Dispatcher
	metrics    metrics.Recorder
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier delivers lifecycle events to n asynchronously.
func WithNotifier(n notification.Notifier) Option {
	return func(m *Manager) { m.dispatcher = notification.NewDispatcher(n) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates a Manager. The configuration is copied; later changes
// to cfg do not affect the Manager.
func NewManager(cfg config.Config, store Store, lookup roles.Lookup, audit logging.Logger, limiter ratelimit.Limiter, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("override: store is required")
	}
	if lookup == nil {
		return nil, errors.New("override: role lookup is required")
	}
	if audit == nil {
		return nil, errors.New("override: audit logger is required")
	}
	if limiter == nil {
		return nil, errors.New("override: rate limiter is required")
	}
	m := &Manager{
		cfg:        cfg.Clone().Overrides,
		store:      store,
		roles:      lookup,
		audit:      audit,
		limiter:    limiter,
		dispatcher: notification.NewDispatcher(nil),
		metrics:    metrics.NopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Wait blocks until pending lifecycle notifications have been attempted.
func (m *Manager) Wait() {
	m.dispatcher.Wait()
}

func (m *Manager) policy(t Type) (config.OverrideTypePolicy, error) {
	if !t.IsValid() {
		return config.OverrideTypePolicy{}, recoveryerrors.New(recoveryerrors.KindInvalidInput,
			fmt.Sprintf("unknown override type %q", t), nil)
	}
	p, ok := m.cfg.Types[string(t)]
	if !ok {
		return config.OverrideTypePolicy{}, recoveryerrors.New(recoveryerrors.KindInvalidInput,
			fmt.Sprintf("override type %q is not configured", t), nil)
	}
	return p, nil
}

// authorize reports whether actor holds required.
func (m *Manager) authorize(ctx context.Context, actor string, required roles.Role) (bool, error) {
	held, err := m.roles.RolesOf(ctx, actor)
	if err != nil {
		return false, recoveryerrors.New(recoveryerrors.KindInternal, "look up administrator roles", err)
	}
	return roles.HasRole(held, required), nil
}

// deny records a failed action and returns cause, or an audit_unavailable
// error if the failure itself cannot be recorded.
func (m *Manager) deny(ctx context.Context, event logging.Event, cause recoveryerrors.RecoveryError) error {
	event = event.Failed(string(cause.Kind()))
	event.Type = logging.EventOverrideDenied
	if err := m.audit.Append(ctx, event); err != nil {
		return recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable", errors.Join(cause, err))
	}
	return cause
}

func unauthorized(msg string, required roles.Role) recoveryerrors.RecoveryError {
	return recoveryerrors.WithContext(
		recoveryerrors.New(recoveryerrors.KindUnauthorized, msg, nil),
		recoveryerrors.ContextRequiredRole, string(required))
}

func (m *Manager) validateReason(reason string, p config.OverrideTypePolicy) error {
	n := len(strings.TrimSpace(reason))
	if p.RequiresJustification {
		if n == 0 {
			return recoveryerrors.New(recoveryerrors.KindInvalidInput, "justification is required for this override type", nil)
		}
		if n < m.cfg.MinJustificationLength {
			return recoveryerrors.New(recoveryerrors.KindInvalidInput,
				fmt.Sprintf("justification must be at least %d characters", m.cfg.MinJustificationLength), nil)
		}
	}
	if m.cfg.MaxJustificationLength > 0 && len(reason) > m.cfg.MaxJustificationLength {
		return recoveryerrors.New(recoveryerrors.KindInvalidInput,
			fmt.Sprintf("justification exceeds %d characters", m.cfg.MaxJustificationLength), nil)
	}
	return nil
}

func (m *Manager) notify(eventType notification.EventType, o *Override, actor string, now time.Time) {
	ev := notification.NewEvent(eventType, o.TargetUserID, actor, o.ID, now)
	ev.Details["override_type"] = string(o.Type)
	ev.Details["expires_at"] = o.ExpiresAt.UTC().Format(time.RFC3339)
	if o.RevokeReason != "" {
		ev.Details["reason"] = o.RevokeReason
	}
	m.dispatcher.Dispatch(ev)
}

// Create validates and persists a new override on behalf of adminID.
//
// Malformed input is rejected before anything is recorded. Authorization and
// rate-limit denials are audited. Overrides of types that require approval
// are stored inactive.
func (m *Manager) Create(ctx context.Context, adminID string, req CreateRequest) (*CreateResult, error) {
	if adminID == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "acting administrator is required", nil)
	}
	if req.TargetUserID == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "target user is required", nil)
	}
	p, err := m.policy(req.Type)
	if err != nil {
		return nil, err
	}
	duration := req.Duration
	if duration == 0 {
		duration = p.DefaultDuration
	}
	if duration < 0 {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "duration must be positive", nil)
	}
	if duration > p.MaxDuration {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput,
			fmt.Sprintf("duration %s exceeds maximum %s for %s", duration, p.MaxDuration, req.Type), nil)
	}
	if err := m.validateReason(req.Reason, p); err != nil {
		return nil, err
	}

	now := m.now()
	event := logging.NewEvent(logging.EventOverrideCreated, adminID, req.TargetUserID, now)
	event.OverrideType = string(req.Type)
	event.IPAddress = req.IPAddress
	event.UserAgent = req.UserAgent

	ok, err := m.authorize(ctx, adminID, p.CreateRole)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.metrics.OverrideAction(string(req.Type), actionCreate, metrics.OutcomeFailure)
		return nil, m.deny(ctx, event, unauthorized(
			fmt.Sprintf("creating %s overrides requires role %s", req.Type, p.CreateRole), p.CreateRole))
	}
	if adminID == req.TargetUserID {
		m.metrics.OverrideAction(string(req.Type), actionCreate, metrics.OutcomeFailure)
		return nil, m.deny(ctx, event.With("rule", "self_override"), recoveryerrors.New(
			recoveryerrors.KindUnauthorized, "administrators cannot create overrides for themselves", nil))
	}

	if err := m.consumeRateLimit(ctx, adminID, req.Type, event); err != nil {
		return nil, err
	}

	o := &Override{
		ID:               NewOverrideID(),
		TargetUserID:     req.TargetUserID,
		Type:             req.Type,
		RequestedBy:      adminID,
		Reason:           req.Reason,
		Duration:         duration,
		RequiresApproval: p.RequiresApproval,
		IsActive:         !p.RequiresApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(duration),
	}
	if err := o.Validate(); err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, err.Error(), err)
	}
	if err := m.store.Create(ctx, o); err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "persist override", err)
	}

	event.ResourceID = o.ID
	event = event.With("requires_approval", fmt.Sprintf("%t", o.RequiresApproval)).
		With("expires_at", o.ExpiresAt.UTC().Format(time.RFC3339)).
		With("reason", o.Reason)
	if err := m.audit.Append(ctx, event); err != nil {
		if delErr := m.store.Delete(ctx, o.ID); delErr != nil {
			err = errors.Join(err, delErr)
		}
		m.metrics.OverrideAction(string(o.Type), actionCreate, metrics.OutcomeFailure)
		return nil, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable, override not created", err)
	}

	m.metrics.OverrideAction(string(o.Type), actionCreate, metrics.OutcomeSuccess)
	m.notify(notification.EventOverrideCreated, o, adminID, now)

	return &CreateResult{
		OverrideID:       o.ID,
		ExpiresAt:        o.ExpiresAt,
		RequiresApproval: o.RequiresApproval,
		IsActive:         o.IsActive,
	}, nil
}

func (m *Manager) consumeRateLimit(ctx context.Context, adminID string, t Type, event logging.Event) error {
	method := ratelimit.OverrideMethod(string(t))
	decision, err := m.limiter.Check(ctx, adminID, method)
	if err == nil && decision.Allowed {
		decision, err = m.limiter.Record(ctx, adminID, method)
	}
	if err != nil {
		return recoveryerrors.New(recoveryerrors.KindInternal, "rate limiter unavailable", err)
	}
	if !decision.Allowed {
		m.metrics.RateLimited(method)
		return m.deny(ctx, event, recoveryerrors.RateLimited(decision.CooldownUntil))
	}
	return nil
}

// load fetches an override and maps store errors.
func (m *Manager) load(ctx context.Context, id string) (*Override, error) {
	if !ValidateOverrideID(id) {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "malformed override id", nil)
	}
	o, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOverrideNotFound) {
			return nil, recoveryerrors.WithContext(
				recoveryerrors.New(recoveryerrors.KindNotFound, "override not found", err),
				recoveryerrors.ContextOverrideID, id)
		}
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "load override", err)
	}
	return o, nil
}

// mutate runs a compare-and-set loop. apply inspects the freshly loaded
// override and either returns an error or modifies it in place.
func (m *Manager) mutate(ctx context.Context, id string, apply func(o *Override, now time.Time) error) (before, after *Override, now time.Time, err error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := m.load(ctx, id)
		if err != nil {
			return nil, nil, time.Time{}, err
		}
		now = m.now()
		prev := *cur
		if err := apply(cur, now); err != nil {
			return &prev, nil, now, err
		}
		cur.UpdatedAt = now
		err = m.store.Update(ctx, cur, prev.Version)
		if err == nil {
			return &prev, cur, now, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return &prev, nil, now, recoveryerrors.New(recoveryerrors.KindInternal, "update override", err)
		}
	}
	return nil, nil, now, recoveryerrors.WithContext(
		recoveryerrors.New(recoveryerrors.KindConflict, "override is being modified concurrently", ErrConcurrentModification),
		recoveryerrors.ContextOverrideID, id)
}

// Approve activates a pending override. The approver must hold the type's
// approve role and must not be the requester. Of two concurrent approvals
// exactly one succeeds; the other fails with a conflict.
func (m *Manager) Approve(ctx context.Context, approverID, overrideID, notes string) (*Override, error) {
	if approverID == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "approver is required", nil)
	}
	before, after, now, err := m.mutate(ctx, overrideID, func(o *Override, now time.Time) error {
		p, err := m.policy(o.Type)
		if err != nil {
			return err
		}
		if !o.RequiresApproval {
			return recoveryerrors.New(recoveryerrors.KindConflict, "override does not require approval", nil)
		}
		switch o.State(now) {
		case StateActive:
			return recoveryerrors.New(recoveryerrors.KindConflict, "override already approved", nil)
		case StateRevoked, StateExpired:
			return recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "override is no longer pending", nil)
		}
		ok, err := m.authorize(ctx, approverID, p.ApproveRole)
		if err != nil {
			return err
		}
		if !ok {
			return unauthorized(fmt.Sprintf("approving %s overrides requires role %s", o.Type, p.ApproveRole), p.ApproveRole)
		}
		if approverID == o.RequestedBy {
			return recoveryerrors.New(recoveryerrors.KindUnauthorized, "approver must differ from requester", nil)
		}
		o.ApprovedBy = approverID
		o.ApprovalNotes = notes
		o.ApprovedAt = now
		o.IsActive = true
		o.ExpiresAt = now.Add(o.Duration)
		return nil
	})
	if err != nil {
		return nil, m.failAction(ctx, logging.EventOverrideApproved, approverID, overrideID, before, actionApprove, now, err)
	}

	event := m.actionEvent(logging.EventOverrideApproved, approverID, after, now).
		With("expires_at", after.ExpiresAt.UTC().Format(time.RFC3339))
	if notes != "" {
		event = event.With("notes", notes)
	}
	if err := m.audit.Append(ctx, event); err != nil {
		// Roll back to the pending state.
		if rbErr := m.store.Update(ctx, before, after.Version); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		m.metrics.OverrideAction(string(after.Type), actionApprove, metrics.OutcomeFailure)
		return nil, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable, approval withdrawn", err)
	}

	m.metrics.OverrideAction(string(after.Type), actionApprove, metrics.OutcomeSuccess)
	m.notify(notification.EventOverrideApproved, after, approverID, now)
	return after.View(now), nil
}

// Revoke deactivates a pending or active override. Revocation is terminal.
// If the audit record cannot be written the override stays revoked and an
// audit_unavailable error is returned.
func (m *Manager) Revoke(ctx context.Context, adminID, overrideID, reason string) (*Override, error) {
	if adminID == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "acting administrator is required", nil)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "revocation reason is required", nil)
	}
	if m.cfg.MaxJustificationLength > 0 && len(reason) > m.cfg.MaxJustificationLength {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput,
			fmt.Sprintf("reason exceeds %d characters", m.cfg.MaxJustificationLength), nil)
	}

	before, after, now, err := m.mutate(ctx, overrideID, func(o *Override, now time.Time) error {
		switch o.State(now) {
		case StateRevoked:
			return recoveryerrors.New(recoveryerrors.KindConflict, "override already revoked", nil)
		case StateExpired:
			return recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "override already expired", nil)
		}
		ok, err := m.authorize(ctx, adminID, m.cfg.RevokeRole)
		if err != nil {
			return err
		}
		if !ok {
			return unauthorized(fmt.Sprintf("revoking overrides requires role %s", m.cfg.RevokeRole), m.cfg.RevokeRole)
		}
		o.IsActive = false
		o.RevokedAt = now
		o.RevokedBy = adminID
		o.RevokeReason = reason
		return nil
	})
	if err != nil {
		return nil, m.failAction(ctx, logging.EventOverrideRevoked, adminID, overrideID, before, actionRevoke, now, err)
	}

	event := m.actionEvent(logging.EventOverrideRevoked, adminID, after, now).
		With("reason", reason).
		With("previous_state", string(before.State(now)))
	if err := m.audit.Append(ctx, event); err != nil {
		m.metrics.OverrideAction(string(after.Type), actionRevoke, metrics.OutcomeFailure)
		return nil, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "override revoked but audit log unavailable", err)
	}

	m.metrics.OverrideAction(string(after.Type), actionRevoke, metrics.OutcomeSuccess)
	m.notify(notification.EventOverrideRevoked, after, adminID, now)
	return after.View(now), nil
}

func (m *Manager) actionEvent(t logging.EventType, actor string, o *Override, now time.Time) logging.Event {
	event := logging.NewEvent(t, actor, o.TargetUserID, now)
	event.ResourceID = o.ID
	event.OverrideType = string(o.Type)
	return event
}

// failAction audits a failed Approve or Revoke. Failures that happen before
// the override could be loaded are caller errors and are returned as is.
func (m *Manager) failAction(ctx context.Context, t logging.EventType, actor, overrideID string, o *Override, action string, now time.Time, err error) error {
	re, ok := recoveryerrors.IsRecoveryError(err)
	if !ok || o == nil {
		return err
	}
	switch re.Kind() {
	case recoveryerrors.KindInternal, recoveryerrors.KindInvalidInput:
		return err
	}
	m.metrics.OverrideAction(string(o.Type), action, metrics.OutcomeFailure)
	event := m.actionEvent(t, actor, o, now).With("attempted", action)
	return m.deny(ctx, event, recoveryerrors.WithContext(re, recoveryerrors.ContextOverrideID, overrideID))
}

// Get returns an override with lazy expiry applied to IsActive.
func (m *Manager) Get(ctx context.Context, id string) (*Override, error) {
	o, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.View(m.now()), nil
}

// FindActive returns the newest effectively active override of type t
// targeting userID, or nil if none exists.
func (m *Manager) FindActive(ctx context.Context, userID string, t Type) (*Override, error) {
	overrides, err := m.store.ListByTarget(ctx, userID, MaxQueryLimit)
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "list overrides", err)
	}
	now := m.now()
	for _, o := range overrides {
		if o.Type == t && o.EffectivelyActive(now) {
			return o.View(now), nil
		}
	}
	return nil, nil
}

// ListByTarget returns a user's overrides, newest first, with lazy expiry
// applied.
func (m *Manager) ListByTarget(ctx context.Context, userID string, limit int) ([]*Override, error) {
	overrides, err := m.store.ListByTarget(ctx, userID, limit)
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "list overrides", err)
	}
	now := m.now()
	out := make([]*Override, len(overrides))
	for i, o := range overrides {
		out[i] = o.View(now)
	}
	return out, nil
}

// Sweep clears the stored IsActive flag of overrides whose ExpiresAt has
// passed and records an expiry audit event for each. It returns the number
// of overrides swept. Overrides modified concurrently are skipped and picked
// up by the next sweep.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	swept := 0
	for _, status := range []State{StateActive, StatePendingApproval} {
		candidates, err := m.store.ListExpired(ctx, status, now)
		if err != nil {
			return swept, recoveryerrors.New(recoveryerrors.KindInternal, "list overrides", err)
		}
		for _, o := range candidates {
			version := o.Version
			wasActive := o.IsActive
			o.IsActive = false
			o.SweptAt = now
			o.UpdatedAt = now
			if err := m.store.Update(ctx, o, version); err != nil {
				if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrOverrideNotFound) {
					continue
				}
				return swept, recoveryerrors.New(recoveryerrors.KindInternal, "update override", err)
			}
			event := m.actionEvent(logging.EventOverrideExpired, SystemActor, o, now).
				With("was_active", fmt.Sprintf("%t", wasActive))
			if err := m.audit.Append(ctx, event); err != nil {
				return swept, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable", err)
			}
			m.metrics.OverrideAction(string(o.Type), actionExpire, metrics.OutcomeSuccess)
			swept++
		}
	}
	return swept, nil
}
