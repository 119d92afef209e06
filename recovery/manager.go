package recovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/byteness/mfa-recovery/access"
	"github.com/byteness/mfa-recovery/config"
	"github.com/byteness/mfa-recovery/contacts"
	recoveryerrors "github.com/byteness/mfa-recovery/errors"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/metrics"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/override"
	"github.com/byteness/mfa-recovery/ratelimit"
	"github.com/byteness/mfa-recovery/roles"
)

// maxCASRetries bounds the read-modify-write loop on a single request.
const maxCASRetries = 3

// SystemActor is the actor recorded for expiry sweeps.
const SystemActor = "system"

// MaxNarrativeLength bounds the admin_assisted emergency narrative.
const MaxNarrativeLength = 4000

var phoneRegex = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// InitiateContext carries the method-specific inputs of Initiate. The
// destination of the secret is not among them: it is always the contact
// registered for the user.
type InitiateContext struct {
	// DocumentRefs reference uploaded identity documents. Required for
	// identity_verification.
	DocumentRefs []string

	// Narrative describes the emergency. Required for admin_assisted.
	Narrative string

	IPAddress string
	UserAgent string
}

// InitiateResult is returned by Initiate. It never contains the secret.
type InitiateResult struct {
	RequestID string    `json:"request_id"`
	Method    Method    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
	NextSteps string    `json:"next_steps"`
}

// VerifyContext carries request metadata for Verify.
type VerifyContext struct {
	IPAddress string
	UserAgent string
}

// VerifyResult is returned by a successful Verify.
type VerifyResult struct {
	AccessGranted bool      `json:"access_granted"`
	Token         string    `json:"token"`
	GrantID       string    `json:"grant_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// OverrideChecker finds active administrative overrides. *override.Manager
// implements it.
type OverrideChecker interface {
	FindActive(ctx context.Context, userID string, t override.Type) (*override.Override, error)
}

// AccessIssuer mints temporary access after a completed recovery.
// *access.Issuer implements it.
type AccessIssuer interface {
	Issue(ctx context.Context, userID string, source access.Source, sourceID string) (*access.IssuedToken, error)
	Withdraw(ctx context.Context, grantID string) error
}

// Manager runs the recovery request lifecycle. Every state transition is a
// compare-and-set on the request's status and version and is recorded in the
// audit log. A transition that cannot be audited fails the call; it is never
// undone by moving a request back out of a terminal state.
type Manager struct {
	cfg        config.RecoveryConfig
	store      Store
	limiter    ratelimit.Limiter
	contacts   contacts.Lookup
	sender     notification.Sender
	issuer     AccessIssuer
	audit      logging.Logger
	verifier   Verifier
	overrides  OverrideChecker
	roles      roles.Lookup
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

// WithOverrides sets the override lookup used by admin_assisted recovery.
func WithOverrides(c OverrideChecker) Option {
	return func(m *Manager) { m.overrides = c }
}

// WithRoleLookup sets the role lookup used for identity reviews and
// administrative cancellation.
func WithRoleLookup(l roles.Lookup) Option {
	return func(m *Manager) { m.roles = l }
}

// WithNotifier delivers lifecycle events to n asynchronously.
func WithNotifier(n notification.Notifier) Option {
	return func(m *Manager) { m.dispatcher = notification.NewDispatcher(n) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithVerifier replaces the credential verifier.
func WithVerifier(v Verifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// NewManager creates a Manager. Secrets are delivered only to addresses
// resolved through directory. admin_assisted recovery needs WithOverrides
// and identity_verification needs WithRoleLookup when those methods are
// enabled.
func NewManager(cfg config.Config, store Store, limiter ratelimit.Limiter, directory contacts.Lookup, sender notification.Sender, issuer AccessIssuer, audit logging.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("recovery: store is required")
	}
	if limiter == nil {
		return nil, errors.New("recovery: rate limiter is required")
	}
	if directory == nil {
		return nil, errors.New("recovery: contact lookup is required")
	}
	if sender == nil {
		return nil, errors.New("recovery: sender is required")
	}
	if issuer == nil {
		return nil, errors.New("recovery: access issuer is required")
	}
	if audit == nil {
		return nil, errors.New("recovery: audit logger is required")
	}
	m := &Manager{
		cfg:        cfg.Clone().Recovery,
		store:      store,
		limiter:    limiter,
		contacts:   directory,
		sender:     sender,
		issuer:     issuer,
		audit:      audit,
		verifier:   CredentialVerifier{},
		dispatcher: notification.NewDispatcher(nil),
		metrics:    metrics.NopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if mc, ok := m.cfg.Methods[config.MethodAdminAssisted]; ok && mc.Enabled && m.overrides == nil {
		return nil, errors.New("recovery: admin_assisted is enabled but no override checker is configured")
	}
	if mc, ok := m.cfg.Methods[config.MethodIdentityVerification]; ok && mc.Enabled && m.roles == nil {
		return nil, errors.New("recovery: identity_verification is enabled but no role lookup is configured")
	}
	return m, nil
}

// Wait blocks until pending lifecycle notifications have been attempted.
func (m *Manager) Wait() {
	m.dispatcher.Wait()
}

func (m *Manager) methodConfig(method Method) (config.MethodConfig, bool) {
	if !method.IsValid() {
		return config.MethodConfig{}, false
	}
	mc, ok := m.cfg.Methods[string(method)]
	if !ok || !mc.Enabled {
		return config.MethodConfig{}, false
	}
	return mc, true
}

// deny records a failed operation and returns cause, or an
// audit_unavailable error if the failure itself cannot be recorded.
func (m *Manager) deny(ctx context.Context, event logging.Event, cause recoveryerrors.RecoveryError) error {
	event = event.Failed(string(cause.Kind()))
	if err := m.audit.Append(ctx, event); err != nil {
		return recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable", errors.Join(cause, err))
	}
	return cause
}

func (m *Manager) requestEvent(t logging.EventType, actor string, req *Request, now time.Time) logging.Event {
	event := logging.NewEvent(t, actor, req.UserID, now)
	event.ResourceID = req.ID
	event.Method = string(req.Method)
	return event
}

func withRequestID(err recoveryerrors.RecoveryError, id string) recoveryerrors.RecoveryError {
	return recoveryerrors.WithContext(err, recoveryerrors.ContextRequestID, id)
}

func validateContact(method Method, contact string) error {
	switch method.Channel() {
	case ChannelSMS:
		if !phoneRegex.MatchString(contact) {
			return recoveryerrors.New(recoveryerrors.KindInvalidInput, "phone number must be in E.164 format", nil)
		}
	case ChannelEmail:
		at := strings.LastIndex(contact, "@")
		if at <= 0 || at == len(contact)-1 || strings.ContainsAny(contact, " \t\r\n") {
			return recoveryerrors.New(recoveryerrors.KindInvalidInput, "a valid email address is required", nil)
		}
	}
	return nil
}

func validateInitiate(method Method, ic InitiateContext) error {
	switch method {
	case MethodEmail, MethodSMS:
	case MethodIdentityVerification:
		if len(ic.DocumentRefs) == 0 {
			return recoveryerrors.New(recoveryerrors.KindInvalidInput, "identity verification requires at least one document", nil)
		}
		for _, ref := range ic.DocumentRefs {
			if strings.TrimSpace(ref) == "" {
				return recoveryerrors.New(recoveryerrors.KindInvalidInput, "document references must not be empty", nil)
			}
		}
	case MethodAdminAssisted:
		n := len(strings.TrimSpace(ic.Narrative))
		if n == 0 {
			return recoveryerrors.New(recoveryerrors.KindInvalidInput, "admin-assisted recovery requires a description of the emergency", nil)
		}
		if len(ic.Narrative) > MaxNarrativeLength {
			return recoveryerrors.New(recoveryerrors.KindInvalidInput,
				fmt.Sprintf("narrative exceeds %d characters", MaxNarrativeLength), nil)
		}
	}
	return nil
}

func nextSteps(req *Request, validity time.Duration) string {
	masked := notification.MaskContact(req.Contact)
	switch req.Method {
	case MethodSMS:
		return fmt.Sprintf("Enter the code sent to %s. It expires in %s.", masked, validity)
	case MethodEmail:
		return fmt.Sprintf("Follow the recovery link sent to %s. It expires in %s.", masked, validity)
	case MethodIdentityVerification:
		return fmt.Sprintf("Your documents are being reviewed. Once they are approved, use the token sent to %s.", masked)
	case MethodAdminAssisted:
		return fmt.Sprintf("An administrator must grant emergency access before the token sent to %s can be used.", masked)
	}
	return ""
}

func (m *Manager) dispatch(ctx context.Context, req *Request, secret string) error {
	switch req.Method.Channel() {
	case ChannelSMS:
		return m.sender.SendSMS(ctx, req.Contact, secret)
	default:
		return m.sender.SendEmail(ctx, req.Contact, secret)
	}
}

// Initiate opens a recovery request for userID and delivers its secret
// through the method's channel. The secret is never returned.
//
// Malformed input is rejected before anything is recorded. Disabled methods,
// rate-limit refusals and the open-request cap are audited denials. If the
// request cannot be audited or its secret cannot be delivered it is deleted.
func (m *Manager) Initiate(ctx context.Context, userID string, method Method, ic InitiateContext) (*InitiateResult, error) {
	res, err := m.initiate(ctx, userID, method, ic)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = string(recoveryerrors.KindOf(err))
	}
	m.metrics.RecoveryInitiated(string(method), outcome)
	return res, err
}

func (m *Manager) initiate(ctx context.Context, userID string, method Method, ic InitiateContext) (*InitiateResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "user id is required", nil)
	}

	now := m.now()
	event := logging.NewEvent(logging.EventRecoveryDenied, userID, userID, now)
	event.Method = string(method)
	event.IPAddress = ic.IPAddress
	event.UserAgent = ic.UserAgent

	mc, ok := m.methodConfig(method)
	if !ok {
		return nil, m.deny(ctx, event, recoveryerrors.WithContext(
			recoveryerrors.New(recoveryerrors.KindUnsupportedMethod,
				fmt.Sprintf("recovery method %q is not available", method), nil),
			recoveryerrors.ContextMethod, string(method)))
	}
	if err := validateInitiate(method, ic); err != nil {
		return nil, err
	}

	decision, err := m.limiter.Check(ctx, userID, string(method))
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "rate limiter unavailable", err)
	}
	if !decision.Allowed {
		m.metrics.RateLimited(string(method))
		return nil, m.deny(ctx, event, recoveryerrors.RateLimited(decision.CooldownUntil))
	}

	contact, err := m.contacts.ContactOf(ctx, userID, method.Channel())
	if errors.Is(err, contacts.ErrNoContact) {
		return nil, m.deny(ctx, event.With("channel", method.Channel()), recoveryerrors.WithContext(
			recoveryerrors.New(recoveryerrors.KindUnsupportedMethod,
				fmt.Sprintf("no %s contact is registered for this account", method.Channel()), nil),
			recoveryerrors.ContextMethod, string(method)))
	}
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "look up registered contact", err)
	}
	if err := validateContact(method, contact); err != nil {
		return nil, m.deny(ctx, event.With("channel", method.Channel()), recoveryerrors.WithContext(
			recoveryerrors.New(recoveryerrors.KindUnsupportedMethod,
				fmt.Sprintf("the registered %s contact cannot receive recovery secrets", method.Channel()), err),
			recoveryerrors.ContextMethod, string(method)))
	}

	secret, err := GenerateSecret(method, mc.CodeLength)
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "generate recovery secret", err)
	}

	req := &Request{
		ID:           NewRequestID(),
		UserID:       userID,
		Method:       method,
		Status:       StatusPending,
		SecretHash:   HashSecret(secret),
		MaxAttempts:  mc.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(mc.Validity),
		Contact:      contact,
		DocumentRefs: ic.DocumentRefs,
		Narrative:    ic.Narrative,
		ReviewStatus: ReviewNone,
		IPAddress:    ic.IPAddress,
		UserAgent:    ic.UserAgent,
	}
	if method == MethodIdentityVerification {
		req.Status = StatusInProgress
		req.ReviewStatus = ReviewPending
	}
	if err := req.Validate(); err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "build recovery request", err)
	}

	err = m.store.Create(ctx, req, m.cfg.MaxOpenRequests)
	if errors.Is(err, ErrTooManyOpen) {
		// Overdue requests still hold a slot until they are marked expired.
		var released int
		released, err = m.expireOverdue(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		err = ErrTooManyOpen
		if released > 0 {
			err = m.store.Create(ctx, req, m.cfg.MaxOpenRequests)
		}
	}
	switch {
	case errors.Is(err, ErrTooManyOpen):
		return nil, m.deny(ctx, event.With("max_open_requests", strconv.Itoa(m.cfg.MaxOpenRequests)), tooManyOpen(m.cfg.MaxOpenRequests))
	case errors.Is(err, ErrConcurrentModification):
		return nil, recoveryerrors.New(recoveryerrors.KindConflict, "another recovery request is being opened, retry", err)
	case err != nil:
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "persist recovery request", err)
	}

	decision, err = m.limiter.Record(ctx, userID, string(method))
	if err != nil || !decision.Allowed {
		if delErr := m.store.Delete(ctx, req); delErr != nil {
			err = errors.Join(err, delErr)
		}
		if err != nil {
			return nil, recoveryerrors.New(recoveryerrors.KindInternal, "rate limiter unavailable", err)
		}
		m.metrics.RateLimited(string(method))
		return nil, m.deny(ctx, event, recoveryerrors.RateLimited(decision.CooldownUntil))
	}

	created := m.requestEvent(logging.EventRecoveryInitiated, userID, req, now).
		With("contact", notification.MaskContact(req.Contact)).
		With("status", string(req.Status)).
		With("expires_at", req.ExpiresAt.UTC().Format(time.RFC3339))
	created.IPAddress = ic.IPAddress
	created.UserAgent = ic.UserAgent
	if len(req.DocumentRefs) > 0 {
		created = created.With("documents", strconv.Itoa(len(req.DocumentRefs)))
	}
	if err := m.audit.Append(ctx, created); err != nil {
		if delErr := m.store.Delete(ctx, req); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return nil, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable, recovery not started", err)
	}

	if err := m.dispatch(ctx, req, secret); err != nil {
		cause := withRequestID(recoveryerrors.New(recoveryerrors.KindDispatchFailed,
			fmt.Sprintf("could not deliver recovery secret by %s", req.Method.Channel()), err), req.ID)
		if delErr := m.store.Delete(ctx, req); delErr != nil {
			return nil, recoveryerrors.New(recoveryerrors.KindInternal, "roll back undeliverable request", errors.Join(cause, delErr))
		}
		rolledBack := m.requestEvent(logging.EventRecoveryRolledBack, SystemActor, req, m.now()).
			With("channel", req.Method.Channel())
		return nil, m.deny(ctx, rolledBack, cause)
	}

	return &InitiateResult{
		RequestID: req.ID,
		Method:    req.Method,
		ExpiresAt: req.ExpiresAt,
		NextSteps: nextSteps(req, mc.Validity),
	}, nil
}

func tooManyOpen(limit int) recoveryerrors.RecoveryError {
	return recoveryerrors.New(recoveryerrors.KindTooManyConcurrent,
		fmt.Sprintf("at most %d recovery requests may be open at once", limit), nil)
}

// expireOverdue marks the user's open requests whose validity window has
// passed as expired and returns how many slots were released.
func (m *Manager) expireOverdue(ctx context.Context, userID string, now time.Time) (int, error) {
	reqs, err := m.store.ListByUser(ctx, userID, MaxQueryLimit)
	if err != nil {
		return 0, recoveryerrors.New(recoveryerrors.KindInternal, "list recovery requests", err)
	}
	released := 0
	for _, req := range reqs {
		if req.Status.IsTerminal() || !req.IsExpired(now) {
			continue
		}
		err := m.expire(ctx, req, now, SystemActor)
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// load fetches a request and maps store errors. Unknown and malformed IDs
// are both invalid_or_expired so that probing reveals nothing.
func (m *Manager) load(ctx context.Context, id string) (*Request, error) {
	if !ValidateRequestID(id) {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "recovery request is invalid or expired", nil)
	}
	req, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, withRequestID(recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "recovery request is invalid or expired", err), id)
		}
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "load recovery request", err)
	}
	return req, nil
}

func (m *Manager) facts(ctx context.Context, req *Request) (Facts, error) {
	var f Facts
	if req.Method != MethodAdminAssisted {
		return f, nil
	}
	if m.overrides == nil {
		return f, nil
	}
	o, err := m.overrides.FindActive(ctx, req.UserID, override.TypeEmergencyAccess)
	if err != nil {
		return f, recoveryerrors.New(recoveryerrors.KindInternal, "look up emergency access override", err)
	}
	f.EmergencyOverrideActive = o != nil
	return f, nil
}

// Verify checks a presented credential against a recovery request. On the
// first correct credential the request completes and a temporary access
// token is returned. Of several concurrent correct calls exactly one
// succeeds; the rest fail with invalid_or_expired.
func (m *Manager) Verify(ctx context.Context, requestID, credential string, vc VerifyContext) (*VerifyResult, error) {
	start := m.now()
	res, method, err := m.verify(ctx, requestID, credential, vc)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = string(recoveryerrors.KindOf(err))
	}
	m.metrics.RecoveryVerified(method, outcome, m.now().Sub(start))
	return res, err
}

func (m *Manager) verify(ctx context.Context, requestID, credential string, vc VerifyContext) (*VerifyResult, string, error) {
	method := "unknown"
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		req, err := m.load(ctx, requestID)
		if err != nil {
			return nil, method, err
		}
		method = string(req.Method)
		now := m.now()

		denied := m.requestEvent(logging.EventRecoveryDenied, req.UserID, req, now)
		denied.IPAddress = vc.IPAddress
		denied.UserAgent = vc.UserAgent

		if req.Status.IsTerminal() {
			return nil, method, m.deny(ctx, denied.With("status", string(req.Status)), withRequestID(
				recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "recovery request is no longer pending", nil), req.ID))
		}

		if req.IsExpired(now) {
			err := m.expire(ctx, req, now, req.UserID)
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			if err != nil {
				return nil, method, err
			}
			return nil, method, withRequestID(recoveryerrors.New(recoveryerrors.KindExpired, "recovery request has expired", nil), req.ID)
		}

		if req.Status == StatusInProgress {
			return nil, method, m.deny(ctx, denied, withRequestID(
				recoveryerrors.New(recoveryerrors.KindReviewPending, "identity review has not been completed", nil), req.ID))
		}

		if req.Attempts >= req.MaxAttempts {
			locked := m.requestEvent(logging.EventRecoveryLocked, req.UserID, req, now).
				With("attempts", strconv.Itoa(req.Attempts))
			locked.IPAddress = vc.IPAddress
			locked.UserAgent = vc.UserAgent
			return nil, method, m.deny(ctx, locked, withRequestID(
				recoveryerrors.New(recoveryerrors.KindLocked, "too many failed attempts", nil), req.ID))
		}

		facts, err := m.facts(ctx, req)
		if err != nil {
			return nil, method, err
		}
		result := m.verifier.Verify(req, credential, facts)
		if !result.ConsumesAttempt() {
			if result == ResultOverrideRequired {
				denied = denied.With("required_override", string(override.TypeEmergencyAccess))
			}
			return nil, method, m.deny(ctx, denied, withRequestID(unmet(result), req.ID))
		}

		before := *req
		req.Attempts++
		req.UpdatedAt = now
		if result == ResultMatch {
			req.Status = StatusCompleted
			req.CompletedAt = now
		}
		if err := m.store.Update(ctx, req, before.Status, before.Version); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, method, recoveryerrors.New(recoveryerrors.KindInternal, "update recovery request", err)
		}

		if result != ResultMatch {
			failed := m.requestEvent(logging.EventRecoveryVerifyFailed, req.UserID, req, now).
				Failed(string(recoveryerrors.KindInvalidCredential)).
				With("attempts", strconv.Itoa(req.Attempts))
			failed.IPAddress = vc.IPAddress
			failed.UserAgent = vc.UserAgent
			if err := m.audit.Append(ctx, failed); err != nil {
				// The attempt stays consumed.
				return nil, method, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "audit log unavailable", err)
			}
			return nil, method, withRequestID(recoveryerrors.InvalidCredential(req.AttemptsRemaining()), req.ID)
		}

		res, err := m.complete(ctx, req, vc)
		return res, method, err
	}
	return nil, method, withRequestID(recoveryerrors.New(recoveryerrors.KindConflict,
		"recovery request is being modified concurrently", ErrConcurrentModification), requestID)
}

// unmet maps a verifier result that consumed no attempt to the error
// returned to the caller.
func unmet(result Result) recoveryerrors.RecoveryError {
	switch result {
	case ResultReviewPending:
		return recoveryerrors.New(recoveryerrors.KindReviewPending, "identity review has not been completed", nil)
	case ResultOverrideRequired:
		return recoveryerrors.New(recoveryerrors.KindUnauthorized, "admin-assisted recovery requires active emergency access", nil)
	}
	return recoveryerrors.New(recoveryerrors.KindInternal, fmt.Sprintf("unexpected verification result %s", result), nil)
}

// complete issues access for a request that was just marked completed. The
// request stays completed whatever happens here: if access cannot be issued
// and audited no token is returned and the user starts a new request.
func (m *Manager) complete(ctx context.Context, req *Request, vc VerifyContext) (*VerifyResult, error) {
	issued, err := m.issuer.Issue(ctx, req.UserID, access.SourceRecovery, req.ID)
	if err != nil {
		failed := m.requestEvent(logging.EventRecoveryDenied, SystemActor, req, req.CompletedAt).
			With("stage", "issue_access")
		failed.IPAddress = vc.IPAddress
		failed.UserAgent = vc.UserAgent
		return nil, m.deny(ctx, failed, withRequestID(recoveryerrors.New(recoveryerrors.KindInternal,
			"access could not be issued, start a new recovery request", err), req.ID))
	}

	event := m.requestEvent(logging.EventRecoveryCompleted, req.UserID, req, req.CompletedAt).
		With("grant_id", issued.Grant.ID).
		With("attempts", strconv.Itoa(req.Attempts))
	event.IPAddress = vc.IPAddress
	event.UserAgent = vc.UserAgent
	if err := m.audit.Append(ctx, event); err != nil {
		if wErr := m.issuer.Withdraw(ctx, issued.Grant.ID); wErr != nil {
			err = errors.Join(err, wErr)
		}
		return nil, withRequestID(recoveryerrors.New(recoveryerrors.KindAuditUnavailable,
			"audit log unavailable, access not granted; start a new recovery request", err), req.ID)
	}

	ev := notification.NewEvent(notification.EventRecoveryCompleted, req.UserID, req.UserID, req.ID, req.CompletedAt)
	ev.Details["method"] = string(req.Method)
	ev.Details["contact"] = notification.MaskContact(req.Contact)
	ev.Details["access_expires_at"] = issued.Grant.ExpiresAt.UTC().Format(time.RFC3339)
	m.dispatcher.Dispatch(ev)
	m.noticeCompleted(req, issued.Grant.ExpiresAt)

	return &VerifyResult{
		AccessGranted: true,
		Token:         issued.Token,
		GrantID:       issued.Grant.ID,
		ExpiresAt:     issued.Grant.ExpiresAt,
	}, nil
}

// noticeCompleted tells the user, at their registered contact, that their
// account was recovered.
func (m *Manager) noticeCompleted(req *Request, accessExpiresAt time.Time) {
	n := notification.Notice{
		Subject: "Your account was recovered",
		Body: fmt.Sprintf("Access to your account was recovered by %s at %s. Temporary access ends at %s. "+
			"If this was not you, contact your administrator immediately.",
			strings.ReplaceAll(string(req.Method), "_", " "),
			req.CompletedAt.UTC().Format(time.RFC1123),
			accessExpiresAt.UTC().Format(time.RFC1123)),
	}
	contact := req.Contact
	channel := req.Method.Channel()
	m.dispatcher.Go("recovery notice for "+req.ID, func(ctx context.Context) error {
		if channel == ChannelSMS {
			return m.sender.SendSMSNotice(ctx, contact, n)
		}
		return m.sender.SendEmailNotice(ctx, contact, n)
	})
}

// expire marks an overdue request expired and audits it. It returns
// ErrConcurrentModification if the request changed since it was loaded.
func (m *Manager) expire(ctx context.Context, req *Request, now time.Time, actor string) error {
	from, version := req.Status, req.Version
	req.Status = StatusExpired
	req.UpdatedAt = now
	if err := m.store.Update(ctx, req, from, version); err != nil {
		if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrRequestNotFound) {
			return ErrConcurrentModification
		}
		return recoveryerrors.New(recoveryerrors.KindInternal, "update recovery request", err)
	}
	event := m.requestEvent(logging.EventRecoveryExpired, actor, req, now).
		Failed(string(recoveryerrors.KindExpired)).
		With("expires_at", req.ExpiresAt.UTC().Format(time.RFC3339))
	if err := m.audit.Append(ctx, event); err != nil {
		// Expiry stands.
		return recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "request expired but audit log unavailable", err)
	}
	return nil
}

// mutate runs a compare-and-set loop over a non-terminal request. apply
// inspects the freshly loaded request and either returns an error or
// modifies it in place.
func (m *Manager) mutate(ctx context.Context, id string, apply func(req *Request, now time.Time) error) (before, after *Request, now time.Time, err error) {
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
		err = m.store.Update(ctx, cur, prev.Status, prev.Version)
		if err == nil {
			return &prev, cur, now, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return &prev, nil, now, recoveryerrors.New(recoveryerrors.KindInternal, "update recovery request", err)
		}
	}
	return nil, nil, now, withRequestID(recoveryerrors.New(recoveryerrors.KindConflict,
		"recovery request is being modified concurrently", ErrConcurrentModification), id)
}

func (m *Manager) hasRole(ctx context.Context, actor string, required roles.Role) (bool, error) {
	if m.roles == nil {
		return false, nil
	}
	held, err := m.roles.RolesOf(ctx, actor)
	if err != nil {
		return false, recoveryerrors.New(recoveryerrors.KindInternal, "look up roles", err)
	}
	return roles.HasRole(held, required), nil
}

// failTransition audits a refused CompleteReview or Cancel. Errors raised
// before the request was loaded are returned as is.
func (m *Manager) failTransition(ctx context.Context, actor string, req *Request, now time.Time, attempted string, err error) error {
	re, ok := recoveryerrors.IsRecoveryError(err)
	if !ok || req == nil {
		return err
	}
	switch re.Kind() {
	case recoveryerrors.KindInternal, recoveryerrors.KindInvalidInput:
		return err
	}
	event := m.requestEvent(logging.EventRecoveryDenied, actor, req, now).With("attempted", attempted)
	return m.deny(ctx, event, withRequestID(re, req.ID))
}

// CompleteReview concludes the manual review of an identity verification
// request. A verified review moves the request to pending so the user can
// redeem their token; a rejected review ends it. reviewerID must hold the
// configured reviewer role.
func (m *Manager) CompleteReview(ctx context.Context, requestID, reviewerID string, verified bool, notes string) (*Request, error) {
	if reviewerID == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "reviewer is required", nil)
	}
	before, after, now, err := m.mutate(ctx, requestID, func(req *Request, now time.Time) error {
		if req.Method != MethodIdentityVerification {
			return recoveryerrors.New(recoveryerrors.KindConflict, "request does not require identity review", nil)
		}
		if req.Status != StatusInProgress || req.IsExpired(now) {
			return recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "request is not awaiting review", nil)
		}
		ok, err := m.hasRole(ctx, reviewerID, m.cfg.ReviewerRole)
		if err != nil {
			return err
		}
		if !ok {
			return recoveryerrors.WithContext(
				recoveryerrors.New(recoveryerrors.KindUnauthorized,
					fmt.Sprintf("concluding identity reviews requires role %s", m.cfg.ReviewerRole), nil),
				recoveryerrors.ContextRequiredRole, string(m.cfg.ReviewerRole))
		}
		if reviewerID == req.UserID {
			return recoveryerrors.New(recoveryerrors.KindUnauthorized, "users cannot review their own identity documents", nil)
		}
		req.ReviewedBy = reviewerID
		req.ReviewNotes = notes
		if verified {
			req.ReviewStatus = ReviewVerified
			req.Status = StatusPending
		} else {
			req.ReviewStatus = ReviewRejected
			req.Status = StatusRejected
		}
		return nil
	})
	if err != nil {
		return nil, m.failTransition(ctx, reviewerID, before, now, "review", err)
	}

	event := m.requestEvent(logging.EventRecoveryReviewCompleted, reviewerID, after, now).
		With("review_status", string(after.ReviewStatus))
	if notes != "" {
		event = event.With("notes", notes)
	}
	if err := m.audit.Append(ctx, event); err != nil {
		if !verified {
			return nil, withRequestID(recoveryerrors.New(recoveryerrors.KindAuditUnavailable,
				"request rejected but audit log unavailable", err), after.ID)
		}
		// An approval that was not audited must not be redeemable.
		closed := *after
		closed.Status = StatusRejected
		closed.UpdatedAt = m.now()
		if cErr := m.store.Update(ctx, &closed, after.Status, after.Version); cErr != nil {
			err = errors.Join(err, fmt.Errorf("close request %s: %w", after.ID, cErr))
		}
		return nil, withRequestID(recoveryerrors.New(recoveryerrors.KindAuditUnavailable,
			"audit log unavailable, review not recorded; the request was closed", err), after.ID)
	}

	if !verified {
		m.notifyRejected(after, reviewerID, "identity review rejected", now)
	}
	return after.View(), nil
}

func (m *Manager) notifyRejected(req *Request, actor, reason string, now time.Time) {
	ev := notification.NewEvent(notification.EventRecoveryRejected, req.UserID, actor, req.ID, now)
	ev.Details["method"] = string(req.Method)
	ev.Details["reason"] = reason
	m.dispatcher.Dispatch(ev)
}

// Cancel rejects an open request. The owner may cancel their own request;
// anyone else needs the support role. If the audit record cannot be written
// the request stays rejected and an audit_unavailable error is returned.
func (m *Manager) Cancel(ctx context.Context, requestID, actor, reason string) (*Request, error) {
	if actor == "" {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "acting user is required", nil)
	}
	before, after, now, err := m.mutate(ctx, requestID, func(req *Request, now time.Time) error {
		if req.Status.IsTerminal() || req.IsExpired(now) {
			return recoveryerrors.New(recoveryerrors.KindInvalidOrExpired, "recovery request is no longer open", nil)
		}
		if actor != req.UserID {
			ok, err := m.hasRole(ctx, actor, roles.RoleSupport)
			if err != nil {
				return err
			}
			if !ok {
				return recoveryerrors.WithContext(
					recoveryerrors.New(recoveryerrors.KindUnauthorized, "only the requester or support staff may cancel a recovery request", nil),
					recoveryerrors.ContextRequiredRole, string(roles.RoleSupport))
			}
		}
		req.Status = StatusRejected
		return nil
	})
	if err != nil {
		return nil, m.failTransition(ctx, actor, before, now, "cancel", err)
	}

	event := m.requestEvent(logging.EventRecoveryRejected, actor, after, now).
		With("previous_status", string(before.Status))
	if reason != "" {
		event = event.With("reason", reason)
	}
	if err := m.audit.Append(ctx, event); err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindAuditUnavailable, "request cancelled but audit log unavailable", err)
	}

	if reason == "" {
		reason = "cancelled"
	}
	m.notifyRejected(after, actor, reason, now)
	return after.View(), nil
}

// ExpireStale marks every open request whose validity window has passed as
// expired and returns how many were changed. Requests modified concurrently
// are skipped and picked up by the next sweep.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	now := m.now()
	expired := 0
	for _, status := range []Status{StatusPending, StatusInProgress} {
		candidates, err := m.store.ListExpired(ctx, status, now)
		if err != nil {
			return expired, recoveryerrors.New(recoveryerrors.KindInternal, "list expired recovery requests", err)
		}
		for _, req := range candidates {
			if !req.IsExpired(now) {
				continue
			}
			err := m.expire(ctx, req, now, SystemActor)
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			if err != nil {
				return expired, err
			}
			expired++
		}
	}
	return expired, nil
}

// Get returns a request without its secret digest.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	if !ValidateRequestID(id) {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, "malformed request id", nil)
	}
	req, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, withRequestID(recoveryerrors.New(recoveryerrors.KindNotFound, "recovery request not found", err), id)
		}
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "load recovery request", err)
	}
	return req.View(), nil
}

// ListByUser returns a user's requests, newest first, without secret digests.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	reqs, err := m.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "list recovery requests", err)
	}
	out := make([]*Request, len(reqs))
	for i, r := range reqs {
		out[i] = r.View()
	}
	return out, nil
}

// ListByStatus returns requests with the given status, newest first, without
// secret digests.
func (m *Manager) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if !status.IsValid() {
		return nil, recoveryerrors.New(recoveryerrors.KindInvalidInput, fmt.Sprintf("unknown status %q", status), nil)
	}
	reqs, err := m.store.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, recoveryerrors.New(recoveryerrors.KindInternal, "list recovery requests", err)
	}
	out := make([]*Request, len(reqs))
	for i, r := range reqs {
		out[i] = r.View()
	}
	return out, nil
}
