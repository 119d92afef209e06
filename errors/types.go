package errors

import (
	"errors"
	"strconv"
	"time"
)

// Context keys attached to recovery errors.
const (
	ContextCooldownUntil     = "cooldown_until"
	ContextAttemptsRemaining = "attempts_remaining"
	ContextRequestID         = "request_id"
	ContextOverrideID        = "override_id"
	ContextMethod            = "method"
	ContextRequiredRole      = "required_role"
)

// RecoveryError provides additional context for error handling.
// It wraps underlying errors with a kind, code and actionable suggestion.
type RecoveryError interface {
	error
	Unwrap() error              // Original error
	Kind() Kind                 // Taxonomy kind (e.g., rate_limited)
	Code() string               // Error code (e.g., "RATE_LIMITED")
	Suggestion() string         // Actionable fix suggestion
	Context() map[string]string // Additional context (cooldown_until, attempts_remaining, ...)
	Retryable() bool            // Whether retrying later may succeed
}

// recoveryError implements the RecoveryError interface.
type recoveryError struct {
	kind       Kind
	code       string
	message    string
	suggestion string
	context    map[string]string
	cause      error
	sentinel   bool
}

// Sentinel values for errors.Is matching by kind.
var (
	ErrRateLimited       = sentinel(KindRateLimited)
	ErrTooManyConcurrent = sentinel(KindTooManyConcurrent)
	ErrInvalidOrExpired  = sentinel(KindInvalidOrExpired)
	ErrExpired           = sentinel(KindExpired)
	ErrLocked            = sentinel(KindLocked)
	ErrInvalidCredential = sentinel(KindInvalidCredential)
	ErrUnsupportedMethod = sentinel(KindUnsupportedMethod)
	ErrUnauthorized      = sentinel(KindUnauthorized)
	ErrDispatchFailed    = sentinel(KindDispatchFailed)
	ErrReviewPending     = sentinel(KindReviewPending)
	ErrInvalidInput      = sentinel(KindInvalidInput)
	ErrNotFound          = sentinel(KindNotFound)
	ErrConflict          = sentinel(KindConflict)
	ErrAuditUnavailable  = sentinel(KindAuditUnavailable)
	ErrInternal          = sentinel(KindInternal)
)

func sentinel(kind Kind) *recoveryError {
	return &recoveryError{
		kind:     kind,
		code:     kind.Code(),
		message:  string(kind),
		sentinel: true,
	}
}

// Error implements the error interface.
func (e *recoveryError) Error() string {
	return e.message
}

// Unwrap returns the underlying cause error.
func (e *recoveryError) Unwrap() error {
	return e.cause
}

// Is matches kind sentinels such as ErrRateLimited.
func (e *recoveryError) Is(target error) bool {
	t, ok := target.(*recoveryError)
	if !ok || !t.sentinel {
		return false
	}
	return t.kind == e.kind
}

// Kind returns the taxonomy kind.
func (e *recoveryError) Kind() Kind {
	return e.kind
}

// Code returns the error code.
func (e *recoveryError) Code() string {
	return e.code
}

// Suggestion returns the actionable fix suggestion.
func (e *recoveryError) Suggestion() string {
	return e.suggestion
}

// Context returns additional context about the error.
func (e *recoveryError) Context() map[string]string {
	return e.context
}

// Retryable reports whether retrying later may succeed.
func (e *recoveryError) Retryable() bool {
	return e.kind.Retryable()
}

// New creates a RecoveryError of the given kind. The suggestion defaults to
// the one registered for the kind's code.
func New(kind Kind, message string, cause error) RecoveryError {
	return &recoveryError{
		kind:       kind,
		code:       kind.Code(),
		message:    message,
		suggestion: Suggestions[kind.Code()],
		context:    make(map[string]string),
		cause:      cause,
	}
}

// NewWithCode creates a RecoveryError with an explicit code and suggestion.
// Used for infrastructure errors whose code is more specific than the kind.
func NewWithCode(kind Kind, code, message, suggestion string, cause error) RecoveryError {
	return &recoveryError{
		kind:       kind,
		code:       code,
		message:    message,
		suggestion: suggestion,
		context:    make(map[string]string),
		cause:      cause,
	}
}

// WithContext adds context to an error and returns a new RecoveryError.
// The original error is not modified.
func WithContext(err RecoveryError, key, value string) RecoveryError {
	existingCtx := err.Context()
	newCtx := make(map[string]string, len(existingCtx)+1)
	for k, v := range existingCtx {
		newCtx[k] = v
	}
	newCtx[key] = value

	return &recoveryError{
		kind:       err.Kind(),
		code:       err.Code(),
		message:    err.Error(),
		suggestion: err.Suggestion(),
		context:    newCtx,
		cause:      err.Unwrap(),
	}
}

// RateLimited returns a rate_limited error carrying the cooldown deadline.
func RateLimited(cooldownUntil time.Time) RecoveryError {
	se := New(KindRateLimited, "too many recovery attempts, retry after "+cooldownUntil.UTC().Format(time.RFC3339), nil)
	return WithContext(se, ContextCooldownUntil, cooldownUntil.UTC().Format(time.RFC3339Nano))
}

// InvalidCredential returns an invalid_credential error carrying the number
// of attempts left before the request locks.
func InvalidCredential(attemptsRemaining int) RecoveryError {
	se := New(KindInvalidCredential, "credential does not match", nil)
	return WithContext(se, ContextAttemptsRemaining, strconv.Itoa(attemptsRemaining))
}

// IsRecoveryError checks if err is or wraps a RecoveryError and returns it.
// If err is nil or carries no RecoveryError, returns (nil, false).
func IsRecoveryError(err error) (RecoveryError, bool) {
	if err == nil {
		return nil, false
	}
	var re RecoveryError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err carries no
// RecoveryError. Returns the empty Kind for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if re, ok := IsRecoveryError(err); ok {
		return re.Kind()
	}
	return KindInternal
}

// GetCode extracts the error code from an error.
// Returns empty string if err is not a RecoveryError.
func GetCode(err error) string {
	if re, ok := IsRecoveryError(err); ok {
		return re.Code()
	}
	return ""
}

// CooldownUntil extracts the cooldown deadline from a rate_limited error.
func CooldownUntil(err error) (time.Time, bool) {
	re, ok := IsRecoveryError(err)
	if !ok {
		return time.Time{}, false
	}
	v, ok := re.Context()[ContextCooldownUntil]
	if !ok {
		return time.Time{}, false
	}
	t, perr := time.Parse(time.RFC3339Nano, v)
	if perr != nil {
		return time.Time{}, false
	}
	return t, true
}

// AttemptsRemaining extracts the remaining attempt count from an
// invalid_credential error.
func AttemptsRemaining(err error) (int, bool) {
	re, ok := IsRecoveryError(err)
	if !ok {
		return 0, false
	}
	v, ok := re.Context()[ContextAttemptsRemaining]
	if !ok {
		return 0, false
	}
	n, perr := strconv.Atoi(v)
	if perr != nil {
		return 0, false
	}
	return n, true
}
