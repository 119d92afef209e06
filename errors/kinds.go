// Package errors defines the error taxonomy for account recovery and
// administrative overrides. Every error surfaced by the recovery and override
// managers carries a Kind that callers can switch on, an actionable
// suggestion, and structured context such as the cooldown deadline or the
// number of verification attempts left.
package errors

// Kind classifies a failure. The set is closed: callers are expected to
// switch over it exhaustively.
type Kind string

const (
	// KindRateLimited means the caller exceeded a rate-limit window.
	// Context carries "cooldown_until".
	KindRateLimited Kind = "rate_limited"
	// KindTooManyConcurrent means the user already has the maximum number of
	// open recovery requests.
	KindTooManyConcurrent Kind = "too_many_concurrent_requests"
	// KindInvalidOrExpired means the request is unknown or no longer pending.
	KindInvalidOrExpired Kind = "invalid_or_expired"
	// KindExpired means the request validity window elapsed.
	KindExpired Kind = "expired"
	// KindLocked means the verification attempt budget is exhausted.
	KindLocked Kind = "locked"
	// KindInvalidCredential means the presented secret did not match.
	// Context carries "attempts_remaining".
	KindInvalidCredential Kind = "invalid_credential"
	// KindUnsupportedMethod means the recovery method is unknown or disabled.
	KindUnsupportedMethod Kind = "unsupported_method"
	// KindUnauthorized means the actor lacks the role the action requires,
	// or a required override is missing.
	KindUnauthorized Kind = "unauthorized"
	// KindDispatchFailed means the secret could not be delivered to the user.
	KindDispatchFailed Kind = "dispatch_failed"
	// KindReviewPending means an identity review has not concluded yet.
	KindReviewPending Kind = "review_pending"
	// KindInvalidInput means a caller-supplied value failed validation.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound means the referenced record does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict means the record changed state underneath the caller.
	KindConflict Kind = "conflict"
	// KindAuditUnavailable means the audit trail could not be written and the
	// operation was abandoned.
	KindAuditUnavailable Kind = "audit_unavailable"
	// KindInternal covers storage and infrastructure failures.
	KindInternal Kind = "internal"
)

// IsValid returns true if the Kind is a known value.
func (k Kind) IsValid() bool {
	switch k {
	case KindRateLimited, KindTooManyConcurrent, KindInvalidOrExpired, KindExpired,
		KindLocked, KindInvalidCredential, KindUnsupportedMethod, KindUnauthorized,
		KindDispatchFailed, KindReviewPending, KindInvalidInput, KindNotFound,
		KindConflict, KindAuditUnavailable, KindInternal:
		return true
	}
	return false
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// Retryable reports whether the same call may succeed later without the
// caller changing anything. Rate limits clear after the cooldown, pending
// reviews conclude, and infrastructure failures are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTooManyConcurrent, KindDispatchFailed, KindReviewPending,
		KindConflict, KindAuditUnavailable, KindInternal:
		return true
	case KindInvalidOrExpired, KindExpired, KindLocked, KindInvalidCredential,
		KindUnsupportedMethod, KindUnauthorized, KindInvalidInput, KindNotFound:
		return false
	}
	return false
}

// Code returns the upper-case error code used in API responses.
func (k Kind) Code() string {
	switch k {
	case KindRateLimited:
		return ErrCodeRateLimited
	case KindTooManyConcurrent:
		return ErrCodeTooManyConcurrent
	case KindInvalidOrExpired:
		return ErrCodeInvalidOrExpired
	case KindExpired:
		return ErrCodeExpired
	case KindLocked:
		return ErrCodeLocked
	case KindInvalidCredential:
		return ErrCodeInvalidCredential
	case KindUnsupportedMethod:
		return ErrCodeUnsupportedMethod
	case KindUnauthorized:
		return ErrCodeUnauthorized
	case KindDispatchFailed:
		return ErrCodeDispatchFailed
	case KindReviewPending:
		return ErrCodeReviewPending
	case KindInvalidInput:
		return ErrCodeInvalidInput
	case KindNotFound:
		return ErrCodeNotFound
	case KindConflict:
		return ErrCodeConflict
	case KindAuditUnavailable:
		return ErrCodeAuditUnavailable
	case KindInternal:
		return ErrCodeInternal
	}
	return ErrCodeInternal
}

// Recovery error codes.
const (
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeTooManyConcurrent = "TOO_MANY_CONCURRENT_REQUESTS"
	ErrCodeInvalidOrExpired  = "INVALID_OR_EXPIRED"
	ErrCodeExpired           = "EXPIRED"
	ErrCodeLocked            = "LOCKED"
	ErrCodeInvalidCredential = "INVALID_CREDENTIAL"
	ErrCodeUnsupportedMethod = "UNSUPPORTED_METHOD"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeDispatchFailed    = "DISPATCH_FAILED"
	ErrCodeReviewPending     = "REVIEW_PENDING"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeAuditUnavailable  = "AUDIT_UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL"
)

// AWS infrastructure error codes.
const (
	ErrCodeSSMAccessDenied      = "SSM_ACCESS_DENIED"
	ErrCodeSSMParameterNotFound = "SSM_PARAMETER_NOT_FOUND"
	ErrCodeSSMThrottled         = "SSM_THROTTLED"

	ErrCodeDynamoDBAccessDenied    = "DYNAMODB_ACCESS_DENIED"
	ErrCodeDynamoDBTableNotFound   = "DYNAMODB_TABLE_NOT_FOUND"
	ErrCodeDynamoDBThrottled       = "DYNAMODB_THROTTLED"
	ErrCodeDynamoDBConditionFailed = "DYNAMODB_CONDITION_FAILED"

	ErrCodeSTSError        = "STS_ERROR"
	ErrCodeSTSAccessDenied = "STS_ACCESS_DENIED"
	ErrCodeSTSExpiredToken = "STS_EXPIRED_TOKEN"
)
