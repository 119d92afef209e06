// Package recovery implements self-service MFA account recovery: a user
// proves their identity through an alternate channel and, on success,
// receives a short-lived access grant standing in for one MFA check.
//
// # Request State Machine
//
//   - pending -> completed (correct credential)
//   - pending -> expired (validity window elapsed)
//   - pending -> rejected (cancelled)
//   - in_progress -> pending (identity review verified)
//   - in_progress -> rejected (identity review rejected, or cancelled)
//   - in_progress -> expired (validity window elapsed)
//
// Terminal states (completed, rejected, expired) cannot transition.
// Identity verification requests start in_progress while a reviewer checks
// the submitted documents; every other method starts pending.
//
// # Request ID Format
//
// Request IDs are 16-character lowercase hexadecimal strings (64 bits of
// entropy).
package recovery

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/byteness/mfa-recovery/config"
)

// RequestIDLength is the exact length for request IDs (16 hex chars).
const RequestIDLength = 16

// Method is a recovery channel.
type Method string

const (
	MethodEmail                Method = config.MethodEmail
	MethodSMS                  Method = config.MethodSMS
	MethodIdentityVerification Method = config.MethodIdentityVerification
	MethodAdminAssisted        Method = config.MethodAdminAssisted
)

// IsValid returns true if the Method is a known value.
func (m Method) IsValid() bool {
	switch m {
	case MethodEmail, MethodSMS, MethodIdentityVerification, MethodAdminAssisted:
		return true
	}
	return false
}

// String returns the string representation of the Method.
func (m Method) String() string {
	return string(m)
}

// SecretKind is the form of secret a method issues.
type SecretKind int

const (
	// SecretToken is a high-entropy opaque token.
	SecretToken SecretKind = iota
	// SecretCode is a short fixed-length numeric code.
	SecretCode
)

// SecretKind returns the kind of secret the method issues.
func (m Method) SecretKind() SecretKind {
	switch m {
	case MethodSMS:
		return SecretCode
	case MethodEmail, MethodIdentityVerification, MethodAdminAssisted:
		return SecretToken
	}
	return SecretToken
}

// Channel names used for secret delivery.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Channel returns the delivery channel for the method's secret.
func (m Method) Channel() string {
	switch m {
	case MethodSMS:
		return ChannelSMS
	case MethodEmail, MethodIdentityVerification, MethodAdminAssisted:
		return ChannelEmail
	}
	return ChannelEmail
}

// Status is the lifecycle state of a recovery request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
)

// IsValid returns true if the Status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status cannot transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ReviewStatus tracks the manual review of an identity verification request.
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending"
	ReviewVerified ReviewStatus = "verified"
	ReviewRejected ReviewStatus = "rejected"
)

// IsValid returns true if the ReviewStatus is a known value.
func (r ReviewStatus) IsValid() bool {
	switch r {
	case ReviewNone, ReviewPending, ReviewVerified, ReviewRejected:
		return true
	}
	return false
}

// Request is a recovery request. The raw secret is never stored: only its
// SHA-256 digest.
type Request struct {
	// ID is the unique request identifier (16 lowercase hex chars).
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Method Method `json:"method"`
	Status Status `json:"status"`

	// SecretHash is the hex SHA-256 of the issued secret.
	SecretHash string `json:"-"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Contact is the email address or E.164 phone number the secret was
	// sent to.
	Contact string `json:"contact"`

	// DocumentRefs reference uploaded identity documents.
	DocumentRefs []string `json:"document_refs,omitempty"`

	// Narrative is the user's account of the emergency (admin_assisted).
	Narrative string `json:"narrative,omitempty"`

	ReviewStatus ReviewStatus `json:"review_status"`
	ReviewedBy   string       `json:"reviewed_by,omitempty"`
	ReviewNotes  string       `json:"review_notes,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Version is the optimistic concurrency token, incremented by every
	// successful Store.Update.
	Version int64 `json:"version"`
}

// IsOpen reports whether the request still counts against the user's
// concurrent request cap at now.
func (r *Request) IsOpen(now time.Time) bool {
	return !r.Status.IsTerminal() && !r.IsExpired(now)
}

// AttemptsRemaining returns how many more verification attempts are allowed.
func (r *Request) AttemptsRemaining() int {
	if n := r.MaxAttempts - r.Attempts; n > 0 {
		return n
	}
	return 0
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusExpired || next == StatusRejected
	case StatusInProgress:
		return next == StatusPending || next == StatusRejected || next == StatusExpired
	}
	return false
}

// CanTransitionTo reports whether moving from the current status to next is
// allowed.
func (r *Request) CanTransitionTo(next Status) bool {
	return r.Status.CanTransitionTo(next)
}

// IsExpired reports whether the validity window has passed at now. A
// request is still valid at exactly ExpiresAt.
func (r *Request) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// View returns a copy without secret material.
func (r *Request) View() *Request {
	v := *r
	v.SecretHash = ""
	if r.DocumentRefs != nil {
		v.DocumentRefs = append([]string(nil), r.DocumentRefs...)
	}
	return &v
}

// Validate checks structural invariants.
func (r *Request) Validate() error {
	if !ValidateRequestID(r.ID) {
		return errors.New("request id must be 16 lowercase hex characters")
	}
	if r.UserID == "" {
		return errors.New("user id is required")
	}
	if !r.Method.IsValid() {
		return fmt.Errorf("unknown method %q", r.Method)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if !r.ReviewStatus.IsValid() {
		return fmt.Errorf("unknown review status %q", r.ReviewStatus)
	}
	if r.SecretHash == "" {
		return errors.New("secret hash is required")
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", r.MaxAttempts)
	}
	if r.Attempts < 0 || r.Attempts > r.MaxAttempts {
		return fmt.Errorf("attempts %d outside [0, %d]", r.Attempts, r.MaxAttempts)
	}
	if r.CreatedAt.IsZero() || r.ExpiresAt.IsZero() {
		return errors.New("created_at and expires_at are required")
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return errors.New("expires_at must be after created_at")
	}
	return nil
}

var requestIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewRequestID generates a new 16-character lowercase hex request ID.
func NewRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}

// ValidateRequestID checks if the given string is a valid request ID.
func ValidateRequestID(id string) bool {
	return requestIDRegex.MatchString(id)
}
