// Package audit verifies signed audit trails. It checks every line's HMAC
// against a key ring and cross-checks the decoded events for records that
// should not exist, such as grants with no originating recovery or override.
package audit

import (
	"time"

	"github.com/byteness/mfa-recovery/logging"
)

// VerifyInput selects the events a verification covers.
type VerifyInput struct {
	// StartTime is the beginning of the time window. Zero means unbounded.
	StartTime time.Time
	// EndTime is the end of the time window. Zero means unbounded.
	EndTime time.Time
	// Subject optionally restricts the result to events about one user.
	Subject string
}

// contains reports whether the event falls inside the input's window and
// subject filter.
func (in VerifyInput) contains(e logging.Event) bool {
	if !in.StartTime.IsZero() && e.Timestamp.Before(in.StartTime) {
		return false
	}
	if !in.EndTime.IsZero() && e.Timestamp.After(in.EndTime) {
		return false
	}
	return in.Subject == "" || e.Subject == in.Subject
}

// VerificationResult contains the outcome of verifying an audit trail.
type VerificationResult struct {
	// StartTime is the window start
	StartTime time.Time `json:"start_time,omitempty"`
	// EndTime is the window end
	EndTime time.Time `json:"end_time,omitempty"`
	// TotalLines is the number of non-empty lines read
	TotalLines int `json:"total_lines"`
	// VerifiedEvents is the number of lines with a valid signature inside the window
	VerifiedEvents int `json:"verified_events"`
	// SkippedEvents is the number of valid lines outside the window or subject filter
	SkippedEvents int `json:"skipped_events"`
	// EventCounts counts verified events by type
	EventCounts map[logging.EventType]int `json:"event_counts"`
	// Issues lists problems found during verification
	Issues []Issue `json:"issues,omitempty"`

	// events holds the verified events for the consistency pass.
	events []logging.Event
}

// HasIssues returns true if any issues were found during verification.
func (r *VerificationResult) HasIssues() bool {
	return len(r.Issues) > 0
}

// HasErrors returns true if any error-severity issue was found.
func (r *VerificationResult) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// IntegrityRate returns the percentage of lines whose signature verified.
// Returns 100.0 if there are no lines.
func (r *VerificationResult) IntegrityRate() float64 {
	if r.TotalLines == 0 {
		return 100.0
	}
	return float64(r.VerifiedEvents+r.SkippedEvents) / float64(r.TotalLines) * 100.0
}

// Events returns the verified events inside the window, in trail order.
func (r *VerificationResult) Events() []logging.Event {
	return r.events
}

// Issue represents a problem detected during verification.
type Issue struct {
	// Severity indicates the issue severity ("warning" or "error")
	Severity IssueSeverity `json:"severity"`
	// Type indicates the issue type
	Type IssueType `json:"type"`
	// Line is the 1-based line number, or 0 for consistency findings
	Line int `json:"line,omitempty"`
	// EventID is the audit event ID when it could be decoded
	EventID string `json:"event_id,omitempty"`
	// ResourceID is the request, override or grant the issue concerns
	ResourceID string `json:"resource_id,omitempty"`
	// Message is a human-readable description
	Message string `json:"message"`
}

// IssueSeverity indicates the severity of an issue.
type IssueSeverity string

const (
	// SeverityWarning indicates a finding that should be investigated
	SeverityWarning IssueSeverity = "warning"
	// SeverityError indicates tampering or a policy violation
	SeverityError IssueSeverity = "error"
)

// IsValid returns true if the IssueSeverity is a known value.
func (s IssueSeverity) IsValid() bool {
	return s == SeverityWarning || s == SeverityError
}

// String returns the string representation of the IssueSeverity.
func (s IssueSeverity) String() string {
	return string(s)
}

// IssueType indicates the type of issue detected.
type IssueType string

const (
	// IssueTypeMalformed indicates a line that is not a signed event
	IssueTypeMalformed IssueType = "malformed"
	// IssueTypeInvalidSignature indicates a line whose HMAC does not match
	IssueTypeInvalidSignature IssueType = "invalid_signature"
	// IssueTypeUnknownKey indicates a line signed with a key not in the key ring
	IssueTypeUnknownKey IssueType = "unknown_key"
	// IssueTypeDuplicateEvent indicates an event ID seen more than once
	IssueTypeDuplicateEvent IssueType = "duplicate_event"
	// IssueTypeUnconfirmedGrant indicates an access grant with no originating completion or override
	IssueTypeUnconfirmedGrant IssueType = "unconfirmed_grant"
	// IssueTypeSelfApproval indicates an override approved by its requester
	IssueTypeSelfApproval IssueType = "self_approval"
)

// IsValid returns true if the IssueType is a known value.
func (t IssueType) IsValid() bool {
	switch t {
	case IssueTypeMalformed, IssueTypeInvalidSignature, IssueTypeUnknownKey,
		IssueTypeDuplicateEvent, IssueTypeUnconfirmedGrant, IssueTypeSelfApproval:
		return true
	}
	return false
}

// String returns the string representation of the IssueType.
func (t IssueType) String() string {
	return string(t)
}
