package logging

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened in an audit event.
type EventType string

const (
	EventRecoveryInitiated       EventType = "recovery.initiated"
	EventRecoveryVerifyFailed    EventType = "recovery.verify_failed"
	EventRecoveryCompleted       EventType = "recovery.completed"
	EventRecoveryExpired         EventType = "recovery.expired"
	EventRecoveryLocked          EventType = "recovery.locked"
	EventRecoveryRejected        EventType = "recovery.rejected"
	EventRecoveryReviewCompleted EventType = "recovery.review_completed"
	EventRecoveryRolledBack      EventType = "recovery.rolled_back"
	EventRecoveryDenied          EventType = "recovery.denied"

	EventOverrideCreated  EventType = "override.created"
	EventOverrideApproved EventType = "override.approved"
	EventOverrideRevoked  EventType = "override.revoked"
	EventOverrideExpired  EventType = "override.expired"
	EventOverrideDenied   EventType = "override.denied"

	EventAccessIssued  EventType = "access.issued"
	EventAccessRevoked EventType = "access.revoked"
)

var validEventTypes = map[EventType]bool{
	EventRecoveryInitiated:       true,
	EventRecoveryVerifyFailed:    true,
	EventRecoveryCompleted:       true,
	EventRecoveryExpired:         true,
	EventRecoveryLocked:          true,
	EventRecoveryRejected:        true,
	EventRecoveryReviewCompleted: true,
	EventRecoveryRolledBack:      true,
	EventRecoveryDenied:          true,
	EventOverrideCreated:         true,
	EventOverrideApproved:        true,
	EventOverrideRevoked:         true,
	EventOverrideExpired:         true,
	EventOverrideDenied:          true,
	EventAccessIssued:            true,
	EventAccessRevoked:           true,
}

// IsValid returns true if the EventType is a known value.
func (t EventType) IsValid() bool {
	return validEventTypes[t]
}

// String returns the string representation of the EventType.
func (t EventType) String() string {
	return string(t)
}

// Event is a single audit record. Events are append-only: sinks never update
// or delete them.
type Event struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"-"`
	Type      EventType `json:"type" dynamodbav:"type"`

	// Actor is who performed the action: the user for self-service
	// recovery, the administrator for overrides.
	Actor string `json:"actor" dynamodbav:"actor"`
	// Subject is the user whose account the event concerns.
	Subject string `json:"subject" dynamodbav:"subject"`
	// ResourceID is the recovery request, override or grant ID.
	ResourceID string `json:"resource_id,omitempty" dynamodbav:"resource_id,omitempty"`

	Method       string `json:"method,omitempty" dynamodbav:"method,omitempty"`
	OverrideType string `json:"override_type,omitempty" dynamodbav:"override_type,omitempty"`

	Success   bool   `json:"success" dynamodbav:"success"`
	ErrorKind string `json:"error_kind,omitempty" dynamodbav:"error_kind,omitempty"`

	IPAddress string `json:"ip_address,omitempty" dynamodbav:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty" dynamodbav:"user_agent,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh ID and the given timestamp.
func NewEvent(eventType EventType, actor, subject string, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Type:      eventType,
		Actor:     actor,
		Subject:   subject,
		Success:   true,
	}
}

// Failed marks the event as a failure of the given error kind.
func (e Event) Failed(kind string) Event {
	e.Success = false
	e.ErrorKind = kind
	return e
}

// With returns a copy of the event with a metadata key set.
func (e Event) With(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}
