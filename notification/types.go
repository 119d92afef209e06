package notification

import (
	"time"
)

// EventType represents the type of lifecycle event.
type EventType string

const (
	// EventRecoveryCompleted is emitted after a successful recovery verification.
	EventRecoveryCompleted EventType = "recovery.completed"
	// EventRecoveryRejected is emitted when an identity review fails or a request is cancelled.
	EventRecoveryRejected EventType = "recovery.rejected"
	// EventOverrideCreated is emitted when an override is created.
	EventOverrideCreated EventType = "override.created"
	// EventOverrideApproved is emitted when a pending override is approved.
	EventOverrideApproved EventType = "override.approved"
	// EventOverrideRevoked is emitted when an override is revoked.
	EventOverrideRevoked EventType = "override.revoked"
)

// IsValid returns true if the EventType is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventRecoveryCompleted, EventRecoveryRejected, EventOverrideCreated,
		EventOverrideApproved, EventOverrideRevoked:
		return true
	}
	return false
}

// String returns the string representation of the EventType.
func (t EventType) String() string {
	return string(t)
}

// Event is a lifecycle notification. It never carries secrets: Details
// holds descriptive fields such as the method or override type.
type Event struct {
	Type EventType `json:"type"`

	// Subject is the user whose account is affected.
	Subject string `json:"subject"`

	// Actor is who triggered the event: the user for self-service
	// recovery, the administrator for overrides.
	Actor string `json:"actor"`

	// ResourceID is the recovery request or override ID.
	ResourceID string `json:"resource_id"`

	Timestamp time.Time `json:"timestamp"`

	Details map[string]string `json:"details,omitempty"`
}

// NewEvent creates a new lifecycle event at the given time.
func NewEvent(eventType EventType, subject, actor, resourceID string, now time.Time) *Event {
	return &Event{
		Type:       eventType,
		Subject:    subject,
		Actor:      actor,
		ResourceID: resourceID,
		Timestamp:  now.UTC(),
		Details:    make(map[string]string),
	}
}
