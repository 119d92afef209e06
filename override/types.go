// Package override implements administrative MFA overrides: staff-issued,
// role-gated, time-bounded grants that bypass or reconfigure a user's MFA.
//
// # Override Lifecycle
//
// Types that require approval start in pending_approval and become active
// only when a second, sufficiently privileged administrator approves them.
// Other types are active from creation.
//
//   - pending_approval -> active (Approve)
//   - pending_approval -> revoked (Revoke)
//   - active -> revoked (Revoke)
//   - any non-revoked state -> expired (ExpiresAt passes)
//
// Revoked and expired are terminal. Expiry is evaluated lazily on every
// read, so a stored IsActive=true is ignored once ExpiresAt has passed.
// Sweep additionally flips the stored flag for reporting.
//
// # Override ID Format
//
// Override IDs are 16-character lowercase hexadecimal strings (64 bits of
// entropy).
package override

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/byteness/mfa-recovery/config"
)

// IDLength is the exact length for override IDs (16 hex chars).
const IDLength = 16

// Type is the kind of override an administrator can issue.
type Type string

const (
	// TypeTemporaryDisable suspends MFA for the target user.
	TypeTemporaryDisable Type = config.OverrideTemporaryDisable
	// TypeResetMFA lets the target user enrol a new MFA factor.
	TypeResetMFA Type = config.OverrideResetMFA
	// TypeEmergencyAccess authorises an admin-assisted recovery.
	TypeEmergencyAccess Type = config.OverrideEmergencyAccess
	// TypeTrustDevice exempts a known device from MFA prompts.
	TypeTrustDevice Type = config.OverrideTrustDevice
)

// IsValid returns true if the Type is a known value.
func (t Type) IsValid() bool {
	switch t {
	case TypeTemporaryDisable, TypeResetMFA, TypeEmergencyAccess, TypeTrustDevice:
		return true
	}
	return false
}

// String returns the string representation of the Type.
func (t Type) String() string {
	return string(t)
}

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown override type %q", s)
	}
	return t, nil
}

// State is the derived lifecycle state of an override at a point in time.
type State string

const (
	StatePendingApproval State = "pending_approval"
	StateActive          State = "active"
	StateRevoked         State = "revoked"
	StateExpired         State = "expired"
)

// IsValid returns true if the State is a known value.
func (s State) IsValid() bool {
	switch s {
	case StatePendingApproval, StateActive, StateRevoked, StateExpired:
		return true
	}
	return false
}

// String returns the string representation of the State.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateRevoked || s == StateExpired
}

// Override is an administrative MFA override.
type Override struct {
	// ID is the unique override identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// TargetUserID is the user whose MFA is affected.
	TargetUserID string `json:"target_user_id"`

	Type Type `json:"type"`

	// RequestedBy is the administrator who created the override.
	RequestedBy string `json:"requested_by"`

	// ApprovedBy is the approving administrator, empty until approved.
	ApprovedBy    string `json:"approved_by,omitempty"`
	ApprovalNotes string `json:"approval_notes,omitempty"`

	// Reason is the justification supplied at creation.
	Reason string `json:"reason,omitempty"`

	// Duration is the requested lifetime. ExpiresAt is CreatedAt+Duration
	// for pending overrides and ApprovedAt+Duration once approved.
	Duration time.Duration `json:"duration"`

	RequiresApproval bool `json:"requires_approval"`

	// IsActive is the stored activation flag. Use EffectivelyActive to
	// decide whether the override currently applies.
	IsActive bool `json:"is_active"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ApprovedAt time.Time `json:"approved_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`

	RevokedAt    time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string    `json:"revoked_by,omitempty"`
	RevokeReason string    `json:"revoke_reason,omitempty"`

	// SweptAt is set when Sweep cleared IsActive after expiry.
	SweptAt time.Time `json:"swept_at,omitempty"`

	// Version is the optimistic concurrency token, incremented by every
	// successful Store.Update.
	Version int64 `json:"version"`
}

// State returns the lifecycle state at now.
func (o *Override) State(now time.Time) State {
	switch {
	case !o.RevokedAt.IsZero():
		return StateRevoked
	case !o.SweptAt.IsZero() || !now.Before(o.ExpiresAt):
		return StateExpired
	case o.IsActive:
		return StateActive
	default:
		return StatePendingApproval
	}
}

// EffectivelyActive reports whether the override applies at now. An
// override past its ExpiresAt is inactive regardless of IsActive.
func (o *Override) EffectivelyActive(now time.Time) bool {
	return o.State(now) == StateActive
}

// View returns a copy with IsActive reflecting lazy expiry at now.
func (o *Override) View(now time.Time) *Override {
	v := *o
	v.IsActive = o.EffectivelyActive(now)
	return &v
}

// storedStatus is the status attribute indexed by stores. It ignores the
// clock; lazy expiry is applied on read.
func (o *Override) storedStatus() State {
	switch {
	case !o.RevokedAt.IsZero():
		return StateRevoked
	case !o.SweptAt.IsZero():
		return StateExpired
	case o.IsActive:
		return StateActive
	default:
		return StatePendingApproval
	}
}

var (
	errMissingID     = errors.New("override id must be 16 lowercase hex characters")
	errMissingTarget = errors.New("target user is required")
	errMissingActor  = errors.New("requesting administrator is required")
	errUnapproved    = errors.New("override requiring approval cannot be active without an approver")
)

// Validate checks structural invariants.
func (o *Override) Validate() error {
	if !ValidateOverrideID(o.ID) {
		return errMissingID
	}
	if o.TargetUserID == "" {
		return errMissingTarget
	}
	if o.RequestedBy == "" {
		return errMissingActor
	}
	if !o.Type.IsValid() {
		return fmt.Errorf("unknown override type %q", o.Type)
	}
	if o.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", o.Duration)
	}
	if o.ExpiresAt.IsZero() || o.CreatedAt.IsZero() {
		return errors.New("created_at and expires_at are required")
	}
	if o.IsActive && o.RequiresApproval && o.ApprovedBy == "" {
		return errUnapproved
	}
	return nil
}

var overrideIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewOverrideID generates a new 16-character lowercase hex override ID.
func NewOverrideID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}

// ValidateOverrideID checks if the given string is a valid override ID.
func ValidateOverrideID(id string) bool {
	return overrideIDRegex.MatchString(id)
}
