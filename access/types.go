// Package access issues short-lived access grants after a successful
// recovery or an approved override.
//
// The bearer token is returned exactly once, from Issue. Only its SHA-256
// digest is stored, and that digest doubles as the grant ID, so a leaked
// store never yields usable tokens.
package access

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// TokenBytes is the number of random bytes in a bearer token.
const TokenBytes = 32

// Source identifies what justified a grant.
type Source string

const (
	// SourceRecovery marks grants issued by a completed recovery request.
	SourceRecovery Source = "recovery"
	// SourceOverride marks grants issued under an administrative override.
	SourceOverride Source = "override"
)

// IsValid returns true if the Source is a known value.
func (s Source) IsValid() bool {
	return s == SourceRecovery || s == SourceOverride
}

// String returns the string representation of the Source.
func (s Source) String() string {
	return string(s)
}

// Grant is a temporary access entitlement.
type Grant struct {
	// ID is the hex SHA-256 of the bearer token.
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Source   Source `json:"source"`
	SourceID string `json:"source_id"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	RevokedAt    time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string    `json:"revoked_by,omitempty"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

var grantIDRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidateGrantID reports whether id has the shape of a grant ID.
func ValidateGrantID(id string) bool {
	return grantIDRegex.MatchString(id)
}

// Validate checks the grant's required fields.
func (g *Grant) Validate() error {
	if !ValidateGrantID(g.ID) {
		return fmt.Errorf("invalid grant ID %q", g.ID)
	}
	if g.UserID == "" {
		return errors.New("user ID is required")
	}
	if !g.Source.IsValid() {
		return fmt.Errorf("invalid source %q", g.Source)
	}
	if g.SourceID == "" {
		return errors.New("source ID is required")
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return errors.New("expiry must be after issue time")
	}
	return nil
}

// IsRevoked reports whether the grant has been revoked.
func (g *Grant) IsRevoked() bool {
	return !g.RevokedAt.IsZero()
}

// IsActive reports whether the grant is usable at now.
func (g *Grant) IsActive(now time.Time) bool {
	return !g.IsRevoked() && now.Before(g.ExpiresAt)
}

// IssuedToken is returned once from Issue. Token is the bearer secret.
type IssuedToken struct {
	Token string `json:"token"`
	Grant *Grant `json:"grant"`
}

// NewToken returns a random hex bearer token.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the grant ID for a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
