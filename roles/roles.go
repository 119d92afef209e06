// Package roles resolves the administrative roles held by a user.
//
// Roles form a privilege chain (support < admin < super_admin); holding a
// higher tier satisfies any requirement for a lower one. The reviewer role
// sits outside the chain and is only satisfied by itself.
package roles

import (
	"context"
	"errors"
	"fmt"
)

// Role is an administrative role name.
type Role string

const (
	// RoleSupport is the lowest administrative tier.
	RoleSupport Role = "support"
	// RoleAdmin is the standard administrator tier.
	RoleAdmin Role = "admin"
	// RoleSuperAdmin is the highest privilege tier.
	RoleSuperAdmin Role = "super_admin"
	// RoleReviewer may conclude identity-verification reviews.
	RoleReviewer Role = "reviewer"
)

// ErrUnknownRole is returned when parsing an unrecognised role name.
var ErrUnknownRole = errors.New("unknown role")

// IsValid returns true if the Role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleSupport, RoleAdmin, RoleSuperAdmin, RoleReviewer:
		return true
	}
	return false
}

// String returns the string representation of the Role.
func (r Role) String() string {
	return string(r)
}

// tier returns the position of r in the privilege chain, or 0 for roles
// outside the chain.
func (r Role) tier() int {
	switch r {
	case RoleSupport:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	}
	return 0
}

// Satisfies reports whether holding r meets the required role.
func (r Role) Satisfies(required Role) bool {
	if r == required {
		return true
	}
	rt, qt := r.tier(), required.tier()
	return rt > 0 && qt > 0 && rt >= qt
}

// Parse converts a string into a Role.
func Parse(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// HasRole reports whether any of held satisfies required.
func HasRole(held []Role, required Role) bool {
	for _, r := range held {
		if r.Satisfies(required) {
			return true
		}
	}
	return false
}

// Lookup resolves the roles held by a user.
// Implementations must be safe for concurrent use.
type Lookup interface {
	// RolesOf returns the roles held by userID. A user with no roles yields an
	// empty slice and a nil error.
	RolesOf(ctx context.Context, userID string) ([]Role, error)
}
