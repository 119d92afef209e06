package identity

import (
	"errors"
	"strings"
)

// MaxActorLength bounds actor IDs. It matches the STS session-name and
// IAM user-name ceilings with room for an email address.
const MaxActorLength = 128

var (
	// ErrEmptyActor indicates the actor ID is empty.
	ErrEmptyActor = errors.New("actor cannot be empty")
	// ErrActorTooLong indicates the actor exceeds MaxActorLength.
	ErrActorTooLong = errors.New("actor exceeds maximum length of 128 characters")
	// ErrInvalidActorChars indicates the actor contains characters outside the allowed set.
	ErrInvalidActorChars = errors.New("actor may contain only letters, digits and +=,.@_-")
)

// NormalizeActor lower-cases and validates an actor ID. IAM names are case
// insensitive, so Alice and alice resolve to the same role assignment.
func NormalizeActor(name string) (string, error) {
	actor := strings.ToLower(strings.TrimSpace(name))
	if actor == "" {
		return "", ErrEmptyActor
	}
	if len(actor) > MaxActorLength {
		return "", ErrActorTooLong
	}
	for _, r := range actor {
		if !isActorRune(r) {
			return "", ErrInvalidActorChars
		}
	}
	return actor, nil
}

func isActorRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("+=,.@_-", r):
		return true
	}
	return false
}
