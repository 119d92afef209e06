// Package contacts resolves the delivery addresses registered for a user.
//
// Recovery secrets are only ever sent to an address held here. Callers of
// the recovery API cannot name a destination of their own.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Channel names understood by every Lookup.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ErrNoContact is returned when the user has no address for a channel.
var ErrNoContact = errors.New("no contact registered")

// Lookup resolves the registered address of userID on a channel.
type Lookup interface {
	ContactOf(ctx context.Context, userID, channel string) (string, error)
}

// Contact is the set of addresses registered for one user.
type Contact struct {
	Email string `yaml:"email"`
	Phone string `yaml:"phone"`
}

// on returns the address for channel, or "" if none is set.
func (c Contact) on(channel string) string {
	switch channel {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	}
	return ""
}

// StaticLookup resolves contacts from a fixed map.
type StaticLookup struct {
	contacts map[string]Contact
}

// NewStaticLookup creates a StaticLookup from a user -> contact map.
// The map is copied.
func NewStaticLookup(entries map[string]Contact) *StaticLookup {
	copied := make(map[string]Contact, len(entries))
	for user, c := range entries {
		copied[user] = c
	}
	return &StaticLookup{contacts: copied}
}

// ContactOf returns the registered address of userID on channel.
func (l *StaticLookup) ContactOf(_ context.Context, userID, channel string) (string, error) {
	addr := l.contacts[userID].on(channel)
	if addr == "" {
		return "", fmt.Errorf("%w: %s has no %s address", ErrNoContact, userID, channel)
	}
	return addr, nil
}

// contactFile is the YAML layout of a contact file:
//
//	users:
//	  alice:
//	    email: alice@example.com
//	    phone: "+15551234567"
type contactFile struct {
	Users map[string]Contact `yaml:"users"`
}

// ParseStaticLookup parses a YAML contact document.
func ParseStaticLookup(data []byte) (*StaticLookup, error) {
	var f contactFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse contacts: %w", err)
	}
	for user := range f.Users {
		if user == "" {
			return nil, fmt.Errorf("parse contacts: empty user name")
		}
	}
	return NewStaticLookup(f.Users), nil
}

// LoadStaticLookup reads and parses a YAML contact file.
func LoadStaticLookup(path string) (*StaticLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}
	return ParseStaticLookup(data)
}

var _ Lookup = (*StaticLookup)(nil)
