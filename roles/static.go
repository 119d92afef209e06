package roles

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StaticLookup resolves roles from a fixed map.
type StaticLookup struct {
	roles map[string][]Role
}

// NewStaticLookup creates a StaticLookup from a user -> roles map.
// The map is copied.
func NewStaticLookup(assignments map[string][]Role) *StaticLookup {
	copied := make(map[string][]Role, len(assignments))
	for user, rs := range assignments {
		copied[user] = append([]Role(nil), rs...)
	}
	return &StaticLookup{roles: copied}
}

// RolesOf returns the roles assigned to userID.
func (l *StaticLookup) RolesOf(_ context.Context, userID string) ([]Role, error) {
	return append([]Role(nil), l.roles[userID]...), nil
}

// Users returns the users with at least one role, sorted.
func (l *StaticLookup) Users() []string {
	users := make([]string, 0, len(l.roles))
	for u := range l.roles {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// roleFile is the YAML layout of a role assignment file:
//
//	users:
//	  alice: [super_admin]
//	  bob: [admin, reviewer]
type roleFile struct {
	Users map[string][]string `yaml:"users"`
}

// ParseStaticLookup parses a YAML role assignment document.
func ParseStaticLookup(data []byte) (*StaticLookup, error) {
	var f roleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roles: %w", err)
	}
	assignments := make(map[string][]Role, len(f.Users))
	for user, names := range f.Users {
		if user == "" {
			return nil, fmt.Errorf("parse roles: empty user name")
		}
		for _, name := range names {
			r, err := Parse(name)
			if err != nil {
				return nil, fmt.Errorf("parse roles for %s: %w", user, err)
			}
			assignments[user] = append(assignments[user], r)
		}
	}
	return &StaticLookup{roles: assignments}, nil
}

// LoadStaticLookup reads and parses a YAML role assignment file.
func LoadStaticLookup(path string) (*StaticLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	return ParseStaticLookup(data)
}

var _ Lookup = (*StaticLookup)(nil)
