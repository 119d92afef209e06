// Package identity resolves the AWS caller behind an operator command into
// the actor ID recorded in audit entries and checked against role
// assignments.
//
// Operators authenticate with AWS credentials. The CLI calls
// sts:GetCallerIdentity and derives the actor from the returned ARN:
//
//   - IAM user: arn:aws:iam::123456789012:user/alice -> alice
//   - Assumed role: arn:aws:sts::123456789012:assumed-role/Role/bob -> bob
//   - SSO: arn:aws:sts::123456789012:assumed-role/AWSReservedSSO_X/ops@corp.com -> ops@corp.com
//   - Federated user: arn:aws:sts::123456789012:federated-user/carol -> carol
//
// The account root user is rejected as an actor.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// IdentityType represents the type of AWS identity extracted from an ARN.
type IdentityType string

const (
	// IdentityTypeUser represents an IAM user.
	IdentityTypeUser IdentityType = "user"
	// IdentityTypeAssumedRole represents an assumed role (including SSO).
	IdentityTypeAssumedRole IdentityType = "assumed-role"
	// IdentityTypeFederatedUser represents a federated user.
	IdentityTypeFederatedUser IdentityType = "federated-user"
	// IdentityTypeRoot represents the AWS account root user.
	IdentityTypeRoot IdentityType = "root"
)

var (
	// ErrInvalidARN indicates the ARN format is invalid.
	ErrInvalidARN = errors.New("invalid ARN format")
	// ErrUnsupportedIdentityType indicates the ARN contains an unsupported identity type.
	ErrUnsupportedIdentityType = errors.New("unsupported identity type in ARN")
	// ErrEmptyARN indicates an empty ARN was provided.
	ErrEmptyARN = errors.New("ARN cannot be empty")
	// ErrRootActor indicates the account root user tried to act as an operator.
	ErrRootActor = errors.New("the account root user cannot act as an operator")
)

var validPartitions = map[string]bool{
	"aws":        true,
	"aws-cn":     true,
	"aws-us-gov": true,
}

// AWSIdentity contains the parsed identity information from an AWS ARN.
type AWSIdentity struct {
	// ARN is the full ARN string.
	ARN string
	// AccountID is the 12-digit AWS account ID.
	AccountID string
	// Type is the identity type.
	Type IdentityType
	// ActorID is the normalized name used in role lookups and audit entries.
	// Empty for the root user.
	ActorID string
	// RawName is the unmodified name component of the ARN.
	RawName string
}

// ParseARN parses an AWS ARN and extracts identity information.
func ParseARN(arn string) (*AWSIdentity, error) {
	if arn == "" {
		return nil, ErrEmptyARN
	}

	// arn:partition:service:region:account:resource
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 {
		return nil, fmt.Errorf("%w: expected 6 colon-separated parts, got %d", ErrInvalidARN, len(parts))
	}
	if parts[0] != "arn" {
		return nil, fmt.Errorf("%w: must start with 'arn:'", ErrInvalidARN)
	}
	if !validPartitions[parts[1]] {
		return nil, fmt.Errorf("%w: invalid partition '%s'", ErrInvalidARN, parts[1])
	}
	accountID := parts[4]
	if len(accountID) != 12 || strings.Trim(accountID, "0123456789") != "" {
		return nil, fmt.Errorf("%w: account ID must be 12 digits, got '%s'", ErrInvalidARN, accountID)
	}

	identity := &AWSIdentity{ARN: arn, AccountID: accountID}
	resource := parts[5]

	switch parts[2] {
	case "iam":
		return parseIAMResource(identity, resource)
	case "sts":
		return parseSTSResource(identity, resource)
	default:
		return nil, fmt.Errorf("%w: unsupported service '%s'", ErrUnsupportedIdentityType, parts[2])
	}
}

func parseIAMResource(identity *AWSIdentity, resource string) (*AWSIdentity, error) {
	switch {
	case resource == "root":
		identity.Type = IdentityTypeRoot
		identity.RawName = "root"
		return identity, nil

	case strings.HasPrefix(resource, "user/"):
		identity.Type = IdentityTypeUser
		// user/alice or user/path/to/alice
		userPath := strings.TrimPrefix(resource, "user/")
		pathParts := strings.Split(userPath, "/")
		return withName(identity, pathParts[len(pathParts)-1])

	default:
		return nil, fmt.Errorf("%w: unknown IAM resource type in '%s'", ErrUnsupportedIdentityType, resource)
	}
}

func parseSTSResource(identity *AWSIdentity, resource string) (*AWSIdentity, error) {
	switch {
	case strings.HasPrefix(resource, "assumed-role/"):
		identity.Type = IdentityTypeAssumedRole
		parts := strings.SplitN(strings.TrimPrefix(resource, "assumed-role/"), "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("%w: assumed-role must have format role-name/session-name", ErrInvalidARN)
		}
		return withName(identity, parts[1])

	case strings.HasPrefix(resource, "federated-user/"):
		identity.Type = IdentityTypeFederatedUser
		return withName(identity, strings.TrimPrefix(resource, "federated-user/"))

	default:
		return nil, fmt.Errorf("%w: unknown STS resource type in '%s'", ErrUnsupportedIdentityType, resource)
	}
}

func withName(identity *AWSIdentity, name string) (*AWSIdentity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: %s name is empty", ErrInvalidARN, identity.Type)
	}
	actor, err := NormalizeActor(name)
	if err != nil {
		return nil, fmt.Errorf("normalize %s name: %w", identity.Type, err)
	}
	identity.RawName = name
	identity.ActorID = actor
	return identity, nil
}

// Actor returns the actor ID, rejecting identities that may not act.
func (i *AWSIdentity) Actor() (string, error) {
	if i.Type == IdentityTypeRoot {
		return "", ErrRootActor
	}
	return i.ActorID, nil
}

// IsValid returns true if the identity type is a recognized type.
func (t IdentityType) IsValid() bool {
	switch t {
	case IdentityTypeUser, IdentityTypeAssumedRole, IdentityTypeFederatedUser, IdentityTypeRoot:
		return true
	default:
		return false
	}
}

// String returns the string representation of the identity type.
func (t IdentityType) String() string {
	return string(t)
}
