// Package config holds the immutable configuration of the recovery subsystem:
// per-method recovery settings, rate-limit windows, override role policies
// and temporary access lifetime.
//
// A Config is built once (from defaults, a YAML document or an SSM
// parameter), validated, and passed by value into each component's
// constructor. Components never mutate it.
package config

import (
	"time"

	"github.com/byteness/mfa-recovery/roles"
)

// CurrentVersion is the configuration schema version.
const CurrentVersion = "1"

// Recovery method names, as used for map keys in MethodConfigs and RateLimits.
const (
	MethodEmail                = "email"
	MethodSMS                  = "sms"
	MethodIdentityVerification = "identity_verification"
	MethodAdminAssisted        = "admin_assisted"
)

// Override type names, as used for map keys in OverrideConfig.Types.
const (
	OverrideTemporaryDisable = "temporary_disable"
	OverrideResetMFA         = "reset_mfa"
	OverrideEmergencyAccess  = "emergency_access"
	OverrideTrustDevice      = "trust_device"
)

// KnownMethods lists every recovery method name.
var KnownMethods = []string{MethodEmail, MethodSMS, MethodIdentityVerification, MethodAdminAssisted}

// KnownOverrideTypes lists every override type name.
var KnownOverrideTypes = []string{OverrideTemporaryDisable, OverrideResetMFA, OverrideEmergencyAccess, OverrideTrustDevice}

// Default values.
const (
	DefaultMaxOpenRequests        = 3
	DefaultSMSCodeLength          = 6
	DefaultAccessTokenTTL         = time.Hour
	DefaultMinJustificationLength = 20
	DefaultMaxJustificationLength = 1000
)

// Config is the complete recovery subsystem configuration.
type Config struct {
	Version    string          `yaml:"version" json:"version"`
	Recovery   RecoveryConfig  `yaml:"recovery" json:"recovery"`
	RateLimits RateLimitConfig `yaml:"rate_limits" json:"rate_limits"`
	Overrides  OverrideConfig  `yaml:"overrides" json:"overrides"`
	Access     AccessConfig    `yaml:"access" json:"access"`
}

// RecoveryConfig configures the recovery request lifecycle.
type RecoveryConfig struct {
	// MaxOpenRequests caps unexpired pending requests per user.
	MaxOpenRequests int `yaml:"max_open_requests" json:"max_open_requests"`

	// ReviewerRole is the role required to conclude identity reviews.
	ReviewerRole roles.Role `yaml:"reviewer_role" json:"reviewer_role"`

	// Methods holds per-method settings keyed by method name. An entry
	// replaces the default for that method entirely.
	Methods map[string]MethodConfig `yaml:"methods" json:"methods"`
}

// MethodConfig configures a single recovery method.
type MethodConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Validity    time.Duration `yaml:"validity" json:"validity"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	// CodeLength is the numeric code length for sms; ignored for token methods.
	CodeLength int `yaml:"code_length,omitempty" json:"code_length,omitempty"`
}

// RateLimitPolicy bounds attempts in the rolling hourly and daily windows.
type RateLimitPolicy struct {
	Hourly int `yaml:"hourly" json:"hourly"`
	Daily  int `yaml:"daily" json:"daily"`
}

// RateLimitConfig holds rate-limit policies per recovery method plus one
// for override creation (keyed by acting admin).
type RateLimitConfig struct {
	Methods   map[string]RateLimitPolicy `yaml:"methods" json:"methods"`
	Overrides RateLimitPolicy            `yaml:"overrides" json:"overrides"`
}

// OverrideTypePolicy is the role and approval policy for one override type.
type OverrideTypePolicy struct {
	CreateRole            roles.Role    `yaml:"create_role" json:"create_role"`
	ApproveRole           roles.Role    `yaml:"approve_role,omitempty" json:"approve_role,omitempty"`
	RequiresApproval      bool          `yaml:"requires_approval" json:"requires_approval"`
	RequiresJustification bool          `yaml:"requires_justification" json:"requires_justification"`
	DefaultDuration       time.Duration `yaml:"default_duration" json:"default_duration"`
	MaxDuration           time.Duration `yaml:"max_duration" json:"max_duration"`
}

// OverrideConfig configures administrative overrides.
type OverrideConfig struct {
	Types                  map[string]OverrideTypePolicy `yaml:"types" json:"types"`
	RevokeRole             roles.Role                    `yaml:"revoke_role" json:"revoke_role"`
	MinJustificationLength int                           `yaml:"min_justification_length" json:"min_justification_length"`
	MaxJustificationLength int                           `yaml:"max_justification_length" json:"max_justification_length"`
}

// AccessConfig configures temporary access grants.
type AccessConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version: CurrentVersion,
		Recovery: RecoveryConfig{
			MaxOpenRequests: DefaultMaxOpenRequests,
			ReviewerRole:    roles.RoleReviewer,
			Methods: map[string]MethodConfig{
				MethodEmail:                {Enabled: true, Validity: 2 * time.Hour, MaxAttempts: 5},
				MethodSMS:                  {Enabled: true, Validity: 15 * time.Minute, MaxAttempts: 5, CodeLength: DefaultSMSCodeLength},
				MethodIdentityVerification: {Enabled: true, Validity: 7 * 24 * time.Hour, MaxAttempts: 3},
				MethodAdminAssisted:        {Enabled: true, Validity: 24 * time.Hour, MaxAttempts: 3},
			},
		},
		RateLimits: RateLimitConfig{
			Methods: map[string]RateLimitPolicy{
				MethodEmail:                {Hourly: 3, Daily: 10},
				MethodSMS:                  {Hourly: 3, Daily: 10},
				MethodIdentityVerification: {Hourly: 1, Daily: 3},
				MethodAdminAssisted:        {Hourly: 2, Daily: 5},
			},
			Overrides: RateLimitPolicy{Hourly: 10, Daily: 50},
		},
		Overrides: OverrideConfig{
			Types: map[string]OverrideTypePolicy{
				OverrideTemporaryDisable: {
					CreateRole:      roles.RoleAdmin,
					DefaultDuration: 24 * time.Hour,
					MaxDuration:     72 * time.Hour,
				},
				OverrideTrustDevice: {
					CreateRole:      roles.RoleSupport,
					DefaultDuration: 7 * 24 * time.Hour,
					MaxDuration:     30 * 24 * time.Hour,
				},
				OverrideResetMFA: {
					CreateRole:            roles.RoleSuperAdmin,
					ApproveRole:           roles.RoleSuperAdmin,
					RequiresApproval:      true,
					RequiresJustification: true,
					DefaultDuration:       4 * time.Hour,
					MaxDuration:           24 * time.Hour,
				},
				OverrideEmergencyAccess: {
					CreateRole:            roles.RoleSuperAdmin,
					ApproveRole:           roles.RoleSuperAdmin,
					RequiresApproval:      true,
					RequiresJustification: true,
					DefaultDuration:       4 * time.Hour,
					MaxDuration:           24 * time.Hour,
				},
			},
			RevokeRole:             roles.RoleAdmin,
			MinJustificationLength: DefaultMinJustificationLength,
			MaxJustificationLength: DefaultMaxJustificationLength,
		},
		Access: AccessConfig{TokenTTL: DefaultAccessTokenTTL},
	}
}

// Method returns the settings for a recovery method.
func (c Config) Method(name string) (MethodConfig, bool) {
	m, ok := c.Recovery.Methods[name]
	return m, ok
}

// RateLimit returns the rate-limit policy for a recovery method.
func (c Config) RateLimit(name string) (RateLimitPolicy, bool) {
	p, ok := c.RateLimits.Methods[name]
	return p, ok
}

// OverridePolicy returns the policy for an override type.
func (c Config) OverridePolicy(name string) (OverrideTypePolicy, bool) {
	p, ok := c.Overrides.Types[name]
	return p, ok
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.Recovery.Methods = make(map[string]MethodConfig, len(c.Recovery.Methods))
	for k, v := range c.Recovery.Methods {
		out.Recovery.Methods[k] = v
	}
	out.RateLimits.Methods = make(map[string]RateLimitPolicy, len(c.RateLimits.Methods))
	for k, v := range c.RateLimits.Methods {
		out.RateLimits.Methods[k] = v
	}
	out.Overrides.Types = make(map[string]OverrideTypePolicy, len(c.Overrides.Types))
	for k, v := range c.Overrides.Types {
		out.Overrides.Types[k] = v
	}
	return out
}
