package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

// IssueSeverity indicates the severity of a validation issue.
type IssueSeverity string

const (
	// SeverityError indicates a problem that blocks loading.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a suspicious setting that still works.
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue represents a single validation problem.
type ValidationIssue struct {
	Severity   IssueSeverity `json:"severity"`
	Location   string        `json:"location"` // e.g., "recovery.methods.sms.validity"
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// ValidationResult contains all validation findings for a configuration.
type ValidationResult struct {
	Source string            `json:"source"`
	Valid  bool              `json:"valid"` // True if no errors (warnings OK)
	Issues []ValidationIssue `json:"issues"`
}

// Errors returns only the error-severity issues.
func (r ValidationResult) Errors() []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			out = append(out, issue)
		}
	}
	return out
}

// Validate returns an error joining every error-severity issue, or nil.
func (c Config) Validate() error {
	result := Check(c, "")
	var errs []error
	for _, issue := range result.Errors() {
		errs = append(errs, fmt.Errorf("%s: %s", issue.Location, issue.Message))
	}
	return errors.Join(errs...)
}

// Check validates c and reports every finding, including warnings.
func Check(c Config, source string) ValidationResult {
	result := ValidationResult{Source: source, Valid: true, Issues: []ValidationIssue{}}
	add := func(sev IssueSeverity, loc, msg, suggestion string) {
		if sev == SeverityError {
			result.Valid = false
		}
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: sev, Location: loc, Message: msg, Suggestion: suggestion,
		})
	}

	checkRecovery(c, add)
	checkRateLimits(c, add)
	checkOverrides(c, add)

	if c.Access.TokenTTL <= 0 {
		add(SeverityError, "access.token_ttl", "must be positive", "use a duration such as 1h")
	} else if c.Access.TokenTTL > 24*time.Hour {
		add(SeverityWarning, "access.token_ttl", "temporary access longer than 24h", "keep recovery grants short-lived")
	}

	return result
}

type addFunc func(sev IssueSeverity, loc, msg, suggestion string)

func checkRecovery(c Config, add addFunc) {
	if c.Recovery.MaxOpenRequests <= 0 {
		add(SeverityError, "recovery.max_open_requests", "must be positive", fmt.Sprintf("the default is %d", DefaultMaxOpenRequests))
	}
	if !c.Recovery.ReviewerRole.IsValid() {
		add(SeverityError, "recovery.reviewer_role", fmt.Sprintf("unknown role %q", c.Recovery.ReviewerRole), "use one of: support, admin, super_admin, reviewer")
	}

	for _, name := range sortedKeys(c.Recovery.Methods) {
		loc := "recovery.methods." + name
		m := c.Recovery.Methods[name]
		if !slices.Contains(KnownMethods, name) {
			add(SeverityError, loc, "unknown recovery method", "use one of: email, sms, identity_verification, admin_assisted")
			continue
		}
		if !m.Enabled {
			continue
		}
		if m.Validity <= 0 {
			add(SeverityError, loc+".validity", "must be positive", "")
		}
		if m.MaxAttempts <= 0 {
			add(SeverityError, loc+".max_attempts", "must be positive", "")
		}
		if name == MethodSMS && (m.CodeLength < 4 || m.CodeLength > 10) {
			add(SeverityError, loc+".code_length", fmt.Sprintf("must be between 4 and 10, got %d", m.CodeLength), "the default is 6")
		}
		if name == MethodSMS && m.Validity > time.Hour {
			add(SeverityWarning, loc+".validity", "numeric codes valid for more than an hour", "keep sms codes short-lived")
		}
		if _, ok := c.RateLimits.Methods[name]; !ok {
			add(SeverityError, "rate_limits.methods."+name, "enabled method has no rate limit", "add hourly and daily limits")
		}
	}
}

func checkRateLimits(c Config, add addFunc) {
	for _, name := range sortedKeys(c.RateLimits.Methods) {
		checkRatePolicy("rate_limits.methods."+name, c.RateLimits.Methods[name], add)
	}
	checkRatePolicy("rate_limits.overrides", c.RateLimits.Overrides, add)
}

func checkRatePolicy(loc string, p RateLimitPolicy, add addFunc) {
	if p.Hourly <= 0 {
		add(SeverityError, loc+".hourly", "must be positive", "")
	}
	if p.Daily <= 0 {
		add(SeverityError, loc+".daily", "must be positive", "")
	}
	if p.Hourly > 0 && p.Daily > 0 && p.Daily < p.Hourly {
		add(SeverityWarning, loc, "daily limit below hourly limit", "the hourly limit can never be reached")
	}
}

func checkOverrides(c Config, add addFunc) {
	if !c.Overrides.RevokeRole.IsValid() {
		add(SeverityError, "overrides.revoke_role", fmt.Sprintf("unknown role %q", c.Overrides.RevokeRole), "")
	}
	if c.Overrides.MinJustificationLength < 0 {
		add(SeverityError, "overrides.min_justification_length", "cannot be negative", "")
	}
	if c.Overrides.MaxJustificationLength < c.Overrides.MinJustificationLength {
		add(SeverityError, "overrides.max_justification_length", "must not be below min_justification_length", "")
	}

	for _, name := range KnownOverrideTypes {
		if _, ok := c.Overrides.Types[name]; !ok {
			add(SeverityError, "overrides.types."+name, "missing policy for override type", "")
		}
	}

	for _, name := range sortedKeys(c.Overrides.Types) {
		loc := "overrides.types." + name
		p := c.Overrides.Types[name]
		if !slices.Contains(KnownOverrideTypes, name) {
			add(SeverityError, loc, "unknown override type", "use one of: temporary_disable, reset_mfa, emergency_access, trust_device")
			continue
		}
		if !p.CreateRole.IsValid() {
			add(SeverityError, loc+".create_role", fmt.Sprintf("unknown role %q", p.CreateRole), "")
		}
		if p.RequiresApproval && !p.ApproveRole.IsValid() {
			add(SeverityError, loc+".approve_role", "approval required but approve_role is not a known role", "")
		}
		if p.MaxDuration <= 0 {
			add(SeverityError, loc+".max_duration", "must be positive", "")
		}
		if p.DefaultDuration <= 0 || (p.MaxDuration > 0 && p.DefaultDuration > p.MaxDuration) {
			add(SeverityError, loc+".default_duration", "must be positive and not exceed max_duration", "")
		}
		if (name == OverrideResetMFA || name == OverrideEmergencyAccess) && !p.RequiresApproval {
			add(SeverityWarning, loc+".requires_approval", "high-impact override without second approval", "enable requires_approval")
		}
		if p.RequiresApproval && p.ApproveRole.IsValid() && p.CreateRole.IsValid() &&
			!p.ApproveRole.Satisfies(p.CreateRole) {
			add(SeverityWarning, loc+".approve_role", "approver tier is below creator tier", "approvers should hold at least the creator's role")
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
