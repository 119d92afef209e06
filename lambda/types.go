// Package lambda exposes the recovery and override managers over an API
// Gateway HTTP API.
//
// Recovery routes are public: the caller is a user who has lost their MFA
// device. Override and review routes require IAM authorization, and the
// acting administrator is derived from the caller's IAM principal.
package lambda

import (
	"errors"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// CallerIdentity represents the IAM identity of the API Gateway caller.
// Extracted from API Gateway v2 HTTP API IAM authorizer context.
type CallerIdentity struct {
	AccountID      string // AWS account ID of the caller
	UserARN        string // Full ARN of the calling IAM principal
	UserID         string // Unique ID of the calling principal
	PrincipalOrgID string // AWS Organizations ID (if applicable)
}

// ErrMissingIAMContext is returned when IAM authorization context is missing from the request.
var ErrMissingIAMContext = errors.New("IAM authorization context is missing or incomplete")

// ExtractCallerIdentity extracts the IAM caller identity from an API Gateway v2 HTTP request.
func ExtractCallerIdentity(req events.APIGatewayV2HTTPRequest) (*CallerIdentity, error) {
	if req.RequestContext.Authorizer == nil {
		return nil, ErrMissingIAMContext
	}
	iam := req.RequestContext.Authorizer.IAM
	if iam == nil || iam.AccountID == "" || iam.UserARN == "" {
		return nil, ErrMissingIAMContext
	}
	return &CallerIdentity{
		AccountID:      iam.AccountID,
		UserARN:        iam.UserARN,
		UserID:         iam.UserID,
		PrincipalOrgID: iam.PrincipalOrgID,
	}, nil
}

// InitiateBody is the JSON body of POST /recovery. Secrets go to the
// contact registered for the user, never to an address in the body.
type InitiateBody struct {
	UserID       string   `json:"user_id"`
	Method       string   `json:"method"`
	DocumentRefs []string `json:"document_refs,omitempty"`
	Narrative    string   `json:"narrative,omitempty"`
}

// InitiateResponse is returned by POST /recovery.
type InitiateResponse struct {
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
	NextSteps string    `json:"next_steps"`
}

// VerifyBody is the JSON body of POST /recovery/{id}/verify.
type VerifyBody struct {
	Credential string `json:"credential"`
}

// VerifyResponse is returned by a successful verification.
type VerifyResponse struct {
	AccessGranted bool      `json:"access_granted"`
	Token         string    `json:"token"`
	GrantID       string    `json:"grant_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ReviewBody is the JSON body of POST /recovery/{id}/review.
type ReviewBody struct {
	Verified bool   `json:"verified"`
	Notes    string `json:"notes,omitempty"`
}

// CreateOverrideBody is the JSON body of POST /overrides.
type CreateOverrideBody struct {
	TargetUserID    string `json:"target_user_id"`
	Type            string `json:"type"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

// CreateOverrideResponse is returned by POST /overrides.
type CreateOverrideResponse struct {
	OverrideID       string    `json:"override_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	RequiresApproval bool      `json:"requires_approval"`
	IsActive         bool      `json:"is_active"`
}

// ApproveBody is the JSON body of POST /overrides/{id}/approve.
type ApproveBody struct {
	Notes string `json:"notes,omitempty"`
}

// RevokeBody is the JSON body of POST /overrides/{id}/revoke.
type RevokeBody struct {
	Reason string `json:"reason"`
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Suggestion        string `json:"suggestion,omitempty"`
	CooldownUntil     string `json:"cooldown_until,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}
