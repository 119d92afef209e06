package lambda

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/byteness/mfa-recovery/access"
	"github.com/byteness/mfa-recovery/logging"
)

// Authorizer environment variables.
const (
	// EnvAuthorizerGrantTable is the DynamoDB table name for grant lookup.
	EnvAuthorizerGrantTable = EnvGrantTable
)

// Token headers, checked in order.
const (
	headerAuthorization = "Authorization"
	headerRecoveryToken = "X-Recovery-Token"
)

// Errors returned by the Lambda authorizer.
var (
	ErrMissingToken     = errors.New("missing access token in request")
	ErrGrantTableNotSet = errors.New(EnvGrantTable + " not configured")
)

// GrantValidator resolves a bearer token to an active grant.
type GrantValidator interface {
	Validate(ctx context.Context, token string) (*access.Grant, error)
}

// GrantAuthorizer handles Lambda authorizer requests for downstream APIs
// that accept temporary access tokens.
//
// Usage pattern:
//  1. A completed recovery or override returns a bearer token
//  2. The downstream API attaches this authorizer
//  3. The authorizer allows only active, unrevoked, unexpired grants
//  4. Revocation takes effect on the next request
type GrantAuthorizer struct {
	validator GrantValidator
}

// NewGrantAuthorizer creates a GrantAuthorizer backed by validator.
func NewGrantAuthorizer(validator GrantValidator) *GrantAuthorizer {
	return &GrantAuthorizer{validator: validator}
}

// NewGrantAuthorizerFromEnv creates a GrantAuthorizer using environment variables.
// Returns error if RECOVERY_GRANT_TABLE is not set.
func NewGrantAuthorizerFromEnv(ctx context.Context) (*GrantAuthorizer, error) {
	tableName := os.Getenv(EnvAuthorizerGrantTable)
	if tableName == "" {
		return nil, ErrGrantTableNotSet
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Validation never writes audit events, and the TTL only applies to Issue.
	issuer, err := access.NewIssuer(access.NewDynamoDBStore(awsCfg, tableName), logging.NewNopLogger(), time.Minute)
	if err != nil {
		return nil, err
	}
	return NewGrantAuthorizer(issuer), nil
}

// HandleRequest processes a Lambda authorizer request. Any failure denies.
func (a *GrantAuthorizer) HandleRequest(ctx context.Context, req events.APIGatewayV2CustomAuthorizerV2Request) (events.APIGatewayV2CustomAuthorizerSimpleResponse, error) {
	token := extractToken(req.Headers)
	if token == "" {
		log.Printf("DENY: No access token found in request")
		return denyResponse(), nil
	}

	grant, err := a.validator.Validate(ctx, token)
	if err != nil {
		log.Printf("DENY: %v", err)
		return denyResponse(), nil
	}

	log.Printf("ALLOW: Grant %s for user %s (%s)", grant.ID, grant.UserID, grant.Source)
	return events.APIGatewayV2CustomAuthorizerSimpleResponse{
		IsAuthorized: true,
		Context: map[string]interface{}{
			"user_id":    grant.UserID,
			"grant_id":   grant.ID,
			"source":     grant.Source.String(),
			"expires_at": grant.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// extractToken reads the bearer token from the Authorization header, falling
// back to X-Recovery-Token. Header names are matched case-insensitively.
func extractToken(headers map[string]string) string {
	var bearer, fallback string
	for key, value := range headers {
		switch {
		case strings.EqualFold(key, headerAuthorization):
			scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
			if ok && strings.EqualFold(scheme, "Bearer") {
				bearer = strings.TrimSpace(token)
			}
		case strings.EqualFold(key, headerRecoveryToken):
			fallback = strings.TrimSpace(value)
		}
	}
	if bearer != "" {
		return bearer
	}
	return fallback
}

func denyResponse() events.APIGatewayV2CustomAuthorizerSimpleResponse {
	return events.APIGatewayV2CustomAuthorizerSimpleResponse{IsAuthorized: false}
}
