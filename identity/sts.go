package identity

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
)

// STSAPI defines the STS operation used to resolve the caller.
// This interface enables testing with mock implementations.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// GetAWSIdentity calls sts:GetCallerIdentity and parses the returned ARN.
func GetAWSIdentity(ctx context.Context, client STSAPI) (*AWSIdentity, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, recoveryerrors.WrapSTSError(err, "GetCallerIdentity")
	}
	return ParseARN(aws.ToString(out.Arn))
}

// ResolveActor returns the actor ID for the current AWS caller.
func ResolveActor(ctx context.Context, client STSAPI) (string, error) {
	id, err := GetAWSIdentity(ctx, client)
	if err != nil {
		return "", err
	}
	return id.Actor()
}
