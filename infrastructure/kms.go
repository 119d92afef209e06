package infrastructure

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client used to check encryption keys.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// NewKMSClient creates a KMS client from AWS configuration.
func NewKMSClient(cfg aws.Config) KMSAPI {
	return kms.NewFromConfig(cfg)
}

// CheckEncryptionKey confirms that a customer managed key can encrypt new
// tables: it must exist, be enabled, be a symmetric encryption key and not
// be scheduled for deletion.
func CheckEncryptionKey(ctx context.Context, client KMSAPI, keyID string) error {
	out, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return fmt.Errorf("describe KMS key %s: %w", keyID, err)
	}
	meta := out.KeyMetadata
	if meta == nil {
		return fmt.Errorf("KMS key %s: no key metadata returned", keyID)
	}
	switch {
	case meta.KeyState == kmstypes.KeyStatePendingDeletion:
		return fmt.Errorf("KMS key %s is pending deletion; run: aws kms cancel-key-deletion --key-id %s", keyID, keyID)
	case !meta.Enabled:
		return fmt.Errorf("KMS key %s is disabled; run: aws kms enable-key --key-id %s", keyID, keyID)
	case meta.KeyUsage != kmstypes.KeyUsageTypeEncryptDecrypt:
		return fmt.Errorf("KMS key %s has usage %s, want ENCRYPT_DECRYPT", keyID, meta.KeyUsage)
	case meta.KeySpec != "" && meta.KeySpec != kmstypes.KeySpecSymmetricDefault:
		return fmt.Errorf("KMS key %s is %s; DynamoDB requires a symmetric key", keyID, meta.KeySpec)
	}
	return nil
}
