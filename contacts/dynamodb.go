package contacts

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	recoveryerrors "github.com/byteness/mfa-recovery/errors"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBLookup.
type dynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoDBLookup resolves contacts from a DynamoDB table maintained by the
// identity system.
//
// Table schema:
//   - Partition key: user_id (String)
//   - email: String (optional)
//   - phone: String, E.164 (optional)
type DynamoDBLookup struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBLookup creates a DynamoDBLookup using the provided AWS configuration.
func NewDynamoDBLookup(cfg aws.Config, tableName string) *DynamoDBLookup {
	return &DynamoDBLookup{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBLookupWithClient creates a DynamoDBLookup with a custom client.
func newDynamoDBLookupWithClient(client dynamoDBAPI, tableName string) *DynamoDBLookup {
	return &DynamoDBLookup{client: client, tableName: tableName}
}

type contactItem struct {
	UserID string `dynamodbav:"user_id"`
	Email  string `dynamodbav:"email,omitempty"`
	Phone  string `dynamodbav:"phone,omitempty"`
}

// ContactOf returns the registered address of userID on channel.
func (l *DynamoDBLookup) ContactOf(ctx context.Context, userID, channel string) (string, error) {
	output, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", recoveryerrors.WrapDynamoDBError(err, l.tableName, "GetItem")
	}
	if output.Item == nil {
		return "", fmt.Errorf("%w: %s is not registered", ErrNoContact, userID)
	}

	var item contactItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return "", fmt.Errorf("unmarshal contact: %w", err)
	}
	addr := Contact{Email: item.Email, Phone: item.Phone}.on(channel)
	if addr == "" {
		return "", fmt.Errorf("%w: %s has no %s address", ErrNoContact, userID, channel)
	}
	return addr, nil
}

var _ Lookup = (*DynamoDBLookup)(nil)
