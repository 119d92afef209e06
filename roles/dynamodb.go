package roles

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

// DynamoDBLookup resolves roles from a DynamoDB table.
//
// Table schema:
//   - Partition key: user_id (String)
//   - roles: String Set of role names
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

type roleItem struct {
	UserID string   `dynamodbav:"user_id"`
	Roles  []string `dynamodbav:"roles,stringset"`
}

// RolesOf returns the roles stored for userID. Unknown role names in the
// table are ignored so that a typo cannot grant privileges.
func (l *DynamoDBLookup) RolesOf(ctx context.Context, userID string) ([]Role, error) {
	output, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, recoveryerrors.WrapDynamoDBError(err, l.tableName, "GetItem")
	}
	if output.Item == nil {
		return []Role{}, nil
	}

	var item roleItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal roles: %w", err)
	}

	held := make([]Role, 0, len(item.Roles))
	for _, name := range item.Roles {
		if r := Role(name); r.IsValid() {
			held = append(held, r)
		}
	}
	return held, nil
}

var _ Lookup = (*DynamoDBLookup)(nil)
