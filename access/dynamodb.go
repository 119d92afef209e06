package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GSIUser indexes grants by user_id with issued_at sort key.
const GSIUser = "gsi-user"

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface enables testing with mock implementations.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
//
// Table schema assumptions (created externally):
//   - Partition key: id (String, token digest)
//   - TTL attribute: ttl (Number, Unix timestamp)
//   - GSI: gsi-user (user_id, issued_at)
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDBStore using the provided AWS configuration.
func NewDynamoDBStore(cfg aws.Config, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBStoreWithClient creates a DynamoDBStore with a custom client.
func newDynamoDBStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

type dynamoItem struct {
	ID           string `dynamodbav:"id"`
	UserID       string `dynamodbav:"user_id"`
	Source       string `dynamodbav:"source"`
	SourceID     string `dynamodbav:"source_id"`
	IssuedAt     string `dynamodbav:"issued_at"`  // RFC3339Nano
	ExpiresAt    string `dynamodbav:"expires_at"` // RFC3339Nano
	RevokedAt    string `dynamodbav:"revoked_at,omitempty"`
	RevokedBy    string `dynamodbav:"revoked_by,omitempty"`
	RevokeReason string `dynamodbav:"revoke_reason,omitempty"`
	TTL          int64  `dynamodbav:"ttl"`
}

// grantRetention keeps expired grants around for investigation.
const grantRetention = 30 * 24 * time.Hour

func grantToItem(g *Grant) *dynamoItem {
	item := &dynamoItem{
		ID:           g.ID,
		UserID:       g.UserID,
		Source:       string(g.Source),
		SourceID:     g.SourceID,
		IssuedAt:     g.IssuedAt.Format(time.RFC3339Nano),
		ExpiresAt:    g.ExpiresAt.Format(time.RFC3339Nano),
		RevokedBy:    g.RevokedBy,
		RevokeReason: g.RevokeReason,
		TTL:          g.ExpiresAt.Add(grantRetention).Unix(),
	}
	if !g.RevokedAt.IsZero() {
		item.RevokedAt = g.RevokedAt.Format(time.RFC3339Nano)
	}
	return item
}

func itemToGrant(item *dynamoItem) (*Grant, error) {
	issuedAt, err := time.Parse(time.RFC3339Nano, item.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	g := &Grant{
		ID:           item.ID,
		UserID:       item.UserID,
		Source:       Source(item.Source),
		SourceID:     item.SourceID,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
		RevokedBy:    item.RevokedBy,
		RevokeReason: item.RevokeReason,
	}
	if item.RevokedAt != "" {
		if g.RevokedAt, err = time.Parse(time.RFC3339Nano, item.RevokedAt); err != nil {
			return nil, fmt.Errorf("parse revoked_at: %w", err)
		}
	}
	return g, nil
}

// Create stores a new grant. Returns ErrGrantExists if the ID exists.
func (s *DynamoDBStore) Create(ctx context.Context, grant *Grant) error {
	av, err := attributevalue.MarshalMap(grantToItem(grant))
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%s: %w", grant.ID, ErrGrantExists)
		}
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// Get retrieves a grant by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Grant, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	if output.Item == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrGrantNotFound)
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal grant: %w", err)
	}
	return itemToGrant(&item)
}

// Revoke sets the revocation fields if the grant exists and is not revoked.
func (s *DynamoDBStore) Revoke(ctx context.Context, id, by, reason string, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:    aws.String("SET revoked_at = :at, revoked_by = :by, revoke_reason = :reason"),
		ConditionExpression: aws.String("attribute_exists(id) AND attribute_not_exists(revoked_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":     &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
			":by":     &types.AttributeValueMemberS{Value: by},
			":reason": &types.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrGrantNotFound) {
				return getErr
			} else if getErr != nil {
				return fmt.Errorf("dynamodb UpdateItem condition failed, check exists: %w", getErr)
			}
			return fmt.Errorf("%s: %w", id, ErrAlreadyRevoked)
		}
		return fmt.Errorf("dynamodb UpdateItem: %w", err)
	}
	return nil
}

// Delete removes a grant by ID. No-op if not exists (idempotent).
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb DeleteItem: %w", err)
	}
	return nil
}

// ListByUser returns a user's grants, newest first.
func (s *DynamoDBStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Grant, error) {
	output, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(GSIUser),
		KeyConditionExpression: aws.String("user_id = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(effectiveLimit(limit))),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb Query %s: %w", GSIUser, err)
	}

	grants := make([]*Grant, 0, len(output.Items))
	for _, av := range output.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("unmarshal grant: %w", err)
		}
		g, err := itemToGrant(&item)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

var _ Store = (*DynamoDBStore)(nil)
