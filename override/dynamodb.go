package override

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GSI names for query operations.
const (
	// GSITarget indexes overrides by target_user_id with created_at sort key.
	GSITarget = "gsi-target"
	// GSIStatus indexes overrides by status with created_at sort key.
	GSIStatus = "gsi-status"
)

// overrideRetention keeps lapsed overrides for investigation before TTL
// deletion.
const overrideRetention = 90 * 24 * time.Hour

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface enables testing with mock implementations.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB with optimistic locking
// on a numeric version attribute.
//
// Table schema assumptions (created externally):
//   - Partition key: id (String)
//   - TTL attribute: ttl (Number, Unix timestamp)
//   - GSI: gsi-target (target_user_id, created_at)
//   - GSI: gsi-status (status, created_at)
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
	ID               string `dynamodbav:"id"`
	TargetUserID     string `dynamodbav:"target_user_id"`
	Type             string `dynamodbav:"type"`
	Status           string `dynamodbav:"status"`
	RequestedBy      string `dynamodbav:"requested_by"`
	ApprovedBy       string `dynamodbav:"approved_by,omitempty"`
	ApprovalNotes    string `dynamodbav:"approval_notes,omitempty"`
	Reason           string `dynamodbav:"reason,omitempty"`
	Duration         int64  `dynamodbav:"duration"` // nanoseconds
	RequiresApproval bool   `dynamodbav:"requires_approval"`
	IsActive         bool   `dynamodbav:"is_active"`
	CreatedAt        string `dynamodbav:"created_at"` // RFC3339Nano
	UpdatedAt        string `dynamodbav:"updated_at"` // RFC3339Nano
	ApprovedAt       string `dynamodbav:"approved_at,omitempty"`
	ExpiresAt        string `dynamodbav:"expires_at"` // RFC3339Nano
	RevokedAt        string `dynamodbav:"revoked_at,omitempty"`
	RevokedBy        string `dynamodbav:"revoked_by,omitempty"`
	RevokeReason     string `dynamodbav:"revoke_reason,omitempty"`
	SweptAt          string `dynamodbav:"swept_at,omitempty"`
	Version          int64  `dynamodbav:"version"`
	TTL              int64  `dynamodbav:"ttl"`
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseOptional(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return t, nil
}

func overrideToItem(o *Override) *dynamoItem {
	return &dynamoItem{
		ID:               o.ID,
		TargetUserID:     o.TargetUserID,
		Type:             string(o.Type),
		Status:           string(o.storedStatus()),
		RequestedBy:      o.RequestedBy,
		ApprovedBy:       o.ApprovedBy,
		ApprovalNotes:    o.ApprovalNotes,
		Reason:           o.Reason,
		Duration:         int64(o.Duration),
		RequiresApproval: o.RequiresApproval,
		IsActive:         o.IsActive,
		CreatedAt:        o.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:        o.UpdatedAt.Format(time.RFC3339Nano),
		ApprovedAt:       formatOptional(o.ApprovedAt),
		ExpiresAt:        o.ExpiresAt.Format(time.RFC3339Nano),
		RevokedAt:        formatOptional(o.RevokedAt),
		RevokedBy:        o.RevokedBy,
		RevokeReason:     o.RevokeReason,
		SweptAt:          formatOptional(o.SweptAt),
		Version:          o.Version,
		TTL:              o.ExpiresAt.Add(overrideRetention).Unix(),
	}
}

func itemToOverride(item *dynamoItem) (*Override, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	o := &Override{
		ID:               item.ID,
		TargetUserID:     item.TargetUserID,
		Type:             Type(item.Type),
		RequestedBy:      item.RequestedBy,
		ApprovedBy:       item.ApprovedBy,
		ApprovalNotes:    item.ApprovalNotes,
		Reason:           item.Reason,
		Duration:         time.Duration(item.Duration),
		RequiresApproval: item.RequiresApproval,
		IsActive:         item.IsActive,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
		ExpiresAt:        expiresAt,
		RevokedBy:        item.RevokedBy,
		RevokeReason:     item.RevokeReason,
		Version:          item.Version,
	}
	if o.ApprovedAt, err = parseOptional("approved_at", item.ApprovedAt); err != nil {
		return nil, err
	}
	if o.RevokedAt, err = parseOptional("revoked_at", item.RevokedAt); err != nil {
		return nil, err
	}
	if o.SweptAt, err = parseOptional("swept_at", item.SweptAt); err != nil {
		return nil, err
	}
	return o, nil
}

// Create stores a new override. Returns ErrOverrideExists if ID already exists.
func (s *DynamoDBStore) Create(ctx context.Context, o *Override) error {
	av, err := attributevalue.MarshalMap(overrideToItem(o))
	if err != nil {
		return fmt.Errorf("marshal override: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%s: %w", o.ID, ErrOverrideExists)
		}
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// Get retrieves an override by ID using a strongly consistent read.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Override, error) {
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
		return nil, fmt.Errorf("%s: %w", id, ErrOverrideNotFound)
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal override: %w", err)
	}
	return itemToOverride(&item)
}

// Update writes o conditioned on the stored version matching expectedVersion.
func (s *DynamoDBStore) Update(ctx context.Context, o *Override, expectedVersion int64) error {
	next := *o
	next.Version = expectedVersion + 1
	av, err := attributevalue.MarshalMap(overrideToItem(&next))
	if err != nil {
		return fmt.Errorf("marshal override: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(id) AND #v = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			exists, checkErr := s.exists(ctx, o.ID)
			if checkErr != nil {
				return fmt.Errorf("dynamodb PutItem condition failed, check exists: %w", checkErr)
			}
			if !exists {
				return fmt.Errorf("%s: %w", o.ID, ErrOverrideNotFound)
			}
			return fmt.Errorf("%s: %w", o.ID, ErrConcurrentModification)
		}
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	o.Version = next.Version
	return nil
}

// Delete removes an override by ID. No-op if not exists (idempotent).
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

func (s *DynamoDBStore) exists(ctx context.Context, id string) (bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ProjectionExpression: aws.String("id"),
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	return output.Item != nil, nil
}

// ListByTarget queries overrides by target user using the gsi-target index.
func (s *DynamoDBStore) ListByTarget(ctx context.Context, userID string, limit int) ([]*Override, error) {
	return s.queryByIndex(ctx, GSITarget, "target_user_id", userID, limit)
}

// ListByStatus queries overrides by stored status using the gsi-status index.
func (s *DynamoDBStore) ListByStatus(ctx context.Context, status State, limit int) ([]*Override, error) {
	return s.queryByIndex(ctx, GSIStatus, "status", string(status), limit)
}

// ListExpired reads gsi-status oldest first, following pagination to the
// end. expires_at is RFC3339 text, so lapsed overrides are picked out after
// the read rather than by a filter expression.
func (s *DynamoDBStore) ListExpired(ctx context.Context, status State, now time.Time) ([]*Override, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(GSIStatus),
		KeyConditionExpression: aws.String("#pk = :v"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: string(status)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var expired []*Override
	for {
		output, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Query %s: %w", GSIStatus, err)
		}
		page, err := itemsToOverrides(output.Items)
		if err != nil {
			return nil, err
		}
		for _, o := range page {
			if !now.Before(o.ExpiresAt) {
				expired = append(expired, o)
			}
		}
		if len(output.LastEvaluatedKey) == 0 {
			return expired, nil
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) queryByIndex(ctx context.Context, indexName, keyAttr, keyValue string, limit int) ([]*Override, error) {
	output, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexName),
		KeyConditionExpression: aws.String("#pk = :v"),
		ExpressionAttributeNames: map[string]string{
			"#pk": keyAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: keyValue},
		},
		ScanIndexForward: aws.Bool(false), // newest first
		Limit:            aws.Int32(int32(effectiveLimit(limit))),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb Query %s: %w", indexName, err)
	}
	return itemsToOverrides(output.Items)
}

func itemsToOverrides(items []map[string]types.AttributeValue) ([]*Override, error) {
	overrides := make([]*Override, 0, len(items))
	for _, av := range items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("unmarshal override: %w", err)
		}
		o, err := itemToOverride(&item)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

var _ Store = (*DynamoDBStore)(nil)
