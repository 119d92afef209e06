package recovery

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
	// GSIUser indexes requests by user_id with created_at sort key.
	GSIUser = "gsi-user"
	// GSIStatus indexes requests by status with created_at sort key.
	GSIStatus = "gsi-status"
)

// requestRetention keeps finished requests for investigation before TTL
// deletion.
const requestRetention = 30 * 24 * time.Hour

// openCounterPrefix keys the per-user open request counters. Counter items
// carry no user_id or status attribute, so neither GSI indexes them.
const openCounterPrefix = "open#"

// Transaction cancellation reason codes.
const (
	reasonConditionalCheckFailed = "ConditionalCheckFailed"
	reasonTransactionConflict    = "TransactionConflict"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
//
// Table schema assumptions (created externally):
//   - Partition key: id (String)
//   - TTL attribute: ttl (Number, Unix timestamp)
//   - GSI: gsi-user (user_id, created_at)
//   - GSI: gsi-status (status, created_at)
//
// Alongside the requests the table holds one counter item per user, keyed
// open#<user_id>, with an open_count attribute. Create increments it and the
// transition that closes a request decrements it, each in the same
// transaction as the request write, so the open-request cap is exact.
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

func newDynamoDBStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

type dynamoItem struct {
	ID           string   `dynamodbav:"id"`
	UserID       string   `dynamodbav:"user_id"`
	Method       string   `dynamodbav:"method"`
	Status       string   `dynamodbav:"status"`
	SecretHash   string   `dynamodbav:"secret_hash"`
	Attempts     int      `dynamodbav:"attempts"`
	MaxAttempts  int      `dynamodbav:"max_attempts"`
	CreatedAt    string   `dynamodbav:"created_at"` // RFC3339Nano
	UpdatedAt    string   `dynamodbav:"updated_at"` // RFC3339Nano
	ExpiresAt    string   `dynamodbav:"expires_at"` // RFC3339Nano
	ExpiresAtMs  int64    `dynamodbav:"expires_at_ms"`
	CompletedAt  string   `dynamodbav:"completed_at,omitempty"`
	Contact      string   `dynamodbav:"contact"`
	DocumentRefs []string `dynamodbav:"document_refs,omitempty"`
	Narrative    string   `dynamodbav:"narrative,omitempty"`
	ReviewStatus string   `dynamodbav:"review_status"`
	ReviewedBy   string   `dynamodbav:"reviewed_by,omitempty"`
	ReviewNotes  string   `dynamodbav:"review_notes,omitempty"`
	IPAddress    string   `dynamodbav:"ip_address,omitempty"`
	UserAgent    string   `dynamodbav:"user_agent,omitempty"`
	Version      int64    `dynamodbav:"version"`
	TTL          int64    `dynamodbav:"ttl"`
}

func requestToItem(r *Request) *dynamoItem {
	item := &dynamoItem{
		ID:           r.ID,
		UserID:       r.UserID,
		Method:       string(r.Method),
		Status:       string(r.Status),
		SecretHash:   r.SecretHash,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    r.UpdatedAt.Format(time.RFC3339Nano),
		ExpiresAt:    r.ExpiresAt.Format(time.RFC3339Nano),
		ExpiresAtMs:  r.ExpiresAt.UnixMilli(),
		Contact:      r.Contact,
		DocumentRefs: r.DocumentRefs,
		Narrative:    r.Narrative,
		ReviewStatus: string(r.ReviewStatus),
		ReviewedBy:   r.ReviewedBy,
		ReviewNotes:  r.ReviewNotes,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
		Version:      r.Version,
		TTL:          r.ExpiresAt.Add(requestRetention).Unix(),
	}
	if !r.CompletedAt.IsZero() {
		item.CompletedAt = r.CompletedAt.Format(time.RFC3339Nano)
	}
	return item
}

func itemToRequest(item *dynamoItem) (*Request, error) {
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
	r := &Request{
		ID:           item.ID,
		UserID:       item.UserID,
		Method:       Method(item.Method),
		Status:       Status(item.Status),
		SecretHash:   item.SecretHash,
		Attempts:     item.Attempts,
		MaxAttempts:  item.MaxAttempts,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		ExpiresAt:    expiresAt,
		Contact:      item.Contact,
		DocumentRefs: item.DocumentRefs,
		Narrative:    item.Narrative,
		ReviewStatus: ReviewStatus(item.ReviewStatus),
		ReviewedBy:   item.ReviewedBy,
		ReviewNotes:  item.ReviewNotes,
		IPAddress:    item.IPAddress,
		UserAgent:    item.UserAgent,
		Version:      item.Version,
	}
	if item.CompletedAt != "" {
		if r.CompletedAt, err = time.Parse(time.RFC3339Nano, item.CompletedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
	}
	return r, nil
}

// Create stores a new request. An open request is written in one
// transaction with the increment of its user's counter, conditioned on the
// counter staying below maxOpen.
func (s *DynamoDBStore) Create(ctx context.Context, req *Request, maxOpen int) error {
	av, err := attributevalue.MarshalMap(requestToItem(req))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	put := &types.Put{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	}

	if maxOpen <= 0 || req.Status.IsTerminal() {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           put.TableName,
			Item:                put.Item,
			ConditionExpression: put.ConditionExpression,
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				return fmt.Errorf("%s: %w", req.ID, ErrRequestExists)
			}
			return fmt.Errorf("dynamodb PutItem: %w", err)
		}
		return nil
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: s.counterUpdate(req.UserID, 1, maxOpen)},
			{Put: put},
		},
	})
	if err != nil {
		switch i, code := cancelReason(err); {
		case code == reasonTransactionConflict:
			return fmt.Errorf("%s: %w", req.UserID, ErrConcurrentModification)
		case code == reasonConditionalCheckFailed && i == 0:
			return fmt.Errorf("%s: %w", req.UserID, ErrTooManyOpen)
		case code == reasonConditionalCheckFailed && i == 1:
			return fmt.Errorf("%s: %w", req.ID, ErrRequestExists)
		}
		return fmt.Errorf("dynamodb TransactWriteItems: %w", err)
	}
	return nil
}

// counterUpdate adds delta to userID's open request counter. A positive
// delta is conditioned on the counter staying below maxOpen; a negative one
// on the counter staying above zero.
func (s *DynamoDBStore) counterUpdate(userID string, delta, maxOpen int) *types.Update {
	u := &types.Update{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: openCounterPrefix + userID},
		},
		UpdateExpression: aws.String("ADD open_count :delta"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":delta": &types.AttributeValueMemberN{Value: strconv.Itoa(delta)},
		},
	}
	if delta > 0 {
		u.ConditionExpression = aws.String("attribute_not_exists(open_count) OR open_count < :max")
		u.ExpressionAttributeValues[":max"] = &types.AttributeValueMemberN{Value: strconv.Itoa(maxOpen)}
	} else {
		u.ConditionExpression = aws.String("open_count > :zero")
		u.ExpressionAttributeValues[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	}
	return u
}

// cancelReason returns the index and code of the first item that cancelled
// a transaction, or -1 if err is not a cancellation.
func cancelReason(err error) (int, string) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return -1, ""
	}
	for i, r := range tce.CancellationReasons {
		if code := aws.ToString(r.Code); code != "" && code != "None" {
			return i, code
		}
	}
	return -1, ""
}

// Get retrieves a request by ID using a strongly consistent read.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Request, error) {
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
		return nil, fmt.Errorf("%s: %w", id, ErrRequestNotFound)
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return itemToRequest(&item)
}

// Update writes req conditioned on the stored status and version. A
// transition that closes the request also decrements its user's counter in
// the same transaction.
func (s *DynamoDBStore) Update(ctx context.Context, req *Request, from Status, expectedVersion int64) error {
	if err := checkTransition(from, req.Status); err != nil {
		return fmt.Errorf("%s: %w", req.ID, err)
	}
	next := *req
	next.Version = expectedVersion + 1
	av, err := attributevalue.MarshalMap(requestToItem(&next))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	put := &types.Put{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(id) AND #v = :expected AND #s = :from"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			":from":     &types.AttributeValueMemberS{Value: string(from)},
		},
	}

	if closes(from, req.Status) {
		_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: put},
				{Update: s.counterUpdate(req.UserID, -1, 0)},
			},
		})
		if i, code := cancelReason(err); i == 1 && code == reasonConditionalCheckFailed {
			// The counter is already at zero; the request predates it.
			err = s.put(ctx, put)
		}
	} else {
		err = s.put(ctx, put)
	}
	if err != nil {
		return s.updateError(ctx, req.ID, err)
	}
	req.Version = next.Version
	return nil
}

func (s *DynamoDBStore) put(ctx context.Context, p *types.Put) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 p.TableName,
		Item:                      p.Item,
		ConditionExpression:       p.ConditionExpression,
		ExpressionAttributeNames:  p.ExpressionAttributeNames,
		ExpressionAttributeValues: p.ExpressionAttributeValues,
	})
	return err
}

// updateError maps a failed conditional write of request id.
func (s *DynamoDBStore) updateError(ctx context.Context, id string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	i, code := cancelReason(err)
	switch {
	case errors.As(err, &ccf), i == 0 && code == reasonConditionalCheckFailed:
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrRequestNotFound) {
			return getErr
		}
		return fmt.Errorf("%s: %w", id, ErrConcurrentModification)
	case code == reasonTransactionConflict:
		return fmt.Errorf("%s: %w", id, ErrConcurrentModification)
	}
	return fmt.Errorf("dynamodb write: %w", err)
}

// Delete removes a request. Deleting an open request releases its slot in
// the user's counter.
func (s *DynamoDBStore) Delete(ctx context.Context, req *Request) error {
	key := map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: req.ID},
	}
	if !req.Status.IsTerminal() {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Delete: &types.Delete{
					TableName:           aws.String(s.tableName),
					Key:                 key,
					ConditionExpression: aws.String("attribute_exists(id) AND #s = :status"),
					ExpressionAttributeNames: map[string]string{
						"#s": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":status": &types.AttributeValueMemberS{Value: string(req.Status)},
					},
				}},
				{Update: s.counterUpdate(req.UserID, -1, 0)},
			},
		})
		if err == nil {
			return nil
		}
		// Gone, already closed, or counted before counters existed: the
		// slot needs no release.
		if _, code := cancelReason(err); code != reasonConditionalCheckFailed {
			return fmt.Errorf("dynamodb TransactWriteItems: %w", err)
		}
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("dynamodb DeleteItem: %w", err)
	}
	return nil
}

// ListByUser queries requests by user using the gsi-user index.
func (s *DynamoDBStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	return s.queryByIndex(ctx, GSIUser, "user_id", userID, limit)
}

// ListByStatus queries requests by status using the gsi-status index.
func (s *DynamoDBStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.queryByIndex(ctx, GSIStatus, "status", string(status), limit)
}

// ListExpired queries gsi-status oldest first for requests whose validity
// window ended before now, following pagination to the end.
func (s *DynamoDBStore) ListExpired(ctx context.Context, status Status, now time.Time) ([]*Request, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(GSIStatus),
		KeyConditionExpression: aws.String("#s = :status"),
		FilterExpression:       aws.String("expires_at_ms < :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var requests []*Request
	for {
		output, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Query %s: %w", GSIStatus, err)
		}
		page, err := itemsToRequests(output.Items)
		if err != nil {
			return nil, err
		}
		requests = append(requests, page...)
		if len(output.LastEvaluatedKey) == 0 {
			return requests, nil
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) queryByIndex(ctx context.Context, indexName, keyAttr, keyValue string, limit int) ([]*Request, error) {
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
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(effectiveLimit(limit))),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb Query %s: %w", indexName, err)
	}

	return itemsToRequests(output.Items)
}

func itemsToRequests(items []map[string]types.AttributeValue) ([]*Request, error) {
	requests := make([]*Request, 0, len(items))
	for _, av := range items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("unmarshal request: %w", err)
		}
		r, err := itemToRequest(&item)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, nil
}

var _ Store = (*DynamoDBStore)(nil)
