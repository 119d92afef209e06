package logging

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

	"github.com/byteness/mfa-recovery/iso8601"
)

// GSISubject is the index on subject + timestamp used by ListBySubject.
const GSISubject = "gsi-subject"

// ErrDuplicateEvent is returned when an event ID is already stored.
var ErrDuplicateEvent = errors.New("audit event already exists")

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBLogger.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBLogger persists audit events to a DynamoDB table. Writes are
// create-only: an existing event ID is never overwritten.
//
// Table schema:
//   - PK: id (String)
//   - GSI: gsi-subject (subject, timestamp)
//   - TTL: ttl (optional, set when Retention > 0)
type DynamoDBLogger struct {
	client    dynamoDBAPI
	tableName string

	// Retention, when positive, sets a TTL on each record.
	Retention time.Duration
}

type auditItem struct {
	Event
	Timestamp string `dynamodbav:"timestamp"`
	TTL       int64  `dynamodbav:"ttl,omitempty"`
}

// NewDynamoDBLogger creates a DynamoDBLogger from AWS config.
func NewDynamoDBLogger(cfg aws.Config, tableName string) *DynamoDBLogger {
	return &DynamoDBLogger{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBLoggerWithClient creates a DynamoDBLogger with a custom client.
func newDynamoDBLoggerWithClient(client dynamoDBAPI, tableName string) *DynamoDBLogger {
	return &DynamoDBLogger{
		client:    client,
		tableName: tableName,
	}
}

// Append writes the event.
func (l *DynamoDBLogger) Append(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}

	item := auditItem{Event: event, Timestamp: iso8601.Format(event.Timestamp)}
	if l.Retention > 0 {
		item.TTL = event.Timestamp.Add(l.Retention).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal audit item: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%s: %w", event.ID, ErrDuplicateEvent)
		}
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// ListBySubject returns the most recent events about a user, newest first.
func (l *DynamoDBLogger) ListBySubject(ctx context.Context, subject string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.tableName),
		IndexName:              aws.String(GSISubject),
		KeyConditionExpression: aws.String("subject = :subject"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":subject": &types.AttributeValueMemberS{Value: subject},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb Query: %w", err)
	}

	events := make([]Event, 0, len(out.Items))
	for _, av := range out.Items {
		var item auditItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("unmarshal audit item: %w", err)
		}
		ts, err := iso8601.Parse(item.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %s: %w", strconv.Quote(item.Timestamp), err)
		}
		e := item.Event
		e.Timestamp = ts
		events = append(events, e)
	}
	return events, nil
}

var _ Logger = (*DynamoDBLogger)(nil)
