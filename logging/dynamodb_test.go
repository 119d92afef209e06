package logging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type mockDynamoDBClient struct {
	PutItemFunc func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	QueryFunc   func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return m.PutItemFunc(ctx, params, optFns...)
}

func (m *mockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.QueryFunc(ctx, params, optFns...)
}

func TestDynamoDBLogger_Append(t *testing.T) {
	var captured *dynamodb.PutItemInput
	client := &mockDynamoDBClient{
		PutItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = params
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	logger := newDynamoDBLoggerWithClient(client, "audit")
	logger.Retention = 90 * 24 * time.Hour

	e := testEvent()
	if err := logger.Append(context.Background(), e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if aws.ToString(captured.ConditionExpression) != "attribute_not_exists(id)" {
		t.Errorf("ConditionExpression = %q", aws.ToString(captured.ConditionExpression))
	}
	if got := captured.Item["id"].(*types.AttributeValueMemberS).Value; got != e.ID {
		t.Errorf("id = %q, want %q", got, e.ID)
	}
	if got := captured.Item["timestamp"].(*types.AttributeValueMemberS).Value; got != "2026-03-10T09:30:00.000Z" {
		t.Errorf("timestamp = %q", got)
	}
	if _, ok := captured.Item["ttl"]; !ok {
		t.Error("expected ttl attribute when Retention is set")
	}
	if got := captured.Item["subject"].(*types.AttributeValueMemberS).Value; got != "alice" {
		t.Errorf("subject = %q", got)
	}
}

func TestDynamoDBLogger_AppendErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantDup bool
	}{
		{name: "duplicate", err: &types.ConditionalCheckFailedException{Message: aws.String("exists")}, wantDup: true},
		{name: "unavailable", err: errors.New("service unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockDynamoDBClient{
				PutItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
					return nil, tt.err
				},
			}
			err := newDynamoDBLoggerWithClient(client, "audit").Append(context.Background(), testEvent())
			if err == nil {
				t.Fatal("Append() should fail")
			}
			if got := errors.Is(err, ErrDuplicateEvent); got != tt.wantDup {
				t.Errorf("errors.Is(ErrDuplicateEvent) = %v, want %v", got, tt.wantDup)
			}
		})
	}
}

func TestDynamoDBLogger_ListBySubject(t *testing.T) {
	e := testEvent()
	item, err := attributevalue.MarshalMap(auditItem{Event: e, Timestamp: "2026-03-10T09:30:00.000Z"})
	if err != nil {
		t.Fatalf("MarshalMap() error = %v", err)
	}

	var captured *dynamodb.QueryInput
	client := &mockDynamoDBClient{
		QueryFunc: func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			captured = params
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}, nil
		},
	}

	events, err := newDynamoDBLoggerWithClient(client, "audit").ListBySubject(context.Background(), "alice", 0)
	if err != nil {
		t.Fatalf("ListBySubject() error = %v", err)
	}
	if aws.ToString(captured.IndexName) != GSISubject {
		t.Errorf("IndexName = %q, want %q", aws.ToString(captured.IndexName), GSISubject)
	}
	if aws.ToBool(captured.ScanIndexForward) {
		t.Error("expected newest-first ordering")
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !events[0].Timestamp.Equal(e.Timestamp) || events[0].Metadata["contact"] != "a***@example.com" {
		t.Errorf("event = %+v", events[0])
	}
}
