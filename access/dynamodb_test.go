package access

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
)

// mockDynamoDBClient implements dynamoDBAPI for testing.
type mockDynamoDBClient struct {
	PutItemFunc    func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItemFunc    func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItemFunc func(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	QueryFunc      func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return m.PutItemFunc(ctx, params, optFns...)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return m.GetItemFunc(ctx, params, optFns...)
}

func (m *mockDynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return m.UpdateItemFunc(ctx, params, optFns...)
}

func (m *mockDynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return m.DeleteItemFunc(ctx, params, optFns...)
}

func (m *mockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.QueryFunc(ctx, params, optFns...)
}

func testGrant() *Grant {
	return &Grant{
		ID:        HashToken("token"),
		UserID:    "alice",
		Source:    SourceRecovery,
		SourceID:  "0123456789abcdef",
		IssuedAt:  issueTime,
		ExpiresAt: issueTime.Add(time.Hour),
	}
}

func TestDynamoDBStore_CreateGetRoundTrip(t *testing.T) {
	var stored map[string]types.AttributeValue
	client := &mockDynamoDBClient{
		PutItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			if got := aws.ToString(params.ConditionExpression); got != "attribute_not_exists(id)" {
				t.Errorf("ConditionExpression = %q", got)
			}
			stored = params.Item
			return &dynamodb.PutItemOutput{}, nil
		},
		GetItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: stored}, nil
		},
	}
	store := newDynamoDBStoreWithClient(client, "grants")

	g := testGrant()
	if err := store.Create(context.Background(), g); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, ok := stored["revoked_at"]; ok {
		t.Error("unrevoked grant should not carry revoked_at")
	}

	got, err := store.Get(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(g, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDynamoDBStore_CreateDuplicate(t *testing.T) {
	client := &mockDynamoDBClient{
		PutItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		},
	}
	err := newDynamoDBStoreWithClient(client, "grants").Create(context.Background(), testGrant())
	if !errors.Is(err, ErrGrantExists) {
		t.Errorf("Create() error = %v, want ErrGrantExists", err)
	}
}

func TestDynamoDBStore_GetNotFound(t *testing.T) {
	client := &mockDynamoDBClient{
		GetItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{}, nil
		},
	}
	_, err := newDynamoDBStoreWithClient(client, "grants").Get(context.Background(), "missing")
	if !errors.Is(err, ErrGrantNotFound) {
		t.Errorf("Get() error = %v, want ErrGrantNotFound", err)
	}
}

func TestDynamoDBStore_Revoke(t *testing.T) {
	existing, _ := attributevalue.MarshalMap(grantToItem(testGrant()))

	tests := []struct {
		name      string
		updateErr error
		getItem   map[string]types.AttributeValue
		wantErr   error
	}{
		{name: "success"},
		{name: "already revoked", updateErr: &types.ConditionalCheckFailedException{}, getItem: existing, wantErr: ErrAlreadyRevoked},
		{name: "not found", updateErr: &types.ConditionalCheckFailedException{}, wantErr: ErrGrantNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockDynamoDBClient{
				UpdateItemFunc: func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
					if !strings.Contains(aws.ToString(params.ConditionExpression), "attribute_not_exists(revoked_at)") {
						t.Errorf("ConditionExpression = %q", aws.ToString(params.ConditionExpression))
					}
					return &dynamodb.UpdateItemOutput{}, tt.updateErr
				},
				GetItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
					return &dynamodb.GetItemOutput{Item: tt.getItem}, nil
				},
			}
			err := newDynamoDBStoreWithClient(client, "grants").Revoke(context.Background(), HashToken("token"), "secops", "r", issueTime)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Revoke() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Revoke() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDynamoDBStore_ListByUser(t *testing.T) {
	revoked := testGrant()
	revoked.RevokedAt = issueTime.Add(time.Minute)
	revoked.RevokedBy = "secops"
	item, _ := attributevalue.MarshalMap(grantToItem(revoked))

	client := &mockDynamoDBClient{
		QueryFunc: func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			if aws.ToString(params.IndexName) != GSIUser {
				t.Errorf("IndexName = %q", aws.ToString(params.IndexName))
			}
			if aws.ToInt32(params.Limit) != MaxQueryLimit {
				t.Errorf("Limit = %d, want capped at %d", aws.ToInt32(params.Limit), MaxQueryLimit)
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}, nil
		},
	}
	grants, err := newDynamoDBStoreWithClient(client, "grants").ListByUser(context.Background(), "alice", 5000)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(grants) != 1 || !grants[0].IsRevoked() || grants[0].RevokedBy != "secops" {
		t.Errorf("grants = %+v", grants)
	}
}
