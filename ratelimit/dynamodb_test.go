package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeTable is a minimal in-memory DynamoDB table honoring the two
// condition expressions DynamoDBLimiter issues.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	getErr error
	putErr error
	puts   int64
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
}

func pkOf(m map[string]types.AttributeValue) string {
	return m["PK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeTable) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(params.Key)]}, nil
}

func (f *fakeTable) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.AddInt64(&f.puts, 1)

	pk := pkOf(params.Item)
	existing, exists := f.items[pk]
	cond := *params.ConditionExpression
	switch {
	case strings.HasPrefix(cond, "attribute_not_exists"):
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("exists")}
		}
	default:
		want := params.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value
		if !exists || existing["Version"].(*types.AttributeValueMemberN).Value != want {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("version")}
		}
	}
	f.items[pk] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func strPtr(s string) *string { return &s }

func TestNewDynamoDBLimiter_Validation(t *testing.T) {
	ps := Policies{"email": {Hourly: 1, Daily: 1}}
	tests := []struct {
		name   string
		client DynamoDBAPI
		table  string
		ps     Policies
	}{
		{name: "nil client", client: nil, table: "t", ps: ps},
		{name: "empty table", client: newFakeTable(), table: "", ps: ps},
		{name: "invalid policies", client: newFakeTable(), table: "t", ps: Policies{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDynamoDBLimiter(tt.client, tt.table, tt.ps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDynamoDBLimiter_RecordAndCheck(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	clock := &fakeClock{t: baseTime}
	limiter, err := NewDynamoDBLimiter(table, "rate-limits", Policies{"email": {Hourly: 2, Daily: 10}}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewDynamoDBLimiter() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		d, err := limiter.Record(ctx, "alice", "email")
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if !d.Allowed || d.AttemptsRemaining != 1-i {
			t.Fatalf("Record() #%d = %+v", i+1, d)
		}
		clock.Advance(10 * time.Minute)
	}

	d, err := limiter.Check(ctx, "alice", "email")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("Check() allowed past limit")
	}
	if want := baseTime.Add(time.Hour); !d.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", d.CooldownUntil, want)
	}

	putsBefore := atomic.LoadInt64(&table.puts)
	if d, _ := limiter.Record(ctx, "alice", "email"); d.Allowed {
		t.Error("Record() allowed past limit")
	}
	if atomic.LoadInt64(&table.puts) != putsBefore {
		t.Error("denied Record() wrote to the table")
	}
}

func TestDynamoDBLimiter_FailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		getErr error
		putErr error
	}{
		{name: "get error", getErr: errors.New("throttled")},
		{name: "put error", putErr: errors.New("service unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := newFakeTable()
			table.getErr = tt.getErr
			table.putErr = tt.putErr
			limiter, err := NewDynamoDBLimiter(table, "rate-limits", Policies{"email": {Hourly: 3, Daily: 10}})
			if err != nil {
				t.Fatalf("NewDynamoDBLimiter() error = %v", err)
			}
			d, err := limiter.Record(context.Background(), "alice", "email")
			if err == nil {
				t.Fatal("Record() expected error")
			}
			if d.Allowed {
				t.Error("Record() reported allowed alongside an error")
			}
		})
	}
}

func TestDynamoDBLimiter_ConcurrentRecordsRespectLimit(t *testing.T) {
	table := newFakeTable()
	limiter, err := NewDynamoDBLimiter(table, "rate-limits", Policies{"email": {Hourly: 3, Daily: 10}})
	if err != nil {
		t.Fatalf("NewDynamoDBLimiter() error = %v", err)
	}

	const goroutines = 10
	var allowed, failed int64
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Record(context.Background(), "alice", "email")
			if err != nil {
				// Exhausting the retry budget is a legitimate refusal.
				atomic.AddInt64(&failed, 1)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed > 3 {
		t.Errorf("allowed = %d, want at most 3", allowed)
	}
	if allowed+failed == 0 {
		t.Error("no goroutine completed")
	}
}
