package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxRecordRetries bounds optimistic-lock retries in DynamoDBLimiter.Record.
const maxRecordRetries = 5

// DynamoDBAPI defines the DynamoDB operations needed for rate limiting.
// This interface enables testing with mock implementations.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBLimiter implements Limiter on DynamoDB for limits shared across
// Lambda instances. Each (user, method) pair is one item holding the attempt
// timestamps of the last day and a version number; writes are conditioned on
// the version read, so concurrent Records cannot both take the last slot.
//
// Table schema:
//   - PK: "RL#" + method + "#" + user
//   - Attempts: list of unix millisecond timestamps
//   - Version: optimistic lock counter
//   - TTL: unix seconds after which the item may be removed
//
// Unlike request throttling, recovery limits fail closed: any DynamoDB error
// is returned to the caller, which must refuse the attempt.
type DynamoDBLimiter struct {
	client    DynamoDBAPI
	tableName string
	policies  Policies
	now       func() time.Time
}

type limiterItem struct {
	PK       string  `dynamodbav:"PK"`
	Attempts []int64 `dynamodbav:"Attempts"`
	Version  int64   `dynamodbav:"Version"`
	TTL      int64   `dynamodbav:"TTL"`
}

// NewDynamoDBLimiter creates a new DynamoDB-backed limiter.
// The tableName must reference a table with a String partition key named "PK".
func NewDynamoDBLimiter(client DynamoDBAPI, tableName string, policies Policies, opts ...Option) (*DynamoDBLimiter, error) {
	if client == nil {
		return nil, errors.New("DynamoDB client cannot be nil")
	}
	if tableName == "" {
		return nil, errors.New("tableName cannot be empty")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &DynamoDBLimiter{
		client:    client,
		tableName: tableName,
		policies:  policies,
		now:       o.now,
	}, nil
}

// Check reports whether another attempt is allowed without recording it.
func (r *DynamoDBLimiter) Check(ctx context.Context, userID, method string) (Decision, error) {
	p, err := r.policies.lookup(method)
	if err != nil {
		return Decision{}, err
	}
	item, err := r.load(ctx, userID, method)
	if err != nil {
		return Decision{}, err
	}
	now := r.now()
	return evaluate(toTimes(item.Attempts), now, p), nil
}

// Record counts an attempt if both windows have room.
func (r *DynamoDBLimiter) Record(ctx context.Context, userID, method string) (Decision, error) {
	p, err := r.policies.lookup(method)
	if err != nil {
		return Decision{}, err
	}

	for attempt := 0; attempt < maxRecordRetries; attempt++ {
		item, err := r.load(ctx, userID, method)
		if err != nil {
			return Decision{}, err
		}

		now := r.now().Truncate(time.Millisecond)
		d := evaluate(toTimes(item.Attempts), now, p)
		if !d.Allowed {
			return d, nil
		}

		err = r.store(ctx, item, now)
		if err == nil {
			return afterRecord(d), nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return Decision{}, fmt.Errorf("ratelimit: DynamoDB PutItem: %w", err)
		}
		// Another writer got in first; re-read and re-evaluate.
	}
	return Decision{}, fmt.Errorf("ratelimit: %s#%s: gave up after %d conflicting writes", method, userID, maxRecordRetries)
}

func (r *DynamoDBLimiter) load(ctx context.Context, userID, method string) (limiterItem, error) {
	pk := "RL#" + bucketKey(userID, method)
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return limiterItem{}, fmt.Errorf("ratelimit: DynamoDB GetItem: %w", err)
	}

	item := limiterItem{PK: pk}
	if out.Item == nil {
		return item, nil
	}
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return limiterItem{}, fmt.Errorf("ratelimit: unmarshal item: %w", err)
	}
	return item, nil
}

func (r *DynamoDBLimiter) store(ctx context.Context, prev limiterItem, now time.Time) error {
	cutoff := now.Add(-DayWindow).UnixMilli()
	attempts := make([]int64, 0, len(prev.Attempts)+1)
	for _, ms := range prev.Attempts {
		if ms > cutoff {
			attempts = append(attempts, ms)
		}
	}
	attempts = append(attempts, now.UnixMilli())

	next := limiterItem{
		PK:       prev.PK,
		Attempts: attempts,
		Version:  prev.Version + 1,
		TTL:      now.Add(DayWindow + time.Hour).Unix(),
	}
	av, err := attributevalue.MarshalMap(next)
	if err != nil {
		return fmt.Errorf("ratelimit: marshal item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	}
	if prev.Version == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]string{"#v": "Version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(prev.Version, 10)},
		}
	}

	_, err = r.client.PutItem(ctx, input)
	return err
}

func toTimes(ms []int64) []time.Time {
	out := make([]time.Time, len(ms))
	for i, v := range ms {
		out[i] = time.UnixMilli(v)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	return out
}

var _ Limiter = (*DynamoDBLimiter)(nil)
