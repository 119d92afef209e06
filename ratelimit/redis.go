package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowLua trims, reads and optionally appends to a per-key sorted
// set of attempt timestamps in a single atomic step.
// KEYS[1] = window key
// ARGV[1] = now (unix ms)
// ARGV[2] = day window start (unix ms, exclusive)
// ARGV[3] = hour window start (unix ms, exclusive)
// ARGV[4] = hourly limit
// ARGV[5] = daily limit
// ARGV[6] = "1" to record, "0" to only read
// ARGV[7] = member for the new entry
// ARGV[8] = key TTL (ms)
//
// Returns {added, {member, score, ...}} where the scores are the entries that
// existed before this call.
var slidingWindowLua = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local entries = redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. ARGV[2], '+inf', 'WITHSCORES')
local day = redis.call('ZCARD', KEYS[1])
local hour = redis.call('ZCOUNT', KEYS[1], '(' .. ARGV[3], '+inf')
local added = 0
if ARGV[6] == '1' and hour < tonumber(ARGV[4]) and day < tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[7])
  redis.call('PEXPIRE', KEYS[1], ARGV[8])
  added = 1
end
return {added, entries}
`)

// RedisLimiter implements Limiter on a Redis sorted set per (user, method),
// so every instance sharing the Redis deployment sees the same counters.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	policies Policies
	now      func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are written under
// prefix, for example "mfa-recovery:rl:".
func NewRedisLimiter(client redis.UniversalClient, prefix string, policies Policies, opts ...Option) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		policies: policies,
		now:      o.now,
	}, nil
}

// Check reports whether another attempt is allowed without recording it.
func (r *RedisLimiter) Check(ctx context.Context, userID, method string) (Decision, error) {
	return r.run(ctx, userID, method, false)
}

// Record counts an attempt if both windows have room.
func (r *RedisLimiter) Record(ctx context.Context, userID, method string) (Decision, error) {
	return r.run(ctx, userID, method, true)
}

func (r *RedisLimiter) run(ctx context.Context, userID, method string, record bool) (Decision, error) {
	p, err := r.policies.lookup(method)
	if err != nil {
		return Decision{}, err
	}

	// Scores are stored at millisecond precision.
	now := r.now().Truncate(time.Millisecond)
	recordArg := "0"
	if record {
		recordArg = "1"
	}

	res, err := slidingWindowLua.Run(ctx, r.client,
		[]string{r.prefix + bucketKey(userID, method)},
		now.UnixMilli(),
		now.Add(-DayWindow).UnixMilli(),
		now.Add(-HourWindow).UnixMilli(),
		p.Hourly,
		p.Daily,
		recordArg,
		uuid.NewString(),
		(DayWindow + time.Minute).Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result length %d", len(res))
	}

	added, _ := res[0].(int64)
	timestamps, err := parseEntries(res[1])
	if err != nil {
		return Decision{}, err
	}

	d := evaluate(timestamps, now, p)
	if added == 1 {
		return afterRecord(d), nil
	}
	if record && d.Allowed {
		return Decision{}, errors.New("ratelimit: script declined a permitted attempt")
	}
	return d, nil
}

// parseEntries converts a WITHSCORES reply into sorted timestamps.
func parseEntries(v interface{}) ([]time.Time, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("ratelimit: unexpected entries type %T", v)
	}
	timestamps := make([]time.Time, 0, len(raw)/2)
	for i := 1; i < len(raw); i += 2 {
		s, ok := raw[i].(string)
		if !ok {
			return nil, fmt.Errorf("ratelimit: unexpected score type %T", raw[i])
		}
		ms, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: parse score %q: %w", s, err)
		}
		timestamps = append(timestamps, time.UnixMilli(int64(ms)))
	}
	sort.Slice(timestamps, func(a, b int) bool { return timestamps[a].Before(timestamps[b]) })
	return timestamps, nil
}

var _ Limiter = (*RedisLimiter)(nil)
