package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

// slidingWindowScript prunes, counts and conditionally records the request in
// one step so concurrent callers for the same key cannot both pass the limit.
// Returns {allowed, count, oldest score}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

type RedisLimiter struct {
	client  redis.UniversalClient
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, cfg Config, log *logger.Logger, m *metrics.Metrics) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

func (l *RedisLimiter) key(identity string) string {
	return l.cfg.KeyPrefix + identity
}

func (l *RedisLimiter) Check(ctx context.Context, identity string) Result {
	now := l.now()
	nowMs := now.UnixMilli()

	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	vals, err := slidingWindowScript.Run(ctx, l.client, []string{l.key(identity)},
		nowMs, l.cfg.Window.Milliseconds(), l.cfg.MaxRequests, member).Int64Slice()
	if err == nil && len(vals) != 3 {
		err = fmt.Errorf("unexpected script reply of length %d", len(vals))
	}
	if err != nil {
		l.log.Warn("Rate limiter store unavailable, failing open",
			"identity", identity,
			"error", err.Error(),
		)
		l.metrics.RateLimitDecisions.WithLabelValues("fail_open").Inc()
		return failOpen(l.cfg, now)
	}

	allowed := vals[0] == 1
	res := decide(l.cfg, now, int(vals[1]), time.UnixMilli(vals[2]), allowed)
	l.record(res)
	return res
}

func (l *RedisLimiter) record(res Result) {
	if res.Allowed {
		l.metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
		return
	}
	l.metrics.RateLimitDecisions.WithLabelValues("blocked").Inc()
}

func (l *RedisLimiter) Usage(ctx context.Context, identity string) (Usage, error) {
	now := l.now()
	key := l.key(identity)
	min := fmt.Sprintf("(%d", now.Add(-l.cfg.Window).UnixMilli())

	pipe := l.client.Pipeline()
	countCmd := pipe.ZCount(ctx, key, min, "+inf")
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf", Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("failed to read rate limit usage: %w", err)
	}

	count := int(countCmd.Val())
	oldest := now
	if z := oldestCmd.Val(); len(z) > 0 {
		oldest = time.UnixMilli(int64(z[0].Score))
	}
	res := decide(l.cfg, now, count, oldest, count < l.cfg.MaxRequests)

	return Usage{
		Identity:  identity,
		Count:     count,
		Limit:     l.cfg.MaxRequests,
		Remaining: res.Remaining,
		ResetTime: res.ResetTime,
		Window:    l.cfg.Window.String(),
	}, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, identity string) error {
	if err := l.client.Del(ctx, l.key(identity)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
