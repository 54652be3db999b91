// Package ratelimit throttles webhook ingress per source and tenant.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/merlinhq/merlin/common/config"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// Key builds the limiter key for a source and tenant.
func Key(source, tenantID string) string {
	return source + ":" + tenantID
}

// slidingWindow keeps one sorted-set member per admitted request, scored by
// its timestamp in microseconds.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, member)
	redis.call('EXPIRE', key, ttl)
	return 1
end
return 0
`)

// RedisLimiter is a sliding-window limiter backed by a redis sorted set.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	seq    atomic.Int64
}

// New connects to redis. When rate limiting is disabled it returns a
// limiter that admits everything.
func New(ctx context.Context, cfg config.RedisConfig) (Limiter, error) {
	if !cfg.Enabled {
		return NoOp{}, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisLimiter(client, cfg.RateLimitRequests, cfg.RateLimitWindow), nil
}

// NewRedisLimiter admits up to limit requests per key in any window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixMicro()
	windowStart := now - r.window.Microseconds()
	ttl := int64(r.window/time.Second) + 1
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatInt(r.seq.Add(1), 10)

	result, err := slidingWindow.Run(ctx, r.client, []string{"ratelimit:" + key},
		now, windowStart, r.limit, ttl, member).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return result == 1, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

// NoOp admits every request.
type NoOp struct{}

func (NoOp) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoOp) Close() error { return nil }
