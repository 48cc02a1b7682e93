package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"delivery-guard/internal/client"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// slidingWindowScript trims entries older than the window, then either adds
// the caller's member or reports the oldest surviving score.
// ARGV: now ms, cutoff ms, window ms, limit, member.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)

if count < limit then
	redis.call('ZADD', key, ARGV[1], ARGV[5])
	redis.call('PEXPIRE', key, ARGV[3])
	return {1, count + 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, count, tonumber(oldest[2])}
`)

type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

var _ repository.RateLimiter = (*RateLimitCache)(nil)

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client, now: time.Now}
}

// WithClock is used by tests to move the window without sleeping.
func (c *RateLimitCache) WithClock(now func() time.Time) *RateLimitCache {
	c.now = now
	return c
}

func (c *RateLimitCache) Reserve(ctx context.Context, key string, limit int, window time.Duration) (*repository.Reservation, error) {
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	fullKey := rateLimitPrefix + key
	member := uuid.NewString()
	nowMs := c.now().UnixMilli()

	res, err := slidingWindowScript.Run(ctx, c.client.Client, []string{fullKey},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-window.Milliseconds(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.Itoa(limit),
		member,
	).Int64Slice()
	if err != nil {
		util.Error("Sliding window rate limit failed", util.String("key", key), util.ErrorField(err))
		return nil, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected rate limit reply: %v", res)
	}

	r := &repository.Reservation{Key: key, Count: int(res[1])}
	if res[0] == 1 {
		r.Allowed = true
		r.Member = member
		return r, nil
	}

	retry := time.Duration(res[2]+window.Milliseconds()-nowMs) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	r.RetryAfter = retry

	util.Debug("Rate limit reached",
		util.String("key", key),
		util.Int("count", r.Count),
		util.Duration("retry_after", retry))
	return r, nil
}

// Release removes a slot taken by Reserve.
func (c *RateLimitCache) Release(ctx context.Context, r *repository.Reservation) error {
	if r == nil || !r.Allowed || r.Member == "" {
		return nil
	}
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Client.ZRem(ctx, rateLimitPrefix+r.Key, r.Member).Err(); err != nil {
		util.Error("Failed to release rate limit slot", util.String("key", r.Key), util.ErrorField(err))
		return fmt.Errorf("failed to release rate limit slot: %w", err)
	}
	return nil
}
