package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	replayKeyPrefix = "ainp:replay:"
	dedupeKeyPrefix = "ainp:dedupe:"
	greyKeyPrefix   = "ainp:grey:"
	rateKeyPrefix   = "ainp:rate:"
)

// RedisReplayCache stores processed envelope ids with their routing results.
type RedisReplayCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisReplayCache(client *redis.Client, ttl time.Duration) *RedisReplayCache {
	return &RedisReplayCache{client: client, ttl: ttl}
}

func (c *RedisReplayCache) Check(ctx context.Context, envelopeID string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, replayKeyPrefix+envelopeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("replay check: %w", err)
	}
	if len(val) == 0 {
		return nil, true, nil
	}
	return val, true, nil
}

func (c *RedisReplayCache) Remember(ctx context.Context, envelopeID string, result []byte) error {
	if err := c.client.Set(ctx, replayKeyPrefix+envelopeID, result, c.ttl).Err(); err != nil {
		return fmt.Errorf("replay remember: %w", err)
	}
	return nil
}

// RedisDedupeCache keys recently seen body hashes with a short TTL.
type RedisDedupeCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDedupeCache(client *redis.Client, ttl time.Duration) *RedisDedupeCache {
	return &RedisDedupeCache{client: client, ttl: ttl}
}

func (c *RedisDedupeCache) Seen(ctx context.Context, hash string) (bool, error) {
	n, err := c.client.Exists(ctx, dedupeKeyPrefix+hash).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check: %w", err)
	}
	return n > 0, nil
}

func (c *RedisDedupeCache) Mark(ctx context.Context, hash string) error {
	if err := c.client.Set(ctx, dedupeKeyPrefix+hash, 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("dedupe mark: %w", err)
	}
	return nil
}

// RedisGreylist records first-contact pairs. The first sighting starts the
// delay clock; once the delay has served, the pair passes for passTTL.
type RedisGreylist struct {
	client  *redis.Client
	delay   time.Duration
	passTTL time.Duration
	now     func() time.Time
}

func NewRedisGreylist(client *redis.Client, delay, passTTL time.Duration) *RedisGreylist {
	return &RedisGreylist{client: client, delay: delay, passTTL: passTTL, now: time.Now}
}

func (g *RedisGreylist) key(sender, recipient string) string {
	return greyKeyPrefix + sender + ":" + recipient
}

func (g *RedisGreylist) Check(ctx context.Context, sender, recipient string) (time.Duration, error) {
	key := g.key(sender, recipient)
	now := g.now()

	firstSeen, err := g.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := g.client.Set(ctx, key, now.UnixMilli(), g.passTTL).Err(); err != nil {
			return 0, fmt.Errorf("greylist record: %w", err)
		}
		return g.delay, nil
	}
	if err != nil {
		return 0, fmt.Errorf("greylist check: %w", err)
	}

	elapsed := now.Sub(time.UnixMilli(firstSeen))
	if elapsed < g.delay {
		return g.delay - elapsed, nil
	}
	return 0, nil
}

// rateWindowScript implements an atomic sliding window on a sorted set:
// trim entries older than the window, count, and add the new request only
// when under the limit. Returns {allowed, oldest} where oldest is the
// score of the earliest surviving entry (for Retry-After).
var rateWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= max then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    return {0, oldest[2]}
end
redis.call("ZADD", key, now, now .. "-" .. math.random(1000000))
redis.call("PEXPIRE", key, window)
return {1, 0}
`)

// RedisRateLimiter is the per-sender sliding window. When Redis is down it
// falls back to an in-process x/time/rate limiter and reports degraded.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
	now    func() time.Time

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

func NewRedisRateLimiter(client *redis.Client, window time.Duration, max int) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:   client,
		window:   window,
		max:      max,
		now:      time.Now,
		fallback: make(map[string]*rate.Limiter),
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, sender string) (bool, time.Duration, bool, error) {
	now := l.now().UnixMilli()
	res, err := rateWindowScript.Run(ctx, l.client, []string{rateKeyPrefix + sender},
		now, l.window.Milliseconds(), l.max).Result()
	if err != nil {
		// Degraded mode: Redis down, allow through the local limiter.
		return l.allowLocal(sender), 0, true, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, false, fmt.Errorf("rate limiter: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	if allowed == 1 {
		return true, 0, false, nil
	}

	retryAfter := l.window
	if oldestStr, ok := vals[1].(string); ok {
		var oldest int64
		if _, err := fmt.Sscanf(oldestStr, "%d", &oldest); err == nil {
			if d := time.UnixMilli(oldest).Add(l.window).Sub(l.now()); d > 0 {
				retryAfter = d
			}
		}
	}
	return false, retryAfter, false, nil
}

func (l *RedisRateLimiter) allowLocal(sender string) bool {
	l.mu.Lock()
	lim, ok := l.fallback[sender]
	if !ok {
		perSecond := float64(l.max) / l.window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), l.max)
		l.fallback[sender] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
