package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// fixedWindow runs the whole check on the server so concurrent API replicas
// share one counter per key. Rejections leave the counter untouched.
//
// KEYS[1] counter key, ARGV[1] window in ms, ARGV[2] max.
// Returns {allowed, count, pttl}.
var fixedWindow = redis.NewScript(`
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, 1, window}
end
current = tonumber(current)
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, 1, window}
end
if current >= max then
  return {0, current, ttl}
end
current = redis.call('INCR', KEYS[1])
return {1, current, ttl}
`)

// Redis is a limiter backed by a shared Redis counter per key.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) Check(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	now := r.now()
	// PX needs a positive TTL.
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	res, err := fixedWindow.Run(ctx, r.client, []string{r.prefix + key}, windowMs, max).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Result{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	ttl, _ := res[2].(int64)

	out := Result{
		Allowed: allowed == 1,
		Limit:   max,
		ResetAt: now.Add(time.Duration(ttl) * time.Millisecond),
	}
	if out.Allowed {
		out.Remaining = max - int(count)
	}
	return out, nil
}

// Cleanup is a no-op: Redis expires window keys on its own.
func (r *Redis) Cleanup(time.Time) int {
	return 0
}
