package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeAttempt increments the counter and starts the window on the first
// attempt, in one step.
var takeAttempt = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// releaseAttempt gives one attempt back without reviving an expired key.
var releaseAttempt = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// AttemptLimiter counts delivery code attempts per handler inside a fixed
// window that starts at the first attempt. An attempt is reserved before
// the codes are checked, so concurrent requests cannot all slip under Max.
type AttemptLimiter struct {
	Redis  *redis.Client
	Max    int
	Window time.Duration
}

func (l *AttemptLimiter) key(handlerID string) string {
	return fmt.Sprintf(KeyDeliveryAttempts, handlerID)
}

// Take reserves one attempt and reports whether it is within Max.
func (l *AttemptLimiter) Take(ctx context.Context, handlerID string) (bool, error) {
	n, err := takeAttempt.Run(ctx, l.Redis, []string{l.key(handlerID)}, l.Window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n <= int64(l.Max), nil
}

// Release returns a reserved attempt that did not end in a mismatch.
func (l *AttemptLimiter) Release(ctx context.Context, handlerID string) error {
	return releaseAttempt.Run(ctx, l.Redis, []string{l.key(handlerID)}).Err()
}

func (l *AttemptLimiter) Reset(ctx context.Context, handlerID string) error {
	return l.Redis.Del(ctx, l.key(handlerID)).Err()
}
