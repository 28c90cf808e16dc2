package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts chain initiations per tenant per UTC day.
type Limiter interface {
	// Take reserves one initiation for tenantID on day. It reports false,
	// without reserving, once max initiations were already taken.
	Take(ctx context.Context, tenantID, day string, max int) (bool, error)
}

// DayKey is the UTC calendar day used as the limiter window.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MemoryLimiter is a process-local Limiter.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counts: make(map[string]int)}
}

func (l *MemoryLimiter) Take(_ context.Context, tenantID, day string, max int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := tenantID + "|" + day
	if l.counts[key] >= max {
		return false, nil
	}
	l.counts[key]++
	return true, nil
}

// Count returns the initiations taken for tenantID on day.
func (l *MemoryLimiter) Count(tenantID, day string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[tenantID+"|"+day]
}

// redisTakeScript increments the day counter and rolls it back when the cap
// is exceeded, so the stored count never passes max.
// KEYS[1] = counter key
// ARGV[1] = max
// ARGV[2] = ttl seconds
var redisTakeScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local n = redis.call("INCR", key)
if n == 1 then
    redis.call("EXPIRE", key, ttl)
end
if n > max then
    redis.call("DECR", key)
    return 0
end
return 1
`)

// RedisLimiter shares initiation counts across instances. Counters expire
// two days after their first use.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "escalation:started:", ttl: 48 * time.Hour}
}

func (l *RedisLimiter) Take(ctx context.Context, tenantID, day string, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	key := l.prefix + tenantID + ":" + day
	res, err := redisTakeScript.Run(ctx, l.client, []string{key}, max, int(l.ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("redis escalation limiter: %w", err)
	}
	return res == 1, nil
}
