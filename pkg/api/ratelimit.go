package api

import (
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TenantRateLimiter limits requests per tenant with a token bucket. Idle
// buckets are dropped lazily while serving, so it starts no goroutine.
type TenantRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
	lastGC   time.Time
	clock    func() time.Time
}

// NewTenantRateLimiter allows rps requests per second per tenant with the
// given burst.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	return &TenantRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *TenantRateLimiter) WithClock(clock func() time.Time) *TenantRateLimiter {
	l.clock = clock
	return l
}

// Allow reserves one request for key. When refused it returns how long to
// wait.
func (l *TenantRateLimiter) Allow(key string) (bool, time.Duration) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idle {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Middleware applies the limit to authenticated requests, keyed by tenant.
// Requests without a principal pass through.
func (l *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := TenantFrom(r.Context())
		if tenant == "" {
			next.ServeHTTP(w, r)
			return
		}
		if ok, wait := l.Allow(tenant); !ok {
			WriteTooManyRequests(w, r, int(math.Ceil(wait.Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}
