package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the cached outcome of evaluating one candidate for a tenant.
type Decision struct {
	Allowed              bool     `json:"allowed"`
	RequiresConfirmation bool     `json:"requires_confirmation,omitempty"`
	ThresholdAmount      *float64 `json:"threshold_amount,omitempty"`
}

// Cache stores decisions keyed by tenant and candidate. Invalidate drops every
// decision of one tenant; InvalidateAll drops everything.
type Cache interface {
	Get(ctx context.Context, tenantID, candidate string) (Decision, bool, error)
	Set(ctx context.Context, tenantID, candidate string, d Decision) error
	Invalidate(ctx context.Context, tenantID string) error
	InvalidateAll(ctx context.Context) error
}

type memoryEntry struct {
	decision Decision
	expires  time.Time
}

// MemoryCache is a TTL map for single-instance deployments.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	tenants map[string]map[string]memoryEntry
}

// NewMemoryCache creates a cache whose entries live for ttl (zero disables expiry).
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		clock:   time.Now,
		tenants: make(map[string]map[string]memoryEntry),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Get(_ context.Context, tenantID, candidate string) (Decision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tenants[tenantID][candidate]
	if !ok {
		return Decision{}, false, nil
	}
	if c.ttl > 0 && !c.clock().Before(e.expires) {
		delete(c.tenants[tenantID], candidate)
		return Decision{}, false, nil
	}
	return e.decision, true, nil
}

func (c *MemoryCache) Set(_ context.Context, tenantID, candidate string, d Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tenants[tenantID]
	if !ok {
		m = make(map[string]memoryEntry)
		c.tenants[tenantID] = m
	}
	m[candidate] = memoryEntry{decision: d, expires: c.clock().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
	return nil
}

func (c *MemoryCache) InvalidateAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants = make(map[string]map[string]memoryEntry)
	return nil
}

// Len returns the number of cached decisions for a tenant.
func (c *MemoryCache) Len(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tenants[tenantID])
}

// RedisCache shares decisions across instances: one hash per tenant, fields
// are candidates, the whole hash expires after ttl.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache on an existing client.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "perm:", ttl: ttl}
}

func (c *RedisCache) key(tenantID string) string {
	return c.prefix + tenantID
}

func (c *RedisCache) Get(ctx context.Context, tenantID, candidate string) (Decision, bool, error) {
	raw, err := c.client.HGet(ctx, c.key(tenantID), candidate).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("permission cache get: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, false, fmt.Errorf("permission cache decode: %w", err)
	}
	return d, true, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID, candidate string, d Decision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key(tenantID), candidate, raw)
	if c.ttl > 0 {
		pipe.Expire(ctx, c.key(tenantID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("permission cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.client.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("permission cache invalidate: %w", err)
	}
	return nil
}

// InvalidateAll scans for every tenant hash under the cache prefix.
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("permission cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("permission cache invalidate all: %w", err)
	}
	return nil
}
