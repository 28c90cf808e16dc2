package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisCache_Integration requires a running Redis and skips otherwise.
func TestRedisCache_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer client.Close()

	c := NewRedisCache(client, time.Minute)
	c.prefix = "perm-test:"
	require.NoError(t, c.InvalidateAll(ctx))

	limit := 10.0
	require.NoError(t, c.Set(ctx, "t1", "purchase:books", Decision{Allowed: true, ThresholdAmount: &limit}))
	d, ok, err := c.Get(ctx, "t1", "purchase:books")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Allowed)
	assert.Equal(t, 10.0, *d.ThresholdAmount)

	require.NoError(t, c.Invalidate(ctx, "t1"))
	_, ok, err = c.Get(ctx, "t1", "purchase:books")
	require.NoError(t, err)
	assert.False(t, ok)
}
