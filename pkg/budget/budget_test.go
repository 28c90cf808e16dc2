package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

var testNow = time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)

func fixedLimit(n int) Limits {
	return LimitFunc(func(context.Context, string) int { return n })
}

func TestEnforcer_CapAndCriticalBypass(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(NewMemoryStorage(), fixedLimit(2)).WithClock(func() time.Time { return testNow })

	for i := 0; i < 2; i++ {
		d, err := e.Consume(ctx, "t1", false)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := e.Consume(ctx, "t1", false)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC), d.ResetAt)

	check, err := e.Check(ctx, "t1", false)
	require.NoError(t, err)
	assert.False(t, check.Allowed)

	d, err = e.Consume(ctx, "t1", true)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "critical actions are never refused")
	assert.Equal(t, 2, d.Used, "critical actions are not counted")

	other, err := e.Consume(ctx, "t2", false)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "tenants are isolated")
}

func TestEnforcer_Release(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(NewMemoryStorage(), fixedLimit(1)).WithClock(func() time.Time { return testNow })

	d, err := e.Consume(ctx, "t1", false)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, "2026-07-01", d.Day)

	require.NoError(t, e.Release(ctx, "t1", d))
	used, remaining, err := e.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Equal(t, 1, remaining)

	crit, err := e.Consume(ctx, "t1", true)
	require.NoError(t, err)
	require.NoError(t, e.Release(ctx, "t1", crit), "critical decisions reserved nothing")
	require.NoError(t, e.Release(ctx, "t1", d), "never below zero")
	used, _, err = e.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestEnforcer_NewDayStartsFresh(t *testing.T) {
	ctx := context.Background()
	now := testNow
	s := NewMemoryStorage()
	e := NewEnforcer(s, fixedLimit(1)).WithClock(func() time.Time { return now })

	d, err := e.Consume(ctx, "t1", false)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	now = now.Add(12 * time.Hour)
	d, err = e.Consume(ctx, "t1", false)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	pruned, err := e.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

type failingStorage struct{ *MemoryStorage }

func (failingStorage) Increment(context.Context, string, string, int, time.Time) (int, bool, error) {
	return 0, false, errors.New("db down")
}

func TestEnforcer_FailClosed(t *testing.T) {
	e := NewEnforcer(failingStorage{NewMemoryStorage()}, nil)
	d, err := e.Consume(context.Background(), "t1", false)
	assert.Error(t, err)
	assert.False(t, d.Allowed)
}

func TestSQLStorage_ConcurrentReservationsRespectCap(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStorage(db)
	require.NoError(t, s.Init(ctx))
	e := NewEnforcer(s, fixedLimit(5)).WithClock(func() time.Time { return testNow })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Consume(ctx, "t1", false)
			if err == nil && d.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)

	used, remaining, err := e.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, used)
	assert.Equal(t, 0, remaining)

	zero := NewEnforcer(s, fixedLimit(0)).WithClock(func() time.Time { return testNow })
	d, err := zero.Consume(ctx, "t9", false)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	u, err := s.Get(ctx, "t9", DayKey(testNow))
	require.NoError(t, err)
	assert.Nil(t, u)
}
