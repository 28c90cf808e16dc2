package guardian

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeThrottle_ColdStart(t *testing.T) {
	tc := ComputeThrottle("t1", Stats{}, DefaultConfig(), testNow)
	assert.Equal(t, 8, tc.MaxPerDay)
	assert.Equal(t, 5.0, tc.MinBenefitScore)
	assert.Equal(t, 5.0, tc.AvgEffectiveness)
	assert.Zero(t, tc.BlockRate)
}

func TestComputeThrottle_Band(t *testing.T) {
	best := ComputeThrottle("t1", Stats{Evaluated: 10, Measured: 10, AvgEffectiveness: 10}, DefaultConfig(), testNow)
	assert.Equal(t, 15, best.MaxPerDay)
	assert.Equal(t, 3.0, best.MinBenefitScore)

	worst := ComputeThrottle("t1", Stats{Evaluated: 10, Blocked: 10, Measured: 10, AvgEffectiveness: 0}, DefaultConfig(), testNow)
	assert.Equal(t, 1, worst.MaxPerDay)
	assert.Equal(t, 7.0, worst.MinBenefitScore)
}

func TestComputeThrottle_MonotoneInBlockRate(t *testing.T) {
	cfg := DefaultConfig()
	for _, eff := range []float64{0, 2.5, 5, 7.5, 10} {
		prev := cfg.ThrottleMax + 1
		for blocked := 0; blocked <= 20; blocked++ {
			tc := ComputeThrottle("t", Stats{Evaluated: 20, Blocked: blocked, Measured: 5, AvgEffectiveness: eff}, cfg, testNow)
			assert.LessOrEqual(t, tc.MaxPerDay, prev, "eff=%v blocked=%d", eff, blocked)
			assert.GreaterOrEqual(t, tc.MaxPerDay, cfg.ThrottleMin)
			prev = tc.MaxPerDay
		}
	}
}

func TestComputeThrottle_MonotoneInEffectiveness(t *testing.T) {
	cfg := DefaultConfig()
	prev := 0
	for eff := 0.0; eff <= 10; eff += 0.5 {
		tc := ComputeThrottle("t", Stats{Evaluated: 10, Blocked: 3, Measured: 4, AvgEffectiveness: eff}, cfg, testNow)
		assert.GreaterOrEqual(t, tc.MaxPerDay, prev)
		prev = tc.MaxPerDay
	}
}

func TestCalculateThrottle_CachesAndRefreshes(t *testing.T) {
	stats := &fixedStats{stats: Stats{Evaluated: 4, Blocked: 0, Measured: 4, AvgEffectiveness: 10}}
	g, _ := newGuardian(t, stats)
	ctx := context.Background()

	assert.Equal(t, 15, g.ThrottleFor(ctx, "t1").MaxPerDay)

	stats.stats = Stats{Evaluated: 4, Blocked: 4, Measured: 4, AvgEffectiveness: 10}
	assert.Equal(t, 15, g.ThrottleFor(ctx, "t1").MaxPerDay, "cached value reused")
	assert.Equal(t, 1, g.RefreshThrottle(ctx, "t1").MaxPerDay)
}

func TestCalculateThrottle_StatsErrorFallsBackToColdStart(t *testing.T) {
	g, _ := newGuardian(t, fixedStats{err: errors.New("db down")})
	tc := g.CalculateThrottle(context.Background(), "t1")
	assert.Equal(t, 8, tc.MaxPerDay)
}
