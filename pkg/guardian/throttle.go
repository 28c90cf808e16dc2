package guardian

import (
	"context"
	"math"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// Config tunes the throttle and the benefit floor.
type Config struct {
	// ThrottleMin and ThrottleMax bound the daily cap.
	ThrottleMin int
	ThrottleMax int

	// FloorLow is the benefit floor at the top of the band, FloorHigh at
	// the bottom: a tenant throttled harder also needs better proposals.
	FloorLow  float64
	FloorHigh float64

	// Window is how far back block rate and effectiveness are read.
	Window time.Duration

	// CacheTTL bounds how long a computed throttle is reused.
	CacheTTL time.Duration
}

// DefaultConfig returns the production defaults: a 1–15 band, a 3–7 benefit
// floor, a 14-day window recomputed daily.
func DefaultConfig() Config {
	return Config{
		ThrottleMin: 1,
		ThrottleMax: 15,
		FloorLow:    3,
		FloorHigh:   7,
		Window:      14 * 24 * time.Hour,
		CacheTTL:    24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThrottleMin <= 0 {
		c.ThrottleMin = d.ThrottleMin
	}
	if c.ThrottleMax < c.ThrottleMin {
		c.ThrottleMax = max(d.ThrottleMax, c.ThrottleMin)
	}
	if c.FloorLow == 0 && c.FloorHigh == 0 {
		c.FloorLow, c.FloorHigh = d.FloorLow, d.FloorHigh
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	return c
}

// Neutral effectiveness assumed when a tenant has no measurements.
const coldStartEffectiveness = 5.0

// Stats are a tenant's recent outcomes.
type Stats struct {
	// Evaluated counts interventions that received a verdict in the window.
	Evaluated int
	Blocked   int

	// Measured counts effectiveness scores in the window.
	Measured         int
	AvgEffectiveness float64
}

// BlockRate returns Blocked/Evaluated, zero without evaluations.
func (s Stats) BlockRate() float64 {
	if s.Evaluated <= 0 {
		return 0
	}
	return clamp(float64(s.Blocked)/float64(s.Evaluated), 0, 1)
}

// StatsSource reads recent outcomes for a tenant.
type StatsSource interface {
	GuardianStats(ctx context.Context, tenantID string, since time.Time) (Stats, error)
}

// ComputeThrottle derives the daily cap and benefit floor from stats. The
// cap is increasing in average effectiveness, decreasing in block rate and
// clamped to [ThrottleMin, ThrottleMax].
func ComputeThrottle(tenantID string, s Stats, cfg Config, now time.Time) contracts.ThrottleConfig {
	cfg = cfg.withDefaults()
	avg := coldStartEffectiveness
	if s.Measured > 0 {
		avg = clamp(s.AvgEffectiveness, 0, 10)
	}
	blockRate := s.BlockRate()

	span := float64(cfg.ThrottleMax - cfg.ThrottleMin)
	capacity := float64(cfg.ThrottleMin) + span*(avg/10)*(1-blockRate)
	maxPerDay := int(math.Round(capacity))
	maxPerDay = min(max(maxPerDay, cfg.ThrottleMin), cfg.ThrottleMax)

	position := 1.0
	if span > 0 {
		position = float64(maxPerDay-cfg.ThrottleMin) / span
	}
	floor := cfg.FloorLow + (cfg.FloorHigh-cfg.FloorLow)*(1-position)

	return contracts.ThrottleConfig{
		TenantID:         tenantID,
		MaxPerDay:        maxPerDay,
		MinBenefitScore:  math.Round(floor*10) / 10,
		AvgEffectiveness: avg,
		BlockRate:        blockRate,
		SampleSize:       s.Measured,
		ComputedAt:       now,
	}
}

// CalculateThrottle recomputes the tenant's throttle from the stats source
// and caches it. A stats failure yields the cold-start throttle, which is
// not cached.
func (g *Guardian) CalculateThrottle(ctx context.Context, tenantID string) contracts.ThrottleConfig {
	now := g.clock.Now()
	var stats Stats
	if g.stats != nil {
		s, err := g.stats.GuardianStats(ctx, tenantID, now.Add(-g.cfg.Window))
		if err != nil {
			g.logger.WarnContext(ctx, "throttle stats unavailable, using cold start", "tenant_id", tenantID, "error", err)
			return ComputeThrottle(tenantID, Stats{}, g.cfg, now)
		}
		stats = s
	}
	tc := ComputeThrottle(tenantID, stats, g.cfg, now)

	g.mu.Lock()
	g.throttles[tenantID] = tc
	g.mu.Unlock()
	return tc
}

// ThrottleFor returns the cached throttle, recomputing when absent or stale.
func (g *Guardian) ThrottleFor(ctx context.Context, tenantID string) contracts.ThrottleConfig {
	g.mu.Lock()
	tc, ok := g.throttles[tenantID]
	g.mu.Unlock()
	if ok && g.clock.Now().Sub(tc.ComputedAt) < g.cfg.CacheTTL {
		return tc
	}
	return g.CalculateThrottle(ctx, tenantID)
}

// RefreshThrottle drops the cached value and recomputes it.
func (g *Guardian) RefreshThrottle(ctx context.Context, tenantID string) contracts.ThrottleConfig {
	g.mu.Lock()
	delete(g.throttles, tenantID)
	g.mu.Unlock()
	return g.CalculateThrottle(ctx, tenantID)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
