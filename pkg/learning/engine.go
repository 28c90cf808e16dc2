package learning

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
	"github.com/BGMLAI/exoskull-sub007/pkg/timing"
)

// History is the slice of the intervention store the engine reads.
type History interface {
	List(ctx context.Context, f interventions.Filter) ([]*contracts.Intervention, error)
	EffectivenessSince(ctx context.Context, tenantID string, since time.Time) ([]*contracts.EffectivenessRecord, error)
}

// EngineConfig tunes preference derivation.
type EngineConfig struct {
	// Window is how far back records are considered.
	Window time.Duration
	// MinSamples is the number of scored records a channel, hour or style
	// needs before it can win.
	MinSamples      int
	DefaultChannels []string
	DefaultStyle    string
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Window:          90 * 24 * time.Hour,
		MinSamples:      3,
		DefaultChannels: []string{"sms", "push", "email", "voice"},
		DefaultStyle:    contracts.StyleGentle,
	}
}

// Engine derives per-tenant preferences from effectiveness history.
type Engine struct {
	history  History
	prefs    PreferenceStore
	settings timing.SettingsSource
	cfg      EngineConfig
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an engine. settings may be nil; hours are then UTC.
func NewEngine(h History, prefs PreferenceStore, settings timing.SettingsSource, cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if len(cfg.DefaultChannels) == 0 {
		cfg.DefaultChannels = def.DefaultChannels
	}
	if cfg.DefaultStyle == "" {
		cfg.DefaultStyle = def.DefaultStyle
	}
	return &Engine{
		history:  h,
		prefs:    prefs,
		settings: settings,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "learning"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Preferences implements timing.PreferenceSource.
func (e *Engine) Preferences(ctx context.Context, tenantID string) (*contracts.Preferences, error) {
	return e.prefs.Preferences(ctx, tenantID)
}

// Defaults are the cold-start preferences.
func (e *Engine) Defaults(tenantID string) *contracts.Preferences {
	return &contracts.Preferences{
		TenantID:       tenantID,
		ChannelRanking: append([]string(nil), e.cfg.DefaultChannels...),
		MessageStyle:   e.cfg.DefaultStyle,
		UpdatedAt:      e.clock(),
	}
}

type sample struct {
	channel string
	hour    int
	style   string
	score   float64
}

type bucket struct {
	sum float64
	n   int
}

func (b bucket) avg() float64 { return b.sum / float64(b.n) }

// Recompute derives and stores the tenant's preferences. With no scored
// history it stores the defaults.
func (e *Engine) Recompute(ctx context.Context, tenantID string) (*contracts.Preferences, error) {
	now := e.clock()
	since := now.Add(-e.cfg.Window)

	recs, err := e.history.EffectivenessSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("load effectiveness of %s: %w", tenantID, err)
	}
	scored := make(map[string]float64, len(recs))
	for _, r := range recs {
		if r.Score != nil {
			scored[r.InterventionID] = *r.Score
		}
	}

	p := e.Defaults(tenantID)
	if len(scored) > 0 {
		// Items created before the window may have completed inside it.
		items, err := e.history.List(ctx, interventions.Filter{
			TenantID: tenantID,
			Statuses: []contracts.Status{contracts.StatusCompleted},
			Since:    since.Add(-e.cfg.Window),
		})
		if err != nil {
			return nil, fmt.Errorf("load interventions of %s: %w", tenantID, err)
		}
		loc := e.location(ctx, tenantID)

		var samples []sample
		for _, in := range items {
			score, ok := scored[in.ID]
			if !ok || in.CompletedAt == nil {
				continue
			}
			samples = append(samples, sample{
				channel: in.Channel(),
				hour:    in.CompletedAt.In(loc).Hour(),
				style:   in.PayloadString("style"),
				score:   score,
			})
		}
		e.derive(p, samples)
	}

	if err := e.prefs.SavePreferences(ctx, p); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "preferences recomputed",
		"tenant_id", tenantID, "samples", p.SampleSize, "style", p.MessageStyle, "channels", p.ChannelRanking)
	return p, nil
}

func (e *Engine) location(ctx context.Context, tenantID string) *time.Location {
	if e.settings == nil {
		return time.UTC
	}
	s, err := e.settings.Settings(ctx, tenantID)
	if err != nil {
		e.logger.WarnContext(ctx, "tenant settings unavailable, using UTC", "tenant_id", tenantID, "error", err)
		return time.UTC
	}
	return s.Location()
}

func (e *Engine) derive(p *contracts.Preferences, samples []sample) {
	p.SampleSize = len(samples)

	channels := map[string]bucket{}
	hours := map[int]bucket{}
	styles := map[string]bucket{}
	for _, s := range samples {
		channels[s.channel] = bucket{channels[s.channel].sum + s.score, channels[s.channel].n + 1}
		hours[s.hour] = bucket{hours[s.hour].sum + s.score, hours[s.hour].n + 1}
		if s.style == contracts.StyleDirect || s.style == contracts.StyleGentle {
			styles[s.style] = bucket{styles[s.style].sum + s.score, styles[s.style].n + 1}
		}
	}

	p.ChannelRanking = e.rankChannels(channels)

	best, bestAvg := -1, 0.0
	for h := 0; h < 24; h++ {
		b, ok := hours[h]
		if !ok || b.n < e.cfg.MinSamples {
			continue
		}
		if best < 0 || b.avg() > bestAvg {
			best, bestAvg = h, b.avg()
		}
	}
	if best >= 0 {
		p.BestContactHour = &best
	}

	d, g := styles[contracts.StyleDirect], styles[contracts.StyleGentle]
	if d.n >= e.cfg.MinSamples && g.n >= e.cfg.MinSamples {
		if d.avg() > g.avg() {
			p.MessageStyle = contracts.StyleDirect
		} else {
			p.MessageStyle = contracts.StyleGentle
		}
	}
}

// rankChannels orders channels with enough samples by average score, then
// appends the remaining default channels in their default order.
func (e *Engine) rankChannels(channels map[string]bucket) []string {
	var ranked []string
	for ch, b := range channels {
		if b.n >= e.cfg.MinSamples {
			ranked = append(ranked, ch)
		}
	}
	slices.SortFunc(ranked, func(a, b string) int {
		if c := cmp.Compare(channels[b].avg(), channels[a].avg()); c != 0 {
			return c
		}
		if c := cmp.Compare(channels[b].n, channels[a].n); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, ch := range e.cfg.DefaultChannels {
		if !slices.Contains(ranked, ch) {
			ranked = append(ranked, ch)
		}
	}
	return ranked
}
