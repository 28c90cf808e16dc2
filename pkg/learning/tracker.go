// Package learning closes the feedback loop: the Tracker measures executed
// interventions at fixed delays and the Engine folds those measurements into
// per-tenant delivery preferences.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// Measurer scores an executed intervention; nil means not enough signal yet.
type Measurer interface {
	MeasureEffectiveness(ctx context.Context, interventionID string) (*float64, error)
}

// RecordStore is the slice of the intervention store the tracker needs.
type RecordStore interface {
	DueMeasurements(ctx context.Context, w contracts.Window, now time.Time, delay, lag time.Duration, limit int) ([]*contracts.EffectivenessRecord, error)
	SaveEffectiveness(ctx context.Context, rec *contracts.EffectivenessRecord) error
}

// TrackerConfig sets the measurement windows. A record is picked up once its
// delay has passed and dropped once the lag beyond it has passed.
type TrackerConfig struct {
	Delay24h  time.Duration
	Delay7d   time.Duration
	Lag24h    time.Duration
	Lag7d     time.Duration
	BatchSize int
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Delay24h:  24 * time.Hour,
		Delay7d:   7 * 24 * time.Hour,
		Lag24h:    72 * time.Hour,
		Lag7d:     14 * 24 * time.Hour,
		BatchSize: 500,
	}
}

// TrackResult counts one tracker sweep.
type TrackResult struct {
	Scanned     int `json:"scanned"`
	Measured24h int `json:"measured_24h"`
	Measured7d  int `json:"measured_7d"`
	Pending     int `json:"pending"`
	Errors      int `json:"errors"`
}

// Tracker is the outcome tracker.
type Tracker struct {
	store    RecordStore
	measurer Measurer
	cfg      TrackerConfig
	clock    func() time.Time
	logger   *slog.Logger
}

func NewTracker(s RecordStore, m Measurer, cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.Delay24h <= 0 {
		cfg.Delay24h = def.Delay24h
	}
	if cfg.Delay7d <= 0 {
		cfg.Delay7d = def.Delay7d
	}
	if cfg.Lag24h <= 0 {
		cfg.Lag24h = def.Lag24h
	}
	if cfg.Lag7d <= 0 {
		cfg.Lag7d = def.Lag7d
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Tracker{
		store:    s,
		measurer: m,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "outcome_tracker"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Sweep measures every record whose 24h or 7d window is due. The 24h pass
// runs first so a record can never get its 7d score before its 24h one.
func (t *Tracker) Sweep(ctx context.Context) TrackResult {
	var res TrackResult
	now := t.clock()
	t.sweepWindow(ctx, contracts.Window24h, now, t.cfg.Delay24h, t.cfg.Lag24h, &res)
	t.sweepWindow(ctx, contracts.Window7d, now, t.cfg.Delay7d, t.cfg.Lag7d, &res)
	t.logger.InfoContext(ctx, "outcome sweep",
		"scanned", res.Scanned, "measured_24h", res.Measured24h, "measured_7d", res.Measured7d,
		"pending", res.Pending, "errors", res.Errors)
	return res
}

func (t *Tracker) sweepWindow(ctx context.Context, w contracts.Window, now time.Time, delay, lag time.Duration, res *TrackResult) {
	recs, err := t.store.DueMeasurements(ctx, w, now, delay, lag, t.cfg.BatchSize)
	if err != nil {
		t.logger.ErrorContext(ctx, "list due measurements", "window", w, "error", err)
		res.Errors++
		return
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		res.Scanned++
		if err := t.measure(ctx, w, rec, now, res); err != nil {
			t.logger.ErrorContext(ctx, "measure effectiveness",
				"intervention_id", rec.InterventionID, "window", w, "error", err)
			res.Errors++
		}
	}
}

func (t *Tracker) measure(ctx context.Context, w contracts.Window, rec *contracts.EffectivenessRecord, now time.Time, res *TrackResult) error {
	score, err := t.measurer.MeasureEffectiveness(ctx, rec.InterventionID)
	if err != nil {
		return err
	}
	if score == nil {
		res.Pending++
		return nil
	}

	switch w {
	case contracts.Window24h:
		rec.Mark24h(now, *score)
	case contracts.Window7d:
		if err := rec.Mark7d(now, *score); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown window %q", w)
	}
	if err := t.store.SaveEffectiveness(ctx, rec); err != nil {
		return fmt.Errorf("save effectiveness: %w", err)
	}
	if w == contracts.Window24h {
		res.Measured24h++
	} else {
		res.Measured7d++
	}
	return nil
}
