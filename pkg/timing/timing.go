// Package timing chooses when an approved intervention is delivered: now for
// critical items, otherwise after quiet hours, around calendar blocks, and at
// the tenant's learned best contact hour.
package timing

import (
	"context"
	"log/slog"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// QuietHours is a wrap-aware [Start, End) interval of local hours. Start >
// End spans midnight; Start == End means no quiet hours.
type QuietHours struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Contains reports whether hour falls inside the interval.
func (q QuietHours) Contains(hour int) bool {
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return hour >= q.Start && hour < q.End
	}
	return hour >= q.Start || hour < q.End
}

// Valid reports whether both bounds are hours of the day.
func (q QuietHours) Valid() bool {
	return q.Start >= 0 && q.Start < 24 && q.End >= 0 && q.End < 24
}

// EndAfter returns the first instant at or after local where quiet hours are
// over, in local's location. It returns local when it is not quiet.
func (q QuietHours) EndAfter(local time.Time) time.Time {
	if !q.Contains(local.Hour()) {
		return local
	}
	end := time.Date(local.Year(), local.Month(), local.Day(), q.End, 0, 0, 0, local.Location())
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// Settings are the tenant's delivery settings.
type Settings struct {
	Timezone string      `json:"timezone"`
	Quiet    *QuietHours `json:"quiet_hours,omitempty"`
}

// Location resolves the timezone, falling back to UTC.
func (s Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SettingsSource provides tenant timezone and quiet hours.
type SettingsSource interface {
	Settings(ctx context.Context, tenantID string) (Settings, error)
}

// CalendarSource reports whether the user is in a focus or meeting block at
// the given instant and, if so, when the block ends.
type CalendarSource interface {
	Busy(ctx context.Context, tenantID string, at time.Time) (busy bool, freeAt time.Time, err error)
}

// PreferenceSource provides learned delivery preferences.
type PreferenceSource interface {
	Preferences(ctx context.Context, tenantID string) (*contracts.Preferences, error)
}

// Optimizer chooses delivery times. Every collaborator is optional and any
// collaborator error degrades to the next rule.
type Optimizer struct {
	settings SettingsSource
	calendar CalendarSource
	prefs    PreferenceSource
	clock    func() time.Time
	logger   *slog.Logger
}

// NewOptimizer creates an optimizer.
func NewOptimizer(settings SettingsSource, calendar CalendarSource, prefs PreferenceSource) *Optimizer {
	return &Optimizer{
		settings: settings,
		calendar: calendar,
		prefs:    prefs,
		clock:    time.Now,
		logger:   slog.Default().With("component", "timing"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Optimizer) WithClock(clock func() time.Time) *Optimizer {
	o.clock = clock
	return o
}

// ChooseDeliveryTime applies, in order: critical → now; inside quiet hours →
// end of quiet hours; calendar busy → next free slot; learned best contact
// hour on the nearest day it is not quiet; else now. Only critical items skip
// the later rules.
func (o *Optimizer) ChooseDeliveryTime(ctx context.Context, tenantID string, in *contracts.Intervention) time.Time {
	now := o.clock().UTC()
	if in.Priority == contracts.PriorityCritical {
		return now
	}

	settings := o.loadSettings(ctx, tenantID)
	loc := settings.Location()
	local := now.In(loc)
	quiet := QuietHours{}
	if settings.Quiet != nil && settings.Quiet.Valid() {
		quiet = *settings.Quiet
	}

	if quiet.Contains(local.Hour()) {
		return quiet.EndAfter(local).UTC()
	}

	if o.calendar != nil {
		busy, freeAt, err := o.calendar.Busy(ctx, tenantID, now)
		switch {
		case err != nil:
			o.logger.WarnContext(ctx, "calendar unavailable", "tenant_id", tenantID, "error", err)
		case busy && freeAt.After(now):
			return quiet.EndAfter(freeAt.In(loc)).UTC()
		}
	}

	if at, ok := o.preferredSlot(ctx, tenantID, local, quiet); ok {
		return at.UTC()
	}
	return now
}

func (o *Optimizer) loadSettings(ctx context.Context, tenantID string) Settings {
	if o.settings == nil {
		return Settings{}
	}
	s, err := o.settings.Settings(ctx, tenantID)
	if err != nil {
		o.logger.WarnContext(ctx, "tenant settings unavailable, using defaults", "tenant_id", tenantID, "error", err)
		return Settings{}
	}
	return s
}

func (o *Optimizer) preferredSlot(ctx context.Context, tenantID string, local time.Time, quiet QuietHours) (time.Time, bool) {
	if o.prefs == nil {
		return time.Time{}, false
	}
	p, err := o.prefs.Preferences(ctx, tenantID)
	if err != nil {
		o.logger.WarnContext(ctx, "preferences unavailable", "tenant_id", tenantID, "error", err)
		return time.Time{}, false
	}
	if p == nil || p.BestContactHour == nil {
		return time.Time{}, false
	}
	hour := *p.BestContactHour
	if hour < 0 || hour > 23 || quiet.Contains(hour) {
		return time.Time{}, false
	}
	if local.Hour() == hour {
		return local, true
	}
	slot := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, local.Location())
	if slot.Before(local) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot, true
}
