package timing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

type settingsFunc func(ctx context.Context, tenantID string) (Settings, error)

func (f settingsFunc) Settings(ctx context.Context, tenantID string) (Settings, error) {
	return f(ctx, tenantID)
}

type calendarFunc func(ctx context.Context, tenantID string, at time.Time) (bool, time.Time, error)

func (f calendarFunc) Busy(ctx context.Context, tenantID string, at time.Time) (bool, time.Time, error) {
	return f(ctx, tenantID, at)
}

type prefsFunc func(ctx context.Context, tenantID string) (*contracts.Preferences, error)

func (f prefsFunc) Preferences(ctx context.Context, tenantID string) (*contracts.Preferences, error) {
	return f(ctx, tenantID)
}

func quietSettings(tz string, start, end int) SettingsSource {
	return settingsFunc(func(context.Context, string) (Settings, error) {
		return Settings{Timezone: tz, Quiet: &QuietHours{Start: start, End: end}}, nil
	})
}

func bestHour(h int) PreferenceSource {
	return prefsFunc(func(context.Context, string) (*contracts.Preferences, error) {
		return &contracts.Preferences{BestContactHour: &h}, nil
	})
}

func at(clock time.Time) func() time.Time { return func() time.Time { return clock } }

func intervention(p contracts.Priority) *contracts.Intervention {
	return &contracts.Intervention{ID: "i", TenantID: "t1", Type: contracts.TypeMessage, Priority: p}
}

func TestQuietHours_Wrap(t *testing.T) {
	q := QuietHours{Start: 23, End: 7}
	assert.True(t, q.Contains(2))
	assert.False(t, q.Contains(10))
	assert.True(t, q.Contains(23))
	assert.True(t, q.Contains(0))
	assert.False(t, q.Contains(7))
	assert.True(t, q.Contains(6))

	day := QuietHours{Start: 13, End: 15}
	assert.True(t, day.Contains(13))
	assert.True(t, day.Contains(14))
	assert.False(t, day.Contains(15))
	assert.False(t, day.Contains(2))

	assert.False(t, QuietHours{Start: 5, End: 5}.Contains(5))
}

func TestQuietHours_EndAfter(t *testing.T) {
	q := QuietHours{Start: 23, End: 7}
	late := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC), q.EndAfter(late))

	early := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC), q.EndAfter(early))

	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, noon, q.EndAfter(noon))
}

func TestChooseDeliveryTime_CriticalBypassesEverything(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	o := NewOptimizer(quietSettings("UTC", 23, 7), nil, bestHour(9)).WithClock(at(now))
	assert.Equal(t, now, o.ChooseDeliveryTime(context.Background(), "t1", intervention(contracts.PriorityCritical)))
}

func TestChooseDeliveryTime_QuietHoursInTenantZone(t *testing.T) {
	// 06:00 UTC is 23:00 the previous day in Los Angeles (PDT, UTC-7).
	now := time.Date(2026, 6, 10, 6, 0, 0, 0, time.UTC)
	o := NewOptimizer(quietSettings("America/Los_Angeles", 23, 7), nil, nil).WithClock(at(now))

	got := o.ChooseDeliveryTime(context.Background(), "t1", intervention(contracts.PriorityHigh))
	assert.Equal(t, time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC), got)
}

func TestChooseDeliveryTime_CalendarBusy(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	free := now.Add(45 * time.Minute)
	cal := calendarFunc(func(context.Context, string, time.Time) (bool, time.Time, error) { return true, free, nil })
	o := NewOptimizer(quietSettings("UTC", 23, 7), cal, bestHour(18)).WithClock(at(now))

	assert.Equal(t, free, o.ChooseDeliveryTime(context.Background(), "t1", intervention(contracts.PriorityNormal)))
}

func TestChooseDeliveryTime_CalendarFreeAtRunsIntoQuietHours(t *testing.T) {
	now := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	cal := calendarFunc(func(context.Context, string, time.Time) (bool, time.Time, error) {
		return true, now.Add(90 * time.Minute), nil
	})
	o := NewOptimizer(quietSettings("UTC", 23, 7), cal, nil).WithClock(at(now))

	got := o.ChooseDeliveryTime(context.Background(), "t1", intervention(contracts.PriorityHigh))
	assert.Equal(t, time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC), got)
}

func TestChooseDeliveryTime_BestContactHour(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	o := NewOptimizer(quietSettings("UTC", 23, 7), nil, bestHour(18)).WithClock(at(now))
	ctx := context.Background()

	assert.Equal(t, time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC), o.ChooseDeliveryTime(ctx, "t1", intervention(contracts.PriorityLow)))
	assert.Equal(t, time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC), o.ChooseDeliveryTime(ctx, "t1", intervention(contracts.PriorityHigh)), "only critical skips the learned hour")
	assert.Equal(t, now, o.ChooseDeliveryTime(ctx, "t1", intervention(contracts.PriorityCritical)))

	o = NewOptimizer(quietSettings("UTC", 23, 7), nil, bestHour(8)).WithClock(at(now))
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), o.ChooseDeliveryTime(ctx, "t1", intervention(contracts.PriorityNormal)))

	o = NewOptimizer(quietSettings("UTC", 23, 7), nil, bestHour(3)).WithClock(at(now))
	assert.Equal(t, now, o.ChooseDeliveryTime(ctx, "t1", intervention(contracts.PriorityNormal)), "quiet best hour is ignored")
}

func TestChooseDeliveryTime_CollaboratorErrorsDegrade(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	boom := errors.New("boom")
	o := NewOptimizer(
		settingsFunc(func(context.Context, string) (Settings, error) { return Settings{}, boom }),
		calendarFunc(func(context.Context, string, time.Time) (bool, time.Time, error) { return false, time.Time{}, boom }),
		prefsFunc(func(context.Context, string) (*contracts.Preferences, error) { return nil, boom }),
	).WithClock(at(now))

	assert.Equal(t, now, o.ChooseDeliveryTime(context.Background(), "t1", intervention(contracts.PriorityNormal)))
}

func TestChooseDeliveryTime_ColdStart(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	o := NewOptimizer(nil, nil, nil).WithClock(at(now))
	assert.Equal(t, now, o.ChooseDeliveryTime(context.Background(), "t1", intervention(contracts.PriorityLow)))
}
