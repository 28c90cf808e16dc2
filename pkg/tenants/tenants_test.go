package tenants_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/store"
	"github.com/BGMLAI/exoskull-sub007/pkg/tenants"
	"github.com/BGMLAI/exoskull-sub007/pkg/timing"
)

var t0 = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]tenants.Store {
	ctx := context.Background()
	db, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlStore := tenants.NewSQLStore(db)
	require.NoError(t, sqlStore.Init(ctx))
	return map[string]tenants.Store{
		"memory": tenants.NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestDirectoryLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := tenants.NewDirectory(s).WithClock(func() time.Time { return t0 })

			created, err := d.Create(ctx, tenants.CreateRequest{
				ID:               "t1",
				Timezone:         "Europe/Warsaw",
				Quiet:            &timing.QuietHours{Start: 23, End: 7},
				EmergencyContact: "+48600100200",
				Metadata:         map[string]any{"plan": "family"},
			})
			require.NoError(t, err)
			assert.True(t, created.IsActive())

			_, err = d.Create(ctx, tenants.CreateRequest{ID: "t1"})
			assert.ErrorIs(t, err, tenants.ErrExists)

			_, err = d.Create(ctx, tenants.CreateRequest{ID: "t2", Timezone: "UTC"})
			require.NoError(t, err)

			got, err := d.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "family", got.Metadata["plan"])
			assert.True(t, got.CreatedAt.Equal(t0))

			settings, err := d.Settings(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "Europe/Warsaw", settings.Timezone)
			require.NotNil(t, settings.Quiet)
			assert.True(t, settings.Quiet.Contains(2))

			contact, err := d.EmergencyContact(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "+48600100200", contact)

			require.NoError(t, d.Suspend(ctx, "t2", "payment overdue"))
			ids, err := d.ActiveIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"t1"}, ids)

			require.NoError(t, d.Reactivate(ctx, "t2"))
			ids, err = d.ActiveIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"t1", "t2"}, ids)

			_, err = d.Get(ctx, "missing")
			assert.ErrorIs(t, err, tenants.ErrNotFound)
		})
	}
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	d := tenants.NewDirectory(tenants.NewMemoryStore())
	_, err := d.Create(ctx, tenants.CreateRequest{ID: "t1", Quiet: &timing.QuietHours{Start: 22, End: 6}})
	require.NoError(t, err)

	tz := "America/Los_Angeles"
	updated, err := d.UpdateSettings(ctx, "t1", tenants.SettingsUpdate{Timezone: &tz, ClearQuiet: true})
	require.NoError(t, err)
	assert.Equal(t, tz, updated.Timezone)
	assert.Nil(t, updated.Quiet)

	bad := "Mars/Olympus"
	_, err = d.UpdateSettings(ctx, "t1", tenants.SettingsUpdate{Timezone: &bad})
	assert.ErrorIs(t, err, tenants.ErrInvalid)

	_, err = d.UpdateSettings(ctx, "t1", tenants.SettingsUpdate{Quiet: &timing.QuietHours{Start: 25, End: 3}})
	assert.ErrorIs(t, err, tenants.ErrInvalid)

	got, err := d.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tz, got.Timezone, "rejected updates are not stored")
}

func TestCreateGeneratesID(t *testing.T) {
	d := tenants.NewDirectory(tenants.NewMemoryStore())
	created, err := d.Create(context.Background(), tenants.CreateRequest{Name: "Ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}
