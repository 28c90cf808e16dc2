package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
)

var t0 = time.Date(2026, 4, 14, 23, 55, 0, 0, time.UTC)

func TestStores(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)
	for name, s := range map[string]Store{"file": fs, "memory": NewMemoryStore()} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h1, err := s.Put(ctx, []byte(`{"a":1}`))
			require.NoError(t, err)
			assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h1)

			h2, err := s.Put(ctx, []byte(`{"a":1}`))
			require.NoError(t, err)
			assert.Equal(t, h1, h2, "content addressed")

			data, err := s.Get(ctx, h1)
			require.NoError(t, err)
			assert.Equal(t, `{"a":1}`, string(data))

			ok, err := s.Exists(ctx, h1)
			require.NoError(t, err)
			assert.True(t, ok)

			missing := "sha256:" + "00000000000000000000000000000000000000000000000000000000000000ff"
			ok, err = s.Exists(ctx, missing)
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = s.Get(ctx, missing)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Get(ctx, "md5:abc")
			assert.Error(t, err)
			_, err = s.Get(ctx, "sha256:../../etc/passwd")
			assert.Error(t, err)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, s)

	dir := t.TempDir()
	s, err = Open(ctx, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, "file://"+filepath.Join(dir, "nested"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	_, err = os.Stat(filepath.Join(dir, "nested"))
	assert.NoError(t, err)

	_, err = Open(ctx, "ftp://archive.example.com/x")
	assert.Error(t, err)
}

func TestExportReport(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	e := NewExporter(mem).WithClock(func() time.Time { return t0 })

	score := 0.8
	r := &Report{
		TenantID: "t1",
		Day:      "2026-04-14",
		Summary:  interventions.Summary{TenantID: "t1", Total: 1, Completed: 1},
		Interventions: []*contracts.Intervention{{
			ID: "iv-1", TenantID: "t1", Type: contracts.TypeMessage, Status: contracts.StatusCompleted,
			Payload: map[string]any{"body": "hi"}, CreatedAt: t0, UpdatedAt: t0,
		}},
		Effectiveness: []contracts.EffectivenessRecord{{InterventionID: "iv-1", TenantID: "t1", CompletedAt: t0, Score: &score}},
	}
	rec, err := e.ExportReport(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "report", rec.Kind)
	assert.Equal(t, "t1", rec.TenantID)
	assert.Positive(t, rec.Size)

	again, err := e.ExportReport(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, again.Hash)
	assert.Equal(t, 1, mem.Len())

	loaded, err := e.LoadReport(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, "iv-1", loaded.Interventions[0].ID)
	assert.True(t, loaded.GeneratedAt.Equal(t0))
	require.NotNil(t, loaded.Effectiveness[0].Score)
	assert.Equal(t, 0.8, *loaded.Effectiveness[0].Score)

	_, err = e.ExportReport(ctx, &Report{Day: "2026-04-14"})
	assert.Error(t, err)
}

func TestExportAudit(t *testing.T) {
	ctx := context.Background()
	log := guardian.NewAuditLog(guardian.ClockFunc(func() time.Time { return t0 }))
	for _, id := range []string{"iv-1", "iv-2"} {
		_, err := log.Append(&contracts.Intervention{ID: id, TenantID: "t1", Type: contracts.TypeMessage},
			guardian.Result{Verdict: contracts.VerdictApproved})
		require.NoError(t, err)
	}
	e := NewExporter(NewMemoryStore()).WithClock(func() time.Time { return t0 })

	entries := log.Entries()
	rec, err := e.ExportAudit(ctx, "2026-04-14", entries)
	require.NoError(t, err)
	assert.Equal(t, "audit", rec.Kind)

	entries[0].Reasoning = "rewritten"
	_, err = e.ExportAudit(ctx, "2026-04-14", entries)
	assert.Error(t, err, "a tampered chain is not exported")
}

type mapObjects struct {
	data    map[string][]byte
	uploads int
	failing bool
}

func (m *mapObjects) stat(_ context.Context, key string) (bool, error) {
	if m.failing {
		return false, errors.New("bucket unreachable")
	}
	_, ok := m.data[key]
	return ok, nil
}

func (m *mapObjects) fetch(_ context.Context, key string) ([]byte, error) {
	if m.failing {
		return nil, errors.New("bucket unreachable")
	}
	b, ok := m.data[key]
	if !ok {
		return nil, errMissing
	}
	return b, nil
}

func (m *mapObjects) upload(_ context.Context, key string, data []byte) error {
	if m.failing {
		return errors.New("bucket unreachable")
	}
	m.uploads++
	m.data[key] = data
	return nil
}

func TestRemoteStore(t *testing.T) {
	ctx := context.Background()
	objs := &mapObjects{data: map[string][]byte{}}
	r := remote{objs: objs, prefix: "reports/", kind: "test"}

	h, err := r.Put(ctx, []byte(`{"b":2}`))
	require.NoError(t, err)
	_, err = r.Put(ctx, []byte(`{"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, 1, objs.uploads, "second put finds the object")
	raw, _ := parseHash(h)
	assert.Contains(t, objs.data, "reports/"+raw+".json")

	data, err := r.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	missing := "sha256:" + strings.Repeat("ab", 32)
	_, err = r.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := r.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	objs.failing = true
	_, err = r.Put(ctx, []byte(`{"c":3}`))
	assert.ErrorContains(t, err, "test upload")
	_, err = r.Get(ctx, h)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	_, err = r.Exists(ctx, h)
	assert.Error(t, err)
}
