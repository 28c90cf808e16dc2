package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

var t0 = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db)
	require.NoError(t, s.Init(ctx))
	return s
}

func TestOutbox(t *testing.T) {
	for name, mk := range map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLStore(t) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Run("submit is idempotent", func(t *testing.T) { testIdempotentSubmit(t, mk(t)) })
			t.Run("drain retries then dies", func(t *testing.T) { testDrainRetries(t, mk(t)) })
			t.Run("failures are independent", func(t *testing.T) { testIndependentFailures(t, mk(t)) })
		})
	}
}

func testIdempotentSubmit(t *testing.T, s Store) {
	ctx := context.Background()
	o := New(s).WithClock(func() time.Time { return t0 })

	payload := map[string]any{"intervention_id": "iv-1"}
	require.NoError(t, o.Submit(ctx, "t1", "approval_requested", payload))
	require.NoError(t, o.Submit(ctx, "t1", "approval_requested", map[string]any{"intervention_id": "iv-1"}))
	require.NoError(t, o.Submit(ctx, "t1", "intervention_blocked", payload))

	pending, err := s.Pending(ctx, t0, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	assert.Error(t, o.Submit(ctx, "", "approval_requested", payload))
}

func testDrainRetries(t *testing.T, s Store) {
	ctx := context.Background()
	now := t0
	clock := func() time.Time { return now }
	o := New(s).WithClock(clock)
	m, err := o.Enqueue(ctx, "t1", "approval_requested", map[string]any{"intervention_id": "iv-1"})
	require.NoError(t, err)

	calls := 0
	h := HandlerFunc(func(context.Context, *Message) error {
		calls++
		return errors.New("push gateway down")
	})
	d := NewDispatcher(s, h, DispatcherConfig{MaxAttempts: 3, Backoff: time.Minute}).WithClock(clock)

	res := d.Drain(ctx)
	assert.Equal(t, 1, res.Retried)

	res = d.Drain(ctx)
	assert.Zero(t, res.Retried, "backoff holds the message until its next attempt")

	now = now.Add(time.Minute)
	res = d.Drain(ctx)
	assert.Equal(t, 1, res.Retried)

	now = now.Add(2 * time.Minute)
	res = d.Drain(ctx)
	assert.Equal(t, 1, res.Dead)
	assert.Equal(t, 3, calls)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "push gateway down", got.LastError)

	now = now.Add(time.Hour)
	res = d.Drain(ctx)
	assert.Equal(t, DrainResult{}, res, "dead messages are never retried")
}

func testIndependentFailures(t *testing.T, s Store) {
	ctx := context.Background()
	clock := func() time.Time { return t0 }
	o := New(s).WithClock(clock)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, o.Submit(ctx, "t1", "intervention_blocked", map[string]any{"intervention_id": id}))
	}

	var delivered []string
	h := HandlerFunc(func(_ context.Context, m *Message) error {
		id := m.Payload["intervention_id"].(string)
		if id == "b" {
			panic("handler bug")
		}
		delivered = append(delivered, id)
		return nil
	})
	res := NewDispatcher(s, h, DefaultDispatcherConfig()).WithClock(clock).Drain(ctx)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Retried)
	assert.ElementsMatch(t, []string{"a", "c"}, delivered)

	n, err := s.Prune(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type recordingSender struct {
	channel string
	payload map[string]any
}

func (r *recordingSender) Send(_ context.Context, _, channel string, payload map[string]any) (contracts.SendResult, error) {
	r.channel, r.payload = channel, payload
	return contracts.SendResult{Success: true}, nil
}

func TestSenderHandler(t *testing.T) {
	r := &recordingSender{}
	h := SenderHandler(r, "push")
	err := h.Handle(context.Background(), &Message{TenantID: "t1", Kind: "approval_expired", Payload: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, "push", r.channel)
	assert.Equal(t, "approval_expired", r.payload["notice"])
	assert.Equal(t, 1, r.payload["x"])
}

func TestBackoffCaps(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), nil, DispatcherConfig{Backoff: time.Minute, MaxBackoff: 5 * time.Minute})
	assert.Equal(t, time.Minute, d.backoff(1))
	assert.Equal(t, 2*time.Minute, d.backoff(2))
	assert.Equal(t, 4*time.Minute, d.backoff(3))
	assert.Equal(t, 5*time.Minute, d.backoff(4))
	assert.Equal(t, 5*time.Minute, d.backoff(10))
}
