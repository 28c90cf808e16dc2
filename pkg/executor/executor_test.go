package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BGMLAI/exoskull-sub007/pkg/budget"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
	"github.com/BGMLAI/exoskull-sub007/pkg/permissions"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu    sync.Mutex
	sends []string
	fail  func(payload map[string]any) error
}

func (s *recordingSender) Send(_ context.Context, _, channel string, payload map[string]any) (contracts.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(payload); err != nil {
			return contracts.SendResult{Success: false, Error: err.Error()}, nil
		}
	}
	s.sends = append(s.sends, fmt.Sprintf("%s:%v", channel, payload["body"]))
	return contracts.SendResult{Success: true, ExternalID: "ext"}, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type fixture struct {
	clock   *clock
	machine *interventions.Machine
	store   *interventions.MemoryStore
	sender  *recordingSender
	exec    *Executor
	budget  *budget.Enforcer
}

func newFixture(t *testing.T, dailyLimit int) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: t0}

	model := permissions.NewModel(permissions.NewMemoryStore(), permissions.NewMemoryCache(time.Minute)).WithClock(c.Now)
	require.NoError(t, model.Grant(ctx, "t1", "send_sms", "*", permissions.GrantOptions{}))
	require.NoError(t, model.Grant(ctx, "t1", "purchase", "", permissions.GrantOptions{}))

	st := interventions.NewMemoryStore()
	g := guardian.New(model, st, guardian.DefaultConfig()).WithClock(guardian.ClockFunc(c.Now))
	m := interventions.NewMachine(st, g, nil, interventions.Config{ApprovalWindow: time.Hour}).WithClock(c.Now)

	sender := &recordingSender{}
	enf := budget.NewEnforcer(budget.NewMemoryStorage(), budget.LimitFunc(func(context.Context, string) int { return dailyLimit })).WithClock(c.Now)
	exec := New(m, NewSafeSender(sender, SenderConfig{Timeout: time.Second}), enf, nil, Config{}).WithClock(c.Now)
	return &fixture{clock: c, machine: m, store: st, sender: sender, exec: exec, budget: enf}
}

func sms(body string, requiresApproval bool) contracts.Proposal {
	return contracts.Proposal{
		TenantID:         "t1",
		Type:             contracts.TypeMessage,
		Priority:         contracts.PriorityNormal,
		Payload:          map[string]any{"action_type": "send_sms", "domain": "family", "body": body},
		RequiresApproval: requiresApproval,
		BenefitScore:     8,
	}
}

func (f *fixture) status(t *testing.T, id string) contracts.Status {
	t.Helper()
	in, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return in.Status
}

func TestTimeoutScenario_MessageApprovedPurchaseCancelled(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	msg, err := f.machine.Propose(ctx, sms("stretch", true))
	require.NoError(t, err)
	buy, err := f.machine.Propose(ctx, contracts.Proposal{
		TenantID: "t1", Type: contracts.TypePurchase, Priority: contracts.PriorityNormal,
		Payload: map[string]any{"amount": 20.0, "currency": "USD"}, RequiresApproval: true, BenefitScore: 8,
	})
	require.NoError(t, err)

	f.clock.Advance(59 * time.Minute)
	res := f.exec.ProcessTimeouts(ctx)
	assert.Zero(t, res.AutoApproved+res.Cancelled)
	assert.Equal(t, contracts.StatusPendingApproval, f.status(t, msg.ID))

	f.clock.Advance(2 * time.Minute)
	res = f.exec.ProcessTimeouts(ctx)
	assert.Equal(t, 1, res.AutoApproved)
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, contracts.StatusQueued, f.status(t, msg.ID))
	assert.Equal(t, contracts.StatusCancelled, f.status(t, buy.ID))

	q := f.exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 1, q.Executed)
	assert.Equal(t, contracts.StatusCompleted, f.status(t, msg.ID))
	assert.Equal(t, []string{"sms:stretch"}, f.sender.sends)
}

func TestSweeps_Idempotent(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.machine.Propose(ctx, sms(fmt.Sprintf("m%d", i), false))
		require.NoError(t, err)
	}

	first := f.exec.Run(ctx, 10)
	assert.Equal(t, 3, first.Executed)
	snapshot, err := f.store.List(ctx, interventions.Filter{TenantID: "t1"})
	require.NoError(t, err)

	second := f.exec.Run(ctx, 10)
	assert.Zero(t, second.Executed)
	assert.Zero(t, second.Failed)
	assert.Equal(t, 3, f.sender.count(), "no double execution")

	again, err := f.store.List(ctx, interventions.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, snapshot, again)
}

func TestConcurrentSweepsNeverDoubleExecute(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := f.machine.Propose(ctx, sms(fmt.Sprintf("m%d", i), false))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]SweepResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.exec.ProcessQueue(ctx, 50)
		}()
	}
	wg.Wait()

	executed := 0
	for _, r := range results {
		executed += r.Executed
	}
	assert.Equal(t, 20, executed)
	assert.Equal(t, 20, f.sender.count())
}

func TestSenderFailureMarksFailedAndRequeue(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.sender.fail = func(map[string]any) error { return errors.New("carrier rejected") }

	in, err := f.machine.Propose(ctx, sms("hello", false))
	require.NoError(t, err)

	res := f.exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 1, res.Failed)
	got, err := f.store.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "carrier rejected")

	res = f.exec.ProcessQueue(ctx, 10)
	assert.Zero(t, res.Scanned, "failures are not retried automatically")

	f.sender.fail = nil
	_, err = f.exec.Requeue(ctx, in.ID)
	require.NoError(t, err)
	res = f.exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 1, res.Executed)
}

func TestSafeSender_RecoversPanics(t *testing.T) {
	s := NewSafeSender(contracts.ChannelSenderFunc(func(context.Context, string, string, map[string]any) (contracts.SendResult, error) {
		panic("nil channel config")
	}), SenderConfig{})
	res, err := s.Send(context.Background(), "t1", "sms", nil)
	assert.ErrorIs(t, err, ErrSenderPanic)
	assert.False(t, res.Success)
}

func TestSafeSender_Timeout(t *testing.T) {
	s := NewSafeSender(contracts.ChannelSenderFunc(func(ctx context.Context, _, _ string, _ map[string]any) (contracts.SendResult, error) {
		<-ctx.Done()
		return contracts.SendResult{}, ctx.Err()
	}), SenderConfig{Timeout: 10 * time.Millisecond})
	_, err := s.Send(context.Background(), "t1", "sms", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSafeSender_PerTenantPacing(t *testing.T) {
	s := NewSafeSender(&recordingSender{}, SenderConfig{PerTenantRate: 0.001, Burst: 2})
	assert.True(t, s.Allow("t1"))
	assert.True(t, s.Allow("t1"))
	assert.False(t, s.Allow("t1"))
	assert.True(t, s.Allow("t2"))
}

func TestBudgetDefersToNextReset(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	first, err := f.machine.Propose(ctx, sms("a", false))
	require.NoError(t, err)
	second, err := f.machine.Propose(ctx, sms("b", false))
	require.NoError(t, err)
	crit := sms("urgent", false)
	crit.Priority = contracts.PriorityCritical
	urgent, err := f.machine.Propose(ctx, crit)
	require.NoError(t, err)

	res := f.exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, contracts.StatusCompleted, f.status(t, first.ID))
	assert.Equal(t, contracts.StatusCompleted, f.status(t, urgent.ID), "critical bypasses the cap")

	deferred, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusQueued, deferred.Status)
	require.NotNil(t, deferred.ScheduledFor)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), *deferred.ScheduledFor)

	f.clock.Advance(15 * time.Hour)
	res = f.exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 1, res.Executed)
}

func TestReservationsReturnedWhenItemDoesNotRun(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	safe := NewSafeSender(f.sender, SenderConfig{Timeout: time.Second, PerTenantRate: 0.001, Burst: 1})
	exec := New(f.machine, safe, f.budget, nil, Config{}).WithClock(f.clock.Now)

	// Queued with a required approval that never happened.
	unsafe := &contracts.Intervention{
		ID:               "forged",
		TenantID:         "t1",
		Type:             contracts.TypeMessage,
		Priority:         contracts.PriorityNormal,
		Status:           contracts.StatusQueued,
		Verdict:          contracts.VerdictApproved,
		RequiresApproval: true,
		Payload:          map[string]any{"action_type": "send_sms", "body": "x"},
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	require.NoError(t, f.store.Create(ctx, unsafe, contracts.TransitionEvent{
		InterventionID: unsafe.ID,
		To:             contracts.StatusQueued,
		Actor:          contracts.ActorSystem,
		At:             t0,
	}))

	res := exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 1, res.Cancelled)
	used, _, err := f.budget.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, used, "budget unit returned")

	in, err := f.machine.Propose(ctx, sms("real", false))
	require.NoError(t, err)
	res = exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 1, res.Executed, "send token and budget unit were both returned")
	assert.Equal(t, contracts.StatusCompleted, f.status(t, in.ID))
}

func TestBudgetDeferralReturnsSendToken(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	safe := NewSafeSender(f.sender, SenderConfig{Timeout: time.Second, PerTenantRate: 0.001, Burst: 1})
	exec := New(f.machine, safe, f.budget, nil, Config{}).WithClock(f.clock.Now)

	_, err := f.machine.Propose(ctx, sms("a", false))
	require.NoError(t, err)
	res := exec.ProcessQueue(ctx, 10)
	assert.Equal(t, 1, res.Deferred)
	assert.True(t, safe.Allow("t1"), "a deferred item does not spend a send token")
}

func TestDismissalObservedByNextTick(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	in, err := f.machine.Propose(ctx, sms("later", false))
	require.NoError(t, err)

	_, err = f.machine.Respond(ctx, interventions.Response{ID: in.ID, TenantID: "t1", Action: interventions.ActionDismiss})
	require.NoError(t, err)

	res := f.exec.Run(ctx, 10)
	assert.Zero(t, res.Executed)
	assert.Zero(t, f.sender.count())
	assert.Equal(t, contracts.StatusCancelled, f.status(t, in.ID))
}

func TestRun_StopsNearDeadline(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, err := f.machine.Propose(ctx, sms("x", false))
	require.NoError(t, err)

	f.exec.cfg.RunBudget = time.Second
	f.exec.cfg.StopMargin = 2 * time.Second
	res := f.exec.Run(ctx, 10)
	assert.True(t, res.Partial)
	assert.Zero(t, res.Executed)
}

// Randomised proposals, verdicts and responses must never let a blocked or
// unapproved intervention execute.
func TestSafetyInvariants(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	rng := rand.New(rand.NewSource(7))
	st := interventions.NewMemoryStore()
	eval := evaluatorFunc(func(context.Context, *contracts.Intervention) guardian.Result {
		switch rng.Intn(3) {
		case 0:
			return guardian.Result{Verdict: contracts.VerdictBlocked, Check: guardian.CheckBenefit}
		case 1:
			return guardian.Result{Verdict: contracts.VerdictApproved, RequiresConfirmation: true}
		}
		return guardian.Result{Verdict: contracts.VerdictApproved}
	})
	m := interventions.NewMachine(st, eval, nil, interventions.Config{ApprovalWindow: time.Hour}).WithClock(c.Now)
	sender := &recordingSender{}
	exec := New(m, NewSafeSender(sender, SenderConfig{}), nil, nil, Config{}).WithClock(c.Now)

	types := []contracts.InterventionType{contracts.TypeMessage, contracts.TypePurchase, contracts.TypeCall}
	var ids []string
	for i := 0; i < 200; i++ {
		p := sms(fmt.Sprintf("m%d", i), rng.Intn(2) == 0)
		p.Type = types[rng.Intn(len(types))]
		in, err := m.Propose(ctx, p)
		require.NoError(t, err)
		ids = append(ids, in.ID)

		if rng.Intn(4) == 0 {
			action := interventions.ActionApprove
			if rng.Intn(2) == 0 {
				action = interventions.ActionDismiss
			}
			_, _ = m.Respond(ctx, interventions.Response{ID: ids[rng.Intn(len(ids))], Action: action})
		}
		if i%25 == 0 {
			c.Advance(20 * time.Minute)
			exec.Run(ctx, 20)
		}
	}
	c.Advance(2 * time.Hour)
	exec.Run(ctx, 500)

	for _, id := range ids {
		in, err := st.Get(ctx, id)
		require.NoError(t, err)
		history, err := st.History(ctx, id)
		require.NoError(t, err)
		reached := false
		for _, ev := range history {
			if ev.To == contracts.StatusExecuting {
				reached = true
			}
		}
		if !reached {
			continue
		}
		assert.NotEqual(t, contracts.VerdictBlocked, in.Verdict, id)
		assert.NoError(t, interventions.VerifyExecutable(in, history), id)
		if in.Type == contracts.TypePurchase && in.RequiresApproval {
			assert.Equal(t, contracts.ApprovedByUser, in.ApprovedBy, "purchases are never timeout approved")
		}
	}
}

type evaluatorFunc func(ctx context.Context, in *contracts.Intervention) guardian.Result

func (f evaluatorFunc) Evaluate(ctx context.Context, in *contracts.Intervention) guardian.Result {
	return f(ctx, in)
}
