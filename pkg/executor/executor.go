// Package executor runs the periodic intervention sweeps: approval timeouts
// and the execution queue. Every step re-reads state and transitions with a
// compare-and-set, so overlapping or repeated sweeps are no-ops.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/budget"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
)

// Budget reserves daily actions.
type Budget interface {
	Consume(ctx context.Context, tenantID string, critical bool) (*budget.Decision, error)
	Release(ctx context.Context, tenantID string, d *budget.Decision) error
}

// Escalator starts an escalation chain for an intervention; the chain sends
// its first level itself.
type Escalator interface {
	StartForIntervention(ctx context.Context, in *contracts.Intervention) (*contracts.EscalationChain, error)
}

// Config bounds a sweep.
type Config struct {
	// RunBudget is the wall-clock budget of Run.
	RunBudget time.Duration
	// StopMargin stops starting new items this close to the deadline.
	StopMargin time.Duration
	// BudgetRetry is how long an item waits when the budget cannot be read.
	BudgetRetry time.Duration
	BatchSize   int
}

// DefaultConfig fits a 60s scheduler invocation.
func DefaultConfig() Config {
	return Config{RunBudget: 50 * time.Second, StopMargin: 5 * time.Second, BudgetRetry: 15 * time.Minute, BatchSize: 50}
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	Scanned      int  `json:"scanned"`
	AutoApproved int  `json:"auto_approved"`
	Cancelled    int  `json:"cancelled"`
	Rescheduled  int  `json:"rescheduled"`
	Executed     int  `json:"executed"`
	Failed       int  `json:"failed"`
	Deferred     int  `json:"deferred"`
	Throttled    int  `json:"throttled"`
	Skipped      int  `json:"skipped"`
	Errors       int  `json:"errors"`
	Partial      bool `json:"partial"`
}

// Add accumulates o into r.
func (r *SweepResult) Add(o SweepResult) {
	r.Scanned += o.Scanned
	r.AutoApproved += o.AutoApproved
	r.Cancelled += o.Cancelled
	r.Rescheduled += o.Rescheduled
	r.Executed += o.Executed
	r.Failed += o.Failed
	r.Deferred += o.Deferred
	r.Throttled += o.Throttled
	r.Skipped += o.Skipped
	r.Errors += o.Errors
	r.Partial = r.Partial || o.Partial
}

// Executor consumes approval timeouts and the execution queue.
type Executor struct {
	machine   *interventions.Machine
	store     interventions.Store
	sender    *SafeSender
	budget    Budget
	escalator Escalator
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
}

// New creates an executor. budget and escalator may be nil.
func New(m *interventions.Machine, sender *SafeSender, b Budget, esc Escalator, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = def.RunBudget
	}
	if cfg.StopMargin < 0 || cfg.StopMargin >= cfg.RunBudget {
		cfg.StopMargin = def.StopMargin
	}
	if cfg.BudgetRetry <= 0 {
		cfg.BudgetRetry = def.BudgetRetry
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Executor{
		machine:   m,
		store:     m.Store(),
		sender:    sender,
		budget:    b,
		escalator: esc,
		cfg:       cfg,
		clock:     time.Now,
		logger:    slog.Default().With("component", "executor"),
	}
}

// WithClock overrides the clock for deterministic testing. The machine keeps
// its own clock.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Run processes timeouts then the queue within the configured wall-clock
// budget, returning partial results when the deadline nears.
func (e *Executor) Run(ctx context.Context, batchSize int) SweepResult {
	return e.RunTenant(ctx, "", batchSize)
}

// RunTenant is Run restricted to one tenant; an empty id means all tenants.
func (e *Executor) RunTenant(ctx context.Context, tenantID string, batchSize int) SweepResult {
	deadline := time.Now().Add(e.cfg.RunBudget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	res := e.processTimeouts(ctx, tenantID, deadline)
	if !res.Partial {
		res.Add(e.processQueue(ctx, tenantID, batchSize, deadline))
	}
	e.logger.InfoContext(ctx, "executor sweep",
		"tenant_id", tenantID, "executed", res.Executed, "failed", res.Failed,
		"auto_approved", res.AutoApproved, "cancelled", res.Cancelled, "deferred", res.Deferred, "partial", res.Partial)
	return res
}

// ProcessTimeouts resolves every expired approval window across tenants.
func (e *Executor) ProcessTimeouts(ctx context.Context) SweepResult {
	return e.processTimeouts(ctx, "", time.Time{})
}

// ProcessQueue executes up to batchSize due items across tenants.
func (e *Executor) ProcessQueue(ctx context.Context, batchSize int) SweepResult {
	return e.processQueue(ctx, "", batchSize, time.Time{})
}

func (e *Executor) nearDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Until(deadline) < e.cfg.StopMargin
}

func (e *Executor) processTimeouts(ctx context.Context, tenantID string, deadline time.Time) SweepResult {
	var res SweepResult
	now := e.clock()

	expired, err := e.store.ExpiredApprovals(ctx, tenantID, now, 0)
	if err != nil {
		e.logger.ErrorContext(ctx, "list expired approvals", "tenant_id", tenantID, "error", err)
		res.Errors++
		return res
	}
	for _, in := range expired {
		if ctx.Err() != nil || e.nearDeadline(deadline) {
			res.Partial = true
			return res
		}
		res.Scanned++
		next, err := e.machine.ExpireApproval(ctx, in)
		switch {
		case errors.Is(err, interventions.ErrStaleTransition):
			res.Skipped++
		case err != nil:
			e.logger.ErrorContext(ctx, "expire approval", "intervention_id", in.ID, "error", err)
			res.Errors++
		case next.Status == contracts.StatusCancelled:
			res.Cancelled++
		case next.Status == contracts.StatusQueued, next.Status == contracts.StatusApproved:
			res.AutoApproved++
		}
	}

	// Approved items whose scheduling write was lost are queued here.
	stranded, err := e.store.List(ctx, interventions.Filter{
		TenantID: tenantID,
		Statuses: []contracts.Status{contracts.StatusApproved},
		Limit:    e.cfg.BatchSize,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "list approved", "tenant_id", tenantID, "error", err)
		res.Errors++
		return res
	}
	for _, in := range stranded {
		if ctx.Err() != nil || e.nearDeadline(deadline) {
			res.Partial = true
			return res
		}
		if _, err := e.machine.Schedule(ctx, in.ID); err != nil {
			if !errors.Is(err, interventions.ErrInvalidTransition) && !errors.Is(err, interventions.ErrStaleTransition) {
				res.Errors++
			}
			continue
		}
		res.Rescheduled++
	}
	return res
}

func (e *Executor) processQueue(ctx context.Context, tenantID string, batchSize int, deadline time.Time) SweepResult {
	var res SweepResult
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	due, err := e.store.DueQueue(ctx, tenantID, e.clock(), batchSize)
	if err != nil {
		e.logger.ErrorContext(ctx, "list due queue", "tenant_id", tenantID, "error", err)
		res.Errors++
		return res
	}
	for _, in := range due {
		if ctx.Err() != nil || e.nearDeadline(deadline) {
			res.Partial = true
			return res
		}
		res.Scanned++
		e.execute(ctx, in, &res)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, in *contracts.Intervention, res *SweepResult) {
	log := e.logger.With("intervention_id", in.ID, "tenant_id", in.TenantID)
	critical := in.Priority == contracts.PriorityCritical

	// Both reservations are taken back when the item does not run.
	var (
		token func()
		spent *budget.Decision
	)
	refund := func() {
		if token != nil {
			token()
		}
		if spent != nil {
			if err := e.budget.Release(ctx, in.TenantID, spent); err != nil {
				log.WarnContext(ctx, "budget release", "error", err)
			}
		}
	}

	if e.sender != nil && !critical {
		cancel, ok := e.sender.Reserve(in.TenantID)
		if !ok {
			res.Throttled++
			return
		}
		token = cancel
	}

	if e.budget != nil {
		d, err := e.budget.Consume(ctx, in.TenantID, critical)
		if err != nil || !d.Allowed {
			refund()
			until := e.clock().Add(e.cfg.BudgetRetry)
			reason := "budget_unavailable"
			if err == nil {
				until, reason = d.ResetAt, "daily_budget_exhausted"
			}
			if _, derr := e.machine.Defer(ctx, in, until, reason); derr != nil && !errors.Is(derr, interventions.ErrStaleTransition) {
				log.ErrorContext(ctx, "defer over budget", "error", derr)
				res.Errors++
				return
			}
			res.Deferred++
			return
		}
		spent = d
	}

	running, err := e.machine.Begin(ctx, in)
	if err != nil {
		refund()
	}
	switch {
	case errors.Is(err, interventions.ErrStaleTransition):
		res.Skipped++
		return
	case errors.Is(err, interventions.ErrUnsafe):
		log.ErrorContext(ctx, "refusing to execute", "error", err)
		if _, cerr := e.machine.Cancel(ctx, in, contracts.ActorExecutor, "execution_precondition_failed"); cerr == nil {
			res.Cancelled++
		} else {
			res.Errors++
		}
		return
	case err != nil:
		log.ErrorContext(ctx, "begin execution", "error", err)
		res.Errors++
		return
	}

	externalID, sendErr := e.deliver(ctx, running)
	if sendErr != nil {
		log.WarnContext(ctx, "execution failed", "channel", running.Channel(), "error", sendErr)
		if _, err := e.machine.Fail(ctx, running, sendErr); err != nil {
			log.ErrorContext(ctx, "record failure", "error", err)
			res.Errors++
			return
		}
		res.Failed++
		return
	}
	if _, err := e.machine.Complete(ctx, running, externalID); err != nil {
		log.ErrorContext(ctx, "record completion", "error", err)
		res.Errors++
		return
	}
	res.Executed++
}

// deliver hands the intervention to an escalation chain or a direct send.
func (e *Executor) deliver(ctx context.Context, in *contracts.Intervention) (string, error) {
	if in.Escalates() && e.escalator != nil {
		chain, err := e.escalator.StartForIntervention(ctx, in)
		if err != nil {
			return "", err
		}
		return chain.ID, nil
	}
	if e.sender == nil {
		return "", errors.New("executor: no channel sender configured")
	}
	r, err := e.sender.Send(ctx, in.TenantID, in.Channel(), in.Payload)
	if err != nil {
		return "", err
	}
	return r.ExternalID, nil
}

// Requeue moves a failed intervention back to the queue.
func (e *Executor) Requeue(ctx context.Context, id string) (*contracts.Intervention, error) {
	return e.machine.Requeue(ctx, id, contracts.ActorUser)
}
