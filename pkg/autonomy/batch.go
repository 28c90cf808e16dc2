package autonomy

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BGMLAI/exoskull-sub007/pkg/archive"
	"github.com/BGMLAI/exoskull-sub007/pkg/escalation"
	"github.com/BGMLAI/exoskull-sub007/pkg/executor"
	"github.com/BGMLAI/exoskull-sub007/pkg/learning"
	"github.com/BGMLAI/exoskull-sub007/pkg/observability"
	"github.com/BGMLAI/exoskull-sub007/pkg/outbox"
	"github.com/BGMLAI/exoskull-sub007/pkg/triggers"
)

// Job names, used in logs, spans and metrics.
const (
	JobExecutor    = "executor"
	JobEscalations = "escalations"
	JobDaily       = "daily"
	JobCycle       = "cycle"
)

// TenantError records why a tenant failed in a batch.
type TenantError struct {
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// BatchSummary is the outcome of one scheduled entry point. Tenants is the
// number of active tenants seen; Skipped ones were not started because the
// budget ran out, which also sets Partial.
type BatchSummary struct {
	Sweep     string        `json:"sweep"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Tenants   int           `json:"tenants"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Partial   bool          `json:"partial"`
	Failures  []TenantError `json:"failures,omitempty"`

	Executor    executor.SweepResult   `json:"executor"`
	Escalation  escalation.SweepResult `json:"escalation"`
	Triggers    triggers.Result        `json:"triggers"`
	Outbox      outbox.DrainResult     `json:"outbox"`
	Tracker     learning.TrackResult   `json:"tracker"`
	Throttles   int                    `json:"throttles_refreshed,omitempty"`
	Preferences int                    `json:"preferences_recomputed,omitempty"`
	Proposed    int                    `json:"proposed,omitempty"`
	BudgetReset int64                  `json:"budget_rows_reset,omitempty"`
	Pruned      int                    `json:"outbox_pruned,omitempty"`
	Receipts    []archive.Receipt      `json:"receipts,omitempty"`
}

// merge folds the per-tenant counters of o into b.
func (b *BatchSummary) merge(o *BatchSummary) {
	b.Executor.Add(o.Executor)
	b.Escalation.Add(o.Escalation)
	b.Triggers.Add(o.Triggers)
	b.Throttles += o.Throttles
	b.Preferences += o.Preferences
	b.Proposed += o.Proposed
	b.Receipts = append(b.Receipts, o.Receipts...)
}

// tenantFunc does one tenant's share of a sweep, recording its counters in
// part.
type tenantFunc func(ctx context.Context, tenantID string, part *BatchSummary) error

// forEachTenant runs fn for every active tenant, at most Concurrency at a
// time. ctx must already carry the sweep's deadline. No tenant is started
// within StopMargin of it; a tenant's failure, timeout or panic is counted
// and never stops the others.
func (s *Service) forEachTenant(ctx context.Context, sum *BatchSummary, fn tenantFunc) error {
	ids, err := s.deps.Tenants.ActiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}
	sum.Tenants = len(ids)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		if s.nearDeadline(ctx) {
			mu.Lock()
			sum.Skipped++
			sum.Partial = true
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			// The slot may have opened only after the budget ran out.
			if s.nearDeadline(ctx) {
				mu.Lock()
				sum.Skipped++
				sum.Partial = true
				mu.Unlock()
				return nil
			}
			var part BatchSummary
			err := s.runTenant(ctx, sum.Sweep, id, &part, fn)

			mu.Lock()
			defer mu.Unlock()
			sum.merge(&part)
			if err != nil {
				sum.Failed++
				sum.Failures = append(sum.Failures, TenantError{TenantID: id, Error: err.Error()})
				s.logger.ErrorContext(ctx, "tenant cycle failed", "sweep", sum.Sweep, "tenant_id", id, "error", err)
				return nil
			}
			sum.Succeeded++
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) nearDeadline(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	d, ok := ctx.Deadline()
	return ok && time.Until(d) < s.cfg.StopMargin
}

// runTenant gives fn at most TenantTimeout. fn runs on its own goroutine so
// one that ignores ctx cannot hold the batch past its budget; its counters
// are dropped when it overruns.
func (s *Service) runTenant(ctx context.Context, sweep, tenantID string, part *BatchSummary, fn tenantFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TenantTimeout)
	defer cancel()
	ctx, done := s.tel.TrackOperation(ctx, "autonomy.tenant", observability.TenantOperation(sweep, tenantID)...)
	defer func() { done(err) }()

	type outcome struct {
		part BatchSummary
		err  error
	}
	result := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(ctx, "tenant cycle panic", "sweep", sweep, "tenant_id", tenantID,
					"panic", r, "stack", string(debug.Stack()))
				o.err = fmt.Errorf("%w: %v", ErrTenantPanic, r)
			}
			result <- o
		}()
		o.err = fn(ctx, tenantID, &o.part)
	}()

	select {
	case o := <-result:
		*part = o.part
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", ErrTenantTimeout, o.err)
			}
			return o.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTenantTimeout
		}
		return nil
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "tenant cycle abandoned", "sweep", sweep, "tenant_id", tenantID, "error", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTenantTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// batch runs a whole entry point: it applies the wall-clock budget, opens
// the sweep span and records the tenant outcome metrics.
func (s *Service) batch(ctx context.Context, sweep string, budget time.Duration, body func(ctx context.Context, sum *BatchSummary) error) (BatchSummary, error) {
	started := time.Now()
	sum := BatchSummary{Sweep: sweep, StartedAt: s.now()}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	ctx, done := s.tel.TrackOperation(ctx, "autonomy.sweep", observability.SweepOperation(sweep)...)

	err := body(ctx, &sum)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		sum.Partial = true
	}
	sum.Duration = time.Since(started)
	s.tel.RecordTenants(ctx, sweep, sum.Succeeded, sum.Failed, sum.Skipped)
	done(err)

	s.logger.InfoContext(ctx, "sweep finished",
		"sweep", sweep, "tenants", sum.Tenants, "succeeded", sum.Succeeded, "failed", sum.Failed,
		"skipped", sum.Skipped, "partial", sum.Partial, "duration", sum.Duration)
	return sum, err
}
