package autonomy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/archive"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
)

// SweepExecutor resolves expired approval windows and executes due queue
// items for every active tenant, then drains the outbox. It is meant to run
// every 15 minutes.
func (s *Service) SweepExecutor(ctx context.Context) (BatchSummary, error) {
	return s.batch(ctx, JobExecutor, s.cfg.ExecutorBudget, func(ctx context.Context, sum *BatchSummary) error {
		err := s.forEachTenant(ctx, sum, func(ctx context.Context, tenantID string, part *BatchSummary) error {
			part.Executor = s.deps.Executor.RunTenant(ctx, tenantID, s.cfg.BatchSize)
			return nil
		})
		s.drainOutbox(ctx, sum)
		return err
	})
}

// SweepEscalations advances escalation chains and evaluates outbound trigger
// rules for every active tenant, then drains the outbox. It is meant to run
// every 2 hours.
func (s *Service) SweepEscalations(ctx context.Context) (BatchSummary, error) {
	return s.batch(ctx, JobEscalations, s.cfg.EscalationBudget, func(ctx context.Context, sum *BatchSummary) error {
		err := s.forEachTenant(ctx, sum, func(ctx context.Context, tenantID string, part *BatchSummary) error {
			part.Escalation = s.deps.Escalation.SweepTenant(ctx, tenantID)
			if s.triggers == nil {
				return nil
			}
			res, err := s.triggers.Evaluate(ctx, tenantID)
			part.Triggers = res
			return err
		})
		s.drainOutbox(ctx, sum)
		return err
	})
}

// DailyMaintenance closes the learning loop: it measures due outcomes,
// resets daily budgets, prunes the outbox, refreshes every tenant's throttle
// and preferences, and archives yesterday's reports and the verdict chain.
func (s *Service) DailyMaintenance(ctx context.Context) (BatchSummary, error) {
	return s.batch(ctx, JobDaily, s.cfg.DailyBudget, func(ctx context.Context, sum *BatchSummary) error {
		var errs []error
		now := s.now()
		if s.deps.Tracker != nil {
			sum.Tracker = s.deps.Tracker.Sweep(ctx)
		}
		if s.deps.Budget != nil {
			n, err := s.deps.Budget.ResetDaily(ctx)
			if err != nil {
				errs = append(errs, err)
			}
			sum.BudgetReset = n
		}
		if s.deps.Messages != nil {
			n, err := s.deps.Messages.Prune(ctx, now.Add(-s.cfg.OutboxRetention))
			if err != nil {
				errs = append(errs, fmt.Errorf("prune outbox: %w", err))
			}
			sum.Pruned = n
		}

		day := now.Truncate(24*time.Hour).AddDate(0, 0, -1)
		err := s.forEachTenant(ctx, sum, func(ctx context.Context, tenantID string, part *BatchSummary) error {
			throttle := s.deps.Guardian.RefreshThrottle(ctx, tenantID)
			part.Throttles++
			var prefs *contracts.Preferences
			if s.deps.Learning != nil {
				p, err := s.deps.Learning.Recompute(ctx, tenantID)
				if err != nil {
					return fmt.Errorf("recompute preferences: %w", err)
				}
				prefs = p
				part.Preferences++
			}
			if s.deps.Archive == nil {
				return nil
			}
			rec, err := s.exportReport(ctx, tenantID, day, &throttle, prefs)
			if err != nil {
				return err
			}
			part.Receipts = append(part.Receipts, rec)
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}

		if s.deps.Archive != nil && ctx.Err() == nil {
			rec, err := s.deps.Archive.ExportAudit(ctx, now.Format(time.DateOnly), s.deps.Guardian.AuditLog().Entries())
			if err != nil {
				errs = append(errs, err)
			} else {
				sum.Receipts = append(sum.Receipts, rec)
			}
		}
		return errors.Join(errs...)
	})
}

// DeepCycle runs the MAPE-K loop for every active tenant: it assembles the
// tenant's context, asks the reasoning provider for at most one proposal
// and submits it to the state machine. It is meant to run every 6 hours.
func (s *Service) DeepCycle(ctx context.Context) (BatchSummary, error) {
	if s.deps.Reasoner == nil {
		return BatchSummary{Sweep: JobCycle, StartedAt: s.now()}, ErrUnavailable
	}
	return s.batch(ctx, JobCycle, s.cfg.CycleBudget, func(ctx context.Context, sum *BatchSummary) error {
		return s.forEachTenant(ctx, sum, func(ctx context.Context, tenantID string, part *BatchSummary) error {
			rc, err := s.ReasoningContext(ctx, tenantID)
			if err != nil {
				return err
			}
			p, err := s.deps.Reasoner.Propose(ctx, rc)
			if err != nil {
				return fmt.Errorf("reasoning provider: %w", err)
			}
			if p == nil {
				return nil
			}
			p.TenantID = tenantID
			if p.Source == "" {
				p.Source = "reasoning"
			}
			in, err := s.deps.Machine.Propose(ctx, *p)
			if err != nil {
				return fmt.Errorf("propose: %w", err)
			}
			part.Proposed++
			s.logger.InfoContext(ctx, "cycle proposal",
				"tenant_id", tenantID, "intervention_id", in.ID, "type", in.Type, "status", in.Status)
			return nil
		})
	})
}

// ReasoningContext assembles the snapshot handed to the reasoning provider.
func (s *Service) ReasoningContext(ctx context.Context, tenantID string) (contracts.ReasoningContext, error) {
	now := s.now()
	rc := contracts.ReasoningContext{TenantID: tenantID, Now: now}
	recent, err := s.deps.Machine.Store().List(ctx, interventions.Filter{
		TenantID: tenantID,
		Since:    now.Add(-s.cfg.RecentWindow),
		Limit:    s.cfg.RecentLimit,
	})
	if err != nil {
		return rc, fmt.Errorf("recent interventions: %w", err)
	}
	rc.Recent = recent
	if s.deps.Learning != nil {
		prefs, err := s.deps.Learning.Preferences(ctx, tenantID)
		if err != nil {
			return rc, fmt.Errorf("preferences: %w", err)
		}
		if prefs == nil {
			prefs = s.deps.Learning.Defaults(tenantID)
		}
		rc.Preferences = prefs
	}
	rc.Throttle = s.deps.Guardian.ThrottleFor(ctx, tenantID)
	rc.RemainingToday = rc.Throttle.MaxPerDay
	if s.deps.Budget != nil {
		used, remaining, err := s.deps.Budget.Usage(ctx, tenantID)
		if err != nil {
			return rc, fmt.Errorf("budget usage: %w", err)
		}
		rc.ExecutedToday, rc.RemainingToday = used, remaining
	}
	return rc, nil
}

func (s *Service) drainOutbox(ctx context.Context, sum *BatchSummary) {
	if s.deps.Outbox == nil || ctx.Err() != nil {
		return
	}
	sum.Outbox = s.deps.Outbox.Drain(ctx)
}

func (s *Service) exportReport(ctx context.Context, tenantID string, day time.Time, throttle *contracts.ThrottleConfig, prefs *contracts.Preferences) (archive.Receipt, error) {
	st := s.deps.Machine.Store()
	until := day.AddDate(0, 0, 1)
	summary, err := interventions.SummarizeRange(ctx, st, tenantID, day, until)
	if err != nil {
		return archive.Receipt{}, fmt.Errorf("summarize %s: %w", tenantID, err)
	}
	items, err := st.List(ctx, interventions.Filter{TenantID: tenantID, Since: day, Until: until})
	if err != nil {
		return archive.Receipt{}, fmt.Errorf("list %s: %w", tenantID, err)
	}
	records, err := st.EffectivenessSince(ctx, tenantID, day)
	if err != nil {
		return archive.Receipt{}, fmt.Errorf("effectiveness %s: %w", tenantID, err)
	}
	report := &archive.Report{
		TenantID:      tenantID,
		Day:           day.Format(time.DateOnly),
		GeneratedAt:   s.now(),
		Summary:       summary,
		Interventions: items,
		Throttle:      throttle,
		Preferences:   prefs,
	}
	for _, rec := range records {
		if rec.CompletedAt.Before(until) {
			report.Effectiveness = append(report.Effectiveness, *rec)
		}
	}
	return s.deps.Archive.ExportReport(ctx, report)
}
