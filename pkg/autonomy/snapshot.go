package autonomy

import (
	"context"
	"fmt"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
)

// TenantContext is the snapshot trigger rules see as `tenant`. Times are in
// the tenant's timezone and "today" starts at local midnight.
//
//	tenant_id, timezone, local_hour, weekday (0 = Sunday), in_quiet_hours,
//	proposed_today, completed_today, failed_today, pending_approval,
//	executed_today, remaining_today, max_per_day, min_benefit_score,
//	block_rate, avg_effectiveness, hours_since_last_completed (-1 if nothing
//	completed within the recent window)
func (s *Service) TenantContext(ctx context.Context, tenantID string) (map[string]any, error) {
	t, err := s.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	settings := t.Settings()
	now := s.now()
	local := now.In(settings.Location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())

	snap := map[string]any{
		"tenant_id":      tenantID,
		"timezone":       settings.Location().String(),
		"local_hour":     local.Hour(),
		"weekday":        int(local.Weekday()),
		"in_quiet_hours": settings.Quiet != nil && settings.Quiet.Contains(local.Hour()),
	}

	today, err := s.deps.Machine.Store().List(ctx, interventions.Filter{TenantID: tenantID, Since: midnight.UTC()})
	if err != nil {
		return nil, fmt.Errorf("list today's interventions: %w", err)
	}
	var completed, failed int
	for _, in := range today {
		switch in.Status {
		case contracts.StatusCompleted:
			completed++
		case contracts.StatusFailed:
			failed++
		}
	}
	pending, err := s.deps.Machine.Store().List(ctx, interventions.Filter{
		TenantID: tenantID,
		Statuses: []contracts.Status{contracts.StatusPendingApproval},
	})
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	snap["proposed_today"] = len(today)
	snap["completed_today"] = completed
	snap["failed_today"] = failed
	snap["pending_approval"] = len(pending)

	last := -1.0
	done, err := s.deps.Machine.Store().List(ctx, interventions.Filter{
		TenantID: tenantID,
		Statuses: []contracts.Status{contracts.StatusCompleted},
		Since:    now.Add(-s.cfg.RecentWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("list completed interventions: %w", err)
	}
	for _, in := range done {
		if in.CompletedAt == nil {
			continue
		}
		if h := now.Sub(*in.CompletedAt).Hours(); last < 0 || h < last {
			last = h
		}
	}
	snap["hours_since_last_completed"] = last

	throttle := s.deps.Guardian.ThrottleFor(ctx, tenantID)
	snap["max_per_day"] = throttle.MaxPerDay
	snap["min_benefit_score"] = throttle.MinBenefitScore
	snap["block_rate"] = throttle.BlockRate
	snap["avg_effectiveness"] = throttle.AvgEffectiveness

	used, remaining := 0, throttle.MaxPerDay
	if s.deps.Budget != nil {
		if used, remaining, err = s.deps.Budget.Usage(ctx, tenantID); err != nil {
			return nil, fmt.Errorf("budget usage: %w", err)
		}
	}
	snap["executed_today"] = used
	snap["remaining_today"] = remaining
	return snap, nil
}
