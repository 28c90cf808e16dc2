package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDailyLimit applies when no Limits source is configured.
const DefaultDailyLimit = 8

// Enforcer checks and consumes the daily action budget.
type Enforcer struct {
	storage Storage
	limits  Limits
	clock   func() time.Time
	logger  *slog.Logger
}

// NewEnforcer creates an enforcer. limits may be nil.
func NewEnforcer(s Storage, limits Limits) *Enforcer {
	return &Enforcer{
		storage: s,
		limits:  limits,
		clock:   time.Now,
		logger:  slog.Default().With("component", "budget"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	return e
}

func (e *Enforcer) limit(ctx context.Context, tenantID string) int {
	if e.limits == nil {
		return DefaultDailyLimit
	}
	return max(e.limits.MaxPerDay(ctx, tenantID), 0)
}

// Check reports whether one more action fits today's cap without reserving
// it. Critical actions always fit.
func (e *Enforcer) Check(ctx context.Context, tenantID string, critical bool) (*Decision, error) {
	now := e.clock()
	limit := e.limit(ctx, tenantID)
	u, err := e.storage.Get(ctx, tenantID, DayKey(now))
	if err != nil {
		e.logger.ErrorContext(ctx, "budget check failed", "tenant_id", tenantID, "error", err)
		return &Decision{Allowed: false, Reason: "check failed", Limit: limit, ResetAt: NextReset(now)}, err
	}
	used := 0
	if u != nil {
		used = u.Used
	}
	d := &Decision{Used: used, Limit: limit, Remaining: max(limit-used, 0), ResetAt: NextReset(now)}
	switch {
	case critical:
		d.Allowed, d.Reason = true, "critical bypass"
	case used < limit:
		d.Allowed, d.Reason = true, "within limits"
	default:
		d.Reason = fmt.Sprintf("daily limit reached: %d/%d", used, limit)
	}
	return d, nil
}

// Consume reserves one action in today's budget. Critical actions bypass
// the cap and are not counted. Storage errors deny.
func (e *Enforcer) Consume(ctx context.Context, tenantID string, critical bool) (*Decision, error) {
	if critical {
		return e.Check(ctx, tenantID, true)
	}
	now := e.clock()
	limit := e.limit(ctx, tenantID)
	used, ok, err := e.storage.Increment(ctx, tenantID, DayKey(now), limit, now)
	if err != nil {
		e.logger.ErrorContext(ctx, "budget reservation failed", "tenant_id", tenantID, "error", err)
		return &Decision{Allowed: false, Reason: "reservation failed", Limit: limit, ResetAt: NextReset(now)}, err
	}
	d := &Decision{Allowed: ok, Used: used, Limit: limit, Remaining: max(limit-used, 0), ResetAt: NextReset(now)}
	if ok {
		d.Reason = "within limits"
		d.Day = DayKey(now)
	} else {
		d.Reason = fmt.Sprintf("daily limit reached: %d/%d", used, limit)
		e.logger.InfoContext(ctx, "daily budget exhausted", "tenant_id", tenantID, "limit", limit)
	}
	return d, nil
}

// Release returns the unit d reserved, for an action that was never run.
// Decisions that reserved nothing are ignored.
func (e *Enforcer) Release(ctx context.Context, tenantID string, d *Decision) error {
	if d == nil || !d.Allowed || d.Day == "" {
		return nil
	}
	if err := e.storage.Decrement(ctx, tenantID, d.Day, e.clock()); err != nil {
		return fmt.Errorf("release budget: %w", err)
	}
	return nil
}

// Usage returns today's count for a tenant.
func (e *Enforcer) Usage(ctx context.Context, tenantID string) (used, remaining int, err error) {
	u, err := e.storage.Get(ctx, tenantID, DayKey(e.clock()))
	if err != nil {
		return 0, 0, err
	}
	if u != nil {
		used = u.Used
	}
	return used, max(e.limit(ctx, tenantID)-used, 0), nil
}

// ResetDaily drops counters from previous days. Counters are keyed by day,
// so a new day starts from zero even before this runs.
func (e *Enforcer) ResetDaily(ctx context.Context) (int64, error) {
	n, err := e.storage.Prune(ctx, DayKey(e.clock()))
	if err != nil {
		return 0, fmt.Errorf("prune budgets: %w", err)
	}
	return n, nil
}
