// Package guardian computes alignment verdicts for proposed interventions,
// measures post-hoc effectiveness and derives the per-tenant daily throttle.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/permissions"
)

// Clock provides time for the Guardian.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Check names the layer that produced a verdict.
type Check string

const (
	CheckSchema     Check = "schema"
	CheckPermission Check = "permission"
	CheckValues     Check = "values"
	CheckThreshold  Check = "threshold"
	CheckBenefit    Check = "benefit"
	CheckPassed     Check = ""
)

// Result is the Guardian's decision for one intervention.
type Result struct {
	Verdict   contracts.Verdict `json:"verdict"`
	Reasoning string            `json:"reasoning"`
	Check     Check             `json:"check,omitempty"`

	// RequiresConfirmation is set when a matching grant demands an explicit
	// user response before execution.
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
	ConflictID           string `json:"conflict_id,omitempty"`
}

// Blocked reports whether the verdict blocks the intervention.
func (r Result) Blocked() bool {
	return r.Verdict == contracts.VerdictBlocked
}

// PermissionChecker is the slice of the Permission Model the Guardian needs.
type PermissionChecker interface {
	Decide(ctx context.Context, tenantID, actionType, domain string) permissions.Decision
}

// Guardian applies layered checks in order, short-circuiting on the first
// failure: payload envelope, permission, value conflict, threshold, benefit
// floor.
type Guardian struct {
	perms   PermissionChecker
	stats   StatsSource
	values  *ValueChecker
	schemas *SchemaSet
	loader  InterventionLoader
	signals SignalSource
	audit   *AuditLog
	cfg     Config
	clock   Clock
	logger  *slog.Logger

	mu        sync.Mutex
	throttles map[string]contracts.ThrottleConfig
}

// New creates a Guardian. stats may be nil, in which case every tenant is
// treated as cold start.
func New(perms PermissionChecker, stats StatsSource, cfg Config) *Guardian {
	return &Guardian{
		perms:     perms,
		stats:     stats,
		cfg:       cfg.withDefaults(),
		clock:     wallClock{},
		audit:     NewAuditLog(),
		logger:    slog.Default().With("component", "guardian"),
		throttles: make(map[string]contracts.ThrottleConfig),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Guardian) WithClock(c Clock) *Guardian {
	g.clock = c
	g.audit.clock = c
	return g
}

// SetValueChecker injects the value-conflict layer.
func (g *Guardian) SetValueChecker(v *ValueChecker) { g.values = v }

// SetSchemas injects payload envelope schemas.
func (g *Guardian) SetSchemas(s *SchemaSet) { g.schemas = s }

// SetMeasurementSources injects what MeasureEffectiveness reads.
func (g *Guardian) SetMeasurementSources(loader InterventionLoader, signals SignalSource) {
	g.loader = loader
	g.signals = signals
}

// SetLogger overrides the logger.
func (g *Guardian) SetLogger(l *slog.Logger) { g.logger = l }

// AuditLog returns the verdict log.
func (g *Guardian) AuditLog() *AuditLog { return g.audit }

// Evaluate computes the verdict for an intervention. It never returns an
// error: internal faults block.
func (g *Guardian) Evaluate(ctx context.Context, in *contracts.Intervention) Result {
	res := g.evaluate(ctx, in)
	if _, err := g.audit.Append(in, res); err != nil {
		g.logger.ErrorContext(ctx, "audit append failed", "intervention_id", in.ID, "error", err)
	}
	if res.Blocked() {
		g.logger.InfoContext(ctx, "intervention blocked",
			"tenant_id", in.TenantID, "intervention_id", in.ID, "check", res.Check, "reason", res.Reasoning)
	}
	return res
}

func (g *Guardian) evaluate(ctx context.Context, in *contracts.Intervention) Result {
	if in == nil || in.TenantID == "" {
		return blocked(CheckSchema, "intervention has no tenant")
	}
	if !in.Type.Valid() {
		return blocked(CheckSchema, fmt.Sprintf("unknown intervention type %q", in.Type))
	}

	// 0. Envelope
	if g.schemas != nil {
		if err := g.schemas.Validate(in); err != nil {
			return blocked(CheckSchema, fmt.Sprintf("malformed %s payload: %v", in.Type, err))
		}
	}

	// 1. Permission
	grant := g.perms.Decide(ctx, in.TenantID, in.ActionType(), in.Domain())
	if !grant.Allowed {
		return blocked(CheckPermission, fmt.Sprintf("no permission for %s", permissions.Candidate(in.ActionType(), in.Domain())))
	}

	// 2. Value conflict
	if g.values != nil {
		conflict, err := g.values.Check(ctx, in)
		if err != nil {
			g.logger.WarnContext(ctx, "value constraints unavailable", "tenant_id", in.TenantID, "error", err)
			return blocked(CheckValues, "value constraints unavailable")
		}
		if conflict != nil {
			res := blocked(CheckValues, fmt.Sprintf("conflicts with recorded value: %s", conflict.Description))
			res.ConflictID = conflict.ID
			return res
		}
	}

	// 3. Threshold
	if grant.ThresholdAmount != nil {
		if amount, ok := in.PayloadAmount(); ok && amount > *grant.ThresholdAmount {
			return blocked(CheckThreshold, fmt.Sprintf("amount %.2f exceeds permitted threshold %.2f", amount, *grant.ThresholdAmount))
		}
	}

	// 4. Benefit floor
	throttle := g.ThrottleFor(ctx, in.TenantID)
	if in.BenefitScore < throttle.MinBenefitScore {
		return blocked(CheckBenefit, fmt.Sprintf("benefit score %.1f below tenant minimum %.1f", in.BenefitScore, throttle.MinBenefitScore))
	}

	return Result{
		Verdict:              contracts.VerdictApproved,
		Reasoning:            "all checks passed",
		Check:                CheckPassed,
		RequiresConfirmation: grant.RequiresConfirmation,
	}
}

func blocked(check Check, reason string) Result {
	return Result{Verdict: contracts.VerdictBlocked, Reasoning: reason, Check: check}
}
