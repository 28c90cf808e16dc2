// Package triggers turns policy rules into outbound proposals. A rule is a
// CEL condition over a tenant snapshot plus a proposal template; when the
// condition holds and the rule is not cooling down for that tenant, the
// template is proposed with source "trigger:<name>".
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// DefaultCooldown applies to rules that do not set one.
const DefaultCooldown = 24 * time.Hour

// SourcePrefix marks proposals raised by a rule.
const SourcePrefix = "trigger:"

var ErrInvalidRule = errors.New("triggers: invalid rule")

// Template is the proposal a rule raises.
type Template struct {
	Type             contracts.InterventionType `yaml:"type" json:"type"`
	Priority         contracts.Priority         `yaml:"priority" json:"priority"`
	Payload          map[string]any             `yaml:"payload" json:"payload,omitempty"`
	RequiresApproval bool                       `yaml:"requires_approval" json:"requires_approval"`
	BenefitScore     float64                    `yaml:"benefit_score" json:"benefit_score"`
}

// Rule fires its template when When evaluates to true. When sees two
// variables: tenant, the snapshot returned by the ContextSource, and now.
//
//	tenant.local_hour == 9 && tenant.completed_today == 0
type Rule struct {
	Name     string        `yaml:"name" json:"name"`
	When     string        `yaml:"when" json:"when"`
	Proposal Template      `yaml:"proposal" json:"proposal"`
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// Proposer accepts proposals; *interventions.Machine implements it.
type Proposer interface {
	Propose(ctx context.Context, p contracts.Proposal) (*contracts.Intervention, error)
}

// ContextSource builds the snapshot a tenant's rules are evaluated against.
type ContextSource interface {
	TenantContext(ctx context.Context, tenantID string) (map[string]any, error)
}

// ContextFunc adapts a function to ContextSource.
type ContextFunc func(ctx context.Context, tenantID string) (map[string]any, error)

func (f ContextFunc) TenantContext(ctx context.Context, tenantID string) (map[string]any, error) {
	return f(ctx, tenantID)
}

// Result counts one evaluation.
type Result struct {
	Evaluated       int      `json:"evaluated"`
	Fired           int      `json:"fired"`
	CoolingDown     int      `json:"cooling_down"`
	Errors          int      `json:"errors"`
	InterventionIDs []string `json:"intervention_ids,omitempty"`
}

// Add folds o into r.
func (r *Result) Add(o Result) {
	r.Evaluated += o.Evaluated
	r.Fired += o.Fired
	r.CoolingDown += o.CoolingDown
	r.Errors += o.Errors
	r.InterventionIDs = append(r.InterventionIDs, o.InterventionIDs...)
}

type compiled struct {
	rule Rule
	prg  cel.Program
}

// Engine evaluates a fixed rule set.
type Engine struct {
	rules     []compiled
	cooldowns CooldownStore
	proposer  Proposer
	source    ContextSource
	clock     func() time.Time
	logger    *slog.Logger
}

// NewEngine compiles rules. Any rule that does not compile to a boolean
// rejects the whole set.
func NewEngine(rules []Rule, cooldowns CooldownStore, proposer Proposer, source ContextSource) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tenant", cel.DynType),
		cel.Variable("now", cel.TimestampType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	seen := make(map[string]bool, len(rules))
	out := make([]compiled, 0, len(rules))
	for _, r := range rules {
		if err := Validate(r); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true
		prg, err := compile(env, r.When)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.Name, err)
		}
		if r.Cooldown <= 0 {
			r.Cooldown = DefaultCooldown
		}
		out = append(out, compiled{rule: r, prg: prg})
	}
	return &Engine{
		rules:     out,
		cooldowns: cooldowns,
		proposer:  proposer,
		source:    source,
		clock:     time.Now,
		logger:    slog.Default().With("component", "triggers"),
	}, nil
}

// Validate checks a rule's static fields.
func Validate(r Rule) error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	case r.When == "":
		return fmt.Errorf("%w: rule %q has no condition", ErrInvalidRule, r.Name)
	case !r.Proposal.Type.Valid():
		return fmt.Errorf("%w: rule %q: unknown intervention type %q", ErrInvalidRule, r.Name, r.Proposal.Type)
	case r.Proposal.Priority != "" && !r.Proposal.Priority.Valid():
		return fmt.Errorf("%w: rule %q: unknown priority %q", ErrInvalidRule, r.Name, r.Proposal.Priority)
	case r.Proposal.BenefitScore < 0 || r.Proposal.BenefitScore > 10:
		return fmt.Errorf("%w: rule %q: benefit score out of range", ErrInvalidRule, r.Name)
	}
	return nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", out)
	}
	return env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Rules returns the rule names in evaluation order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, c := range e.rules {
		names[i] = c.rule.Name
	}
	return names
}

// Evaluate runs every rule for one tenant. A rule that errors is counted
// and skipped; the others still run. The cooldown is claimed before the
// proposal so overlapping sweeps fire a rule at most once per window.
func (e *Engine) Evaluate(ctx context.Context, tenantID string) (Result, error) {
	var res Result
	if len(e.rules) == 0 {
		return res, nil
	}
	snapshot, err := e.source.TenantContext(ctx, tenantID)
	if err != nil {
		return res, fmt.Errorf("tenant context for %s: %w", tenantID, err)
	}
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	now := e.clock().UTC()
	input := map[string]any{"tenant": snapshot, "now": now}

	for _, c := range e.rules {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Evaluated++
		fire, err := eval(c.prg, input)
		if err != nil {
			e.logger.DebugContext(ctx, "trigger condition skipped", "rule", c.rule.Name, "tenant_id", tenantID, "error", err)
			res.Errors++
			continue
		}
		if !fire {
			continue
		}
		claimed, err := e.cooldowns.TryFire(ctx, tenantID, c.rule.Name, now, c.rule.Cooldown)
		if err != nil {
			e.logger.ErrorContext(ctx, "trigger cooldown unavailable", "rule", c.rule.Name, "tenant_id", tenantID, "error", err)
			res.Errors++
			continue
		}
		if !claimed {
			res.CoolingDown++
			continue
		}
		in, err := e.proposer.Propose(ctx, c.rule.proposal(tenantID))
		if err != nil {
			e.logger.ErrorContext(ctx, "trigger proposal rejected", "rule", c.rule.Name, "tenant_id", tenantID, "error", err)
			res.Errors++
			continue
		}
		e.logger.InfoContext(ctx, "trigger fired",
			"rule", c.rule.Name, "tenant_id", tenantID, "intervention_id", in.ID, "status", in.Status)
		res.Fired++
		res.InterventionIDs = append(res.InterventionIDs, in.ID)
	}
	return res, nil
}

func eval(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (r Rule) proposal(tenantID string) contracts.Proposal {
	payload := make(map[string]any, len(r.Proposal.Payload)+1)
	for k, v := range r.Proposal.Payload {
		payload[k] = v
	}
	payload["trigger"] = r.Name
	priority := r.Proposal.Priority
	if priority == "" {
		priority = contracts.PriorityNormal
	}
	return contracts.Proposal{
		TenantID:         tenantID,
		Type:             r.Proposal.Type,
		Priority:         priority,
		Payload:          payload,
		RequiresApproval: r.Proposal.RequiresApproval,
		BenefitScore:     r.Proposal.BenefitScore,
		Source:           SourcePrefix + r.Name,
	}
}
