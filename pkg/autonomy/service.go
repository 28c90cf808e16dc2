// Package autonomy is the facade over the autonomy core. It exposes the
// write and read API used by the HTTP layer and the scheduled entry points
// (executor sweep, escalation sweep, daily maintenance, deep cycle) that a
// cron or Cloud Scheduler job drives.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/archive"
	"github.com/BGMLAI/exoskull-sub007/pkg/budget"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/escalation"
	"github.com/BGMLAI/exoskull-sub007/pkg/executor"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
	"github.com/BGMLAI/exoskull-sub007/pkg/learning"
	"github.com/BGMLAI/exoskull-sub007/pkg/observability"
	"github.com/BGMLAI/exoskull-sub007/pkg/outbox"
	"github.com/BGMLAI/exoskull-sub007/pkg/permissions"
	"github.com/BGMLAI/exoskull-sub007/pkg/tenants"
	"github.com/BGMLAI/exoskull-sub007/pkg/triggers"
)

var (
	ErrTenantInactive = errors.New("autonomy: tenant is not active")
	ErrTenantTimeout  = errors.New("autonomy: tenant cycle timed out")
	ErrTenantPanic    = errors.New("autonomy: tenant cycle panicked")
	ErrUnavailable    = errors.New("autonomy: component not configured")
	ErrInvalidChange  = errors.New("autonomy: invalid permission change")
)

// Deps are the wired components. Machine, Guardian, Permissions, Executor,
// Escalation and Tenants are required; the rest switch features off when nil.
type Deps struct {
	Machine     *interventions.Machine
	Guardian    *guardian.Guardian
	Permissions *permissions.Model
	Executor    *executor.Executor
	Escalation  *escalation.Manager
	Tenants     *tenants.Directory

	Budget    *budget.Enforcer
	Tracker   *learning.Tracker
	Learning  *learning.Engine
	Values    guardian.ValueStore
	Reasoner  contracts.ReasoningProvider
	Outbox    *outbox.Dispatcher
	Messages  outbox.Store
	Archive   *archive.Exporter
	Telemetry *observability.Provider

	// Rules are evaluated during the escalation sweep. Cooldowns defaults
	// to an in-process store.
	Rules     []triggers.Rule
	Cooldowns triggers.CooldownStore
}

// Config bounds the scheduled entry points.
type Config struct {
	ExecutorBudget   time.Duration
	EscalationBudget time.Duration
	DailyBudget      time.Duration
	CycleBudget      time.Duration
	TenantTimeout    time.Duration
	Concurrency      int
	// StopMargin stops starting tenants this close to a budget's end.
	StopMargin time.Duration
	BatchSize  int
	// OutboxRetention is how long delivered messages are kept.
	OutboxRetention time.Duration
	// RecentWindow is how far back the deep cycle looks for context.
	RecentWindow time.Duration
	RecentLimit  int
}

// DefaultConfig fits a 60s executor invocation and 5 minute batch jobs.
func DefaultConfig() Config {
	return Config{
		ExecutorBudget:   50 * time.Second,
		EscalationBudget: 50 * time.Second,
		DailyBudget:      5 * time.Minute,
		CycleBudget:      5 * time.Minute,
		TenantTimeout:    30 * time.Second,
		Concurrency:      8,
		StopMargin:       2 * time.Second,
		BatchSize:        50,
		OutboxRetention:  30 * 24 * time.Hour,
		RecentWindow:     7 * 24 * time.Hour,
		RecentLimit:      20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ExecutorBudget <= 0 {
		c.ExecutorBudget = def.ExecutorBudget
	}
	if c.EscalationBudget <= 0 {
		c.EscalationBudget = def.EscalationBudget
	}
	if c.DailyBudget <= 0 {
		c.DailyBudget = def.DailyBudget
	}
	if c.CycleBudget <= 0 {
		c.CycleBudget = def.CycleBudget
	}
	if c.TenantTimeout <= 0 {
		c.TenantTimeout = def.TenantTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.StopMargin < 0 {
		c.StopMargin = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.OutboxRetention <= 0 {
		c.OutboxRetention = def.OutboxRetention
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = def.RecentWindow
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = def.RecentLimit
	}
	return c
}

// Service is the autonomy facade.
type Service struct {
	deps     Deps
	cfg      Config
	triggers *triggers.Engine
	tel      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger
}

// New validates the wiring and compiles the trigger rules.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Machine == nil:
		return nil, fmt.Errorf("autonomy: machine is required")
	case deps.Guardian == nil:
		return nil, fmt.Errorf("autonomy: guardian is required")
	case deps.Permissions == nil:
		return nil, fmt.Errorf("autonomy: permission model is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("autonomy: executor is required")
	case deps.Escalation == nil:
		return nil, fmt.Errorf("autonomy: escalation manager is required")
	case deps.Tenants == nil:
		return nil, fmt.Errorf("autonomy: tenant directory is required")
	}
	s := &Service{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		tel:    deps.Telemetry,
		clock:  time.Now,
		logger: slog.Default().With("component", "autonomy"),
	}
	if s.tel == nil {
		s.tel = &observability.Provider{}
	}
	if len(deps.Rules) > 0 {
		cooldowns := deps.Cooldowns
		if cooldowns == nil {
			cooldowns = triggers.NewMemoryCooldowns()
		}
		eng, err := triggers.NewEngine(deps.Rules, cooldowns, deps.Machine, triggers.ContextFunc(s.TenantContext))
		if err != nil {
			return nil, err
		}
		s.triggers = eng
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing. Sweep budgets
// always use the wall clock.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	if s.triggers != nil {
		s.triggers.WithClock(clock)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// CreateProposal submits a proposal for an active tenant. A blocked proposal
// is returned without error.
func (s *Service) CreateProposal(ctx context.Context, p contracts.Proposal) (*contracts.Intervention, error) {
	if err := s.requireActive(ctx, p.TenantID); err != nil {
		return nil, err
	}
	if p.Source == "" {
		p.Source = "api"
	}
	return s.deps.Machine.Propose(ctx, p)
}

// Respond applies a user's approval, dismissal or feedback.
func (s *Service) Respond(ctx context.Context, r interventions.Response) (*contracts.Intervention, error) {
	if r.TenantID == "" {
		return nil, fmt.Errorf("respond: tenant is required")
	}
	return s.deps.Machine.Respond(ctx, r)
}

// PermissionChange grants or revokes an action pattern.
type PermissionChange struct {
	TenantID             string   `json:"tenant_id"`
	ActionType           string   `json:"action_type"`
	Domain               string   `json:"domain,omitempty"`
	Granted              *bool    `json:"granted"`
	RequiresConfirmation bool     `json:"requires_confirmation,omitempty"`
	ThresholdAmount      *float64 `json:"threshold_amount,omitempty"`
	GrantedVia           string   `json:"granted_via,omitempty"`
}

// SetPermission applies a grant or revoke; the tenant's cached decisions
// are invalidated before it returns. Granted must be set explicitly.
func (s *Service) SetPermission(ctx context.Context, c PermissionChange) error {
	if c.Granted == nil {
		return fmt.Errorf("%w: granted is required", ErrInvalidChange)
	}
	if !*c.Granted {
		return s.deps.Permissions.Revoke(ctx, c.TenantID, c.ActionType, c.Domain)
	}
	via := c.GrantedVia
	if via == "" {
		via = "api"
	}
	return s.deps.Permissions.Grant(ctx, c.TenantID, c.ActionType, c.Domain, permissions.GrantOptions{
		RequiresConfirmation: c.RequiresConfirmation,
		ThresholdAmount:      c.ThresholdAmount,
		GrantedVia:           via,
	})
}

// ListInterventions returns interventions matching f. The tenant is required.
func (s *Service) ListInterventions(ctx context.Context, f interventions.Filter) ([]*contracts.Intervention, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("list interventions: tenant is required")
	}
	return s.deps.Machine.Store().List(ctx, f)
}

// GetIntervention returns one of the tenant's interventions.
func (s *Service) GetIntervention(ctx context.Context, tenantID, id string) (*contracts.Intervention, error) {
	in, err := s.deps.Machine.Store().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.TenantID != tenantID {
		return nil, interventions.ErrNotFound
	}
	return in, nil
}

func (s *Service) ListPermissions(ctx context.Context, tenantID string) ([]contracts.Permission, error) {
	return s.deps.Permissions.List(ctx, tenantID)
}

// EffectivenessSummary summarizes the tenant's interventions since the
// given time.
func (s *Service) EffectivenessSummary(ctx context.Context, tenantID string, since time.Time) (interventions.Summary, error) {
	return interventions.Summarize(ctx, s.deps.Machine.Store(), tenantID, since)
}

// UnresolvedConflicts lists value conflicts awaiting the user.
func (s *Service) UnresolvedConflicts(ctx context.Context, tenantID string) ([]contracts.ValueConflict, error) {
	if s.deps.Values == nil {
		return nil, nil
	}
	return s.deps.Values.Conflicts(ctx, tenantID, true)
}

func (s *Service) ResolveConflict(ctx context.Context, tenantID, conflictID string) error {
	if s.deps.Values == nil {
		return ErrUnavailable
	}
	return s.deps.Values.ResolveConflict(ctx, tenantID, conflictID, s.now())
}

// RecordInboundResponse notes that the user replied on any channel, which
// cancels escalation chains triggered before at. It returns the number
// cancelled.
func (s *Service) RecordInboundResponse(ctx context.Context, tenantID string, at time.Time) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("record response: tenant is required")
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.deps.Escalation.RecordResponse(ctx, tenantID, at)
}

func (s *Service) requireActive(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant is required")
	}
	t, err := s.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrTenantInactive, tenantID, t.Status)
	}
	return nil
}
