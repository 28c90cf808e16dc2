package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// GrantOptions qualify a grant.
type GrantOptions struct {
	RequiresConfirmation bool
	ThresholdAmount      *float64
	GrantedVia           string
}

// Model evaluates and mutates tenant permissions. Reads hold the read lock
// across store lookup and cache fill; mutations hold the write lock across the
// store write and the cache invalidation, so no in-process read can cache a
// decision computed from pre-mutation rows.
type Model struct {
	mu     sync.RWMutex
	store  Store
	cache  Cache
	clock  func() time.Time
	logger *slog.Logger
}

// NewModel creates a model. A nil cache disables caching.
func NewModel(s Store, c Cache) *Model {
	return &Model{
		store:  s,
		cache:  c,
		clock:  time.Now,
		logger: slog.Default().With("component", "permissions"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Model) WithClock(clock func() time.Time) *Model {
	m.clock = clock
	return m
}

// WithLogger overrides the logger.
func (m *Model) WithLogger(l *slog.Logger) *Model {
	m.logger = l
	return m
}

// IsAllowed reports whether the tenant permits actionType in domain. Lookup
// failures deny.
func (m *Model) IsAllowed(ctx context.Context, tenantID, actionType, domain string) bool {
	return m.Decide(ctx, tenantID, actionType, domain).Allowed
}

// Lookup returns the effective grant for an allowed action: the lowest
// threshold among matching live grants, and whether any of them requires
// confirmation. ok is false when the action is not allowed.
func (m *Model) Lookup(ctx context.Context, tenantID, actionType, domain string) (Decision, bool) {
	d := m.Decide(ctx, tenantID, actionType, domain)
	return d, d.Allowed
}

// Decide evaluates a candidate, consulting the cache first.
func (m *Model) Decide(ctx context.Context, tenantID, actionType, domain string) Decision {
	candidate := Candidate(actionType, domain)
	if tenantID == "" || candidate == "" {
		return Decision{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cache != nil {
		d, ok, err := m.cache.Get(ctx, tenantID, candidate)
		if err != nil {
			m.logger.WarnContext(ctx, "permission cache read failed", "tenant_id", tenantID, "error", err)
		} else if ok {
			return d
		}
	}

	rows, err := m.store.List(ctx, tenantID)
	if err != nil {
		m.logger.ErrorContext(ctx, "permission lookup failed, denying", "tenant_id", tenantID, "candidate", candidate, "error", err)
		return Decision{}
	}
	d := Evaluate(rows, candidate)

	if m.cache != nil {
		if err := m.cache.Set(ctx, tenantID, candidate, d); err != nil {
			m.logger.WarnContext(ctx, "permission cache write failed", "tenant_id", tenantID, "error", err)
		}
	}
	return d
}

// Evaluate folds permission rows into a decision for candidate: any matching
// revoke denies, otherwise matching live grants allow.
func Evaluate(rows []contracts.Permission, candidate string) Decision {
	var d Decision
	for i := range rows {
		p := &rows[i]
		if !Match(p.Pattern, candidate) {
			continue
		}
		if p.Revoked() {
			return Decision{}
		}
		d.Allowed = true
		if p.RequiresConfirmation {
			d.RequiresConfirmation = true
		}
		if p.ThresholdAmount != nil && (d.ThresholdAmount == nil || *p.ThresholdAmount < *d.ThresholdAmount) {
			v := *p.ThresholdAmount
			d.ThresholdAmount = &v
		}
	}
	return d
}

// Grant records a live grant for actionType in domain. A domain of "*"
// grants the whole category; an actionType of "*" grants everything.
func (m *Model) Grant(ctx context.Context, tenantID, actionType, domain string, opts GrantOptions) error {
	pattern := Pattern(actionType, domain)
	if tenantID == "" || pattern == "" {
		return fmt.Errorf("grant: tenant and action type are required")
	}
	if opts.ThresholdAmount != nil && *opts.ThresholdAmount < 0 {
		return fmt.Errorf("grant: threshold amount must not be negative")
	}
	now := m.clock().UTC()
	p := contracts.Permission{
		TenantID:             tenantID,
		Pattern:              pattern,
		Granted:              true,
		RequiresConfirmation: opts.RequiresConfirmation,
		ThresholdAmount:      opts.ThresholdAmount,
		GrantedVia:           opts.GrantedVia,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Grant(ctx, p); err != nil {
		return fmt.Errorf("grant %s for %s: %w", pattern, tenantID, err)
	}
	m.logger.InfoContext(ctx, "permission granted", "tenant_id", tenantID, "pattern", pattern)
	return m.invalidateLocked(ctx, tenantID)
}

// Revoke records an explicit revoke, which blocks every candidate the
// pattern matches even when a narrower grant exists.
func (m *Model) Revoke(ctx context.Context, tenantID, actionType, domain string) error {
	pattern := Pattern(actionType, domain)
	if tenantID == "" || pattern == "" {
		return fmt.Errorf("revoke: tenant and action type are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Revoke(ctx, tenantID, pattern, m.clock().UTC()); err != nil {
		return fmt.Errorf("revoke %s for %s: %w", pattern, tenantID, err)
	}
	m.logger.InfoContext(ctx, "permission revoked", "tenant_id", tenantID, "pattern", pattern)
	return m.invalidateLocked(ctx, tenantID)
}

// List returns every permission row of the tenant, revoked ones included.
func (m *Model) List(ctx context.Context, tenantID string) ([]contracts.Permission, error) {
	return m.store.List(ctx, tenantID)
}

// ClearCache drops cached decisions for one tenant.
func (m *Model) ClearCache(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidateLocked(ctx, tenantID)
}

// ClearAll drops every cached decision.
func (m *Model) ClearAll(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("clear permission cache: %w", err)
	}
	return nil
}

func (m *Model) invalidateLocked(ctx context.Context, tenantID string) error {
	if m.cache == nil {
		return nil
	}
	if err := m.cache.Invalidate(ctx, tenantID); err != nil {
		m.logger.ErrorContext(ctx, "permission cache invalidation failed", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("invalidate permission cache: %w", err)
	}
	return nil
}
