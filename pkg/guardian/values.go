package guardian

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// ValueStore persists tenant value constraints and the conflicts they raise.
type ValueStore interface {
	Constraints(ctx context.Context, tenantID string) ([]contracts.ValueConstraint, error)
	AddConstraint(ctx context.Context, c contracts.ValueConstraint) error
	RecordConflict(ctx context.Context, c contracts.ValueConflict) error
	Conflicts(ctx context.Context, tenantID string, unresolvedOnly bool) ([]contracts.ValueConflict, error)
	ResolveConflict(ctx context.Context, tenantID, conflictID string, at time.Time) error
}

// ValueChecker evaluates CEL value constraints against interventions. A
// constraint expression is true when the intervention violates it, e.g.
//
//	intervention.type == "schedule" && intervention.payload.hour < 8
type ValueChecker struct {
	env      *cel.Env
	store    ValueStore
	clock    func() time.Time
	logger   *slog.Logger
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewValueChecker creates a checker over the given store.
func NewValueChecker(s ValueStore) (*ValueChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("intervention", cel.DynType),
		cel.Variable("now", cel.TimestampType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ValueChecker{
		env:      env,
		store:    s,
		clock:    time.Now,
		logger:   slog.Default().With("component", "guardian.values"),
		prgCache: make(map[string]cel.Program),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *ValueChecker) WithClock(clock func() time.Time) *ValueChecker {
	v.clock = clock
	return v
}

// Store returns the underlying value store.
func (v *ValueChecker) Store() ValueStore { return v.store }

// AddConstraint compiles and records a constraint. Expressions that do not
// compile to a boolean are rejected.
func (v *ValueChecker) AddConstraint(ctx context.Context, tenantID, description, expression string) (*contracts.ValueConstraint, error) {
	if _, err := v.program(expression); err != nil {
		return nil, err
	}
	c := contracts.ValueConstraint{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Description: description,
		Expression:  expression,
		CreatedAt:   v.clock().UTC(),
	}
	if err := v.store.AddConstraint(ctx, c); err != nil {
		return nil, fmt.Errorf("add value constraint: %w", err)
	}
	return &c, nil
}

// Check returns the recorded conflict when in violates one of its tenant's
// constraints, or nil when none is violated. Constraints that fail to
// evaluate against a payload (for example a missing key) do not apply and
// are skipped. An error means the constraints could not be loaded.
func (v *ValueChecker) Check(ctx context.Context, in *contracts.Intervention) (*contracts.ValueConflict, error) {
	constraints, err := v.store.Constraints(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load value constraints: %w", err)
	}
	if len(constraints) == 0 {
		return nil, nil
	}

	now := v.clock()
	input := map[string]any{
		"intervention": ActivationInput(in),
		"now":          now,
	}
	for _, c := range constraints {
		violated, err := v.eval(c.Expression, input)
		if err != nil {
			v.logger.DebugContext(ctx, "value constraint skipped", "constraint_id", c.ID, "error", err)
			continue
		}
		if !violated {
			continue
		}
		conflict := contracts.ValueConflict{
			ID:             uuid.New().String(),
			TenantID:       in.TenantID,
			InterventionID: in.ID,
			ConstraintID:   c.ID,
			Description:    c.Description,
			DetectedAt:     now.UTC(),
		}
		if err := v.store.RecordConflict(ctx, conflict); err != nil {
			v.logger.ErrorContext(ctx, "failed to record value conflict", "tenant_id", in.TenantID, "error", err)
		}
		return &conflict, nil
	}
	return nil, nil
}

// ActivationInput flattens an intervention for CEL evaluation.
func ActivationInput(in *contracts.Intervention) map[string]any {
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":            in.ID,
		"type":          string(in.Type),
		"priority":      string(in.Priority),
		"action_type":   in.ActionType(),
		"domain":        in.Domain(),
		"channel":       in.Channel(),
		"benefit_score": in.BenefitScore,
		"source":        in.Source,
		"payload":       payload,
	}
}

func (v *ValueChecker) program(expr string) (cel.Program, error) {
	v.mu.RLock()
	prg, hit := v.prgCache[expr]
	v.mu.RUnlock()
	if hit {
		return prg, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, hit = v.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("constraint must evaluate to bool, got %s", out)
	}
	p, err := v.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	v.prgCache[expr] = p
	return p, nil
}

func (v *ValueChecker) eval(expr string, input map[string]any) (bool, error) {
	prg, err := v.program(expr)
	if err != nil {
		return false, err
	}
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

// MemoryValueStore implements ValueStore in memory.
type MemoryValueStore struct {
	mu          sync.RWMutex
	constraints map[string][]contracts.ValueConstraint
	conflicts   map[string][]contracts.ValueConflict
}

// NewMemoryValueStore creates an empty store.
func NewMemoryValueStore() *MemoryValueStore {
	return &MemoryValueStore{
		constraints: make(map[string][]contracts.ValueConstraint),
		conflicts:   make(map[string][]contracts.ValueConflict),
	}
}

func (s *MemoryValueStore) Constraints(_ context.Context, tenantID string) ([]contracts.ValueConstraint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]contracts.ValueConstraint(nil), s.constraints[tenantID]...), nil
}

func (s *MemoryValueStore) AddConstraint(_ context.Context, c contracts.ValueConstraint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constraints[c.TenantID] = append(s.constraints[c.TenantID], c)
	return nil
}

func (s *MemoryValueStore) RecordConflict(_ context.Context, c contracts.ValueConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.TenantID] = append(s.conflicts[c.TenantID], c)
	return nil
}

func (s *MemoryValueStore) Conflicts(_ context.Context, tenantID string, unresolvedOnly bool) ([]contracts.ValueConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.ValueConflict
	for _, c := range s.conflicts[tenantID] {
		if unresolvedOnly && c.ResolvedAt != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryValueStore) ResolveConflict(_ context.Context, tenantID, conflictID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conflicts[tenantID] {
		c := &s.conflicts[tenantID][i]
		if c.ID != conflictID {
			continue
		}
		if c.ResolvedAt == nil {
			c.ResolvedAt = &at
		}
		return nil
	}
	return store.ErrNotFound
}

// SQLValueStore implements ValueStore on Postgres or SQLite.
type SQLValueStore struct {
	db *store.DB
}

// NewSQLValueStore creates a store; call Init before use.
func NewSQLValueStore(db *store.DB) *SQLValueStore {
	return &SQLValueStore{db: db}
}

// Init creates the constraint and conflict tables.
func (s *SQLValueStore) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS value_constraints (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			description TEXT NOT NULL,
			expression TEXT NOT NULL,
			created_at {{ts}} NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS value_conflicts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			intervention_id TEXT NOT NULL,
			constraint_id TEXT NOT NULL,
			description TEXT NOT NULL,
			detected_at {{ts}} NOT NULL,
			resolved_at {{ts}}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_value_conflicts_tenant ON value_conflicts (tenant_id, resolved_at)`)
}

func (s *SQLValueStore) Constraints(ctx context.Context, tenantID string) ([]contracts.ValueConstraint, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, description, expression, created_at FROM value_constraints WHERE tenant_id = ? ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list value constraints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ValueConstraint
	for rows.Next() {
		var c contracts.ValueConstraint
		var created string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Description, &c.Expression, &created); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLValueStore) AddConstraint(ctx context.Context, c contracts.ValueConstraint) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO value_constraints (id, tenant_id, description, expression, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Description, c.Expression, store.FormatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert value constraint: %w", err)
	}
	return nil
}

func (s *SQLValueStore) RecordConflict(ctx context.Context, c contracts.ValueConflict) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO value_conflicts (id, tenant_id, intervention_id, constraint_id, description, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.InterventionID, c.ConstraintID, c.Description,
		store.FormatTime(c.DetectedAt), store.NullTime(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert value conflict: %w", err)
	}
	return nil
}

func (s *SQLValueStore) Conflicts(ctx context.Context, tenantID string, unresolvedOnly bool) ([]contracts.ValueConflict, error) {
	query := `SELECT id, tenant_id, intervention_id, constraint_id, description, detected_at, resolved_at
		FROM value_conflicts WHERE tenant_id = ?`
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list value conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ValueConflict
	for rows.Next() {
		var (
			c        contracts.ValueConflict
			detected string
			resolved sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.InterventionID, &c.ConstraintID, &c.Description, &detected, &resolved); err != nil {
			return nil, err
		}
		if c.DetectedAt, err = store.ParseTime(detected); err != nil {
			return nil, err
		}
		if c.ResolvedAt, err = store.ParseNullTime(resolved); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLValueStore) ResolveConflict(ctx context.Context, tenantID, conflictID string, at time.Time) error {
	res, err := s.db.Exec(ctx,
		`UPDATE value_conflicts SET resolved_at = COALESCE(resolved_at, ?) WHERE tenant_id = ? AND id = ?`,
		store.FormatTime(at), tenantID, conflictID)
	if err != nil {
		return fmt.Errorf("resolve value conflict: %w", err)
	}
	if store.RowsAffected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}
