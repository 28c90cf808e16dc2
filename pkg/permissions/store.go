package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// Store persists permission rows. Rows are unique per (tenant, pattern) and
// never deleted.
type Store interface {
	List(ctx context.Context, tenantID string) ([]contracts.Permission, error)
	// Grant inserts or re-grants a pattern, clearing any revoke.
	Grant(ctx context.Context, p contracts.Permission) error
	// Revoke marks a pattern revoked, inserting an explicit revoke row when
	// the pattern was never granted.
	Revoke(ctx context.Context, tenantID, pattern string, at time.Time) error
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]contracts.Permission
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]contracts.Permission)}
}

func (s *MemoryStore) List(_ context.Context, tenantID string) ([]contracts.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Permission, 0, len(s.rows[tenantID]))
	for _, p := range s.rows[tenantID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out, nil
}

func (s *MemoryStore) Grant(_ context.Context, p contracts.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenant(p.TenantID)
	if prev, ok := m[p.Pattern]; ok {
		p.CreatedAt = prev.CreatedAt
	}
	p.Granted = true
	p.RevokedAt = nil
	m[p.Pattern] = p
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, tenantID, pattern string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenant(tenantID)
	p, ok := m[pattern]
	if !ok {
		p = contracts.Permission{TenantID: tenantID, Pattern: pattern, CreatedAt: at}
	}
	p.Granted = false
	p.RevokedAt = &at
	p.UpdatedAt = at
	m[pattern] = p
	return nil
}

func (s *MemoryStore) tenant(id string) map[string]contracts.Permission {
	m, ok := s.rows[id]
	if !ok {
		m = make(map[string]contracts.Permission)
		s.rows[id] = m
	}
	return m
}

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a store; call Init before use.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the permissions table.
func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS permissions (
			tenant_id TEXT NOT NULL,
			action_pattern TEXT NOT NULL,
			granted {{bool}} NOT NULL,
			requires_confirmation {{bool}} NOT NULL DEFAULT FALSE,
			threshold_amount {{real}},
			granted_via TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL,
			revoked_at {{ts}},
			PRIMARY KEY (tenant_id, action_pattern)
		)`)
}

func (s *SQLStore) List(ctx context.Context, tenantID string) ([]contracts.Permission, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id, action_pattern, granted, requires_confirmation, threshold_amount,
			granted_via, created_at, updated_at, revoked_at
		FROM permissions WHERE tenant_id = ? ORDER BY action_pattern`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Permission
	for rows.Next() {
		var (
			p                contracts.Permission
			threshold        sql.NullFloat64
			created, updated string
			revoked          sql.NullString
		)
		if err := rows.Scan(&p.TenantID, &p.Pattern, &p.Granted, &p.RequiresConfirmation, &threshold,
			&p.GrantedVia, &created, &updated, &revoked); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		p.ThresholdAmount = store.FloatPtr(threshold)
		if p.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = store.ParseTime(updated); err != nil {
			return nil, err
		}
		if p.RevokedAt, err = store.ParseNullTime(revoked); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) Grant(ctx context.Context, p contracts.Permission) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO permissions (tenant_id, action_pattern, granted, requires_confirmation,
			threshold_amount, granted_via, created_at, updated_at, revoked_at)
		VALUES (?, ?, TRUE, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (tenant_id, action_pattern) DO UPDATE SET
			granted = TRUE,
			requires_confirmation = excluded.requires_confirmation,
			threshold_amount = excluded.threshold_amount,
			granted_via = excluded.granted_via,
			updated_at = excluded.updated_at,
			revoked_at = NULL`,
		p.TenantID, p.Pattern, p.RequiresConfirmation, store.NullFloat(p.ThresholdAmount),
		p.GrantedVia, store.FormatTime(p.CreatedAt), store.FormatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

func (s *SQLStore) Revoke(ctx context.Context, tenantID, pattern string, at time.Time) error {
	ts := store.FormatTime(at)
	_, err := s.db.Exec(ctx, `
		INSERT INTO permissions (tenant_id, action_pattern, granted, requires_confirmation,
			threshold_amount, granted_via, created_at, updated_at, revoked_at)
		VALUES (?, ?, FALSE, FALSE, NULL, '', ?, ?, ?)
		ON CONFLICT (tenant_id, action_pattern) DO UPDATE SET
			granted = FALSE,
			updated_at = excluded.updated_at,
			revoked_at = excluded.revoked_at`,
		tenantID, pattern, ts, ts, ts)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}
