package tenants

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/BGMLAI/exoskull-sub007/pkg/store"
	"github.com/BGMLAI/exoskull-sub007/pkg/timing"
)

// Store persists tenants.
type Store interface {
	Insert(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// List returns tenants ordered by id; an empty status lists all.
	List(ctx context.Context, status Status) ([]*Tenant, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant)}
}

func (s *MemoryStore) Insert(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return ErrExists
	}
	s.tenants[t.ID] = t.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		return ErrNotFound
	}
	s.tenants[t.ID] = t.clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, status Status) ([]*Tenant, error) {
	s.mu.RLock()
	var out []*Tenant
	for _, t := range s.tenants {
		if status == "" || t.Status == status {
			out = append(out, t.clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Tenant) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the tenants table.
func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			quiet_start INTEGER,
			quiet_end INTEGER,
			emergency_contact TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL,
			suspended_at {{ts}},
			metadata {{json}}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants (status, id)`)
}

const tenantColumns = `id, name, status, timezone, quiet_start, quiet_end, emergency_contact,
	created_at, updated_at, suspended_at, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var (
		t                  Tenant
		status             string
		qs, qe             sql.NullInt64
		created, updated   string
		suspended, metaRaw sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &status, &t.Timezone, &qs, &qe, &t.EmergencyContact,
		&created, &updated, &suspended, &metaRaw)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if qs.Valid && qe.Valid {
		t.Quiet = &timing.QuietHours{Start: int(qs.Int64), End: int(qe.Int64)}
	}
	if t.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	if t.SuspendedAt, err = store.ParseNullTime(suspended); err != nil {
		return nil, err
	}
	if metaRaw.Valid && metaRaw.String != "" {
		if err := json.Unmarshal([]byte(metaRaw.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("tenants: failed to unmarshal metadata: %w", err)
		}
	}
	return &t, nil
}

func tenantArgs(t *Tenant) ([]any, error) {
	var qs, qe, meta any
	if t.Quiet != nil {
		qs, qe = t.Quiet.Start, t.Quiet.End
	}
	if t.Metadata != nil {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return nil, fmt.Errorf("tenants: failed to marshal metadata: %w", err)
		}
		meta = string(b)
	}
	return []any{t.Name, string(t.Status), t.Timezone, qs, qe, t.EmergencyContact,
		store.FormatTime(t.CreatedAt), store.FormatTime(t.UpdatedAt), store.NullTime(t.SuspendedAt), meta}, nil
}

func (s *SQLStore) Insert(ctx context.Context, t *Tenant) error {
	args, err := tenantArgs(t)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, append([]any{t.ID}, args...)...)
	if err != nil {
		return fmt.Errorf("tenants: failed to create tenant: %w", err)
	}
	if store.RowsAffected(res) == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenants: failed to get %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLStore) Update(ctx context.Context, t *Tenant) error {
	args, err := tenantArgs(t)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(ctx, `
		UPDATE tenants SET
			name = ?, status = ?, timezone = ?, quiet_start = ?, quiet_end = ?, emergency_contact = ?,
			created_at = ?, updated_at = ?, suspended_at = ?, metadata = ?
		WHERE id = ?`, append(args, t.ID)...)
	if err != nil {
		return fmt.Errorf("tenants: failed to update %s: %w", t.ID, err)
	}
	if store.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, status Status) ([]*Tenant, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenants: failed to list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
