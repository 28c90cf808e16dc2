package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// SQLStorage implements Storage on Postgres or SQLite. Increment is a single
// conditional upsert, so concurrent executors cannot overshoot the cap.
type SQLStorage struct {
	db *store.DB
}

func NewSQLStorage(db *store.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

// Init creates the daily_budgets table.
func (s *SQLStorage) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS daily_budgets (
			tenant_id TEXT NOT NULL,
			day TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			updated_at {{ts}} NOT NULL,
			PRIMARY KEY (tenant_id, day)
		)`)
}

func (s *SQLStorage) Get(ctx context.Context, tenantID, day string) (*Usage, error) {
	var (
		u       Usage
		updated string
	)
	err := s.db.QueryRow(ctx,
		"SELECT tenant_id, day, used, updated_at FROM daily_budgets WHERE tenant_id = ? AND day = ?",
		tenantID, day).Scan(&u.TenantID, &u.Day, &u.Used, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	if u.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStorage) Increment(ctx context.Context, tenantID, day string, limit int, at time.Time) (int, bool, error) {
	if limit == 0 {
		// The insert branch of the upsert ignores the WHERE clause.
		return s.current(ctx, tenantID, day)
	}
	var used int
	err := s.db.QueryRow(ctx, `
		INSERT INTO daily_budgets (tenant_id, day, used, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			used = daily_budgets.used + 1,
			updated_at = excluded.updated_at
		WHERE ? < 0 OR daily_budgets.used < ?
		RETURNING used`,
		tenantID, day, store.FormatTime(at), limit, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return s.current(ctx, tenantID, day)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve budget: %w", err)
	}
	return used, true, nil
}

func (s *SQLStorage) current(ctx context.Context, tenantID, day string) (int, bool, error) {
	u, err := s.Get(ctx, tenantID, day)
	if err != nil || u == nil {
		return 0, false, err
	}
	return u.Used, false, nil
}

func (s *SQLStorage) Decrement(ctx context.Context, tenantID, day string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		"UPDATE daily_budgets SET used = used - 1, updated_at = ? WHERE tenant_id = ? AND day = ? AND used > 0",
		store.FormatTime(at), tenantID, day)
	if err != nil {
		return fmt.Errorf("failed to release budget: %w", err)
	}
	return nil
}

func (s *SQLStorage) Prune(ctx context.Context, before string) (int64, error) {
	res, err := s.db.Exec(ctx, "DELETE FROM daily_budgets WHERE day < ?", before)
	if err != nil {
		return 0, err
	}
	return store.RowsAffected(res), nil
}
