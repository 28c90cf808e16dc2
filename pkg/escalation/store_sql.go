package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the escalation_chains table.
func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS escalation_chains (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			intervention_id TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			crisis {{bool}} NOT NULL,
			levels {{json}} NOT NULL,
			current_level INTEGER NOT NULL,
			payload {{json}},
			status TEXT NOT NULL,
			triggered_at {{ts}} NOT NULL,
			last_advanced_at {{ts}} NOT NULL,
			cancelled_at {{ts}},
			exhausted_at {{ts}}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_active ON escalation_chains (status, tenant_id, triggered_at)`)
}

const chainColumns = `id, tenant_id, intervention_id, severity, crisis, levels, current_level, payload,
	status, triggered_at, last_advanced_at, cancelled_at, exhausted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChain(row rowScanner) (*contracts.EscalationChain, error) {
	var (
		c                   contracts.EscalationChain
		severity, status    string
		levels              string
		payload             sql.NullString
		triggered, advanced string
		cancelled, exhaust  sql.NullString
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.InterventionID, &severity, &c.Crisis, &levels, &c.CurrentLevel,
		&payload, &status, &triggered, &advanced, &cancelled, &exhaust)
	if err != nil {
		return nil, err
	}
	c.Severity = contracts.Severity(severity)
	c.Status = contracts.EscalationStatus(status)
	if err := json.Unmarshal([]byte(levels), &c.Levels); err != nil {
		return nil, fmt.Errorf("decode levels of %s: %w", c.ID, err)
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &c.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", c.ID, err)
		}
	}
	if c.TriggeredAt, err = store.ParseTime(triggered); err != nil {
		return nil, err
	}
	if c.LastAdvancedAt, err = store.ParseTime(advanced); err != nil {
		return nil, err
	}
	if c.CancelledAt, err = store.ParseNullTime(cancelled); err != nil {
		return nil, err
	}
	if c.ExhaustedAt, err = store.ParseNullTime(exhaust); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeChain(c *contracts.EscalationChain) (levels string, payload any, err error) {
	b, err := json.Marshal(c.Levels)
	if err != nil {
		return "", nil, fmt.Errorf("encode levels: %w", err)
	}
	if c.Payload != nil {
		p, err := json.Marshal(c.Payload)
		if err != nil {
			return "", nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(p)
	}
	return string(b), payload, nil
}

func (s *SQLStore) Create(ctx context.Context, c *contracts.EscalationChain) error {
	levels, payload, err := encodeChain(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO escalation_chains (`+chainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.InterventionID, string(c.Severity), c.Crisis, levels, c.CurrentLevel, payload,
		string(c.Status), store.FormatTime(c.TriggeredAt), store.FormatTime(c.LastAdvancedAt),
		store.NullTime(c.CancelledAt), store.NullTime(c.ExhaustedAt))
	if err != nil {
		return fmt.Errorf("insert escalation chain: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.EscalationChain, error) {
	c, err := scanChain(s.db.QueryRow(ctx, `SELECT `+chainColumns+` FROM escalation_chains WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation chain %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLStore) Update(ctx context.Context, next *contracts.EscalationChain, fromLevel int) error {
	res, err := s.db.Exec(ctx, `
		UPDATE escalation_chains SET
			current_level = ?, status = ?, last_advanced_at = ?, cancelled_at = ?, exhausted_at = ?
		WHERE id = ? AND status = ? AND current_level = ?`,
		next.CurrentLevel, string(next.Status), store.FormatTime(next.LastAdvancedAt),
		store.NullTime(next.CancelledAt), store.NullTime(next.ExhaustedAt),
		next.ID, string(contracts.EscalationActive), fromLevel)
	if err != nil {
		return fmt.Errorf("update escalation chain %s: %w", next.ID, err)
	}
	if store.RowsAffected(res) == 0 {
		if _, err := s.Get(ctx, next.ID); err != nil {
			return err
		}
		return ErrStale
	}
	return nil
}

func (s *SQLStore) Active(ctx context.Context, tenantID string, limit int) ([]*contracts.EscalationChain, error) {
	query := `SELECT ` + chainColumns + ` FROM escalation_chains WHERE status = ?`
	args := []any{string(contracts.EscalationActive)}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY triggered_at, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLStore) CancelTriggeredBefore(ctx context.Context, tenantID string, at time.Time) (int, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE escalation_chains SET status = ?, cancelled_at = ?
		WHERE tenant_id = ? AND status = ? AND triggered_at <= ?`,
		string(contracts.EscalationCancelled), store.FormatTime(at),
		tenantID, string(contracts.EscalationActive), store.FormatTime(at))
	if err != nil {
		return 0, fmt.Errorf("cancel escalation chains of %s: %w", tenantID, err)
	}
	return int(store.RowsAffected(res)), nil
}

func (s *SQLStore) List(ctx context.Context, tenantID string, limit int) ([]*contracts.EscalationChain, error) {
	query := `SELECT ` + chainColumns + ` FROM escalation_chains WHERE tenant_id = ? ORDER BY triggered_at DESC, id`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*contracts.EscalationChain, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalation chains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EscalationChain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
