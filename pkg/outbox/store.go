package outbox

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// Store persists outbox messages.
type Store interface {
	// Insert stores m unless a message with its id exists, and reports
	// whether it stored it.
	Insert(ctx context.Context, m *Message) (bool, error)
	Get(ctx context.Context, id string) (*Message, error)
	// Pending returns pending messages due at now, oldest first.
	Pending(ctx context.Context, now time.Time, limit int) ([]*Message, error)
	MarkDone(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt; dead messages are never retried.
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string, next time.Time, dead bool) error
	// Prune deletes delivered messages created before t.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	msgs map[string]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]*Message)}
}

func cloneMessage(m *Message) *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			c.Payload[k] = v
		}
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

func (s *MemoryStore) Insert(_ context.Context, m *Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[m.ID]; ok {
		return false, nil
	}
	s.msgs[m.ID] = cloneMessage(m)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) Pending(_ context.Context, now time.Time, limit int) ([]*Message, error) {
	s.mu.Lock()
	var out []*Message
	for _, m := range s.msgs {
		if m.Status == StatusPending && !m.NextAttemptAt.After(now) {
			out = append(out, cloneMessage(m))
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b *Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDone(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusDone
	m.Attempts++
	m.LastError = ""
	m.DeliveredAt = &at
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, attempts int, lastErr string, next time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return ErrNotFound
	}
	m.Attempts = attempts
	m.LastError = lastErr
	m.NextAttemptAt = next
	if dead {
		m.Status = StatusDead
	}
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.msgs {
		if m.Status == StatusDone && m.CreatedAt.Before(before) {
			delete(s.msgs, id)
			n++
		}
	}
	return n, nil
}

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the outbox table.
func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload {{json}},
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL,
			next_attempt_at {{ts}} NOT NULL,
			delivered_at {{ts}}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_messages (status, next_attempt_at)`)
}

const messageColumns = `id, tenant_id, kind, payload, status, attempts, last_error, created_at, next_attempt_at, delivered_at`

func (s *SQLStore) Insert(ctx context.Context, m *Message) (bool, error) {
	var payload any
	if m.Payload != nil {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return false, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	res, err := s.db.Exec(ctx, `
		INSERT INTO outbox_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.TenantID, m.Kind, payload, string(m.Status), m.Attempts, m.LastError,
		store.FormatTime(m.CreatedAt), store.FormatTime(m.NextAttemptAt), store.NullTime(m.DeliveredAt))
	if err != nil {
		return false, err
	}
	return store.RowsAffected(res) > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                    Message
		payload, delivered   sql.NullString
		status               string
		created, nextAttempt string
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.Kind, &payload, &status, &m.Attempts, &m.LastError,
		&created, &nextAttempt, &delivered)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload JSON in outbox message %s: %w", m.ID, err)
		}
	}
	if m.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if m.NextAttemptAt, err = store.ParseTime(nextAttempt); err != nil {
		return nil, err
	}
	if m.DeliveredAt, err = store.ParseNullTime(delivered); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM outbox_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLStore) Pending(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox_messages
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC, id`
	args := []any{string(StatusPending), store.FormatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkDone(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.Exec(ctx, `
		UPDATE outbox_messages SET status = ?, attempts = attempts + 1, last_error = '', delivered_at = ?
		WHERE id = ?`, string(StatusDone), store.FormatTime(at), id)
	if err != nil {
		return err
	}
	if store.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string, next time.Time, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	res, err := s.db.Exec(ctx, `
		UPDATE outbox_messages SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?`, string(status), attempts, lastErr, store.FormatTime(next), id)
	if err != nil {
		return err
	}
	if store.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM outbox_messages WHERE status = ? AND created_at < ?`,
		string(StatusDone), store.FormatTime(before))
	if err != nil {
		return 0, err
	}
	return int(store.RowsAffected(res)), nil
}
