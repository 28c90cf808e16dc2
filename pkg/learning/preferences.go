package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// PreferenceStore persists learned preferences. Preferences returns nil
// without error for a tenant with nothing learned yet.
type PreferenceStore interface {
	Preferences(ctx context.Context, tenantID string) (*contracts.Preferences, error)
	SavePreferences(ctx context.Context, p *contracts.Preferences) error
}

// MemoryPreferences is an in-process PreferenceStore.
type MemoryPreferences struct {
	mu    sync.RWMutex
	prefs map[string]contracts.Preferences
}

func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{prefs: make(map[string]contracts.Preferences)}
}

func (m *MemoryPreferences) Preferences(_ context.Context, tenantID string) (*contracts.Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[tenantID]
	if !ok {
		return nil, nil
	}
	p.ChannelRanking = append([]string(nil), p.ChannelRanking...)
	if p.BestContactHour != nil {
		h := *p.BestContactHour
		p.BestContactHour = &h
	}
	return &p, nil
}

func (m *MemoryPreferences) SavePreferences(_ context.Context, p *contracts.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.ChannelRanking = append([]string(nil), p.ChannelRanking...)
	if p.BestContactHour != nil {
		h := *p.BestContactHour
		cp.BestContactHour = &h
	}
	m.prefs[p.TenantID] = cp
	return nil
}

// SQLPreferences implements PreferenceStore on Postgres or SQLite.
type SQLPreferences struct {
	db *store.DB
}

func NewSQLPreferences(db *store.DB) *SQLPreferences {
	return &SQLPreferences{db: db}
}

// Init creates the tenant_preferences table.
func (s *SQLPreferences) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_preferences (
			tenant_id TEXT PRIMARY KEY,
			channel_ranking {{json}},
			best_contact_hour INTEGER,
			message_style TEXT NOT NULL,
			sample_size INTEGER NOT NULL,
			updated_at {{ts}} NOT NULL
		)`)
}

func (s *SQLPreferences) Preferences(ctx context.Context, tenantID string) (*contracts.Preferences, error) {
	var (
		p       = contracts.Preferences{TenantID: tenantID}
		ranking sql.NullString
		hour    sql.NullInt64
		updated string
	)
	err := s.db.QueryRow(ctx, `
		SELECT channel_ranking, best_contact_hour, message_style, sample_size, updated_at
		FROM tenant_preferences WHERE tenant_id = ?`, tenantID).
		Scan(&ranking, &hour, &p.MessageStyle, &p.SampleSize, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences of %s: %w", tenantID, err)
	}
	if ranking.Valid && ranking.String != "" {
		if err := json.Unmarshal([]byte(ranking.String), &p.ChannelRanking); err != nil {
			return nil, fmt.Errorf("decode channel ranking of %s: %w", tenantID, err)
		}
	}
	if hour.Valid {
		h := int(hour.Int64)
		p.BestContactHour = &h
	}
	if p.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLPreferences) SavePreferences(ctx context.Context, p *contracts.Preferences) error {
	ranking, err := json.Marshal(p.ChannelRanking)
	if err != nil {
		return fmt.Errorf("encode channel ranking: %w", err)
	}
	var hour any
	if p.BestContactHour != nil {
		hour = *p.BestContactHour
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tenant_preferences (tenant_id, channel_ranking, best_contact_hour, message_style, sample_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			channel_ranking = excluded.channel_ranking,
			best_contact_hour = excluded.best_contact_hour,
			message_style = excluded.message_style,
			sample_size = excluded.sample_size,
			updated_at = excluded.updated_at`,
		p.TenantID, string(ranking), hour, p.MessageStyle, p.SampleSize, store.FormatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save preferences of %s: %w", p.TenantID, err)
	}
	return nil
}
