package triggers

import (
	"context"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// CooldownStore records when each rule last fired for each tenant.
type CooldownStore interface {
	// TryFire claims a firing at now unless the rule fired for the tenant
	// less than cooldown ago. It reports whether the claim succeeded.
	TryFire(ctx context.Context, tenantID, rule string, now time.Time, cooldown time.Duration) (bool, error)
}

type cooldownKey struct{ tenant, rule string }

// MemoryCooldowns is an in-process CooldownStore.
type MemoryCooldowns struct {
	mu    sync.Mutex
	fired map[cooldownKey]time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{fired: make(map[cooldownKey]time.Time)}
}

func (m *MemoryCooldowns) TryFire(_ context.Context, tenantID, rule string, now time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cooldownKey{tenantID, rule}
	if last, ok := m.fired[k]; ok && now.Before(last.Add(cooldown)) {
		return false, nil
	}
	m.fired[k] = now
	return true, nil
}

// SQLCooldowns implements CooldownStore on Postgres or SQLite. The claim is
// a single conditional upsert.
type SQLCooldowns struct {
	db *store.DB
}

func NewSQLCooldowns(db *store.DB) *SQLCooldowns {
	return &SQLCooldowns{db: db}
}

// Init creates the firings table.
func (s *SQLCooldowns) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS trigger_firings (
			tenant_id TEXT NOT NULL,
			rule TEXT NOT NULL,
			fired_at {{ts}} NOT NULL,
			PRIMARY KEY (tenant_id, rule)
		)`)
}

func (s *SQLCooldowns) TryFire(ctx context.Context, tenantID, rule string, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := s.db.Exec(ctx, `
		INSERT INTO trigger_firings (tenant_id, rule, fired_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, rule) DO UPDATE SET fired_at = excluded.fired_at
		WHERE trigger_firings.fired_at <= ?`,
		tenantID, rule, store.FormatTime(now), store.FormatTime(now.Add(-cooldown)))
	if err != nil {
		return false, err
	}
	return store.RowsAffected(res) > 0, nil
}
