package budget

import (
	"context"
	"sync"
	"time"
)

type usageKey struct{ tenant, day string }

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu    sync.Mutex
	usage map[usageKey]*Usage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{usage: make(map[usageKey]*Usage)}
}

func (s *MemoryStorage) Get(_ context.Context, tenantID, day string) (*Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[usageKey{tenantID, day}]; ok {
		val := *u
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Increment(_ context.Context, tenantID, day string, limit int, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{tenantID, day}
	u, ok := s.usage[k]
	if !ok {
		u = &Usage{TenantID: tenantID, Day: day}
		s.usage[k] = u
	}
	if limit >= 0 && u.Used >= limit {
		return u.Used, false, nil
	}
	u.Used++
	u.UpdatedAt = at
	return u.Used, true, nil
}

func (s *MemoryStorage) Decrement(_ context.Context, tenantID, day string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[usageKey{tenantID, day}]; ok && u.Used > 0 {
		u.Used--
		u.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStorage) Prune(_ context.Context, before string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.usage {
		if k.day < before {
			delete(s.usage, k)
			n++
		}
	}
	return n, nil
}
