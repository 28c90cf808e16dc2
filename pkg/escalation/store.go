package escalation

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// Store persists escalation chains.
type Store interface {
	Create(ctx context.Context, c *contracts.EscalationChain) error
	Get(ctx context.Context, id string) (*contracts.EscalationChain, error)
	// Update writes next only while the stored chain is still active at
	// fromLevel; otherwise it returns ErrStale.
	Update(ctx context.Context, next *contracts.EscalationChain, fromLevel int) error
	// Active lists active chains ordered by triggered-at. An empty tenantID
	// lists every tenant.
	Active(ctx context.Context, tenantID string, limit int) ([]*contracts.EscalationChain, error)
	// CancelTriggeredBefore cancels every active chain of tenantID triggered
	// at or before at and returns how many it cancelled.
	CancelTriggeredBefore(ctx context.Context, tenantID string, at time.Time) (int, error)
	// List returns the tenant's chains, newest first.
	List(ctx context.Context, tenantID string, limit int) ([]*contracts.EscalationChain, error)
}

// ErrNotFound is returned for unknown chain ids.
var ErrNotFound = store.ErrNotFound

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*contracts.EscalationChain
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]*contracts.EscalationChain)}
}

func (s *MemoryStore) Create(_ context.Context, c *contracts.EscalationChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.EscalationChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, next *contracts.EscalationChain, fromLevel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.chains[next.ID]
	if !ok {
		return ErrNotFound
	}
	if !cur.Active() || cur.CurrentLevel != fromLevel {
		return ErrStale
	}
	s.chains[next.ID] = next.Clone()
	return nil
}

func (s *MemoryStore) Active(_ context.Context, tenantID string, limit int) ([]*contracts.EscalationChain, error) {
	s.mu.RLock()
	var out []*contracts.EscalationChain
	for _, c := range s.chains {
		if c.Active() && (tenantID == "" || c.TenantID == tenantID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *contracts.EscalationChain) int {
		if c := a.TriggeredAt.Compare(b.TriggeredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CancelTriggeredBefore(_ context.Context, tenantID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.chains {
		if c.TenantID != tenantID || !c.Active() || c.TriggeredAt.After(at) {
			continue
		}
		next := c.Clone()
		next.Status = contracts.EscalationCancelled
		when := at
		next.CancelledAt = &when
		s.chains[id] = next
		n++
	}
	return n, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, limit int) ([]*contracts.EscalationChain, error) {
	s.mu.RLock()
	var out []*contracts.EscalationChain
	for _, c := range s.chains {
		if c.TenantID == tenantID {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *contracts.EscalationChain) int {
		if c := b.TriggeredAt.Compare(a.TriggeredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
