package interventions

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
)

// Filter selects interventions for the read API.
type Filter struct {
	TenantID string
	Statuses []contracts.Status
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f Filter) match(in *contracts.Intervention) bool {
	if f.TenantID != "" && in.TenantID != f.TenantID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, in.Status) {
		return false
	}
	if !f.Since.IsZero() && in.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !in.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Store persists interventions, their transition history and the
// effectiveness records of completed ones. An empty tenant id in the sweep
// queries means every tenant.
type Store interface {
	// Create inserts a new intervention with its first history event.
	Create(ctx context.Context, in *contracts.Intervention, ev contracts.TransitionEvent) error
	Get(ctx context.Context, id string) (*contracts.Intervention, error)

	// Transition writes next only if the stored status still equals from,
	// and appends ev in the same write. A completed transition also opens
	// the effectiveness record. A miss returns ErrStaleTransition.
	Transition(ctx context.Context, next *contracts.Intervention, from contracts.Status, ev contracts.TransitionEvent) error
	SetFeedback(ctx context.Context, id string, fb contracts.Feedback, rating int, at time.Time) error
	History(ctx context.Context, id string) ([]contracts.TransitionEvent, error)
	List(ctx context.Context, f Filter) ([]*contracts.Intervention, error)

	ExpiredApprovals(ctx context.Context, tenantID string, now time.Time, limit int) ([]*contracts.Intervention, error)
	DueQueue(ctx context.Context, tenantID string, now time.Time, limit int) ([]*contracts.Intervention, error)

	Effectiveness(ctx context.Context, interventionID string) (*contracts.EffectivenessRecord, error)
	SaveEffectiveness(ctx context.Context, rec *contracts.EffectivenessRecord) error
	// DueMeasurements returns records whose window measurement is missing
	// and whose completion lies in [now-delay-lag, now-delay].
	DueMeasurements(ctx context.Context, w contracts.Window, now time.Time, delay, lag time.Duration, limit int) ([]*contracts.EffectivenessRecord, error)
	EffectivenessSince(ctx context.Context, tenantID string, since time.Time) ([]*contracts.EffectivenessRecord, error)

	guardian.StatsSource
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*contracts.Intervention
	history map[string][]contracts.TransitionEvent
	records map[string]*contracts.EffectivenessRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*contracts.Intervention),
		history: make(map[string][]contracts.TransitionEvent),
		records: make(map[string]*contracts.EffectivenessRecord),
	}
}

func (s *MemoryStore) Create(_ context.Context, in *contracts.Intervention, ev contracts.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[in.ID]; ok {
		return ErrStaleTransition
	}
	s.items[in.ID] = in.Clone()
	s.history[in.ID] = append(s.history[in.ID], ev)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, next *contracts.Intervention, from contracts.Status, ev contracts.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStaleTransition
	}
	// Feedback is written out of band and must survive a transition built
	// from an older snapshot.
	stored := next.Clone()
	stored.Feedback, stored.Rating = cur.Feedback, cur.Rating
	s.items[next.ID] = stored
	s.history[next.ID] = append(s.history[next.ID], ev)
	if next.Status == contracts.StatusCompleted && next.CompletedAt != nil {
		if _, exists := s.records[next.ID]; !exists {
			s.records[next.ID] = &contracts.EffectivenessRecord{
				InterventionID: next.ID,
				TenantID:       next.TenantID,
				CompletedAt:    *next.CompletedAt,
			}
		}
	}
	return nil
}

func (s *MemoryStore) SetFeedback(_ context.Context, id string, fb contracts.Feedback, rating int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if fb != contracts.FeedbackNone {
		in.Feedback = fb
	}
	if rating != 0 {
		in.Rating = rating
	}
	in.UpdatedAt = at
	return nil
}

func (s *MemoryStore) History(_ context.Context, id string) ([]contracts.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.items[id]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(s.history[id]), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*contracts.Intervention, error) {
	s.mu.RLock()
	var out []*contracts.Intervention
	for _, in := range s.items {
		if f.match(in) {
			out = append(out, in.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *contracts.Intervention) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) ExpiredApprovals(_ context.Context, tenantID string, now time.Time, n int) ([]*contracts.Intervention, error) {
	s.mu.RLock()
	var out []*contracts.Intervention
	for _, in := range s.items {
		if in.Status != contracts.StatusPendingApproval || in.ApprovalDeadline == nil {
			continue
		}
		if tenantID != "" && in.TenantID != tenantID {
			continue
		}
		if !in.ApprovalDeadline.After(now) {
			out = append(out, in.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *contracts.Intervention) int {
		if c := a.ApprovalDeadline.Compare(*b.ApprovalDeadline); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return limit(out, n), nil
}

func (s *MemoryStore) DueQueue(_ context.Context, tenantID string, now time.Time, n int) ([]*contracts.Intervention, error) {
	s.mu.RLock()
	var out []*contracts.Intervention
	for _, in := range s.items {
		if in.Status != contracts.StatusQueued {
			continue
		}
		if tenantID != "" && in.TenantID != tenantID {
			continue
		}
		if !dueAt(in).After(now) {
			out = append(out, in.Clone())
		}
	}
	s.mu.RUnlock()

	SortQueue(out)
	return limit(out, n), nil
}

func (s *MemoryStore) Effectiveness(_ context.Context, id string) (*contracts.EffectivenessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SaveEffectiveness(_ context.Context, rec *contracts.EffectivenessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.InterventionID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	s.records[rec.InterventionID] = &cp
	return nil
}

func (s *MemoryStore) DueMeasurements(_ context.Context, w contracts.Window, now time.Time, delay, lag time.Duration, n int) ([]*contracts.EffectivenessRecord, error) {
	latest := now.Add(-delay)
	earliest := latest.Add(-lag)

	s.mu.RLock()
	var out []*contracts.EffectivenessRecord
	for _, rec := range s.records {
		if rec.CompletedAt.After(latest) || rec.CompletedAt.Before(earliest) {
			continue
		}
		switch w {
		case contracts.Window24h:
			if rec.Measured24h != nil {
				continue
			}
		case contracts.Window7d:
			if rec.Measured24h == nil || rec.Measured7d != nil {
				continue
			}
		default:
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *contracts.EffectivenessRecord) int {
		if c := a.CompletedAt.Compare(b.CompletedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.InterventionID, b.InterventionID)
	})
	return limit(out, n), nil
}

func (s *MemoryStore) EffectivenessSince(_ context.Context, tenantID string, since time.Time) ([]*contracts.EffectivenessRecord, error) {
	s.mu.RLock()
	var out []*contracts.EffectivenessRecord
	for _, rec := range s.records {
		if rec.TenantID == tenantID && !rec.CompletedAt.Before(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *contracts.EffectivenessRecord) int {
		return a.CompletedAt.Compare(b.CompletedAt)
	})
	return out, nil
}

// GuardianStats implements guardian.StatsSource.
func (s *MemoryStore) GuardianStats(_ context.Context, tenantID string, since time.Time) (guardian.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st guardian.Stats
	for _, in := range s.items {
		if in.TenantID != tenantID || in.CreatedAt.Before(since) || in.Verdict == contracts.VerdictNone {
			continue
		}
		st.Evaluated++
		if in.Verdict == contracts.VerdictBlocked {
			st.Blocked++
		}
	}
	var sum float64
	for _, rec := range s.records {
		if rec.TenantID != tenantID || rec.CompletedAt.Before(since) || rec.Score == nil {
			continue
		}
		st.Measured++
		sum += *rec.Score
	}
	if st.Measured > 0 {
		st.AvgEffectiveness = sum / float64(st.Measured)
	}
	return st, nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
