// Package budget enforces the per-tenant daily action cap derived from the
// Guardian throttle. Enforcement is fail-closed: when usage cannot be read or
// reserved the action is denied and retried on a later sweep.
package budget

import (
	"context"
	"time"
)

// Usage is a tenant's action count for one UTC day.
type Usage struct {
	TenantID  string    `json:"tenant_id"`
	Day       string    `json:"day"`
	Used      int       `json:"used"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decision is the result of a budget check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`

	// Day is set when the decision reserved a unit of that day's budget.
	Day string `json:"day,omitempty"`
}

// Storage persists daily usage counters.
type Storage interface {
	Get(ctx context.Context, tenantID, day string) (*Usage, error)

	// Increment adds one to the day's counter if it is below limit and
	// returns the new count. A negative limit means unbounded. ok is false,
	// with the counter untouched, when the cap is already reached.
	Increment(ctx context.Context, tenantID, day string, limit int, at time.Time) (used int, ok bool, err error)

	// Decrement gives back one unit of the day's counter, never going
	// below zero.
	Decrement(ctx context.Context, tenantID, day string, at time.Time) error

	// Prune deletes counters for days before day.
	Prune(ctx context.Context, before string) (int64, error)
}

// Limits supplies the current daily cap of a tenant.
type Limits interface {
	MaxPerDay(ctx context.Context, tenantID string) int
}

// LimitFunc adapts a function to Limits.
type LimitFunc func(ctx context.Context, tenantID string) int

// MaxPerDay implements Limits.
func (f LimitFunc) MaxPerDay(ctx context.Context, tenantID string) int {
	return f(ctx, tenantID)
}

// DayKey is the UTC calendar day of t.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// NextReset is the next UTC midnight after t.
func NextReset(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
