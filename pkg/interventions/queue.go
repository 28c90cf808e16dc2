package interventions

import (
	"cmp"
	"slices"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// dueAt is when a queued intervention becomes due.
func dueAt(in *contracts.Intervention) time.Time {
	if in.ScheduledFor != nil {
		return *in.ScheduledFor
	}
	return in.CreatedAt
}

// CompareQueue orders the execution queue: critical first regardless of
// time, then scheduled-for, then priority rank, then created-at. The id
// breaks remaining ties so the order is total.
func CompareQueue(a, b *contracts.Intervention) int {
	ac, bc := a.Priority == contracts.PriorityCritical, b.Priority == contracts.PriorityCritical
	if ac != bc {
		if ac {
			return -1
		}
		return 1
	}
	if c := dueAt(a).Compare(dueAt(b)); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortQueue sorts items in execution order.
func SortQueue(items []*contracts.Intervention) {
	slices.SortFunc(items, CompareQueue)
}

// queueOrderSQL is CompareQueue expressed as an ORDER BY clause.
const queueOrderSQL = `ORDER BY
	CASE WHEN priority = 'critical' THEN 0 ELSE 1 END,
	COALESCE(scheduled_for, created_at),
	CASE priority WHEN 'high' THEN 0 WHEN 'low' THEN 2 ELSE 1 END,
	created_at,
	id`
