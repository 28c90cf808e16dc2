package interventions

import (
	"context"
	"math"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// Summary is the dashboard view of a tenant's recent interventions.
type Summary struct {
	TenantID         string    `json:"tenant_id"`
	Since            time.Time `json:"since"`
	Total            int       `json:"total"`
	Approved         int       `json:"approved"`
	Blocked          int       `json:"blocked"`
	Pending          int       `json:"pending"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	Cancelled        int       `json:"cancelled"`
	Measured         int       `json:"measured"`
	AvgEffectiveness *float64  `json:"avg_effectiveness,omitempty"`
}

// Summarize counts verdicts and outcomes since the given time and averages
// the measured effectiveness scores.
func Summarize(ctx context.Context, s Store, tenantID string, since time.Time) (Summary, error) {
	return SummarizeRange(ctx, s, tenantID, since, time.Time{})
}

// SummarizeRange is Summarize over [since, until). A zero until is open.
func SummarizeRange(ctx context.Context, s Store, tenantID string, since, until time.Time) (Summary, error) {
	items, err := s.List(ctx, Filter{TenantID: tenantID, Since: since, Until: until})
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{TenantID: tenantID, Since: since, Total: len(items)}
	for _, in := range items {
		switch in.Verdict {
		case contracts.VerdictApproved:
			sum.Approved++
		case contracts.VerdictBlocked:
			sum.Blocked++
		}
		switch in.Status {
		case contracts.StatusPendingApproval:
			sum.Pending++
		case contracts.StatusCompleted:
			sum.Completed++
		case contracts.StatusFailed:
			sum.Failed++
		case contracts.StatusCancelled:
			sum.Cancelled++
		}
	}

	records, err := s.EffectivenessSince(ctx, tenantID, since)
	if err != nil {
		return Summary{}, err
	}
	var total float64
	for _, rec := range records {
		if !until.IsZero() && !rec.CompletedAt.Before(until) {
			continue
		}
		if rec.Score != nil {
			sum.Measured++
			total += *rec.Score
		}
	}
	if sum.Measured > 0 {
		avg := math.Round(total/float64(sum.Measured)*10) / 10
		sum.AvgEffectiveness = &avg
	}
	return sum, nil
}
