package guardian

import (
	"context"
	"fmt"
	"math"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// InterventionLoader fetches an intervention by id.
type InterventionLoader interface {
	Get(ctx context.Context, id string) (*contracts.Intervention, error)
}

// Signals is the observable evidence around an executed intervention.
type Signals struct {
	// Observed is false when no engagement tracking exists for the tenant;
	// zero engagements then mean "unknown", not "ignored".
	Observed    bool
	Engagements int

	MetricBefore *float64
	MetricAfter  *float64
}

// SignalSource supplies engagement events and behaviour metrics.
type SignalSource interface {
	Signals(ctx context.Context, in *contracts.Intervention) (Signals, error)
}

// Score weights. Explicit judgement outweighs inferred behaviour.
const (
	weightFeedback   = 3.0
	weightRating     = 2.0
	weightMetric     = 2.0
	weightEngagement = 1.0
)

var feedbackScores = map[contracts.Feedback]float64{
	contracts.FeedbackHelpful:   9,
	contracts.FeedbackNeutral:   5,
	contracts.FeedbackUnhelpful: 2,
	contracts.FeedbackHarmful:   0,
}

// MeasureEffectiveness scores an executed intervention 0–10. A nil score
// with a nil error means there is not enough signal yet; callers retry on the
// next sweep rather than treating it as zero.
func (g *Guardian) MeasureEffectiveness(ctx context.Context, interventionID string) (*float64, error) {
	if g.loader == nil {
		return nil, fmt.Errorf("measure effectiveness: no intervention loader configured")
	}
	in, err := g.loader.Get(ctx, interventionID)
	if err != nil {
		return nil, fmt.Errorf("measure effectiveness %s: %w", interventionID, err)
	}
	if in.Status != contracts.StatusCompleted {
		return nil, nil
	}

	var sig Signals
	if g.signals != nil {
		s, err := g.signals.Signals(ctx, in)
		if err != nil {
			// Explicit feedback alone can still score.
			g.logger.WarnContext(ctx, "effectiveness signals unavailable", "intervention_id", in.ID, "error", err)
		} else {
			sig = s
		}
	}
	return ScoreEffectiveness(in, sig), nil
}

// ScoreEffectiveness combines explicit feedback, rating, behaviour metric
// delta and engagement into a weighted 0–10 score, or nil without signal.
func ScoreEffectiveness(in *contracts.Intervention, sig Signals) *float64 {
	var sum, weight float64
	add := func(score, w float64) {
		sum += clamp(score, 0, 10) * w
		weight += w
	}

	if s, ok := feedbackScores[in.Feedback]; ok {
		add(s, weightFeedback)
	}
	if in.Rating >= 1 && in.Rating <= 5 {
		add(float64(in.Rating*2), weightRating)
	}
	if sig.MetricBefore != nil && sig.MetricAfter != nil {
		before, after := *sig.MetricBefore, *sig.MetricAfter
		delta := (after - before) / math.Max(math.Abs(before), 1)
		add(5+5*delta, weightMetric)
	}
	if sig.Observed {
		if sig.Engagements > 0 {
			add(float64(5+2*sig.Engagements), weightEngagement)
		} else {
			add(3, weightEngagement)
		}
	}

	if weight == 0 {
		return nil
	}
	score := math.Round(sum/weight*10) / 10
	return &score
}
