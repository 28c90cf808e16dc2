package contracts

import (
	"errors"
	"time"
)

// ErrMeasurementOrder is returned when a 7-day measurement is recorded
// before the 24-hour one.
var ErrMeasurementOrder = errors.New("contracts: 7d measurement requires a 24h measurement")

// EffectivenessRecord is the outcome measurement of one executed intervention.
type EffectivenessRecord struct {
	InterventionID string     `json:"intervention_id"`
	TenantID       string     `json:"tenant_id"`
	CompletedAt    time.Time  `json:"completed_at"`
	Measured24h    *time.Time `json:"measured_at_24h,omitempty"`
	Measured7d     *time.Time `json:"measured_at_7d,omitempty"`
	Score24h       *float64   `json:"score_24h,omitempty"`
	Score7d        *float64   `json:"score_7d,omitempty"`
	Score          *float64   `json:"effectiveness_score,omitempty"`
}

// Mark24h records the 24-hour measurement. Re-marking is a no-op.
func (r *EffectivenessRecord) Mark24h(at time.Time, score float64) {
	if r.Measured24h != nil {
		return
	}
	r.Measured24h = &at
	r.Score24h = &score
	r.Score = &score
}

// Mark7d records the 7-day measurement. It fails with ErrMeasurementOrder
// unless the 24-hour measurement exists.
func (r *EffectivenessRecord) Mark7d(at time.Time, score float64) error {
	if r.Measured24h == nil {
		return ErrMeasurementOrder
	}
	if r.Measured7d != nil {
		return nil
	}
	r.Measured7d = &at
	r.Score7d = &score
	r.Score = &score
	return nil
}

// Window names a measurement delay.
type Window string

const (
	Window24h Window = "24h"
	Window7d  Window = "7d"
)

// ThrottleConfig is the derived per-tenant daily cap.
type ThrottleConfig struct {
	TenantID         string    `json:"tenant_id"`
	MaxPerDay        int       `json:"max_interventions_per_day"`
	MinBenefitScore  float64   `json:"min_benefit_score"`
	AvgEffectiveness float64   `json:"avg_effectiveness"`
	BlockRate        float64   `json:"block_rate"`
	SampleSize       int       `json:"sample_size"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Preferences are the learned per-tenant delivery preferences.
type Preferences struct {
	TenantID        string    `json:"tenant_id"`
	ChannelRanking  []string  `json:"channel_ranking,omitempty"`
	BestContactHour *int      `json:"best_contact_hour,omitempty"`
	MessageStyle    string    `json:"message_style"`
	SampleSize      int       `json:"sample_size"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Message styles.
const (
	StyleDirect = "direct"
	StyleGentle = "gentle"
)

// ValueConstraint is a user-recorded value the agent must respect. The CEL
// expression evaluates to true when an intervention violates it.
type ValueConstraint struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Description string    `json:"description"`
	Expression  string    `json:"expression"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValueConflict records an intervention blocked by a value constraint.
type ValueConflict struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	InterventionID string     `json:"intervention_id"`
	ConstraintID   string     `json:"constraint_id"`
	Description    string     `json:"description"`
	DetectedAt     time.Time  `json:"detected_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}
