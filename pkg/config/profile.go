package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/BGMLAI/exoskull-sub007/pkg/autonomy"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/escalation"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
	"github.com/BGMLAI/exoskull-sub007/pkg/learning"
	"github.com/BGMLAI/exoskull-sub007/pkg/outbox"
	"github.com/BGMLAI/exoskull-sub007/pkg/triggers"
)

// SupportedProfileVersions is the range of policy profile versions this
// build understands.
const SupportedProfileVersions = ">= 1.0.0, < 2.0.0"

var ErrInvalidProfile = errors.New("config: invalid policy profile")

// Profile is the autonomy policy: everything an operator tunes without a
// redeploy.
type Profile struct {
	Version     string            `yaml:"version" json:"version"`
	Name        string            `yaml:"name" json:"name"`
	Approval    ApprovalPolicy    `yaml:"approval" json:"approval"`
	Throttle    ThrottlePolicy    `yaml:"throttle" json:"throttle"`
	Escalation  EscalationPolicy  `yaml:"escalation" json:"escalation"`
	Measurement MeasurementPolicy `yaml:"measurement" json:"measurement"`
	Sweeps      SweepPolicy       `yaml:"sweeps" json:"sweeps"`
	Outbox      OutboxPolicy      `yaml:"outbox" json:"outbox"`
	Schemas     map[string]string `yaml:"payload_schemas" json:"payload_schemas,omitempty"`
	Triggers    []triggers.Rule   `yaml:"triggers" json:"triggers,omitempty"`
}

type ApprovalPolicy struct {
	Window            time.Duration                `yaml:"window" json:"window"`
	NonAutoApprovable []contracts.InterventionType `yaml:"non_auto_approvable" json:"non_auto_approvable"`
}

type ThrottlePolicy struct {
	Min       int           `yaml:"min" json:"min"`
	Max       int           `yaml:"max" json:"max"`
	FloorLow  float64       `yaml:"floor_low" json:"floor_low"`
	FloorHigh float64       `yaml:"floor_high" json:"floor_high"`
	Window    time.Duration `yaml:"window" json:"window"`
}

type EscalationPolicy struct {
	Levels           []contracts.EscalationLevel `yaml:"levels" json:"levels"`
	DailyCap         int                         `yaml:"daily_cap" json:"daily_cap"`
	MinWait          time.Duration               `yaml:"min_wait" json:"min_wait"`
	EmergencyChannel string                      `yaml:"emergency_channel" json:"emergency_channel"`
}

type MeasurementPolicy struct {
	Delay24h time.Duration `yaml:"delay_24h" json:"delay_24h"`
	Delay7d  time.Duration `yaml:"delay_7d" json:"delay_7d"`
	Lag24h   time.Duration `yaml:"lag_24h" json:"lag_24h"`
	Lag7d    time.Duration `yaml:"lag_7d" json:"lag_7d"`
}

// SweepPolicy bounds the scheduled entry points.
type SweepPolicy struct {
	ExecutorBudget   time.Duration `yaml:"executor_budget" json:"executor_budget"`
	EscalationBudget time.Duration `yaml:"escalation_budget" json:"escalation_budget"`
	DailyBudget      time.Duration `yaml:"daily_budget" json:"daily_budget"`
	CycleBudget      time.Duration `yaml:"cycle_budget" json:"cycle_budget"`
	TenantTimeout    time.Duration `yaml:"tenant_timeout" json:"tenant_timeout"`
	Concurrency      int           `yaml:"concurrency" json:"concurrency"`
}

type OutboxPolicy struct {
	Channel     string        `yaml:"channel" json:"channel"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
	Retention   time.Duration `yaml:"retention" json:"retention"`
}

// DefaultProfile returns the built-in policy.
func DefaultProfile() *Profile {
	mc := interventions.DefaultConfig()
	gc := guardian.DefaultConfig()
	ec := escalation.DefaultConfig()
	tc := learning.DefaultTrackerConfig()
	schemas := make(map[string]string, len(guardian.DefaultPayloadSchemas))
	for t, s := range guardian.DefaultPayloadSchemas {
		schemas[string(t)] = s
	}
	return &Profile{
		Version: "1.0.0",
		Name:    "default",
		Approval: ApprovalPolicy{
			Window:            mc.ApprovalWindow,
			NonAutoApprovable: mc.NonAutoApprovable,
		},
		Throttle: ThrottlePolicy{
			Min:       gc.ThrottleMin,
			Max:       gc.ThrottleMax,
			FloorLow:  gc.FloorLow,
			FloorHigh: gc.FloorHigh,
			Window:    gc.Window,
		},
		Escalation: EscalationPolicy{
			Levels:           ec.Levels,
			DailyCap:         ec.DailyCap,
			MinWait:          ec.MinWait,
			EmergencyChannel: ec.EmergencyChannel,
		},
		Measurement: MeasurementPolicy{
			Delay24h: tc.Delay24h,
			Delay7d:  tc.Delay7d,
			Lag24h:   tc.Lag24h,
			Lag7d:    tc.Lag7d,
		},
		Sweeps: SweepPolicy{
			ExecutorBudget:   50 * time.Second,
			EscalationBudget: 50 * time.Second,
			DailyBudget:      5 * time.Minute,
			CycleBudget:      5 * time.Minute,
			TenantTimeout:    30 * time.Second,
			Concurrency:      8,
		},
		Outbox: OutboxPolicy{
			Channel:     "push",
			MaxAttempts: 5,
			Backoff:     time.Minute,
			Retention:   30 * 24 * time.Hour,
		},
		Schemas: schemas,
	}
}

// LoadProfile reads a policy profile. Fields the file omits keep their
// defaults; unknown fields are rejected.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a policy profile document.
func ParseProfile(data []byte) (*Profile, error) {
	p := DefaultProfile()
	p.Version = ""
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidProfile, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the profile version and the invariants every consumer
// relies on.
func (p *Profile) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidProfile)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidProfile, p.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return err
	}
	if !supported.Check(v) {
		return fmt.Errorf("%w: version %s outside %s", ErrInvalidProfile, v, SupportedProfileVersions)
	}

	switch {
	case p.Approval.Window <= 0:
		return fmt.Errorf("%w: approval window must be positive", ErrInvalidProfile)
	case p.Throttle.Min < 1 || p.Throttle.Max < p.Throttle.Min:
		return fmt.Errorf("%w: throttle band [%d, %d] is invalid", ErrInvalidProfile, p.Throttle.Min, p.Throttle.Max)
	case p.Throttle.FloorLow > p.Throttle.FloorHigh:
		return fmt.Errorf("%w: benefit floor low exceeds high", ErrInvalidProfile)
	case len(p.Escalation.Levels) == 0:
		return fmt.Errorf("%w: escalation needs at least one level", ErrInvalidProfile)
	case p.Measurement.Delay24h <= 0 || p.Measurement.Delay7d <= p.Measurement.Delay24h:
		return fmt.Errorf("%w: measurement delays must be positive and increasing", ErrInvalidProfile)
	}
	for i, t := range p.Approval.NonAutoApprovable {
		if !t.Valid() {
			return fmt.Errorf("%w: non_auto_approvable[%d]: unknown type %q", ErrInvalidProfile, i, t)
		}
	}
	for i, l := range p.Escalation.Levels {
		if l.Channel == "" || l.Wait <= 0 {
			return fmt.Errorf("%w: escalation level %d needs a channel and a positive wait", ErrInvalidProfile, i)
		}
	}
	for _, r := range p.Triggers {
		if err := triggers.Validate(r); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	}
	if _, err := p.SchemaSet(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return nil
}

// SchemaSet compiles the payload schemas.
func (p *Profile) SchemaSet() (*guardian.SchemaSet, error) {
	raw := make(map[contracts.InterventionType]string, len(p.Schemas))
	for t, s := range p.Schemas {
		it := contracts.InterventionType(t)
		if !it.Valid() {
			return nil, fmt.Errorf("payload schema for unknown type %q", t)
		}
		raw[it] = s
	}
	return guardian.NewSchemaSet(raw)
}

func (p *Profile) MachineConfig() interventions.Config {
	return interventions.Config{
		ApprovalWindow:    p.Approval.Window,
		NonAutoApprovable: p.Approval.NonAutoApprovable,
	}
}

func (p *Profile) GuardianConfig() guardian.Config {
	c := guardian.DefaultConfig()
	c.ThrottleMin = p.Throttle.Min
	c.ThrottleMax = p.Throttle.Max
	c.FloorLow = p.Throttle.FloorLow
	c.FloorHigh = p.Throttle.FloorHigh
	if p.Throttle.Window > 0 {
		c.Window = p.Throttle.Window
	}
	return c
}

func (p *Profile) EscalationConfig() escalation.Config {
	c := escalation.DefaultConfig()
	c.Levels = p.Escalation.Levels
	c.DailyCap = p.Escalation.DailyCap
	if p.Escalation.MinWait > 0 {
		c.MinWait = p.Escalation.MinWait
	}
	if p.Escalation.EmergencyChannel != "" {
		c.EmergencyChannel = p.Escalation.EmergencyChannel
	}
	return c
}

func (p *Profile) TrackerConfig() learning.TrackerConfig {
	c := learning.DefaultTrackerConfig()
	c.Delay24h = p.Measurement.Delay24h
	c.Delay7d = p.Measurement.Delay7d
	if p.Measurement.Lag24h > 0 {
		c.Lag24h = p.Measurement.Lag24h
	}
	if p.Measurement.Lag7d > 0 {
		c.Lag7d = p.Measurement.Lag7d
	}
	return c
}

// AutonomyConfig bounds the scheduled entry points. Zero fields fall back
// to autonomy defaults.
func (p *Profile) AutonomyConfig() autonomy.Config {
	c := autonomy.DefaultConfig()
	if p.Sweeps.ExecutorBudget > 0 {
		c.ExecutorBudget = p.Sweeps.ExecutorBudget
	}
	if p.Sweeps.EscalationBudget > 0 {
		c.EscalationBudget = p.Sweeps.EscalationBudget
	}
	if p.Sweeps.DailyBudget > 0 {
		c.DailyBudget = p.Sweeps.DailyBudget
	}
	if p.Sweeps.CycleBudget > 0 {
		c.CycleBudget = p.Sweeps.CycleBudget
	}
	if p.Sweeps.TenantTimeout > 0 {
		c.TenantTimeout = p.Sweeps.TenantTimeout
	}
	if p.Sweeps.Concurrency > 0 {
		c.Concurrency = p.Sweeps.Concurrency
	}
	if p.Outbox.Retention > 0 {
		c.OutboxRetention = p.Outbox.Retention
	}
	return c
}

func (p *Profile) DispatcherConfig() outbox.DispatcherConfig {
	return outbox.DispatcherConfig{
		MaxAttempts: p.Outbox.MaxAttempts,
		Backoff:     p.Outbox.Backoff,
	}
}
