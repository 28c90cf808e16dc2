package contracts

import "time"

// EscalationStatus is the state of an escalation chain.
type EscalationStatus string

const (
	EscalationActive    EscalationStatus = "active"
	EscalationCancelled EscalationStatus = "cancelled"
	EscalationExhausted EscalationStatus = "exhausted"
)

// Severity controls how fast a chain escalates.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityCritical Severity = "critical"
)

// EscalationLevel is one channel attempt in a chain.
type EscalationLevel struct {
	Channel string        `json:"channel" yaml:"channel"`
	Wait    time.Duration `json:"wait" yaml:"wait"`
}

// EscalationChain is an ordered sequence of channel attempts for one
// triggering event. Once cancelled or exhausted it never advances again.
type EscalationChain struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	InterventionID string            `json:"intervention_id,omitempty"`
	Severity       Severity          `json:"severity"`
	Crisis         bool              `json:"crisis"`
	Levels         []EscalationLevel `json:"levels"`
	CurrentLevel   int               `json:"current_level"`
	Payload        map[string]any    `json:"payload,omitempty"`
	Status         EscalationStatus  `json:"status"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	LastAdvancedAt time.Time         `json:"last_advanced_at"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	ExhaustedAt    *time.Time        `json:"exhausted_at,omitempty"`
}

// Active reports whether the chain may still advance.
func (c *EscalationChain) Active() bool {
	return c.Status == EscalationActive && c.CancelledAt == nil && c.ExhaustedAt == nil
}

// Channel returns the channel of the current level.
func (c *EscalationChain) Channel() string {
	if c.CurrentLevel < 0 || c.CurrentLevel >= len(c.Levels) {
		return ""
	}
	return c.Levels[c.CurrentLevel].Channel
}

// Clone returns a copy safe to mutate.
func (c *EscalationChain) Clone() *EscalationChain {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Levels = append([]EscalationLevel(nil), c.Levels...)
	if c.Payload != nil {
		cp.Payload = make(map[string]any, len(c.Payload))
		for k, v := range c.Payload {
			cp.Payload[k] = v
		}
	}
	cp.CancelledAt = cloneTime(c.CancelledAt)
	cp.ExhaustedAt = cloneTime(c.ExhaustedAt)
	return &cp
}
