package contracts

import (
	"context"
	"time"
)

// SendResult is the outcome of a channel send.
type SendResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// ChannelSender delivers a payload to the user over a channel (sms, voice,
// email, push). Implementations live outside this module and are fallible.
type ChannelSender interface {
	Send(ctx context.Context, tenantID, channel string, payload map[string]any) (SendResult, error)
}

// ChannelSenderFunc adapts a function to ChannelSender.
type ChannelSenderFunc func(ctx context.Context, tenantID, channel string, payload map[string]any) (SendResult, error)

// Send implements ChannelSender.
func (f ChannelSenderFunc) Send(ctx context.Context, tenantID, channel string, payload map[string]any) (SendResult, error) {
	return f(ctx, tenantID, channel, payload)
}

// Proposal is what a proposer (reasoning provider, rule trigger, API caller)
// hands to the state machine.
type Proposal struct {
	TenantID         string           `json:"tenant_id"`
	Type             InterventionType `json:"type"`
	Priority         Priority         `json:"priority"`
	Payload          map[string]any   `json:"payload"`
	RequiresApproval bool             `json:"requires_approval"`
	BenefitScore     float64          `json:"benefit_score"`
	Source           string           `json:"source,omitempty"`
}

// ReasoningContext is the snapshot handed to the reasoning provider.
type ReasoningContext struct {
	TenantID       string          `json:"tenant_id"`
	Now            time.Time       `json:"now"`
	Recent         []*Intervention `json:"recent,omitempty"`
	Preferences    *Preferences    `json:"preferences,omitempty"`
	Throttle       ThrottleConfig  `json:"throttle"`
	ExecutedToday  int             `json:"executed_today"`
	RemainingToday int             `json:"remaining_today"`
}

// ReasoningProvider proposes at most one intervention for a tenant. A nil
// proposal with a nil error means there is nothing worth doing. It is slow
// and fallible.
type ReasoningProvider interface {
	Propose(ctx context.Context, rc ReasoningContext) (*Proposal, error)
}
