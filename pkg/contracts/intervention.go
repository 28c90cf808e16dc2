// Package contracts defines the shared data model of the autonomy core:
// interventions, permissions, effectiveness records, throttle configs and
// escalation chains. Packages exchange these types; none of them owns them.
package contracts

import (
	"fmt"
	"time"
)

// InterventionType is the kind of autonomous action an intervention performs.
type InterventionType string

const (
	TypeMessage        InterventionType = "message"
	TypeCall           InterventionType = "call"
	TypeSchedule       InterventionType = "schedule"
	TypeCancel         InterventionType = "cancel"
	TypePurchase       InterventionType = "purchase"
	TypeCreateResource InterventionType = "create_resource"
	TypeShareData      InterventionType = "share_data"
)

// InterventionTypes lists every supported type.
var InterventionTypes = []InterventionType{
	TypeMessage, TypeCall, TypeSchedule, TypeCancel,
	TypePurchase, TypeCreateResource, TypeShareData,
}

// Valid reports whether t is a known intervention type.
func (t InterventionType) Valid() bool {
	for _, known := range InterventionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders interventions in the execution queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a numeric rank, higher is more urgent. Unknown priorities
// rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is the lifecycle state of an intervention.
type Status string

const (
	StatusProposed        Status = "proposed"
	StatusBlocked         Status = "blocked"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusQueued          Status = "queued"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
// Failed is terminal for the sweeps; only an explicit requeue reopens it.
func (s Status) Terminal() bool {
	switch s {
	case StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Verdict is the Guardian's alignment decision.
type Verdict string

const (
	VerdictNone     Verdict = ""
	VerdictApproved Verdict = "approved"
	VerdictBlocked  Verdict = "blocked"
)

// Approver records who approved an intervention.
type Approver string

const (
	ApprovedByNone   Approver = ""
	ApprovedByUser   Approver = "user"
	ApprovedBySystem Approver = "system"
)

// Feedback is the user's explicit judgement of an executed intervention.
type Feedback string

const (
	FeedbackNone      Feedback = ""
	FeedbackHelpful   Feedback = "helpful"
	FeedbackNeutral   Feedback = "neutral"
	FeedbackUnhelpful Feedback = "unhelpful"
	FeedbackHarmful   Feedback = "harmful"
)

// Valid reports whether f is a known, non-empty feedback value.
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackHelpful, FeedbackNeutral, FeedbackUnhelpful, FeedbackHarmful:
		return true
	}
	return false
}

// Intervention is a single proposed or executed autonomous action.
type Intervention struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Type             InterventionType `json:"type"`
	Priority         Priority         `json:"priority"`
	Status           Status           `json:"status"`
	Verdict          Verdict          `json:"guardian_verdict,omitempty"`
	Reasoning        string           `json:"guardian_reasoning,omitempty"`
	BenefitScore     float64          `json:"benefit_score"`
	RequiresApproval bool             `json:"requires_approval"`
	Payload          map[string]any   `json:"payload,omitempty"`
	Source           string           `json:"source,omitempty"`
	ScheduledFor     *time.Time       `json:"scheduled_for,omitempty"`
	ApprovalDeadline *time.Time       `json:"approval_deadline,omitempty"`
	ApprovedBy       Approver         `json:"approved_by,omitempty"`
	Feedback         Feedback         `json:"user_feedback,omitempty"`
	Rating           int              `json:"rating,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy for store isolation: the payload map and
// the time pointers are copied.
func (i *Intervention) Clone() *Intervention {
	if i == nil {
		return nil
	}
	c := *i
	if i.Payload != nil {
		c.Payload = make(map[string]any, len(i.Payload))
		for k, v := range i.Payload {
			c.Payload[k] = v
		}
	}
	c.ScheduledFor = cloneTime(i.ScheduledFor)
	c.ApprovalDeadline = cloneTime(i.ApprovalDeadline)
	c.CompletedAt = cloneTime(i.CompletedAt)
	return &c
}

// PayloadString returns payload[key] when it is a non-empty string.
func (i *Intervention) PayloadString(key string) string {
	if i.Payload == nil {
		return ""
	}
	s, _ := i.Payload[key].(string)
	return s
}

// PayloadAmount returns the numeric "amount" carried by the payload, if any.
func (i *Intervention) PayloadAmount() (float64, bool) {
	if i.Payload == nil {
		return 0, false
	}
	switch v := i.Payload["amount"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case map[string]any:
		if n, ok := v["value"].(float64); ok {
			return n, true
		}
	}
	return 0, false
}

// ActionType is the permission action the intervention needs. The payload
// may name a channel-specific action ("send_sms"); otherwise the type itself
// is the action.
func (i *Intervention) ActionType() string {
	if a := i.PayloadString("action_type"); a != "" {
		return a
	}
	return string(i.Type)
}

// Domain is the permission domain the intervention acts in ("family",
// "work"), empty when the payload names none.
func (i *Intervention) Domain() string {
	return i.PayloadString("domain")
}

// Channel returns the delivery channel for the intervention.
func (i *Intervention) Channel() string {
	if c := i.PayloadString("channel"); c != "" {
		return c
	}
	switch i.Type {
	case TypeCall:
		return "voice"
	case TypeMessage:
		return "sms"
	default:
		return string(i.Type)
	}
}

// Escalates reports whether delivery should run through an escalation chain.
func (i *Intervention) Escalates() bool {
	if i.Payload == nil {
		return false
	}
	v, _ := i.Payload["escalate"].(bool)
	return v
}

func (i *Intervention) String() string {
	return fmt.Sprintf("intervention %s (%s/%s, tenant %s, %s)", i.ID, i.Type, i.Priority, i.TenantID, i.Status)
}

// Actor identifies who caused a transition.
type Actor string

const (
	ActorUser     Actor = "user"
	ActorSystem   Actor = "system"
	ActorGuardian Actor = "guardian"
	ActorExecutor Actor = "executor"
)

// TransitionEvent is one entry of an intervention's status history.
type TransitionEvent struct {
	InterventionID string    `json:"intervention_id"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	Actor          Actor     `json:"actor"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// Transition reason codes that the safety checks rely on.
const (
	ReasonUserApproval     = "user_approval"
	ReasonTimeoutApproval  = "timeout_auto_approval"
	ReasonImmediateApprove = "auto_approved"
	ReasonTimeoutCancelled = "approval_window_expired"
	ReasonUserDismissed    = "user_dismissed"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
