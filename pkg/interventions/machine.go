package interventions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
)

// Evaluator produces the alignment verdict for a proposal.
type Evaluator interface {
	Evaluate(ctx context.Context, in *contracts.Intervention) guardian.Result
}

// Timer chooses the delivery time of an approved intervention.
type Timer interface {
	ChooseDeliveryTime(ctx context.Context, tenantID string, in *contracts.Intervention) time.Time
}

// Notifier receives fire-and-forget notices (approval requests, blocked
// proposals). Failures are logged and never affect the transition.
type Notifier interface {
	Submit(ctx context.Context, tenantID, kind string, payload map[string]any) error
}

// Notice kinds submitted to the Notifier.
const (
	NoticeApprovalRequested = "approval_requested"
	NoticeBlocked           = "intervention_blocked"
	NoticeExpired           = "approval_expired"
)

// Config tunes the state machine.
type Config struct {
	// ApprovalWindow is how long a pending approval waits for the user.
	ApprovalWindow time.Duration

	// NonAutoApprovable types are cancelled, not approved, when the window
	// expires.
	NonAutoApprovable []contracts.InterventionType
}

// DefaultConfig returns a 24h approval window with purchases excluded from
// timeout approval.
func DefaultConfig() Config {
	return Config{
		ApprovalWindow:    24 * time.Hour,
		NonAutoApprovable: []contracts.InterventionType{contracts.TypePurchase},
	}
}

// Machine drives interventions through the transition table. Every write is
// a compare-and-set on the prior status, so overlapping sweeps and user
// responses never double-apply a transition.
type Machine struct {
	store    Store
	guardian Evaluator
	timer    Timer
	notifier Notifier
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger
}

// NewMachine creates a state machine. timer may be nil (deliver now).
func NewMachine(s Store, g Evaluator, timer Timer, cfg Config) *Machine {
	if cfg.ApprovalWindow <= 0 {
		cfg.ApprovalWindow = DefaultConfig().ApprovalWindow
	}
	if cfg.NonAutoApprovable == nil {
		cfg.NonAutoApprovable = DefaultConfig().NonAutoApprovable
	}
	return &Machine{
		store:    s,
		guardian: g,
		timer:    timer,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "interventions"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// WithNotifier sets the notice sink.
func (m *Machine) WithNotifier(n Notifier) *Machine {
	m.notifier = n
	return m
}

// Store returns the underlying store.
func (m *Machine) Store() Store { return m.store }

// AutoApprovable reports whether t may be approved by the approval timeout.
func (m *Machine) AutoApprovable(t contracts.InterventionType) bool {
	return !slices.Contains(m.cfg.NonAutoApprovable, t)
}

func (m *Machine) now() time.Time { return m.clock().UTC() }

func validateProposal(p contracts.Proposal) error {
	switch {
	case p.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidProposal)
	case !p.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidProposal, p.Type)
	case p.Priority != "" && !p.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidProposal, p.Priority)
	case math.IsNaN(p.BenefitScore) || p.BenefitScore < 0 || p.BenefitScore > 10:
		return fmt.Errorf("%w: benefit score %v outside [0, 10]", ErrInvalidProposal, p.BenefitScore)
	}
	return nil
}

// Propose records a proposal and runs it through the Guardian. The returned
// intervention is blocked, pending approval, or approved and queued. A
// blocked proposal is not an error.
func (m *Machine) Propose(ctx context.Context, p contracts.Proposal) (*contracts.Intervention, error) {
	if err := validateProposal(p); err != nil {
		return nil, err
	}
	if p.Priority == "" {
		p.Priority = contracts.PriorityNormal
	}
	if p.Source == "" {
		p.Source = "api"
	}

	now := m.now()
	in := &contracts.Intervention{
		ID:               uuid.NewString(),
		TenantID:         p.TenantID,
		Type:             p.Type,
		Priority:         p.Priority,
		Status:           contracts.StatusProposed,
		BenefitScore:     p.BenefitScore,
		RequiresApproval: p.RequiresApproval,
		Payload:          p.Payload,
		Source:           p.Source,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Create(ctx, in, contracts.TransitionEvent{
		InterventionID: in.ID,
		To:             contracts.StatusProposed,
		Actor:          contracts.ActorSystem,
		Reason:         p.Source,
		At:             now,
	}); err != nil {
		return nil, fmt.Errorf("create intervention: %w", err)
	}

	res := m.guardian.Evaluate(ctx, in)
	if res.Blocked() {
		next, err := m.transition(ctx, in, contracts.StatusBlocked, contracts.ActorGuardian, string(res.Check), func(n *contracts.Intervention) {
			n.Verdict = contracts.VerdictBlocked
			n.Reasoning = res.Reasoning
		})
		if err != nil {
			return nil, err
		}
		m.notify(ctx, NoticeBlocked, next)
		return next, nil
	}

	if p.RequiresApproval || res.RequiresConfirmation {
		deadline := now.Add(m.cfg.ApprovalWindow)
		next, err := m.transition(ctx, in, contracts.StatusPendingApproval, contracts.ActorGuardian, "", func(n *contracts.Intervention) {
			n.Verdict = contracts.VerdictApproved
			n.Reasoning = res.Reasoning
			n.RequiresApproval = true
			n.ApprovalDeadline = &deadline
		})
		if err != nil {
			return nil, err
		}
		m.notify(ctx, NoticeApprovalRequested, next)
		return next, nil
	}

	next, err := m.transition(ctx, in, contracts.StatusApproved, contracts.ActorGuardian, contracts.ReasonImmediateApprove, func(n *contracts.Intervention) {
		n.Verdict = contracts.VerdictApproved
		n.Reasoning = res.Reasoning
		n.ApprovedBy = contracts.ApprovedBySystem
	})
	if err != nil {
		return nil, err
	}
	return m.scheduleLoaded(ctx, next)
}

// Action is a user response kind.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionDismiss  Action = "dismiss"
	ActionFeedback Action = "feedback"
)

// Response is a user's reaction to an intervention.
type Response struct {
	ID       string             `json:"id"`
	TenantID string             `json:"tenant_id"`
	Action   Action             `json:"action"`
	Feedback contracts.Feedback `json:"feedback,omitempty"`
	Rating   int                `json:"rating,omitempty"`
}

// Respond applies a user response. Approval moves pending_approval to
// approved and queues it; dismissal cancels anything not yet executing;
// feedback annotates an executed intervention.
func (m *Machine) Respond(ctx context.Context, r Response) (*contracts.Intervention, error) {
	in, err := m.store.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if r.TenantID != "" && in.TenantID != r.TenantID {
		return nil, ErrNotFound
	}

	switch r.Action {
	case ActionApprove:
		if in.Status != contracts.StatusPendingApproval {
			return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, in.Status)
		}
		next, err := m.transition(ctx, in, contracts.StatusApproved, contracts.ActorUser, contracts.ReasonUserApproval, func(n *contracts.Intervention) {
			n.ApprovedBy = contracts.ApprovedByUser
		})
		if err != nil {
			return nil, err
		}
		return m.scheduleLoaded(ctx, next)

	case ActionDismiss:
		return m.transition(ctx, in, contracts.StatusCancelled, contracts.ActorUser, contracts.ReasonUserDismissed, nil)

	case ActionFeedback:
		if r.Feedback != contracts.FeedbackNone && !r.Feedback.Valid() {
			return nil, fmt.Errorf("%w: unknown feedback %q", ErrInvalidProposal, r.Feedback)
		}
		if r.Rating < 0 || r.Rating > 5 {
			return nil, fmt.Errorf("%w: rating %d outside [1, 5]", ErrInvalidProposal, r.Rating)
		}
		if r.Feedback == contracts.FeedbackNone && r.Rating == 0 {
			return nil, fmt.Errorf("%w: feedback or rating is required", ErrInvalidProposal)
		}
		if in.Status != contracts.StatusCompleted && in.Status != contracts.StatusFailed {
			return nil, fmt.Errorf("%w: feedback on %s intervention", ErrInvalidTransition, in.Status)
		}
		if err := m.store.SetFeedback(ctx, in.ID, r.Feedback, r.Rating, m.now()); err != nil {
			return nil, err
		}
		return m.store.Get(ctx, in.ID)
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidProposal, r.Action)
}

// Schedule moves an approved intervention to the queue with the delivery
// time chosen by the Timer.
func (m *Machine) Schedule(ctx context.Context, id string) (*contracts.Intervention, error) {
	in, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.scheduleLoaded(ctx, in)
}

func (m *Machine) scheduleLoaded(ctx context.Context, in *contracts.Intervention) (*contracts.Intervention, error) {
	at := m.now()
	if m.timer != nil {
		at = m.timer.ChooseDeliveryTime(ctx, in.TenantID, in).UTC()
	}
	return m.transition(ctx, in, contracts.StatusQueued, contracts.ActorSystem, "scheduled", func(n *contracts.Intervention) {
		n.ScheduledFor = &at
	})
}

// ExpireApproval resolves a pending approval whose window has elapsed:
// auto-approvable types are approved by the system and queued, the rest are
// cancelled. Items not yet due are returned unchanged.
func (m *Machine) ExpireApproval(ctx context.Context, in *contracts.Intervention) (*contracts.Intervention, error) {
	now := m.now()
	if in.Status != contracts.StatusPendingApproval || in.ApprovalDeadline == nil || now.Before(*in.ApprovalDeadline) {
		return in, nil
	}
	if !m.AutoApprovable(in.Type) {
		next, err := m.transition(ctx, in, contracts.StatusCancelled, contracts.ActorSystem, contracts.ReasonTimeoutCancelled, nil)
		if err != nil {
			return nil, err
		}
		m.notify(ctx, NoticeExpired, next)
		return next, nil
	}
	next, err := m.transition(ctx, in, contracts.StatusApproved, contracts.ActorSystem, contracts.ReasonTimeoutApproval, func(n *contracts.Intervention) {
		n.ApprovedBy = contracts.ApprovedBySystem
	})
	if err != nil {
		return nil, err
	}
	return m.scheduleLoaded(ctx, next)
}

// Begin moves a queued intervention to executing after re-checking the
// execution preconditions against its history.
func (m *Machine) Begin(ctx context.Context, in *contracts.Intervention) (*contracts.Intervention, error) {
	if in.Status != contracts.StatusQueued {
		return nil, fmt.Errorf("%w: begin from %s", ErrStaleTransition, in.Status)
	}
	history, err := m.store.History(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := VerifyExecutable(in, history); err != nil {
		return nil, err
	}
	return m.transition(ctx, in, contracts.StatusExecuting, contracts.ActorExecutor, "", nil)
}

// Complete marks an executing intervention completed.
func (m *Machine) Complete(ctx context.Context, in *contracts.Intervention, externalID string) (*contracts.Intervention, error) {
	now := m.now()
	return m.transition(ctx, in, contracts.StatusCompleted, contracts.ActorExecutor, externalID, func(n *contracts.Intervention) {
		n.CompletedAt = &now
		n.LastError = ""
	})
}

// Fail marks an executing intervention failed with cause recorded.
func (m *Machine) Fail(ctx context.Context, in *contracts.Intervention, cause error) (*contracts.Intervention, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return m.transition(ctx, in, contracts.StatusFailed, contracts.ActorExecutor, "send_failed", func(n *contracts.Intervention) {
		n.LastError = msg
	})
}

// Defer pushes a queued intervention to a later delivery time.
func (m *Machine) Defer(ctx context.Context, in *contracts.Intervention, until time.Time, reason string) (*contracts.Intervention, error) {
	until = until.UTC()
	return m.transition(ctx, in, contracts.StatusQueued, contracts.ActorExecutor, reason, func(n *contracts.Intervention) {
		n.ScheduledFor = &until
	})
}

// Cancel moves a non-terminal intervention to cancelled on behalf of actor.
func (m *Machine) Cancel(ctx context.Context, in *contracts.Intervention, actor contracts.Actor, reason string) (*contracts.Intervention, error) {
	return m.transition(ctx, in, contracts.StatusCancelled, actor, reason, nil)
}

// Requeue moves a failed intervention back to the queue, due now.
func (m *Machine) Requeue(ctx context.Context, id string, actor contracts.Actor) (*contracts.Intervention, error) {
	in, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Status != contracts.StatusFailed {
		return nil, fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, in.Status)
	}
	now := m.now()
	return m.transition(ctx, in, contracts.StatusQueued, actor, "requeued", func(n *contracts.Intervention) {
		n.ScheduledFor = &now
	})
}

func (m *Machine) transition(ctx context.Context, in *contracts.Intervention, to contracts.Status, actor contracts.Actor, reason string, mutate func(*contracts.Intervention)) (*contracts.Intervention, error) {
	if err := checkTransition(in.Status, to); err != nil {
		return nil, err
	}
	now := m.now()
	next := in.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.UpdatedAt = now

	err := m.store.Transition(ctx, next, in.Status, contracts.TransitionEvent{
		InterventionID: in.ID,
		From:           in.Status,
		To:             to,
		Actor:          actor,
		Reason:         reason,
		At:             now,
	})
	if err != nil {
		if !errors.Is(err, ErrStaleTransition) {
			m.logger.ErrorContext(ctx, "transition failed",
				"intervention_id", in.ID, "tenant_id", in.TenantID, "from", in.Status, "to", to, "error", err)
		}
		return nil, err
	}
	m.logger.DebugContext(ctx, "transition",
		"intervention_id", in.ID, "tenant_id", in.TenantID, "from", in.Status, "to", to, "actor", actor, "reason", reason)
	return next, nil
}

func (m *Machine) notify(ctx context.Context, kind string, in *contracts.Intervention) {
	if m.notifier == nil {
		return
	}
	payload := map[string]any{
		"intervention_id": in.ID,
		"type":            string(in.Type),
		"priority":        string(in.Priority),
		"status":          string(in.Status),
	}
	if in.Reasoning != "" {
		payload["reason"] = in.Reasoning
	}
	if in.ApprovalDeadline != nil {
		payload["approval_deadline"] = in.ApprovalDeadline.Format(time.RFC3339)
	}
	if err := m.notifier.Submit(ctx, in.TenantID, kind, payload); err != nil {
		m.logger.WarnContext(ctx, "notice not submitted", "kind", kind, "intervention_id", in.ID, "error", err)
	}
}
