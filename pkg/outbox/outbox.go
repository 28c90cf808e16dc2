// Package outbox decouples side effects from the code paths that cause
// them. Submit persists a message and returns; a Dispatcher drains pending
// messages later, counting attempts and retrying each message on its own.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/canonicalize"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

var ErrNotFound = errors.New("outbox: message not found")

// Message is one unit of fire-and-forget work.
type Message struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
}

// Outbox accepts messages.
type Outbox struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

func New(s Store) *Outbox {
	return &Outbox{
		store:  s,
		clock:  time.Now,
		logger: slog.Default().With("component", "outbox"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Outbox) WithClock(clock func() time.Time) *Outbox {
	o.clock = clock
	return o
}

// MessageID is the idempotency key of a message: the canonical hash of its
// tenant, kind and payload. Submitting the same message twice stores it once.
func MessageID(tenantID, kind string, payload map[string]any) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"tenant_id": tenantID,
		"kind":      kind,
		"payload":   payload,
	})
}

// Submit persists a message for later delivery.
func (o *Outbox) Submit(ctx context.Context, tenantID, kind string, payload map[string]any) error {
	_, err := o.Enqueue(ctx, tenantID, kind, payload)
	return err
}

// Enqueue persists a message and returns it. A duplicate returns the
// message as submitted, without storing it again.
func (o *Outbox) Enqueue(ctx context.Context, tenantID, kind string, payload map[string]any) (*Message, error) {
	if tenantID == "" || kind == "" {
		return nil, fmt.Errorf("outbox: tenant and kind are required")
	}
	id, err := MessageID(tenantID, kind, payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: message id: %w", err)
	}
	now := o.clock().UTC()
	m := &Message{
		ID:            id,
		TenantID:      tenantID,
		Kind:          kind,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	inserted, err := o.store.Insert(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule message: %w", err)
	}
	if inserted {
		o.logger.DebugContext(ctx, "message queued", "id", id, "tenant_id", tenantID, "kind", kind)
	}
	return m, nil
}
