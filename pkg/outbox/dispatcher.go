package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// Handler delivers one message.
type Handler interface {
	Handle(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *Message) error

func (f HandlerFunc) Handle(ctx context.Context, m *Message) error { return f(ctx, m) }

// SenderHandler delivers every message to its tenant over one channel. The
// message kind is added to the payload as "notice".
func SenderHandler(sender contracts.ChannelSender, channel string) Handler {
	return HandlerFunc(func(ctx context.Context, m *Message) error {
		payload := make(map[string]any, len(m.Payload)+1)
		for k, v := range m.Payload {
			payload[k] = v
		}
		payload["notice"] = m.Kind
		res, err := sender.Send(ctx, m.TenantID, channel, payload)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("send %s notice: %s", m.Kind, res.Error)
		}
		return nil
	})
}

// DispatcherConfig bounds retries.
type DispatcherConfig struct {
	MaxAttempts int
	// Backoff is the delay after the first failure; it doubles per attempt.
	Backoff    time.Duration
	MaxBackoff time.Duration
	BatchSize  int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxAttempts: 5, Backoff: time.Minute, MaxBackoff: time.Hour, BatchSize: 100}
}

// DrainResult counts one drain.
type DrainResult struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
	Errors    int `json:"errors"`
}

// Dispatcher delivers pending messages.
type Dispatcher struct {
	store   Store
	handler Handler
	cfg     DispatcherConfig
	clock   func() time.Time
	logger  *slog.Logger
}

func NewDispatcher(s Store, h Handler, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Dispatcher{
		store:   s,
		handler: h,
		cfg:     cfg,
		clock:   time.Now,
		logger:  slog.Default().With("component", "outbox"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Drain delivers the due pending messages. A failing message is retried
// with exponential backoff until MaxAttempts, then marked dead; it never
// blocks the others.
func (d *Dispatcher) Drain(ctx context.Context) DrainResult {
	var res DrainResult
	now := d.clock().UTC()
	msgs, err := d.store.Pending(ctx, now, d.cfg.BatchSize)
	if err != nil {
		d.logger.ErrorContext(ctx, "list pending messages", "error", err)
		res.Errors++
		return res
	}
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		d.deliver(ctx, m, &res)
	}
	if res.Delivered+res.Retried+res.Dead+res.Errors > 0 {
		d.logger.InfoContext(ctx, "outbox drained",
			"delivered", res.Delivered, "retried", res.Retried, "dead", res.Dead, "errors", res.Errors)
	}
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, m *Message, res *DrainResult) {
	err := d.handle(ctx, m)
	now := d.clock().UTC()
	if err == nil {
		if err := d.store.MarkDone(ctx, m.ID, now); err != nil {
			d.logger.ErrorContext(ctx, "mark message done", "id", m.ID, "error", err)
			res.Errors++
			return
		}
		res.Delivered++
		return
	}

	attempts := m.Attempts + 1
	dead := attempts >= d.cfg.MaxAttempts
	next := now.Add(d.backoff(attempts))
	if err := d.store.MarkFailed(ctx, m.ID, attempts, err.Error(), next, dead); err != nil {
		d.logger.ErrorContext(ctx, "mark message failed", "id", m.ID, "error", err)
		res.Errors++
		return
	}
	if dead {
		d.logger.ErrorContext(ctx, "message dead after retries",
			"id", m.ID, "tenant_id", m.TenantID, "kind", m.Kind, "attempts", attempts, "error", err)
		res.Dead++
		return
	}
	d.logger.WarnContext(ctx, "message delivery failed", "id", m.ID, "attempts", attempts, "error", err)
	res.Retried++
}

func (d *Dispatcher) handle(ctx context.Context, m *Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("outbox handler panicked: %v", p)
		}
	}()
	return d.handler.Handle(ctx, m)
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.cfg.Backoff
	for i := 1; i < attempts && b < d.cfg.MaxBackoff; i++ {
		b *= 2
	}
	return min(b, d.cfg.MaxBackoff)
}
