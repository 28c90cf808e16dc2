package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

var (
	// ErrSenderPanic wraps a panic recovered from a channel sender.
	ErrSenderPanic = errors.New("executor: channel sender panicked")

	// ErrSendFailed is returned when the sender reports failure without an
	// error of its own.
	ErrSendFailed = errors.New("executor: send failed")
)

// SenderConfig bounds every channel send.
type SenderConfig struct {
	Timeout time.Duration
	// PerTenantRate paces sends per tenant; zero disables pacing.
	PerTenantRate rate.Limit
	Burst         int
}

// DefaultSenderConfig allows a 10s send and one send per second per tenant
// with a burst of 5.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{Timeout: 10 * time.Second, PerTenantRate: 1, Burst: 5}
}

// SafeSender wraps a ChannelSender so that its failures, timeouts and panics
// all come back as errors.
type SafeSender struct {
	next contracts.ChannelSender
	cfg  SenderConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSafeSender wraps next.
func NewSafeSender(next contracts.ChannelSender, cfg SenderConfig) *SafeSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSenderConfig().Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &SafeSender{next: next, cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (s *SafeSender) limiter(tenantID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(s.cfg.PerTenantRate, s.cfg.Burst)
		s.limiters[tenantID] = l
	}
	return l
}

// Allow reports whether the tenant may send now and consumes a token.
func (s *SafeSender) Allow(tenantID string) bool {
	if s.cfg.PerTenantRate == 0 {
		return true
	}
	return s.limiter(tenantID).Allow()
}

// Reserve takes a send token for the tenant. cancel hands the token back
// when the send does not happen.
func (s *SafeSender) Reserve(tenantID string) (cancel func(), ok bool) {
	if s.cfg.PerTenantRate == 0 {
		return func() {}, true
	}
	at := time.Now()
	r := s.limiter(tenantID).ReserveN(at, 1)
	if !r.OK() || r.DelayFrom(at) > 0 {
		r.CancelAt(at)
		return nil, false
	}
	// CancelAt restores nothing for a time after the reservation took effect.
	return func() { r.CancelAt(at) }, true
}

// Send implements contracts.ChannelSender.
func (s *SafeSender) Send(ctx context.Context, tenantID, channel string, payload map[string]any) (res contracts.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = contracts.SendResult{Success: false, Error: fmt.Sprint(r)}
			err = fmt.Errorf("%w: %v", ErrSenderPanic, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res, err = s.next.Send(ctx, tenantID, channel, payload)
	if err != nil {
		return res, fmt.Errorf("send via %s: %w", channel, err)
	}
	if !res.Success {
		if res.Error != "" {
			return res, fmt.Errorf("%w: %s", ErrSendFailed, res.Error)
		}
		return res, ErrSendFailed
	}
	return res, nil
}
