// Package escalation runs notification chains that step through
// increasingly urgent channels (message, call, emergency contact) until the
// tenant responds.
//
// A chain sends its first level when started. Sweeps advance active chains
// whose wait window has elapsed; an inbound response from the tenant cancels
// them. Exhausting the final level notifies the tenant's emergency contact
// and records a Receipt.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BGMLAI/exoskull-sub007/pkg/canonicalize"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

var (
	// ErrStale is returned when a chain moved on between read and write.
	ErrStale = errors.New("escalation: chain changed concurrently")

	// ErrDailyCap is returned when the tenant already started the maximum
	// number of non-crisis chains today.
	ErrDailyCap = errors.New("escalation: daily initiation cap reached")

	// ErrInvalidChain rejects a chain without tenant or levels.
	ErrInvalidChain = errors.New("escalation: invalid chain")

	// ErrSendFailed is returned when a sender reports failure without an error.
	ErrSendFailed = errors.New("escalation: send failed")
)

// ContactSource resolves a tenant's designated emergency contact.
type ContactSource interface {
	EmergencyContact(ctx context.Context, tenantID string) (string, error)
}

// Config is the escalation ladder and its limits.
type Config struct {
	Levels           []contracts.EscalationLevel
	DailyCap         int
	MinWait          time.Duration
	EmergencyChannel string
	BatchSize        int
}

// DefaultConfig escalates sms → voice with 30 minute windows, allows three
// non-crisis chains per tenant per day and never waits less than 5 minutes
// on a critical chain.
func DefaultConfig() Config {
	return Config{
		Levels: []contracts.EscalationLevel{
			{Channel: "sms", Wait: 30 * time.Minute},
			{Channel: "voice", Wait: 30 * time.Minute},
		},
		DailyCap:         3,
		MinWait:          5 * time.Minute,
		EmergencyChannel: "emergency_contact",
		BatchSize:        200,
	}
}

// StartRequest describes a new chain. Empty Levels use the configured ladder.
type StartRequest struct {
	TenantID       string
	InterventionID string
	Severity       contracts.Severity
	Crisis         bool
	Levels         []contracts.EscalationLevel
	Payload        map[string]any
}

// Receipt records the emergency action of an exhausted chain.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	ChainID     string    `json:"chain_id"`
	TenantID    string    `json:"tenant_id"`
	Contact     string    `json:"contact,omitempty"`
	Channel     string    `json:"channel"`
	Delivered   bool      `json:"delivered"`
	Error       string    `json:"error,omitempty"`
	ExhaustedAt time.Time `json:"exhausted_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned   int        `json:"scanned"`
	Advanced  int        `json:"advanced"`
	Exhausted int        `json:"exhausted"`
	Emergency int        `json:"emergency_sent"`
	Skipped   int        `json:"skipped"`
	Errors    int        `json:"errors"`
	Receipts  []*Receipt `json:"receipts,omitempty"`
}

// Add folds o into r.
func (r *SweepResult) Add(o SweepResult) {
	r.Scanned += o.Scanned
	r.Advanced += o.Advanced
	r.Exhausted += o.Exhausted
	r.Emergency += o.Emergency
	r.Skipped += o.Skipped
	r.Errors += o.Errors
	r.Receipts = append(r.Receipts, o.Receipts...)
}

// Manager starts, advances and cancels escalation chains.
type Manager struct {
	store    Store
	limiter  Limiter
	sender   contracts.ChannelSender
	contacts ContactSource
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger
}

// NewManager creates a manager. Zero config fields take their defaults.
func NewManager(s Store, l Limiter, sender contracts.ChannelSender, cfg Config) *Manager {
	def := DefaultConfig()
	if len(cfg.Levels) == 0 {
		cfg.Levels = def.Levels
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = def.DailyCap
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = def.MinWait
	}
	if cfg.EmergencyChannel == "" {
		cfg.EmergencyChannel = def.EmergencyChannel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if l == nil {
		l = NewMemoryLimiter()
	}
	return &Manager{
		store:   s,
		limiter: l,
		sender:  sender,
		cfg:     cfg,
		clock:   time.Now,
		logger:  slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithContacts sets the emergency contact source.
func (m *Manager) WithContacts(c ContactSource) *Manager {
	m.contacts = c
	return m
}

// Store exposes the chain store for read APIs.
func (m *Manager) Store() Store { return m.store }

// WaitFor is the wait window of the chain's current level. Critical chains
// halve it per level, never below MinWait.
func (m *Manager) WaitFor(c *contracts.EscalationChain) time.Duration {
	if c.CurrentLevel < 0 || c.CurrentLevel >= len(c.Levels) {
		return 0
	}
	w := c.Levels[c.CurrentLevel].Wait
	if c.Severity == contracts.SeverityCritical {
		for i := 0; i < c.CurrentLevel && w > m.cfg.MinWait; i++ {
			w /= 2
		}
		if w < m.cfg.MinWait {
			w = m.cfg.MinWait
		}
	}
	return w
}

// Start creates a chain and sends its first level. Non-crisis chains count
// against the tenant's daily cap. When the first send fails the chain is
// cancelled and the error returned.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*contracts.EscalationChain, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidChain)
	}
	levels := req.Levels
	if len(levels) == 0 {
		levels = m.cfg.Levels
	}
	for i, l := range levels {
		if l.Channel == "" {
			return nil, fmt.Errorf("%w: level %d has no channel", ErrInvalidChain, i)
		}
	}
	severity := req.Severity
	if severity == "" {
		severity = contracts.SeverityNormal
	}

	now := m.clock()
	if !req.Crisis {
		ok, err := m.limiter.Take(ctx, req.TenantID, DayKey(now), m.cfg.DailyCap)
		if err != nil {
			return nil, fmt.Errorf("escalation limiter: %w", err)
		}
		if !ok {
			return nil, ErrDailyCap
		}
	}

	c := &contracts.EscalationChain{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		InterventionID: req.InterventionID,
		Severity:       severity,
		Crisis:         req.Crisis,
		Levels:         append([]contracts.EscalationLevel(nil), levels...),
		Payload:        req.Payload,
		Status:         contracts.EscalationActive,
		TriggeredAt:    now,
		LastAdvancedAt: now,
	}
	if err := m.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create escalation chain: %w", err)
	}

	if _, err := m.send(ctx, c, c.Channel(), nil); err != nil {
		failed := c.Clone()
		failed.Status = contracts.EscalationCancelled
		failed.CancelledAt = &now
		if uerr := m.store.Update(ctx, failed, 0); uerr != nil {
			m.logger.ErrorContext(ctx, "cancel unsent chain", "chain_id", c.ID, "error", uerr)
		}
		return failed, fmt.Errorf("escalation level 0 on %s: %w", c.Channel(), err)
	}
	m.logger.InfoContext(ctx, "escalation started",
		"chain_id", c.ID, "tenant_id", c.TenantID, "severity", c.Severity, "crisis", c.Crisis)
	return c, nil
}

// StartForIntervention starts a chain carrying an intervention's payload.
// Critical interventions escalate at critical severity; a "crisis" payload
// flag exempts the chain from the daily cap.
func (m *Manager) StartForIntervention(ctx context.Context, in *contracts.Intervention) (*contracts.EscalationChain, error) {
	req := StartRequest{
		TenantID:       in.TenantID,
		InterventionID: in.ID,
		Severity:       contracts.SeverityNormal,
		Payload:        in.Payload,
	}
	if in.Priority == contracts.PriorityCritical {
		req.Severity = contracts.SeverityCritical
	}
	if v, ok := in.Payload["crisis"].(bool); ok {
		req.Crisis = v
	}
	return m.Start(ctx, req)
}

// Sweep advances every tenant's due chains.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	return m.SweepTenant(ctx, "")
}

// SweepTenant advances one tenant's due chains. Running it twice at the
// same instant advances each chain at most once.
func (m *Manager) SweepTenant(ctx context.Context, tenantID string) SweepResult {
	var res SweepResult
	chains, err := m.store.Active(ctx, tenantID, m.cfg.BatchSize)
	if err != nil {
		m.logger.ErrorContext(ctx, "list active chains", "tenant_id", tenantID, "error", err)
		res.Errors++
		return res
	}

	now := m.clock()
	for _, c := range chains {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		if now.Before(c.LastAdvancedAt.Add(m.WaitFor(c))) {
			continue
		}
		if err := m.advance(ctx, c, now, &res); err != nil {
			m.logger.ErrorContext(ctx, "advance chain", "chain_id", c.ID, "error", err)
			res.Errors++
		}
	}
	return res
}

func (m *Manager) advance(ctx context.Context, c *contracts.EscalationChain, now time.Time, res *SweepResult) error {
	from := c.CurrentLevel
	next := c.Clone()
	next.LastAdvancedAt = now

	if from+1 < len(c.Levels) {
		next.CurrentLevel = from + 1
		if err := m.store.Update(ctx, next, from); err != nil {
			if errors.Is(err, ErrStale) {
				res.Skipped++
				return nil
			}
			return err
		}
		res.Advanced++
		if _, err := m.send(ctx, next, next.Channel(), nil); err != nil {
			m.logger.WarnContext(ctx, "escalation send failed",
				"chain_id", next.ID, "level", next.CurrentLevel, "channel", next.Channel(), "error", err)
			res.Errors++
		}
		return nil
	}

	next.Status = contracts.EscalationExhausted
	next.ExhaustedAt = &now
	if err := m.store.Update(ctx, next, from); err != nil {
		if errors.Is(err, ErrStale) {
			res.Skipped++
			return nil
		}
		return err
	}
	res.Exhausted++
	r := m.emergency(ctx, next, now)
	res.Receipts = append(res.Receipts, r)
	if r.Delivered {
		res.Emergency++
	} else {
		res.Errors++
	}
	return nil
}

func (m *Manager) emergency(ctx context.Context, c *contracts.EscalationChain, now time.Time) *Receipt {
	r := &Receipt{
		ReceiptID:   uuid.NewString(),
		ChainID:     c.ID,
		TenantID:    c.TenantID,
		Channel:     m.cfg.EmergencyChannel,
		ExhaustedAt: now,
		DurationMs:  now.Sub(c.TriggeredAt).Milliseconds(),
	}

	var err error
	if m.contacts == nil {
		err = errors.New("no emergency contact source")
	} else {
		r.Contact, err = m.contacts.EmergencyContact(ctx, c.TenantID)
		if err == nil && r.Contact == "" {
			err = errors.New("tenant has no emergency contact")
		}
	}
	if err == nil {
		_, err = m.send(ctx, c, m.cfg.EmergencyChannel, map[string]any{"contact": r.Contact})
	}
	if err != nil {
		r.Error = err.Error()
		m.logger.ErrorContext(ctx, "emergency action failed", "chain_id", c.ID, "tenant_id", c.TenantID, "error", err)
	} else {
		r.Delivered = true
		m.logger.WarnContext(ctx, "escalation exhausted, emergency contact notified",
			"chain_id", c.ID, "tenant_id", c.TenantID)
	}

	hash, herr := canonicalize.CanonicalHash(struct {
		ChainID     string    `json:"chain_id"`
		TenantID    string    `json:"tenant_id"`
		Contact     string    `json:"contact"`
		Delivered   bool      `json:"delivered"`
		ExhaustedAt time.Time `json:"exhausted_at"`
	}{c.ID, c.TenantID, r.Contact, r.Delivered, now.UTC()})
	if herr == nil {
		r.ContentHash = "sha256:" + hash
	}
	return r
}

func (m *Manager) send(ctx context.Context, c *contracts.EscalationChain, channel string, extra map[string]any) (res contracts.SendResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("escalation sender panicked: %v", p)
		}
	}()

	payload := make(map[string]any, len(c.Payload)+len(extra)+2)
	for k, v := range c.Payload {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	payload["escalation_chain_id"] = c.ID
	payload["escalation_level"] = c.CurrentLevel

	res, err = m.sender.Send(ctx, c.TenantID, channel, payload)
	if err != nil {
		return res, err
	}
	if !res.Success {
		if res.Error != "" {
			return res, fmt.Errorf("%w: %s", ErrSendFailed, res.Error)
		}
		return res, ErrSendFailed
	}
	return res, nil
}

// RecordResponse cancels every active chain of the tenant triggered at or
// before at. It returns the number of chains cancelled.
func (m *Manager) RecordResponse(ctx context.Context, tenantID string, at time.Time) (int, error) {
	n, err := m.store.CancelTriggeredBefore(ctx, tenantID, at)
	if err != nil {
		return 0, fmt.Errorf("record response: %w", err)
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "escalations cancelled by response", "tenant_id", tenantID, "cancelled", n)
	}
	return n, nil
}

// Get returns a chain by id.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.EscalationChain, error) {
	return m.store.Get(ctx, id)
}

// List returns the tenant's chains, newest first.
func (m *Manager) List(ctx context.Context, tenantID string, limit int) ([]*contracts.EscalationChain, error) {
	return m.store.List(ctx, tenantID, limit)
}
