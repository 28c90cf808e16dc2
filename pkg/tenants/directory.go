package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BGMLAI/exoskull-sub007/pkg/timing"
)

// Directory handles tenant lifecycle operations and serves tenant settings
// to the timing optimizer and emergency contacts to escalation.
type Directory struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

func NewDirectory(s Store) *Directory {
	return &Directory{
		store:  s,
		clock:  time.Now,
		logger: slog.Default().With("component", "tenants"),
	}
}

// WithClock overrides clock for testing.
func (d *Directory) WithClock(clock func() time.Time) *Directory {
	d.clock = clock
	return d
}

func validate(timezone string, quiet *timing.QuietHours) error {
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, timezone, err)
		}
	}
	if quiet != nil && !quiet.Valid() {
		return fmt.Errorf("%w: quiet hours %d-%d", ErrInvalid, quiet.Start, quiet.End)
	}
	return nil
}

// Create registers a new active tenant.
func (d *Directory) Create(ctx context.Context, req CreateRequest) (*Tenant, error) {
	if err := validate(req.Timezone, req.Quiet); err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := d.clock().UTC()
	t := &Tenant{
		ID:               id,
		Name:             req.Name,
		Status:           StatusActive,
		Timezone:         req.Timezone,
		Quiet:            req.Quiet,
		EmergencyContact: req.EmergencyContact,
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata:         req.Metadata,
	}
	if err := d.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "tenant created", "tenant_id", t.ID, "timezone", t.Timezone)
	return t, nil
}

func (d *Directory) Get(ctx context.Context, id string) (*Tenant, error) {
	return d.store.Get(ctx, id)
}

// UpdateSettings applies a settings change.
func (d *Directory) UpdateSettings(ctx context.Context, id string, u SettingsUpdate) (*Tenant, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Timezone != nil {
		t.Timezone = *u.Timezone
	}
	switch {
	case u.ClearQuiet:
		t.Quiet = nil
	case u.Quiet != nil:
		q := *u.Quiet
		t.Quiet = &q
	}
	if u.EmergencyContact != nil {
		t.EmergencyContact = *u.EmergencyContact
	}
	if err := validate(t.Timezone, t.Quiet); err != nil {
		return nil, err
	}
	t.UpdatedAt = d.clock().UTC()
	if err := d.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Suspend stops every sweep from visiting the tenant.
func (d *Directory) Suspend(ctx context.Context, id, reason string) error {
	return d.setStatus(ctx, id, StatusSuspended, reason)
}

// Reactivate returns a suspended tenant to the sweeps.
func (d *Directory) Reactivate(ctx context.Context, id string) error {
	return d.setStatus(ctx, id, StatusActive, "")
}

func (d *Directory) setStatus(ctx context.Context, id string, status Status, reason string) error {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	if t.Status == StatusDeleted {
		return fmt.Errorf("%w: tenant %s is deleted", ErrInvalid, id)
	}
	now := d.clock().UTC()
	t.Status = status
	t.UpdatedAt = now
	if status == StatusSuspended {
		t.SuspendedAt = &now
	} else {
		t.SuspendedAt = nil
	}
	if err := d.store.Update(ctx, t); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "tenant status changed", "tenant_id", id, "status", status, "reason", reason)
	return nil
}

// ActiveIDs lists the tenants the sweeps should visit.
func (d *Directory) ActiveIDs(ctx context.Context) ([]string, error) {
	ts, err := d.store.List(ctx, StatusActive)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids, nil
}

// Settings implements timing.SettingsSource.
func (d *Directory) Settings(ctx context.Context, tenantID string) (timing.Settings, error) {
	t, err := d.store.Get(ctx, tenantID)
	if err != nil {
		return timing.Settings{}, err
	}
	return t.Settings(), nil
}

// EmergencyContact implements escalation.ContactSource.
func (d *Directory) EmergencyContact(ctx context.Context, tenantID string) (string, error) {
	t, err := d.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.EmergencyContact, nil
}
