// Package tenants is the tenant directory: lifecycle status, timezone,
// quiet hours and emergency contact. Sweeps only visit active tenants.
package tenants

import (
	"errors"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/timing"
)

// Status represents the current status of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

var (
	ErrNotFound = errors.New("tenants: not found")
	ErrExists   = errors.New("tenants: already exists")
	ErrInvalid  = errors.New("tenants: invalid tenant")
)

// Tenant is one user of the autonomy core.
type Tenant struct {
	ID               string             `json:"id"`
	Name             string             `json:"name,omitempty"`
	Status           Status             `json:"status"`
	Timezone         string             `json:"timezone"`
	Quiet            *timing.QuietHours `json:"quiet_hours,omitempty"`
	EmergencyContact string             `json:"emergency_contact,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	SuspendedAt      *time.Time         `json:"suspended_at,omitempty"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
}

// IsActive returns true if the tenant is active.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// Settings returns the tenant's delivery settings.
func (t *Tenant) Settings() timing.Settings {
	s := timing.Settings{Timezone: t.Timezone}
	if t.Quiet != nil {
		q := *t.Quiet
		s.Quiet = &q
	}
	return s
}

func (t *Tenant) clone() *Tenant {
	c := *t
	if t.Quiet != nil {
		q := *t.Quiet
		c.Quiet = &q
	}
	if t.SuspendedAt != nil {
		s := *t.SuspendedAt
		c.SuspendedAt = &s
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CreateRequest contains the data needed to create a new tenant. An empty
// ID is generated.
type CreateRequest struct {
	ID               string             `json:"id,omitempty"`
	Name             string             `json:"name,omitempty"`
	Timezone         string             `json:"timezone"`
	Quiet            *timing.QuietHours `json:"quiet_hours,omitempty"`
	EmergencyContact string             `json:"emergency_contact,omitempty"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
}

// SettingsUpdate changes delivery settings; nil fields are left alone.
type SettingsUpdate struct {
	Timezone         *string            `json:"timezone,omitempty"`
	Quiet            *timing.QuietHours `json:"quiet_hours,omitempty"`
	ClearQuiet       bool               `json:"clear_quiet_hours,omitempty"`
	EmergencyContact *string            `json:"emergency_contact,omitempty"`
}
