package contracts

import "time"

// Permission is a standing grant (or explicit revoke) scoping what the agent
// may do for a tenant. Rows are never hard-deleted.
type Permission struct {
	TenantID             string     `json:"tenant_id"`
	Pattern              string     `json:"action_pattern"`
	Granted              bool       `json:"granted"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	ThresholdAmount      *float64   `json:"threshold_amount,omitempty"`
	GrantedVia           string     `json:"granted_via,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
}

// Live reports whether the row currently grants its pattern.
// A set RevokedAt overrides the Granted column.
func (p *Permission) Live() bool {
	return p.Granted && p.RevokedAt == nil
}

// Revoked reports whether the row is an explicit revoke.
func (p *Permission) Revoked() bool {
	return !p.Live()
}
