package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/canonicalize"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
)

// Report is one tenant's day.
type Report struct {
	TenantID      string                          `json:"tenant_id"`
	Day           string                          `json:"day"`
	GeneratedAt   time.Time                       `json:"generated_at"`
	Summary       interventions.Summary           `json:"summary"`
	Interventions []*contracts.Intervention       `json:"interventions"`
	Effectiveness []contracts.EffectivenessRecord `json:"effectiveness,omitempty"`
	Throttle      *contracts.ThrottleConfig       `json:"throttle,omitempty"`
	Preferences   *contracts.Preferences          `json:"preferences,omitempty"`
}

// AuditSnapshot is the verdict chain as of an export.
type AuditSnapshot struct {
	Day         string                `json:"day"`
	GeneratedAt time.Time             `json:"generated_at"`
	Head        string                `json:"head"`
	Entries     []guardian.AuditEntry `json:"entries"`
}

// Receipt identifies an exported blob.
type Receipt struct {
	Kind     string `json:"kind"`
	TenantID string `json:"tenant_id,omitempty"`
	Day      string `json:"day"`
	Hash     string `json:"hash"`
	Size     int    `json:"size"`
}

// Exporter writes canonical JSON documents to a Store.
type Exporter struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

func NewExporter(s Store) *Exporter {
	return &Exporter{
		store:  s,
		clock:  time.Now,
		logger: slog.Default().With("component", "archive"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// ExportReport stores r. Identical reports share one blob.
func (e *Exporter) ExportReport(ctx context.Context, r *Report) (Receipt, error) {
	if r.TenantID == "" || r.Day == "" {
		return Receipt{}, fmt.Errorf("archive: report needs a tenant and a day")
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = e.clock().UTC()
	}
	return e.put(ctx, "report", r.TenantID, r.Day, r)
}

// ExportAudit verifies the chain and stores it.
func (e *Exporter) ExportAudit(ctx context.Context, day string, entries []guardian.AuditEntry) (Receipt, error) {
	if err := guardian.VerifyChain(entries); err != nil {
		return Receipt{}, fmt.Errorf("archive: refusing to export audit chain: %w", err)
	}
	snap := AuditSnapshot{Day: day, GeneratedAt: e.clock().UTC(), Entries: entries}
	if n := len(entries); n > 0 {
		snap.Head = entries[n-1].Hash
	}
	return e.put(ctx, "audit", "", day, snap)
}

func (e *Exporter) put(ctx context.Context, kind, tenantID, day string, v any) (Receipt, error) {
	data, err := canonicalize.JCS(v)
	if err != nil {
		return Receipt{}, fmt.Errorf("archive: canonicalize %s: %w", kind, err)
	}
	hash, err := e.store.Put(ctx, data)
	if err != nil {
		return Receipt{}, fmt.Errorf("archive: store %s: %w", kind, err)
	}
	rec := Receipt{Kind: kind, TenantID: tenantID, Day: day, Hash: hash, Size: len(data)}
	e.logger.InfoContext(ctx, "archive exported", "kind", kind, "tenant_id", tenantID, "day", day, "hash", hash, "bytes", len(data))
	return rec, nil
}

// LoadReport reads a report back and checks its bytes against the address.
func (e *Exporter) LoadReport(ctx context.Context, hash string) (*Report, error) {
	data, err := e.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if got, _ := contentHash(data); got != hash {
		return nil, fmt.Errorf("archive: blob %s is corrupt (hashes to %s)", hash, got)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("archive: decode report %s: %w", hash, err)
	}
	return &r, nil
}
