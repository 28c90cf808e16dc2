package guardian

import (
	"fmt"
	"sync"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/canonicalize"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// AuditEntry is a tamper-evident record of one verdict.
type AuditEntry struct {
	Seq            int               `json:"seq"`
	Timestamp      time.Time         `json:"timestamp"`
	TenantID       string            `json:"tenant_id"`
	InterventionID string            `json:"intervention_id"`
	Type           string            `json:"type"`
	Verdict        contracts.Verdict `json:"verdict"`
	Check          Check             `json:"check,omitempty"`
	Reasoning      string            `json:"reasoning"`

	// PreviousHash links this entry to the preceding one.
	PreviousHash string `json:"previous_hash"`
	// Hash is the SHA-256 of the canonical entry, PreviousHash included.
	Hash string `json:"hash"`
}

// AuditLog is a hash-chained sequence of verdicts.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	clock   Clock
}

// NewAuditLog creates an empty log. If clock is nil the wall clock is used.
func NewAuditLog(clock ...Clock) *AuditLog {
	var c Clock = wallClock{}
	if len(clock) > 0 && clock[0] != nil {
		c = clock[0]
	}
	return &AuditLog{clock: c}
}

// Append records a verdict, linking it to the previous entry.
func (l *AuditLog) Append(in *contracts.Intervention, res Result) (*AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}
	entry := AuditEntry{
		Seq:          len(l.entries),
		Timestamp:    l.clock.Now().UTC(),
		Verdict:      res.Verdict,
		Check:        res.Check,
		Reasoning:    res.Reasoning,
		PreviousHash: prevHash,
	}
	if in != nil {
		entry.TenantID = in.TenantID
		entry.InterventionID = in.ID
		entry.Type = string(in.Type)
	}

	hash, err := computeEntryHash(&entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = hash
	l.entries = append(l.entries, entry)
	return &entry, nil
}

// Entries returns a copy of the log.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEntry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// VerifyChain checks that every entry links to its predecessor and that every
// hash matches its content.
func VerifyChain(entries []AuditEntry) error {
	for i := range entries {
		e := &entries[i]
		if i == 0 {
			if e.PreviousHash != "" {
				return fmt.Errorf("genesis entry has non-empty previous hash")
			}
		} else if e.PreviousHash != entries[i-1].Hash {
			return fmt.Errorf("chain broken at index %d: previous hash mismatch", i)
		}

		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("failed to recompute hash at index %d: %w", i, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("integrity failure at index %d: computed %s, stored %s", i, computed, e.Hash)
		}
	}
	return nil
}

// Verify checks the integrity of the whole log.
func (l *AuditLog) Verify() error {
	return VerifyChain(l.Entries())
}

func computeEntryHash(e *AuditEntry) (string, error) {
	unhashed := *e
	unhashed.Hash = ""
	return canonicalize.CanonicalHash(unhashed)
}
