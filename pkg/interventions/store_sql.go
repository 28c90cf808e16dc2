package interventions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/guardian"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
)

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a store; call Init before use.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the intervention, transition and effectiveness tables.
func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS interventions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			type TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			verdict TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			benefit_score {{real}} NOT NULL DEFAULT 0,
			requires_approval {{bool}} NOT NULL,
			payload {{json}},
			source TEXT NOT NULL DEFAULT '',
			scheduled_for {{ts}},
			approval_deadline {{ts}},
			approved_by TEXT NOT NULL DEFAULT '',
			feedback TEXT NOT NULL DEFAULT '',
			rating INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL,
			completed_at {{ts}}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interventions_queue ON interventions (status, tenant_id, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_interventions_deadline ON interventions (status, approval_deadline)`,
		`CREATE INDEX IF NOT EXISTS idx_interventions_tenant ON interventions (tenant_id, created_at)`, `
		CREATE TABLE IF NOT EXISTS intervention_transitions (
			intervention_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at {{ts}} NOT NULL,
			PRIMARY KEY (intervention_id, seq)
		)`, `
		CREATE TABLE IF NOT EXISTS effectiveness_records (
			intervention_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			completed_at {{ts}} NOT NULL,
			measured_24h {{ts}},
			measured_7d {{ts}},
			score_24h {{real}},
			score_7d {{real}},
			score {{real}}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_effectiveness_tenant ON effectiveness_records (tenant_id, completed_at)`)
}

const interventionColumns = `id, tenant_id, type, priority, status, verdict, reasoning, benefit_score,
	requires_approval, payload, source, scheduled_for, approval_deadline, approved_by,
	feedback, rating, last_error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntervention(row rowScanner) (*contracts.Intervention, error) {
	var (
		in                              contracts.Intervention
		payload                         sql.NullString
		scheduled, deadline, completed  sql.NullString
		created, updated                string
		typ, prio, status, verdict, via string
		feedback                        string
	)
	err := row.Scan(&in.ID, &in.TenantID, &typ, &prio, &status, &verdict, &in.Reasoning, &in.BenefitScore,
		&in.RequiresApproval, &payload, &in.Source, &scheduled, &deadline, &via,
		&feedback, &in.Rating, &in.LastError, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	in.Type = contracts.InterventionType(typ)
	in.Priority = contracts.Priority(prio)
	in.Status = contracts.Status(status)
	in.Verdict = contracts.Verdict(verdict)
	in.ApprovedBy = contracts.Approver(via)
	in.Feedback = contracts.Feedback(feedback)

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &in.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", in.ID, err)
		}
	}
	if in.ScheduledFor, err = store.ParseNullTime(scheduled); err != nil {
		return nil, err
	}
	if in.ApprovalDeadline, err = store.ParseNullTime(deadline); err != nil {
		return nil, err
	}
	if in.CompletedAt, err = store.ParseNullTime(completed); err != nil {
		return nil, err
	}
	if in.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if in.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	return &in, nil
}

func encodePayload(p map[string]any) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func appendTransition(ctx context.Context, tx *store.Tx, ev contracts.TransitionEvent) error {
	var seq int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM intervention_transitions WHERE intervention_id = ?`,
		ev.InterventionID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next transition seq: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO intervention_transitions (intervention_id, seq, from_status, to_status, actor, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.InterventionID, seq+1, string(ev.From), string(ev.To), string(ev.Actor), ev.Reason, store.FormatTime(ev.At))
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, in *contracts.Intervention, ev contracts.TransitionEvent) error {
	payload, err := encodePayload(in.Payload)
	if err != nil {
		return err
	}
	return s.db.Tx(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO interventions (`+interventionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.TenantID, string(in.Type), string(in.Priority), string(in.Status), string(in.Verdict),
			in.Reasoning, in.BenefitScore, in.RequiresApproval, payload, in.Source,
			store.NullTime(in.ScheduledFor), store.NullTime(in.ApprovalDeadline), string(in.ApprovedBy),
			string(in.Feedback), in.Rating, in.LastError,
			store.FormatTime(in.CreatedAt), store.FormatTime(in.UpdatedAt), store.NullTime(in.CompletedAt))
		if err != nil {
			return fmt.Errorf("insert intervention: %w", err)
		}
		return appendTransition(ctx, tx, ev)
	})
}

func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.Intervention, error) {
	in, err := scanIntervention(s.db.QueryRow(ctx,
		`SELECT `+interventionColumns+` FROM interventions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intervention %s: %w", id, err)
	}
	return in, nil
}

// Transition leaves feedback and rating alone; SetFeedback owns them.
func (s *SQLStore) Transition(ctx context.Context, next *contracts.Intervention, from contracts.Status, ev contracts.TransitionEvent) error {
	payload, err := encodePayload(next.Payload)
	if err != nil {
		return err
	}
	return s.db.Tx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE interventions SET
				status = ?, verdict = ?, reasoning = ?, requires_approval = ?, payload = ?,
				scheduled_for = ?, approval_deadline = ?, approved_by = ?, last_error = ?,
				updated_at = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(next.Status), string(next.Verdict), next.Reasoning, next.RequiresApproval, payload,
			store.NullTime(next.ScheduledFor), store.NullTime(next.ApprovalDeadline), string(next.ApprovedBy),
			next.LastError, store.FormatTime(next.UpdatedAt), store.NullTime(next.CompletedAt),
			next.ID, string(from))
		if err != nil {
			return fmt.Errorf("update intervention %s: %w", next.ID, err)
		}
		if store.RowsAffected(res) == 0 {
			var exists int
			err := tx.QueryRow(ctx, `SELECT 1 FROM interventions WHERE id = ?`, next.ID).Scan(&exists)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				return ErrNotFound
			case err != nil:
				return fmt.Errorf("check intervention %s: %w", next.ID, err)
			}
			return ErrStaleTransition
		}
		if err := appendTransition(ctx, tx, ev); err != nil {
			return err
		}
		if next.Status == contracts.StatusCompleted && next.CompletedAt != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO effectiveness_records (intervention_id, tenant_id, completed_at)
				VALUES (?, ?, ?)
				ON CONFLICT (intervention_id) DO NOTHING`,
				next.ID, next.TenantID, store.FormatTime(*next.CompletedAt))
			if err != nil {
				return fmt.Errorf("open effectiveness record: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) SetFeedback(ctx context.Context, id string, fb contracts.Feedback, rating int, at time.Time) error {
	res, err := s.db.Exec(ctx, `
		UPDATE interventions SET
			feedback = CASE WHEN ? = '' THEN feedback ELSE ? END,
			rating = CASE WHEN ? = 0 THEN rating ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		string(fb), string(fb), rating, rating, store.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("set feedback on %s: %w", id, err)
	}
	if store.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, id string) ([]contracts.TransitionEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT intervention_id, from_status, to_status, actor, reason, at
		FROM intervention_transitions WHERE intervention_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.TransitionEvent
	for rows.Next() {
		var (
			ev                    contracts.TransitionEvent
			from, to, actor, when string
		)
		if err := rows.Scan(&ev.InterventionID, &from, &to, &actor, &ev.Reason, &when); err != nil {
			return nil, err
		}
		ev.From, ev.To, ev.Actor = contracts.Status(from), contracts.Status(to), contracts.Actor(actor)
		if ev.At, err = store.ParseTime(when); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*contracts.Intervention, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, store.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, store.FormatTime(f.Until))
	}

	query := `SELECT ` + interventionColumns + ` FROM interventions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryInterventions(ctx, query, args...)
}

func (s *SQLStore) ExpiredApprovals(ctx context.Context, tenantID string, now time.Time, n int) ([]*contracts.Intervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM interventions
		WHERE status = ? AND approval_deadline IS NOT NULL AND approval_deadline <= ?`
	args := []any{string(contracts.StatusPendingApproval), store.FormatTime(now)}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY approval_deadline, id"
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	return s.queryInterventions(ctx, query, args...)
}

func (s *SQLStore) DueQueue(ctx context.Context, tenantID string, now time.Time, n int) ([]*contracts.Intervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM interventions
		WHERE status = ? AND COALESCE(scheduled_for, created_at) <= ?`
	args := []any{string(contracts.StatusQueued), store.FormatTime(now)}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " " + queueOrderSQL
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	return s.queryInterventions(ctx, query, args...)
}

func (s *SQLStore) queryInterventions(ctx context.Context, query string, args ...any) ([]*contracts.Intervention, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interventions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Intervention
	for rows.Next() {
		in, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const effectivenessColumns = `intervention_id, tenant_id, completed_at, measured_24h, measured_7d, score_24h, score_7d, score`

func scanEffectiveness(row rowScanner) (*contracts.EffectivenessRecord, error) {
	var (
		rec            contracts.EffectivenessRecord
		completed      string
		m24, m7        sql.NullString
		s24, s7, score sql.NullFloat64
	)
	if err := row.Scan(&rec.InterventionID, &rec.TenantID, &completed, &m24, &m7, &s24, &s7, &score); err != nil {
		return nil, err
	}
	var err error
	if rec.CompletedAt, err = store.ParseTime(completed); err != nil {
		return nil, err
	}
	if rec.Measured24h, err = store.ParseNullTime(m24); err != nil {
		return nil, err
	}
	if rec.Measured7d, err = store.ParseNullTime(m7); err != nil {
		return nil, err
	}
	rec.Score24h, rec.Score7d, rec.Score = store.FloatPtr(s24), store.FloatPtr(s7), store.FloatPtr(score)
	return &rec, nil
}

func (s *SQLStore) Effectiveness(ctx context.Context, id string) (*contracts.EffectivenessRecord, error) {
	rec, err := scanEffectiveness(s.db.QueryRow(ctx,
		`SELECT `+effectivenessColumns+` FROM effectiveness_records WHERE intervention_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get effectiveness %s: %w", id, err)
	}
	return rec, nil
}

// SaveEffectiveness never clears a measurement that is already stored.
func (s *SQLStore) SaveEffectiveness(ctx context.Context, rec *contracts.EffectivenessRecord) error {
	res, err := s.db.Exec(ctx, `
		UPDATE effectiveness_records SET
			measured_24h = COALESCE(measured_24h, ?),
			measured_7d = COALESCE(measured_7d, ?),
			score_24h = COALESCE(score_24h, ?),
			score_7d = COALESCE(score_7d, ?),
			score = ?
		WHERE intervention_id = ?`,
		store.NullTime(rec.Measured24h), store.NullTime(rec.Measured7d),
		store.NullFloat(rec.Score24h), store.NullFloat(rec.Score7d), store.NullFloat(rec.Score),
		rec.InterventionID)
	if err != nil {
		return fmt.Errorf("save effectiveness %s: %w", rec.InterventionID, err)
	}
	if store.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DueMeasurements(ctx context.Context, w contracts.Window, now time.Time, delay, lag time.Duration, n int) ([]*contracts.EffectivenessRecord, error) {
	latest := now.Add(-delay)
	earliest := latest.Add(-lag)

	var cond string
	switch w {
	case contracts.Window24h:
		cond = "measured_24h IS NULL"
	case contracts.Window7d:
		cond = "measured_24h IS NOT NULL AND measured_7d IS NULL"
	default:
		return nil, fmt.Errorf("unknown measurement window %q", w)
	}
	query := `SELECT ` + effectivenessColumns + ` FROM effectiveness_records
		WHERE ` + cond + ` AND completed_at <= ? AND completed_at >= ?
		ORDER BY completed_at, intervention_id`
	args := []any{store.FormatTime(latest), store.FormatTime(earliest)}
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	return s.queryEffectiveness(ctx, query, args...)
}

func (s *SQLStore) EffectivenessSince(ctx context.Context, tenantID string, since time.Time) ([]*contracts.EffectivenessRecord, error) {
	return s.queryEffectiveness(ctx, `SELECT `+effectivenessColumns+` FROM effectiveness_records
		WHERE tenant_id = ? AND completed_at >= ? ORDER BY completed_at`,
		tenantID, store.FormatTime(since))
}

func (s *SQLStore) queryEffectiveness(ctx context.Context, query string, args ...any) ([]*contracts.EffectivenessRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query effectiveness: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EffectivenessRecord
	for rows.Next() {
		rec, err := scanEffectiveness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GuardianStats implements guardian.StatsSource.
func (s *SQLStore) GuardianStats(ctx context.Context, tenantID string, since time.Time) (guardian.Stats, error) {
	var st guardian.Stats
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN verdict = 'blocked' THEN 1 ELSE 0 END), 0)
		FROM interventions WHERE tenant_id = ? AND verdict <> '' AND created_at >= ?`,
		tenantID, store.FormatTime(since)).Scan(&st.Evaluated, &st.Blocked)
	if err != nil {
		return guardian.Stats{}, fmt.Errorf("verdict stats: %w", err)
	}
	var avg sql.NullFloat64
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(score), AVG(score)
		FROM effectiveness_records WHERE tenant_id = ? AND score IS NOT NULL AND completed_at >= ?`,
		tenantID, store.FormatTime(since)).Scan(&st.Measured, &avg)
	if err != nil {
		return guardian.Stats{}, fmt.Errorf("effectiveness stats: %w", err)
	}
	if avg.Valid {
		st.AvgEffectiveness = avg.Float64
	}
	return st, nil
}
