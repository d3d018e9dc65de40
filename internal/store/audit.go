package store

import (
	"context"
	"fmt"
	"time"
)

// Audit record kinds. One record is appended per state transition, vote,
// breaker transition, and budget event. This table is the only surface
// downstream reporting is allowed to depend on.
const (
	AuditTransition = "transition"
	AuditSubmit     = "submit"
	AuditRenew      = "renew"
	AuditVote       = "vote"
	AuditDecision   = "decision"
	AuditBreaker    = "breaker"
	AuditBudget     = "budget"
	AuditKillSwitch = "kill_switch"
	AuditBoost      = "boost"
)

// AuditRecord is one append-only audit log row.
type AuditRecord struct {
	ID       int64
	EntityID string
	Kind     string
	OldState string
	NewState string
	Actor    string
	Detail   string
	At       time.Time
}

// appendAudit writes an audit row using the caller's transaction so the
// record commits atomically with the change it describes.
func (s *Store) appendAudit(ctx context.Context, q querier, rec AuditRecord) error {
	at := rec.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (entity_id, kind, old_state, new_state, actor, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.EntityID, rec.Kind, rec.OldState, rec.NewState, rec.Actor, rec.Detail, nanos(at))
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// AppendAudit records a standalone audit event outside any transaction.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	return s.appendAudit(ctx, s.db, rec)
}

// ListAudit returns audit records for an entity in chronological order.
// A zero limit returns everything.
func (s *Store) ListAudit(ctx context.Context, entityID string, limit int) ([]AuditRecord, error) {
	q := `
		SELECT id, entity_id, kind, old_state, new_state, actor, detail, ts
		FROM audit_log WHERE entity_id = ? ORDER BY ts, id`
	args := []any{entityID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Kind, &rec.OldState, &rec.NewState, &rec.Actor, &rec.Detail, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.At = fromNanos(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RejectionStats counts rejection and completion transitions in the trailing
// window. The orchestrator uses the ratio for its global rejection-rate cap.
func (s *Store) RejectionStats(ctx context.Context, window time.Duration) (rejected, completed int, err error) {
	since := nanos(s.now().Add(-window))
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN new_state = 'REJECTED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN new_state = 'COMPLETED' THEN 1 ELSE 0 END), 0)
		FROM audit_log
		WHERE kind = ? AND ts >= ?
	`, AuditTransition, since).Scan(&rejected, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query rejection stats: %w", err)
	}
	return rejected, completed, nil
}
