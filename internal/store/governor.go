package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordSpend appends one spend event to the budget ledger. The ledger is
// append-only; rates are always derived, never stored.
func (s *Store) RecordSpend(ctx context.Context, amount float64, dependency string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_ledger (ts, amount, dependency) VALUES (?, ?, ?)
	`, nanos(s.now()), amount, dependency)
	if err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}
	return s.AppendAudit(ctx, AuditRecord{
		EntityID: dependency,
		Kind:     AuditBudget,
		Actor:    "governor",
		Detail:   fmt.Sprintf("spend %.4f", amount),
	})
}

// SpendSince sums ledger amounts recorded at or after since.
func (s *Store) SpendSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM budget_ledger WHERE ts >= ?
	`, nanos(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

// KillSwitchStatus answers the kill-switch status query.
type KillSwitchStatus struct {
	Active      bool
	Reason      string
	ActivatedAt time.Time
}

// KillSwitch reads the current kill-switch state.
func (s *Store) KillSwitch(ctx context.Context) (KillSwitchStatus, error) {
	var st KillSwitchStatus
	var active int
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT active, reason, activated_at FROM kill_switch WHERE id = 1
	`).Scan(&active, &st.Reason, &at)
	if err != nil {
		return st, fmt.Errorf("failed to query kill switch: %w", err)
	}
	st.Active = active != 0
	st.ActivatedAt = fromNanos(at)
	return st, nil
}

// ActivateKillSwitch sets the flag exactly once. Re-activating while already
// active is a no-op; activated reports whether this call flipped it.
// The audit record commits before the activation is visible.
func (s *Store) ActivateKillSwitch(ctx context.Context, reason, actor string) (activated bool, err error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE kill_switch SET active = 1, reason = ?, activated_at = ?
		WHERE id = 1 AND active = 0
	`, reason, nanos(s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to activate kill switch: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: "kill_switch",
		Kind:     AuditKillSwitch,
		OldState: "inactive",
		NewState: "active",
		Actor:    actor,
		Detail:   reason,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit kill switch: %w", err)
	}
	return true, nil
}

// ClearKillSwitch is the manual, audited deactivation path. The governor
// never clears the switch on its own.
func (s *Store) ClearKillSwitch(ctx context.Context, actor string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE kill_switch SET active = 0, reason = '', activated_at = 0
		WHERE id = 1 AND active = 1
	`)
	if err != nil {
		return fmt.Errorf("failed to clear kill switch: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil // already clear
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: "kill_switch",
		Kind:     AuditKillSwitch,
		OldState: "active",
		NewState: "inactive",
		Actor:    actor,
		Detail:   "manual clear",
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit kill switch clear: %w", err)
	}
	return nil
}

// BreakerRecord is the globally visible mirror of one dependency's circuit
// breaker.
type BreakerRecord struct {
	Dependency          string
	State               string
	ConsecutiveFailures int
	LastTransition      time.Time
	Cooldown            time.Duration
}

// SaveBreakerState mirrors a breaker transition to the store and audits it.
func (s *Store) SaveBreakerState(ctx context.Context, rec BreakerRecord, oldState string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO breakers (dependency, state, consecutive_failures, last_transition, cooldown_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dependency) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			last_transition = excluded.last_transition,
			cooldown_ns = excluded.cooldown_ns
	`, rec.Dependency, rec.State, rec.ConsecutiveFailures, nanos(rec.LastTransition), int64(rec.Cooldown))
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: rec.Dependency,
		Kind:     AuditBreaker,
		OldState: oldState,
		NewState: rec.State,
		Actor:    "governor",
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit breaker state: %w", err)
	}
	return nil
}

// BreakerState reads one dependency's mirrored breaker record. A dependency
// that has never tripped reports CLOSED.
func (s *Store) BreakerState(ctx context.Context, dependency string) (BreakerRecord, error) {
	rec := BreakerRecord{Dependency: dependency, State: "closed"}
	var lt, cd int64
	err := s.db.QueryRowContext(ctx, `
		SELECT state, consecutive_failures, last_transition, cooldown_ns
		FROM breakers WHERE dependency = ?
	`, dependency).Scan(&rec.State, &rec.ConsecutiveFailures, &lt, &cd)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("failed to query breaker state: %w", err)
	}
	rec.LastTransition = fromNanos(lt)
	rec.Cooldown = time.Duration(cd)
	return rec, nil
}
