package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alderai/taskplane/internal/task"
)

const taskColumns = `id, type, priority, payload, shard, state, phase, owner,
	lease_expires_at, retry_count, max_retries, boost_count, version,
	result, reason, failure_sig, sig_count, cancel_requested,
	created_at, updated_at`

// eligibleCond matches tasks that may be claimed: queued, or previously
// leased with the lease now expired. Dependency completion is checked
// separately.
const eligibleCond = `(state = ? OR (state = ? AND lease_expires_at > 0 AND lease_expires_at <= ?))`

// depsDoneCond excludes tasks with an unfinished dependency.
const depsDoneCond = `NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dt ON dt.id = d.depends_on_id
		WHERE d.task_id = tasks.id AND dt.state != ?
	)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var payload string
	var lease, created, updated int64
	var cancel int
	err := row.Scan(&t.ID, &t.Type, &t.Priority, &payload, &t.Shard, &t.State,
		&t.Phase, &t.Owner, &lease, &t.RetryCount, &t.MaxRetries, &t.BoostCount,
		&t.Version, &t.Result, &t.Reason, &t.FailureSig, &t.SigCount, &cancel,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		t.Payload = []byte(payload)
	}
	t.LeaseExpiresAt = fromNanos(lease)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.CancelRequested = cancel != 0
	return t, nil
}

// CreateTask inserts a new task in QUEUED state. Re-submitting an existing id
// is a no-op, not an error; created reports whether the row was new.
// The task and its dependency edges commit in one transaction.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) (created bool, err error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, priority, payload, shard, state, phase,
			max_retries, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, t.Type, t.Priority, string(t.Payload), t.Shard,
		task.StateQueued, task.PhaseIntake, t.MaxRetries, nanos(now), nanos(now))
	if err != nil {
		return false, fmt.Errorf("failed to insert task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Idempotent re-submission.
		return false, nil
	}

	for _, depID := range t.DependsOn {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("dependency %s of task %s: %w", depID, t.ID, task.ErrNotFound)
		}
		if err != nil {
			return false, fmt.Errorf("failed to check dependency existence: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, t.ID, depID); err != nil {
			return false, fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: t.ID,
		Kind:     AuditSubmit,
		NewState: task.StateQueued.String(),
		Actor:    "submitter",
		Detail:   fmt.Sprintf("type=%s priority=%s shard=%s", t.Type, t.Priority, t.Shard),
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetTask retrieves a task by id, including its dependency list.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *Store) getTask(ctx context.Context, q querier, id string) (*task.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.DependsOn = append(t.DependsOn, depID)
	}
	return t, rows.Err()
}

// Query filters task listings.
type Query struct {
	State *task.State
	Type  string
	Shard string
	Limit int
}

// QueryTasks lists tasks ordered by priority then creation time.
func (s *Store) QueryTasks(ctx context.Context, q Query) ([]*task.Task, error) {
	sqlQ := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if q.State != nil {
		sqlQ += ` AND state = ?`
		args = append(args, *q.State)
	}
	if q.Type != "" {
		sqlQ += ` AND type = ?`
		args = append(args, q.Type)
	}
	if q.Shard != "" {
		sqlQ += ` AND shard = ?`
		args = append(args, q.Shard)
	}
	sqlQ += ` ORDER BY priority ASC, created_at ASC`
	if q.Limit > 0 {
		sqlQ += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQ, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// StateCounts returns the number of tasks in each non-empty state.
func (s *Store) StateCounts(ctx context.Context) (map[task.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.State]int)
	for rows.Next() {
		var st task.State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// WriteTask applies mutate to the task under optimistic concurrency: the
// update commits only if the version still matches the value read here.
// A lost race returns task.ErrVersionConflict and the write is not applied.
func (s *Store) WriteTask(ctx context.Context, id string, actor string, mutate func(*task.Task) error) (*task.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	readVersion := t.Version
	oldState := t.State

	if err := mutate(t); err != nil {
		return nil, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			priority = ?, state = ?, phase = ?, owner = ?, lease_expires_at = ?,
			retry_count = ?, boost_count = ?, result = ?, reason = ?,
			failure_sig = ?, sig_count = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, t.Priority, t.State, t.Phase, t.Owner, nanos(t.LeaseExpiresAt),
		t.RetryCount, t.BoostCount, t.Result, t.Reason,
		t.FailureSig, t.SigCount, nanos(now), id, readVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("task %s at version %d: %w", id, readVersion, task.ErrVersionConflict)
	}

	if t.State != oldState {
		if err := s.appendAudit(ctx, tx, AuditRecord{
			EntityID: id,
			Kind:     AuditTransition,
			OldState: oldState.String(),
			NewState: t.State.String(),
			Actor:    actor,
			Detail:   t.Reason,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.Version = readVersion + 1
	t.UpdatedAt = now
	return t, nil
}

// ClaimNext atomically assigns the next eligible task to executorID.
// Within one transaction it selects the highest-priority, oldest-created
// task matching the filter whose state is claimable and whose dependencies
// are complete, then conditions the update on the version read inside the
// same transaction so two concurrent claimers can never both succeed.
// Returns nil when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, executorID string, f task.Filter, leaseFor func(taskType string) time.Duration) (*task.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + eligibleCond + ` AND ` + depsDoneCond
	args := []any{task.StateQueued, task.StateRunning, nanos(now), task.StateCompleted}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Shard != "" {
		q += ` AND shard = ?`
		args = append(args, f.Shard)
	}
	q += ` ORDER BY priority ASC, created_at ASC LIMIT 1`

	t, err := scanTask(tx.QueryRowContext(ctx, q, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible task: %w", err)
	}

	// Claiming a task whose lease expired is a reclamation and costs a retry.
	retry := t.RetryCount
	if t.State == task.StateRunning {
		retry++
	}
	lease := now.Add(leaseFor(t.Type))

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			state = ?, phase = ?, owner = ?, lease_expires_at = ?,
			retry_count = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND `+eligibleCond+`
	`, task.StateRunning, task.PhaseImplement, executorID, nanos(lease),
		retry, nanos(now), t.ID, t.Version,
		task.StateQueued, task.StateRunning, nanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost the race; the caller treats this the same as nothing eligible.
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executors SET status = ?, current_task_id = ? WHERE id = ?
	`, task.ExecutorBusy, t.ID, executorID); err != nil {
		return nil, fmt.Errorf("failed to update executor: %w", err)
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: t.ID,
		Kind:     AuditTransition,
		OldState: t.State.String(),
		NewState: task.StateRunning.String(),
		Actor:    executorID,
		Detail:   "claimed",
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	t.State = task.StateRunning
	t.Phase = task.PhaseImplement
	t.Owner = executorID
	t.LeaseExpiresAt = lease
	t.RetryCount = retry
	t.Version++
	t.UpdatedAt = now
	return t, nil
}

// RenewLease extends the caller's lease. It fails with task.ErrLeaseLost if
// the lease has expired or the task was reclaimed or reassigned.
func (s *Store) RenewLease(ctx context.Context, id, executorID string, extend time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND owner = ? AND state = ? AND lease_expires_at > ?
	`, nanos(now.Add(extend)), nanos(now), id, executorID, task.StateRunning, nanos(now))
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("renew %s for %s: %w", id, executorID, task.ErrLeaseLost)
	}

	return s.AppendAudit(ctx, AuditRecord{
		EntityID: id, Kind: AuditRenew, Actor: executorID, Detail: "lease renewed",
	})
}

// CompleteTask records a successful execution result and moves the task to
// REVIEW, releasing the lease. Valid only while the caller holds the lease.
func (s *Store) CompleteTask(ctx context.Context, id, executorID, result string) (*task.Task, error) {
	return s.finishTask(ctx, id, executorID, func(t *task.Task) {
		t.State = task.StateReview
		t.Phase = task.PhaseReview
		t.Result = result
		t.Reason = ""
	}, "completed execution")
}

// FailTask records a failed execution. The task re-enters QUEUED with an
// incremented retry count, or escalates when the retry budget is spent or
// the same failure signature repeats three times.
func (s *Store) FailTask(ctx context.Context, id, executorID, reason, signature string) (*task.Task, error) {
	return s.finishTask(ctx, id, executorID, func(t *task.Task) {
		t.RetryCount++
		if signature != "" && signature == t.FailureSig {
			t.SigCount++
		} else {
			t.FailureSig = signature
			t.SigCount = 1
		}
		t.Reason = reason
		if t.RetryCount >= t.MaxRetries || t.SigCount >= 3 {
			t.State = task.StateEscalated
			t.Phase = task.PhaseDone
		} else {
			t.State = task.StateQueued
			t.Phase = task.PhaseIntake
		}
	}, reason)
}

// finishTask releases the lease and applies the owner's outcome in one
// lease-guarded transaction.
func (s *Store) finishTask(ctx context.Context, id, executorID string, apply func(*task.Task), detail string) (*task.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	t, err := s.getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !t.LeaseValid(executorID, now) {
		return nil, fmt.Errorf("task %s owner %q: %w", id, executorID, task.ErrLeaseLost)
	}

	oldState := t.State
	apply(t)
	t.Owner = ""
	t.LeaseExpiresAt = time.Time{}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET
			state = ?, phase = ?, owner = '', lease_expires_at = 0,
			retry_count = ?, result = ?, reason = ?, failure_sig = ?, sig_count = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, t.State, t.Phase, t.RetryCount, t.Result, t.Reason, t.FailureSig,
		t.SigCount, nanos(now), id, t.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executors SET status = ?, current_task_id = '' WHERE id = ? AND current_task_id = ?
	`, task.ExecutorIdle, executorID, id); err != nil {
		return nil, fmt.Errorf("failed to update executor: %w", err)
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: id,
		Kind:     AuditTransition,
		OldState: oldState.String(),
		NewState: t.State.String(),
		Actor:    executorID,
		Detail:   detail,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.Version++
	t.UpdatedAt = now
	return t, nil
}

// Reclaimed describes one task recovered by a sweep.
type Reclaimed struct {
	Task      *task.Task
	Escalated bool
}

// ReclaimExpired recovers every running task whose lease has expired, plus
// tasks owned by dead executors regardless of lease. For each, in one
// transaction: owner cleared, retry incremented, task requeued or escalated.
// Running the sweep twice over the same stall is a no-op after the first
// sweep commits.
func (s *Store) ReclaimExpired(ctx context.Context, actor string) ([]Reclaimed, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = ? AND (
			(lease_expires_at > 0 AND lease_expires_at <= ?)
			OR owner IN (SELECT id FROM executors WHERE status = ?)
		)
		ORDER BY priority ASC, created_at ASC
	`, task.StateRunning, nanos(now), task.ExecutorDead)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}

	var stalled []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		stalled = append(stalled, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []Reclaimed
	for _, t := range stalled {
		r, err := s.reclaimOne(ctx, tx, t, actor, now, "lease expired")
		if err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return reclaimed, nil
}

func (s *Store) reclaimOne(ctx context.Context, tx *sql.Tx, t *task.Task, actor string, now time.Time, why string) (Reclaimed, error) {
	owner := t.Owner
	t.RetryCount++
	escalate := t.RetryCount >= t.MaxRetries
	next := task.StateQueued
	phase := task.PhaseIntake
	reason := why
	if escalate {
		next = task.StateEscalated
		phase = task.PhaseDone
		reason = fmt.Sprintf("%s; retry budget exhausted (%d/%d)", why, t.RetryCount, t.MaxRetries)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			state = ?, phase = ?, owner = '', lease_expires_at = 0,
			retry_count = ?, reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, next, phase, t.RetryCount, reason, nanos(now), t.ID, t.Version)
	if err != nil {
		return Reclaimed{}, fmt.Errorf("failed to reclaim task %s: %w", t.ID, err)
	}

	if owner != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE executors SET current_task_id = '' WHERE id = ? AND current_task_id = ?
		`, owner, t.ID); err != nil {
			return Reclaimed{}, fmt.Errorf("failed to clear executor task: %w", err)
		}
	}

	// The lifecycle passes through TIMEOUT on the way back; both hops are
	// audited even though the row is written once.
	for _, hop := range []struct{ from, to task.State }{
		{task.StateRunning, task.StateTimeout},
		{task.StateTimeout, next},
	} {
		if err := s.appendAudit(ctx, tx, AuditRecord{
			EntityID: t.ID,
			Kind:     AuditTransition,
			OldState: hop.from.String(),
			NewState: hop.to.String(),
			Actor:    actor,
			Detail:   reason,
		}); err != nil {
			return Reclaimed{}, err
		}
	}

	t.State = next
	t.Phase = phase
	t.Owner = ""
	t.LeaseExpiresAt = time.Time{}
	t.Reason = reason
	t.Version++
	t.UpdatedAt = now
	return Reclaimed{Task: t, Escalated: escalate}, nil
}

// ForceReclaim recovers one running task immediately, lease or no lease.
// Administrative surface; the action is audited with the caller as actor.
func (s *Store) ForceReclaim(ctx context.Context, id, actor string) (*task.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.State != task.StateRunning {
		return nil, fmt.Errorf("force reclaim %s in state %s: %w", id, t.State, task.ErrInvalidTransition)
	}

	r, err := s.reclaimOne(ctx, tx, t, actor, s.now(), "force reclaimed")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit force reclaim: %w", err)
	}
	return r.Task, nil
}

// RequestCancel sets the cooperative cancel flag. Executors observe it at
// the next checkpoint; in-flight work is never interrupted.
func (s *Store) RequestCancel(ctx context.Context, id, actor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?
	`, nanos(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return s.AppendAudit(ctx, AuditRecord{
		EntityID: id, Kind: AuditTransition, NewState: "cancel_requested", Actor: actor,
	})
}

// CancelRequested reads the cooperative cancel flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to query cancel flag: %w", err)
	}
	return flag != 0, nil
}

// BoostAgedTasks promotes queued tasks that have waited past the configured
// thresholds, one priority level per sweep, recording each boost.
// Returns the number of tasks promoted.
func (s *Store) BoostAgedTasks(ctx context.Context, p3After, p2After, p1After time.Duration) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := s.now()
	steps := []struct {
		from, to task.Priority
		after    time.Duration
	}{
		{task.P3Low, task.P2Medium, p3After},
		{task.P2Medium, task.P1High, p2After},
		{task.P1High, task.P0Critical, p1After},
	}

	boosted := 0
	for _, step := range steps {
		if step.after <= 0 {
			continue
		}
		cutoff := nanos(now.Add(-step.after))
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE state = ? AND priority = ? AND created_at <= ?
		`, task.StateQueued, step.from, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to query aged tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to scan task id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET priority = ?, boost_count = boost_count + 1,
					version = version + 1, updated_at = ?
				WHERE id = ?
			`, step.to, nanos(now), id); err != nil {
				return 0, fmt.Errorf("failed to boost task %s: %w", id, err)
			}
			if err := s.appendAudit(ctx, tx, AuditRecord{
				EntityID: id,
				Kind:     AuditBoost,
				OldState: step.from.String(),
				NewState: step.to.String(),
				Actor:    "scheduler",
				Detail:   "age-based priority boost",
			}); err != nil {
				return 0, err
			}
			boosted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit boosts: %w", err)
	}
	return boosted, nil
}
