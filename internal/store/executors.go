package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alderai/taskplane/internal/task"
)

// Heartbeat upserts an executor's liveness record. A heartbeat from a stale
// or dead executor brings it back to idle/busy; an idle heartbeat also clears
// any current task left behind by a path that bypassed the lease release.
func (s *Store) Heartbeat(ctx context.Context, id, shard string, busy bool) error {
	status := task.ExecutorIdle
	if busy {
		status = task.ExecutorBusy
	}
	upd := `
		INSERT INTO executors (id, status, last_heartbeat, shard)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			shard = excluded.shard`
	if !busy {
		upd += `,
			current_task_id = ''`
	}
	_, err := s.db.ExecContext(ctx, upd, id, status, nanos(s.now()), shard)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// GetExecutor returns one executor record.
func (s *Store) GetExecutor(ctx context.Context, id string) (*task.ExecutorInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, last_heartbeat, shard, current_task_id FROM executors WHERE id = ?
	`, id)
	e := &task.ExecutorInfo{}
	var hb int64
	err := row.Scan(&e.ID, &e.Status, &hb, &e.Shard, &e.CurrentTaskID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("executor %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executor: %w", err)
	}
	e.LastHeartbeat = fromNanos(hb)
	return e, nil
}

// ListExecutors returns all executor records.
func (s *Store) ListExecutors(ctx context.Context) ([]*task.ExecutorInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, last_heartbeat, shard, current_task_id FROM executors ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query executors: %w", err)
	}
	defer rows.Close()

	var execs []*task.ExecutorInfo
	for rows.Next() {
		e := &task.ExecutorInfo{}
		var hb int64
		if err := rows.Scan(&e.ID, &e.Status, &hb, &e.Shard, &e.CurrentTaskID); err != nil {
			return nil, fmt.Errorf("failed to scan executor: %w", err)
		}
		e.LastHeartbeat = fromNanos(hb)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// MarkStaleExecutors demotes executors that stopped heartbeating: stale
// after staleAfter without a beat, dead after deadAfter. A dead executor's
// in-flight task becomes reclaimable immediately (see ReclaimExpired).
func (s *Store) MarkStaleExecutors(ctx context.Context, staleAfter, deadAfter time.Duration) (stale, dead int, err error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	now := s.now()

	res, err := tx.ExecContext(ctx, `
		UPDATE executors SET status = ?
		WHERE last_heartbeat <= ? AND status != ?
	`, task.ExecutorDead, nanos(now.Add(-deadAfter)), task.ExecutorDead)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to mark dead executors: %w", err)
	}
	d, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE executors SET status = ?
		WHERE last_heartbeat <= ? AND status IN (?, ?)
	`, task.ExecutorStale, nanos(now.Add(-staleAfter)), task.ExecutorIdle, task.ExecutorBusy)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to mark stale executors: %w", err)
	}
	st, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit staleness sweep: %w", err)
	}
	return int(st), int(d), nil
}
