package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as integer Unix nanoseconds so lease comparisons and
// FIFO tie-breaks are exact.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT,
		shard TEXT NOT NULL DEFAULT '',
		state INTEGER NOT NULL,
		phase INTEGER NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		boost_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		result TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		failure_sig TEXT NOT NULL DEFAULT '',
		sig_count INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_claim
		ON tasks(state, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_lease
		ON tasks(state, lease_expires_at);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id
		ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS executors (
		id TEXT PRIMARY KEY,
		status INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		shard TEXT NOT NULL DEFAULT '',
		current_task_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS budget_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		amount REAL NOT NULL,
		dependency TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budget_ledger_ts ON budget_ledger(ts);

	CREATE TABLE IF NOT EXISTS kill_switch (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		active INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		activated_at INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO kill_switch (id, active) VALUES (1, 0);

	CREATE TABLE IF NOT EXISTS breakers (
		dependency TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_transition INTEGER NOT NULL DEFAULT 0,
		cooldown_ns INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS consensus_requests (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		implementer TEXT NOT NULL DEFAULT '',
		deadline INTEGER NOT NULL,
		decision TEXT NOT NULL DEFAULT 'PENDING',
		decided_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_consensus_requests_task
		ON consensus_requests(task_id);

	CREATE TABLE IF NOT EXISTS consensus_votes (
		request_id TEXT NOT NULL,
		voter TEXT NOT NULL,
		decision TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		rationale TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (request_id, voter),
		FOREIGN KEY (request_id) REFERENCES consensus_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		old_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_log_kind ON audit_log(kind, ts);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
