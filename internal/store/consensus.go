package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alderai/taskplane/internal/task"
)

// ConsensusRequest is a persisted request for a multi-voter decision.
type ConsensusRequest struct {
	ID          string
	TaskID      string
	Subject     string
	Category    string
	Implementer string
	Deadline    time.Time
	Decision    string
	DecidedAt   time.Time
	CreatedAt   time.Time
}

// VoteRecord is one voter's persisted ballot.
type VoteRecord struct {
	RequestID  string
	Voter      string
	Decision   string
	Confidence float64
	Rationale  string
	At         time.Time
}

// CreateConsensusRequest persists a new request in PENDING state.
func (s *Store) CreateConsensusRequest(ctx context.Context, req ConsensusRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consensus_requests (id, task_id, subject, category, implementer, deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.TaskID, req.Subject, req.Category, req.Implementer,
		nanos(req.Deadline), nanos(s.now()))
	if err != nil {
		return fmt.Errorf("failed to create consensus request: %w", err)
	}
	return nil
}

// RecordVote persists a ballot. The (request, voter) primary key enforces at
// most one vote per voter per request; a re-vote replaces the earlier one.
func (s *Store) RecordVote(ctx context.Context, v VoteRecord) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO consensus_votes (request_id, voter, decision, confidence, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.RequestID, v.Voter, v.Decision, v.Confidence, v.Rationale, nanos(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: v.RequestID,
		Kind:     AuditVote,
		NewState: v.Decision,
		Actor:    v.Voter,
		Detail:   fmt.Sprintf("confidence=%.2f", v.Confidence),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vote: %w", err)
	}
	return nil
}

// FinalizeDecision records the single final decision for a request.
func (s *Store) FinalizeDecision(ctx context.Context, requestID, decision, detail string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE consensus_requests SET decision = ?, decided_at = ?
		WHERE id = ? AND decision = 'PENDING'
	`, decision, nanos(s.now()), requestID)
	if err != nil {
		return fmt.Errorf("failed to finalize decision: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("consensus request %s already decided", requestID)
	}

	if err := s.appendAudit(ctx, tx, AuditRecord{
		EntityID: requestID,
		Kind:     AuditDecision,
		OldState: "PENDING",
		NewState: decision,
		Actor:    "consensus",
		Detail:   detail,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit decision: %w", err)
	}
	return nil
}

// GetConsensusRequest retrieves one request by id.
func (s *Store) GetConsensusRequest(ctx context.Context, id string) (*ConsensusRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, subject, category, implementer, deadline, decision, decided_at, created_at
		FROM consensus_requests WHERE id = ?
	`, id)
	req := &ConsensusRequest{}
	var deadline, decided, created int64
	err := row.Scan(&req.ID, &req.TaskID, &req.Subject, &req.Category,
		&req.Implementer, &deadline, &req.Decision, &decided, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("consensus request %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query consensus request: %w", err)
	}
	req.Deadline = fromNanos(deadline)
	req.DecidedAt = fromNanos(decided)
	req.CreatedAt = fromNanos(created)
	return req, nil
}

// ListVotes returns all ballots for a request in voting order.
func (s *Store) ListVotes(ctx context.Context, requestID string) ([]VoteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, voter, decision, confidence, rationale, created_at
		FROM consensus_votes WHERE request_id = ? ORDER BY created_at
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()

	var votes []VoteRecord
	for rows.Next() {
		var v VoteRecord
		var at int64
		if err := rows.Scan(&v.RequestID, &v.Voter, &v.Decision, &v.Confidence, &v.Rationale, &at); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		v.At = fromNanos(at)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
