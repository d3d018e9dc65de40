package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks for claiming. Lower value = higher priority.
type Priority int

const (
	P0Critical Priority = iota
	P1High
	P2Medium
	P3Low
)

// String returns the canonical priority name.
func (p Priority) String() string {
	switch p {
	case P0Critical:
		return "P0-CRITICAL"
	case P1High:
		return "P1-HIGH"
	case P2Medium:
		return "P2-MEDIUM"
	case P3Low:
		return "P3-LOW"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts "P0".."P3", bare level names, or the combined
// "P1-HIGH" form.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P0", "CRITICAL", "P0-CRITICAL":
		return P0Critical, nil
	case "P1", "HIGH", "P1-HIGH":
		return P1High, nil
	case "P2", "MEDIUM", "P2-MEDIUM":
		return P2Medium, nil
	case "P3", "LOW", "P3-LOW":
		return P3Low, nil
	}
	return P2Medium, fmt.Errorf("unknown priority: %q", s)
}

// State is a task's position in its lifecycle.
type State int

const (
	StateQueued State = iota // Eligible for claiming
	StateRunning             // Leased to an executor
	StateReview              // Execution finished, awaiting review gates
	StateTimeout             // Lease expired, owner presumed crashed
	StatePaused              // Parked at a kill-switch checkpoint
	StateApproved            // Review passed
	StateRejected            // Review failed, feedback attached
	StateCompleted           // Terminal: done
	StateEscalated           // Terminal: requires a human
	StateFailed              // Terminal: business failure
	StateCancelled           // Terminal: cancelled cooperatively
)

// String returns the state name used in audit records.
func (s State) String() string {
	names := map[State]string{
		StateQueued:    "QUEUED",
		StateRunning:   "RUNNING",
		StateReview:    "REVIEW",
		StateTimeout:   "TIMEOUT",
		StatePaused:    "PAUSED",
		StateApproved:  "APPROVED",
		StateRejected:  "REJECTED",
		StateCompleted: "COMPLETED",
		StateEscalated: "ESCALATED",
		StateFailed:    "FAILED",
		StateCancelled: "CANCELLED",
	}
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether a task in this state will never change again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateEscalated, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Phase is the coarse position in the intake-to-completion ladder.
// Phases move monotonically forward except for explicit, audited regressions.
type Phase int

const (
	PhaseIntake Phase = iota
	PhaseImplement
	PhaseReview
	PhaseApprove
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIntake:
		return "intake"
	case PhaseImplement:
		return "implement"
	case PhaseReview:
		return "review"
	case PhaseApprove:
		return "approve"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Task is a unit of work tracked by the control plane.
// Version increments on every state-changing write and backs optimistic
// concurrency: a write conditioned on a stale version fails, never silently
// overwrites.
type Task struct {
	ID       string
	Type     string
	Priority Priority
	Payload  json.RawMessage
	Shard    string

	State State
	Phase Phase

	// Lease: (Owner, LeaseExpiresAt). Valid only while LeaseExpiresAt is in
	// the future and Owner matches the claiming executor. A task has at most
	// one non-empty Owner at any instant.
	Owner          string
	LeaseExpiresAt time.Time

	RetryCount int
	MaxRetries int
	BoostCount int
	Version    int64

	DependsOn []string

	// CancelRequested is the cooperative cancel flag, observed by the owner
	// at its next checkpoint. There is no forced interruption.
	CancelRequested bool

	Result     string
	Reason     string // last failure/escalation reason
	FailureSig string // signature of the last rejection, for loop detection
	SigCount   int    // consecutive identical failure signatures

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseValid reports whether the lease is held by executorID at time now.
func (t *Task) LeaseValid(executorID string, now time.Time) bool {
	return t.Owner == executorID && !t.LeaseExpiresAt.IsZero() && t.LeaseExpiresAt.After(now)
}

// Filter narrows the eligible set for a claim. Empty fields match anything.
type Filter struct {
	Type  string
	Shard string
}

// ExecutorStatus tracks liveness of a worker process.
type ExecutorStatus int

const (
	ExecutorIdle ExecutorStatus = iota
	ExecutorBusy
	ExecutorStale // missed one heartbeat window
	ExecutorDead  // missed many; in-flight work is reclaimed immediately
)

func (s ExecutorStatus) String() string {
	switch s {
	case ExecutorIdle:
		return "idle"
	case ExecutorBusy:
		return "busy"
	case ExecutorStale:
		return "stale"
	case ExecutorDead:
		return "dead"
	}
	return fmt.Sprintf("executor-status(%d)", int(s))
}

// ExecutorInfo is the stored record for a worker process.
type ExecutorInfo struct {
	ID            string
	Status        ExecutorStatus
	LastHeartbeat time.Time
	Shard         string
	CurrentTaskID string
}
