package events

import (
	"time"
)

// Event is the base interface for all bus events.
type Event interface {
	EventType() string
	EntityID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicBudget    = "budget"
	TopicBreaker   = "breaker"
	TopicConsensus = "consensus"
	TopicControl   = "control"
)

// Event type constants
const (
	EventTypeTaskTransition = "task.transition"
	EventTypeTaskClaimed    = "task.claimed"
	EventTypeTaskReclaimed  = "task.reclaimed"
	EventTypeBudgetSpend    = "budget.spend"
	EventTypeKillSwitch     = "budget.kill_switch"
	EventTypeBreakerChange  = "breaker.transition"
	EventTypeVoteCast       = "consensus.vote"
	EventTypeDecision       = "consensus.decision"
	EventTypePause          = "control.pause"
	EventTypeResume         = "control.resume"
)

// TaskTransitionEvent is published on every task state change.
type TaskTransitionEvent struct {
	ID        string
	From      string
	To        string
	Actor     string
	Reason    string
	Timestamp time.Time
}

func (e TaskTransitionEvent) EventType() string { return EventTypeTaskTransition }
func (e TaskTransitionEvent) EntityID() string  { return e.ID }

// TaskClaimedEvent is published when an executor wins a claim.
type TaskClaimedEvent struct {
	ID         string
	ExecutorID string
	LeaseUntil time.Time
	Timestamp  time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) EntityID() string  { return e.ID }

// TaskReclaimedEvent is published when the recovery sweep takes a task back
// from a stalled owner.
type TaskReclaimedEvent struct {
	ID        string
	Owner     string
	Escalated bool
	Timestamp time.Time
}

func (e TaskReclaimedEvent) EventType() string { return EventTypeTaskReclaimed }
func (e TaskReclaimedEvent) EntityID() string  { return e.ID }

// BudgetSpendEvent is published for every ledger append.
type BudgetSpendEvent struct {
	Dependency string
	Amount     float64
	WindowRate float64
	DailyTotal float64
	Timestamp  time.Time
}

func (e BudgetSpendEvent) EventType() string { return EventTypeBudgetSpend }
func (e BudgetSpendEvent) EntityID() string  { return e.Dependency }

// KillSwitchEvent is published when the kill switch activates or clears.
type KillSwitchEvent struct {
	Active    bool
	Reason    string
	Timestamp time.Time
}

func (e KillSwitchEvent) EventType() string { return EventTypeKillSwitch }
func (e KillSwitchEvent) EntityID() string  { return "kill_switch" }

// BreakerEvent is published on a circuit breaker state change.
type BreakerEvent struct {
	Dependency string
	From       string
	To         string
	Timestamp  time.Time
}

func (e BreakerEvent) EventType() string { return EventTypeBreakerChange }
func (e BreakerEvent) EntityID() string  { return e.Dependency }

// VoteEvent is published when a ballot is recorded.
type VoteEvent struct {
	RequestID string
	Voter     string
	Decision  string
	Timestamp time.Time
}

func (e VoteEvent) EventType() string { return EventTypeVoteCast }
func (e VoteEvent) EntityID() string  { return e.RequestID }

// DecisionEvent is published when a consensus request resolves.
type DecisionEvent struct {
	RequestID string
	Decision  string
	Timestamp time.Time
}

func (e DecisionEvent) EventType() string { return EventTypeDecision }
func (e DecisionEvent) EntityID() string  { return e.RequestID }

// PauseEvent is the cooperative pause broadcast. Executors observe it at
// safe suspension points; it never interrupts in-flight work.
type PauseEvent struct {
	Reason    string
	Timestamp time.Time
}

func (e PauseEvent) EventType() string { return EventTypePause }
func (e PauseEvent) EntityID() string  { return "control" }

// ResumeEvent wakes executors blocked at a pause checkpoint.
type ResumeEvent struct {
	Actor     string
	Timestamp time.Time
}

func (e ResumeEvent) EventType() string { return EventTypeResume }
func (e ResumeEvent) EntityID() string  { return "control" }
