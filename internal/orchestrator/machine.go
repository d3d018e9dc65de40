// Package orchestrator drives tasks through their lifecycle: the explicit
// state machine, the per-executor run loop, and the admin control surface.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/consensus"
	"github.com/alderai/taskplane/internal/governor"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

// validTransitions is the complete transition table. A (from, to) pair not
// listed here is invalid and is rejected, never coerced.
var validTransitions = map[task.State][]task.State{
	task.StateQueued:   {task.StateRunning, task.StatePaused, task.StateCancelled, task.StateEscalated},
	task.StateRunning:  {task.StateReview, task.StateTimeout, task.StatePaused, task.StateQueued, task.StateCancelled, task.StateFailed, task.StateEscalated},
	task.StateReview:   {task.StateApproved, task.StateRejected, task.StateEscalated},
	task.StateTimeout:  {task.StateQueued, task.StateEscalated},
	task.StatePaused:   {task.StateQueued, task.StateRunning, task.StateCancelled, task.StateEscalated},
	task.StateApproved: {task.StateCompleted, task.StateEscalated},
	task.StateRejected: {task.StateQueued, task.StateFailed, task.StateEscalated},
}

// phaseFor maps a state to the phase a task in that state occupies.
// Phases derive from states; they are never written independently.
func phaseFor(s task.State) task.Phase {
	switch s {
	case task.StateQueued, task.StatePaused:
		return task.PhaseIntake
	case task.StateRunning, task.StateTimeout:
		return task.PhaseImplement
	case task.StateReview, task.StateRejected:
		return task.PhaseReview
	case task.StateApproved:
		return task.PhaseApprove
	default:
		return task.PhaseDone
	}
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to task.State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine applies gated transitions to persisted tasks. All writes go
// through the store's optimistic-concurrency path, so two machines racing
// on the same task cannot both win.
type Machine struct {
	store *store.Store
	gov   *governor.Governor
	cfg   config.OrchestratorConfig
}

// NewMachine creates a state machine bound to a store.
func NewMachine(st *store.Store, gov *governor.Governor, cfg config.OrchestratorConfig) *Machine {
	return &Machine{store: st, gov: gov, cfg: cfg}
}

// Transition moves a task to a new state after checking the table and the
// destination's gates. Invalid transitions return task.ErrInvalidTransition
// and are logged; the task is left untouched.
func (m *Machine) Transition(ctx context.Context, id, actor string, to task.State, reason string) (*task.Task, error) {
	t, err := m.store.WriteTask(ctx, id, actor, func(t *task.Task) error {
		if !CanTransition(t.State, to) {
			return fmt.Errorf("task %s: %s -> %s: %w", id, t.State, to, task.ErrInvalidTransition)
		}
		if err := m.gate(ctx, t, to); err != nil {
			return err
		}
		applyTransition(t, to, reason)
		return nil
	})
	if err != nil {
		log.Printf("orchestrator: transition of %s to %s rejected: %v", id, to, err)
		return nil, err
	}
	return t, nil
}

// applyTransition mutates the task for an already-validated transition.
func applyTransition(t *task.Task, to task.State, reason string) {
	switch to {
	case task.StateQueued:
		t.Owner = ""
		t.LeaseExpiresAt = time.Time{}
	case task.StateRejected:
		t.Reason = reason
	case task.StateEscalated, task.StateFailed, task.StateCancelled:
		t.Owner = ""
		t.LeaseExpiresAt = time.Time{}
		t.Reason = reason
	}
	t.State = to
	t.Phase = phaseFor(to)
}

// gate enforces the destination state's entry requirements.
func (m *Machine) gate(ctx context.Context, t *task.Task, to task.State) error {
	switch to {
	case task.StateApproved:
		// Review phase must have produced an artifact.
		if t.Result == "" {
			return fmt.Errorf("task %s: approval without a result artifact: %w", t.ID, task.ErrInvalidTransition)
		}
	case task.StateRunning:
		if m.gov != nil {
			paused, err := m.gov.Paused(ctx)
			if err != nil {
				return err
			}
			if paused {
				return fmt.Errorf("task %s: %w", t.ID, task.ErrKillSwitchActive)
			}
		}
	}
	return nil
}

// Reject records structured reviewer feedback and routes the task: back to
// QUEUED with retry+1 while attempts and the failure-signature loop detector
// allow, otherwise to ESCALATED. The REJECTED hop commits as its own audited
// transition so the rejection-rate window sees it.
func (m *Machine) Reject(ctx context.Context, id, actor, feedback, signature string) (*task.Task, error) {
	_, err := m.store.WriteTask(ctx, id, actor, func(t *task.Task) error {
		if !CanTransition(t.State, task.StateRejected) {
			return fmt.Errorf("task %s: %s -> %s: %w", id, t.State, task.StateRejected, task.ErrInvalidTransition)
		}
		applyTransition(t, task.StateRejected, feedback)

		if signature != "" && signature == t.FailureSig {
			t.SigCount++
		} else {
			t.FailureSig = signature
			t.SigCount = 1
		}
		t.RetryCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	t, err := m.store.WriteTask(ctx, id, actor, func(t *task.Task) error {
		if t.RetryCount >= t.MaxRetries || t.SigCount >= 3 {
			applyTransition(t, task.StateEscalated,
				fmt.Sprintf("rejected %d times (last: %s)", t.RetryCount, feedback))
			return nil
		}
		applyTransition(t, task.StateQueued, "")
		t.Reason = feedback
		return nil
	})
	if err != nil {
		return nil, err
	}
	if t.State == task.StateEscalated {
		log.Printf("orchestrator: task %s escalated after rejection: %s", id, t.Reason)
	}
	return t, nil
}

// Approve passes the review gate and completes the task in two audited
// hops: REVIEW -> APPROVED -> COMPLETED.
func (m *Machine) Approve(ctx context.Context, id, actor string) (*task.Task, error) {
	if _, err := m.Transition(ctx, id, actor, task.StateApproved, ""); err != nil {
		return nil, err
	}
	return m.Transition(ctx, id, actor, task.StateCompleted, "")
}

// RejectionRateExceeded reports whether recent reviews are failing at a rate
// above the configured cap. Above the cap the loop stops claiming and waits
// for an operator, since systematic rejections usually mean a bad profile or
// a broken reviewer rather than bad tasks.
func (m *Machine) RejectionRateExceeded(ctx context.Context) (bool, error) {
	if m.cfg.RejectionRateCap <= 0 {
		return false, nil
	}
	window := m.cfg.RejectionWindow.D()
	if window <= 0 {
		window = time.Hour
	}
	rejected, completed, err := m.store.RejectionStats(ctx, window)
	if err != nil {
		return false, err
	}
	total := rejected + completed
	if total < 5 {
		// Too little signal to call it systemic.
		return false, nil
	}
	rate := float64(rejected) / float64(total)
	if rate > m.cfg.RejectionRateCap {
		log.Printf("orchestrator: rejection rate %.2f over cap %.2f (%d/%d in %s)",
			rate, m.cfg.RejectionRateCap, rejected, total, window)
		return true, nil
	}
	return false, nil
}

// decisionToState maps a consensus outcome onto the review transition.
func decisionToState(d consensus.Decision) task.State {
	switch d {
	case consensus.DecisionApprove:
		return task.StateApproved
	case consensus.DecisionReject:
		return task.StateRejected
	default:
		return task.StateEscalated
	}
}
