package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

func newTestMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := config.OrchestratorConfig{
		RejectionWindow:  config.Duration(time.Hour),
		RejectionRateCap: 0.5,
	}
	return NewMachine(s, nil, cfg), s
}

func seedTask(t *testing.T, s *store.Store, id string, maxRetries int) {
	t.Helper()
	created, err := s.CreateTask(context.Background(), &task.Task{
		ID: id, Type: "build", Priority: task.P2Medium, MaxRetries: maxRetries,
	})
	if err != nil || !created {
		t.Fatalf("CreateTask(%s) = %v, %v", id, created, err)
	}
}

// driveToReview claims and completes a task so it sits in REVIEW.
func driveToReview(t *testing.T, s *store.Store, id, result string) {
	t.Helper()
	ctx := context.Background()
	lease := func(string) time.Duration { return time.Minute }
	claimed, err := s.ClaimNext(ctx, "exec-1", task.Filter{Type: "build"}, lease)
	if err != nil || claimed == nil || claimed.ID != id {
		t.Fatalf("ClaimNext() = %v, %v, want %s", claimed, err, id)
	}
	if _, err := s.CompleteTask(ctx, id, "exec-1", result); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to task.State
		want     bool
	}{
		{task.StateQueued, task.StateRunning, true},
		{task.StateRunning, task.StateReview, true},
		{task.StateRunning, task.StateTimeout, true},
		{task.StateReview, task.StateApproved, true},
		{task.StateReview, task.StateRejected, true},
		{task.StateRejected, task.StateQueued, true},
		{task.StateApproved, task.StateCompleted, true},
		{task.StateTimeout, task.StateQueued, true},
		{task.StateQueued, task.StateCompleted, false},
		{task.StateQueued, task.StateReview, false},
		{task.StateReview, task.StateCompleted, false},
		{task.StateCompleted, task.StateQueued, false},
		{task.StateEscalated, task.StateRunning, false},
		{task.StateCancelled, task.StateQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []task.State{task.StateCompleted, task.StateEscalated, task.StateFailed, task.StateCancelled} {
		if exits, ok := validTransitions[s]; ok && len(exits) > 0 {
			t.Errorf("terminal state %s has exits %v", s, exits)
		}
	}
}

func TestInvalidTransitionRejectedNotCoerced(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	seedTask(t, s, "t1", 3)

	_, err := m.Transition(ctx, "t1", "test", task.StateCompleted, "")
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != task.StateQueued {
		t.Errorf("state after rejected transition = %s, want %s", got.State, task.StateQueued)
	}
	if got.Version != 1 {
		t.Errorf("version changed to %d on a rejected transition", got.Version)
	}
}

func TestApproveRequiresArtifact(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	seedTask(t, s, "t1", 3)
	driveToReview(t, s, "t1", "")

	if _, err := m.Transition(ctx, "t1", "test", task.StateApproved, ""); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("approval without artifact error = %v, want ErrInvalidTransition", err)
	}
}

func TestApproveCompletes(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	seedTask(t, s, "t1", 3)
	driveToReview(t, s, "t1", "artifact")

	got, err := m.Approve(ctx, "t1", "reviewer")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if got.State != task.StateCompleted {
		t.Errorf("state = %s, want %s", got.State, task.StateCompleted)
	}
	if got.Phase != task.PhaseDone {
		t.Errorf("phase = %s, want %s", got.Phase, task.PhaseDone)
	}

	// Both hops are in the audit trail.
	records, err := s.ListAudit(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	var sawApproved, sawCompleted bool
	for _, rec := range records {
		if rec.NewState == task.StateApproved.String() {
			sawApproved = true
		}
		if rec.NewState == task.StateCompleted.String() {
			sawCompleted = true
		}
	}
	if !sawApproved || !sawCompleted {
		t.Errorf("audit trail approved=%v completed=%v, want both", sawApproved, sawCompleted)
	}
}

func TestRejectRequeuesWithFeedback(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	seedTask(t, s, "t1", 3)
	driveToReview(t, s, "t1", "artifact")

	got, err := m.Reject(ctx, "t1", "reviewer", "missing tests", "sig-tests")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if got.State != task.StateQueued {
		t.Errorf("state = %s, want %s", got.State, task.StateQueued)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry = %d, want 1", got.RetryCount)
	}
	if got.Reason != "missing tests" {
		t.Errorf("reason = %q, want the reviewer feedback", got.Reason)
	}
}

func TestRejectEscalatesAtRetryBudget(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	seedTask(t, s, "t1", 2)

	var got *task.Task
	for i := 0; i < 2; i++ {
		driveToReview(t, s, "t1", "artifact")
		var err error
		got, err = m.Reject(ctx, "t1", "reviewer", "still wrong", "")
		if err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
	}
	if got.State != task.StateEscalated {
		t.Errorf("state after exhausting retries = %s, want %s", got.State, task.StateEscalated)
	}
}

func TestRejectIdenticalSignatureEscalates(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	seedTask(t, s, "t1", 10)

	var got *task.Task
	for i := 0; i < 3; i++ {
		driveToReview(t, s, "t1", "artifact")
		var err error
		got, err = m.Reject(ctx, "t1", "reviewer", "same complaint", "sig-same")
		if err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
	}
	if got.State != task.StateEscalated {
		t.Errorf("state after 3 identical rejections = %s, want %s", got.State, task.StateEscalated)
	}
}

func TestRejectionRateCap(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()

	// Below the minimum sample size the cap stays quiet.
	exceeded, err := m.RejectionRateExceeded(ctx)
	if err != nil {
		t.Fatalf("RejectionRateExceeded() error = %v", err)
	}
	if exceeded {
		t.Fatal("cap exceeded with no data")
	}

	// Four rejections against one completion is an 0.8 rate over a 0.5 cap.
	// Single-retry budgets keep rejected tasks from re-entering the queue
	// and shadowing later claims.
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		seedTask(t, s, id, 1)
		driveToReview(t, s, id, "artifact")
		if i == 0 {
			if _, err := m.Approve(ctx, id, "reviewer"); err != nil {
				t.Fatalf("Approve() error = %v", err)
			}
			continue
		}
		if _, err := m.Reject(ctx, id, "reviewer", "bad", ""); err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
	}

	exceeded, err = m.RejectionRateExceeded(ctx)
	if err != nil {
		t.Fatalf("RejectionRateExceeded() error = %v", err)
	}
	if !exceeded {
		t.Error("cap not exceeded at a rejection rate of 0.8")
	}
}
