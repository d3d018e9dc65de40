package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

func newTestEngine(t *testing.T, profiles *config.Profiles) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.SchedulerConfig{
		DefaultMaxRetries: 3,
		DefaultTimeout:    config.Duration(time.Minute),
		GraceMargin:       config.Duration(30 * time.Second),
	}
	return New(s, nil, cfg, profiles), s
}

func TestLeaseDuration(t *testing.T) {
	profiles := &config.Profiles{
		Timeouts: map[string]config.Duration{
			"long-build": config.Duration(10 * time.Minute),
		},
	}
	e, _ := newTestEngine(t, profiles)

	if got := e.LeaseDuration("long-build"); got != 10*time.Minute+30*time.Second {
		t.Errorf("profiled lease = %s, want 10m30s", got)
	}
	if got := e.LeaseDuration("unknown-type"); got != 90*time.Second {
		t.Errorf("default lease = %s, want 1m30s", got)
	}
}

func TestSubmitDefaults(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	got, created, err := e.Submit(context.Background(), SubmitRequest{ID: "t1", Type: "build"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !created {
		t.Fatal("Submit() created = false for a new task")
	}
	if got.MaxRetries != 3 {
		t.Errorf("max retries = %d, want the configured default 3", got.MaxRetries)
	}
	if got.State != task.StateQueued {
		t.Errorf("state = %s, want %s", got.State, task.StateQueued)
	}

	_, created, err = e.Submit(context.Background(), SubmitRequest{ID: "t1", Type: "build"})
	if err != nil {
		t.Fatalf("re-submit error = %v", err)
	}
	if created {
		t.Error("re-submit created = true")
	}
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	if _, _, err := e.Submit(context.Background(), SubmitRequest{Type: "build"}); err == nil {
		t.Error("submit without id did not fail")
	}
	if _, _, err := e.Submit(context.Background(), SubmitRequest{ID: "t1"}); err == nil {
		t.Error("submit without type did not fail")
	}
}

func TestSubmitBatchDependencyOrder(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	// Listed out of dependency order on purpose.
	tasks, err := e.SubmitBatch(ctx, []SubmitRequest{
		{ID: "deploy", Type: "deploy", DependsOn: []string{"test"}},
		{ID: "build", Type: "build"},
		{ID: "test", Type: "test", DependsOn: []string{"build"}},
	})
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("returned %d tasks, want 3", len(tasks))
	}

	got, err := s.GetTask(ctx, "deploy")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "test" {
		t.Errorf("deploy dependencies = %v, want [test]", got.DependsOn)
	}
}

func TestSubmitBatchRejectsCycle(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.SubmitBatch(context.Background(), []SubmitRequest{
		{ID: "a", Type: "build", DependsOn: []string{"b"}},
		{ID: "b", Type: "build", DependsOn: []string{"a"}},
	})
	if err == nil {
		t.Fatal("cyclic batch accepted")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error = %v, want a cycle error", err)
	}
}

func TestSubmitBatchRejectsDuplicateID(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.SubmitBatch(context.Background(), []SubmitRequest{
		{ID: "a", Type: "build"},
		{ID: "a", Type: "build"},
	})
	if err == nil {
		t.Fatal("batch with duplicate ids accepted")
	}
}

func TestClaimRefusedWhileKillSwitchActive(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	if _, _, err := e.Submit(ctx, SubmitRequest{ID: "t1", Type: "build"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := s.ActivateKillSwitch(ctx, "budget", "governor"); err != nil {
		t.Fatalf("ActivateKillSwitch() error = %v", err)
	}

	_, err := e.Claim(ctx, "exec-1", task.Filter{})
	if !errors.Is(err, task.ErrKillSwitchActive) {
		t.Fatalf("Claim() error = %v, want ErrKillSwitchActive", err)
	}

	if err := s.ClearKillSwitch(ctx, "operator"); err != nil {
		t.Fatalf("ClearKillSwitch() error = %v", err)
	}
	got, err := e.Claim(ctx, "exec-1", task.Filter{})
	if err != nil {
		t.Fatalf("Claim() after clear error = %v", err)
	}
	if got == nil || got.ID != "t1" {
		t.Fatalf("claimed %v, want t1", got)
	}
}

func TestCompleteAndFailRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, _, err := e.Submit(ctx, SubmitRequest{ID: "t1", Type: "build"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	claimed, err := e.Claim(ctx, "exec-1", task.Filter{})
	if err != nil || claimed == nil {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}

	done, err := e.Complete(ctx, "t1", "exec-1", "artifact")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.State != task.StateReview {
		t.Errorf("state = %s, want %s", done.State, task.StateReview)
	}
	if done.Result != "artifact" {
		t.Errorf("result = %q, want artifact", done.Result)
	}

	// Completing again fails: the lease was released.
	if _, err := e.Complete(ctx, "t1", "exec-1", "again"); !errors.Is(err, task.ErrLeaseLost) {
		t.Errorf("second complete error = %v, want ErrLeaseLost", err)
	}
}
