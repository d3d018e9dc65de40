package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T) (*Monitor, *store.Store, *fakeClock) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := newFakeClock()
	s.Now = clock.Now

	cfg := config.HeartbeatConfig{
		StaleAfter: config.Duration(time.Minute),
		DeadAfter:  config.Duration(5 * time.Minute),
	}
	return New(s, nil, cfg), s, clock
}

func submit(t *testing.T, s *store.Store, id string, maxRetries int) {
	t.Helper()
	created, err := s.CreateTask(context.Background(), &task.Task{
		ID: id, Type: "build", Priority: task.P2Medium, MaxRetries: maxRetries,
	})
	if err != nil || !created {
		t.Fatalf("CreateTask(%s) = %v, %v", id, created, err)
	}
}

func TestSweepReclaimsExpiredLease(t *testing.T) {
	m, s, clock := newTestMonitor(t)
	ctx := context.Background()
	submit(t, s, "t1", 3)

	// 60s nominal timeout plus a 30s grace margin.
	lease := func(string) time.Duration { return 90 * time.Second }
	if _, err := s.ClaimNext(ctx, "exec-1", task.Filter{}, lease); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if err := s.Heartbeat(ctx, "exec-1", "", true); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	// Within the grace window nothing moves.
	clock.Advance(89 * time.Second)
	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("sweep reclaimed %d tasks before lease expiry", n)
	}

	clock.Advance(2 * time.Second)
	n, err = m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep reclaimed %d tasks, want 1", n)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != task.StateQueued {
		t.Errorf("state = %s, want %s", got.State, task.StateQueued)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry = %d, want 1", got.RetryCount)
	}
	if got.Owner != "" {
		t.Errorf("owner = %q, want empty", got.Owner)
	}

	// Idempotent: a second sweep finds nothing.
	n, err = m.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep reclaimed %d tasks", n)
	}
}

func TestSweepReclaimsDeadExecutorImmediately(t *testing.T) {
	m, s, clock := newTestMonitor(t)
	ctx := context.Background()
	submit(t, s, "t1", 3)

	// Long lease: only the owner's death makes the task reclaimable.
	lease := func(string) time.Duration { return time.Hour }
	if err := s.Heartbeat(ctx, "exec-1", "", false); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if _, err := s.ClaimNext(ctx, "exec-1", task.Filter{}, lease); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	// Past DeadAfter without a heartbeat the executor is dead and its task
	// comes back even though the lease is still nominally valid.
	clock.Advance(6 * time.Minute)
	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep reclaimed %d tasks, want 1", n)
	}

	exec, err := s.GetExecutor(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecutor() error = %v", err)
	}
	if exec.Status != task.ExecutorDead {
		t.Errorf("executor status = %s, want %s", exec.Status, task.ExecutorDead)
	}
	if exec.CurrentTaskID != "" {
		t.Errorf("executor current task = %q, want empty", exec.CurrentTaskID)
	}
}

func TestSweepMarksStaleBeforeDead(t *testing.T) {
	m, s, clock := newTestMonitor(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, "exec-1", "", false); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	exec, err := s.GetExecutor(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecutor() error = %v", err)
	}
	if exec.Status != task.ExecutorStale {
		t.Errorf("status after 2m = %s, want %s", exec.Status, task.ExecutorStale)
	}

	// A fresh heartbeat revives it.
	if err := s.Heartbeat(ctx, "exec-1", "", false); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	exec, err = s.GetExecutor(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecutor() error = %v", err)
	}
	if exec.Status != task.ExecutorIdle {
		t.Errorf("status after revival = %s, want %s", exec.Status, task.ExecutorIdle)
	}
}

func TestSweepEscalatesAtRetryBudget(t *testing.T) {
	m, s, clock := newTestMonitor(t)
	ctx := context.Background()
	submit(t, s, "t1", 1)

	lease := func(string) time.Duration { return time.Minute }
	if _, err := s.ClaimNext(ctx, "exec-1", task.Filter{}, lease); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != task.StateEscalated {
		t.Errorf("state = %s, want %s", got.State, task.StateEscalated)
	}
	if got.Reason == "" {
		t.Error("escalated task carries no reason")
	}
}
