// Package scheduler is the claim engine: it admits tasks into the queue and
// atomically assigns the next eligible task to a requesting executor.
// Concurrency correctness comes entirely from the store's transactional
// claim; the engine itself holds no state between calls.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/events"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

// Engine selects and assigns work.
type Engine struct {
	store    *store.Store
	bus      *events.Bus
	cfg      config.SchedulerConfig
	profiles *config.Profiles
}

// New creates a claim engine.
func New(st *store.Store, bus *events.Bus, cfg config.SchedulerConfig, profiles *config.Profiles) *Engine {
	if profiles == nil {
		profiles = &config.Profiles{}
	}
	return &Engine{store: st, bus: bus, cfg: cfg, profiles: profiles}
}

// LeaseDuration returns the lease granted for a task type: its nominal
// timeout from the profile table plus the fixed grace margin.
func (e *Engine) LeaseDuration(taskType string) time.Duration {
	nominal := e.cfg.DefaultTimeout.D()
	if d, ok := e.profiles.Timeouts[taskType]; ok {
		nominal = d.D()
	}
	return nominal + e.cfg.GraceMargin.D()
}

// SubmitRequest is an ingestion record. ID and Type are required.
type SubmitRequest struct {
	ID         string
	Type       string
	Priority   task.Priority
	Payload    json.RawMessage
	Shard      string
	DependsOn  []string
	MaxRetries int
}

// Submit admits one task. Re-submitting an existing id is a no-op: the
// stored task comes back with created=false.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*task.Task, bool, error) {
	tasks, created, err := e.submitBatch(ctx, []SubmitRequest{req})
	if err != nil {
		return nil, false, err
	}
	return tasks[0], created[0], nil
}

// SubmitBatch admits several tasks at once. Tasks in the batch may depend on
// each other; the batch is validated acyclic and created in dependency
// order so every edge resolves.
func (e *Engine) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]*task.Task, error) {
	tasks, _, err := e.submitBatch(ctx, reqs)
	return tasks, err
}

func (e *Engine) submitBatch(ctx context.Context, reqs []SubmitRequest) ([]*task.Task, []bool, error) {
	byID := make(map[string]SubmitRequest, len(reqs))
	for _, req := range reqs {
		if req.ID == "" || req.Type == "" {
			return nil, nil, fmt.Errorf("submit: id and type are required")
		}
		if _, dup := byID[req.ID]; dup {
			return nil, nil, fmt.Errorf("submit: duplicate id %q in batch", req.ID)
		}
		byID[req.ID] = req
	}

	order, err := sortBatch(reqs, byID)
	if err != nil {
		return nil, nil, err
	}

	results := make(map[string]*task.Task, len(reqs))
	createdBy := make(map[string]bool, len(reqs))
	for _, id := range order {
		req := byID[id]
		maxRetries := req.MaxRetries
		if maxRetries <= 0 {
			maxRetries = e.cfg.DefaultMaxRetries
		}
		t := &task.Task{
			ID:         req.ID,
			Type:       req.Type,
			Priority:   req.Priority,
			Payload:    req.Payload,
			Shard:      req.Shard,
			DependsOn:  req.DependsOn,
			MaxRetries: maxRetries,
		}
		created, err := e.store.CreateTask(ctx, t)
		if err != nil {
			return nil, nil, err
		}
		stored, err := e.store.GetTask(ctx, req.ID)
		if err != nil {
			return nil, nil, err
		}
		results[id] = stored
		createdBy[id] = created
		if created && e.bus != nil {
			e.bus.Publish(events.TopicTask, events.TaskTransitionEvent{
				ID:        stored.ID,
				To:        task.StateQueued.String(),
				Actor:     "submitter",
				Timestamp: stored.CreatedAt,
			})
		}
	}

	tasks := make([]*task.Task, len(reqs))
	created := make([]bool, len(reqs))
	for i, req := range reqs {
		tasks[i] = results[req.ID]
		created[i] = createdBy[req.ID]
	}
	return tasks, created, nil
}

// Claim atomically assigns the next eligible task matching the filter to
// executorID. Returns (nil, nil) when nothing is eligible -- the caller
// decides its own poll/backoff policy. Claims are refused outright while
// the kill switch is active.
func (e *Engine) Claim(ctx context.Context, executorID string, f task.Filter) (*task.Task, error) {
	ks, err := e.store.KillSwitch(ctx)
	if err != nil {
		return nil, err
	}
	if ks.Active {
		return nil, fmt.Errorf("claim for %s: %w", executorID, task.ErrKillSwitchActive)
	}

	t, err := e.store.ClaimNext(ctx, executorID, f, e.LeaseDuration)
	if err != nil || t == nil {
		return nil, err
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicTask, events.TaskClaimedEvent{
			ID:         t.ID,
			ExecutorID: executorID,
			LeaseUntil: t.LeaseExpiresAt,
			Timestamp:  t.UpdatedAt,
		})
	}
	return t, nil
}

// Renew extends the caller's lease by the task type's full lease duration.
// Fails with task.ErrLeaseLost once ownership no longer matches.
func (e *Engine) Renew(ctx context.Context, taskID, executorID string) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return e.store.RenewLease(ctx, taskID, executorID, e.LeaseDuration(t.Type))
}

// Complete records a successful result and hands the task to review.
func (e *Engine) Complete(ctx context.Context, taskID, executorID, result string) (*task.Task, error) {
	t, err := e.store.CompleteTask(ctx, taskID, executorID, result)
	if err != nil {
		return nil, err
	}
	e.publishTransition(t, task.StateRunning, executorID, "completed execution")
	return t, nil
}

// Fail records an execution failure. The store requeues or escalates
// according to the retry budget and failure-signature history.
func (e *Engine) Fail(ctx context.Context, taskID, executorID, reason, signature string) (*task.Task, error) {
	t, err := e.store.FailTask(ctx, taskID, executorID, reason, signature)
	if err != nil {
		return nil, err
	}
	e.publishTransition(t, task.StateRunning, executorID, reason)
	return t, nil
}

func (e *Engine) publishTransition(t *task.Task, from task.State, actor, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicTask, events.TaskTransitionEvent{
		ID:        t.ID,
		From:      from.String(),
		To:        t.State.String(),
		Actor:     actor,
		Reason:    reason,
		Timestamp: t.UpdatedAt,
	})
}

// BoostAges promotes queued tasks that have aged past the boost thresholds.
func (e *Engine) BoostAges(ctx context.Context) (int, error) {
	return e.store.BoostAgedTasks(ctx,
		e.cfg.BoostP3After.D(), e.cfg.BoostP2After.D(), e.cfg.BoostP1After.D())
}

// RunBoost runs the age-boost sweep on its configured interval until ctx is
// cancelled.
func (e *Engine) RunBoost(ctx context.Context) {
	interval := e.cfg.BoostInterval.D()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.BoostAges(ctx)
			if err != nil {
				log.Printf("scheduler: boost sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("scheduler: boosted %d aged tasks", n)
			}
		}
	}
}
