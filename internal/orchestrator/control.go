package orchestrator

import (
	"context"

	"github.com/alderai/taskplane/internal/governor"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

// Status is the admin snapshot of the control plane.
type Status struct {
	States     map[task.State]int
	KillSwitch store.KillSwitchStatus
	Executors  []*task.ExecutorInfo
}

// Control is the administrative surface consumed by the CLI.
type Control struct {
	store *store.Store
	gov   *governor.Governor
}

// NewControl creates the admin surface.
func NewControl(st *store.Store, gov *governor.Governor) *Control {
	return &Control{store: st, gov: gov}
}

// Status reports task-state counts, kill-switch state, and executor liveness.
func (c *Control) Status(ctx context.Context) (*Status, error) {
	counts, err := c.store.StateCounts(ctx)
	if err != nil {
		return nil, err
	}
	ks, err := c.store.KillSwitch(ctx)
	if err != nil {
		return nil, err
	}
	execs, err := c.store.ListExecutors(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{States: counts, KillSwitch: ks, Executors: execs}, nil
}

// Pause activates the kill switch manually.
func (c *Control) Pause(ctx context.Context, reason, actor string) error {
	return c.gov.Pause(ctx, reason, actor)
}

// Resume clears the kill switch. Always manual, always audited.
func (c *Control) Resume(ctx context.Context, actor string) error {
	return c.gov.Resume(ctx, actor)
}

// ForceReclaim revokes a task's lease immediately, bypassing expiry.
func (c *Control) ForceReclaim(ctx context.Context, taskID, actor string) (*task.Task, error) {
	return c.store.ForceReclaim(ctx, taskID, actor)
}

// Cancel sets the cooperative cancel flag; the owner observes it at its
// next checkpoint.
func (c *Control) Cancel(ctx context.Context, taskID, actor string) error {
	return c.store.RequestCancel(ctx, taskID, actor)
}
