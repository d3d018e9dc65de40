// Package heartbeat detects stalled executors and reclaims their work.
// The recovery sweep is the only path that moves a task out of RUNNING
// without an explicit completion signal from its owner.
package heartbeat

import (
	"context"
	"log"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/events"
	"github.com/alderai/taskplane/internal/store"
)

// Monitor runs the periodic recovery sweep. It is stateless over any call;
// everything it knows comes from the store, so multiple monitors may run
// without coordination -- the store's lease-guarded writes ensure a
// contested reclaim commits exactly once.
type Monitor struct {
	store *store.Store
	bus   *events.Bus
	cfg   config.HeartbeatConfig
}

// New creates a recovery monitor.
func New(st *store.Store, bus *events.Bus, cfg config.HeartbeatConfig) *Monitor {
	return &Monitor{store: st, bus: bus, cfg: cfg}
}

// Sweep performs one recovery pass: demote executors that stopped
// heartbeating, then reclaim every task whose lease expired or whose owner
// is dead. Idempotent -- a second sweep over the same stall finds nothing.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	stale, dead, err := m.store.MarkStaleExecutors(ctx, m.cfg.StaleAfter.D(), m.cfg.DeadAfter.D())
	if err != nil {
		return 0, err
	}
	if stale > 0 || dead > 0 {
		log.Printf("heartbeat: marked %d executors stale, %d dead", stale, dead)
	}

	reclaimed, err := m.store.ReclaimExpired(ctx, "heartbeat-monitor")
	if err != nil {
		return 0, err
	}

	for _, r := range reclaimed {
		if r.Escalated {
			log.Printf("heartbeat: escalated task %s after %d retries: %s",
				r.Task.ID, r.Task.RetryCount, r.Task.Reason)
		} else {
			log.Printf("heartbeat: requeued task %s (retry %d/%d)",
				r.Task.ID, r.Task.RetryCount, r.Task.MaxRetries)
		}
		if m.bus != nil {
			m.bus.Publish(events.TopicTask, events.TaskReclaimedEvent{
				ID:        r.Task.ID,
				Escalated: r.Escalated,
				Timestamp: r.Task.UpdatedAt,
			})
		}
	}
	return len(reclaimed), nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval.D()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("heartbeat: sweep failed: %v", err)
			}
		}
	}
}
