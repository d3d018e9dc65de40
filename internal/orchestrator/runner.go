package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/consensus"
	"github.com/alderai/taskplane/internal/governor"
	"github.com/alderai/taskplane/internal/scheduler"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

// Outcome is what one execution attempt produced.
type Outcome struct {
	Result string  // artifact handed to review; must be non-empty on success
	Cost   float64 // spend attributed to this attempt
}

// Executor performs the actual work of a claimed task. Implementations must
// honor ctx cancellation promptly; the runner cancels it when the lease is
// lost or a cooperative cancel arrives.
type Executor interface {
	ID() string
	Execute(ctx context.Context, t *task.Task) (Outcome, error)
}

// RunnerConfig wires one executor loop.
type RunnerConfig struct {
	Shard        string
	Filter       task.Filter
	Dependency   string          // downstream billed by executions, for breaker + ledger
	Voters       []consensus.Voter // review board; empty approves on artifact alone
	PollInterval time.Duration
	Heartbeat    time.Duration
	Retry        config.RetryConfig
}

// Runner claims tasks for a single executor and drives each one through
// execute, review, and completion. It holds no task state of its own; a
// crashed runner's work is recovered from the store by the heartbeat
// monitor.
type Runner struct {
	exec    Executor
	sched   *scheduler.Engine
	store   *store.Store
	gov     *governor.Governor
	machine *Machine
	votes   *consensus.Engine
	cfg     RunnerConfig
}

// NewRunner creates a runner.
func NewRunner(exec Executor, sched *scheduler.Engine, st *store.Store, gov *governor.Governor,
	machine *Machine, votes *consensus.Engine, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Runner{exec: exec, sched: sched, store: st, gov: gov, machine: machine, votes: votes, cfg: cfg}
}

// Run is the executor loop: heartbeat, pause checkpoint, claim, handle.
// It returns when ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("runner %s: starting (shard=%q)", r.exec.ID(), r.cfg.Shard)

	hb := time.NewTicker(r.cfg.Heartbeat)
	defer hb.Stop()
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	r.heartbeat(ctx, false)
	for {
		select {
		case <-ctx.Done():
			log.Printf("runner %s: shutting down", r.exec.ID())
			return ctx.Err()
		case <-hb.C:
			r.heartbeat(ctx, false)
		case <-poll.C:
			if err := r.tick(ctx); err != nil && ctx.Err() == nil {
				log.Printf("runner %s: %v", r.exec.ID(), err)
			}
		}
	}
}

// tick is one claim attempt. The pause checkpoint runs before claiming:
// a paused control plane claims nothing, and whatever is already running
// elsewhere finishes its unit of work.
func (r *Runner) tick(ctx context.Context) error {
	if r.gov != nil {
		paused, err := r.gov.Paused(ctx)
		if err != nil {
			return err
		}
		if paused {
			return nil
		}
	}
	if r.machine != nil {
		exceeded, err := r.machine.RejectionRateExceeded(ctx)
		if err != nil {
			return err
		}
		if exceeded {
			return nil
		}
	}

	t, err := r.sched.Claim(ctx, r.exec.ID(), r.cfg.Filter)
	if err != nil {
		if errors.Is(err, task.ErrKillSwitchActive) {
			return nil
		}
		return err
	}
	if t == nil {
		return nil
	}

	r.heartbeat(ctx, true)
	defer r.heartbeat(ctx, false)
	return r.handle(ctx, t)
}

// handle drives one claimed task to a terminal-or-parked state.
func (r *Runner) handle(ctx context.Context, t *task.Task) error {
	log.Printf("runner %s: claimed %s (type=%s priority=%s retry=%d)",
		r.exec.ID(), t.ID, t.Type, t.Priority, t.RetryCount)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go r.renewLoop(execCtx, t, cancel, renewDone)

	outcome, execErr := r.execute(execCtx, t)
	cancel()
	<-renewDone

	// A cooperative cancel observed during execution wins over the outcome.
	if cancelled, err := r.store.CancelRequested(ctx, t.ID); err == nil && cancelled {
		_, err := r.machine.Transition(ctx, t.ID, r.exec.ID(), task.StateCancelled, "cancel requested")
		return err
	}

	if execErr != nil {
		return r.failed(ctx, t, execErr)
	}
	return r.review(ctx, t, outcome)
}

// renewLoop keeps the lease alive while execution runs. Losing the lease
// cancels execution: another executor may already own the task, and two
// owners must never both report results.
func (r *Runner) renewLoop(ctx context.Context, t *task.Task, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	interval := r.sched.LeaseDuration(t.Type) / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sched.Renew(ctx, t.ID, r.exec.ID()); err != nil {
				if errors.Is(err, task.ErrLeaseLost) {
					log.Printf("runner %s: lease lost on %s, abandoning", r.exec.ID(), t.ID)
					cancel()
					return
				}
				if ctx.Err() == nil {
					log.Printf("runner %s: lease renewal for %s: %v", r.exec.ID(), t.ID, err)
				}
			}
		}
	}
}

// execute runs the executor under the retry policy, with each attempt
// admitted by the dependency's circuit breaker and billed to the ledger.
// Breaker-open and context cancellation stop retrying immediately.
func (r *Runner) execute(ctx context.Context, t *task.Task) (Outcome, error) {
	var outcome Outcome

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var done governor.Done
		if r.gov != nil && r.cfg.Dependency != "" {
			var err error
			done, err = r.gov.Allow(r.cfg.Dependency)
			if err != nil {
				// Circuit is open, this task can wait out the cooldown.
				return backoff.Permanent(err)
			}
		}

		result, err := r.exec.Execute(ctx, t)
		if done != nil {
			done(err == nil || errors.Is(err, context.Canceled))
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			if task.Classify(err) == task.ClassTerminal {
				return backoff.Permanent(err)
			}
			return err
		}

		outcome = result
		if r.gov != nil && outcome.Cost > 0 && r.cfg.Dependency != "" {
			if rerr := r.gov.Record(ctx, outcome.Cost, r.cfg.Dependency); rerr != nil {
				log.Printf("runner %s: recording spend for %s: %v", r.exec.ID(), t.ID, rerr)
			} else if _, rerr := r.gov.CheckLimits(ctx); rerr != nil {
				log.Printf("runner %s: checking limits: %v", r.exec.ID(), rerr)
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if d := r.cfg.Retry.InitialInterval.D(); d > 0 {
		policy.InitialInterval = d
	}
	if d := r.cfg.Retry.MaxInterval.D(); d > 0 {
		policy.MaxInterval = d
	}
	if d := r.cfg.Retry.MaxElapsedTime.D(); d > 0 {
		policy.MaxElapsedTime = d
	}
	if r.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = r.cfg.Retry.Multiplier
	}
	if r.cfg.Retry.RandomizationFactor > 0 {
		policy.RandomizationFactor = r.cfg.Retry.RandomizationFactor
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return outcome, err
}

// failed reports a failed execution back through the scheduler, which
// requeues or escalates per the retry budget.
func (r *Runner) failed(ctx context.Context, t *task.Task, execErr error) error {
	sig := failureSignature(execErr)
	log.Printf("runner %s: task %s failed (%s): %v", r.exec.ID(), t.ID, sig, execErr)
	_, err := r.sched.Fail(ctx, t.ID, r.exec.ID(), execErr.Error(), sig)
	if errors.Is(err, task.ErrLeaseLost) || errors.Is(err, task.ErrVersionConflict) {
		// Someone else already moved the task; the store's copy wins.
		return nil
	}
	return err
}

// review completes execution into REVIEW and runs the review gate: the
// consensus board when voters are configured, the artifact check otherwise.
func (r *Runner) review(ctx context.Context, t *task.Task, outcome Outcome) error {
	if _, err := r.sched.Complete(ctx, t.ID, r.exec.ID(), outcome.Result); err != nil {
		if errors.Is(err, task.ErrLeaseLost) || errors.Is(err, task.ErrVersionConflict) {
			return nil
		}
		return err
	}

	if r.votes == nil || len(r.cfg.Voters) == 0 {
		_, err := r.machine.Approve(ctx, t.ID, r.exec.ID())
		return err
	}

	res, err := r.votes.RequestVotes(ctx, consensus.Subject{
		TaskID:      t.ID,
		Title:       fmt.Sprintf("review of %s (%s)", t.ID, t.Type),
		Category:    t.Type,
		Implementer: r.exec.ID(),
		Artifact:    outcome.Result,
	}, r.cfg.Voters)
	if err != nil {
		return err
	}

	switch decisionToState(res.Decision) {
	case task.StateApproved:
		_, err = r.machine.Approve(ctx, t.ID, "consensus")
	case task.StateRejected:
		_, err = r.machine.Reject(ctx, t.ID, "consensus", rejectionFeedback(res), rejectionSignature(res))
	default:
		_, err = r.machine.Transition(ctx, t.ID, "consensus", task.StateEscalated, res.Detail)
	}
	return err
}

// rejectionFeedback assembles the reviewers' rationale into the structured
// feedback attached to the requeued task.
func rejectionFeedback(res *consensus.Result) string {
	for _, b := range res.Ballots {
		if (b.Decision == consensus.VoteReject || b.Decision == consensus.VoteRequestChanges) && b.Rationale != "" {
			return b.Rationale
		}
	}
	return res.Detail
}

// rejectionSignature derives the loop-detection signature from which voters
// rejected; the same reviewers rejecting the same way repeatedly is the
// loop the escalation rule exists to break.
func rejectionSignature(res *consensus.Result) string {
	sig := ""
	for _, b := range res.Ballots {
		if b.Decision == consensus.VoteReject || b.Decision == consensus.VoteRequestChanges {
			sig += b.Voter + ";"
		}
	}
	return sig
}

// failureSignature reduces an error to a stable signature for the identical
// failure loop detector.
func failureSignature(err error) string {
	s := err.Error()
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func (r *Runner) heartbeat(ctx context.Context, busy bool) {
	if err := r.store.Heartbeat(ctx, r.exec.ID(), r.cfg.Shard, busy); err != nil && ctx.Err() == nil {
		log.Printf("runner %s: heartbeat: %v", r.exec.ID(), err)
	}
}
