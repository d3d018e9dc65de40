// Package governor rate-limits spend with a hard kill switch and isolates
// failing downstream dependencies with per-dependency circuit breakers.
// Every externally-billed operation passes through here.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/events"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

// Governor enforces spend limits and breaker policy. Budget and kill-switch
// state live in the store so every process observes the same pause; the
// breakers run in-process for the allow/deny fast path and mirror each
// transition back to the store.
type Governor struct {
	store  *store.Store
	bus    *events.Bus
	budget config.BudgetConfig
	brkCfg config.BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// New creates a governor.
func New(st *store.Store, bus *events.Bus, budget config.BudgetConfig, brk config.BreakerConfig) *Governor {
	return &Governor{
		store:    st,
		bus:      bus,
		budget:   budget,
		brkCfg:   brk,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Record appends one spend event to the ledger and publishes the derived
// rates. Call before the billed operation; then CheckLimits.
func (g *Governor) Record(ctx context.Context, amount float64, dependency string) error {
	if err := g.store.RecordSpend(ctx, amount, dependency); err != nil {
		return err
	}
	if g.bus != nil {
		window, daily, err := g.totals(ctx)
		if err != nil {
			return err
		}
		g.bus.Publish(events.TopicBudget, events.BudgetSpendEvent{
			Dependency: dependency,
			Amount:     amount,
			WindowRate: window,
			DailyTotal: daily,
			Timestamp:  g.store.Now(),
		})
	}
	return nil
}

func (g *Governor) totals(ctx context.Context) (window, daily float64, err error) {
	now := g.store.Now()
	window, err = g.store.SpendSince(ctx, now.Add(-g.budget.Window.D()))
	if err != nil {
		return 0, 0, err
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daily, err = g.store.SpendSince(ctx, dayStart)
	if err != nil {
		return 0, 0, err
	}
	return window, daily, nil
}

// CheckLimits recomputes the rolling-window rate and daily total and trips
// the kill switch when either crosses its hard limit. Activation happens
// exactly once: re-checking while already active is a no-op, and the switch
// stays set until a manual clear regardless of subsequent rate drops.
func (g *Governor) CheckLimits(ctx context.Context) (store.KillSwitchStatus, error) {
	ks, err := g.store.KillSwitch(ctx)
	if err != nil {
		return ks, err
	}
	if ks.Active {
		return ks, nil
	}

	window, daily, err := g.totals(ctx)
	if err != nil {
		return ks, err
	}

	var reason string
	switch {
	case g.budget.HardRateLimit > 0 && window >= g.budget.HardRateLimit:
		reason = fmt.Sprintf("spend rate %.4f/%s reached hard limit %.4f",
			window, g.budget.Window.D(), g.budget.HardRateLimit)
	case g.budget.DailyCap > 0 && daily >= g.budget.DailyCap:
		reason = fmt.Sprintf("daily spend %.4f reached cap %.4f", daily, g.budget.DailyCap)
	}

	if reason == "" {
		if g.budget.SoftRateLimit > 0 && window >= g.budget.SoftRateLimit {
			log.Printf("governor: spend rate %.4f/%s over soft limit %.4f",
				window, g.budget.Window.D(), g.budget.SoftRateLimit)
		}
		return ks, nil
	}

	return g.activate(ctx, reason, "governor")
}

// activate trips the switch and broadcasts the cooperative pause. The audit
// record commits before the pause signal goes out.
func (g *Governor) activate(ctx context.Context, reason, actor string) (store.KillSwitchStatus, error) {
	activated, err := g.store.ActivateKillSwitch(ctx, reason, actor)
	if err != nil {
		return store.KillSwitchStatus{}, err
	}
	ks, err := g.store.KillSwitch(ctx)
	if err != nil {
		return ks, err
	}
	if !activated {
		return ks, nil
	}

	log.Printf("governor: KILL SWITCH ACTIVE: %s", reason)
	if g.bus != nil {
		now := g.store.Now()
		g.bus.Publish(events.TopicBudget, events.KillSwitchEvent{Active: true, Reason: reason, Timestamp: now})
		g.bus.Publish(events.TopicControl, events.PauseEvent{Reason: reason, Timestamp: now})
	}
	return ks, nil
}

// Paused reports whether billed work must stop. Executors consult this at
// safe suspension points, never mid-unit-of-work.
func (g *Governor) Paused(ctx context.Context) (bool, error) {
	ks, err := g.store.KillSwitch(ctx)
	if err != nil {
		return false, err
	}
	return ks.Active, nil
}

// Status answers the kill-switch status query.
func (g *Governor) Status(ctx context.Context) (store.KillSwitchStatus, error) {
	return g.store.KillSwitch(ctx)
}

// Pause is the manual administrative pause.
func (g *Governor) Pause(ctx context.Context, reason, actor string) error {
	_, err := g.activate(ctx, reason, actor)
	return err
}

// Resume is the manual, audited clear. The governor never clears the switch
// on its own.
func (g *Governor) Resume(ctx context.Context, actor string) error {
	if err := g.store.ClearKillSwitch(ctx, actor); err != nil {
		return err
	}
	if g.bus != nil {
		now := g.store.Now()
		g.bus.Publish(events.TopicBudget, events.KillSwitchEvent{Active: false, Timestamp: now})
		g.bus.Publish(events.TopicControl, events.ResumeEvent{Actor: actor, Timestamp: now})
	}
	return nil
}

// Done reports a probe outcome back to a breaker: Done(true) records a
// success, Done(false) a failure.
type Done func(success bool)

// Allow consults the dependency's circuit breaker. CLOSED always allows;
// OPEN denies until the cooldown elapses and then admits exactly one
// half-open probe. The caller must invoke the returned Done with the
// call's outcome.
func (g *Governor) Allow(dependency string) (Done, error) {
	done, err := g.breaker(dependency).Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("dependency %s: %w", dependency, task.ErrBreakerOpen)
		}
		return nil, err
	}
	return Done(done), nil
}

// BreakerState returns the live state of one dependency's breaker.
func (g *Governor) BreakerState(dependency string) gobreaker.State {
	return g.breaker(dependency).State()
}

// Spend runs one billed call against a dependency: pause check, breaker
// admission, the call itself, outcome report, ledger append, limit check.
func (g *Governor) Spend(ctx context.Context, dependency string, amount float64, fn func() error) error {
	paused, err := g.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return fmt.Errorf("spend on %s: %w", dependency, task.ErrKillSwitchActive)
	}

	done, err := g.Allow(dependency)
	if err != nil {
		return err
	}

	callErr := fn()
	done(breakerSuccess(callErr))

	if err := g.Record(ctx, amount, dependency); err != nil {
		return err
	}
	if _, err := g.CheckLimits(ctx); err != nil {
		return err
	}
	return callErr
}

// breakerSuccess decides whether a call outcome counts against the failure
// threshold. Caller cancellation is not a dependency failure.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// breaker returns the circuit breaker for the dependency, creating it on
// first use.
func (g *Governor) breaker(dependency string) *gobreaker.TwoStepCircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[dependency]; ok {
		return cb
	}

	threshold := g.brkCfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := g.brkCfg.Cooldown.D()
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        dependency,
		MaxRequests: 1, // exactly one probe in half-open
		Interval:    0, // don't clear counts automatically
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.onBreakerChange(name, from, to, cooldown)
		},
	})
	g.breakers[dependency] = cb
	return cb
}

// onBreakerChange mirrors a transition into the store so breaker history is
// globally visible, then logs and publishes it.
func (g *Governor) onBreakerChange(name string, from, to gobreaker.State, cooldown time.Duration) {
	log.Printf("governor: circuit breaker %q: %s -> %s", name, from, to)

	g.mu.Lock()
	cb := g.breakers[name]
	g.mu.Unlock()

	var failures int
	if cb != nil {
		failures = int(cb.Counts().ConsecutiveFailures)
	}

	rec := store.BreakerRecord{
		Dependency:          name,
		State:               to.String(),
		ConsecutiveFailures: failures,
		LastTransition:      g.store.Now(),
		Cooldown:            cooldown,
	}
	if err := g.store.SaveBreakerState(context.Background(), rec, from.String()); err != nil {
		log.Printf("governor: failed to persist breaker state for %q: %v", name, err)
	}

	if g.bus != nil {
		g.bus.Publish(events.TopicBreaker, events.BreakerEvent{
			Dependency: name,
			From:       from.String(),
			To:         to.String(),
			Timestamp:  g.store.Now(),
		})
	}
}
