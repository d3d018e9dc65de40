// Command taskplane runs the task control plane and its admin verbs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/events"
	"github.com/alderai/taskplane/internal/governor"
	"github.com/alderai/taskplane/internal/heartbeat"
	"github.com/alderai/taskplane/internal/orchestrator"
	"github.com/alderai/taskplane/internal/scheduler"
	"github.com/alderai/taskplane/internal/store"
	"github.com/alderai/taskplane/internal/task"
)

const usage = `Usage: taskplane <command> [flags]

Commands:
  serve     run the control plane background loops
  add       submit a task
  list      list tasks
  next      show the next claimable task
  stats     show task counts by state
  status    show kill-switch and executor status
  pause     activate the kill switch
  resume    clear the kill switch
  reclaim   force-reclaim a task's lease
  cancel    request cooperative cancellation of a task
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fatal(err)
	}

	if err := run(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "taskplane: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return err
	}

	sched := scheduler.New(st, bus, cfg.Scheduler, profiles)
	gov := governor.New(st, bus, cfg.Budget, cfg.Breaker)
	ctl := orchestrator.NewControl(st, gov)

	switch cmd {
	case "serve":
		return serve(ctx, cfg, st, bus, sched)
	case "add":
		return addCmd(ctx, sched, args)
	case "list":
		return listCmd(ctx, st, args)
	case "next":
		return nextCmd(ctx, st)
	case "stats":
		return statsCmd(ctx, ctl)
	case "status":
		return statusCmd(ctx, ctl)
	case "pause":
		return pauseCmd(ctx, ctl, args)
	case "resume":
		return ctl.Resume(ctx, "cli")
	case "reclaim":
		return reclaimCmd(ctx, ctl, args)
	case "cancel":
		return cancelCmd(ctx, ctl, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// serve runs the background loops: heartbeat sweeps and priority aging.
// Executors attach as separate processes through the same database.
func serve(ctx context.Context, cfg *config.Config, st *store.Store, bus *events.Bus,
	sched *scheduler.Engine) error {
	monitor := heartbeat.New(st, bus, cfg.Heartbeat)

	go monitor.Run(ctx)
	go sched.RunBoost(ctx)

	fmt.Printf("taskplane: serving on %s\n", cfg.DBPath)
	<-ctx.Done()
	fmt.Println("taskplane: shutting down")
	return nil
}

func addCmd(ctx context.Context, sched *scheduler.Engine, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	id := fs.String("id", "", "task id (required)")
	typ := fs.String("type", "default", "task type")
	prio := fs.String("priority", "P2", "priority (P0..P3)")
	shard := fs.String("shard", "", "shard key")
	payload := fs.String("payload", "{}", "JSON payload")
	deps := fs.String("deps", "", "comma-separated dependency ids")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("add: -id is required")
	}
	p, err := task.ParsePriority(*prio)
	if err != nil {
		return err
	}

	var dependsOn []string
	if *deps != "" {
		dependsOn = strings.Split(*deps, ",")
	}

	t, created, err := sched.Submit(ctx, scheduler.SubmitRequest{
		ID:        *id,
		Type:      *typ,
		Priority:  p,
		Payload:   []byte(*payload),
		Shard:     *shard,
		DependsOn: dependsOn,
	})
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("task %s already exists\n", t.ID)
		return nil
	}
	fmt.Printf("added %s (%s, %s)\n", t.ID, t.Type, t.Priority)
	return nil
}

func listCmd(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	stateName := fs.String("state", "", "filter by state name")
	typ := fs.String("type", "", "filter by type")
	shard := fs.String("shard", "", "filter by shard")
	limit := fs.Int("limit", 50, "maximum rows")
	fs.Parse(args)

	q := store.Query{Type: *typ, Shard: *shard, Limit: *limit}
	if *stateName != "" {
		s, err := parseState(*stateName)
		if err != nil {
			return err
		}
		q.State = &s
	}

	tasks, err := st.QueryTasks(ctx, q)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATE\tPHASE\tOWNER\tRETRY\tAGE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, t.Type, t.Priority, t.State, t.Phase, t.Owner,
			t.RetryCount, t.MaxRetries, time.Since(t.CreatedAt).Round(time.Second))
	}
	return w.Flush()
}

func nextCmd(ctx context.Context, st *store.Store) error {
	queued := task.StateQueued
	tasks, err := st.QueryTasks(ctx, store.Query{State: &queued, Limit: 1})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("queue empty")
		return nil
	}
	t := tasks[0]
	fmt.Printf("%s  %s  %s  created %s\n", t.ID, t.Type, t.Priority, t.CreatedAt.Format(time.RFC3339))
	return nil
}

func statsCmd(ctx context.Context, ctl *orchestrator.Control) error {
	status, err := ctl.Status(ctx)
	if err != nil {
		return err
	}

	states := make([]task.State, 0, len(status.States))
	for s := range status.States {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%d\n", s, status.States[s])
	}
	return w.Flush()
}

func statusCmd(ctx context.Context, ctl *orchestrator.Control) error {
	status, err := ctl.Status(ctx)
	if err != nil {
		return err
	}

	if status.KillSwitch.Active {
		fmt.Printf("kill switch: ACTIVE since %s (%s)\n",
			status.KillSwitch.ActivatedAt.Format(time.RFC3339), status.KillSwitch.Reason)
	} else {
		fmt.Println("kill switch: inactive")
	}

	if len(status.Executors) == 0 {
		fmt.Println("no executors registered")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTOR\tSTATUS\tSHARD\tLAST HEARTBEAT")
	for _, e := range status.Executors {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Status, e.Shard,
			time.Since(e.LastHeartbeat).Round(time.Second))
	}
	return w.Flush()
}

func pauseCmd(ctx context.Context, ctl *orchestrator.Control, args []string) error {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	reason := fs.String("reason", "manual pause", "reason recorded in the audit log")
	fs.Parse(args)
	return ctl.Pause(ctx, *reason, "cli")
}

func reclaimCmd(ctx context.Context, ctl *orchestrator.Control, args []string) error {
	fs := flag.NewFlagSet("reclaim", flag.ExitOnError)
	id := fs.String("id", "", "task id (required)")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("reclaim: -id is required")
	}
	t, err := ctl.ForceReclaim(ctx, *id, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("reclaimed %s -> %s\n", t.ID, t.State)
	return nil
}

func cancelCmd(ctx context.Context, ctl *orchestrator.Control, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("id", "", "task id (required)")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("cancel: -id is required")
	}
	if err := ctl.Cancel(ctx, *id, "cli"); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s\n", *id)
	return nil
}

func parseState(s string) (task.State, error) {
	for st := task.StateQueued; st <= task.StateCancelled; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", s)
}
