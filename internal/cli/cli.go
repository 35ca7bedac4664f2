// ============================================================================
// searchq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the coordinator, the workers and the
//          operator tools.
//
// Command Structure:
//   searchq                        # Root command
//   ├── coordinator                # Own the task and drive the search
//   │   └── --local-workers N      # Also run N workers in this process
//   ├── worker                     # Attach to the task and evaluate points
//   ├── status                     # Task state and per-state point counts
//   ├── admin                      # Admin gRPC client
//   │   ├── status <task>
//   │   ├── requeue <task>
//   │   └── delete <task>
//   ├── --config, -c               # Config file (default: configs/searchq.yaml)
//   └── --log-level                # debug | info | warn | error
//
// Processes never talk to each other. Coordinator and workers share only the
// store named in store{driver,dsn}; the memory driver therefore only works
// with --local-workers.
//
// Signal Handling:
//   SIGINT and SIGTERM cancel the run context. A cancelled coordinator marks
//   the task ERROR so that every worker exits.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/searchq/internal/client"
	"github.com/ChuLiYu/searchq/internal/config"
	"github.com/ChuLiYu/searchq/internal/coordinator"
	"github.com/ChuLiYu/searchq/internal/listener"
	"github.com/ChuLiYu/searchq/internal/metrics"
	"github.com/ChuLiYu/searchq/internal/problems"
	"github.com/ChuLiYu/searchq/internal/report"
	"github.com/ChuLiYu/searchq/internal/search"
	"github.com/ChuLiYu/searchq/internal/server"
	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/internal/store/memstore"
	"github.com/ChuLiYu/searchq/internal/store/sqlstore"
	"github.com/ChuLiYu/searchq/internal/worker"
)

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "searchq",
		Short: "searchq: a store-coordinated queue for distributed global search",
		Long: `searchq runs a global optimization search across many processes.
The coordinator generates trial points, workers evaluate them, and the
only thing they share is a relational store.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildCoordinatorCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAdminCommand())

	return rootCmd
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// setupLogging keeps the default slog handler, which package loggers
// captured at init, and only moves its level and output.
func setupLogging(w io.Writer, level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	log.SetOutput(w)
	slog.SetLogLoggerLevel(lvl)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openStore opens the backend named by the config.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case config.DriverPostgres:
		return sqlstore.OpenPostgres(ctx, sc.DSN)
	case config.DriverSQLite:
		return sqlstore.OpenSQLite(ctx, sc.DSN)
	case config.DriverMemory:
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

// stack is what every long-running command shares.
type stack struct {
	cfg       *config.Config
	store     store.Store
	problem   problems.Problem
	registry  *prometheus.Registry
	collector *metrics.Collector
	closers   []io.Closer
}

func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	p, err := problems.Lookup(cfg.Search.Problem)
	if err != nil {
		return nil, err
	}
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &stack{
		cfg:       cfg,
		store:     s,
		problem:   p,
		registry:  reg,
		collector: metrics.NewCollector(reg),
		closers:   []io.Closer{s},
	}, nil
}

func (rt *stack) Close() error {
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i].Close())
	}
	return err
}

// serveSideServices starts the metrics endpoint and the admin service when
// configured. Both stop with ctx.
func (rt *stack) serveSideServices(ctx context.Context, g *errgroup.Group, admin bool) error {
	if rt.cfg.Metrics.Enabled {
		addr := rt.cfg.Metrics.Addr()
		g.Go(func() error { return metrics.Serve(ctx, addr, rt.registry) })
	}
	if admin && rt.cfg.Admin.Listen != "" {
		lis, err := net.Listen("tcp", rt.cfg.Admin.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", rt.cfg.Admin.Listen, err)
		}
		g.Go(func() error { return server.Serve(ctx, lis, rt.store) })
	}
	return nil
}

func (rt *stack) openClient(ctx context.Context, owner bool) (*client.Client, error) {
	return client.Open(ctx, rt.store, client.Options{
		TaskName:       rt.cfg.Task.Name,
		Owner:          owner,
		LookupAttempts: rt.cfg.Task.LookupAttempts,
		LookupDelay:    rt.cfg.Task.LookupDelay,
		Metrics:        rt.collector,
	})
}

func (rt *stack) newPool(c *client.Client, n int) *worker.Pool {
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		id := worker.NewID()
		workers = append(workers, worker.New(c.WithWorker(id), rt.problem.Evaluator(), worker.Config{
			ID:          id,
			IdleWait:    rt.cfg.Worker.IdleWait,
			MaxIdleWait: rt.cfg.Worker.MaxIdleWait,
			Metrics:     rt.collector,
		}))
	}
	return worker.NewPool(workers...)
}

func (rt *stack) listeners(c *client.Client) ([]coordinator.Listener, error) {
	ls := []coordinator.Listener{listener.NewLog(nil, c.TaskName())}
	if rt.cfg.MQTT.Enabled {
		clientID := rt.cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "searchq-" + c.TaskName()
		}
		pub, err := listener.DialPaho(rt.cfg.MQTT.Broker, clientID)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pub)
		ls = append(ls, listener.NewMQTT(pub, rt.cfg.MQTT.TopicPrefix, c.TaskName()))
	}
	if rt.cfg.Report.Path != "" {
		ls = append(ls, listener.NewReport(report.NewManager(rt.cfg.Report.Path), c.TaskName(), c.TaskID(), c.Stats))
	}
	return ls, nil
}

func (rt *stack) newMethod() (*search.Method, error) {
	return search.New(search.Config{
		Lower:        rt.problem.Lower,
		Upper:        rt.problem.Upper,
		R:            rt.cfg.Search.R,
		Eps:          rt.cfg.Search.Eps,
		ItersLimit:   rt.cfg.Search.ItersLimit,
		Seed:         rt.cfg.Coordinator.Seed,
		SeedPoints:   rt.cfg.Search.SeedPoints,
		Local:        rt.problem.Evaluator(),
		PollInterval: rt.cfg.Coordinator.PollInterval,
	})
}

// ============================================================================
// coordinator
// ============================================================================

func buildCoordinatorCommand() *cobra.Command {
	var localWorkers int

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start the coordinator of a search task",
		Long: `Register (or attach to) the configured task, keep parallel_points
trial points in flight, and fold the evaluated ones back into the search
until the stop condition holds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runCoordinator(ctx, cmd.OutOrStdout(), cfg, localWorkers)
		},
	}

	cmd.Flags().IntVar(&localWorkers, "local-workers", 0, "run this many workers in the coordinator process")
	return cmd
}

func runCoordinator(ctx context.Context, out io.Writer, cfg *config.Config, localWorkers int) (err error) {
	if cfg.Store.Driver == config.DriverMemory && localWorkers < 1 {
		return errors.New("the memory store needs --local-workers, no other process can reach it")
	}

	rt, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	c, err := rt.openClient(ctx, cfg.Task.IsOwner())
	if err != nil {
		return err
	}
	method, err := rt.newMethod()
	if err != nil {
		return err
	}
	ls, err := rt.listeners(c)
	if err != nil {
		return err
	}
	coord, err := coordinator.New(c, method, coordinator.Config{
		ParallelPoints: cfg.Coordinator.ParallelPoints,
		PollInterval:   cfg.Coordinator.PollInterval,
		Metrics:        rt.collector,
	}, ls...)
	if err != nil {
		return err
	}

	sideCtx, stopSide := context.WithCancel(ctx)
	g, sideCtx := errgroup.WithContext(sideCtx)
	if err := rt.serveSideServices(sideCtx, g, true); err != nil {
		stopSide()
		return err
	}

	// A failing local pool ends the run; the coordinator then records ERROR.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if localWorkers > 0 {
		pool := rt.newPool(c, localWorkers)
		g.Go(func() error {
			err := pool.Run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				cancelRun()
				return err
			}
			return nil
		})
	}

	outcome, runErr := coord.Run(runCtx)
	stopSide()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		runErr = multierr.Append(runErr, werr)
	}

	printOutcome(out, c.TaskName(), outcome)
	if runErr != nil {
		return runErr
	}
	if outcome.Status == coordinator.StopError && !outcome.IsCancelled() {
		return fmt.Errorf("search failed: %w", outcome.Err)
	}
	return nil
}

func printOutcome(w io.Writer, task string, o coordinator.Outcome) {
	fmt.Fprintf(w, "task %s stopped: %s\n", task, o.Status)
	if o.Err != nil {
		fmt.Fprintf(w, "  error:      %v\n", o.Err)
	}
	fmt.Fprintf(w, "  iterations: %d\n", o.Solution.Iterations)
	fmt.Fprintf(w, "  trials:     %d\n", o.Solution.Trials)
	fmt.Fprintf(w, "  elapsed:    %s\n", o.Solution.Elapsed)
	if bp := o.Solution.BestPoint; bp != nil && len(bp.FunctionValues) > 0 {
		fmt.Fprintf(w, "  best x:     %v\n", bp.FloatVariables)
		fmt.Fprintf(w, "  best value: %.6f\n", bp.FunctionValues[0].Value)
	}
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start workers that evaluate trial points",
		Long: `Attach to the configured task and run worker loops until the task
leaves the SOLVING state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if count > 0 {
				cfg.Worker.Count = count
			}
			if cfg.Store.Driver == config.DriverMemory {
				return errors.New("the memory store is process local, use coordinator --local-workers")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorkers(ctx, cfg)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "worker loops to run (overrides worker.count)")
	return cmd
}

func runWorkers(ctx context.Context, cfg *config.Config) (err error) {
	rt, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	c, err := rt.openClient(ctx, false)
	if err != nil {
		return err
	}

	sideCtx, stopSide := context.WithCancel(ctx)
	g, sideCtx := errgroup.WithContext(sideCtx)
	if err := rt.serveSideServices(sideCtx, g, false); err != nil {
		stopSide()
		return err
	}

	pool := rt.newPool(c, cfg.Worker.Count)
	slog.Info("workers started", "task", c.TaskName(), "task_id", c.TaskID(), "count", pool.Size())
	runErr := pool.Run(ctx)
	stopSide()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		runErr = multierr.Append(runErr, werr)
	}
	slog.Info("workers stopped", "task", c.TaskName(), "processed", pool.Processed())
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task status",
		Long:  "Display the task state, per-state point counts and the last report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *config.Config) (err error) {
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { err = multierr.Append(err, s.Close()) }()

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, " searchq status: %s\n", cfg.Task.Name)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "  ├─ Config File:  %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Store:        %s\n", cfg.Store.Driver)
	fmt.Fprintf(w, "  └─ Problem:      %s\n", cfg.Search.Problem)
	fmt.Fprintln(w)

	id, err := s.FindTask(ctx, cfg.Task.Name)
	if errors.Is(err, store.ErrTaskNotFound) {
		fmt.Fprintln(w, "  task not registered")
		return nil
	}
	if err != nil {
		return err
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	stats, err := s.TaskStats(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Task %d: %s\n", task.ID, task.State)
	fmt.Fprintf(w, "  ├─ Waiting:      %d\n", stats.Waiting)
	fmt.Fprintf(w, "  ├─ Calculating:  %d\n", stats.Calculating)
	fmt.Fprintf(w, "  ├─ Calculated:   %d\n", stats.Calculated)
	fmt.Fprintf(w, "  ├─ Complete:     %d\n", stats.Complete)
	fmt.Fprintf(w, "  └─ Total:        %d\n", stats.Total())

	if cfg.Report.Path != "" {
		rep, err := report.NewManager(cfg.Report.Path).Load()
		switch {
		case errors.Is(err, report.ErrReportNotFound):
		case err != nil:
			fmt.Fprintf(w, "\nReport: unreadable (%v)\n", err)
		default:
			fmt.Fprintf(w, "\nReport (%s, %s):\n", rep.Status, rep.WrittenAt.Format("2006-01-02 15:04:05"))
			if bp := rep.Solution.BestPoint; bp != nil && len(bp.FunctionValues) > 0 {
				fmt.Fprintf(w, "  └─ Best: %.6f at %v\n", bp.FunctionValues[0].Value, bp.FloatVariables)
			}
		}
	}
	return nil
}
