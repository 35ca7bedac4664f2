package main

// ============================================================================
// searchq demo: one coordinator and N workers in a single process
// ============================================================================
//
// The coordinator and every worker open their own client on a shared SQLite
// file, exactly as separate processes would. Without cgo the demo falls back
// to the in-memory store.
//
// Usage:
//   go run ./cmd/demo --problem rastrigin --workers 6 --parallel 6
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/searchq/internal/client"
	"github.com/ChuLiYu/searchq/internal/coordinator"
	"github.com/ChuLiYu/searchq/internal/listener"
	"github.com/ChuLiYu/searchq/internal/problems"
	"github.com/ChuLiYu/searchq/internal/search"
	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/internal/store/memstore"
	"github.com/ChuLiYu/searchq/internal/store/sqlstore"
	"github.com/ChuLiYu/searchq/internal/worker"
)

type options struct {
	problem  string
	workers  int
	parallel int
	iters    int
	dir      string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "demo",
		Short:        "Run a coordinator and workers against one store in-process",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.problem, "problem", "sinsum", fmt.Sprintf("objective, one of %v", problems.Names()))
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "worker loops")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 4, "points in flight")
	cmd.Flags().IntVar(&opts.iters, "iters", 150, "iteration limit")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "directory of the SQLite file (default: a temp dir)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDemoStore(ctx context.Context, dir string) (store.Store, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "searchq-demo-")
		if err != nil {
			return nil, err
		}
		dir = tmp
	}
	s, err := sqlstore.OpenSQLite(ctx, filepath.Join(dir, "demo.db"))
	if errors.Is(err, sqlstore.ErrSQLiteUnavailable) {
		slog.Warn("sqlite unavailable, using the in-memory store")
		return memstore.New(), nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("store opened", "path", filepath.Join(dir, "demo.db"))
	return s, nil
}

func run(ctx context.Context, opts options) error {
	p, err := problems.Lookup(opts.problem)
	if err != nil {
		return err
	}
	s, err := openDemoStore(ctx, opts.dir)
	if err != nil {
		return err
	}
	defer s.Close()

	taskName := fmt.Sprintf("demo-%s-%d", p.Name, time.Now().Unix())
	owner, err := client.Open(ctx, s, client.Options{TaskName: taskName, Owner: true})
	if err != nil {
		return err
	}

	method, err := search.New(search.Config{
		Lower: p.Lower, Upper: p.Upper,
		ItersLimit: opts.iters,
		Seed:       search.SeedStore,
	})
	if err != nil {
		return err
	}
	coord, err := coordinator.New(owner, method,
		coordinator.Config{ParallelPoints: opts.parallel},
		listener.NewLog(nil, taskName))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.workers; i++ {
		g.Go(func() error {
			c, err := client.Open(gctx, s, client.Options{TaskName: taskName, WorkerID: worker.NewID()})
			if err != nil {
				return err
			}
			return worker.New(c, p.Evaluator(), worker.Config{ID: c.WorkerID()}).Run(gctx)
		})
	}

	outcome, err := coord.Run(ctx)
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		slog.Error("worker failed", "error", werr)
	}
	if err != nil {
		return err
	}

	fmt.Printf("\n%s: %s after %d iterations, %d trials, %s\n",
		taskName, outcome.Status, outcome.Solution.Iterations, outcome.Solution.Trials, outcome.Solution.Elapsed)
	if bp := outcome.Solution.BestPoint; bp != nil && len(bp.FunctionValues) > 0 {
		fmt.Printf("best f(%.6f) = %.6f   known optimum f(%.6f) = %.6f\n",
			bp.FloatVariables[0], bp.FunctionValues[0].Value, p.Minimizer, p.Minimum)
	}
	if outcome.Err != nil {
		return outcome.Err
	}
	return nil
}
