package listener

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/searchq/internal/coordinator"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// Log writes one structured line per iteration and one at stop.
type Log struct {
	logger *slog.Logger
	task   string
}

var _ coordinator.Listener = (*Log)(nil)

// NewLog returns a Log listener. A nil logger means slog.Default().
func NewLog(logger *slog.Logger, task string) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("task", task), task: task}
}

func (l *Log) BeforeMethodStart(ctx context.Context, m coordinator.Method) {
	l.logger.InfoContext(ctx, "search started")
}

func (l *Log) OnEndIteration(ctx context.Context, trials []*types.Point, sol types.Solution) {
	attrs := []any{"trials", len(trials), "iterations", sol.Iterations}
	if sol.BestPoint != nil {
		attrs = append(attrs, "best_z", sol.BestPoint.Z, "best_x", sol.BestPoint.FloatVariables)
	}
	l.logger.DebugContext(ctx, "iteration finished", attrs...)
}

func (l *Log) OnMethodStop(ctx context.Context, sol types.Solution, status coordinator.StopStatus) {
	attrs := []any{"status", string(status), "iterations", sol.Iterations, "trials", sol.Trials, "elapsed", sol.Elapsed}
	if sol.BestPoint != nil {
		attrs = append(attrs, "best_z", sol.BestPoint.Z, "best_x", sol.BestPoint.FloatVariables)
	}
	if status == coordinator.StopError {
		l.logger.WarnContext(ctx, "search stopped", attrs...)
		return
	}
	l.logger.InfoContext(ctx, "search stopped", attrs...)
}
