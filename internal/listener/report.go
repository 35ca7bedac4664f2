package listener

import (
	"context"

	"github.com/ChuLiYu/searchq/internal/coordinator"
	"github.com/ChuLiYu/searchq/internal/report"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// StatsFunc supplies the per-state point counts recorded in the report.
type StatsFunc func(ctx context.Context) (types.TaskStats, error)

// Report writes the final solution to disk when the run stops.
type Report struct {
	manager *report.Manager
	task    string
	taskID  types.TaskID
	stats   StatsFunc
}

var _ coordinator.Listener = (*Report)(nil)

// NewReport returns a Report listener. stats may be nil.
func NewReport(m *report.Manager, task string, taskID types.TaskID, stats StatsFunc) *Report {
	return &Report{manager: m, task: task, taskID: taskID, stats: stats}
}

func (r *Report) BeforeMethodStart(context.Context, coordinator.Method) {}

func (r *Report) OnEndIteration(context.Context, []*types.Point, types.Solution) {}

func (r *Report) OnMethodStop(ctx context.Context, sol types.Solution, status coordinator.StopStatus) {
	rep := report.Report{
		Task:     r.task,
		TaskID:   r.taskID,
		Status:   string(status),
		Solution: sol,
	}
	if r.stats != nil {
		if st, err := r.stats(ctx); err == nil {
			rep.Stats = &st
		} else {
			log.Warn("report: task stats unavailable", "task", r.task, "error", err)
		}
	}
	if err := r.manager.Write(rep); err != nil {
		log.Error("report: write failed", "path", r.manager.Path(), "error", err)
		return
	}
	log.Info("report written", "path", r.manager.Path(), "status", rep.Status)
}
