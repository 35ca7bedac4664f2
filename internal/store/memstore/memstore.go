// ============================================================================
// searchq Memory Store - in-process state machine
// ============================================================================
//
// Package: internal/store/memstore
// File: memstore.go
// Purpose: store.Store kept entirely in memory, for single-process runs
//          (demo, tests). Multiple goroutines may act as coordinator and
//          workers against one instance.
//
// Design:
//   points map - single source of truth, Point.State marks the lifecycle
//   waiting    - per-task FIFO of WAITING point ids, gives claim order
//
//   Both are updated under one mutex, so every method is atomic the same
//   way a committed transaction is.
//
// ============================================================================

package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/pkg/types"
)

type taskRecord struct {
	task    types.Task
	waiting []types.PointID
	points  map[types.PointID]struct{}
}

// Store is an in-memory store.Store.
type Store struct {
	mu        sync.Mutex
	tasks     map[types.TaskID]*taskRecord
	names     map[string]types.TaskID
	points    map[types.PointID]*types.Point
	nextTask  types.TaskID
	nextPoint types.PointID
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:  make(map[types.TaskID]*taskRecord),
		names:  make(map[string]types.TaskID),
		points: make(map[types.PointID]*types.Point),
	}
}

func (s *Store) CreateTask(ctx context.Context, name string) (types.TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.names[name]; exists {
		return 0, store.ErrTaskExists
	}
	s.nextTask++
	id := s.nextTask
	s.tasks[id] = &taskRecord{
		task:   types.Task{ID: id, Name: name, State: types.TaskSolving},
		points: make(map[types.PointID]struct{}),
	}
	s.names[name] = id
	return id, nil
}

func (s *Store) FindTask(ctx context.Context, name string) (types.TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.names[name]
	if !ok {
		return 0, store.ErrTaskNotFound
	}
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, id types.TaskID) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return types.Task{}, store.ErrTaskNotFound
	}
	return rec.task, nil
}

func (s *Store) SetTaskState(ctx context.Context, id types.TaskID, state types.TaskState) error {
	if !state.Terminal() {
		return store.ErrIllegalTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if rec.task.State != types.TaskSolving && rec.task.State != state {
		return store.ErrIllegalTransition
	}
	rec.task.State = state
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id types.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	for pid := range rec.points {
		delete(s.points, pid)
	}
	delete(s.names, rec.task.Name)
	delete(s.tasks, id)
	return nil
}

func (s *Store) InsertPoint(ctx context.Context, taskID types.TaskID, p *types.Point) (types.PointID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return 0, store.ErrTaskNotFound
	}

	s.nextPoint++
	stored := p.Clone()
	stored.ID = s.nextPoint
	stored.TaskID = taskID
	stored.State = types.PointWaiting
	stored.FunctionValues = nil
	stored.Worker = ""

	s.points[stored.ID] = stored
	rec.points[stored.ID] = struct{}{}
	rec.waiting = append(rec.waiting, stored.ID)
	return stored.ID, nil
}

func (s *Store) CountUnfinished(ctx context.Context, taskID types.TaskID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return 0, nil
	}
	n := 0
	for pid := range rec.points {
		if s.points[pid].State < types.PointCalculated {
			n++
		}
	}
	return n, nil
}

func (s *Store) ClaimPoint(ctx context.Context, taskID types.TaskID, worker string, nFunc int) (*types.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}

	for len(rec.waiting) > 0 {
		pid := rec.waiting[0]
		rec.waiting = rec.waiting[1:]

		p, ok := s.points[pid]
		if !ok || p.State != types.PointWaiting {
			continue
		}
		p.State = types.PointCalculating
		p.Worker = worker

		out := p.Clone()
		out.FunctionValues = types.EmptyResults(nFunc)
		return out, nil
	}
	return nil, nil
}

func (s *Store) CompletePoint(ctx context.Context, p *types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.points[p.ID]
	if !ok {
		return store.ErrPointNotFound
	}
	if stored.State != types.PointCalculating {
		return store.ErrIllegalTransition
	}

	stored.Index = p.Index
	stored.Z = p.Z
	stored.FunctionValues = append([]types.FunctionValue(nil), p.FunctionValues...)
	stored.State = types.PointCalculated
	return nil
}

func (s *Store) DrainCalculated(ctx context.Context, taskID types.TaskID) ([]*types.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}

	var out []*types.Point
	for pid := range rec.points {
		p := s.points[pid]
		if p.State != types.PointCalculated {
			continue
		}
		p.State = types.PointComplete
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TaskStats(ctx context.Context, taskID types.TaskID) (types.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return types.TaskStats{}, store.ErrTaskNotFound
	}

	var st types.TaskStats
	for pid := range rec.points {
		switch s.points[pid].State {
		case types.PointWaiting:
			st.Waiting++
		case types.PointCalculating:
			st.Calculating++
		case types.PointCalculated:
			st.Calculated++
		case types.PointComplete:
			st.Complete++
		}
	}
	return st, nil
}

func (s *Store) RequeueStuck(ctx context.Context, taskID types.TaskID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return 0, store.ErrTaskNotFound
	}

	var stuck []types.PointID
	for pid := range rec.points {
		if s.points[pid].State == types.PointCalculating {
			stuck = append(stuck, pid)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
	for _, pid := range stuck {
		p := s.points[pid]
		p.State = types.PointWaiting
		p.Worker = ""
		rec.waiting = append(rec.waiting, pid)
	}
	return len(stuck), nil
}

// Close is a no-op; the store lives as long as the process.
func (s *Store) Close() error {
	return nil
}
