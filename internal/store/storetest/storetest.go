// Package storetest is the conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndFindTask", testCreateAndFindTask},
		{"RegistrationRace", testRegistrationRace},
		{"TaskTransitions", testTaskTransitions},
		{"InsertIntoMissingTask", testInsertIntoMissingTask},
		{"ClaimOrderAndRoundTrip", testClaimOrderAndRoundTrip},
		{"ClaimEmpty", testClaimEmpty},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaimsAreExclusive},
		{"CompletePreconditions", testCompletePreconditions},
		{"DrainIsIdempotent", testDrainIsIdempotent},
		{"CountUnfinished", testCountUnfinished},
		{"TaskStats", testTaskStats},
		{"RequeueStuck", testRequeueStuck},
		{"DeleteCascades", testDeleteCascades},
		{"TasksAreIsolated", testTasksAreIsolated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// ============================================================================
// Helpers
// ============================================================================

func newTask(t *testing.T, s store.Store) types.TaskID {
	t.Helper()
	id, err := s.CreateTask(context.Background(), fmt.Sprintf("%s-task", t.Name()))
	require.NoError(t, err)
	return id
}

func insert(t *testing.T, s store.Store, task types.TaskID, x float64) types.PointID {
	t.Helper()
	id, err := s.InsertPoint(context.Background(), task, &types.Point{
		X:                 x,
		FloatVariables:    []float64{x, x * 2},
		DiscreteVariables: []string{"a"},
	})
	require.NoError(t, err)
	return id
}

func claim(t *testing.T, s store.Store, task types.TaskID) *types.Point {
	t.Helper()
	p, err := s.ClaimPoint(context.Background(), task, "w", 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func complete(t *testing.T, s store.Store, p *types.Point, v float64) {
	t.Helper()
	p.FunctionValues[0].Value = v
	p.Z = v
	p.Index = 1
	require.NoError(t, s.CompletePoint(context.Background(), p))
}

// ============================================================================
// Tests
// ============================================================================

func testCreateAndFindTask(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.CreateTask(ctx, "alpha")
	require.NoError(t, err)

	found, err := s.FindTask(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, id, found)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alpha", task.Name)
	assert.Equal(t, types.TaskSolving, task.State)

	_, err = s.CreateTask(ctx, "alpha")
	assert.ErrorIs(t, err, store.ErrTaskExists)

	_, err = s.FindTask(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	_, err = s.GetTask(ctx, id+1000)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func testRegistrationRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	var (
		created atomic.Int32
		mu      sync.Mutex
		ids     = map[types.TaskID]struct{}{}
	)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			id, err := s.CreateTask(ctx, "shared")
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, store.ErrTaskExists):
				id, err = s.FindTask(ctx, "shared")
				if err != nil {
					return err
				}
			default:
				return err
			}
			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, ids, 1)
}

func testTaskTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()

	solved := newTask(t, s)
	require.NoError(t, s.SetTaskState(ctx, solved, types.TaskSolved))
	require.NoError(t, s.SetTaskState(ctx, solved, types.TaskSolved), "re-applying is a no-op")
	assert.ErrorIs(t, s.SetTaskState(ctx, solved, types.TaskError), store.ErrIllegalTransition)
	assert.ErrorIs(t, s.SetTaskState(ctx, solved, types.TaskSolving), store.ErrIllegalTransition)

	task, err := s.GetTask(ctx, solved)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSolved, task.State)

	failed, err := s.CreateTask(ctx, "failed")
	require.NoError(t, err)
	require.NoError(t, s.SetTaskState(ctx, failed, types.TaskError))
	assert.ErrorIs(t, s.SetTaskState(ctx, failed, types.TaskSolved), store.ErrIllegalTransition)

	assert.ErrorIs(t, s.SetTaskState(ctx, failed+1000, types.TaskSolved), store.ErrTaskNotFound)
}

func testInsertIntoMissingTask(t *testing.T, s store.Store) {
	_, err := s.InsertPoint(context.Background(), 4242, &types.Point{X: 0.5})
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func testClaimOrderAndRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)
	first := insert(t, s, task, 0.25)
	second := insert(t, s, task, 0.75)

	p, err := s.ClaimPoint(ctx, task, "worker-1", 2)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, first, p.ID)
	assert.Equal(t, task, p.TaskID)
	assert.Equal(t, types.PointCalculating, p.State)
	assert.Equal(t, "worker-1", p.Worker)
	assert.Equal(t, []float64{0.25, 0.5}, p.FloatVariables)
	assert.Equal(t, []string{"a"}, p.DiscreteVariables)
	require.Len(t, p.FunctionValues, 2)
	for _, fv := range p.FunctionValues {
		assert.Equal(t, types.FunctionObjective, fv.Type)
	}

	p.FunctionValues[0] = types.FunctionValue{Type: types.FunctionObjective, FunctionID: 0, Value: 1.5}
	p.FunctionValues[1] = types.FunctionValue{Type: types.FunctionConstraint, FunctionID: 1, Value: -2}
	p.Index = 3
	p.Z = 1.5
	require.NoError(t, s.CompletePoint(ctx, p))

	drained, err := s.DrainCalculated(ctx, task)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	got := drained[0]
	assert.Equal(t, first, got.ID)
	assert.Equal(t, types.PointComplete, got.State)
	assert.Equal(t, 0.25, got.X)
	assert.Equal(t, 3, got.Index)
	assert.Equal(t, 1.5, got.Z)
	assert.Equal(t, []float64{0.25, 0.5}, got.FloatVariables)
	assert.Equal(t, p.FunctionValues, got.FunctionValues)

	next := claim(t, s, task)
	assert.Equal(t, second, next.ID)
}

func testClaimEmpty(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)

	p, err := s.ClaimPoint(ctx, task, "w", 1)
	require.NoError(t, err)
	assert.Nil(t, p)

	insert(t, s, task, 0.5)
	claim(t, s, task)

	p, err = s.ClaimPoint(ctx, task, "w", 1)
	require.NoError(t, err)
	assert.Nil(t, p, "a claimed point is not claimable again")
}

func testConcurrentClaimsAreExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)

	const n = 40
	for i := 0; i < n; i++ {
		insert(t, s, task, float64(i)/n)
	}

	var (
		mu      sync.Mutex
		claimed = map[types.PointID]string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 6; w++ {
		worker := fmt.Sprintf("w%d", w)
		g.Go(func() error {
			for {
				p, err := s.ClaimPoint(gctx, task, worker, 1)
				if err != nil {
					return err
				}
				if p == nil {
					return nil
				}
				mu.Lock()
				if prev, dup := claimed[p.ID]; dup {
					mu.Unlock()
					return fmt.Errorf("point %d claimed by %s and %s", p.ID, prev, worker)
				}
				claimed[p.ID] = worker
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, claimed, n)

	stats, err := s.TaskStats(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStats{Calculating: n}, stats)
}

func testCompletePreconditions(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)
	id := insert(t, s, task, 0.5)

	waiting := &types.Point{ID: id, TaskID: task, FunctionValues: types.EmptyResults(1)}
	assert.ErrorIs(t, s.CompletePoint(ctx, waiting), store.ErrIllegalTransition)

	p := claim(t, s, task)
	complete(t, s, p, 1)
	assert.ErrorIs(t, s.CompletePoint(ctx, p), store.ErrIllegalTransition, "completing twice")

	missing := &types.Point{ID: id + 1000, FunctionValues: types.EmptyResults(1)}
	assert.ErrorIs(t, s.CompletePoint(ctx, missing), store.ErrPointNotFound)
}

func testDrainIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)
	for i := 0; i < 3; i++ {
		insert(t, s, task, float64(i))
	}
	var ids []types.PointID
	for i := 0; i < 3; i++ {
		p := claim(t, s, task)
		ids = append(ids, p.ID)
	}
	// Complete out of order; drain still returns ascending ids.
	for _, i := range []int{2, 0, 1} {
		complete(t, s, &types.Point{ID: ids[i], FunctionValues: types.EmptyResults(1)}, float64(i))
	}

	first, err := s.DrainCalculated(ctx, task)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i, p := range first {
		assert.Equal(t, ids[i], p.ID)
	}

	second, err := s.DrainCalculated(ctx, task)
	require.NoError(t, err)
	assert.Empty(t, second)

	stats, err := s.TaskStats(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Complete)
}

func testCountUnfinished(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)

	count := func() int {
		n, err := s.CountUnfinished(ctx, task)
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, 0, count())
	insert(t, s, task, 0.1)
	insert(t, s, task, 0.2)
	insert(t, s, task, 0.3)
	assert.Equal(t, 3, count())

	p := claim(t, s, task)
	assert.Equal(t, 3, count(), "calculating points are unfinished")

	complete(t, s, p, 1)
	assert.Equal(t, 2, count())

	_, err := s.DrainCalculated(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 2, count())

	n, err := s.CountUnfinished(ctx, task+1000)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testTaskStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)
	for i := 0; i < 4; i++ {
		insert(t, s, task, float64(i))
	}
	a := claim(t, s, task)
	b := claim(t, s, task)
	c := claim(t, s, task)
	complete(t, s, a, 1)
	complete(t, s, b, 2)
	_, err := s.DrainCalculated(ctx, task)
	require.NoError(t, err)
	complete(t, s, c, 3)

	stats, err := s.TaskStats(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStats{Waiting: 1, Calculated: 1, Complete: 2}, stats)
	assert.Equal(t, 1, stats.Unfinished())
	assert.Equal(t, 4, stats.Total())

	_, err = s.TaskStats(ctx, task+1000)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func testRequeueStuck(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)
	first := insert(t, s, task, 0.1)
	insert(t, s, task, 0.2)

	stuck := claim(t, s, task)
	assert.Equal(t, first, stuck.ID)

	n, err := s.RequeueStuck(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.CompletePoint(ctx, stuck), store.ErrIllegalTransition,
		"a requeued point cannot be completed by its old claimant")

	again := claim(t, s, task)
	claim(t, s, task)
	complete(t, s, again, 0)

	stats, err := s.TaskStats(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStats{Calculating: 1, Calculated: 1}, stats)

	_, err = s.RequeueStuck(ctx, task+1000)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := newTask(t, s)
	insert(t, s, task, 0.1)
	p := claim(t, s, task)
	complete(t, s, p, 1)

	require.NoError(t, s.DeleteTask(ctx, task))

	_, err := s.GetTask(ctx, task)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.ErrorIs(t, s.CompletePoint(ctx, p), store.ErrPointNotFound)
	assert.ErrorIs(t, s.DeleteTask(ctx, task), store.ErrTaskNotFound)

	// The name is free again.
	_, err = s.CreateTask(ctx, fmt.Sprintf("%s-task", t.Name()))
	assert.NoError(t, err)
}

func testTasksAreIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, err := s.CreateTask(ctx, "a")
	require.NoError(t, err)
	b, err := s.CreateTask(ctx, "b")
	require.NoError(t, err)

	insert(t, s, a, 0.1)

	p, err := s.ClaimPoint(ctx, b, "w", 1)
	require.NoError(t, err)
	assert.Nil(t, p)

	drained, err := s.DrainCalculated(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, drained)
}
