package worker

// ============================================================================
// Worker Test File
// Purpose: Verify the poll loop, termination on task state, pool behaviour
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/searchq/internal/client"
	"github.com/ChuLiYu/searchq/internal/store/memstore"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

// scriptedSource serves a fixed list of points and flips inactive on demand.
type scriptedSource struct {
	mu        sync.Mutex
	active    bool
	points    []*types.Point
	claims    int
	completed []*types.Point
	// deactivateAfter turns the task inactive after that many completions.
	deactivateAfter int
}

func (s *scriptedSource) IsTaskActive(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *scriptedSource) ClaimPoint(ctx context.Context, nFunc int) (*types.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if len(s.points) == 0 {
		return nil, nil
	}
	p := s.points[0]
	s.points = s.points[1:]
	p.FunctionValues = types.EmptyResults(nFunc)
	return p, nil
}

func (s *scriptedSource) CompletePoint(ctx context.Context, p *types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, p)
	if s.deactivateAfter > 0 && len(s.completed) >= s.deactivateAfter {
		s.active = false
	}
	return nil
}

func square(ctx context.Context, p *types.Point) error {
	v := p.FloatVariables[0] * p.FloatVariables[0]
	p.FunctionValues[0].Value = v
	p.Z = v
	return nil
}

func fastConfig() Config {
	return Config{IdleWait: time.Millisecond, MaxIdleWait: 2 * time.Millisecond}
}

// ============================================================================
// Worker Loop Tests
// ============================================================================

func TestNewAssignsID(t *testing.T) {
	w := New(&scriptedSource{}, EvaluatorFunc(square), Config{})
	assert.Contains(t, w.ID(), "worker-")

	other := New(&scriptedSource{}, EvaluatorFunc(square), Config{})
	assert.NotEqual(t, w.ID(), other.ID())

	named := New(&scriptedSource{}, EvaluatorFunc(square), Config{ID: "w7"})
	assert.Equal(t, "w7", named.ID())
}

func TestInactiveTaskNeverClaims(t *testing.T) {
	src := &scriptedSource{active: false, points: []*types.Point{{ID: 1, FloatVariables: []float64{2}}}}
	w := New(src, EvaluatorFunc(square), fastConfig())

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 0, src.claims)
	assert.Zero(t, w.Processed())
}

func TestWorkerEvaluatesUntilInactive(t *testing.T) {
	src := &scriptedSource{
		active: true,
		points: []*types.Point{
			{ID: 1, FloatVariables: []float64{1}},
			{ID: 2, FloatVariables: []float64{2}},
			{ID: 3, FloatVariables: []float64{3}},
		},
		deactivateAfter: 3,
	}
	w := New(src, EvaluatorFunc(square), fastConfig())

	require.NoError(t, w.Run(context.Background()))
	require.Len(t, src.completed, 3)
	for i, p := range src.completed {
		want := float64((i + 1) * (i + 1))
		assert.Equal(t, want, p.FunctionValues[0].Value)
		assert.Equal(t, want, p.Z)
	}
	assert.Equal(t, int64(3), w.Processed())
	assert.Equal(t, 3, src.claims, "no claim after the task turned inactive")
}

func TestWorkerKeepsPollingWhenIdle(t *testing.T) {
	src := &scriptedSource{active: true, deactivateAfter: 1}
	w := New(src, EvaluatorFunc(square), fastConfig())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.claims >= 3
	}, time.Second, time.Millisecond, "empty claims do not stop the worker")

	src.mu.Lock()
	src.points = append(src.points, &types.Point{ID: 9, FloatVariables: []float64{3}})
	src.mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not pick up the late point")
	}
	assert.Equal(t, int64(1), w.Processed())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	src := &scriptedSource{active: true}
	w := New(src, EvaluatorFunc(square), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker ignored cancellation")
	}
}

func TestEvaluationFailureStopsWorker(t *testing.T) {
	boom := errors.New("boom")
	src := &scriptedSource{active: true, points: []*types.Point{{ID: 4, FloatVariables: []float64{1}}}}
	w := New(src, EvaluatorFunc(func(ctx context.Context, p *types.Point) error { return boom }), fastConfig())

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, src.completed)
}

// ============================================================================
// Store-backed Tests
// ============================================================================

func TestWorkerObservesErrorState(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	owner, err := client.Open(ctx, s, client.Options{TaskName: "err", Owner: true})
	require.NoError(t, err)
	require.NoError(t, owner.SetTaskError(ctx))
	_, err = owner.InsertPoint(ctx, &types.Point{X: 0.5, FloatVariables: []float64{0.5}})
	require.NoError(t, err)

	w := New(owner.WithWorker("w1"), EvaluatorFunc(square), fastConfig())
	require.NoError(t, w.Run(ctx))

	stats, err := owner.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting, "an ERROR task is never claimed from")
}

func TestPoolPartitionsPoints(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := memstore.New()
	owner, err := client.Open(ctx, s, client.Options{TaskName: "pool", Owner: true})
	require.NoError(t, err)

	const n = 30
	for i := 0; i < n; i++ {
		_, err := owner.InsertPoint(ctx, &types.Point{X: float64(i) / n, FloatVariables: []float64{float64(i)}})
		require.NoError(t, err)
	}

	var workers []*Worker
	for _, id := range []string{"a", "b", "c"} {
		workers = append(workers, New(owner.WithWorker(id), EvaluatorFunc(square), fastConfig()))
	}
	pool := NewPool(workers...)
	assert.Equal(t, 3, pool.Size())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := owner.CountUnfinishedPoints(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond)

	drained, err := owner.DrainCalculatedPoints(ctx)
	require.NoError(t, err)
	require.Len(t, drained, n)
	seen := map[types.PointID]bool{}
	for _, p := range drained {
		assert.False(t, seen[p.ID])
		seen[p.ID] = true
		assert.Contains(t, []string{"a", "b", "c"}, p.Worker)
		assert.Equal(t, p.FloatVariables[0]*p.FloatVariables[0], p.FunctionValues[0].Value)
	}

	require.NoError(t, owner.SetTaskSolved(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after the task was solved")
	}
	assert.Equal(t, int64(n), pool.Processed())
}

func TestEmptyPool(t *testing.T) {
	assert.ErrorIs(t, NewPool().Run(context.Background()), ErrEmptyPool)
}
