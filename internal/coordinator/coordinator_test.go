package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/searchq/internal/client"
	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/internal/store/memstore"
	"github.com/ChuLiYu/searchq/internal/worker"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

type stubPred struct {
	mu      sync.Mutex
	x       float64
	blocked bool
	history []bool
}

func (p *stubPred) SetBlocked(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = b
	p.history = append(p.history, b)
}

// stubMethod hands out points at x = 1, 2, 3, ... up to limit (0 = no limit)
// and stops after stopAfter renewals.
type stubMethod struct {
	mu        sync.Mutex
	next      float64
	limit     int
	issued    int
	stopAfter int
	renewed   []*types.Point
	orphans   []*types.Point
	preds     map[types.PointID]*stubPred
	issuedBy  map[float64]*stubPred
	best      *types.Point
	calcErr   error
	firstErr  error
}

func newStubMethod(limit, stopAfter int) *stubMethod {
	return &stubMethod{
		limit:     limit,
		stopAfter: stopAfter,
		preds:     map[types.PointID]*stubPred{},
		issuedBy:  map[float64]*stubPred{},
	}
}

func (m *stubMethod) FirstIteration(ctx context.Context, eval BatchEvaluator) ([]*types.Point, error) {
	return nil, m.firstErr
}

func (m *stubMethod) CalculateIterationPoint() (*types.Point, Predecessor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calcErr != nil {
		return nil, nil, m.calcErr
	}
	if m.limit > 0 && m.issued >= m.limit {
		return nil, nil, nil
	}
	m.issued++
	m.next++
	pred := &stubPred{x: m.next}
	m.issuedBy[m.next] = pred
	return &types.Point{X: m.next, FloatVariables: []float64{m.next}}, pred, nil
}

func (m *stubMethod) UpdateOptimum(p *types.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.best == nil || p.Z < m.best.Z {
		m.best = p.Clone()
	}
}

func (m *stubMethod) RenewSearchData(p *types.Point, pred Predecessor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pred == nil {
		m.orphans = append(m.orphans, p)
		m.renewed = append(m.renewed, p)
		return nil
	}
	sp, ok := pred.(*stubPred)
	if !ok || m.issuedBy[p.X] != sp {
		return errors.New("trial folded with the wrong predecessor")
	}
	m.renewed = append(m.renewed, p)
	return nil
}

func (m *stubMethod) FinalizeIteration() {}

func (m *stubMethod) CheckStopCondition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopAfter > 0 && len(m.renewed) >= m.stopAfter
}

func (m *stubMethod) Results() types.Solution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.Solution{BestPoint: m.best.Clone()}
}

// panickyMethod blows up on the first returned trial.
type panickyMethod struct {
	*stubMethod
}

func (m panickyMethod) UpdateOptimum(p *types.Point) {
	panic("index out of range in interval table")
}

type recordingListener struct {
	mu         sync.Mutex
	started    bool
	iterations [][]*types.Point
	stopped    []StopStatus
}

func (l *recordingListener) BeforeMethodStart(ctx context.Context, m Method) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
}

func (l *recordingListener) OnEndIteration(ctx context.Context, trials []*types.Point, s types.Solution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterations = append(l.iterations, trials)
}

func (l *recordingListener) OnMethodStop(ctx context.Context, s types.Solution, status StopStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, status)
}

func square(ctx context.Context, p *types.Point) error {
	v := p.FloatVariables[0] * p.FloatVariables[0]
	p.FunctionValues[0].Value = v
	p.Z = v
	return nil
}

func openOwner(t *testing.T, s store.Store, name string) *client.Client {
	t.Helper()
	c, err := client.Open(context.Background(), s, client.Options{TaskName: name, Owner: true})
	require.NoError(t, err)
	return c
}

func openWorker(t *testing.T, s store.Store, name, id string) *client.Client {
	t.Helper()
	c, err := client.Open(context.Background(), s, client.Options{
		TaskName: name, WorkerID: id, LookupAttempts: 2, LookupDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func taskState(t *testing.T, c *client.Client) types.TaskState {
	t.Helper()
	state, err := c.TaskState(context.Background())
	require.NoError(t, err)
	return state
}

// failingStore fails DrainCalculated once armed.
type failingStore struct {
	store.Store
	mu    sync.Mutex
	armed bool
}

var errDrain = errors.New("connection reset")

func (s *failingStore) DrainCalculated(ctx context.Context, id types.TaskID) ([]*types.Point, error) {
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()
	if armed {
		return nil, errDrain
	}
	return s.Store.DrainCalculated(ctx, id)
}

// ============================================================================
// Tests
// ============================================================================

func TestNewRejectsZeroParallelism(t *testing.T) {
	owner := openOwner(t, memstore.New(), "zero")
	_, err := New(owner, newStubMethod(0, 1), Config{})
	assert.Error(t, err)
}

// Three points in flight, three workers each claim a distinct one, one drain
// returns all three, the task is solved and a late worker exits.
func TestEndToEndThreeWorkers(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	owner := openOwner(t, s, "e2e")
	method := newStubMethod(3, 3)
	listener := &recordingListener{}

	c, err := New(owner, method, Config{ParallelPoints: 3}, listener)
	require.NoError(t, err)

	_, err = c.Cycle(ctx) // bootstrap
	require.NoError(t, err)

	drained, err := c.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, drained)
	assert.Equal(t, 3, c.Pending())
	for _, pred := range method.issuedBy {
		assert.True(t, pred.blocked)
	}

	unfinished, err := owner.CountUnfinishedPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, unfinished)

	claimed := map[types.PointID]string{}
	var points []*types.Point
	for _, id := range []string{"w1", "w2", "w3"} {
		w := openWorker(t, s, "e2e", id)
		p, err := w.ClaimPoint(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, p)
		_, dup := claimed[p.ID]
		require.False(t, dup, "point %d claimed twice", p.ID)
		claimed[p.ID] = id
		require.NoError(t, square(ctx, p))
		points = append(points, p)
	}
	// Complete out of submission order.
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, owner.WithWorker(claimed[points[i].ID]).CompletePoint(ctx, points[i]))
	}

	drained, err = c.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, drained)
	assert.Equal(t, 0, c.Pending())
	assert.Len(t, method.renewed, 3)
	for _, pred := range method.issuedBy {
		assert.Equal(t, []bool{true, false}, pred.history)
	}
	require.True(t, method.CheckStopCondition())

	out, err := c.finish(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StopSolved, out.Status)
	assert.Equal(t, types.TaskSolved, taskState(t, owner))
	require.NotNil(t, out.Solution.BestPoint)
	assert.Equal(t, 1.0, out.Solution.BestPoint.Z)
	assert.Equal(t, []StopStatus{StopSolved}, listener.stopped)

	late := worker.New(openWorker(t, s, "e2e", "late"), worker.EvaluatorFunc(square), worker.Config{IdleWait: time.Millisecond})
	require.NoError(t, late.Run(ctx))
	assert.Zero(t, late.Processed())
}

func TestRunWithWorkerPool(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := memstore.New()
	owner := openOwner(t, s, "pool")
	method := newStubMethod(0, 20)
	listener := &recordingListener{}

	c, err := New(owner, method, Config{ParallelPoints: 4, PollInterval: time.Millisecond}, listener)
	require.NoError(t, err)

	var workers []*worker.Worker
	for i := 0; i < 3; i++ {
		workers = append(workers, worker.New(owner.WithWorker(worker.NewID()), worker.EvaluatorFunc(square),
			worker.Config{IdleWait: time.Millisecond, MaxIdleWait: 2 * time.Millisecond}))
	}
	pool := worker.NewPool(workers...)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	out, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopSolved, out.Status)
	assert.NoError(t, out.Err)
	assert.GreaterOrEqual(t, len(method.renewed), 20)
	assert.Equal(t, types.TaskSolved, taskState(t, owner))

	select {
	case err := <-poolDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers kept polling a solved task")
	}

	assert.True(t, listener.started)
	total := 0
	for _, trials := range listener.iterations {
		total += len(trials)
	}
	assert.Equal(t, len(method.renewed), total)
	assert.Equal(t, total, out.Solution.Trials)
}

func TestMethodFailureMarksError(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	owner := openOwner(t, s, "fail")
	method := newStubMethod(0, 0)
	method.calcErr = errors.New("singular interval")
	listener := &recordingListener{}

	c, err := New(owner, method, Config{ParallelPoints: 2}, listener)
	require.NoError(t, err)

	out, err := c.Run(ctx)
	require.NoError(t, err, "a recorded failure is not returned")
	assert.Equal(t, StopError, out.Status)
	assert.ErrorIs(t, out.Err, method.calcErr)
	assert.Equal(t, types.TaskError, taskState(t, owner))
	assert.Equal(t, []StopStatus{StopError}, listener.stopped)

	w := worker.New(openWorker(t, s, "fail", "w"), worker.EvaluatorFunc(square), worker.Config{})
	assert.NoError(t, w.Run(ctx), "workers exit cleanly on ERROR")
}

func TestFirstIterationFailureMarksError(t *testing.T) {
	owner := openOwner(t, memstore.New(), "first")
	method := newStubMethod(0, 0)
	method.firstErr = errors.New("no seed")

	c, err := New(owner, method, Config{ParallelPoints: 1})
	require.NoError(t, err)

	out, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, method.firstErr)
	assert.Equal(t, types.TaskError, taskState(t, owner))
}

func TestStoreFailureMarksError(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{Store: memstore.New()}
	owner := openOwner(t, fs, "store")

	c, err := New(owner, newStubMethod(0, 0), Config{ParallelPoints: 2})
	require.NoError(t, err)
	_, err = c.Cycle(ctx)
	require.NoError(t, err)

	fs.mu.Lock()
	fs.armed = true
	fs.mu.Unlock()

	out, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopError, out.Status)
	assert.ErrorIs(t, out.Err, errDrain)
	assert.Equal(t, types.TaskError, taskState(t, owner))
}

func TestCancellationMarksError(t *testing.T) {
	s := memstore.New()
	owner := openOwner(t, s, "cancel")

	c, err := New(owner, newStubMethod(0, 0), Config{ParallelPoints: 2, PollInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopError, out.Status)
	assert.True(t, out.IsCancelled())
	assert.Equal(t, types.TaskError, taskState(t, owner))
}

func TestRecordFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	owner := openOwner(t, s, "record")
	require.NoError(t, owner.SetTaskError(ctx))

	c, err := New(owner, newStubMethod(0, 0), Config{ParallelPoints: 1})
	require.NoError(t, err)

	out, err := c.finish(ctx, nil)
	assert.ErrorIs(t, err, store.ErrIllegalTransition, "ERROR cannot become SOLVED")
	assert.Equal(t, StopSolved, out.Status)
}

// A point left behind by an earlier coordinator of the same task has no
// pending entry; its result is still folded into the method.
func TestUnknownDrainedPointIsFolded(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	owner := openOwner(t, s, "orphan")

	_, err := owner.InsertPoint(ctx, &types.Point{X: 42, FloatVariables: []float64{42}})
	require.NoError(t, err)
	w := openWorker(t, s, "orphan", "w")
	p, err := w.ClaimPoint(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, square(ctx, p))
	require.NoError(t, w.CompletePoint(ctx, p))

	method := newStubMethod(1, 0)
	listener := &recordingListener{}
	c, err := New(owner, method, Config{ParallelPoints: 2}, listener)
	require.NoError(t, err)
	_, err = c.Cycle(ctx)
	require.NoError(t, err)

	drained, err := c.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	require.Len(t, method.orphans, 1)
	assert.Equal(t, p.ID, method.orphans[0].ID)
	assert.Equal(t, 42.0*42.0, method.best.Z)
	assert.Equal(t, 1, c.Pending(), "the freshly issued point is still pending")
	require.Len(t, listener.iterations, 2)
	assert.Len(t, listener.iterations[1], 1)
}

// A panic inside the method must still leave the task in ERROR so that
// workers stop polling.
func TestMethodPanicMarksError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := memstore.New()
	owner := openOwner(t, s, "panic")
	listener := &recordingListener{}
	c, err := New(owner, panickyMethod{newStubMethod(0, 0)}, Config{ParallelPoints: 2, PollInterval: time.Millisecond}, listener)
	require.NoError(t, err)

	w := worker.New(openWorker(t, s, "panic", "w"), worker.EvaluatorFunc(square),
		worker.Config{IdleWait: time.Millisecond, MaxIdleWait: 2 * time.Millisecond})
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	out, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopError, out.Status)
	assert.ErrorIs(t, out.Err, ErrMethodPanic)
	assert.Contains(t, out.Err.Error(), "index out of range")
	assert.Equal(t, types.TaskError, taskState(t, owner))
	assert.Equal(t, []StopStatus{StopError}, listener.stopped)

	select {
	case err := <-workerDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept polling after the coordinator panicked")
	}
}
