//go:build cgo

package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/internal/store/storetest"
	"github.com/ChuLiYu/searchq/pkg/types"
)

func openTestSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "searchq.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTestSQLite(t) })
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	task, err := s.CreateTask(ctx, "persisted")
	require.NoError(t, err)
	_, err = s.InsertPoint(ctx, task, &types.Point{X: 0.5, FloatVariables: []float64{0.5}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	found, err := s.FindTask(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, task, found)

	n, err := s.CountUnfinished(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "sqlite", s.Dialect())
}

func TestSQLiteDSN(t *testing.T) {
	mem := SQLiteDSN(":memory:")
	assert.Contains(t, mem, "mode=memory")
	assert.Contains(t, mem, "_txlock=immediate")
	assert.NotEqual(t, mem, SQLiteDSN(":memory:"), "each in-memory store gets its own database")
	dsn := SQLiteDSN("/tmp/x.db")
	assert.Contains(t, dsn, "file:/tmp/x.db?")
	assert.Contains(t, dsn, "_foreign_keys=1")
	assert.Contains(t, dsn, "_txlock=immediate")
}

func TestSQLiteMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer a.Close()
	b, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer b.Close()

	_, err = a.CreateTask(ctx, "same")
	require.NoError(t, err)
	_, err = b.CreateTask(ctx, "same")
	require.NoError(t, err, "a second in-memory store must not see the first one's tasks")
}

// Several stores on one file stand in for several processes: each has its
// own connection, so claims really contend in SQLite.
func TestSQLiteConcurrentStoresShareOneFile(t *testing.T) {
	const (
		nStores = 4
		nPoints = 200
	)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	stores := make([]*Store, nStores)
	for i := range stores {
		s, err := OpenSQLite(ctx, path)
		if err != nil {
			t.Skipf("sqlite unavailable: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}

	// Every process races to create the task; losers look it up.
	ids := make([]types.TaskID, nStores)
	var g errgroup.Group
	for i, s := range stores {
		g.Go(func() error {
			id, err := s.CreateTask(ctx, "shared")
			if errors.Is(err, store.ErrTaskExists) {
				id, err = s.FindTask(ctx, "shared")
			}
			ids[i] = id
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	task := ids[0]

	for i := 0; i < nPoints; i++ {
		x := float64(i) / nPoints
		_, err := stores[0].InsertPoint(ctx, task, &types.Point{X: x, FloatVariables: []float64{x}})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[types.PointID]string{}
		dups    []types.PointID
		claims  errgroup.Group
	)
	for i, s := range stores {
		worker := fmt.Sprintf("w%d", i)
		claims.Go(func() error {
			for {
				p, err := s.ClaimPoint(ctx, task, worker, 1)
				if err != nil {
					return err
				}
				if p == nil {
					return nil
				}
				mu.Lock()
				if _, dup := claimed[p.ID]; dup {
					dups = append(dups, p.ID)
				}
				claimed[p.ID] = worker
				mu.Unlock()

				p.FunctionValues[0].Value = p.X
				p.Z = p.X
				if err := s.CompletePoint(ctx, p); err != nil {
					return err
				}
			}
		})
	}
	require.NoError(t, claims.Wait())

	assert.Empty(t, dups, "points claimed more than once")
	assert.Len(t, claimed, nPoints)

	drained, err := stores[1].DrainCalculated(ctx, task)
	require.NoError(t, err)
	assert.Len(t, drained, nPoints)
	n, err := stores[2].CountUnfinished(ctx, task)
	require.NoError(t, err)
	assert.Zero(t, n)
}
