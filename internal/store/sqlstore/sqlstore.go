// ============================================================================
// searchq SQL Store - database/sql backed repository
// ============================================================================
//
// Package: internal/store/sqlstore
// File: sqlstore.go
// Purpose: store.Store over database/sql. One implementation serves Postgres
//          (lib/pq) and SQLite (go-sqlite3); the dialect supplies DDL, the
//          placeholder style and the claim locking clause.
//
// Claim:
//   UPDATE points SET state = CALCULATING, worker = ?
//   WHERE id = (SELECT id FROM points
//               WHERE task_id = ? AND state = WAITING
//               ORDER BY id LIMIT 1 [FOR UPDATE SKIP LOCKED])
//     AND state = WAITING
//   RETURNING ...
//
//   On Postgres concurrent claimers skip rows another claim already locked
//   instead of queueing behind it. On SQLite the single writer serializes
//   claims and the outer "state = WAITING" guard makes the update a
//   compare-and-swap.
//
// Drain:
//   UPDATE points SET state = COMPLETE WHERE task_id = ? AND state = CALCULATED
//   RETURNING ...
//   The state change and the materialization share one transaction, so a
//   drained point is either returned and COMPLETE or neither.
//
// ============================================================================

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// SQLiteDSN builds the connection string used by OpenSQLite. Each call with
// ":memory:" names a fresh in-memory database, so two stores opened that way
// never see each other's tasks.
func SQLiteDSN(path string) string {
	if path == ":memory:" {
		return "file:searchq-" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=1&_busy_timeout=10000&_txlock=immediate"
	}
	return "file:" + path + "?_foreign_keys=1&_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate"
}

// Store is a store.Store backed by a SQL database.
type Store struct {
	db *sql.DB
	d  dialect
}

var _ store.Store = (*Store)(nil)

// ErrSQLiteUnavailable is returned by OpenSQLite in binaries built without cgo.
var ErrSQLiteUnavailable = errors.New("sqlstore: sqlite backend requires cgo")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newStore(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, d: d}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
	}
	return s, nil
}

// Dialect names the backend ("postgres" or "sqlite").
func (s *Store) Dialect() string { return s.d.name }

func (s *Store) ensureSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.d.bootstrapLock != "" {
			if _, err := tx.ExecContext(ctx, s.d.bootstrapLock); err != nil {
				return err
			}
		}
		for _, stmt := range s.d.schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) q(query string) string { return s.d.rebind(query) }

// ============================================================================
// Tasks
// ============================================================================

func (s *Store) CreateTask(ctx context.Context, name string) (types.TaskID, error) {
	var id types.TaskID
	err := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO tasks (name, state) VALUES (?, ?) RETURNING id`),
		name, int(types.TaskSolving),
	).Scan(&id)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", store.ErrTaskExists, name)
		}
		return 0, err
	}
	return id, nil
}

func (s *Store) FindTask(ctx context.Context, name string) (types.TaskID, error) {
	var id types.TaskID
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM tasks WHERE name = ?`), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrTaskNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, id types.TaskID) (types.Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *Store) getTask(ctx context.Context, q querier, id types.TaskID) (types.Task, error) {
	var (
		t     types.Task
		state int
	)
	err := q.QueryRowContext(ctx, s.q(`SELECT id, name, state FROM tasks WHERE id = ?`), id).
		Scan(&t.ID, &t.Name, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, store.ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, err
	}
	t.State = types.TaskState(state)
	return t, nil
}

func (s *Store) SetTaskState(ctx context.Context, id types.TaskID, state types.TaskState) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: task %d to %s", store.ErrIllegalTransition, id, state)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE tasks SET state = ? WHERE id = ? AND (state = ? OR state = ?)`),
			int(state), id, int(types.TaskSolving), int(state),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		t, err := s.getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: task %d is %s", store.ErrIllegalTransition, id, t.State)
	})
}

func (s *Store) DeleteTask(ctx context.Context, id types.TaskID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// ============================================================================
// Points
// ============================================================================

func (s *Store) InsertPoint(ctx context.Context, taskID types.TaskID, p *types.Point) (types.PointID, error) {
	var id types.PointID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			s.q(`INSERT INTO points (task_id, x, idx, z, state, worker) VALUES (?, ?, ?, ?, ?, '') RETURNING id`),
			taskID, p.X, p.Index, p.Z, int(types.PointWaiting),
		).Scan(&id)
		if err != nil {
			if s.d.isForeignKeyViolation(err) {
				return store.ErrTaskNotFound
			}
			return err
		}
		for pos, v := range p.FloatVariables {
			if _, err := tx.ExecContext(ctx,
				s.q(`INSERT INTO float_variables (point_id, pos, value) VALUES (?, ?, ?)`),
				id, pos, v,
			); err != nil {
				return err
			}
		}
		for pos, v := range p.DiscreteVariables {
			if _, err := tx.ExecContext(ctx,
				s.q(`INSERT INTO discrete_variables (point_id, pos, value) VALUES (?, ?, ?)`),
				id, pos, v,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) CountUnfinished(ctx context.Context, taskID types.TaskID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM points WHERE task_id = ? AND state < ?`),
		taskID, int(types.PointCalculated),
	).Scan(&n)
	return n, err
}

func (s *Store) ClaimPoint(ctx context.Context, taskID types.TaskID, worker string, nFunc int) (*types.Point, error) {
	var claimed *types.Point
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE points SET state = ?, worker = ?
			WHERE id = (SELECT id FROM points WHERE task_id = ? AND state = ? ORDER BY id LIMIT 1` + s.d.claimLock + `)
			AND state = ?
			RETURNING id, task_id, x, idx, z, state, worker`

		p, err := scanPoint(tx.QueryRowContext(ctx, s.q(query),
			int(types.PointCalculating), worker, taskID, int(types.PointWaiting), int(types.PointWaiting),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.loadVariables(ctx, tx, p); err != nil {
			return err
		}
		p.FunctionValues = types.EmptyResults(nFunc)
		claimed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) CompletePoint(ctx context.Context, p *types.Point) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE points SET idx = ?, z = ?, state = ? WHERE id = ? AND state = ?`),
			p.Index, p.Z, int(types.PointCalculated), p.ID, int(types.PointCalculating),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var state int
			err := tx.QueryRowContext(ctx, s.q(`SELECT state FROM points WHERE id = ?`), p.ID).Scan(&state)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %d", store.ErrPointNotFound, p.ID)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: point %d is %s", store.ErrIllegalTransition, p.ID, types.PointState(state))
		}

		for pos, fv := range p.FunctionValues {
			if _, err := tx.ExecContext(ctx,
				s.q(`INSERT INTO function_values (point_id, pos, type, function_id, value) VALUES (?, ?, ?, ?, ?)`),
				p.ID, pos, int(fv.Type), fv.FunctionID, fv.Value,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DrainCalculated(ctx context.Context, taskID types.TaskID) ([]*types.Point, error) {
	var drained []*types.Point
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.q(`UPDATE points SET state = ? WHERE task_id = ? AND state = ?
				RETURNING id, task_id, x, idx, z, state, worker`),
			int(types.PointComplete), taskID, int(types.PointCalculated),
		)
		if err != nil {
			return err
		}
		var points []*types.Point
		for rows.Next() {
			p, err := scanPoint(rows)
			if err != nil {
				rows.Close()
				return err
			}
			points = append(points, p)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		// Rows must be fully consumed before the tx issues more queries.
		for _, p := range points {
			if err := s.loadVariables(ctx, tx, p); err != nil {
				return err
			}
			if err := s.loadResults(ctx, tx, p); err != nil {
				return err
			}
		}
		sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
		drained = points
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drained, nil
}

func (s *Store) TaskStats(ctx context.Context, taskID types.TaskID) (types.TaskStats, error) {
	var st types.TaskStats
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getTask(ctx, tx, taskID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT state, COUNT(*) FROM points WHERE task_id = ? GROUP BY state`), taskID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var state, n int
			if err := rows.Scan(&state, &n); err != nil {
				return err
			}
			switch types.PointState(state) {
			case types.PointWaiting:
				st.Waiting = n
			case types.PointCalculating:
				st.Calculating = n
			case types.PointCalculated:
				st.Calculated = n
			case types.PointComplete:
				st.Complete = n
			}
		}
		return rows.Err()
	})
	return st, err
}

func (s *Store) RequeueStuck(ctx context.Context, taskID types.TaskID) (int, error) {
	var requeued int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getTask(ctx, tx, taskID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE points SET state = ?, worker = '' WHERE task_id = ? AND state = ?`),
			int(types.PointWaiting), taskID, int(types.PointCalculating),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		requeued = int(n)
		return nil
	})
	return requeued, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ============================================================================
// Row mapping
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(r rowScanner) (*types.Point, error) {
	var (
		p     types.Point
		state int
	)
	if err := r.Scan(&p.ID, &p.TaskID, &p.X, &p.Index, &p.Z, &state, &p.Worker); err != nil {
		return nil, err
	}
	p.State = types.PointState(state)
	return &p, nil
}

func (s *Store) loadVariables(ctx context.Context, q querier, p *types.Point) error {
	floats, err := queryColumn(ctx, q,
		s.q(`SELECT value FROM float_variables WHERE point_id = ? ORDER BY pos`), p.ID,
		func(r rowScanner) (float64, error) {
			var v float64
			err := r.Scan(&v)
			return v, err
		})
	if err != nil {
		return fmt.Errorf("load float variables of point %d: %w", p.ID, err)
	}
	discrete, err := queryColumn(ctx, q,
		s.q(`SELECT value FROM discrete_variables WHERE point_id = ? ORDER BY pos`), p.ID,
		func(r rowScanner) (string, error) {
			var v string
			err := r.Scan(&v)
			return v, err
		})
	if err != nil {
		return fmt.Errorf("load discrete variables of point %d: %w", p.ID, err)
	}
	p.FloatVariables = floats
	p.DiscreteVariables = discrete
	return nil
}

func (s *Store) loadResults(ctx context.Context, q querier, p *types.Point) error {
	values, err := queryColumn(ctx, q,
		s.q(`SELECT type, function_id, value FROM function_values WHERE point_id = ? ORDER BY pos`), p.ID,
		func(r rowScanner) (types.FunctionValue, error) {
			var (
				fv  types.FunctionValue
				typ int
			)
			err := r.Scan(&typ, &fv.FunctionID, &fv.Value)
			fv.Type = types.FunctionType(typ)
			return fv, err
		})
	if err != nil {
		return fmt.Errorf("load results of point %d: %w", p.ID, err)
	}
	p.FunctionValues = values
	return nil
}

func queryColumn[T any](ctx context.Context, q querier, query string, id types.PointID, scan func(rowScanner) (T, error)) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

