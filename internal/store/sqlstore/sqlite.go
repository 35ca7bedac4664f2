//go:build cgo

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			name  TEXT NOT NULL UNIQUE,
			state INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS points (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			x       REAL NOT NULL,
			idx     INTEGER NOT NULL,
			z       REAL NOT NULL,
			state   INTEGER NOT NULL,
			worker  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_points_task_state ON points(task_id, state, id)`,
		`CREATE TABLE IF NOT EXISTS float_variables (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			point_id INTEGER NOT NULL REFERENCES points(id) ON DELETE CASCADE,
			pos      INTEGER NOT NULL,
			value    REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_float_variables_point ON float_variables(point_id)`,
		`CREATE TABLE IF NOT EXISTS discrete_variables (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			point_id INTEGER NOT NULL REFERENCES points(id) ON DELETE CASCADE,
			pos      INTEGER NOT NULL,
			value    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrete_variables_point ON discrete_variables(point_id)`,
		`CREATE TABLE IF NOT EXISTS function_values (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			point_id    INTEGER NOT NULL REFERENCES points(id) ON DELETE CASCADE,
			pos         INTEGER NOT NULL,
			type        INTEGER NOT NULL,
			function_id INTEGER NOT NULL,
			value       REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_function_values_point ON function_values(point_id)`,
	},
	isUniqueViolation: func(err error) bool {
		return sqliteExtended(err) == sqlite3.ErrConstraintUnique
	},
	isForeignKeyViolation: func(err error) bool {
		return sqliteExtended(err) == sqlite3.ErrConstraintForeignKey
	},
}

func sqliteExtended(err error) sqlite3.ErrNoExtended {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode
	}
	return -1
}

// OpenSQLite opens (or creates) a SQLite database file. Several processes may
// share the file; within one process all access goes through a single
// connection, which makes every transaction serializable.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open(sqliteDialect.driver, SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return newStore(ctx, db, sqliteDialect)
}
