package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name:          "postgres",
	driver:        "postgres",
	numbered:      true,
	bootstrapLock: `SELECT pg_advisory_xact_lock(727100)`,
	claimLock:     ` FOR UPDATE SKIP LOCKED`,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id    BIGSERIAL PRIMARY KEY,
			name  TEXT NOT NULL UNIQUE,
			state INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS points (
			id      BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			x       DOUBLE PRECISION NOT NULL,
			idx     INTEGER NOT NULL,
			z       DOUBLE PRECISION NOT NULL,
			state   INTEGER NOT NULL,
			worker  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_points_task_state ON points(task_id, state, id)`,
		`CREATE TABLE IF NOT EXISTS float_variables (
			id       BIGSERIAL PRIMARY KEY,
			point_id BIGINT NOT NULL REFERENCES points(id) ON DELETE CASCADE,
			pos      INTEGER NOT NULL,
			value    DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_float_variables_point ON float_variables(point_id)`,
		`CREATE TABLE IF NOT EXISTS discrete_variables (
			id       BIGSERIAL PRIMARY KEY,
			point_id BIGINT NOT NULL REFERENCES points(id) ON DELETE CASCADE,
			pos      INTEGER NOT NULL,
			value    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrete_variables_point ON discrete_variables(point_id)`,
		`CREATE TABLE IF NOT EXISTS function_values (
			id          BIGSERIAL PRIMARY KEY,
			point_id    BIGINT NOT NULL REFERENCES points(id) ON DELETE CASCADE,
			pos         INTEGER NOT NULL,
			type        INTEGER NOT NULL,
			function_id INTEGER NOT NULL,
			value       DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_function_values_point ON function_values(point_id)`,
	},
	isUniqueViolation:     func(err error) bool { return pqCode(err) == pgerrcode.UniqueViolation },
	isForeignKeyViolation: func(err error) bool { return pqCode(err) == pgerrcode.ForeignKeyViolation },
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// OpenPostgres connects to Postgres through lib/pq and bootstraps the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return newStore(ctx, db, postgresDialect)
}
