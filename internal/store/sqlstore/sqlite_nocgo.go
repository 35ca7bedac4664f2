//go:build !cgo

package sqlstore

import "context"

func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	return nil, ErrSQLiteUnavailable
}
