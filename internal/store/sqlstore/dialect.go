package sqlstore

import (
	"strconv"
	"strings"
)

// dialect captures what differs between the SQL backends. Queries are written
// once with '?' placeholders and rebound per dialect.
type dialect struct {
	name   string
	driver string
	schema []string

	// bootstrapLock runs first in the schema transaction, when set.
	bootstrapLock string

	// claimLock is appended to the claim sub-select. Postgres skips rows
	// locked by a concurrent claim; SQLite relies on its single writer and
	// the compare-and-swap guard in the outer UPDATE.
	claimLock string

	numbered bool

	isUniqueViolation     func(error) bool
	isForeignKeyViolation func(error) bool
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
