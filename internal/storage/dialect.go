package storage

import (
	"strconv"
	"strings"
)

// Dialect holds the few places where sqlite and postgres SQL differ.
type Dialect struct {
	name     string
	numbered bool
	ddl      *strings.Replacer
}

var (
	SQLite = Dialect{
		name: DriverSQLite,
		ddl: strings.NewReplacer(
			"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{float}}", "REAL",
		),
	}
	Postgres = Dialect{
		name:     DriverPostgres,
		numbered: true,
		ddl: strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{float}}", "DOUBLE PRECISION",
		),
	}
)

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, bool) {
	switch driver {
	case DriverSQLite:
		return SQLite, true
	case DriverPostgres:
		return Postgres, true
	}
	return Dialect{}, false
}

func (d Dialect) Name() string {
	return d.name
}

// Rebind rewrites ? placeholders into $1, $2, ... for postgres.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// DDL fills the column type markers of a schema statement.
func (d Dialect) DDL(stmt string) string {
	return d.ddl.Replace(stmt)
}
