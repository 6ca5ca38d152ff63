// ABOUTME: SQL dialect differences between the supported database drivers
// ABOUTME: Registers modernc sqlite, mattn sqlite3 and pgx, and rebinds placeholders for PostgreSQL

package store

import (
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
	DriverPostgres = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

type dialect struct {
	name        string
	sqlite      bool
	serial      string // auto-incrementing primary key column definition
	columnCheck string // query returning a row when (table, column) exists
	lockSuffix  string // appended to row-lock selects
	dsn         func(string) string
}

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case DriverSQLite:
		return dialect{
			name:        driver,
			sqlite:      true,
			serial:      "INTEGER PRIMARY KEY AUTOINCREMENT",
			columnCheck: `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`,
			dsn: func(path string) string {
				if path == ":memory:" {
					return path
				}
				return path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
			},
		}, true
	case DriverSQLite3:
		return dialect{
			name:        driver,
			sqlite:      true,
			serial:      "INTEGER PRIMARY KEY AUTOINCREMENT",
			columnCheck: `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`,
			dsn: func(path string) string {
				if path == ":memory:" {
					return path
				}
				return "file:" + path + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
			},
		}, true
	case DriverPostgres:
		return dialect{
			name:        driver,
			serial:      "BIGSERIAL PRIMARY KEY",
			columnCheck: `SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
			lockSuffix:  " FOR UPDATE",
			dsn:         func(url string) string { return url },
		}, true
	}
	return dialect{}, false
}

// rebind converts ? placeholders to $n for PostgreSQL. Queries in this
// package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if d.sqlite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
