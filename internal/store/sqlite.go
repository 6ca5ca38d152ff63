// ABOUTME: SQL implementation of the Store interface over database/sql
// ABOUTME: Opens SQLite (modernc or mattn) or PostgreSQL (pgx), creates the schema and runs units of work

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// timeLayout is fixed-width so that lexical order of stored timestamps equals chronological order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// sqlRepo implements Repository against a querier. SQLStore uses it directly on
// the pool; Atomic hands out one bound to a transaction.
type sqlRepo struct {
	q       querier
	dialect dialect
	logger  *slog.Logger
}

// SQLStore implements the Store interface using database/sql
type SQLStore struct {
	*sqlRepo
	db     *sql.DB
	driver string
}

// Options selects the backend for Open.
type Options struct {
	// Driver is one of DriverSQLite, DriverSQLite3, DriverPostgres. Empty means DriverSQLite.
	Driver string
	// DSN is a file path (or ":memory:") for SQLite drivers and a connection URL for PostgreSQL.
	DSN string
	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(Options{Driver: DriverSQLite, DSN: path})
}

// Open connects to the configured backend, then creates and migrates the schema.
func Open(opts Options) (*SQLStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	d, ok := dialectFor(driver)
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	inMemory := opts.DSN == ":memory:"
	if d.sqlite && !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(opts.DSN)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, d.dsn(opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if d.sqlite && inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s := &SQLStore{
		sqlRepo: &sqlRepo{q: db, dialect: d, logger: logger},
		db:      db,
		driver:  driver,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("store initialized", "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema() error {
	seq := s.dialect.serial
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			seq        ` + seq + `,
			id         TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS operators (
			seq            ` + seq + `,
			id             TEXT NOT NULL UNIQUE,
			tenant_id      TEXT NOT NULL REFERENCES tenants(id),
			user_id        TEXT NOT NULL UNIQUE,
			display_name   TEXT NOT NULL,
			status         TEXT NOT NULL,
			max_concurrent INTEGER NOT NULL,
			total_resolved INTEGER NOT NULL DEFAULT 0,
			settings_json  TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('offline', 'online', 'away', 'busy')),
			CHECK (max_concurrent >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_operators_tenant ON operators(tenant_id, status);

		CREATE TABLE IF NOT EXISTS conversations (
			seq          ` + seq + `,
			id           TEXT NOT NULL UNIQUE,
			tenant_id    TEXT NOT NULL REFERENCES tenants(id),
			visitor_id   TEXT NOT NULL,
			status       TEXT NOT NULL,
			priority     TEXT NOT NULL,
			operator_id  TEXT,
			reason       TEXT NOT NULL DEFAULT '',
			started_at   TEXT NOT NULL,
			queued_at    TEXT,
			assigned_at  TEXT,
			closed_at    TEXT,
			rating       INTEGER,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('bot', 'waiting', 'assigned', 'active', 'resolved')),
			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			CHECK (rating IS NULL OR (rating >= 1 AND rating <= 5)),
			CHECK ((status IN ('assigned', 'active')) = (operator_id IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant_status ON conversations(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_conversations_operator ON conversations(operator_id, status);

		CREATE TABLE IF NOT EXISTS transfers (
			seq             ` + seq + `,
			id              TEXT NOT NULL UNIQUE,
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			from_type       TEXT NOT NULL,
			to_operator_id  TEXT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			accepted_at     TEXT,
			expired_at      TEXT,

			CHECK (from_type IN ('bot')),
			CHECK (status IN ('pending', 'accepted', 'expired'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_one_pending
			ON transfers(conversation_id) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_transfers_status_created ON transfers(status, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq             ` + seq + `,
			id              TEXT NOT NULL UNIQUE,
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender          TEXT NOT NULL,
			author_id       TEXT,
			text            TEXT NOT NULL,
			is_internal     INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			CHECK (sender IN ('bot', 'visitor', 'operator', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`

	for _, stmt := range splitStatements(schema) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "handled_by",
			apply:  `ALTER TABLE conversations ADD COLUMN handled_by TEXT`,
		},
		{
			table:  "conversations",
			column: "close_reason",
			apply:  `ALTER TABLE conversations ADD COLUMN close_reason TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

func (s *SQLStore) columnExists(table, column string) (bool, error) {
	var exists int
	err := s.db.QueryRow(s.dialect.columnCheck, table, column).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Atomic runs fn inside one transaction. SQLite transactions are opened
// IMMEDIATE so the write lock is taken before any read.
func (s *SQLStore) Atomic(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlRepo{q: tx, dialect: s.dialect, logger: s.logger}); err != nil {
		done = true
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	done = true
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the database/sql driver name in use
func (s *SQLStore) Driver() string {
	return s.driver
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// Ensure SQLStore implements Store interface
var _ Store = (*SQLStore)(nil)

// exec rebinds placeholders for the dialect before executing
func (r *sqlRepo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.dialect.rebind(query), args...)
}

func (r *sqlRepo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.dialect.rebind(query), args...)
}

func (r *sqlRepo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.dialect.rebind(query), args...)
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value") ||
		strings.Contains(errStr, "SQLSTATE 23505")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by hand or older builds may use plain RFC3339
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// placeholders returns "?, ?, ?" with n entries
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
