// Package store provides persistent storage for the handoff gateway.
//
// # Architecture
//
// The package exposes two interfaces:
//
//   - Repository: CRUD and conditional updates for tenants, operators,
//     conversations, transfers and messages
//   - Store: a Repository that can also run a unit of work atomically
//
// SQLStore implements Store over database/sql and MockStore implements it in
// memory for unit tests. Both enforce the same constraints: an operator ID is
// present exactly when a conversation is assigned or active, and a
// conversation has at most one pending transfer.
//
// # Conditional updates
//
// TransitionConversation is a compare-and-set. The UPDATE only matches when the
// stored status is one of Transition.From, and when Transition.CapacityFor is
// set the same statement checks that the operator belongs to the tenant, is
// accepting work and has a free slot. Callers learn whether they won from the
// boolean result; losing is not an error.
//
// # Backends
//
//   - sqlite (modernc.org/sqlite): default, pure Go
//   - sqlite3 (github.com/mattn/go-sqlite3): needs cgo
//   - pgx (github.com/jackc/pgx/v5/stdlib): PostgreSQL
//
// SQLite transactions begin IMMEDIATE so concurrent units of work serialize on
// the write lock. On PostgreSQL LockOperator takes a row lock so capacity
// checks for one operator serialize while other operators and tenants proceed.
//
// Database file locations:
//
//   - Production: /var/lib/handoff-gateway/gateway.db
//   - Development: ~/.local/share/handoff/gateway.db
//   - Testing: t.TempDir() or :memory:
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: unique constraint collision, including a second pending transfer
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(path) for integration
// tests. The PostgreSQL contract runs when HANDOFF_TEST_POSTGRES_DSN is set.
package store
