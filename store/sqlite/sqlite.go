/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists synced inputs, RuleSets, batches, lines, adjustments, disputes
  and the audit chain. The schema itself enforces the rules that must hold
  even if a caller bypasses the services.

APPEND-ONLY ENFORCEMENT (triggers):
  - trg_lines_locked_*:     no UPDATE/DELETE of lines once the batch is locked
  - trg_batch_forward_only: batch status only moves draft -> finalised -> exported
  - trg_adjustment_decided: a decided adjustment is never changed again
  - trg_audit_*:            audit events cannot be updated or deleted, and
                            sequences must be dense

KEY TABLES:
  transactions, shifts, employees: synced inputs
  rule_sets:         versioned policies, at most one current per location
                     (partial unique index idx_rule_sets_current)
  batches:           one per (location, period_start, period_end)
  batch_sources:     transaction IDs allocated into a batch
  allocation_lines:  per-employee shares, ordered by position
  adjustments, disputes
  audit_events:      hash chain keyed by sequence

CONNECTIONS:
  The pool is capped at one connection. SQLite serializes writers anyway,
  and with ":memory:" every extra connection would be a separate empty
  database. WithTx hands fn a Store bound to the *sql.Tx; code inside fn
  must not touch the root Store or it will wait on its own connection.

TIME FORMAT:
  Instants are stored as fixed-width UTC strings (nanosecond precision) so
  that string comparison in SQL matches time order. Period boundaries are
  stored as YYYY-MM-DD.

USAGE:
  store, err := sqlite.New("./data/tips.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/tip-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ ledger.TxStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx, inTx: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// atomic runs a multi-statement write in the current transaction, or in a
// new one when called on the root store.
func (s *Store) atomic(ctx context.Context, fn func(*Store) error) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return fn(tx.(*Store))
	})
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
-- Synced inputs
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	employee_id TEXT,
	shift_id TEXT,
	amount INTEGER NOT NULL,
	tip_amount INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	refund_status TEXT NOT NULL DEFAULT 'none',
	synced_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_location_time
	ON transactions(location_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_shift
	ON transactions(shift_id) WHERE shift_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS shifts (
	id TEXT PRIMARY KEY,
	employee_id TEXT NOT NULL,
	location_id TEXT NOT NULL,
	start_at TEXT NOT NULL,
	end_at TEXT,
	hours_worked TEXT NOT NULL DEFAULT '0'
);

CREATE INDEX IF NOT EXISTS idx_shifts_location_start
	ON shifts(location_id, start_at);

CREATE TABLE IF NOT EXISTS employees (
	id TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	name TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	payroll_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_employees_location
	ON employees(location_id);

-- Rule sets (versioned, never deleted)
CREATE TABLE IF NOT EXISTS rule_sets (
	id TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	method TEXT NOT NULL,
	parameters_json TEXT NOT NULL,
	effective_from TEXT NOT NULL,
	effective_to TEXT,
	is_current INTEGER NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(location_id, version)
);

-- CRITICAL: at most one current rule set per location
CREATE UNIQUE INDEX IF NOT EXISTS idx_rule_sets_current
	ON rule_sets(location_id) WHERE is_current = 1;

-- Batches and lines
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	batch_date TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	rule_set_id TEXT NOT NULL,
	rule_set_version INTEGER NOT NULL,
	total_tips_allocated INTEGER NOT NULL DEFAULT 0,
	employee_count INTEGER NOT NULL DEFAULT 0,
	payment_count INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	finalised_at TEXT,
	exported_at TEXT,
	UNIQUE(location_id, period_start, period_end)
);

CREATE INDEX IF NOT EXISTS idx_batches_status
	ON batches(status);

CREATE TABLE IF NOT EXISTS batch_sources (
	batch_id TEXT NOT NULL REFERENCES batches(id),
	transaction_id TEXT NOT NULL,
	PRIMARY KEY (batch_id, transaction_id)
);

CREATE INDEX IF NOT EXISTS idx_batch_sources_transaction
	ON batch_sources(transaction_id);

CREATE TABLE IF NOT EXISTS allocation_lines (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	position INTEGER NOT NULL,
	employee_id TEXT NOT NULL,
	transaction_id TEXT,
	method TEXT NOT NULL,
	gross_amount INTEGER NOT NULL,
	metadata_json TEXT NOT NULL,
	audit_hash TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_lines_batch
	ON allocation_lines(batch_id, position);
CREATE INDEX IF NOT EXISTS idx_lines_employee
	ON allocation_lines(employee_id);
CREATE INDEX IF NOT EXISTS idx_lines_transaction
	ON allocation_lines(transaction_id) WHERE transaction_id IS NOT NULL;

CREATE TRIGGER IF NOT EXISTS trg_lines_locked_update
BEFORE UPDATE ON allocation_lines
WHEN (SELECT status FROM batches WHERE id = OLD.batch_id) != 'draft'
BEGIN
	SELECT RAISE(ABORT, 'batch locked');
END;

CREATE TRIGGER IF NOT EXISTS trg_lines_locked_delete
BEFORE DELETE ON allocation_lines
WHEN (SELECT status FROM batches WHERE id = OLD.batch_id) != 'draft'
BEGIN
	SELECT RAISE(ABORT, 'batch locked');
END;

CREATE TRIGGER IF NOT EXISTS trg_batch_forward_only
BEFORE UPDATE OF status ON batches
WHEN NOT (
	OLD.status = NEW.status
	OR (OLD.status = 'draft' AND NEW.status = 'finalised')
	OR (OLD.status = 'finalised' AND NEW.status = 'exported')
)
BEGIN
	SELECT RAISE(ABORT, 'illegal batch transition');
END;

-- Adjustments and disputes
CREATE TABLE IF NOT EXISTS adjustments (
	id TEXT PRIMARY KEY,
	line_id TEXT NOT NULL REFERENCES allocation_lines(id),
	batch_id TEXT NOT NULL REFERENCES batches(id),
	employee_id TEXT NOT NULL,
	type TEXT NOT NULL,
	amount INTEGER NOT NULL,
	reason TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	approved_by TEXT NOT NULL DEFAULT '',
	decided_at TEXT,
	rejection_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_adjustments_line
	ON adjustments(line_id);
CREATE INDEX IF NOT EXISTS idx_adjustments_batch
	ON adjustments(batch_id);

CREATE TRIGGER IF NOT EXISTS trg_adjustment_decided
BEFORE UPDATE ON adjustments
WHEN OLD.status != 'pending'
BEGIN
	SELECT RAISE(ABORT, 'adjustment already decided');
END;

CREATE TABLE IF NOT EXISTS disputes (
	id TEXT PRIMARY KEY,
	employee_id TEXT NOT NULL,
	line_id TEXT NOT NULL REFERENCES allocation_lines(id),
	batch_id TEXT NOT NULL REFERENCES batches(id),
	category TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	adjustment_id TEXT REFERENCES adjustments(id),
	resolution TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	closed_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_disputes_employee
	ON disputes(employee_id);

-- Audit chain (insert-only)
CREATE TABLE IF NOT EXISTS audit_events (
	sequence INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_email TEXT NOT NULL DEFAULT '',
	changes_summary TEXT NOT NULL DEFAULT '',
	hmrc_relevant INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entity
	ON audit_events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_actor
	ON audit_events(actor_id);

CREATE TRIGGER IF NOT EXISTS trg_audit_no_update
BEFORE UPDATE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_audit_no_delete
BEFORE DELETE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_audit_dense
BEFORE INSERT ON audit_events
WHEN NEW.sequence != (SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_events)
BEGIN
	SELECT RAISE(ABORT, 'audit sequence gap');
END;
`

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored strings sort in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func formatDate(t time.Time) string { return t.UTC().Format(ledger.DateLayout) }

func parseDate(s string) time.Time {
	t, _ := ledger.ParseDate(s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// mapWriteError turns trigger and constraint failures into ledger errors.
func mapWriteError(err error, what string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "batch locked"):
		return fmt.Errorf("%w: %s", ledger.ErrBatchLocked, what)
	case strings.Contains(msg, "adjustment already decided"):
		return fmt.Errorf("%w: %s", ledger.ErrAdjustmentNotPending, what)
	case strings.Contains(msg, "illegal batch transition"):
		return fmt.Errorf("%w: %s", ledger.ErrConcurrentModification, what)
	case strings.Contains(msg, "audit sequence gap"), isUniqueConstraintError(err):
		return fmt.Errorf("%w: %s", ledger.ErrConcurrentModification, what)
	}
	return fmt.Errorf("failed to write %s: %w", what, err)
}

// page appends LIMIT/OFFSET to a query.
func page(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
