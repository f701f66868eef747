/*
store.go - Persistence interfaces for the tip ledger

PURPOSE:
  Defines the interface between the ledger services and the database.
  Implementations: SQLite for production, in-memory for tests and demos.

KEY INTERFACES:
  FeedStore:       Synced inputs (transactions, shifts, employees)
  RuleStore:       Versioned RuleSets
  BatchStore:      Batches and their lines
  AdjustmentStore: Post-lock corrections
  DisputeStore:    Employee disputes
  AuditStore:      Append-only audit chain
  TxStore:         All of the above with atomic multi-table writes
  Locker:          Mutual exclusion per batch key

APPEND-ONLY CONTRACT:
  - Feed inputs are inserted once; a repeated ID is ignored except for
    the two facts the point-of-sale legitimately adds later (a refund,
    an open shift closing)
  - RuleSets are inserted; the only change is deactivation on supersession
  - Lines of a locked batch are never written again (only hashed at lock)
  - Audit events have Insert and List. No Update, no Delete. Ever.

COMPARE-AND-SWAP:
  TransitionBatch and TransitionAdjustment succeed only when the stored
  status equals the expected one. They return false (no error) when the
  swap lost, so callers can map that to AlreadyFinalised and friends.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - tips/: Services that compose these interfaces inside WithTx
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// FEED - Synced inputs, append-only and idempotent by ID
// =============================================================================

// TransactionFilter selects transactions. Zero values mean "any".
type TransactionFilter struct {
	LocationID LocationID
	From       *time.Time // inclusive
	To         *time.Time // exclusive
}

type FeedStore interface {
	// SaveTransactions inserts transactions. Existing IDs are skipped,
	// except that a later refund status is recorded. Returns how many
	// were new.
	SaveTransactions(ctx context.Context, txs []Transaction) (int, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	// SaveShifts inserts shifts. Existing IDs are skipped, except that an
	// open shift may be closed once (end_at and hours_worked).
	SaveShifts(ctx context.Context, shifts []Shift) (int, error)
	// ListShifts returns the location's shifts that start before to and
	// are open or end at or after from.
	ListShifts(ctx context.Context, locationID LocationID, from, to time.Time) ([]Shift, error)

	// SaveEmployees upserts directory entries. The directory is reference
	// data, not ledger history.
	SaveEmployees(ctx context.Context, employees []Employee) (int, error)
	GetEmployee(ctx context.Context, id EmployeeID) (Employee, error)
	ListEmployees(ctx context.Context, locationID LocationID) ([]Employee, error)
}

// =============================================================================
// RULES
// =============================================================================

type RuleStore interface {
	// InsertRuleSet stores a new version. The store rejects a second
	// current RuleSet for the same location.
	InsertRuleSet(ctx context.Context, rs RuleSet) error

	// DeactivateRuleSet clears is_current and sets effective_to.
	DeactivateRuleSet(ctx context.Context, id RuleSetID, effectiveTo time.Time) error

	GetRuleSet(ctx context.Context, id RuleSetID) (RuleSet, error)

	// CurrentRuleSet returns ErrNoCurrentRuleSet when none is active.
	CurrentRuleSet(ctx context.Context, locationID LocationID) (RuleSet, error)

	// ListRuleSets returns versions ascending. Empty locationID lists all.
	ListRuleSets(ctx context.Context, locationID LocationID) ([]RuleSet, error)
}

// =============================================================================
// BATCHES
// =============================================================================

// BatchFilter selects batches. Zero values mean "any".
type BatchFilter struct {
	LocationID LocationID
	Status     BatchStatus
	From       *time.Time // period_end >= From
	To         *time.Time // period_start <= To
	Limit      int
	Offset     int
}

type BatchStore interface {
	InsertBatch(ctx context.Context, b Batch, lines []Line) error

	// ReplaceDraft overwrites a draft batch's header and lines. It fails
	// with ErrBatchLocked when the stored batch is no longer draft.
	ReplaceDraft(ctx context.Context, b Batch, lines []Line) error

	GetBatch(ctx context.Context, id BatchID) (Batch, error)
	GetBatchByPeriod(ctx context.Context, locationID LocationID, p Period) (Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)

	// TransitionBatch moves status from -> to and stamps at. Returns false
	// when the stored status was not from.
	TransitionBatch(ctx context.Context, id BatchID, from, to BatchStatus, at time.Time) (bool, error)

	ListLines(ctx context.Context, batchID BatchID) ([]Line, error)
	GetLine(ctx context.Context, id LineID) (Line, error)
	ListLinesByEmployee(ctx context.Context, employeeID EmployeeID) ([]Line, error)

	// SetLineHashes stores audit hashes. Only valid while the batch is draft,
	// inside the same transaction that finalises it.
	SetLineHashes(ctx context.Context, batchID BatchID, hashes map[LineID]string) error

	// UpdateLineGross edits a draft line. ErrBatchLocked otherwise.
	UpdateLineGross(ctx context.Context, id LineID, amount money.Money) error

	// AllocatedTransactionIDs returns every transaction ID referenced by a
	// line or recorded as a batch source.
	AllocatedTransactionIDs(ctx context.Context, locationID LocationID) (map[TransactionID]bool, error)
}

// =============================================================================
// ADJUSTMENTS & DISPUTES
// =============================================================================

// AdjustmentFilter selects adjustments. Zero values mean "any".
type AdjustmentFilter struct {
	BatchID    BatchID
	LineID     LineID
	EmployeeID EmployeeID
	Status     AdjustmentStatus
}

type AdjustmentStore interface {
	InsertAdjustment(ctx context.Context, a Adjustment) error
	GetAdjustment(ctx context.Context, id AdjustmentID) (Adjustment, error)
	ListAdjustments(ctx context.Context, filter AdjustmentFilter) ([]Adjustment, error)

	// TransitionAdjustment records a decision if the adjustment is still
	// pending. Returns false when it was already decided.
	TransitionAdjustment(ctx context.Context, decided Adjustment) (bool, error)
}

// DisputeFilter selects disputes. Zero values mean "any".
type DisputeFilter struct {
	EmployeeID EmployeeID
	BatchID    BatchID
	Status     DisputeStatus
}

type DisputeStore interface {
	InsertDispute(ctx context.Context, d Dispute) error
	GetDispute(ctx context.Context, id DisputeID) (Dispute, error)
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]Dispute, error)

	// UpdateDispute writes status, resolution and adjustment link if the
	// stored status equals from. Returns false otherwise.
	UpdateDispute(ctx context.Context, d Dispute, from DisputeStatus) (bool, error)
}

// =============================================================================
// AUDIT - Insert and List only
// =============================================================================

type AuditStore interface {
	AuditHead(ctx context.Context) (AuditHead, error)
	InsertAuditEvent(ctx context.Context, ev AuditEvent) error
	// ListAuditEvents returns events ascending by sequence.
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// =============================================================================
// COMPOSED STORE
// =============================================================================

// Store is the full persistence surface.
type Store interface {
	FeedStore
	RuleStore
	BatchStore
	AdjustmentStore
	DisputeStore
	AuditStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOCKER - Mutual exclusion per batch key
// =============================================================================

// Locker serializes computation and locking of one (location, period).
// Lock returns ErrLockNotObtained if the key stays held past the
// implementation's wait budget.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
