/*
errors.go - Centralized error types for the tip ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Services wrap these with context; the HTTP layer maps them to status
  codes through the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - caller supplied bad or incomplete data
  2. State errors - the requested transition is not legal right now
  3. Integrity errors - stored data failed hash verification, or a
     batch no longer balances with its source tips
  4. Store errors - lookups and concurrency

PROPAGATION:
  Validation and state errors go back to the caller for correction.
  Integrity errors halt the operation; nothing partial is persisted.
  Rounding failures are not errors at all: money.Split panics.

SEE ALSO:
  - money/money.go: RoundingInvariantViolation
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingEmployeeAssignment is returned when an individual (or hybrid
	// direct) allocation meets a tipped transaction with no employee.
	ErrMissingEmployeeAssignment = errors.New("missing employee assignment")

	// ErrNoEligibleEmployees is returned when a pool has money but nobody
	// qualifies to share it.
	ErrNoEligibleEmployees = errors.New("no eligible employees for pool")

	// ErrBatchLocked is returned on any direct write to a finalised or
	// exported batch.
	ErrBatchLocked = errors.New("batch locked")

	// ErrAlreadyFinalised is returned when finalising a batch that is not draft.
	ErrAlreadyFinalised = errors.New("batch already finalised")

	// ErrNotFinalised is returned when an operation needs a locked batch.
	ErrNotFinalised = errors.New("batch not finalised")

	// ErrAlreadyExported is returned when exporting an exported batch.
	ErrAlreadyExported = errors.New("batch already exported")

	// ErrUnresolvedWithoutAdjustment is returned when resolving a dispute
	// without a backing adjustment.
	ErrUnresolvedWithoutAdjustment = errors.New("dispute cannot be resolved without an adjustment")

	// ErrAdjustmentNotPending is returned when approving or rejecting a
	// decided adjustment.
	ErrAdjustmentNotPending = errors.New("adjustment is not pending")

	// ErrSelfApproval is returned when the creator decides their own adjustment.
	ErrSelfApproval = errors.New("adjustment cannot be decided by its creator")

	// ErrDisputeClosed is returned when acting on a resolved or rejected dispute.
	ErrDisputeClosed = errors.New("dispute is closed")

	// ErrNotLineOwner is returned when an employee disputes someone else's line.
	ErrNotLineOwner = errors.New("employee does not own allocation line")

	// ErrNoCurrentRuleSet is returned when a location has no active RuleSet.
	ErrNoCurrentRuleSet = errors.New("no current rule set for location")

	// ErrInvalidRuleSet is returned when RuleSet parameters are malformed.
	ErrInvalidRuleSet = errors.New("invalid rule set")

	// ErrInvalidAdjustment is returned when adjustment input is malformed.
	ErrInvalidAdjustment = errors.New("invalid adjustment")

	// ErrInvalidDispute is returned when dispute input is malformed.
	ErrInvalidDispute = errors.New("invalid dispute")

	// ErrInvalidInput is returned for malformed sync input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPeriod is returned when a period is malformed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrHashMismatch is returned when stored content fails verification.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrUnbalancedBatch is returned when a batch's lines no longer sum to
	// the tips of its source transactions.
	ErrUnbalancedBatch = errors.New("batch lines do not balance with source tips")

	// ErrConcurrentModification is returned when a compare-and-swap lost.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockNotObtained is returned when the batch-key lock is held elsewhere.
	ErrLockNotObtained = errors.New("batch lock not obtained")

	// Not found family.
	ErrBatchNotFound      = errors.New("batch not found")
	ErrLineNotFound       = errors.New("allocation line not found")
	ErrRuleSetNotFound    = errors.New("rule set not found")
	ErrAdjustmentNotFound = errors.New("adjustment not found")
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrEmployeeNotFound   = errors.New("employee not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingEmployeeError names the transaction that had no employee.
type MissingEmployeeError struct {
	TransactionID TransactionID
}

func (e *MissingEmployeeError) Error() string {
	return fmt.Sprintf("missing employee assignment: transaction %s has a tip but no employee", e.TransactionID)
}

func (e *MissingEmployeeError) Unwrap() error { return ErrMissingEmployeeAssignment }

// TransitionError describes a rejected batch status change.
type TransitionError struct {
	BatchID BatchID
	From    BatchStatus
	To      BatchStatus
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("batch %s: cannot move %s -> %s: %v", e.BatchID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// HashMismatchError reports tampered or corrupted stored content.
type HashMismatchError struct {
	Kind     string
	ID       string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch on %s %s: expected %s, got %s", e.Kind, e.ID, e.Expected, e.Actual)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }

// BalanceError reports a batch whose lines allocate more or less than
// its sources tipped.
type BalanceError struct {
	BatchID   BatchID
	Allocated money.Money
	Sources   money.Money
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("batch %s allocates %s but its sources tipped %s", e.BatchID, e.Allocated, e.Sources)
}

func (e *BalanceError) Unwrap() error { return ErrUnbalancedBatch }

// ValidationError points at the offending input field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Err, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockNotObtained)
}

// IsClientError returns true if the caller must correct the input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingEmployeeAssignment) ||
		errors.Is(err, ErrNoEligibleEmployees) ||
		errors.Is(err, ErrUnresolvedWithoutAdjustment) ||
		errors.Is(err, ErrSelfApproval) ||
		errors.Is(err, ErrNotLineOwner) ||
		errors.Is(err, ErrInvalidRuleSet) ||
		errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrInvalidDispute) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrNoCurrentRuleSet)
}

// IsConflict returns true if the entity is in the wrong state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBatchLocked) ||
		errors.Is(err, ErrAlreadyFinalised) ||
		errors.Is(err, ErrNotFinalised) ||
		errors.Is(err, ErrAlreadyExported) ||
		errors.Is(err, ErrAdjustmentNotPending) ||
		errors.Is(err, ErrDisputeClosed) ||
		errors.Is(err, ErrUnbalancedBatch) ||
		IsRetryable(err)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrRuleSetNotFound) ||
		errors.Is(err, ErrAdjustmentNotFound) ||
		errors.Is(err, ErrDisputeNotFound) ||
		errors.Is(err, ErrEmployeeNotFound)
}
