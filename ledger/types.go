/*
Package ledger provides the core types of the tip allocation ledger.

PURPOSE:
  This package holds the vocabulary shared by the rule engine, the batch
  lifecycle, adjustments, disputes and the audit log. It has no knowledge
  of HTTP, SQL or any particular allocation method's arithmetic.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: immutable point-of-sale fact carrying a tip
  - Shift: hours an employee worked at a location
  - Employee: directory entry (role drives pooling, payroll ID drives export)
  - Actor: opaque identity used for audit attribution

INPUT OWNERSHIP:
  Transactions, Shifts and Employees are produced by external sync jobs.
  The ledger reads them and never mutates them. Ingestion is append-only
  and idempotent by ID.

DESIGN PRINCIPLES:
  1. Money is integer pence (see money package), never float
  2. Typed IDs so a BatchID cannot be passed where a LineID is expected
  3. Locked records are never edited; corrections are new records

SEE ALSO:
  - ruleset.go: Allocation policies
  - batch.go: Batches and lines
  - adjustment.go: Adjustments and disputes
  - audit.go: Audit events and the hash chain
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LocationID string
type EmployeeID string
type TransactionID string
type ShiftID string
type RuleSetID string
type BatchID string
type LineID string
type AdjustmentID string
type DisputeID string
type AuditEventID string

// =============================================================================
// ACTOR - Who performed an action
// =============================================================================

// Actor is the identity attached to every audited action.
type Actor struct {
	ID    string
	Email string
}

// SystemActor is used by scheduled jobs.
var SystemActor = Actor{ID: "system", Email: "system@tip-ledger"}

func (a Actor) IsZero() bool { return a.ID == "" }

// =============================================================================
// TRANSACTION - Point-of-sale input
// =============================================================================

// RefundStatus tracks whether a payment was refunded after the fact.
type RefundStatus string

const (
	RefundNone     RefundStatus = "none"
	RefundPartial  RefundStatus = "partially_refunded"
	RefundRefunded RefundStatus = "refunded"
)

// Transaction is a card payment synced from the point-of-sale.
type Transaction struct {
	ID           TransactionID
	LocationID   LocationID
	EmployeeID   *EmployeeID
	ShiftID      *ShiftID
	Amount       money.Money
	TipAmount    money.Money
	Timestamp    time.Time
	RefundStatus RefundStatus
}

// HasEmployee reports whether the payment is linked to a staff member.
func (t Transaction) HasEmployee() bool {
	return t.EmployeeID != nil && *t.EmployeeID != ""
}

// After reports whether s is a later refund state than o. Refund status
// only ever moves forward: none -> partially_refunded -> refunded.
func (s RefundStatus) After(o RefundStatus) bool {
	return refundRank(s) > refundRank(o)
}

func refundRank(s RefundStatus) int {
	switch s {
	case RefundPartial:
		return 1
	case RefundRefunded:
		return 2
	}
	return 0
}

// IsRefunded reports a full refund.
func (t Transaction) IsRefunded() bool { return t.RefundStatus == RefundRefunded }

// =============================================================================
// SHIFT - Worked hours input
// =============================================================================

// Shift is a worked shift. EndAt is nil while the shift is open.
type Shift struct {
	ID          ShiftID
	EmployeeID  EmployeeID
	LocationID  LocationID
	StartAt     time.Time
	EndAt       *time.Time
	HoursWorked decimal.Decimal
}

// IsClosed reports whether the shift has ended.
func (s Shift) IsClosed() bool { return s.EndAt != nil }

// Overlaps reports whether the shift intersects the period.
// Open shifts extend indefinitely.
func (s Shift) Overlaps(p Period) bool {
	if !s.StartAt.Before(p.EndExclusive()) {
		return false
	}
	if s.EndAt == nil {
		return true
	}
	return s.EndAt.After(p.Start) || s.EndAt.Equal(p.Start)
}

// =============================================================================
// EMPLOYEE - Directory entry
// =============================================================================

// Role is the job role used by role-based pooling.
type Role string

// Employee is a staff member as known to the ledger.
type Employee struct {
	ID         EmployeeID
	LocationID LocationID
	Name       string
	Role       Role
	PayrollID  string
}
