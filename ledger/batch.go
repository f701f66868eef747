/*
batch.go - Allocation batches, lines and their lifecycle

PURPOSE:
  A Batch is the atomic, lockable unit of allocation for one location and
  one period. Its Lines are each employee's share.

STATE MACHINE:
  draft ──finalise──▶ finalised ──export──▶ exported

  - draft:     lines may be recomputed or edited freely
  - finalised: gross amounts are frozen, each line carries an audit hash
  - exported:  submitted to payroll; terminal

  No transition skips a state. No transition reverses.

LINE HASH:
  audit_hash = sha256 over batch_id, line_id, employee_id, transaction_id,
               method and gross_amount, each framed as "<len>:<value>"
  It is tamper evidence for the stored row, not a security claim.

SEE ALSO:
  - tips/batch.go: Lifecycle service (locking, CAS transitions)
  - adjustment.go: The only post-lock mutation path
*/
package ledger

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// BATCH STATUS
// =============================================================================

type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchFinalised BatchStatus = "finalised"
	BatchExported  BatchStatus = "exported"
)

// IsLocked reports whether gross amounts are frozen.
func (s BatchStatus) IsLocked() bool {
	return s == BatchFinalised || s == BatchExported
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to BatchStatus) bool {
	switch from {
	case BatchDraft:
		return to == BatchFinalised
	case BatchFinalised:
		return to == BatchExported
	default:
		return false
	}
}

// =============================================================================
// BATCH
// =============================================================================

// Batch is one location's allocation for one period.
type Batch struct {
	ID                 BatchID
	LocationID         LocationID
	BatchDate          time.Time
	Period             Period
	Status             BatchStatus
	RuleSetID          RuleSetID
	RuleSetVersion     int
	TotalTipsAllocated money.Money
	EmployeeCount      int
	PaymentCount       int

	// SourceTransactionIDs are the transactions allocated into the batch.
	// Pooled lines carry no transaction ID, so this is the link back.
	SourceTransactionIDs []TransactionID

	// Version increments on every write; used for optimistic checks.
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinalisedAt *time.Time
	ExportedAt  *time.Time
}

// Summarise fills the batch totals from its lines.
func (b *Batch) Summarise(lines []Line) {
	employees := make(map[EmployeeID]bool)
	var total money.Money
	for _, l := range lines {
		total += l.GrossAmount
		employees[l.EmployeeID] = true
	}
	b.TotalTipsAllocated = total
	b.EmployeeCount = len(employees)
	b.PaymentCount = len(b.SourceTransactionIDs)
}

// =============================================================================
// LINE
// =============================================================================

// Component distinguishes the two halves of a hybrid allocation.
type Component string

const (
	ComponentDirect Component = "direct"
	ComponentPool   Component = "pool"
)

// Line is one employee's share within a batch.
type Line struct {
	ID            LineID
	BatchID       BatchID
	EmployeeID    EmployeeID
	TransactionID *TransactionID // nil for pooled splits
	Method        Method
	GrossAmount   money.Money
	Metadata      CalculationMetadata
	AuditHash     string
}

// CalculationMetadata explains how a line's amount was reached.
// It is serialized into the line so disputes can be answered from the
// record alone. Field order is fixed so the JSON is byte-stable.
type CalculationMetadata struct {
	Method         Method      `json:"method"`
	Component      Component   `json:"component,omitempty"`
	RuleSetID      RuleSetID   `json:"rule_set_id"`
	RuleSetVersion int         `json:"rule_set_version"`
	PoolTotal      money.Money `json:"pool_total,omitempty"`
	Participants   int         `json:"participants,omitempty"`
	Role           Role        `json:"role,omitempty"`
	Weight         string      `json:"weight,omitempty"`
	TotalWeight    string      `json:"total_weight,omitempty"`
	Hours          string      `json:"hours,omitempty"`
	TipAmount      money.Money `json:"tip_amount,omitempty"`
	Percentage     string      `json:"percentage,omitempty"`
	Transactions   int         `json:"transactions,omitempty"`
	Explanation    string      `json:"explanation"`
}

// JSON returns the canonical encoding of the metadata.
func (m CalculationMetadata) JSON() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// TransactionRef returns the source transaction ID or "".
func (l Line) TransactionRef() string {
	if l.TransactionID == nil {
		return ""
	}
	return string(*l.TransactionID)
}

// ComputeHash returns the content hash of the line.
func (l Line) ComputeHash() string {
	return contentHash(
		string(l.BatchID),
		string(l.ID),
		string(l.EmployeeID),
		l.TransactionRef(),
		string(l.Method),
		strconv.FormatInt(int64(l.GrossAmount), 10),
	)
}

// VerifyHash checks the stored hash against the line's content.
func (l Line) VerifyHash() error {
	expected := l.ComputeHash()
	if l.AuditHash != expected {
		return &HashMismatchError{Kind: "allocation_line", ID: string(l.ID), Expected: expected, Actual: l.AuditHash}
	}
	return nil
}

// TotalGross sums the gross amounts of lines.
func TotalGross(lines []Line) money.Money {
	var total money.Money
	for _, l := range lines {
		total += l.GrossAmount
	}
	return total
}
