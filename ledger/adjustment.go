package ledger

import (
	"fmt"
	"time"

	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// ADJUSTMENT - Post-lock correction
// =============================================================================

// Adjustments reference a single allocation line. The original line's
// gross amount is never changed:
//
//   net payable = gross_amount + sum(approved adjustment_amount)

type AdjustmentType string

const (
	AdjustmentCorrection        AdjustmentType = "correction"
	AdjustmentDisputeResolution AdjustmentType = "dispute_resolution"
	AdjustmentClawback          AdjustmentType = "clawback"
)

func (t AdjustmentType) IsValid() bool {
	switch t {
	case AdjustmentCorrection, AdjustmentDisputeResolution, AdjustmentClawback:
		return true
	}
	return false
}

type AdjustmentStatus string

const (
	AdjustmentPending  AdjustmentStatus = "pending"
	AdjustmentApproved AdjustmentStatus = "approved"
	AdjustmentRejected AdjustmentStatus = "rejected"
)

// Adjustment is an additive, signed correction to one line.
type Adjustment struct {
	ID              AdjustmentID
	LineID          LineID
	BatchID         BatchID
	EmployeeID      EmployeeID
	Type            AdjustmentType
	Amount          money.Money
	Reason          string
	Status          AdjustmentStatus
	CreatedBy       string
	CreatedAt       time.Time
	ApprovedBy      string
	DecidedAt       *time.Time
	RejectionReason string
}

// Validate checks the fields a caller supplies.
func (a Adjustment) Validate() error {
	if a.LineID == "" {
		return &ValidationError{Field: "allocation_line_id", Message: "is required", Err: ErrInvalidAdjustment}
	}
	if !a.Type.IsValid() {
		return &ValidationError{Field: "adjustment_type", Message: fmt.Sprintf("unknown type %q", a.Type), Err: ErrInvalidAdjustment}
	}
	if a.Amount.IsZero() {
		return &ValidationError{Field: "adjustment_amount", Message: "must not be zero", Err: ErrInvalidAdjustment}
	}
	if a.Type == AdjustmentClawback && !a.Amount.IsNegative() {
		return &ValidationError{Field: "adjustment_amount", Message: "clawback must be negative", Err: ErrInvalidAdjustment}
	}
	if a.Reason == "" {
		return &ValidationError{Field: "reason", Message: "is required", Err: ErrInvalidAdjustment}
	}
	return nil
}

// NetPayable is gross plus approved adjustments. Pending and rejected
// adjustments are ignored.
func NetPayable(gross money.Money, adjustments []Adjustment) (net money.Money, approved money.Money) {
	for _, a := range adjustments {
		if a.Status == AdjustmentApproved {
			approved += a.Amount
		}
	}
	return gross + approved, approved
}

// =============================================================================
// DISPUTE - Employee challenge to a line
// =============================================================================

type DisputeCategory string

const (
	DisputeMissingTips DisputeCategory = "missing_tips"
	DisputeWrongAmount DisputeCategory = "wrong_amount"
	DisputeWrongHours  DisputeCategory = "wrong_hours"
	DisputeOther       DisputeCategory = "other"
)

func (c DisputeCategory) IsValid() bool {
	switch c {
	case DisputeMissingTips, DisputeWrongAmount, DisputeWrongHours, DisputeOther:
		return true
	}
	return false
}

type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeRejected    DisputeStatus = "rejected"
)

// IsTerminal reports whether the dispute is closed.
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeRejected
}

// Dispute is raised by an employee against one of their lines.
// A resolved dispute always links the adjustment that settled it.
type Dispute struct {
	ID           DisputeID
	EmployeeID   EmployeeID
	LineID       LineID
	BatchID      BatchID
	Category     DisputeCategory
	Description  string
	Status       DisputeStatus
	AdjustmentID *AdjustmentID
	Resolution   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedBy     string
}
