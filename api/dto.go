/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request / *Input: Request body types from clients

MONEY:
  Responses render amounts in pounds as fixed two-decimal strings
  ("40.00"). Requests accept pounds as JSON numbers or strings and are
  parsed as exact decimals; sub-penny values are rejected.
  Calculation metadata is the stored canonical JSON, whose amounts are
  integer pence.

VALIDATION:
  Request types carry go-playground/validator tags, checked in decode()
  before a handler runs. Domain rules (four-eyes, lock state, ownership)
  stay in the services.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/ruleset.go: RuleSetJSON (used directly for rule sets)
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
	"github.com/warp/tip-ledger/reconcile"
	"github.com/warp/tip-ledger/tips"
)

// =============================================================================
// SYNC
// =============================================================================

type TransactionInput struct {
	ID           string          `json:"id" validate:"required"`
	LocationID   string          `json:"location_id" validate:"required"`
	EmployeeID   *string         `json:"employee_id,omitempty"`
	ShiftID      *string         `json:"shift_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	TipAmount    decimal.Decimal `json:"tip_amount"`
	Timestamp    time.Time       `json:"timestamp" validate:"required"`
	RefundStatus string          `json:"refund_status,omitempty" validate:"omitempty,oneof=none partially_refunded refunded"`
}

type SyncTransactionsRequest struct {
	Transactions []TransactionInput `json:"transactions" validate:"required,min=1,dive"`
}

type ShiftInput struct {
	ID          string          `json:"id" validate:"required"`
	EmployeeID  string          `json:"employee_id" validate:"required"`
	LocationID  string          `json:"location_id" validate:"required"`
	StartAt     time.Time       `json:"start_at" validate:"required"`
	EndAt       *time.Time      `json:"end_at,omitempty"`
	HoursWorked decimal.Decimal `json:"hours_worked"`
}

type SyncShiftsRequest struct {
	Shifts []ShiftInput `json:"shifts" validate:"required,min=1,dive"`
}

type EmployeeInput struct {
	ID         string `json:"id" validate:"required"`
	LocationID string `json:"location_id" validate:"required"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	PayrollID  string `json:"payroll_id"`
}

type SyncEmployeesRequest struct {
	Employees []EmployeeInput `json:"employees" validate:"required,min=1,dive"`
}

// SyncResultDTO reports an ingestion.
type SyncResultDTO struct {
	Received int `json:"received"`
	New      int `json:"new"`
}

// =============================================================================
// BATCHES
// =============================================================================

// PeriodRequest names a location and an inclusive date range.
type PeriodRequest struct {
	LocationID  string `json:"location_id" validate:"required"`
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
}

type PreviewRequest struct {
	PeriodRequest
	RuleSetID string `json:"rule_set_id,omitempty"`
}

type BatchDTO struct {
	ID                   string   `json:"id"`
	LocationID           string   `json:"location_id"`
	BatchDate            string   `json:"batch_date"`
	PeriodStart          string   `json:"period_start"`
	PeriodEnd            string   `json:"period_end"`
	Status               string   `json:"status"`
	RuleSetID            string   `json:"rule_set_id"`
	RuleSetVersion       int      `json:"rule_set_version"`
	TotalTipsAllocated   string   `json:"total_tips_allocated"`
	EmployeeCount        int      `json:"employee_count"`
	PaymentCount         int      `json:"payment_count"`
	SourceTransactionIDs []string `json:"source_transaction_ids"`
	Version              int      `json:"version"`
	CreatedAt            string   `json:"created_at"`
	FinalisedAt          *string  `json:"finalised_at,omitempty"`
	ExportedAt           *string  `json:"exported_at,omitempty"`
}

type LineDTO struct {
	ID                  string          `json:"id"`
	BatchID             string          `json:"batch_id"`
	EmployeeID          string          `json:"employee_id"`
	TransactionID       *string         `json:"transaction_id"`
	Method              string          `json:"method"`
	GrossAmount         string          `json:"gross_amount"`
	CalculationMetadata json.RawMessage `json:"calculation_metadata"`
	AuditHash           string          `json:"audit_hash,omitempty"`

	// Net view, present on batch detail
	Adjustments []AdjustmentDTO `json:"adjustments,omitempty"`
	Approved    string          `json:"approved_adjustments,omitempty"`
	NetPayable  string          `json:"net_payable,omitempty"`
}

type BatchDetailDTO struct {
	Batch    BatchDTO  `json:"batch"`
	Lines    []LineDTO `json:"lines"`
	NetTotal string    `json:"net_total"`
}

type CreateBatchDTO struct {
	Batch      BatchDTO  `json:"batch"`
	Lines      []LineDTO `json:"lines"`
	Created    bool      `json:"created"`
	Recomputed bool      `json:"recomputed"`
}

type PreviewDTO struct {
	LocationID     string    `json:"location_id"`
	PeriodStart    string    `json:"period_start"`
	PeriodEnd      string    `json:"period_end"`
	RuleSetID      string    `json:"rule_set_id"`
	RuleSetVersion int       `json:"rule_set_version"`
	Method         string    `json:"method"`
	TotalTips      string    `json:"total_tips"`
	Sources        []string  `json:"source_transaction_ids"`
	Lines          []LineDTO `json:"lines"`
}

type MismatchDTO struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

type VerifyDTO struct {
	BatchID    string        `json:"batch_id"`
	Status     string        `json:"status"`
	Lines      int           `json:"lines"`
	OK         bool          `json:"ok"`
	Mismatches []MismatchDTO `json:"mismatches,omitempty"`
}

// UpdateLineAmountRequest sets a draft line's gross. The difference is
// taken from (or given to) the offset line so the batch total holds.
type UpdateLineAmountRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	OffsetLineID string          `json:"offset_line_id" validate:"required"`
	Reason       string          `json:"reason" validate:"required"`
}

type LineNetDTO struct {
	LineID     string `json:"line_id"`
	Gross      string `json:"gross_amount"`
	Approved   string `json:"approved_adjustments"`
	NetPayable string `json:"net_payable"`
}

// =============================================================================
// ADJUSTMENTS & DISPUTES
// =============================================================================

type CreateAdjustmentRequest struct {
	LineID string          `json:"allocation_line_id" validate:"required"`
	Type   string          `json:"adjustment_type" validate:"required,oneof=correction dispute_resolution clawback"`
	Amount decimal.Decimal `json:"adjustment_amount"`
	Reason string          `json:"reason" validate:"required"`
}

// DecisionRequest carries an optional reason; rejections require one.
type DecisionRequest struct {
	Reason string `json:"reason"`
}

type AdjustmentDTO struct {
	ID              string  `json:"id"`
	LineID          string  `json:"allocation_line_id"`
	BatchID         string  `json:"batch_id"`
	EmployeeID      string  `json:"employee_id"`
	Type            string  `json:"adjustment_type"`
	Amount          string  `json:"adjustment_amount"`
	Reason          string  `json:"reason"`
	Status          string  `json:"status"`
	CreatedBy       string  `json:"created_by"`
	CreatedAt       string  `json:"created_date"`
	ApprovedBy      string  `json:"approved_by,omitempty"`
	DecidedAt       *string `json:"decided_at,omitempty"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
}

type CreateDisputeRequest struct {
	EmployeeID  string `json:"employee_id" validate:"required"`
	LineID      string `json:"allocation_line_id" validate:"required"`
	Category    string `json:"category" validate:"required,oneof=missing_tips wrong_amount wrong_hours other"`
	Description string `json:"description" validate:"required"`
}

// ResolveDisputeRequest is not tag-validated: a missing adjustment_id is
// reported by the service as UnresolvedWithoutAdjustment.
type ResolveDisputeRequest struct {
	AdjustmentID string `json:"adjustment_id"`
	Resolution   string `json:"resolution"`
}

type DisputeDTO struct {
	ID           string  `json:"id"`
	EmployeeID   string  `json:"employee_id"`
	LineID       string  `json:"allocation_line_id"`
	BatchID      string  `json:"batch_id"`
	Category     string  `json:"category"`
	Description  string  `json:"description"`
	Status       string  `json:"status"`
	AdjustmentID *string `json:"adjustment_id,omitempty"`
	Resolution   string  `json:"resolution,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	ClosedBy     string  `json:"closed_by,omitempty"`
}

// =============================================================================
// AUDIT, RECONCILIATION, PAYROLL
// =============================================================================

type AuditEventDTO struct {
	ID             string `json:"id"`
	Sequence       int64  `json:"sequence"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	Action         string `json:"action"`
	ActorID        string `json:"actor_id"`
	ActorEmail     string `json:"actor_email,omitempty"`
	ChangesSummary string `json:"changes_summary"`
	HMRCRelevant   bool   `json:"hmrc_relevant"`
	CreatedAt      string `json:"created_at"`
	PrevHash       string `json:"prev_hash"`
	Hash           string `json:"hash"`
}

type ChainDTO struct {
	OK       bool         `json:"ok"`
	Events   int          `json:"events"`
	HeadSeq  int64        `json:"head_sequence"`
	HeadHash string       `json:"head_hash"`
	Break    *MismatchDTO `json:"break,omitempty"`
}

type TransactionDTO struct {
	ID           string  `json:"id"`
	LocationID   string  `json:"location_id"`
	EmployeeID   *string `json:"employee_id"`
	TipAmount    string  `json:"tip_amount"`
	Timestamp    string  `json:"timestamp"`
	RefundStatus string  `json:"refund_status"`
}

type ShiftDTO struct {
	ID          string  `json:"id"`
	EmployeeID  string  `json:"employee_id"`
	StartAt     string  `json:"start_at"`
	EndAt       *string `json:"end_at"`
	HoursWorked string  `json:"hours_worked"`
}

type ClawbackDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	LineIDs     []string       `json:"allocation_line_ids"`
}

type ReconciliationDTO struct {
	Clean              bool             `json:"clean"`
	UnallocatedTips    []TransactionDTO `json:"unallocated_tips"`
	UnallocatedTotal   string           `json:"unallocated_total"`
	MissingEmployee    []TransactionDTO `json:"missing_employee"`
	OrphanedShifts     []ShiftDTO       `json:"orphaned_shifts"`
	ClawbackCandidates []ClawbackDTO    `json:"clawback_candidates"`
}

type LocationAmountDTO struct {
	LocationID  string `json:"location_id"`
	BatchID     string `json:"batch_id"`
	GrossTips   string `json:"gross_tips"`
	Adjustments string `json:"adjustments"`
	NetTips     string `json:"net_tips"`
}

type PayrollRecordDTO struct {
	PayrollID         string              `json:"payroll_id"`
	EmployeeID        string              `json:"employee_id"`
	EmployeeName      string              `json:"employee_name"`
	PeriodStart       string              `json:"period_start"`
	PeriodEnd         string              `json:"period_end"`
	GrossTips         string              `json:"gross_tips"`
	Adjustments       string              `json:"adjustments"`
	NetTips           string              `json:"net_tips"`
	LocationBreakdown []LocationAmountDTO `json:"location_breakdown"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Method      string `json:"method"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioLoadedDTO tells the caller which batch to draft next.
type ScenarioLoadedDTO struct {
	Scenario     ScenarioDTO `json:"scenario"`
	LocationID   string      `json:"location_id"`
	PeriodStart  string      `json:"period_start"`
	PeriodEnd    string      `json:"period_end"`
	Employees    int         `json:"employees"`
	Shifts       int         `json:"shifts"`
	Transactions int         `json:"transactions"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func formatDate(t time.Time) string { return t.Format(ledger.DateLayout) }

func toBatchDTO(b ledger.Batch) BatchDTO {
	sources := make([]string, len(b.SourceTransactionIDs))
	for i, id := range b.SourceTransactionIDs {
		sources[i] = string(id)
	}
	return BatchDTO{
		ID:                   string(b.ID),
		LocationID:           string(b.LocationID),
		BatchDate:            formatTime(b.BatchDate),
		PeriodStart:          formatDate(b.Period.Start),
		PeriodEnd:            formatDate(b.Period.End),
		Status:               string(b.Status),
		RuleSetID:            string(b.RuleSetID),
		RuleSetVersion:       b.RuleSetVersion,
		TotalTipsAllocated:   b.TotalTipsAllocated.String(),
		EmployeeCount:        b.EmployeeCount,
		PaymentCount:         b.PaymentCount,
		SourceTransactionIDs: sources,
		Version:              b.Version,
		CreatedAt:            formatTime(b.CreatedAt),
		FinalisedAt:          formatTimePtr(b.FinalisedAt),
		ExportedAt:           formatTimePtr(b.ExportedAt),
	}
}

func toLineDTO(l ledger.Line) LineDTO {
	var txn *string
	if l.TransactionID != nil {
		s := string(*l.TransactionID)
		txn = &s
	}
	return LineDTO{
		ID:                  string(l.ID),
		BatchID:             string(l.BatchID),
		EmployeeID:          string(l.EmployeeID),
		TransactionID:       txn,
		Method:              string(l.Method),
		GrossAmount:         l.GrossAmount.String(),
		CalculationMetadata: json.RawMessage(l.Metadata.JSON()),
		AuditHash:           l.AuditHash,
	}
}

func toLineDTOs(lines []ledger.Line) []LineDTO {
	dtos := make([]LineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = toLineDTO(l)
	}
	return dtos
}

func toBatchDetailDTO(v tips.BatchView) BatchDetailDTO {
	out := BatchDetailDTO{Batch: toBatchDTO(v.Batch), Lines: make([]LineDTO, len(v.Lines)), NetTotal: v.Net.String()}
	for i, lv := range v.Lines {
		dto := toLineDTO(lv.Line)
		for _, a := range lv.Adjustments {
			dto.Adjustments = append(dto.Adjustments, toAdjustmentDTO(a))
		}
		dto.Approved = lv.Approved.String()
		dto.NetPayable = lv.Net.String()
		out.Lines[i] = dto
	}
	return out
}

func NewVerifyDTO(r tips.VerifyReport) VerifyDTO {
	out := VerifyDTO{BatchID: string(r.BatchID), Status: string(r.Status), Lines: r.Lines, OK: r.OK()}
	for _, m := range r.Mismatches {
		out.Mismatches = append(out.Mismatches, MismatchDTO{Kind: m.Kind, ID: m.ID, Expected: m.Expected, Actual: m.Actual})
	}
	return out
}

func toAdjustmentDTO(a ledger.Adjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:              string(a.ID),
		LineID:          string(a.LineID),
		BatchID:         string(a.BatchID),
		EmployeeID:      string(a.EmployeeID),
		Type:            string(a.Type),
		Amount:          a.Amount.String(),
		Reason:          a.Reason,
		Status:          string(a.Status),
		CreatedBy:       a.CreatedBy,
		CreatedAt:       formatTime(a.CreatedAt),
		ApprovedBy:      a.ApprovedBy,
		DecidedAt:       formatTimePtr(a.DecidedAt),
		RejectionReason: a.RejectionReason,
	}
}

func toDisputeDTO(d ledger.Dispute) DisputeDTO {
	var adj *string
	if d.AdjustmentID != nil {
		s := string(*d.AdjustmentID)
		adj = &s
	}
	return DisputeDTO{
		ID:           string(d.ID),
		EmployeeID:   string(d.EmployeeID),
		LineID:       string(d.LineID),
		BatchID:      string(d.BatchID),
		Category:     string(d.Category),
		Description:  d.Description,
		Status:       string(d.Status),
		AdjustmentID: adj,
		Resolution:   d.Resolution,
		CreatedAt:    formatTime(d.CreatedAt),
		UpdatedAt:    formatTime(d.UpdatedAt),
		ClosedBy:     d.ClosedBy,
	}
}

func toAuditEventDTO(e ledger.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ID:             string(e.ID),
		Sequence:       e.Sequence,
		EntityType:     string(e.EntityType),
		EntityID:       e.EntityID,
		Action:         string(e.Action),
		ActorID:        e.ActorID,
		ActorEmail:     e.ActorEmail,
		ChangesSummary: e.ChangesSummary,
		HMRCRelevant:   e.HMRCRelevant,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:       e.PrevHash,
		Hash:           e.Hash,
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	var emp *string
	if t.EmployeeID != nil {
		s := string(*t.EmployeeID)
		emp = &s
	}
	return TransactionDTO{
		ID:           string(t.ID),
		LocationID:   string(t.LocationID),
		EmployeeID:   emp,
		TipAmount:    t.TipAmount.String(),
		Timestamp:    formatTime(t.Timestamp),
		RefundStatus: string(t.RefundStatus),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func NewReconciliationDTO(r reconcile.Report) ReconciliationDTO {
	out := ReconciliationDTO{
		Clean:              r.Clean(),
		UnallocatedTips:    toTransactionDTOs(r.UnallocatedTips),
		UnallocatedTotal:   r.UnallocatedTotal.String(),
		MissingEmployee:    toTransactionDTOs(r.MissingEmployee),
		OrphanedShifts:     make([]ShiftDTO, len(r.OrphanedShifts)),
		ClawbackCandidates: make([]ClawbackDTO, len(r.ClawbackCandidates)),
	}
	for i, s := range r.OrphanedShifts {
		out.OrphanedShifts[i] = ShiftDTO{
			ID:          string(s.ID),
			EmployeeID:  string(s.EmployeeID),
			StartAt:     formatTime(s.StartAt),
			EndAt:       formatTimePtr(s.EndAt),
			HoursWorked: s.HoursWorked.String(),
		}
	}
	for i, c := range r.ClawbackCandidates {
		ids := make([]string, len(c.Lines))
		for j, l := range c.Lines {
			ids[j] = string(l.ID)
		}
		out.ClawbackCandidates[i] = ClawbackDTO{Transaction: toTransactionDTO(c.Transaction), LineIDs: ids}
	}
	return out
}

func toPayrollRecordDTO(r tips.PayrollRecord) PayrollRecordDTO {
	out := PayrollRecordDTO{
		PayrollID:         r.PayrollID,
		EmployeeID:        string(r.EmployeeID),
		EmployeeName:      r.EmployeeName,
		PeriodStart:       formatDate(r.PeriodStart),
		PeriodEnd:         formatDate(r.PeriodEnd),
		GrossTips:         r.GrossTips.String(),
		Adjustments:       r.Adjustments.String(),
		NetTips:           r.NetTips.String(),
		LocationBreakdown: make([]LocationAmountDTO, len(r.LocationBreakdown)),
	}
	for i, la := range r.LocationBreakdown {
		out.LocationBreakdown[i] = LocationAmountDTO{
			LocationID:  string(la.LocationID),
			BatchID:     string(la.BatchID),
			GrossTips:   la.GrossTips.String(),
			Adjustments: la.Adjustments.String(),
			NetTips:     la.NetTips.String(),
		}
	}
	return out
}

// pounds converts a request amount to Money.
func pounds(field string, d decimal.Decimal) (money.Money, error) {
	m, err := money.FromDecimal(d)
	if err != nil {
		return 0, &ledger.ValidationError{Field: field, Message: err.Error(), Err: ledger.ErrInvalidInput}
	}
	return m, nil
}
