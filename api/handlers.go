/*
handlers.go - HTTP API handlers for the tip ledger

PURPOSE:
  Exposes the ledger services via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to package tips.

ENDPOINTS:
  Sync:
    POST /api/sync/transactions        Ingest (append-only, idempotent by id)
    POST /api/sync/shifts
    POST /api/sync/employees

  Rule sets:
    GET  /api/rulesets?location_id=    List versions
    POST /api/rulesets                 Create and activate (supersedes current)
    GET  /api/rulesets/current?location_id=

  Batches:
    POST /api/preview                  Compute without persisting
    POST /api/batches                  Create or re-draft
    GET  /api/batches                  List (location_id, status, from, to)
    GET  /api/batches/{id}             Batch, lines and net view
    POST /api/batches/{id}/finalise
    POST /api/batches/{id}/export
    GET  /api/batches/{id}/verify
    PUT  /api/lines/{id}/amount        Draft-only edit against an offset line
    GET  /api/lines/{id}/net

  Adjustments and disputes:
    POST /api/adjustments, GET /api/adjustments
    POST /api/adjustments/{id}/approve|reject
    POST /api/disputes, GET /api/disputes
    POST /api/disputes/{id}/review|resolve|reject

  Reports:
    GET  /api/audit                    Paginated audit events
    GET  /api/audit/verify             Chain verification
    GET  /api/reconciliation           location_id, from, to
    GET  /api/exports/payroll          from, to, location_id

REQUEST FLOW:
  1. Decode JSON and validate tags (decode)
  2. Convert to ledger types
  3. Call the service with the request's actor
  4. Serialize response
  5. Map errors (fail)

ERROR HANDLING:
  - 400: Validation errors, caller-correctable domain errors
  - 401: Missing or invalid token (auth.go)
  - 404: Resource not found
  - 409: Wrong state (locked, already finalised, not pending) or a
         retryable concurrency failure
  - 500: Integrity failures and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/factory"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/tips"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services *tips.Services
	Rules    *factory.RuleSetFactory
	Periods  ledger.PeriodConfig

	log      logrus.FieldLogger
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over svc.
func NewHandler(svc *tips.Services, periods ledger.PeriodConfig, log logrus.FieldLogger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Services: svc,
		Rules:    factory.NewRuleSetFactory(),
		Periods:  periods,
		log:      log.WithField("module", "api"),
		validate: v,
	}
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// SyncTransactions ingests point-of-sale transactions.
func (h *Handler) SyncTransactions(w http.ResponseWriter, r *http.Request) {
	var req SyncTransactionsRequest
	if !h.decode(w, r, &req) {
		return
	}

	txs := make([]ledger.Transaction, len(req.Transactions))
	for i, in := range req.Transactions {
		tip, err := pounds("tip_amount", in.TipAmount)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		amount, err := pounds("amount", in.Amount)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		t := ledger.Transaction{
			ID:           ledger.TransactionID(in.ID),
			LocationID:   ledger.LocationID(in.LocationID),
			Amount:       amount,
			TipAmount:    tip,
			Timestamp:    in.Timestamp,
			RefundStatus: ledger.RefundStatus(in.RefundStatus),
		}
		if in.EmployeeID != nil && *in.EmployeeID != "" {
			e := ledger.EmployeeID(*in.EmployeeID)
			t.EmployeeID = &e
		}
		if in.ShiftID != nil && *in.ShiftID != "" {
			s := ledger.ShiftID(*in.ShiftID)
			t.ShiftID = &s
		}
		txs[i] = t
	}

	n, err := h.Services.Sync.IngestTransactions(r.Context(), txs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResultDTO{Received: len(txs), New: n})
}

// SyncShifts ingests worked shifts.
func (h *Handler) SyncShifts(w http.ResponseWriter, r *http.Request) {
	var req SyncShiftsRequest
	if !h.decode(w, r, &req) {
		return
	}

	shifts := make([]ledger.Shift, len(req.Shifts))
	for i, in := range req.Shifts {
		shifts[i] = ledger.Shift{
			ID:          ledger.ShiftID(in.ID),
			EmployeeID:  ledger.EmployeeID(in.EmployeeID),
			LocationID:  ledger.LocationID(in.LocationID),
			StartAt:     in.StartAt,
			EndAt:       in.EndAt,
			HoursWorked: in.HoursWorked,
		}
	}

	n, err := h.Services.Sync.IngestShifts(r.Context(), shifts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResultDTO{Received: len(shifts), New: n})
}

// SyncEmployees upserts the employee directory.
func (h *Handler) SyncEmployees(w http.ResponseWriter, r *http.Request) {
	var req SyncEmployeesRequest
	if !h.decode(w, r, &req) {
		return
	}

	employees := make([]ledger.Employee, len(req.Employees))
	for i, in := range req.Employees {
		employees[i] = ledger.Employee{
			ID:         ledger.EmployeeID(in.ID),
			LocationID: ledger.LocationID(in.LocationID),
			Name:       in.Name,
			Role:       ledger.Role(in.Role),
			PayrollID:  in.PayrollID,
		}
	}

	n, err := h.Services.Sync.IngestEmployees(r.Context(), employees)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResultDTO{Received: len(employees), New: n})
}

// =============================================================================
// RULE SET HANDLERS
// =============================================================================

// ListRuleSets returns every version, optionally for one location.
func (h *Handler) ListRuleSets(w http.ResponseWriter, r *http.Request) {
	all, err := h.Services.Rules.List(r.Context(), ledger.LocationID(r.URL.Query().Get("location_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]factory.RuleSetJSON, len(all))
	for i, rs := range all {
		dtos[i] = h.Rules.ToJSON(rs)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRuleSet validates a RuleSet and activates it as the next version.
func (h *Handler) CreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req factory.RuleSetJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rs, err := h.Rules.FromJSON(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rs, err = h.Services.Rules.Activate(r.Context(), rs, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Rules.ToJSON(rs))
}

// CurrentRuleSet returns the active version for a location.
func (h *Handler) CurrentRuleSet(w http.ResponseWriter, r *http.Request) {
	loc := r.URL.Query().Get("location_id")
	if loc == "" {
		writeError(w, http.StatusBadRequest, "location_id is required", nil)
		return
	}
	rs, err := h.Services.Rules.Current(r.Context(), ledger.LocationID(loc))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Rules.ToJSON(rs))
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// Preview computes a batch without writing anything.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := periodOf(req.PeriodRequest)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var ruleSetID *ledger.RuleSetID
	if req.RuleSetID != "" {
		id := ledger.RuleSetID(req.RuleSetID)
		ruleSetID = &id
	}

	res, rs, err := h.Services.Batches.Preview(r.Context(), ledger.LocationID(req.LocationID), p, ruleSetID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sources := make([]string, len(res.Sources))
	for i, id := range res.Sources {
		sources[i] = string(id)
	}
	writeJSON(w, http.StatusOK, PreviewDTO{
		LocationID:     req.LocationID,
		PeriodStart:    formatDate(p.Start),
		PeriodEnd:      formatDate(p.End),
		RuleSetID:      string(rs.ID),
		RuleSetVersion: rs.Version,
		Method:         string(rs.Method),
		TotalTips:      res.TotalTips.String(),
		Sources:        sources,
		Lines:          toLineDTOs(res.Lines),
	})
}

// CreateBatch drafts (or re-drafts) the batch for a location and period.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req PeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := periodOf(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Services.Batches.Create(r.Context(), ledger.LocationID(req.LocationID), p, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, CreateBatchDTO{
		Batch:      toBatchDTO(res.Batch),
		Lines:      toLineDTOs(res.Lines),
		Created:    res.Created,
		Recomputed: res.Recomputed,
	})
}

// ListBatches filters by location_id, status, from, to, limit, offset.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.BatchFilter{
		LocationID: ledger.LocationID(q.Get("location_id")),
		Status:     ledger.BatchStatus(q.Get("status")),
	}
	var err error
	if f.From, err = dateParam(r, "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.To, err = dateParam(r, "to"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Limit, f.Offset, err = pageParams(r); err != nil {
		h.fail(w, r, err)
		return
	}

	batches, err := h.Services.Batches.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns the batch with lines, adjustments and net payable.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	view, err := h.Services.Batches.Get(r.Context(), ledger.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDetailDTO(view))
}

// FinaliseBatch locks a draft batch.
func (h *Handler) FinaliseBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Services.Batches.Finalise(r.Context(), ledger.BatchID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

// ExportBatch marks a finalised batch as exported after verifying hashes.
func (h *Handler) ExportBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Services.Batches.Export(r.Context(), ledger.BatchID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

// VerifyBatch re-hashes the lines of a locked batch. Mismatches are
// reported in the body, not as an error status.
func (h *Handler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.Services.Batches.Verify(r.Context(), ledger.BatchID(chi.URLParam(r, "id")))
	if err != nil && !errors.Is(err, ledger.ErrHashMismatch) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewVerifyDTO(report))
}

// UpdateLineAmount edits a line of a draft batch against an offset line.
func (h *Handler) UpdateLineAmount(w http.ResponseWriter, r *http.Request) {
	var req UpdateLineAmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := pounds("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.Services.Batches.UpdateLineAmount(r.Context(), ledger.LineID(chi.URLParam(r, "id")), ledger.LineID(req.OffsetLineID), amount, req.Reason, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(l))
}

// LineNet returns gross + approved adjustments for one line.
func (h *Handler) LineNet(w http.ResponseWriter, r *http.Request) {
	net, err := h.Services.Adjustments.NetPayable(r.Context(), ledger.LineID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LineNetDTO{
		LineID:     string(net.LineID),
		Gross:      net.Gross.String(),
		Approved:   net.Approved.String(),
		NetPayable: net.Net.String(),
	})
}

// =============================================================================
// ADJUSTMENT HANDLERS
// =============================================================================

// CreateAdjustment records a pending correction on a locked line.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req CreateAdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := pounds("adjustment_amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.Services.Adjustments.Create(r.Context(), ledger.Adjustment{
		LineID: ledger.LineID(req.LineID),
		Type:   ledger.AdjustmentType(req.Type),
		Amount: amount,
		Reason: req.Reason,
	}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(a))
}

// ListAdjustments filters by batch_id, allocation_line_id, employee_id, status.
func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	adjs, err := h.Services.Adjustments.List(r.Context(), ledger.AdjustmentFilter{
		BatchID:    ledger.BatchID(q.Get("batch_id")),
		LineID:     ledger.LineID(q.Get("allocation_line_id")),
		EmployeeID: ledger.EmployeeID(q.Get("employee_id")),
		Status:     ledger.AdjustmentStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AdjustmentDTO, len(adjs))
	for i, a := range adjs {
		dtos[i] = toAdjustmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveAdjustment applies the adjustment to net payable.
func (h *Handler) ApproveAdjustment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Services.Adjustments.Approve(r.Context(), ledger.AdjustmentID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdjustmentDTO(a))
}

// RejectAdjustment closes the adjustment without effect.
func (h *Handler) RejectAdjustment(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Services.Adjustments.Reject(r.Context(), ledger.AdjustmentID(chi.URLParam(r, "id")), req.Reason, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdjustmentDTO(a))
}

// =============================================================================
// DISPUTE HANDLERS
// =============================================================================

// CreateDispute opens a dispute on the caller's own line.
func (h *Handler) CreateDispute(w http.ResponseWriter, r *http.Request) {
	var req CreateDisputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Services.Disputes.Raise(r.Context(), ledger.Dispute{
		EmployeeID:  ledger.EmployeeID(req.EmployeeID),
		LineID:      ledger.LineID(req.LineID),
		Category:    ledger.DisputeCategory(req.Category),
		Description: req.Description,
	}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeDTO(d))
}

// ListDisputes filters by employee_id, batch_id, status.
func (h *Handler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ds, err := h.Services.Disputes.List(r.Context(), ledger.DisputeFilter{
		EmployeeID: ledger.EmployeeID(q.Get("employee_id")),
		BatchID:    ledger.BatchID(q.Get("batch_id")),
		Status:     ledger.DisputeStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]DisputeDTO, len(ds))
	for i, d := range ds {
		dtos[i] = toDisputeDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReviewDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.Services.Disputes.Review(r.Context(), ledger.DisputeID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

// ResolveDispute links the adjustment that settles the dispute.
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveDisputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Services.Disputes.Resolve(r.Context(), ledger.DisputeID(chi.URLParam(r, "id")),
		ledger.AdjustmentID(req.AdjustmentID), req.Resolution, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

func (h *Handler) RejectDispute(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Services.Disputes.Reject(r.Context(), ledger.DisputeID(chi.URLParam(r, "id")), req.Reason, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

// =============================================================================
// AUDIT, RECONCILIATION, PAYROLL
// =============================================================================

// defaultAuditPage bounds unpaginated audit listings.
const defaultAuditPage = 100

// ListAudit returns audit events ascending by sequence.
// Filters: actor_id, entity_type, entity_id, action, from, to, hmrc_only,
// after (sequence), limit, offset.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.AuditFilter{
		ActorID:    q.Get("actor_id"),
		EntityType: ledger.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
		Action:     ledger.AuditAction(q.Get("action")),
		HMRCOnly:   q.Get("hmrc_only") == "true",
	}
	var err error
	if f.From, err = dateParam(r, "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.To, err = dateParam(r, "to"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.To != nil {
		end := f.To.AddDate(0, 0, 1)
		f.To = &end
	}
	if s := q.Get("after"); s != "" {
		if f.AfterSeq, err = strconv.ParseInt(s, 10, 64); err != nil {
			h.fail(w, r, &ledger.ValidationError{Field: "after", Message: "must be an integer", Err: ledger.ErrInvalidInput})
			return
		}
	}
	if f.Limit, f.Offset, err = pageParams(r); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Limit == 0 {
		f.Limit = defaultAuditPage
	}

	evs, err := h.Services.Audit.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AuditEventDTO, len(evs))
	for i, e := range evs {
		dtos[i] = toAuditEventDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos, "limit": f.Limit, "offset": f.Offset})
}

// VerifyAudit walks the audit chain. A break is reported in the body.
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Services.Audit.Verify(r.Context())
	dto := ChainDTO{OK: err == nil, Events: report.Events, HeadSeq: report.HeadSeq, HeadHash: report.HeadHash}
	if err != nil {
		var mismatch *ledger.HashMismatchError
		if !errors.As(err, &mismatch) {
			h.fail(w, r, err)
			return
		}
		dto.Break = &MismatchDTO{Kind: mismatch.Kind, ID: mismatch.ID, Expected: mismatch.Expected, Actual: mismatch.Actual}
	}
	writeJSON(w, http.StatusOK, dto)
}

// Reconciliation runs the read-only checks for location_id over [from, to].
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.Services.Reconciliation.Run(r.Context(), ledger.LocationID(r.URL.Query().Get("location_id")), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewReconciliationDTO(report))
}

// PayrollExport returns per-employee records over locked batches.
func (h *Handler) PayrollExport(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	records, err := h.Services.Payroll.Export(r.Context(), tips.PayrollFilter{
		From:       from,
		To:         to,
		LocationID: ledger.LocationID(r.URL.Query().Get("location_id")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PayrollRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toPayrollRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decode reads the JSON body into dst and checks its validate tags.
// On failure it writes the 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			details := make(map[string]string, len(ve))
			for _, fe := range ve {
				details[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "invalid_input", Details: details})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// fail maps a service error to a status and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := http.StatusInternalServerError, "Internal error"
	switch {
	case ledger.IsNotFound(err):
		status, message = http.StatusNotFound, "Not found"
	case ledger.IsConflict(err):
		status, message = http.StatusConflict, "Conflict"
	case ledger.IsClientError(err):
		status, message = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, ledger.ErrHashMismatch):
		message = "Integrity check failed"
	}

	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: errorCode(err), Details: err.Error()})
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ledger.ErrMissingEmployeeAssignment, "missing_employee_assignment"},
	{ledger.ErrNoEligibleEmployees, "no_eligible_employees"},
	{ledger.ErrBatchLocked, "batch_locked"},
	{ledger.ErrAlreadyFinalised, "already_finalised"},
	{ledger.ErrNotFinalised, "not_finalised"},
	{ledger.ErrAlreadyExported, "already_exported"},
	{ledger.ErrUnresolvedWithoutAdjustment, "unresolved_without_adjustment"},
	{ledger.ErrAdjustmentNotPending, "adjustment_not_pending"},
	{ledger.ErrSelfApproval, "self_approval"},
	{ledger.ErrDisputeClosed, "dispute_closed"},
	{ledger.ErrNotLineOwner, "not_line_owner"},
	{ledger.ErrNoCurrentRuleSet, "no_current_rule_set"},
	{ledger.ErrInvalidRuleSet, "invalid_rule_set"},
	{ledger.ErrInvalidAdjustment, "invalid_adjustment"},
	{ledger.ErrInvalidDispute, "invalid_dispute"},
	{ledger.ErrInvalidPeriod, "invalid_period"},
	{ledger.ErrInvalidInput, "invalid_input"},
	{ledger.ErrHashMismatch, "hash_mismatch"},
	{ledger.ErrUnbalancedBatch, "unbalanced_batch"},
	{ledger.ErrConcurrentModification, "concurrent_modification"},
	{ledger.ErrLockNotObtained, "lock_not_obtained"},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if ledger.IsNotFound(err) {
		return "not_found"
	}
	return ""
}

func periodOf(req PeriodRequest) (ledger.Period, error) {
	start, err := ledger.ParseDate(req.PeriodStart)
	if err != nil {
		return ledger.Period{}, &ledger.ValidationError{Field: "period_start", Message: err.Error(), Err: ledger.ErrInvalidPeriod}
	}
	end, err := ledger.ParseDate(req.PeriodEnd)
	if err != nil {
		return ledger.Period{}, &ledger.ValidationError{Field: "period_end", Message: err.Error(), Err: ledger.ErrInvalidPeriod}
	}
	return ledger.NewPeriod(start, end)
}

// dateParam parses an optional YYYY-MM-DD query parameter.
func dateParam(r *http.Request, name string) (*time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	t, err := ledger.ParseDate(s)
	if err != nil {
		return nil, &ledger.ValidationError{Field: name, Message: "must be YYYY-MM-DD", Err: ledger.ErrInvalidInput}
	}
	return &t, nil
}

// rangeParams parses the required from and to query parameters.
func rangeParams(r *http.Request) (time.Time, time.Time, error) {
	from, err := dateParam(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := dateParam(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if from == nil || to == nil {
		return time.Time{}, time.Time{}, &ledger.ValidationError{Field: "from", Message: "from and to are required", Err: ledger.ErrInvalidPeriod}
	}
	return *from, *to, nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return 0, 0, &ledger.ValidationError{Field: "limit", Message: "must be a non-negative integer", Err: ledger.ErrInvalidInput}
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, &ledger.ValidationError{Field: "offset", Message: "must be a non-negative integer", Err: ledger.ErrInvalidInput}
		}
	}
	return limit, offset, nil
}
