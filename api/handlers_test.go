/*
handlers_test.go - Tests for API handlers

Tests for:
- Full batch lifecycle over HTTP (sync, rules, preview, draft, finalise,
  adjust, verify, export, payroll)
- Error mapping (400 / 401 / 404 / 409 and error codes)
- Actor identification (headers and JWT)
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/store/sqlite"
	"github.com/warp/tip-ledger/tips"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

type testServer struct {
	h      *Handler
	router http.Handler
	secret string
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	svc := tips.New(tips.Deps{
		Store: store,
		Log:   log,
		Now:   func() time.Time { return testNow },
	})
	h := NewHandler(svc, ledger.PeriodConfig{Type: ledger.PeriodWeekly}, log)
	return &testServer{h: h, router: NewRouter(h, secret), secret: secret}
}

// do sends body as JSON with actor in the X-Actor-ID header.
func (s *testServer) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seed syncs three front-of-house staff with tips of 50.00, 40.00 and
// 30.00 in the week of 2025-03-03, and a pooled RuleSet.
func (s *testServer) seed(t *testing.T) {
	t.Helper()
	rec := s.do(t, "POST", "/api/sync/employees", "ops", map[string]any{
		"employees": []map[string]any{
			{"id": "alice", "location_id": "loc-1", "name": "Alice", "role": "server", "payroll_id": "P-001"},
			{"id": "bob", "location_id": "loc-1", "name": "Bob", "role": "server", "payroll_id": "P-002"},
			{"id": "carol", "location_id": "loc-1", "name": "Carol", "role": "bartender", "payroll_id": "P-003"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	shifts := []map[string]any{}
	for _, e := range []string{"alice", "bob", "carol"} {
		shifts = append(shifts, map[string]any{
			"id": "shift-" + e, "employee_id": e, "location_id": "loc-1",
			"start_at": "2025-03-04T12:00:00Z", "end_at": "2025-03-04T20:00:00Z", "hours_worked": "8",
		})
	}
	rec = s.do(t, "POST", "/api/sync/shifts", "ops", map[string]any{"shifts": shifts})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "POST", "/api/sync/transactions", "ops", map[string]any{
		"transactions": []map[string]any{
			{"id": "t1", "location_id": "loc-1", "employee_id": "alice", "amount": "500.00", "tip_amount": "50.00", "timestamp": "2025-03-04T19:00:00Z"},
			{"id": "t2", "location_id": "loc-1", "employee_id": "bob", "amount": "400.00", "tip_amount": "40.00", "timestamp": "2025-03-04T19:30:00Z"},
			{"id": "t3", "location_id": "loc-1", "employee_id": "carol", "amount": "300.00", "tip_amount": "30.00", "timestamp": "2025-03-04T19:45:00Z"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, SyncResultDTO{Received: 3, New: 3}, decodeBody[SyncResultDTO](t, rec))

	rec = s.do(t, "POST", "/api/rulesets", "manager-1", map[string]any{
		"location_id":    "loc-1",
		"name":           "Front of house",
		"method":         "pooled",
		"effective_from": "2025-01-01",
		"parameters":     map[string]any{"pool_roles": []string{"server", "bartender"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

var weekBody = map[string]any{"location_id": "loc-1", "period_start": "2025-03-03", "period_end": "2025-03-09"}

func (s *testServer) finalisedBatch(t *testing.T) BatchDetailDTO {
	t.Helper()
	s.seed(t)
	rec := s.do(t, "POST", "/api/batches", "manager-1", weekBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[CreateBatchDTO](t, rec)

	rec = s.do(t, "POST", "/api/batches/"+created.Batch.ID+"/finalise", "manager-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "GET", "/api/batches/"+created.Batch.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBody[BatchDetailDTO](t, rec)
}

func lineFor(t *testing.T, d BatchDetailDTO, employee string) LineDTO {
	t.Helper()
	for _, l := range d.Lines {
		if l.EmployeeID == employee {
			return l
		}
	}
	t.Fatalf("no line for %s", employee)
	return LineDTO{}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestAPI_PreviewAndDraft(t *testing.T) {
	s := newTestServer(t, "")
	s.seed(t)

	// WHEN: Previewing the week
	rec := s.do(t, "POST", "/api/preview", "", weekBody)

	// THEN: 120.00 splits equally, nothing is stored
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decodeBody[PreviewDTO](t, rec)
	assert.Equal(t, "120.00", preview.TotalTips)
	assert.Equal(t, []string{"t1", "t2", "t3"}, preview.Sources)
	require.Len(t, preview.Lines, 3)
	for _, l := range preview.Lines {
		assert.Equal(t, "40.00", l.GrossAmount)
	}

	rec = s.do(t, "GET", "/api/batches?location_id=loc-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]BatchDTO](t, rec))

	// WHEN: Drafting twice
	rec = s.do(t, "POST", "/api/batches", "manager-1", weekBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[CreateBatchDTO](t, rec)

	rec = s.do(t, "POST", "/api/batches", "manager-1", weekBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeBody[CreateBatchDTO](t, rec)

	// THEN: The second call is a no-op on the same batch
	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.False(t, second.Recomputed)
	assert.Equal(t, first.Batch.ID, second.Batch.ID)
	assert.Equal(t, "draft", second.Batch.Status)
	assert.Equal(t, "120.00", second.Batch.TotalTipsAllocated)
}

func TestAPI_DraftLineEditThenFinaliseLocks(t *testing.T) {
	s := newTestServer(t, "")
	s.seed(t)
	rec := s.do(t, "POST", "/api/batches", "manager-1", weekBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[CreateBatchDTO](t, rec)
	lineID, offsetID := created.Lines[0].ID, created.Lines[1].ID

	// GIVEN: A draft line edited to 41.00 against a second line
	rec = s.do(t, "PUT", "/api/lines/"+lineID+"/amount", "manager-1", map[string]any{"amount": "41.00", "offset_line_id": offsetID, "reason": "cash tip missed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "41.00", decodeBody[LineDTO](t, rec).GrossAmount)

	rec = s.do(t, "GET", "/api/lines/"+offsetID+"/net", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "39.00", decodeBody[LineNetDTO](t, rec).Gross)

	// WHEN: Finalising, then editing again
	rec = s.do(t, "POST", "/api/batches/"+created.Batch.ID+"/finalise", "manager-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "finalised", decodeBody[BatchDTO](t, rec).Status)

	rec = s.do(t, "PUT", "/api/lines/"+lineID+"/amount", "manager-1", map[string]any{"amount": "99.00", "offset_line_id": offsetID, "reason": "late"})

	// THEN: 409 batch_locked
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "batch_locked", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, "POST", "/api/batches/"+created.Batch.ID+"/finalise", "manager-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_finalised", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAPI_AdjustmentFourEyes(t *testing.T) {
	s := newTestServer(t, "")
	batch := s.finalisedBatch(t)
	alice := lineFor(t, batch, "alice")

	// GIVEN: A +5.00 correction raised by manager-1
	rec := s.do(t, "POST", "/api/adjustments", "manager-1", map[string]any{
		"allocation_line_id": alice.ID,
		"adjustment_type":    "correction",
		"adjustment_amount":  "5.00",
		"reason":             "missed card tip",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decodeBody[AdjustmentDTO](t, rec)
	assert.Equal(t, "pending", adj.Status)

	// WHEN: The creator approves
	rec = s.do(t, "POST", "/api/adjustments/"+adj.ID+"/approve", "manager-1", nil)

	// THEN: 400 self_approval
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "self_approval", decodeBody[ErrorResponse](t, rec).Code)

	// WHEN: A second manager approves
	rec = s.do(t, "POST", "/api/adjustments/"+adj.ID+"/approve", "manager-2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Net rises by 5.00, gross unchanged
	rec = s.do(t, "GET", "/api/lines/"+alice.ID+"/net", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	net := decodeBody[LineNetDTO](t, rec)
	assert.Equal(t, "40.00", net.Gross)
	assert.Equal(t, "5.00", net.Approved)
	assert.Equal(t, "45.00", net.NetPayable)

	rec = s.do(t, "POST", "/api/adjustments/"+adj.ID+"/reject", "manager-2", map[string]any{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "adjustment_not_pending", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, "GET", "/api/adjustments?allocation_line_id="+alice.ID+"&status=approved", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]AdjustmentDTO](t, rec), 1)
}

func TestAPI_DisputeNeedsAdjustment(t *testing.T) {
	s := newTestServer(t, "")
	batch := s.finalisedBatch(t)
	bob := lineFor(t, batch, "bob")

	rec := s.do(t, "POST", "/api/disputes", "bob", map[string]any{
		"employee_id":        "bob",
		"allocation_line_id": bob.ID,
		"category":           "wrong_hours",
		"description":        "I worked a double",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dispute := decodeBody[DisputeDTO](t, rec)

	// WHEN: Resolving without an adjustment
	rec = s.do(t, "POST", "/api/disputes/"+dispute.ID+"/resolve", "manager-1", map[string]any{"resolution": "agreed"})

	// THEN: 400 unresolved_without_adjustment
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unresolved_without_adjustment", decodeBody[ErrorResponse](t, rec).Code)

	// WHEN: Linking a dispute_resolution adjustment
	rec = s.do(t, "POST", "/api/adjustments", "manager-1", map[string]any{
		"allocation_line_id": bob.ID,
		"adjustment_type":    "dispute_resolution",
		"adjustment_amount":  "3.00",
		"reason":             "double shift",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decodeBody[AdjustmentDTO](t, rec)

	rec = s.do(t, "POST", "/api/disputes/"+dispute.ID+"/resolve", "manager-1", map[string]any{"adjustment_id": adj.ID, "resolution": "agreed"})

	// THEN: Resolved and closed by the manager
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decodeBody[DisputeDTO](t, rec)
	assert.Equal(t, "resolved", resolved.Status)
	require.NotNil(t, resolved.AdjustmentID)
	assert.Equal(t, adj.ID, *resolved.AdjustmentID)
	assert.Equal(t, "manager-1", resolved.ClosedBy)

	rec = s.do(t, "POST", "/api/disputes/"+dispute.ID+"/reject", "manager-1", map[string]any{"reason": "changed mind"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_VerifyExportAndPayroll(t *testing.T) {
	s := newTestServer(t, "")
	batch := s.finalisedBatch(t)

	rec := s.do(t, "GET", "/api/batches/"+batch.Batch.ID+"/verify", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeBody[VerifyDTO](t, rec)
	assert.True(t, v.OK)
	assert.Equal(t, 3, v.Lines)

	rec = s.do(t, "POST", "/api/batches/"+batch.Batch.ID+"/export", "manager-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "exported", decodeBody[BatchDTO](t, rec).Status)

	rec = s.do(t, "GET", "/api/exports/payroll?from=2025-03-01&to=2025-03-31", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payroll := decodeBody[struct {
		Records []PayrollRecordDTO `json:"records"`
	}](t, rec)
	require.Len(t, payroll.Records, 3)
	assert.Equal(t, "P-001", payroll.Records[0].PayrollID)
	assert.Equal(t, "40.00", payroll.Records[0].NetTips)
	require.Len(t, payroll.Records[0].LocationBreakdown, 1)

	// Audit: ruleset, created, finalised, exported
	rec = s.do(t, "GET", "/api/audit/verify", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decodeBody[ChainDTO](t, rec)
	assert.True(t, chain.OK)
	assert.Equal(t, 4, chain.Events)

	rec = s.do(t, "GET", "/api/audit?hmrc_only=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[struct {
		Events []AuditEventDTO `json:"events"`
		Limit  int             `json:"limit"`
	}](t, rec)
	assert.Len(t, page.Events, 3)
	assert.Equal(t, defaultAuditPage, page.Limit)
}

func TestAPI_Reconciliation(t *testing.T) {
	s := newTestServer(t, "")
	s.finalisedBatch(t)

	// GIVEN: A late tip and a refund of an allocated one
	rec := s.do(t, "POST", "/api/sync/transactions", "ops", map[string]any{
		"transactions": []map[string]any{
			{"id": "t1", "location_id": "loc-1", "employee_id": "alice", "amount": "500.00", "tip_amount": "50.00", "timestamp": "2025-03-04T19:00:00Z", "refund_status": "refunded"},
			{"id": "t9", "location_id": "loc-1", "employee_id": "bob", "amount": "80.00", "tip_amount": "8.00", "timestamp": "2025-03-05T19:00:00Z"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "GET", "/api/reconciliation?location_id=loc-1&from=2025-03-03&to=2025-03-09", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[ReconciliationDTO](t, rec)
	assert.False(t, report.Clean)
	require.Len(t, report.UnallocatedTips, 1)
	assert.Equal(t, "t9", report.UnallocatedTips[0].ID)
	assert.Equal(t, "8.00", report.UnallocatedTotal)
	require.Len(t, report.ClawbackCandidates, 1)
	assert.Equal(t, "t1", report.ClawbackCandidates[0].Transaction.ID)

	rec = s.do(t, "GET", "/api/reconciliation?location_id=loc-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestAPI_ValidationErrors(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name string
		path string
		body any
		code string
	}{
		{"bad date", "/api/batches", map[string]any{"location_id": "loc-1", "period_start": "03/03/2025", "period_end": "2025-03-09"}, "invalid_input"},
		{"end before start", "/api/batches", map[string]any{"location_id": "loc-1", "period_start": "2025-03-09", "period_end": "2025-03-03"}, "invalid_period"},
		{"unknown adjustment type", "/api/adjustments", map[string]any{"allocation_line_id": "x", "adjustment_type": "bonus", "adjustment_amount": "1", "reason": "r"}, "invalid_input"},
		{"sub-penny", "/api/sync/transactions", map[string]any{"transactions": []map[string]any{{"id": "t", "location_id": "l", "amount": "1", "tip_amount": "0.005", "timestamp": "2025-03-04T19:00:00Z"}}}, "invalid_input"},
		{"no rule set", "/api/batches", weekBody, "no_current_rule_set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, "POST", tt.path, "manager-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_ValidationDetailsUseJSONNames(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, "POST", "/api/batches", "manager-1", map[string]any{"period_start": "2025-03-03"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[struct {
		Details map[string]string `json:"details"`
	}](t, rec)
	assert.Equal(t, "required", resp.Details["PeriodRequest.location_id"])
	assert.Equal(t, "required", resp.Details["PeriodRequest.period_end"])
}

func TestAPI_NotFound(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, "GET", "/api/batches/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAPI_WritesRequireActor(t *testing.T) {
	s := newTestServer(t, "")
	s.seed(t)

	rec := s.do(t, "POST", "/api/batches", "", weekBody)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// AUTH
// =============================================================================

func TestAPI_JWT(t *testing.T) {
	s := newTestServer(t, "s3cret")

	t.Run("missing token", func(t *testing.T) {
		rec := s.do(t, "GET", "/api/batches", "manager-1", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		tok, err := SignToken("other", ledger.Actor{ID: "manager-1"}, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest("GET", "/api/batches", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token sets the audited actor", func(t *testing.T) {
		tok, err := SignToken("s3cret", ledger.Actor{ID: "manager-7", Email: "m7@example.com"}, time.Hour)
		require.NoError(t, err)

		body := bytes.NewBufferString(`{"location_id":"loc-9","method":"individual","parameters":{}}`)
		req := httptest.NewRequest("POST", "/api/rulesets", body)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		events, err := s.h.Services.Audit.List(req.Context(), ledger.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "manager-7", events[0].ActorID)
		assert.Equal(t, "m7@example.com", events[0].ActorEmail)
	})
}

func TestActorMiddleware_Headers(t *testing.T) {
	var got ledger.Actor
	h := ActorMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Actor-ID", " manager-1 ")
	req.Header.Set("X-Actor-Email", "m1@example.com")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, ledger.Actor{ID: "manager-1", Email: "m1@example.com"}, got)
}
