/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the manager dashboard
  5. Actor:      On /api only; identifies who is acting (auth.go)

ROUTE GROUPS:
  /api/sync/*           Feed ingestion
  /api/rulesets/*       Allocation rules
  /api/batches/*        Batch lifecycle
  /api/lines/*          Line edits and net payable
  /api/adjustments/*    Post-finalisation corrections
  /api/disputes/*       Employee disputes
  /api/audit/*          Audit trail
  /api/reconciliation   Read-only checks
  /api/exports/*        Payroll export
  /api/scenarios/*      Demo scenarios
  /                     API index

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/tipledger/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// jwtSecret trusts the X-Actor-* headers.
func NewRouter(h *Handler, jwtSecret string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID", "X-Actor-Email"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(ActorMiddleware(jwtSecret))

		r.Route("/sync", func(r chi.Router) {
			r.Post("/transactions", h.SyncTransactions)
			r.Post("/shifts", h.SyncShifts)
			r.Post("/employees", h.SyncEmployees)
		})

		r.Route("/rulesets", func(r chi.Router) {
			r.Get("/", h.ListRuleSets)
			r.Post("/", h.CreateRuleSet)
			r.Get("/current", h.CurrentRuleSet)
		})

		r.Post("/preview", h.Preview)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Get("/{id}", h.GetBatch)
			r.Post("/{id}/finalise", h.FinaliseBatch)
			r.Post("/{id}/export", h.ExportBatch)
			r.Get("/{id}/verify", h.VerifyBatch)
		})

		r.Route("/lines", func(r chi.Router) {
			r.Put("/{id}/amount", h.UpdateLineAmount)
			r.Get("/{id}/net", h.LineNet)
		})

		r.Route("/adjustments", func(r chi.Router) {
			r.Get("/", h.ListAdjustments)
			r.Post("/", h.CreateAdjustment)
			r.Post("/{id}/approve", h.ApproveAdjustment)
			r.Post("/{id}/reject", h.RejectAdjustment)
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Get("/", h.ListDisputes)
			r.Post("/", h.CreateDispute)
			r.Post("/{id}/review", h.ReviewDispute)
			r.Post("/{id}/resolve", h.ResolveDispute)
			r.Post("/{id}/reject", h.RejectDispute)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.ListAudit)
			r.Get("/verify", h.VerifyAudit)
		})

		r.Get("/reconciliation", h.Reconciliation)
		r.Get("/exports/payroll", h.PayrollExport)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Tip Ledger</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Tip Ledger API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/batches">/api/batches</a> - Allocation batches</li>
<li><a href="/api/rulesets">/api/rulesets</a> - Rule sets</li>
<li><a href="/api/audit">/api/audit</a> - Audit trail</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
