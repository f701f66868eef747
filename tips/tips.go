/*
Package tips holds the ledger's application services.

PURPOSE:
  Each service composes the store, the rule engine, the batch-key lock,
  the audit chain and the event publisher into one operation. The
  services are the only writers: HTTP handlers, the scheduler and the CLI
  all go through them.

SERVICES:
  SyncService:           validated ingestion of transactions, shifts, employees
  RuleService:           RuleSet versions and atomic supersession
  BatchService:          preview, draft, finalise, export, draft edits, verify
  AdjustmentService:     post-lock corrections with four-eyes approval
  DisputeService:        employee challenges resolved through adjustments
  ReconciliationService: read-only consistency report
  PayrollExporter:       per-employee records over locked batches
  AuditService:          listing and chain verification

TRANSACTION RULE:
  Every state change and its audit event are written in the same
  TxStore.WithTx call. Events are published only after the transaction
  commits, and a failed publish never undoes the change.

SEE ALSO:
  - ledger/store.go: Store interfaces
  - allocation/engine.go: Rule engine
  - api/handlers.go: HTTP surface over these services
*/
package tips

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/events"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/lock"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Deps are shared by every service. Zero fields get defaults.
type Deps struct {
	Store     ledger.TxStore
	Locker    ledger.Locker
	Publisher events.Publisher
	Log       logrus.FieldLogger
	Now       func() time.Time
	NewID     func() string
}

func (d Deps) withDefaults() Deps {
	if d.Locker == nil {
		d.Locker = lock.NewMemory(0)
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d
}

func (d Deps) now() time.Time { return d.Now().UTC() }

// audit appends one event to the chain inside the caller's transaction.
func (d Deps) audit(ctx context.Context, st ledger.Store, actor ledger.Actor, et ledger.EntityType, id string, action ledger.AuditAction, summary string, hmrc bool) (ledger.AuditEvent, error) {
	return ledger.AppendAudit(ctx, st, ledger.AuditEvent{
		ID:             ledger.AuditEventID(d.NewID()),
		EntityType:     et,
		EntityID:       id,
		Action:         action,
		ActorID:        actor.ID,
		ActorEmail:     actor.Email,
		ChangesSummary: summary,
		HMRCRelevant:   hmrc,
		CreatedAt:      d.now(),
	})
}

// publish sends ev after commit. Failures are logged, not returned.
func (d Deps) publish(ctx context.Context, ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now()
	}
	if err := d.Publisher.Publish(ctx, ev); err != nil {
		d.Log.WithError(err).WithFields(logrus.Fields{
			"event":     ev.Type,
			"entity_id": ev.EntityID,
		}).Warn("failed to publish event")
	}
}

func requireActor(actor ledger.Actor) error {
	if actor.IsZero() {
		return &ledger.ValidationError{Field: "actor", Message: "is required", Err: ledger.ErrInvalidInput}
	}
	return nil
}

// =============================================================================
// SERVICES
// =============================================================================

// Services bundles every service over one set of dependencies.
type Services struct {
	Sync           *SyncService
	Rules          *RuleService
	Batches        *BatchService
	Adjustments    *AdjustmentService
	Disputes       *DisputeService
	Reconciliation *ReconciliationService
	Payroll        *PayrollExporter
	Audit          *AuditService
}

// New wires all services.
func New(d Deps) *Services {
	d = d.withDefaults()
	rules := NewRuleService(d)
	return &Services{
		Sync:           NewSyncService(d),
		Rules:          rules,
		Batches:        NewBatchService(d, rules),
		Adjustments:    NewAdjustmentService(d),
		Disputes:       NewDisputeService(d),
		Reconciliation: NewReconciliationService(d),
		Payroll:        NewPayrollExporter(d),
		Audit:          NewAuditService(d),
	}
}
