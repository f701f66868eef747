package tips

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/events"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// ADJUSTMENT SERVICE - Post-lock corrections
// =============================================================================

// AdjustmentService records signed corrections against lines of locked
// batches. The line itself is never rewritten; only approved adjustments
// count toward net payable. Approval and rejection are four-eyes: the
// creator cannot decide their own adjustment.
type AdjustmentService struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewAdjustmentService(d Deps) *AdjustmentService {
	d = d.withDefaults()
	return &AdjustmentService{deps: d, log: d.Log.WithField("module", "adjustments")}
}

// Create records a pending adjustment. The line's batch must be locked;
// a draft is corrected with BatchService.UpdateLineAmount instead.
func (s *AdjustmentService) Create(ctx context.Context, a ledger.Adjustment, actor ledger.Actor) (ledger.Adjustment, error) {
	if err := requireActor(actor); err != nil {
		return ledger.Adjustment{}, err
	}
	if err := a.Validate(); err != nil {
		return ledger.Adjustment{}, err
	}

	err := s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		a, err = s.create(ctx, tx, a, actor)
		return err
	})
	if err != nil {
		return ledger.Adjustment{}, err
	}

	s.log.WithFields(logrus.Fields{
		"adjustment_id": a.ID,
		"line_id":       a.LineID,
		"type":          a.Type,
		"amount":        a.Amount.String(),
		"actor":         actor.ID,
	}).Info("adjustment created")
	return a, nil
}

// create runs inside the caller's transaction. Disputes reuse it.
func (s *AdjustmentService) create(ctx context.Context, tx ledger.Store, a ledger.Adjustment, actor ledger.Actor) (ledger.Adjustment, error) {
	line, err := tx.GetLine(ctx, a.LineID)
	if err != nil {
		return ledger.Adjustment{}, err
	}
	b, err := tx.GetBatch(ctx, line.BatchID)
	if err != nil {
		return ledger.Adjustment{}, err
	}
	if !b.Status.IsLocked() {
		return ledger.Adjustment{}, fmt.Errorf("%w: batch %s is draft, edit the line instead", ledger.ErrNotFinalised, b.ID)
	}

	a.ID = ledger.AdjustmentID(s.deps.NewID())
	a.BatchID = line.BatchID
	a.EmployeeID = line.EmployeeID
	a.Status = ledger.AdjustmentPending
	a.CreatedBy = actor.ID
	a.CreatedAt = s.deps.now()
	a.ApprovedBy, a.DecidedAt, a.RejectionReason = "", nil, ""

	if err := tx.InsertAdjustment(ctx, a); err != nil {
		return ledger.Adjustment{}, err
	}
	summary := fmt.Sprintf("%s %s on line %s: %s", a.Type, a.Amount, a.LineID, a.Reason)
	if _, err := s.deps.audit(ctx, tx, actor, ledger.EntityAdjustment, string(a.ID), ledger.AuditAdjustmentCreated, summary, false); err != nil {
		return ledger.Adjustment{}, err
	}
	return a, nil
}

// Approve makes the adjustment count toward net payable.
func (s *AdjustmentService) Approve(ctx context.Context, id ledger.AdjustmentID, actor ledger.Actor) (ledger.Adjustment, error) {
	return s.decide(ctx, id, ledger.AdjustmentApproved, "", actor)
}

// Reject closes the adjustment without effect. A reason is required.
func (s *AdjustmentService) Reject(ctx context.Context, id ledger.AdjustmentID, reason string, actor ledger.Actor) (ledger.Adjustment, error) {
	if reason == "" {
		return ledger.Adjustment{}, &ledger.ValidationError{Field: "reason", Message: "is required", Err: ledger.ErrInvalidAdjustment}
	}
	return s.decide(ctx, id, ledger.AdjustmentRejected, reason, actor)
}

func (s *AdjustmentService) decide(ctx context.Context, id ledger.AdjustmentID, to ledger.AdjustmentStatus, reason string, actor ledger.Actor) (ledger.Adjustment, error) {
	if err := requireActor(actor); err != nil {
		return ledger.Adjustment{}, err
	}

	var out ledger.Adjustment
	var ev ledger.AuditEvent
	err := s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		// 1. Load and check state
		a, err := tx.GetAdjustment(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != ledger.AdjustmentPending {
			return fmt.Errorf("%w: %s is %s", ledger.ErrAdjustmentNotPending, id, a.Status)
		}
		if a.CreatedBy == actor.ID {
			return fmt.Errorf("%w: %s created %s", ledger.ErrSelfApproval, actor.ID, id)
		}

		// 2. Compare-and-swap the decision
		at := s.deps.now()
		a.Status = to
		a.ApprovedBy = actor.ID
		a.DecidedAt = &at
		a.RejectionReason = reason
		ok, err := tx.TransitionAdjustment(ctx, a)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s was decided concurrently", ledger.ErrAdjustmentNotPending, id)
		}

		// 3. Audit
		action, hmrc := ledger.AuditAdjustmentApproved, true
		summary := fmt.Sprintf("%s %s on line %s approved", a.Type, a.Amount, a.LineID)
		if to == ledger.AdjustmentRejected {
			action, hmrc = ledger.AuditAdjustmentRejected, false
			summary = fmt.Sprintf("%s %s on line %s rejected: %s", a.Type, a.Amount, a.LineID, reason)
		}
		ev, err = s.deps.audit(ctx, tx, actor, ledger.EntityAdjustment, string(id), action, summary, hmrc)
		out = a
		return err
	})
	if err != nil {
		return ledger.Adjustment{}, err
	}

	s.log.WithFields(logrus.Fields{"adjustment_id": id, "status": to, "actor": actor.ID}).Info("adjustment decided")

	typ := events.AdjustmentApproved
	if to == ledger.AdjustmentRejected {
		typ = events.AdjustmentRejected
	}
	s.deps.publish(ctx, events.Event{
		Type:       typ,
		EntityID:   string(id),
		ActorID:    actor.ID,
		AuditSeq:   ev.Sequence,
		Attributes: map[string]string{"line_id": string(out.LineID), "amount": out.Amount.String()},
	})
	return out, nil
}

func (s *AdjustmentService) Get(ctx context.Context, id ledger.AdjustmentID) (ledger.Adjustment, error) {
	return s.deps.Store.GetAdjustment(ctx, id)
}

func (s *AdjustmentService) List(ctx context.Context, f ledger.AdjustmentFilter) ([]ledger.Adjustment, error) {
	return s.deps.Store.ListAdjustments(ctx, f)
}

// =============================================================================
// NET PAYABLE
// =============================================================================

// LineNet is the net view of one line.
type LineNet struct {
	LineID   ledger.LineID
	Gross    money.Money
	Approved money.Money
	Net      money.Money
}

// NetPayable returns gross + approved adjustments for one line.
func (s *AdjustmentService) NetPayable(ctx context.Context, lineID ledger.LineID) (LineNet, error) {
	line, err := s.deps.Store.GetLine(ctx, lineID)
	if err != nil {
		return LineNet{}, err
	}
	adjs, err := s.deps.Store.ListAdjustments(ctx, ledger.AdjustmentFilter{LineID: lineID})
	if err != nil {
		return LineNet{}, err
	}
	net, approved := ledger.NetPayable(line.GrossAmount, adjs)
	return LineNet{LineID: lineID, Gross: line.GrossAmount, Approved: approved, Net: net}, nil
}

// EmployeeNet is the net view of one employee within a batch.
type EmployeeNet struct {
	EmployeeID ledger.EmployeeID
	BatchID    ledger.BatchID
	Lines      []LineNet
	Gross      money.Money
	Approved   money.Money
	Net        money.Money
}

// EmployeeNet sums every line the employee holds in the batch.
func (s *AdjustmentService) EmployeeNet(ctx context.Context, batchID ledger.BatchID, employeeID ledger.EmployeeID) (EmployeeNet, error) {
	lines, err := s.deps.Store.ListLines(ctx, batchID)
	if err != nil {
		return EmployeeNet{}, err
	}
	adjs, err := s.deps.Store.ListAdjustments(ctx, ledger.AdjustmentFilter{BatchID: batchID, EmployeeID: employeeID})
	if err != nil {
		return EmployeeNet{}, err
	}
	byLine := make(map[ledger.LineID][]ledger.Adjustment)
	for _, a := range adjs {
		byLine[a.LineID] = append(byLine[a.LineID], a)
	}

	out := EmployeeNet{EmployeeID: employeeID, BatchID: batchID}
	for _, l := range lines {
		if l.EmployeeID != employeeID {
			continue
		}
		net, approved := ledger.NetPayable(l.GrossAmount, byLine[l.ID])
		out.Lines = append(out.Lines, LineNet{LineID: l.ID, Gross: l.GrossAmount, Approved: approved, Net: net})
		out.Gross += l.GrossAmount
		out.Approved += approved
		out.Net += net
	}
	return out, nil
}
