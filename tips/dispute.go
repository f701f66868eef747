package tips

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/events"
	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// DISPUTE SERVICE - Employee challenges
// =============================================================================

// DisputeService runs the workflow open -> under_review -> resolved|rejected.
// A dispute never changes money by itself: resolving one links the
// dispute_resolution adjustment that carries the correction.
type DisputeService struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewDisputeService(d Deps) *DisputeService {
	d = d.withDefaults()
	return &DisputeService{deps: d, log: d.Log.WithField("module", "disputes")}
}

// Raise opens a dispute. Only the line's own employee may raise one, and
// only against a locked batch.
func (s *DisputeService) Raise(ctx context.Context, d ledger.Dispute, actor ledger.Actor) (ledger.Dispute, error) {
	if err := requireActor(actor); err != nil {
		return ledger.Dispute{}, err
	}
	switch {
	case d.LineID == "":
		return ledger.Dispute{}, &ledger.ValidationError{Field: "allocation_line_id", Message: "is required", Err: ledger.ErrInvalidDispute}
	case d.EmployeeID == "":
		return ledger.Dispute{}, &ledger.ValidationError{Field: "employee_id", Message: "is required", Err: ledger.ErrInvalidDispute}
	case !d.Category.IsValid():
		return ledger.Dispute{}, &ledger.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", d.Category), Err: ledger.ErrInvalidDispute}
	case d.Description == "":
		return ledger.Dispute{}, &ledger.ValidationError{Field: "description", Message: "is required", Err: ledger.ErrInvalidDispute}
	}

	err := s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		line, err := tx.GetLine(ctx, d.LineID)
		if err != nil {
			return err
		}
		if line.EmployeeID != d.EmployeeID {
			return fmt.Errorf("%w: %s does not hold line %s", ledger.ErrNotLineOwner, d.EmployeeID, d.LineID)
		}
		b, err := tx.GetBatch(ctx, line.BatchID)
		if err != nil {
			return err
		}
		if !b.Status.IsLocked() {
			return fmt.Errorf("%w: batch %s is still draft", ledger.ErrNotFinalised, b.ID)
		}

		now := s.deps.now()
		d.ID = ledger.DisputeID(s.deps.NewID())
		d.BatchID = line.BatchID
		d.Status = ledger.DisputeOpen
		d.AdjustmentID = nil
		d.Resolution, d.ClosedBy = "", ""
		d.CreatedAt, d.UpdatedAt = now, now
		if err := tx.InsertDispute(ctx, d); err != nil {
			return err
		}
		_, err = s.deps.audit(ctx, tx, actor, ledger.EntityDispute, string(d.ID), ledger.AuditDisputeOpened,
			fmt.Sprintf("%s on line %s: %s", d.Category, d.LineID, d.Description), false)
		return err
	})
	if err != nil {
		return ledger.Dispute{}, err
	}

	s.log.WithFields(logrus.Fields{"dispute_id": d.ID, "line_id": d.LineID, "employee_id": d.EmployeeID}).Info("dispute raised")
	return d, nil
}

// Review moves an open dispute to under_review.
func (s *DisputeService) Review(ctx context.Context, id ledger.DisputeID, actor ledger.Actor) (ledger.Dispute, error) {
	out, _, err := s.move(ctx, id, actor, func(tx ledger.Store, d *ledger.Dispute) (ledger.AuditAction, string, error) {
		if d.Status != ledger.DisputeOpen {
			return "", "", fmt.Errorf("%w: %s is %s", ledger.ErrDisputeClosed, id, d.Status)
		}
		d.Status = ledger.DisputeUnderReview
		return ledger.AuditDisputeReview, "review started", nil
	})
	return out, err
}

// Resolve closes the dispute by linking an adjustment. The adjustment must
// be a dispute_resolution on the same line and must not be rejected.
func (s *DisputeService) Resolve(ctx context.Context, id ledger.DisputeID, adjustmentID ledger.AdjustmentID, resolution string, actor ledger.Actor) (ledger.Dispute, error) {
	if adjustmentID == "" {
		return ledger.Dispute{}, fmt.Errorf("%w: dispute %s", ledger.ErrUnresolvedWithoutAdjustment, id)
	}

	out, ev, err := s.move(ctx, id, actor, func(tx ledger.Store, d *ledger.Dispute) (ledger.AuditAction, string, error) {
		if d.Status.IsTerminal() {
			return "", "", fmt.Errorf("%w: %s is %s", ledger.ErrDisputeClosed, id, d.Status)
		}
		a, err := tx.GetAdjustment(ctx, adjustmentID)
		if err != nil {
			return "", "", err
		}
		switch {
		case a.LineID != d.LineID:
			return "", "", &ledger.ValidationError{Field: "adjustment_id", Message: "is for another line", Err: ledger.ErrInvalidDispute}
		case a.Type != ledger.AdjustmentDisputeResolution:
			return "", "", &ledger.ValidationError{Field: "adjustment_id", Message: fmt.Sprintf("has type %s, want %s", a.Type, ledger.AdjustmentDisputeResolution), Err: ledger.ErrInvalidDispute}
		case a.Status == ledger.AdjustmentRejected:
			return "", "", &ledger.ValidationError{Field: "adjustment_id", Message: "was rejected", Err: ledger.ErrInvalidDispute}
		}

		d.Status = ledger.DisputeResolved
		d.AdjustmentID = &adjustmentID
		d.Resolution = resolution
		return ledger.AuditDisputeResolved, fmt.Sprintf("resolved by adjustment %s (%s): %s", adjustmentID, a.Amount, resolution), nil
	})
	if err != nil {
		return ledger.Dispute{}, err
	}

	s.deps.publish(ctx, events.Event{
		Type:       events.DisputeResolved,
		EntityID:   string(id),
		ActorID:    actor.ID,
		AuditSeq:   ev.Sequence,
		Attributes: map[string]string{"adjustment_id": string(adjustmentID), "line_id": string(out.LineID)},
	})
	return out, nil
}

// Reject closes the dispute with no adjustment. A reason is required.
func (s *DisputeService) Reject(ctx context.Context, id ledger.DisputeID, reason string, actor ledger.Actor) (ledger.Dispute, error) {
	if reason == "" {
		return ledger.Dispute{}, &ledger.ValidationError{Field: "resolution", Message: "is required", Err: ledger.ErrInvalidDispute}
	}
	out, _, err := s.move(ctx, id, actor, func(tx ledger.Store, d *ledger.Dispute) (ledger.AuditAction, string, error) {
		if d.Status.IsTerminal() {
			return "", "", fmt.Errorf("%w: %s is %s", ledger.ErrDisputeClosed, id, d.Status)
		}
		d.Status = ledger.DisputeRejected
		d.Resolution = reason
		return ledger.AuditDisputeRejected, "rejected: " + reason, nil
	})
	return out, err
}

// move loads the dispute, applies step, swaps the status and audits, all in
// one transaction.
func (s *DisputeService) move(ctx context.Context, id ledger.DisputeID, actor ledger.Actor,
	step func(tx ledger.Store, d *ledger.Dispute) (ledger.AuditAction, string, error)) (ledger.Dispute, ledger.AuditEvent, error) {
	if err := requireActor(actor); err != nil {
		return ledger.Dispute{}, ledger.AuditEvent{}, err
	}

	var out ledger.Dispute
	var ev ledger.AuditEvent
	err := s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		d, err := tx.GetDispute(ctx, id)
		if err != nil {
			return err
		}
		from := d.Status
		action, summary, err := step(tx, &d)
		if err != nil {
			return err
		}

		d.UpdatedAt = s.deps.now()
		if d.Status.IsTerminal() {
			d.ClosedBy = actor.ID
		}
		ok, err := tx.UpdateDispute(ctx, d, from)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: dispute %s changed concurrently", ledger.ErrConcurrentModification, id)
		}

		ev, err = s.deps.audit(ctx, tx, actor, ledger.EntityDispute, string(id), action, summary, d.Status == ledger.DisputeResolved)
		out = d
		return err
	})
	if err != nil {
		return ledger.Dispute{}, ledger.AuditEvent{}, err
	}

	s.log.WithFields(logrus.Fields{"dispute_id": id, "status": out.Status, "actor": actor.ID}).Info("dispute updated")
	return out, ev, nil
}

func (s *DisputeService) Get(ctx context.Context, id ledger.DisputeID) (ledger.Dispute, error) {
	return s.deps.Store.GetDispute(ctx, id)
}

func (s *DisputeService) List(ctx context.Context, f ledger.DisputeFilter) ([]ledger.Dispute, error) {
	return s.deps.Store.ListDisputes(ctx, f)
}
