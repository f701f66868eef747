/*
batch.go - Batch lifecycle service

PURPOSE:
  Drives a batch through draft -> finalised -> exported and keeps the
  lines of a locked batch frozen.

CONCURRENCY:
  Create (recompute) and Finalise for the same (location, period) run
  under the Locker keyed by ledger.BatchKey. Inside the lock each
  operation is one store transaction, and the status change itself is a
  compare-and-swap, so even with an expired lock:

    - two finalise calls: exactly one swap wins, the other sees
      ErrAlreadyFinalised
    - recompute vs finalise: ReplaceDraft only matches a draft row, so a
      late recompute gets ErrBatchLocked instead of overwriting

FINALISE IS ATOMIC:
  Line hashes, the status swap and the audit event commit together. A
  reader never observes a finalised batch with unhashed lines.

IDEMPOTENT RE-DRAFT:
  Line IDs are derived from the batch ID and line content, and the engine
  is deterministic. Recomputing a draft with unchanged inputs yields the
  same lines; the service then writes nothing and appends no audit event.

SEE ALSO:
  - allocation/engine.go: Compute
  - ledger/batch.go: Status machine and line hash
  - adjustment.go: The only mutation path after finalise
*/
package tips

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/allocation"
	"github.com/warp/tip-ledger/events"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// BatchService owns batch creation and status transitions.
type BatchService struct {
	deps  Deps
	rules *RuleService
	log   logrus.FieldLogger
}

func NewBatchService(d Deps, rules *RuleService) *BatchService {
	d = d.withDefaults()
	if rules == nil {
		rules = NewRuleService(d)
	}
	return &BatchService{deps: d, rules: rules, log: d.Log.WithField("module", "batches")}
}

// =============================================================================
// PREVIEW
// =============================================================================

// Preview computes lines without persisting anything. With ruleSetID nil
// the RuleSet effective for the period is used.
func (s *BatchService) Preview(ctx context.Context, locationID ledger.LocationID, p ledger.Period, ruleSetID *ledger.RuleSetID) (allocation.Result, ledger.RuleSet, error) {
	if err := p.Validate(); err != nil {
		return allocation.Result{}, ledger.RuleSet{}, err
	}

	var rs ledger.RuleSet
	var err error
	if ruleSetID != nil {
		rs, err = s.deps.Store.GetRuleSet(ctx, *ruleSetID)
		if err == nil && rs.LocationID != locationID {
			err = &ledger.ValidationError{Field: "rule_set_id", Message: "belongs to another location", Err: ledger.ErrInvalidInput}
		}
	} else {
		rs, err = ForPeriod(ctx, s.deps.Store, locationID, p)
	}
	if err != nil {
		return allocation.Result{}, ledger.RuleSet{}, err
	}

	res, err := compute(ctx, s.deps.Store, rs, p, "")
	return res, rs, err
}

// compute loads the period's inputs from st and runs the engine.
func compute(ctx context.Context, st ledger.FeedStore, rs ledger.RuleSet, p ledger.Period, batchID ledger.BatchID) (allocation.Result, error) {
	from, to := p.Start, p.EndExclusive()
	txs, err := st.ListTransactions(ctx, ledger.TransactionFilter{LocationID: rs.LocationID, From: &from, To: &to})
	if err != nil {
		return allocation.Result{}, fmt.Errorf("failed to load transactions: %w", err)
	}
	shifts, err := st.ListShifts(ctx, rs.LocationID, from, to)
	if err != nil {
		return allocation.Result{}, fmt.Errorf("failed to load shifts: %w", err)
	}
	employees, err := st.ListEmployees(ctx, rs.LocationID)
	if err != nil {
		return allocation.Result{}, fmt.Errorf("failed to load employees: %w", err)
	}

	return allocation.Compute(allocation.Input{
		RuleSet:      rs,
		Period:       p,
		BatchID:      batchID,
		Transactions: txs,
		Shifts:       shifts,
		Employees:    employees,
	})
}

// =============================================================================
// CREATE / RE-DRAFT
// =============================================================================

// CreateResult reports what Create did.
type CreateResult struct {
	Batch ledger.Batch
	Lines []ledger.Line

	// Created is true for a new batch; Recomputed for a changed draft.
	// Both false means the draft was already up to date.
	Created    bool
	Recomputed bool
}

// Create computes the batch for (location, period) and stores it as a
// draft. An existing draft is recomputed in place; a locked batch is
// never touched (ErrBatchLocked).
func (s *BatchService) Create(ctx context.Context, locationID ledger.LocationID, p ledger.Period, actor ledger.Actor) (CreateResult, error) {
	if err := requireActor(actor); err != nil {
		return CreateResult{}, err
	}
	if err := p.Validate(); err != nil {
		return CreateResult{}, err
	}

	key := ledger.BatchKey(locationID, p)
	unlock, err := s.deps.Locker.Lock(ctx, key)
	if err != nil {
		return CreateResult{}, err
	}
	defer unlock()

	var out CreateResult
	var ev ledger.AuditEvent
	err = s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		out = CreateResult{}

		// 1. Existing batch for the key?
		existing, err := tx.GetBatchByPeriod(ctx, locationID, p)
		found := err == nil
		if err != nil && !errors.Is(err, ledger.ErrBatchNotFound) {
			return err
		}
		if found && existing.Status.IsLocked() {
			return &ledger.TransitionError{BatchID: existing.ID, From: existing.Status, To: ledger.BatchDraft, Err: ledger.ErrBatchLocked}
		}

		// 2. Compute
		rs, err := ForPeriod(ctx, tx, locationID, p)
		if err != nil {
			return err
		}
		batchID := existing.ID
		if !found {
			batchID = ledger.BatchID(s.deps.NewID())
		}
		res, err := compute(ctx, tx, rs, p, batchID)
		if err != nil {
			return err
		}

		now := s.deps.now()
		b := existing
		if !found {
			b = ledger.Batch{
				ID:         batchID,
				LocationID: locationID,
				Period:     p,
				Status:     ledger.BatchDraft,
				Version:    1,
				CreatedAt:  now,
			}
		}

		// 3. Unchanged draft: nothing to write
		if found {
			stored, err := tx.ListLines(ctx, b.ID)
			if err != nil {
				return err
			}
			if b.RuleSetID == rs.ID && sameSources(b.SourceTransactionIDs, res.Sources) && sameLines(stored, res.Lines) {
				out.Batch, out.Lines = b, stored
				return nil
			}
		}

		b.RuleSetID = rs.ID
		b.RuleSetVersion = rs.Version
		b.BatchDate = now
		b.UpdatedAt = now
		b.SourceTransactionIDs = res.Sources
		b.Summarise(res.Lines)

		summary := fmt.Sprintf("%d lines, total %s, %s v%d (%s)", len(res.Lines), b.TotalTipsAllocated, rs.Method, rs.Version, p)
		if found {
			if err := tx.ReplaceDraft(ctx, b, res.Lines); err != nil {
				return err
			}
			b.Version++
			out.Recomputed = true
			ev, err = s.deps.audit(ctx, tx, actor, ledger.EntityBatch, string(b.ID), ledger.AuditBatchRecomputed, summary, false)
		} else {
			if err := tx.InsertBatch(ctx, b, res.Lines); err != nil {
				return err
			}
			out.Created = true
			ev, err = s.deps.audit(ctx, tx, actor, ledger.EntityBatch, string(b.ID), ledger.AuditBatchCreated, summary, false)
		}
		out.Batch, out.Lines = b, res.Lines
		return err
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"location_id": locationID, "period": p.String()}).Warn("batch draft failed")
		return CreateResult{}, err
	}

	if out.Created || out.Recomputed {
		s.log.WithFields(logrus.Fields{
			"batch_id":    out.Batch.ID,
			"location_id": locationID,
			"period":      p.String(),
			"lines":       len(out.Lines),
			"total":       out.Batch.TotalTipsAllocated.String(),
			"created":     out.Created,
		}).Info("batch drafted")
	}
	if out.Created {
		s.deps.publish(ctx, events.Event{
			Type:       events.BatchCreated,
			EntityID:   string(out.Batch.ID),
			LocationID: string(locationID),
			ActorID:    actor.ID,
			AuditSeq:   ev.Sequence,
		})
	}
	return out, nil
}

func sameSources(a, b []ledger.TransactionID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameLines(stored, computed []ledger.Line) bool {
	if len(stored) != len(computed) {
		return false
	}
	for i := range stored {
		a, b := stored[i], computed[i]
		if a.ID != b.ID || a.EmployeeID != b.EmployeeID || a.TransactionRef() != b.TransactionRef() ||
			a.Method != b.Method || a.GrossAmount != b.GrossAmount || a.Metadata.JSON() != b.Metadata.JSON() {
			return false
		}
	}
	return true
}

// checkBalance compares the lines' total with the tips of the batch's
// source transactions as currently stored.
func checkBalance(ctx context.Context, st ledger.FeedStore, b ledger.Batch, lines []ledger.Line) error {
	from, to := b.Period.Start, b.Period.EndExclusive()
	txs, err := st.ListTransactions(ctx, ledger.TransactionFilter{LocationID: b.LocationID, From: &from, To: &to})
	if err != nil {
		return fmt.Errorf("failed to load source transactions: %w", err)
	}
	tipByID := make(map[ledger.TransactionID]money.Money, len(txs))
	for _, t := range txs {
		tipByID[t.ID] = t.TipAmount
	}

	var sources money.Money
	for _, id := range b.SourceTransactionIDs {
		tip, ok := tipByID[id]
		if !ok {
			return fmt.Errorf("%w: batch %s source %s is not in the period", ledger.ErrUnbalancedBatch, b.ID, id)
		}
		sources += tip
	}
	if allocated := ledger.TotalGross(lines); allocated != sources {
		return &ledger.BalanceError{BatchID: b.ID, Allocated: allocated, Sources: sources}
	}
	return nil
}

// =============================================================================
// READ
// =============================================================================

// LineView is a line with its adjustments and net payable.
type LineView struct {
	Line        ledger.Line
	Adjustments []ledger.Adjustment
	Approved    money.Money
	Net         money.Money
}

// BatchView is a batch with its lines.
type BatchView struct {
	Batch ledger.Batch
	Lines []LineView
	Net   money.Money
}

// Get returns a batch with lines and the net view.
func (s *BatchService) Get(ctx context.Context, id ledger.BatchID) (BatchView, error) {
	b, err := s.deps.Store.GetBatch(ctx, id)
	if err != nil {
		return BatchView{}, err
	}
	lines, err := s.deps.Store.ListLines(ctx, id)
	if err != nil {
		return BatchView{}, err
	}
	adjs, err := s.deps.Store.ListAdjustments(ctx, ledger.AdjustmentFilter{BatchID: id})
	if err != nil {
		return BatchView{}, err
	}

	byLine := make(map[ledger.LineID][]ledger.Adjustment)
	for _, a := range adjs {
		byLine[a.LineID] = append(byLine[a.LineID], a)
	}

	view := BatchView{Batch: b}
	for _, l := range lines {
		net, approved := ledger.NetPayable(l.GrossAmount, byLine[l.ID])
		view.Lines = append(view.Lines, LineView{Line: l, Adjustments: byLine[l.ID], Approved: approved, Net: net})
		view.Net += net
	}
	return view, nil
}

func (s *BatchService) List(ctx context.Context, f ledger.BatchFilter) ([]ledger.Batch, error) {
	return s.deps.Store.ListBatches(ctx, f)
}

// =============================================================================
// FINALISE / EXPORT
// =============================================================================

// Finalise locks a draft: hashes every line, swaps the status and audits,
// all in one transaction.
func (s *BatchService) Finalise(ctx context.Context, id ledger.BatchID, actor ledger.Actor) (ledger.Batch, error) {
	if err := requireActor(actor); err != nil {
		return ledger.Batch{}, err
	}
	head, err := s.deps.Store.GetBatch(ctx, id)
	if err != nil {
		return ledger.Batch{}, err
	}

	unlock, err := s.deps.Locker.Lock(ctx, ledger.BatchKey(head.LocationID, head.Period))
	if err != nil {
		return ledger.Batch{}, err
	}
	defer unlock()

	var out ledger.Batch
	var ev ledger.AuditEvent
	err = s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		// 1. Read status under the lock
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != ledger.BatchDraft {
			return &ledger.TransitionError{BatchID: id, From: b.Status, To: ledger.BatchFinalised, Err: ledger.ErrAlreadyFinalised}
		}

		// 2. Lines must still allocate exactly what the sources tipped
		lines, err := tx.ListLines(ctx, id)
		if err != nil {
			return err
		}
		if err := checkBalance(ctx, tx, b, lines); err != nil {
			return err
		}

		// 3. Hash lines while still draft
		hashes := make(map[ledger.LineID]string, len(lines))
		for _, l := range lines {
			hashes[l.ID] = l.ComputeHash()
		}
		if err := tx.SetLineHashes(ctx, id, hashes); err != nil {
			return err
		}

		// 4. Compare-and-swap the status
		now := s.deps.now()
		ok, err := tx.TransitionBatch(ctx, id, ledger.BatchDraft, ledger.BatchFinalised, now)
		if err != nil {
			return err
		}
		if !ok {
			return &ledger.TransitionError{BatchID: id, From: b.Status, To: ledger.BatchFinalised, Err: ledger.ErrAlreadyFinalised}
		}

		summary := fmt.Sprintf("%d lines hashed, total %s", len(lines), b.TotalTipsAllocated)
		ev, err = s.deps.audit(ctx, tx, actor, ledger.EntityBatch, string(id), ledger.AuditBatchFinalised, summary, true)
		if err != nil {
			return err
		}

		out, err = tx.GetBatch(ctx, id)
		return err
	})
	if err != nil {
		return ledger.Batch{}, err
	}

	s.log.WithFields(logrus.Fields{"batch_id": id, "actor": actor.ID, "total": out.TotalTipsAllocated.String()}).Info("batch finalised")
	s.deps.publish(ctx, events.Event{
		Type:       events.BatchFinalised,
		EntityID:   string(id),
		LocationID: string(out.LocationID),
		ActorID:    actor.ID,
		AuditSeq:   ev.Sequence,
		Attributes: map[string]string{"total": out.TotalTipsAllocated.String()},
	})
	return out, nil
}

// Export marks a finalised batch as submitted to payroll. Line hashes are
// verified first; a mismatch halts the export.
func (s *BatchService) Export(ctx context.Context, id ledger.BatchID, actor ledger.Actor) (ledger.Batch, error) {
	if err := requireActor(actor); err != nil {
		return ledger.Batch{}, err
	}

	var out ledger.Batch
	var ev ledger.AuditEvent
	err := s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		switch b.Status {
		case ledger.BatchDraft:
			return &ledger.TransitionError{BatchID: id, From: b.Status, To: ledger.BatchExported, Err: ledger.ErrNotFinalised}
		case ledger.BatchExported:
			return &ledger.TransitionError{BatchID: id, From: b.Status, To: ledger.BatchExported, Err: ledger.ErrAlreadyExported}
		}

		lines, err := tx.ListLines(ctx, id)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if err := l.VerifyHash(); err != nil {
				return err
			}
		}

		ok, err := tx.TransitionBatch(ctx, id, ledger.BatchFinalised, ledger.BatchExported, s.deps.now())
		if err != nil {
			return err
		}
		if !ok {
			return &ledger.TransitionError{BatchID: id, From: b.Status, To: ledger.BatchExported, Err: ledger.ErrAlreadyExported}
		}

		ev, err = s.deps.audit(ctx, tx, actor, ledger.EntityBatch, string(id), ledger.AuditBatchExported,
			fmt.Sprintf("%d lines verified, total %s", len(lines), b.TotalTipsAllocated), true)
		if err != nil {
			return err
		}
		out, err = tx.GetBatch(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrHashMismatch) {
			s.log.WithError(err).WithField("batch_id", id).Error("export halted: line hash mismatch")
		}
		return ledger.Batch{}, err
	}

	s.log.WithFields(logrus.Fields{"batch_id": id, "actor": actor.ID}).Info("batch exported")
	s.deps.publish(ctx, events.Event{
		Type:       events.BatchExported,
		EntityID:   string(id),
		LocationID: string(out.LocationID),
		ActorID:    actor.ID,
		AuditSeq:   ev.Sequence,
	})
	return out, nil
}

// =============================================================================
// DRAFT LINE EDIT
// =============================================================================

// UpdateLineAmount sets a draft line to amount and moves the difference
// onto offsetLineID, another line of the same batch, so the batch total
// never changes. On a locked batch it always fails with ErrBatchLocked;
// use an adjustment instead.
func (s *BatchService) UpdateLineAmount(ctx context.Context, lineID, offsetLineID ledger.LineID, amount money.Money, reason string, actor ledger.Actor) (ledger.Line, error) {
	if err := requireActor(actor); err != nil {
		return ledger.Line{}, err
	}
	if amount.IsNegative() {
		return ledger.Line{}, &ledger.ValidationError{Field: "amount", Message: "must not be negative", Err: ledger.ErrInvalidInput}
	}
	if reason == "" {
		return ledger.Line{}, &ledger.ValidationError{Field: "reason", Message: "is required", Err: ledger.ErrInvalidInput}
	}
	if offsetLineID == "" || offsetLineID == lineID {
		return ledger.Line{}, &ledger.ValidationError{Field: "offset_line_id", Message: "must name another line of the batch", Err: ledger.ErrInvalidInput}
	}

	line, err := s.deps.Store.GetLine(ctx, lineID)
	if err != nil {
		return ledger.Line{}, err
	}
	head, err := s.deps.Store.GetBatch(ctx, line.BatchID)
	if err != nil {
		return ledger.Line{}, err
	}
	unlock, err := s.deps.Locker.Lock(ctx, ledger.BatchKey(head.LocationID, head.Period))
	if err != nil {
		return ledger.Line{}, err
	}
	defer unlock()

	var out ledger.Line
	err = s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		// 1. Both lines, same draft batch
		b, err := tx.GetBatch(ctx, line.BatchID)
		if err != nil {
			return err
		}
		if b.Status.IsLocked() {
			return fmt.Errorf("%w: batch %s is %s", ledger.ErrBatchLocked, b.ID, b.Status)
		}
		before, err := tx.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		offset, err := tx.GetLine(ctx, offsetLineID)
		if err != nil {
			return err
		}
		if offset.BatchID != before.BatchID {
			return &ledger.ValidationError{Field: "offset_line_id", Message: "belongs to another batch", Err: ledger.ErrInvalidInput}
		}

		// 2. Move the difference
		delta := amount - before.GrossAmount
		if delta == 0 {
			out = before
			return nil
		}
		offsetAmount := offset.GrossAmount - delta
		if offsetAmount.IsNegative() {
			return &ledger.ValidationError{
				Field:   "amount",
				Message: fmt.Sprintf("moves %s but offset line %s holds %s", delta, offsetLineID, offset.GrossAmount),
				Err:     ledger.ErrInvalidInput,
			}
		}
		if err := tx.UpdateLineGross(ctx, lineID, amount); err != nil {
			return err
		}
		if err := tx.UpdateLineGross(ctx, offsetLineID, offsetAmount); err != nil {
			return err
		}

		// 3. Audit both sides in one event
		summary := fmt.Sprintf("gross %s -> %s, offset line %s %s -> %s: %s",
			before.GrossAmount, amount, offsetLineID, offset.GrossAmount, offsetAmount, reason)
		if _, err := s.deps.audit(ctx, tx, actor, ledger.EntityLine, string(lineID), ledger.AuditLineEdited, summary, false); err != nil {
			return err
		}
		out, err = tx.GetLine(ctx, lineID)
		return err
	})
	if err != nil {
		return ledger.Line{}, err
	}
	return out, nil
}

// =============================================================================
// VERIFY
// =============================================================================

// VerifyReport is the result of re-hashing a locked batch's lines.
type VerifyReport struct {
	BatchID    ledger.BatchID
	Status     ledger.BatchStatus
	Lines      int
	Mismatches []ledger.HashMismatchError
}

// OK reports whether every line matched.
func (r VerifyReport) OK() bool { return len(r.Mismatches) == 0 }

// Verify recomputes every line hash of a locked batch. It reads only.
// A draft has no hashes yet and returns ErrNotFinalised.
func (s *BatchService) Verify(ctx context.Context, id ledger.BatchID) (VerifyReport, error) {
	return verifyBatch(ctx, s.deps.Store, id)
}

func verifyBatch(ctx context.Context, st ledger.BatchStore, id ledger.BatchID) (VerifyReport, error) {
	b, err := st.GetBatch(ctx, id)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{BatchID: id, Status: b.Status}
	if !b.Status.IsLocked() {
		return report, fmt.Errorf("%w: batch %s is draft", ledger.ErrNotFinalised, id)
	}

	lines, err := st.ListLines(ctx, id)
	if err != nil {
		return report, err
	}
	report.Lines = len(lines)
	for _, l := range lines {
		var mismatch *ledger.HashMismatchError
		if err := l.VerifyHash(); errors.As(err, &mismatch) {
			report.Mismatches = append(report.Mismatches, *mismatch)
		}
	}
	if !report.OK() {
		return report, fmt.Errorf("%w: %d of %d lines in batch %s", ledger.ErrHashMismatch, len(report.Mismatches), report.Lines, id)
	}
	return report, nil
}
