package tips

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/reconcile"
)

// =============================================================================
// RECONCILIATION SERVICE - Read-only consistency report
// =============================================================================

// ReconciliationService loads one location's inputs and ledger state for
// a date range and runs the pure checks in package reconcile. It never
// writes; clawback candidates are for an operator to act on.
type ReconciliationService struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewReconciliationService(d Deps) *ReconciliationService {
	d = d.withDefaults()
	return &ReconciliationService{deps: d, log: d.Log.WithField("module", "reconciliation")}
}

// Run reconciles [from, to] inclusive of both days.
func (s *ReconciliationService) Run(ctx context.Context, locationID ledger.LocationID, from, to time.Time) (reconcile.Report, error) {
	if locationID == "" {
		return reconcile.Report{}, &ledger.ValidationError{Field: "location_id", Message: "is required", Err: ledger.ErrInvalidInput}
	}
	p, err := ledger.NewPeriod(from, to)
	if err != nil {
		return reconcile.Report{}, err
	}
	start, end := p.Start, p.EndExclusive()

	txs, err := s.deps.Store.ListTransactions(ctx, ledger.TransactionFilter{LocationID: locationID, From: &start, To: &end})
	if err != nil {
		return reconcile.Report{}, err
	}
	shifts, err := s.deps.Store.ListShifts(ctx, locationID, start, end)
	if err != nil {
		return reconcile.Report{}, err
	}
	allocated, err := s.deps.Store.AllocatedTransactionIDs(ctx, locationID)
	if err != nil {
		return reconcile.Report{}, err
	}

	batches, err := s.deps.Store.ListBatches(ctx, ledger.BatchFilter{LocationID: locationID, From: &p.Start, To: &p.End})
	if err != nil {
		return reconcile.Report{}, err
	}
	var lines []ledger.Line
	for _, b := range batches {
		ls, err := s.deps.Store.ListLines(ctx, b.ID)
		if err != nil {
			return reconcile.Report{}, err
		}
		lines = append(lines, ls...)
	}

	report := reconcile.Run(reconcile.Input{
		Transactions: txs,
		Shifts:       shifts,
		Lines:        lines,
		Allocated:    allocated,
	})
	s.log.WithFields(logrus.Fields{
		"location_id": locationID,
		"period":      p.String(),
		"unallocated": len(report.UnallocatedTips),
		"missing":     len(report.MissingEmployee),
		"orphaned":    len(report.OrphanedShifts),
		"clawbacks":   len(report.ClawbackCandidates),
	}).Info("reconciliation complete")
	return report, nil
}
