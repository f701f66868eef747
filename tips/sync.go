package tips

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// SYNC SERVICE - Validated feed ingestion
// =============================================================================

// SyncService accepts batches of feed records from the point-of-sale
// sync jobs. Ingestion is append-only and idempotent by ID; a whole
// batch is rejected if any record is malformed.
type SyncService struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewSyncService(d Deps) *SyncService {
	d = d.withDefaults()
	return &SyncService{deps: d, log: d.Log.WithField("module", "sync")}
}

// IngestTransactions stores new transactions and refund updates.
// Returns how many transactions were new.
func (s *SyncService) IngestTransactions(ctx context.Context, txs []ledger.Transaction) (int, error) {
	for i := range txs {
		t := &txs[i]
		if err := validateTransaction(*t); err != nil {
			return 0, err
		}
		t.Timestamp = t.Timestamp.UTC()
		if t.RefundStatus == "" {
			t.RefundStatus = ledger.RefundNone
		}
	}

	n, err := s.deps.Store.SaveTransactions(ctx, txs)
	if err != nil {
		return 0, fmt.Errorf("failed to save transactions: %w", err)
	}
	s.log.WithFields(logrus.Fields{"received": len(txs), "new": n}).Debug("transactions ingested")
	return n, nil
}

func validateTransaction(t ledger.Transaction) error {
	invalid := func(field, msg string) error {
		return &ledger.ValidationError{Field: field, Message: fmt.Sprintf("transaction %q: %s", t.ID, msg), Err: ledger.ErrInvalidInput}
	}
	switch {
	case t.ID == "":
		return invalid("id", "is required")
	case t.LocationID == "":
		return invalid("location_id", "is required")
	case t.Timestamp.IsZero():
		return invalid("timestamp", "is required")
	case t.TipAmount.IsNegative():
		return invalid("tip_amount", "must not be negative")
	case t.Amount.IsNegative():
		return invalid("amount", "must not be negative")
	}
	switch t.RefundStatus {
	case "", ledger.RefundNone, ledger.RefundPartial, ledger.RefundRefunded:
	default:
		return invalid("refund_status", fmt.Sprintf("unknown status %q", t.RefundStatus))
	}
	return nil
}

// IngestShifts stores new shifts and closes open ones.
func (s *SyncService) IngestShifts(ctx context.Context, shifts []ledger.Shift) (int, error) {
	for i := range shifts {
		sh := &shifts[i]
		if err := validateShift(*sh); err != nil {
			return 0, err
		}
		sh.StartAt = sh.StartAt.UTC()
		if sh.EndAt != nil {
			end := sh.EndAt.UTC()
			sh.EndAt = &end
		}
	}

	n, err := s.deps.Store.SaveShifts(ctx, shifts)
	if err != nil {
		return 0, fmt.Errorf("failed to save shifts: %w", err)
	}
	s.log.WithFields(logrus.Fields{"received": len(shifts), "new": n}).Debug("shifts ingested")
	return n, nil
}

func validateShift(sh ledger.Shift) error {
	invalid := func(field, msg string) error {
		return &ledger.ValidationError{Field: field, Message: fmt.Sprintf("shift %q: %s", sh.ID, msg), Err: ledger.ErrInvalidInput}
	}
	switch {
	case sh.ID == "":
		return invalid("id", "is required")
	case sh.EmployeeID == "":
		return invalid("employee_id", "is required")
	case sh.LocationID == "":
		return invalid("location_id", "is required")
	case sh.StartAt.IsZero():
		return invalid("start_at", "is required")
	case sh.EndAt != nil && sh.EndAt.Before(sh.StartAt):
		return invalid("end_at", "is before start_at")
	case sh.HoursWorked.IsNegative():
		return invalid("hours_worked", "must not be negative")
	}
	return nil
}

// IngestEmployees upserts directory entries.
func (s *SyncService) IngestEmployees(ctx context.Context, employees []ledger.Employee) (int, error) {
	for _, e := range employees {
		if e.ID == "" || e.LocationID == "" {
			return 0, &ledger.ValidationError{
				Field:   "id",
				Message: fmt.Sprintf("employee %q: id and location_id are required", e.ID),
				Err:     ledger.ErrInvalidInput,
			}
		}
	}
	n, err := s.deps.Store.SaveEmployees(ctx, employees)
	if err != nil {
		return 0, fmt.Errorf("failed to save employees: %w", err)
	}
	return n, nil
}
