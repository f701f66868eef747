package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// ADJUSTMENTS
// =============================================================================

const adjustmentColumns = `id, line_id, batch_id, employee_id, type, amount, reason, status,
	created_by, created_at, approved_by, decided_at, rejection_reason`

func (s *Store) InsertAdjustment(ctx context.Context, a ledger.Adjustment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO adjustments (`+adjustmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.LineID, a.BatchID, a.EmployeeID, a.Type, int64(a.Amount), a.Reason, a.Status,
		a.CreatedBy, formatTime(a.CreatedAt), a.ApprovedBy, nullTime(a.DecidedAt), a.RejectionReason,
	)
	return mapWriteError(err, "adjustment "+string(a.ID))
}

func (s *Store) GetAdjustment(ctx context.Context, id ledger.AdjustmentID) (ledger.Adjustment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+adjustmentColumns+` FROM adjustments WHERE id = ?`, id)
	a, err := scanAdjustment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Adjustment{}, fmt.Errorf("%w: %s", ledger.ErrAdjustmentNotFound, id)
	}
	return a, err
}

func (s *Store) ListAdjustments(ctx context.Context, f ledger.AdjustmentFilter) ([]ledger.Adjustment, error) {
	query := `SELECT ` + adjustmentColumns + ` FROM adjustments WHERE 1=1`
	var args []any
	if f.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, f.BatchID)
	}
	if f.LineID != "" {
		query += " AND line_id = ?"
		args = append(args, f.LineID)
	}
	if f.EmployeeID != "" {
		query += " AND employee_id = ?"
		args = append(args, f.EmployeeID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var out []ledger.Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionAdjustment only touches rows that are still pending; the
// trg_adjustment_decided trigger backs this up for any other writer.
func (s *Store) TransitionAdjustment(ctx context.Context, decided ledger.Adjustment) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE adjustments SET status = ?, approved_by = ?, decided_at = ?, rejection_reason = ?
		WHERE id = ? AND status = 'pending'`,
		decided.Status, decided.ApprovedBy, nullTime(decided.DecidedAt), decided.RejectionReason, decided.ID,
	)
	if err != nil {
		return false, mapWriteError(err, "adjustment "+string(decided.ID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAdjustment(ctx, decided.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func scanAdjustment(sc scanner) (ledger.Adjustment, error) {
	var (
		a         ledger.Adjustment
		amount    int64
		createdAt string
		decidedAt sql.NullString
	)
	err := sc.Scan(&a.ID, &a.LineID, &a.BatchID, &a.EmployeeID, &a.Type, &amount, &a.Reason, &a.Status,
		&a.CreatedBy, &createdAt, &a.ApprovedBy, &decidedAt, &a.RejectionReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan adjustment: %w", err)
	}
	a.Amount = money.Money(amount)
	a.CreatedAt = parseTime(createdAt)
	a.DecidedAt = timePtr(decidedAt)
	return a, nil
}

// =============================================================================
// DISPUTES
// =============================================================================

const disputeColumns = `id, employee_id, line_id, batch_id, category, description, status,
	adjustment_id, resolution, created_at, updated_at, closed_by`

func (s *Store) InsertDispute(ctx context.Context, d ledger.Dispute) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EmployeeID, d.LineID, d.BatchID, d.Category, d.Description, d.Status,
		adjustmentRef(d.AdjustmentID), d.Resolution, formatTime(d.CreatedAt), formatTime(d.UpdatedAt), d.ClosedBy,
	)
	return mapWriteError(err, "dispute "+string(d.ID))
}

func (s *Store) GetDispute(ctx context.Context, id ledger.DisputeID) (ledger.Dispute, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Dispute{}, fmt.Errorf("%w: %s", ledger.ErrDisputeNotFound, id)
	}
	return d, err
}

func (s *Store) ListDisputes(ctx context.Context, f ledger.DisputeFilter) ([]ledger.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE 1=1`
	var args []any
	if f.EmployeeID != "" {
		query += " AND employee_id = ?"
		args = append(args, f.EmployeeID)
	}
	if f.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, f.BatchID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query disputes: %w", err)
	}
	defer rows.Close()

	var out []ledger.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDispute(ctx context.Context, d ledger.Dispute, from ledger.DisputeStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE disputes SET status = ?, adjustment_id = ?, resolution = ?, updated_at = ?, closed_by = ?
		WHERE id = ? AND status = ?`,
		d.Status, adjustmentRef(d.AdjustmentID), d.Resolution, formatTime(d.UpdatedAt), d.ClosedBy, d.ID, from,
	)
	if err != nil {
		return false, mapWriteError(err, "dispute "+string(d.ID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetDispute(ctx, d.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func adjustmentRef(id *ledger.AdjustmentID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func scanDispute(sc scanner) (ledger.Dispute, error) {
	var (
		d            ledger.Dispute
		adjustmentID sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := sc.Scan(&d.ID, &d.EmployeeID, &d.LineID, &d.BatchID, &d.Category, &d.Description, &d.Status,
		&adjustmentID, &d.Resolution, &createdAt, &updatedAt, &d.ClosedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("failed to scan dispute: %w", err)
	}
	if adjustmentID.Valid {
		id := ledger.AdjustmentID(adjustmentID.String)
		d.AdjustmentID = &id
	}
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}
