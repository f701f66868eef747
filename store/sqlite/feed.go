package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) SaveTransactions(ctx context.Context, txs []ledger.Transaction) (int, error) {
	n := 0
	err := s.atomic(ctx, func(tx *Store) error {
		now := formatTime(time.Now())
		for _, t := range txs {
			var current string
			err := tx.q.QueryRowContext(ctx, `SELECT refund_status FROM transactions WHERE id = ?`, t.ID).Scan(&current)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				status := t.RefundStatus
				if status == "" {
					status = ledger.RefundNone
				}
				_, err = tx.q.ExecContext(ctx, `
					INSERT INTO transactions
					(id, location_id, employee_id, shift_id, amount, tip_amount, timestamp, refund_status, synced_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					t.ID, t.LocationID, employeeRef(t.EmployeeID), shiftRef(t.ShiftID),
					int64(t.Amount), int64(t.TipAmount), formatTime(t.Timestamp), status, now,
				)
				if err != nil {
					return mapWriteError(err, "transaction "+string(t.ID))
				}
				n++
			case err != nil:
				return fmt.Errorf("failed to check transaction %s: %w", t.ID, err)
			case t.RefundStatus.After(ledger.RefundStatus(current)):
				if _, err := tx.q.ExecContext(ctx,
					`UPDATE transactions SET refund_status = ? WHERE id = ?`, t.RefundStatus, t.ID); err != nil {
					return mapWriteError(err, "transaction "+string(t.ID))
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := `SELECT id, location_id, employee_id, shift_id, amount, tip_amount, timestamp, refund_status
		FROM transactions WHERE 1=1`
	var args []any
	if f.LocationID != "" {
		query += " AND location_id = ?"
		args = append(args, f.LocationID)
	}
	if f.From != nil {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		query += " AND timestamp < ?"
		args = append(args, formatTime(*f.To))
	}
	query += " ORDER BY timestamp, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			t          ledger.Transaction
			employeeID sql.NullString
			shiftID    sql.NullString
			amount     int64
			tip        int64
			timestamp  string
		)
		if err := rows.Scan(&t.ID, &t.LocationID, &employeeID, &shiftID, &amount, &tip, &timestamp, &t.RefundStatus); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if employeeID.Valid {
			id := ledger.EmployeeID(employeeID.String)
			t.EmployeeID = &id
		}
		if shiftID.Valid {
			id := ledger.ShiftID(shiftID.String)
			t.ShiftID = &id
		}
		t.Amount = money.Money(amount)
		t.TipAmount = money.Money(tip)
		t.Timestamp = parseTime(timestamp)
		out = append(out, t)
	}
	return out, rows.Err()
}

func employeeRef(id *ledger.EmployeeID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func shiftRef(id *ledger.ShiftID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

// =============================================================================
// SHIFTS
// =============================================================================

func (s *Store) SaveShifts(ctx context.Context, shifts []ledger.Shift) (int, error) {
	n := 0
	err := s.atomic(ctx, func(tx *Store) error {
		for _, sh := range shifts {
			res, err := tx.q.ExecContext(ctx, `
				INSERT INTO shifts (id, employee_id, location_id, start_at, end_at, hours_worked)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
				sh.ID, sh.EmployeeID, sh.LocationID, formatTime(sh.StartAt), nullTime(sh.EndAt), sh.HoursWorked.String(),
			)
			if err != nil {
				return mapWriteError(err, "shift "+string(sh.ID))
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				n++
				continue
			}
			if sh.EndAt == nil {
				continue
			}
			if _, err := tx.q.ExecContext(ctx,
				`UPDATE shifts SET end_at = ?, hours_worked = ? WHERE id = ? AND end_at IS NULL`,
				nullTime(sh.EndAt), sh.HoursWorked.String(), sh.ID); err != nil {
				return mapWriteError(err, "shift "+string(sh.ID))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListShifts(ctx context.Context, locationID ledger.LocationID, from, to time.Time) ([]ledger.Shift, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, employee_id, location_id, start_at, end_at, hours_worked
		FROM shifts
		WHERE location_id = ? AND start_at < ? AND (end_at IS NULL OR end_at >= ?)
		ORDER BY id`,
		locationID, formatTime(to), formatTime(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Shift
	for rows.Next() {
		var (
			sh      ledger.Shift
			startAt string
			endAt   sql.NullString
			hours   string
		)
		if err := rows.Scan(&sh.ID, &sh.EmployeeID, &sh.LocationID, &startAt, &endAt, &hours); err != nil {
			return nil, fmt.Errorf("failed to scan shift: %w", err)
		}
		sh.StartAt = parseTime(startAt)
		sh.EndAt = timePtr(endAt)
		sh.HoursWorked, err = decimal.NewFromString(hours)
		if err != nil {
			return nil, fmt.Errorf("shift %s: bad hours %q: %w", sh.ID, hours, err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *Store) SaveEmployees(ctx context.Context, employees []ledger.Employee) (int, error) {
	err := s.atomic(ctx, func(tx *Store) error {
		for _, e := range employees {
			_, err := tx.q.ExecContext(ctx, `
				INSERT INTO employees (id, location_id, name, role, payroll_id)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					location_id = excluded.location_id,
					name = excluded.name,
					role = excluded.role,
					payroll_id = excluded.payroll_id`,
				e.ID, e.LocationID, e.Name, e.Role, e.PayrollID,
			)
			if err != nil {
				return mapWriteError(err, "employee "+string(e.ID))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(employees), nil
}

func (s *Store) GetEmployee(ctx context.Context, id ledger.EmployeeID) (ledger.Employee, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, location_id, name, role, payroll_id FROM employees WHERE id = ?`, id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Employee{}, fmt.Errorf("%w: %s", ledger.ErrEmployeeNotFound, id)
	}
	return e, err
}

func (s *Store) ListEmployees(ctx context.Context, locationID ledger.LocationID) ([]ledger.Employee, error) {
	query := `SELECT id, location_id, name, role, payroll_id FROM employees`
	var args []any
	if locationID != "" {
		query += " WHERE location_id = ?"
		args = append(args, locationID)
	}
	query += " ORDER BY id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var out []ledger.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEmployee(sc scanner) (ledger.Employee, error) {
	var e ledger.Employee
	err := sc.Scan(&e.ID, &e.LocationID, &e.Name, &e.Role, &e.PayrollID)
	return e, err
}
