package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id, location_id, batch_date, period_start, period_end, status,
	rule_set_id, rule_set_version, total_tips_allocated, employee_count, payment_count,
	version, created_at, updated_at, finalised_at, exported_at`

func (s *Store) InsertBatch(ctx context.Context, b ledger.Batch, lines []ledger.Line) error {
	return s.atomic(ctx, func(tx *Store) error {
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO batches (`+batchColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.LocationID, formatDate(b.BatchDate), formatDate(b.Period.Start), formatDate(b.Period.End),
			b.Status, b.RuleSetID, b.RuleSetVersion, int64(b.TotalTipsAllocated), b.EmployeeCount, b.PaymentCount,
			max(b.Version, 1), formatTime(b.CreatedAt), formatTime(b.UpdatedAt), nullTime(b.FinalisedAt), nullTime(b.ExportedAt),
		)
		if err != nil {
			return mapWriteError(err, "batch "+string(b.ID))
		}
		return tx.writeChildren(ctx, b, lines)
	})
}

func (s *Store) ReplaceDraft(ctx context.Context, b ledger.Batch, lines []ledger.Line) error {
	return s.atomic(ctx, func(tx *Store) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE batches SET
				batch_date = ?, rule_set_id = ?, rule_set_version = ?,
				total_tips_allocated = ?, employee_count = ?, payment_count = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND status = 'draft'`,
			formatDate(b.BatchDate), b.RuleSetID, b.RuleSetVersion,
			int64(b.TotalTipsAllocated), b.EmployeeCount, b.PaymentCount,
			formatTime(b.UpdatedAt), b.ID,
		)
		if err != nil {
			return mapWriteError(err, "batch "+string(b.ID))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			stored, err := tx.GetBatch(ctx, b.ID)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: batch %s is %s", ledger.ErrBatchLocked, b.ID, stored.Status)
		}

		if _, err := tx.q.ExecContext(ctx, `DELETE FROM allocation_lines WHERE batch_id = ?`, b.ID); err != nil {
			return mapWriteError(err, "lines of batch "+string(b.ID))
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM batch_sources WHERE batch_id = ?`, b.ID); err != nil {
			return mapWriteError(err, "sources of batch "+string(b.ID))
		}
		return tx.writeChildren(ctx, b, lines)
	})
}

func (s *Store) writeChildren(ctx context.Context, b ledger.Batch, lines []ledger.Line) error {
	for _, id := range b.SourceTransactionIDs {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO batch_sources (batch_id, transaction_id) VALUES (?, ?)`, b.ID, id); err != nil {
			return mapWriteError(err, "source "+string(id))
		}
	}
	for i, l := range lines {
		var txn sql.NullString
		if l.TransactionID != nil {
			txn = nullString(string(*l.TransactionID))
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO allocation_lines
			(id, batch_id, position, employee_id, transaction_id, method, gross_amount, metadata_json, audit_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, b.ID, i, l.EmployeeID, txn, l.Method, int64(l.GrossAmount), l.Metadata.JSON(), l.AuditHash,
		)
		if err != nil {
			return mapWriteError(err, "line "+string(l.ID))
		}
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id ledger.BatchID) (ledger.Batch, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Batch{}, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, id)
	}
	if err != nil {
		return ledger.Batch{}, err
	}
	return b, s.loadSources(ctx, &b)
}

func (s *Store) GetBatchByPeriod(ctx context.Context, locationID ledger.LocationID, p ledger.Period) (ledger.Batch, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE location_id = ? AND period_start = ? AND period_end = ?`,
		locationID, formatDate(p.Start), formatDate(p.End))
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Batch{}, fmt.Errorf("%w: %s %s", ledger.ErrBatchNotFound, locationID, p)
	}
	if err != nil {
		return ledger.Batch{}, err
	}
	return b, s.loadSources(ctx, &b)
}

func (s *Store) ListBatches(ctx context.Context, f ledger.BatchFilter) ([]ledger.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	var args []any
	if f.LocationID != "" {
		query += " AND location_id = ?"
		args = append(args, f.LocationID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.From != nil {
		query += " AND period_end >= ?"
		args = append(args, formatDate(*f.From))
	}
	if f.To != nil {
		query += " AND period_start <= ?"
		args = append(args, formatDate(*f.To))
	}
	query += " ORDER BY period_start, location_id, id"
	query, args = page(query, args, f.Limit, f.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	var out []ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Sources are loaded after the cursor closes; there is one connection.
	for i := range out {
		if err := s.loadSources(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadSources(ctx context.Context, b *ledger.Batch) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT transaction_id FROM batch_sources WHERE batch_id = ? ORDER BY transaction_id`, b.ID)
	if err != nil {
		return fmt.Errorf("failed to query batch sources: %w", err)
	}
	defer rows.Close()

	b.SourceTransactionIDs = nil
	for rows.Next() {
		var id ledger.TransactionID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan batch source: %w", err)
		}
		b.SourceTransactionIDs = append(b.SourceTransactionIDs, id)
	}
	return rows.Err()
}

func scanBatch(sc scanner) (ledger.Batch, error) {
	var (
		b           ledger.Batch
		batchDate   string
		periodStart string
		periodEnd   string
		total       int64
		createdAt   string
		updatedAt   string
		finalisedAt sql.NullString
		exportedAt  sql.NullString
	)
	err := sc.Scan(&b.ID, &b.LocationID, &batchDate, &periodStart, &periodEnd, &b.Status,
		&b.RuleSetID, &b.RuleSetVersion, &total, &b.EmployeeCount, &b.PaymentCount,
		&b.Version, &createdAt, &updatedAt, &finalisedAt, &exportedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.BatchDate = parseDate(batchDate)
	b.Period = ledger.Period{Start: parseDate(periodStart), End: parseDate(periodEnd)}
	b.TotalTipsAllocated = money.Money(total)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	b.FinalisedAt = timePtr(finalisedAt)
	b.ExportedAt = timePtr(exportedAt)
	return b, nil
}

func (s *Store) TransitionBatch(ctx context.Context, id ledger.BatchID, from, to ledger.BatchStatus, at time.Time) (bool, error) {
	stamp := ""
	switch to {
	case ledger.BatchFinalised:
		stamp = ", finalised_at = ?"
	case ledger.BatchExported:
		stamp = ", exported_at = ?"
	}
	args := []any{to, formatTime(at)}
	if stamp != "" {
		args = append(args, formatTime(at))
	}
	args = append(args, id, from)

	res, err := s.q.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ?, version = version + 1`+stamp+` WHERE id = ? AND status = ?`,
		args...)
	if err != nil {
		return false, mapWriteError(err, "batch "+string(id))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetBatch(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// =============================================================================
// LINES
// =============================================================================

const lineColumns = `id, batch_id, employee_id, transaction_id, method, gross_amount, metadata_json, audit_hash`

func (s *Store) ListLines(ctx context.Context, batchID ledger.BatchID) ([]ledger.Line, error) {
	return s.queryLines(ctx, `SELECT `+lineColumns+` FROM allocation_lines WHERE batch_id = ? ORDER BY position`, batchID)
}

func (s *Store) ListLinesByEmployee(ctx context.Context, employeeID ledger.EmployeeID) ([]ledger.Line, error) {
	return s.queryLines(ctx, `SELECT `+lineColumns+` FROM allocation_lines WHERE employee_id = ? ORDER BY batch_id, id`, employeeID)
}

func (s *Store) GetLine(ctx context.Context, id ledger.LineID) (ledger.Line, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM allocation_lines WHERE id = ?`, id)
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Line{}, fmt.Errorf("%w: %s", ledger.ErrLineNotFound, id)
	}
	return l, err
}

func (s *Store) queryLines(ctx context.Context, query string, args ...any) ([]ledger.Line, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var out []ledger.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLine(sc scanner) (ledger.Line, error) {
	var (
		l        ledger.Line
		txn      sql.NullString
		gross    int64
		metadata string
	)
	err := sc.Scan(&l.ID, &l.BatchID, &l.EmployeeID, &txn, &l.Method, &gross, &metadata, &l.AuditHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, err
		}
		return l, fmt.Errorf("failed to scan line: %w", err)
	}
	if txn.Valid {
		id := ledger.TransactionID(txn.String)
		l.TransactionID = &id
	}
	l.GrossAmount = money.Money(gross)
	if err := json.Unmarshal([]byte(metadata), &l.Metadata); err != nil {
		return l, fmt.Errorf("line %s: bad metadata: %w", l.ID, err)
	}
	return l, nil
}

func (s *Store) SetLineHashes(ctx context.Context, batchID ledger.BatchID, hashes map[ledger.LineID]string) error {
	return s.atomic(ctx, func(tx *Store) error {
		for id, h := range hashes {
			res, err := tx.q.ExecContext(ctx,
				`UPDATE allocation_lines SET audit_hash = ? WHERE id = ? AND batch_id = ?`, h, id, batchID)
			if err != nil {
				return mapWriteError(err, "line "+string(id))
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: %s in batch %s", ledger.ErrLineNotFound, id, batchID)
			}
		}
		return nil
	})
}

func (s *Store) UpdateLineGross(ctx context.Context, id ledger.LineID, amount money.Money) error {
	return s.atomic(ctx, func(tx *Store) error {
		line, err := tx.GetLine(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE allocation_lines SET gross_amount = ? WHERE id = ?`, int64(amount), id); err != nil {
			return mapWriteError(err, "line "+string(id))
		}
		_, err = tx.q.ExecContext(ctx, `
			UPDATE batches SET
				total_tips_allocated = (SELECT COALESCE(SUM(gross_amount), 0) FROM allocation_lines WHERE batch_id = ?),
				version = version + 1
			WHERE id = ?`, line.BatchID, line.BatchID)
		return mapWriteError(err, "batch "+string(line.BatchID))
	})
}

func (s *Store) AllocatedTransactionIDs(ctx context.Context, locationID ledger.LocationID) (map[ledger.TransactionID]bool, error) {
	query := `
		SELECT bs.transaction_id FROM batch_sources bs
		JOIN batches b ON b.id = bs.batch_id
		WHERE (? = '' OR b.location_id = ?)
		UNION
		SELECT l.transaction_id FROM allocation_lines l
		JOIN batches b ON b.id = l.batch_id
		WHERE l.transaction_id IS NOT NULL AND (? = '' OR b.location_id = ?)`

	rows, err := s.q.QueryContext(ctx, query, locationID, locationID, locationID, locationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocated transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.TransactionID]bool)
	for rows.Next() {
		var id ledger.TransactionID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
