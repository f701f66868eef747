package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// AUDIT - Insert and List only
// =============================================================================

const auditColumns = `sequence, id, entity_type, entity_id, action, actor_id, actor_email,
	changes_summary, hmrc_relevant, created_at, prev_hash, hash`

func (s *Store) AuditHead(ctx context.Context) (ledger.AuditHead, error) {
	var head ledger.AuditHead
	err := s.q.QueryRowContext(ctx,
		`SELECT sequence, hash FROM audit_events ORDER BY sequence DESC LIMIT 1`).Scan(&head.Sequence, &head.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AuditHead{}, nil
	}
	if err != nil {
		return ledger.AuditHead{}, fmt.Errorf("failed to read audit head: %w", err)
	}
	return head, nil
}

// InsertAuditEvent relies on trg_audit_dense and the sequence primary key:
// a writer that read a stale head fails instead of forking the chain.
func (s *Store) InsertAuditEvent(ctx context.Context, ev ledger.AuditEvent) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Sequence, ev.ID, ev.EntityType, ev.EntityID, ev.Action, ev.ActorID, ev.ActorEmail,
		ev.ChangesSummary, boolInt(ev.HMRCRelevant), formatTime(ev.CreatedAt), ev.PrevHash, ev.Hash,
	)
	return mapWriteError(err, fmt.Sprintf("audit event %d", ev.Sequence))
}

func (s *Store) ListAuditEvents(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE sequence > ?`
	args := []any{f.AfterSeq}
	if f.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.From != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*f.To))
	}
	if f.HMRCOnly {
		query += " AND hmrc_relevant = 1"
	}
	query += " ORDER BY sequence"
	query, args = page(query, args, f.Limit, f.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []ledger.AuditEvent
	for rows.Next() {
		var (
			e         ledger.AuditEvent
			hmrc      int
			createdAt string
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &e.ActorEmail,
			&e.ChangesSummary, &hmrc, &createdAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.HMRCRelevant = hmrc == 1
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
