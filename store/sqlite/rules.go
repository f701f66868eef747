package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// RULE SETS
// =============================================================================

const ruleSetColumns = `id, location_id, name, version, method, parameters_json,
	effective_from, effective_to, is_current, created_by, created_at`

func (s *Store) InsertRuleSet(ctx context.Context, rs ledger.RuleSet) error {
	params, err := json.Marshal(rs.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO rule_sets (`+ruleSetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.LocationID, rs.Name, rs.Version, rs.Method, string(params),
		formatTime(rs.EffectiveFrom), nullTime(rs.EffectiveTo), boolInt(rs.IsCurrent),
		rs.CreatedBy, formatTime(rs.CreatedAt),
	)
	return mapWriteError(err, "rule set "+string(rs.ID))
}

func (s *Store) DeactivateRuleSet(ctx context.Context, id ledger.RuleSetID, effectiveTo time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE rule_sets SET is_current = 0, effective_to = ? WHERE id = ? AND is_current = 1`,
		formatTime(effectiveTo), id)
	if err != nil {
		return mapWriteError(err, "rule set "+string(id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRuleSet(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: rule set %s is not current", ledger.ErrConcurrentModification, id)
	}
	return nil
}

func (s *Store) GetRuleSet(ctx context.Context, id ledger.RuleSetID) (ledger.RuleSet, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+ruleSetColumns+` FROM rule_sets WHERE id = ?`, id)
	rs, err := scanRuleSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.RuleSet{}, fmt.Errorf("%w: %s", ledger.ErrRuleSetNotFound, id)
	}
	return rs, err
}

func (s *Store) CurrentRuleSet(ctx context.Context, locationID ledger.LocationID) (ledger.RuleSet, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+ruleSetColumns+` FROM rule_sets WHERE location_id = ? AND is_current = 1`, locationID)
	rs, err := scanRuleSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.RuleSet{}, fmt.Errorf("%w: %s", ledger.ErrNoCurrentRuleSet, locationID)
	}
	return rs, err
}

func (s *Store) ListRuleSets(ctx context.Context, locationID ledger.LocationID) ([]ledger.RuleSet, error) {
	query := `SELECT ` + ruleSetColumns + ` FROM rule_sets`
	var args []any
	if locationID != "" {
		query += " WHERE location_id = ?"
		args = append(args, locationID)
	}
	query += " ORDER BY location_id, version"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule sets: %w", err)
	}
	defer rows.Close()

	var out []ledger.RuleSet
	for rows.Next() {
		rs, err := scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func scanRuleSet(sc scanner) (ledger.RuleSet, error) {
	var (
		rs            ledger.RuleSet
		params        string
		effectiveFrom string
		effectiveTo   sql.NullString
		isCurrent     int
		createdAt     string
	)
	err := sc.Scan(&rs.ID, &rs.LocationID, &rs.Name, &rs.Version, &rs.Method, &params,
		&effectiveFrom, &effectiveTo, &isCurrent, &rs.CreatedBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rs, err
		}
		return rs, fmt.Errorf("failed to scan rule set: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &rs.Parameters); err != nil {
		return rs, fmt.Errorf("rule set %s: bad parameters: %w", rs.ID, err)
	}
	rs.EffectiveFrom = parseTime(effectiveFrom)
	rs.EffectiveTo = timePtr(effectiveTo)
	rs.IsCurrent = isCurrent == 1
	rs.CreatedAt = parseTime(createdAt)
	return rs, nil
}
