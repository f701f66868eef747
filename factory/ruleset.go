/*
Package factory provides JSON to Go RuleSet conversion.

PURPOSE:
  Converts JSON RuleSet definitions into ledger.RuleSet values. Rule
  authors write policies in the admin UI; the API receives them as JSON
  and the factory validates and normalizes them before they are stored.

JSON SCHEMA:
  {
    "location_id": "loc-soho",
    "name": "Front of house pool",
    "method": "hybrid",
    "effective_from": "2025-04-06",
    "parameters": {
      "pool_roles": ["server", "bartender", "host"],
      "role_weights": {"server": 1.2, "bartender": 1.0, "host": 0.8},
      "direct_percentage": 30,
      "shift_hours_required": 4,
      "sub_method": "weighted"
    }
  }

  Weights, percentages and hours accept JSON numbers or strings; they are
  parsed as exact decimals, never float64.

KEY FEATURES:
  - Validates method and parameters (ledger.RuleSet.Validate)
  - effective_from accepts YYYY-MM-DD or RFC3339
  - Version, IsCurrent and CreatedAt are assigned by tips.RuleService,
    never taken from the payload

USAGE:
  f := factory.NewRuleSetFactory()
  rs, err := f.ParseRuleSet(jsonString)

SEE ALSO:
  - ledger/ruleset.go: RuleSet type definition
  - tips/rules.go: Supersession on activation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleSetJSON is the JSON representation of a RuleSet.
type RuleSetJSON struct {
	ID            string         `json:"id,omitempty"`
	LocationID    string         `json:"location_id"`
	Name          string         `json:"name,omitempty"`
	Method        string         `json:"method"`
	EffectiveFrom string         `json:"effective_from,omitempty"`
	Parameters    ParametersJSON `json:"parameters"`

	// Read-only on output
	Version     int    `json:"version,omitempty"`
	EffectiveTo string `json:"effective_to,omitempty"`
	IsCurrent   bool   `json:"is_current,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
}

// ParametersJSON represents method parameters.
type ParametersJSON struct {
	PoolRoles          []string                   `json:"pool_roles,omitempty"`
	RoleWeights        map[string]decimal.Decimal `json:"role_weights,omitempty"`
	DirectPercentage   *decimal.Decimal           `json:"direct_percentage,omitempty"`
	ShiftHoursRequired *decimal.Decimal           `json:"shift_hours_required,omitempty"`
	SubMethod          string                     `json:"sub_method,omitempty"`
}

// =============================================================================
// RULESET FACTORY
// =============================================================================

// RuleSetFactory converts JSON RuleSets to ledger structs.
type RuleSetFactory struct {
	now func() time.Time
}

// NewRuleSetFactory creates a new factory.
func NewRuleSetFactory() *RuleSetFactory {
	return &RuleSetFactory{now: time.Now}
}

// ParseRuleSet parses a JSON string into a validated RuleSet.
func (f *RuleSetFactory) ParseRuleSet(jsonStr string) (ledger.RuleSet, error) {
	var rj RuleSetJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return ledger.RuleSet{}, &ledger.ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("failed to parse rule set JSON: %v", err),
			Err:     ledger.ErrInvalidRuleSet,
		}
	}
	return f.FromJSON(rj)
}

// FromJSON converts the JSON form into a RuleSet and validates it.
// A missing effective_from means today (UTC midnight).
func (f *RuleSetFactory) FromJSON(rj RuleSetJSON) (ledger.RuleSet, error) {
	rs := ledger.RuleSet{
		ID:         ledger.RuleSetID(rj.ID),
		LocationID: ledger.LocationID(rj.LocationID),
		Name:       rj.Name,
		Method:     ledger.Method(strings.ToLower(strings.TrimSpace(rj.Method))),
	}

	from, err := parseEffective(rj.EffectiveFrom, f.now())
	if err != nil {
		return ledger.RuleSet{}, err
	}
	rs.EffectiveFrom = from

	p := rj.Parameters
	for _, r := range p.PoolRoles {
		rs.Parameters.PoolRoles = append(rs.Parameters.PoolRoles, ledger.Role(r))
	}
	if len(p.RoleWeights) > 0 {
		rs.Parameters.RoleWeights = make(map[ledger.Role]decimal.Decimal, len(p.RoleWeights))
		for role, w := range p.RoleWeights {
			rs.Parameters.RoleWeights[ledger.Role(role)] = w
		}
	}
	if p.DirectPercentage != nil {
		rs.Parameters.DirectPercentage = *p.DirectPercentage
	}
	if p.ShiftHoursRequired != nil {
		rs.Parameters.ShiftHoursRequired = *p.ShiftHoursRequired
	}
	rs.Parameters.SubMethod = ledger.Method(p.SubMethod)

	if err := rs.Validate(); err != nil {
		return ledger.RuleSet{}, err
	}
	return rs, nil
}

// ToJSON renders a stored RuleSet.
func (f *RuleSetFactory) ToJSON(rs ledger.RuleSet) RuleSetJSON {
	rj := RuleSetJSON{
		ID:            string(rs.ID),
		LocationID:    string(rs.LocationID),
		Name:          rs.Name,
		Method:        string(rs.Method),
		EffectiveFrom: rs.EffectiveFrom.UTC().Format(time.RFC3339),
		Version:       rs.Version,
		IsCurrent:     rs.IsCurrent,
		CreatedBy:     rs.CreatedBy,
	}
	if rs.EffectiveTo != nil {
		rj.EffectiveTo = rs.EffectiveTo.UTC().Format(time.RFC3339)
	}

	p := rs.Parameters
	for _, r := range p.PoolRoles {
		rj.Parameters.PoolRoles = append(rj.Parameters.PoolRoles, string(r))
	}
	if len(p.RoleWeights) > 0 {
		rj.Parameters.RoleWeights = make(map[string]decimal.Decimal, len(p.RoleWeights))
		for role, w := range p.RoleWeights {
			rj.Parameters.RoleWeights[string(role)] = w
		}
	}
	if rs.Method == ledger.MethodHybrid {
		pct := p.DirectPercentage
		rj.Parameters.DirectPercentage = &pct
	}
	if !p.ShiftHoursRequired.IsZero() {
		hours := p.ShiftHoursRequired
		rj.Parameters.ShiftHoursRequired = &hours
	}
	rj.Parameters.SubMethod = string(p.SubMethod)
	return rj
}

func parseEffective(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	if t, err := ledger.ParseDate(s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{
			Field:   "effective_from",
			Message: fmt.Sprintf("invalid date %q (want YYYY-MM-DD or RFC3339)", s),
			Err:     ledger.ErrInvalidRuleSet,
		}
	}
	return t.UTC(), nil
}

// =============================================================================
// PRESETS
// =============================================================================

// IndividualJSON gives each tip to the server on the transaction.
func IndividualJSON(locationID, name string) string {
	return fmt.Sprintf(`{
		"location_id": %q,
		"name": %q,
		"method": "individual",
		"parameters": {}
	}`, locationID, name)
}

// FrontOfHousePoolJSON pools tips equally across the given roles.
func FrontOfHousePoolJSON(locationID, name string, roles ...string) string {
	rolesJSON, _ := json.Marshal(roles)
	return fmt.Sprintf(`{
		"location_id": %q,
		"name": %q,
		"method": "pooled",
		"parameters": {"pool_roles": %s}
	}`, locationID, name, rolesJSON)
}

// HybridWeightedJSON sends directPct percent to the server and splits the rest
// by role weight.
func HybridWeightedJSON(locationID, name string, directPct int, weights map[string]string) string {
	weightsJSON, _ := json.Marshal(weights)
	return fmt.Sprintf(`{
		"location_id": %q,
		"name": %q,
		"method": "hybrid",
		"parameters": {
			"role_weights": %s,
			"direct_percentage": %d,
			"sub_method": "weighted"
		}
	}`, locationID, name, weightsJSON, directPct)
}
