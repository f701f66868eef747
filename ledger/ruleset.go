/*
ruleset.go - Versioned allocation policies

PURPOSE:
  A RuleSet tells the engine how tips at one location are distributed.
  RuleSets are versioned per location; exactly one is current at a time.
  A RuleSet is never edited or deleted. Changing policy means writing a
  new version that supersedes the old one.

METHODS (closed set):
  individual:  each tip goes to the employee on the transaction
  pooled:      the pool is split equally among qualifying staff on shift
  weighted:    the pool is split by per-role weight
  shift_based: the pool is split by hours worked in the period
  hybrid:      a direct percentage to the server, the rest pooled by a
               sub-method (pooled, weighted or shift_based)

SUPERSESSION:
  Activating version N+1 deactivates version N in the same store
  transaction (effective_to = N+1.effective_from, is_current = false).
  The store enforces at most one current RuleSet per location, so a race
  can never leave two current versions. Activation of the first version
  has nothing to deactivate, so there is never a window with zero.

SEE ALSO:
  - allocation/engine.go: Interprets the parameters
  - factory/ruleset.go: JSON form of a RuleSet
  - tips/rules.go: Supersession service
*/
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// METHOD
// =============================================================================

// Method is the allocation algorithm of a RuleSet.
type Method string

const (
	MethodIndividual Method = "individual"
	MethodPooled     Method = "pooled"
	MethodWeighted   Method = "weighted"
	MethodShiftBased Method = "shift_based"
	MethodHybrid     Method = "hybrid"
)

// Methods lists every supported method.
var Methods = []Method{MethodIndividual, MethodPooled, MethodWeighted, MethodShiftBased, MethodHybrid}

// IsValid reports whether m is one of the supported methods.
func (m Method) IsValid() bool {
	for _, known := range Methods {
		if m == known {
			return true
		}
	}
	return false
}

// IsPoolMethod reports whether m can serve as a hybrid sub-method.
func (m Method) IsPoolMethod() bool {
	return m == MethodPooled || m == MethodWeighted || m == MethodShiftBased
}

// =============================================================================
// PARAMETERS
// =============================================================================

// Parameters carries method-specific settings. Unused fields are ignored
// by methods that do not read them.
type Parameters struct {
	// PoolRoles restricts which roles contribute to and share in the pool.
	// Empty means every role.
	PoolRoles []Role `json:"pool_roles,omitempty"`

	// RoleWeights maps role to its share weight (weighted method).
	RoleWeights map[Role]decimal.Decimal `json:"role_weights,omitempty"`

	// DirectPercentage of each tip goes to its server (hybrid method).
	DirectPercentage decimal.Decimal `json:"direct_percentage"`

	// ShiftHoursRequired excludes staff who worked fewer hours in the
	// period (shift_based method, and hybrid with shift_based pool).
	ShiftHoursRequired decimal.Decimal `json:"shift_hours_required"`

	// SubMethod distributes the hybrid pool.
	SubMethod Method `json:"sub_method,omitempty"`
}

// IncludesRole reports whether role takes part in the pool.
func (p Parameters) IncludesRole(role Role) bool {
	if len(p.PoolRoles) == 0 {
		return true
	}
	for _, r := range p.PoolRoles {
		if r == role {
			return true
		}
	}
	return false
}

// SortedRoles returns the weighted roles in a stable order.
func (p Parameters) SortedRoles() []Role {
	roles := make([]Role, 0, len(p.RoleWeights))
	for r := range p.RoleWeights {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// =============================================================================
// RULESET
// =============================================================================

// RuleSet is one version of a location's allocation policy.
type RuleSet struct {
	ID            RuleSetID
	LocationID    LocationID
	Name          string
	Version       int
	Method        Method
	Parameters    Parameters
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = open-ended until superseded
	IsCurrent     bool
	CreatedBy     string
	CreatedAt     time.Time
}

// EffectiveAt reports whether the RuleSet governed allocations at t.
func (r RuleSet) EffectiveAt(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || t.Before(*r.EffectiveTo)
}

// Validate checks the method and its parameters.
func (r RuleSet) Validate() error {
	if r.LocationID == "" {
		return invalidRule("location_id", "is required")
	}
	if !r.Method.IsValid() {
		return invalidRule("method", fmt.Sprintf("unknown method %q", r.Method))
	}
	return validateParameters(r.Method, r.Parameters, false)
}

func validateParameters(m Method, p Parameters, nested bool) error {
	if p.ShiftHoursRequired.IsNegative() {
		return invalidRule("shift_hours_required", "must not be negative")
	}

	switch m {
	case MethodIndividual, MethodPooled, MethodShiftBased:
		return nil

	case MethodWeighted:
		if len(p.RoleWeights) == 0 {
			return invalidRule("role_weights", "weighted method requires at least one role weight")
		}
		for _, role := range p.SortedRoles() {
			if !p.RoleWeights[role].IsPositive() {
				return invalidRule("role_weights", fmt.Sprintf("weight for %q must be positive", role))
			}
		}
		return nil

	case MethodHybrid:
		if nested {
			return invalidRule("sub_method", "hybrid cannot nest")
		}
		if p.DirectPercentage.IsNegative() || p.DirectPercentage.GreaterThan(decimal.NewFromInt(100)) {
			return invalidRule("direct_percentage", "must be between 0 and 100")
		}
		if !p.SubMethod.IsPoolMethod() {
			return invalidRule("sub_method", "must be pooled, weighted or shift_based")
		}
		return validateParameters(p.SubMethod, p, true)
	}
	return invalidRule("method", fmt.Sprintf("unknown method %q", m))
}

func invalidRule(field, msg string) error {
	return &ValidationError{Field: field, Message: msg, Err: ErrInvalidRuleSet}
}
