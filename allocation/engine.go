/*
engine.go - The Rule Engine: transactions + shifts -> allocation lines

PURPOSE:
  Compute turns the synced inputs for one (location, period) into the
  per-employee lines of a batch, according to one RuleSet. It is a pure
  function: no store, no clock, no randomness. Identical inputs produce
  byte-identical lines, which is what makes re-drafting idempotent and
  line hashes reproducible.

SCOPE:
  A transaction is in scope when it belongs to the RuleSet's location,
  its timestamp falls in the period, its tip is positive and it has not
  been fully refunded. A negative tip is malformed input.

DISPATCH:
  The method set is closed, so Compute switches on RuleSet.Method:

    individual   -> one line per transaction, to its employee
    pooled       -> pool split equally among qualifying staff on shift
    weighted     -> pool split by role weight
    shift_based  -> pool split by hours worked
    hybrid       -> direct % per transaction + pool by sub-method

POOL CONTRIBUTIONS:
  With PoolRoles set, only tips taken by employees in those roles go into
  the pool; tips with no employee cannot be attributed to a role and stay
  out. With PoolRoles empty every in-scope tip is pooled. Tips left out
  are not in the batch's sources and surface in reconciliation.

CONSERVATION:
  Sum of line amounts == sum of source tips, exactly. Splits go through
  money.Split which panics on violation; Compute checks again at the end.

SEE ALSO:
  - money/money.go: Split and Percent
  - ledger/ruleset.go: Parameters
  - tips/batch.go: Persists the result as a draft batch
*/
package allocation

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// lineNamespace seeds deterministic line IDs.
var lineNamespace = uuid.MustParse("6f1b7c5e-2f4a-4d8e-9a61-3b0f6c2d9e71")

// =============================================================================
// INPUT / RESULT
// =============================================================================

// Input is everything the engine reads.
type Input struct {
	RuleSet      ledger.RuleSet
	Period       ledger.Period
	BatchID      ledger.BatchID // may be empty for previews
	Transactions []ledger.Transaction
	Shifts       []ledger.Shift
	Employees    []ledger.Employee
}

// Result is the engine's output for one batch.
type Result struct {
	Lines []ledger.Line

	// Sources are the transactions whose tips the lines distribute.
	Sources []ledger.TransactionID

	// TotalTips is the sum of source tips; equals the sum of line amounts.
	TotalTips money.Money
}

// =============================================================================
// COMPUTE
// =============================================================================

// Compute allocates the in-scope tips of in according to its RuleSet.
func Compute(in Input) (Result, error) {
	rs := in.RuleSet
	if err := rs.Validate(); err != nil {
		return Result{}, err
	}
	if err := in.Period.Validate(); err != nil {
		return Result{}, err
	}

	txs, err := inScope(in)
	if err != nil {
		return Result{}, err
	}

	c := &computation{
		in:        in,
		params:    rs.Parameters,
		employees: make(map[ledger.EmployeeID]ledger.Employee, len(in.Employees)),
	}
	for _, e := range in.Employees {
		c.employees[e.ID] = e
	}

	switch rs.Method {
	case ledger.MethodIndividual:
		err = c.individual(txs)
	case ledger.MethodPooled, ledger.MethodWeighted, ledger.MethodShiftBased:
		err = c.pool(rs.Method, rs.Method, "", c.contributions(txs))
	case ledger.MethodHybrid:
		err = c.hybrid(txs)
	default:
		err = fmt.Errorf("%w: unknown method %q", ledger.ErrInvalidRuleSet, rs.Method)
	}
	if err != nil {
		return Result{}, err
	}

	return c.result(), nil
}

// inScope filters and orders the transactions the batch may allocate.
func inScope(in Input) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, t := range in.Transactions {
		if t.LocationID != in.RuleSet.LocationID || !in.Period.Contains(t.Timestamp) {
			continue
		}
		if t.TipAmount.IsNegative() {
			return nil, &ledger.ValidationError{
				Field:   "tip_amount",
				Message: fmt.Sprintf("transaction %s has negative tip %s", t.ID, t.TipAmount),
				Err:     ledger.ErrInvalidInput,
			}
		}
		if !t.TipAmount.IsPositive() || t.IsRefunded() {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// COMPUTATION STATE
// =============================================================================

type computation struct {
	in        Input
	params    ledger.Parameters
	employees map[ledger.EmployeeID]ledger.Employee

	lines   []ledger.Line
	sources map[ledger.TransactionID]money.Money
}

func (c *computation) role(id ledger.EmployeeID) ledger.Role {
	return c.employees[id].Role
}

func (c *computation) addSource(t ledger.Transaction) {
	if c.sources == nil {
		c.sources = make(map[ledger.TransactionID]money.Money)
	}
	c.sources[t.ID] = t.TipAmount
}

func (c *computation) meta(m ledger.Method) ledger.CalculationMetadata {
	return ledger.CalculationMetadata{
		Method:         m,
		RuleSetID:      c.in.RuleSet.ID,
		RuleSetVersion: c.in.RuleSet.Version,
	}
}

func (c *computation) emit(emp ledger.EmployeeID, txn *ledger.TransactionID, amount money.Money, md ledger.CalculationMetadata) {
	ref := ""
	if txn != nil {
		ref = string(*txn)
	}
	key := fmt.Sprintf("%q %q %q %q", c.in.BatchID, md.Component, emp, ref)
	c.lines = append(c.lines, ledger.Line{
		ID:            ledger.LineID(uuid.NewSHA1(lineNamespace, []byte(key)).String()),
		BatchID:       c.in.BatchID,
		EmployeeID:    emp,
		TransactionID: txn,
		Method:        md.Method,
		GrossAmount:   amount,
		Metadata:      md,
	})
}

func (c *computation) result() Result {
	lines := c.lines
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.EmployeeID != b.EmployeeID {
			return a.EmployeeID < b.EmployeeID
		}
		if a.Metadata.Component != b.Metadata.Component {
			return a.Metadata.Component < b.Metadata.Component
		}
		return a.TransactionRef() < b.TransactionRef()
	})

	res := Result{Lines: lines}
	for id, tip := range c.sources {
		res.Sources = append(res.Sources, id)
		res.TotalTips += tip
	}
	sort.Slice(res.Sources, func(i, j int) bool { return res.Sources[i] < res.Sources[j] })

	if got := ledger.TotalGross(lines); got != res.TotalTips {
		panic(&money.RoundingInvariantViolation{Total: res.TotalTips, Sum: got})
	}
	return res
}

// =============================================================================
// INDIVIDUAL
// =============================================================================

func (c *computation) individual(txs []ledger.Transaction) error {
	for _, t := range txs {
		if !t.HasEmployee() {
			return &ledger.MissingEmployeeError{TransactionID: t.ID}
		}
		txn := t.ID
		md := c.meta(ledger.MethodIndividual)
		md.TipAmount = t.TipAmount
		md.Role = c.role(*t.EmployeeID)
		md.Explanation = fmt.Sprintf("tip of %s on transaction %s attributed in full to %s",
			t.TipAmount, t.ID, *t.EmployeeID)
		c.emit(*t.EmployeeID, &txn, t.TipAmount, md)
		c.addSource(t)
	}
	return nil
}

// =============================================================================
// HYBRID
// =============================================================================

func (c *computation) hybrid(txs []ledger.Transaction) error {
	pct := c.params.DirectPercentage
	var pool []ledger.Transaction
	var remainder money.Money

	for _, t := range txs {
		if !t.HasEmployee() {
			return &ledger.MissingEmployeeError{TransactionID: t.ID}
		}
		direct, err := money.Percent(t.TipAmount, pct)
		if err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInvalidRuleSet, err)
		}
		c.addSource(t)

		if direct.IsPositive() {
			txn := t.ID
			md := c.meta(ledger.MethodHybrid)
			md.Component = ledger.ComponentDirect
			md.TipAmount = t.TipAmount
			md.Percentage = pct.String()
			md.Role = c.role(*t.EmployeeID)
			md.Explanation = fmt.Sprintf("%s%% of tip %s on transaction %s paid directly to %s",
				pct, t.TipAmount, t.ID, *t.EmployeeID)
			c.emit(*t.EmployeeID, &txn, direct, md)
		}
		if rest := t.TipAmount - direct; rest.IsPositive() {
			remainder += rest
			pool = append(pool, t)
		}
	}

	if remainder.IsZero() {
		return nil
	}
	return c.distribute(ledger.MethodHybrid, c.params.SubMethod, ledger.ComponentPool, remainder, len(pool))
}

// =============================================================================
// POOLS
// =============================================================================

// contributions picks the transactions that feed a pool and records them
// as sources.
func (c *computation) contributions(txs []ledger.Transaction) money.Money {
	var total money.Money
	for _, t := range txs {
		if len(c.params.PoolRoles) > 0 {
			if !t.HasEmployee() || !c.params.IncludesRole(c.role(*t.EmployeeID)) {
				continue
			}
		}
		c.addSource(t)
		total += t.TipAmount
	}
	return total
}

func (c *computation) pool(lineMethod, sub ledger.Method, comp ledger.Component, total money.Money) error {
	if total.IsZero() {
		return nil
	}
	return c.distribute(lineMethod, sub, comp, total, len(c.sources))
}

// participant is one employee's claim on a pool.
type participant struct {
	id     ledger.EmployeeID
	role   ledger.Role
	weight decimal.Decimal
	hours  decimal.Decimal
}

// distribute splits total among the participants selected by sub.
func (c *computation) distribute(lineMethod, sub ledger.Method, comp ledger.Component, total money.Money, txCount int) error {
	var parts []participant
	switch sub {
	case ledger.MethodPooled:
		parts = c.onShift(func(p *participant) bool {
			p.weight = decimal.NewFromInt(1)
			return true
		})
	case ledger.MethodWeighted:
		parts = c.onShift(func(p *participant) bool {
			w, ok := c.params.RoleWeights[p.role]
			if !ok || !w.IsPositive() {
				return false
			}
			p.weight = w
			return true
		})
	case ledger.MethodShiftBased:
		parts = c.byHours()
	default:
		return fmt.Errorf("%w: %q cannot distribute a pool", ledger.ErrInvalidRuleSet, sub)
	}

	if len(parts) == 0 {
		return fmt.Errorf("%w: %s pool of %s at %s for %s",
			ledger.ErrNoEligibleEmployees, sub, total, c.in.RuleSet.LocationID, c.in.Period)
	}

	shares := make([]money.Share, len(parts))
	totalWeight := decimal.Zero
	for i, p := range parts {
		shares[i] = money.Share{Key: string(p.id), Weight: p.weight}
		totalWeight = totalWeight.Add(p.weight)
	}
	amounts, err := money.Split(total, shares)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrNoEligibleEmployees, err)
	}

	for i, p := range parts {
		if amounts[i].IsZero() {
			continue
		}
		md := c.meta(lineMethod)
		md.Component = comp
		md.PoolTotal = total
		md.Participants = len(parts)
		md.Transactions = txCount
		md.Role = p.role
		md.Weight = p.weight.String()
		md.TotalWeight = totalWeight.String()
		if lineMethod == ledger.MethodHybrid {
			md.Percentage = c.params.DirectPercentage.String()
		}
		switch sub {
		case ledger.MethodPooled:
			md.Explanation = fmt.Sprintf("pool of %s from %d transactions split equally among %d employees",
				total, txCount, len(parts))
		case ledger.MethodWeighted:
			md.Explanation = fmt.Sprintf("pool of %s from %d transactions split by role weight: %s weight %s of %s",
				total, txCount, p.role, p.weight, totalWeight)
		case ledger.MethodShiftBased:
			md.Hours = p.hours.String()
			md.Explanation = fmt.Sprintf("pool of %s from %d transactions split by hours: %s of %s hours",
				total, txCount, p.hours, totalWeight)
		}
		if lineMethod == ledger.MethodHybrid {
			md.Explanation = "remainder after direct share; " + md.Explanation
		}
		c.emit(p.id, nil, amounts[i], md)
	}
	return nil
}

// onShift returns distinct employees in a pool role with a shift
// overlapping the period, ordered by ID. accept sets the weight and may
// reject the employee.
func (c *computation) onShift(accept func(*participant) bool) []participant {
	seen := make(map[ledger.EmployeeID]bool)
	var out []participant
	for _, s := range c.in.Shifts {
		if seen[s.EmployeeID] || s.LocationID != c.in.RuleSet.LocationID || !s.Overlaps(c.in.Period) {
			continue
		}
		seen[s.EmployeeID] = true
		p := participant{id: s.EmployeeID, role: c.role(s.EmployeeID)}
		if !c.params.IncludesRole(p.role) || !accept(&p) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// byHours sums closed-shift hours per employee for shifts starting in the
// period and drops anyone under the threshold.
func (c *computation) byHours() []participant {
	hours := make(map[ledger.EmployeeID]decimal.Decimal)
	for _, s := range c.in.Shifts {
		if s.LocationID != c.in.RuleSet.LocationID || !s.IsClosed() || !c.in.Period.Contains(s.StartAt) {
			continue
		}
		if !c.params.IncludesRole(c.role(s.EmployeeID)) {
			continue
		}
		hours[s.EmployeeID] = hours[s.EmployeeID].Add(s.HoursWorked)
	}

	var out []participant
	for id, h := range hours {
		if !h.IsPositive() || h.LessThan(c.params.ShiftHoursRequired) {
			continue
		}
		out = append(out, participant{id: id, role: c.role(id), weight: h, hours: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
