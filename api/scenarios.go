/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Seeds a demo location with employees, shifts, tipped transactions and a
  RuleSet so the dashboard has something to allocate. Each scenario
  demonstrates one allocation method.

AVAILABLE SCENARIOS:
  individual-servers:    Each tip goes to the server on the transaction
  pooled-front-of-house: Servers and bartenders share equally (£120.00)
  hybrid-weighted:       50% direct, rest by role weight

HOW SCENARIOS WORK:
  1. Pick the last closed period (same one the scheduler would draft)
  2. Sync employees, shifts and transactions through the normal services
  3. Create the RuleSet via the factory presets, unless the location
     already has a current one

NOTE:
  Scenarios never reset anything. The ledger is append-only, so each
  scenario uses its own location and stable ids; loading twice is a no-op
  apart from refreshing the employee directory.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "pooled-front-of-house"}

SEE ALSO:
  - handlers.go: Sync and batch handlers
  - factory/ruleset.go: RuleSet JSON presets
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tip-ledger/factory"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "individual-servers",
		Name:        "Individual Servers",
		Description: "Each tip is paid to the server who took the payment",
		Method:      string(ledger.MethodIndividual),
	},
	{
		ID:          "pooled-front-of-house",
		Name:        "Front of House Pool",
		Description: "£120.00 of tips shared equally between servers and bartenders on shift",
		Method:      string(ledger.MethodPooled),
	},
	{
		ID:          "hybrid-weighted",
		Name:        "Hybrid Weighted",
		Description: "Half of each tip to its server, the rest split by role weight (server 1.2, bartender 1.0, host 0.8)",
		Method:      string(ledger.MethodHybrid),
	},
}

// staff is one demo employee and the tips they took.
type staff struct {
	id   string
	name string
	role string
	tips []int64
}

type scenarioSeed struct {
	location string
	ruleSet  func(loc string) string
	staff    []staff
}

var scenarioSeeds = map[string]scenarioSeed{
	"individual-servers": {
		location: "demo-bistro",
		ruleSet: func(loc string) string {
			return factory.IndividualJSON(loc, "Servers keep their tips")
		},
		staff: []staff{
			{id: "srv-1", name: "Alice Moreau", role: "server", tips: []int64{1250, 800, 1500}},
			{id: "srv-2", name: "Ben Carter", role: "server", tips: []int64{600, 2200}},
			{id: "bar-1", name: "Cara Singh", role: "bartender", tips: []int64{450}},
		},
	},
	"pooled-front-of-house": {
		location: "demo-brasserie",
		ruleSet: func(loc string) string {
			return factory.FrontOfHousePoolJSON(loc, "Front of house pool", "server", "bartender")
		},
		staff: []staff{
			{id: "srv-1", name: "Dan Okafor", role: "server", tips: []int64{5000}},
			{id: "srv-2", name: "Eve Lambert", role: "server", tips: []int64{4000}},
			{id: "bar-1", name: "Finn Walsh", role: "bartender", tips: []int64{3000}},
		},
	},
	"hybrid-weighted": {
		location: "demo-tavern",
		ruleSet: func(loc string) string {
			return factory.HybridWeightedJSON(loc, "Direct plus weighted pool", 50,
				map[string]string{"server": "1.2", "bartender": "1.0", "host": "0.8"})
		},
		staff: []staff{
			{id: "srv-1", name: "Gina Rossi", role: "server", tips: []int64{2000, 1000}},
			{id: "bar-1", name: "Hugo Brandt", role: "bartender", tips: []int64{1500}},
			{id: "hst-1", name: "Iris Novak", role: "host"},
		},
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.loadScenario(r.Context(), req.ScenarioID, time.Now())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, id string, now time.Time) (ScenarioLoadedDTO, error) {
	seed, ok := scenarioSeeds[id]
	if !ok {
		return ScenarioLoadedDTO{}, &ledger.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id), Err: ledger.ErrInvalidInput}
	}
	var dto ScenarioDTO
	for _, s := range scenarios {
		if s.ID == id {
			dto = s
		}
	}

	// 1. Period: the one the scheduler would draft now
	p := h.Periods.PreviousPeriod(now)
	loc := ledger.LocationID(seed.location)
	day := p.Start

	// 2. Feed
	var (
		employees []ledger.Employee
		shifts    []ledger.Shift
		txs       []ledger.Transaction
	)
	for i, st := range seed.staff {
		empID := ledger.EmployeeID(seed.location + "-" + st.id)
		employees = append(employees, ledger.Employee{
			ID:         empID,
			LocationID: loc,
			Name:       st.name,
			Role:       ledger.Role(st.role),
			PayrollID:  fmt.Sprintf("PAY-%s-%03d", seed.location, i+1),
		})

		start := day.Add(11 * time.Hour)
		end := start.Add(8 * time.Hour)
		shifts = append(shifts, ledger.Shift{
			ID:          ledger.ShiftID(fmt.Sprintf("%s-shift-%s", seed.location, st.id)),
			EmployeeID:  empID,
			LocationID:  loc,
			StartAt:     start,
			EndAt:       &end,
			HoursWorked: decimal.NewFromInt(8),
		})

		for j, tip := range st.tips {
			e := empID
			txs = append(txs, ledger.Transaction{
				ID:         ledger.TransactionID(fmt.Sprintf("%s-tx-%s-%d", seed.location, st.id, j+1)),
				LocationID: loc,
				EmployeeID: &e,
				Amount:     money.Money(tip * 8),
				TipAmount:  money.Money(tip),
				Timestamp:  start.Add(time.Duration(j+1) * time.Hour),
			})
		}
	}

	if _, err := h.Services.Sync.IngestEmployees(ctx, employees); err != nil {
		return ScenarioLoadedDTO{}, err
	}
	if _, err := h.Services.Sync.IngestShifts(ctx, shifts); err != nil {
		return ScenarioLoadedDTO{}, err
	}
	if _, err := h.Services.Sync.IngestTransactions(ctx, txs); err != nil {
		return ScenarioLoadedDTO{}, err
	}

	// 3. Rules, unless already configured
	if _, err := h.Services.Rules.Current(ctx, loc); errors.Is(err, ledger.ErrNoCurrentRuleSet) {
		rs, err := h.Rules.ParseRuleSet(seed.ruleSet(seed.location))
		if err != nil {
			return ScenarioLoadedDTO{}, err
		}
		rs.EffectiveFrom = p.Start
		actor := ActorFrom(ctx)
		if actor.IsZero() {
			actor = ledger.SystemActor
		}
		if _, err := h.Services.Rules.Activate(ctx, rs, actor); err != nil {
			return ScenarioLoadedDTO{}, err
		}
	} else if err != nil {
		return ScenarioLoadedDTO{}, err
	}

	return ScenarioLoadedDTO{
		Scenario:     dto,
		LocationID:   seed.location,
		PeriodStart:  formatDate(p.Start),
		PeriodEnd:    formatDate(p.End),
		Employees:    len(employees),
		Shifts:       len(shifts),
		Transactions: len(txs),
	}, nil
}
