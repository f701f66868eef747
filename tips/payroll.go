package tips

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// PAYROLL EXPORT - Per-employee records over locked batches
// =============================================================================

// PayrollFilter selects the locked batches to export. Batches whose
// period overlaps [From, To] are included. Empty LocationID means all.
type PayrollFilter struct {
	From       time.Time
	To         time.Time
	LocationID ledger.LocationID
}

// LocationAmount is one location's share of a payroll record.
type LocationAmount struct {
	LocationID  ledger.LocationID
	BatchID     ledger.BatchID
	GrossTips   money.Money
	Adjustments money.Money
	NetTips     money.Money
}

// PayrollRecord is what payroll receives for one employee and one period.
type PayrollRecord struct {
	PayrollID         string
	EmployeeID        ledger.EmployeeID
	EmployeeName      string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	GrossTips         money.Money
	Adjustments       money.Money
	NetTips           money.Money
	LocationBreakdown []LocationAmount
}

// PayrollExporter builds records. Draft batches are never exported, and
// only approved adjustments count.
type PayrollExporter struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewPayrollExporter(d Deps) *PayrollExporter {
	d = d.withDefaults()
	return &PayrollExporter{deps: d, log: d.Log.WithField("module", "payroll")}
}

// Export returns records ordered by period start, then payroll ID, then
// employee ID. The breakdown is ordered by location.
func (e *PayrollExporter) Export(ctx context.Context, f PayrollFilter) ([]PayrollRecord, error) {
	p, err := ledger.NewPeriod(f.From, f.To)
	if err != nil {
		return nil, err
	}
	batches, err := e.deps.Store.ListBatches(ctx, ledger.BatchFilter{LocationID: f.LocationID, From: &p.Start, To: &p.End})
	if err != nil {
		return nil, err
	}

	type key struct {
		emp   ledger.EmployeeID
		start time.Time
		end   time.Time
	}
	records := make(map[key]*PayrollRecord)
	employees := make(map[ledger.EmployeeID]ledger.Employee)

	for _, b := range batches {
		if !b.Status.IsLocked() {
			continue
		}
		lines, err := e.deps.Store.ListLines(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		adjs, err := e.deps.Store.ListAdjustments(ctx, ledger.AdjustmentFilter{BatchID: b.ID, Status: ledger.AdjustmentApproved})
		if err != nil {
			return nil, err
		}
		byLine := make(map[ledger.LineID][]ledger.Adjustment)
		for _, a := range adjs {
			byLine[a.LineID] = append(byLine[a.LineID], a)
		}

		for _, l := range lines {
			k := key{emp: l.EmployeeID, start: b.Period.Start, end: b.Period.End}
			rec, ok := records[k]
			if !ok {
				emp, err := e.employee(ctx, employees, l.EmployeeID)
				if err != nil {
					return nil, err
				}
				rec = &PayrollRecord{
					PayrollID:    emp.PayrollID,
					EmployeeID:   l.EmployeeID,
					EmployeeName: emp.Name,
					PeriodStart:  b.Period.Start,
					PeriodEnd:    b.Period.End,
				}
				records[k] = rec
			}

			net, approved := ledger.NetPayable(l.GrossAmount, byLine[l.ID])
			rec.GrossTips += l.GrossAmount
			rec.Adjustments += approved
			rec.NetTips += net
			rec.addLocation(b, l.GrossAmount, approved, net)
		}
	}

	out := make([]PayrollRecord, 0, len(records))
	for _, rec := range records {
		sort.Slice(rec.LocationBreakdown, func(i, j int) bool {
			return rec.LocationBreakdown[i].LocationID < rec.LocationBreakdown[j].LocationID
		})
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.PeriodStart.Equal(b.PeriodStart) {
			return a.PeriodStart.Before(b.PeriodStart)
		}
		if a.PayrollID != b.PayrollID {
			return a.PayrollID < b.PayrollID
		}
		return a.EmployeeID < b.EmployeeID
	})

	e.log.WithFields(logrus.Fields{"period": p.String(), "location_id": f.LocationID, "records": len(out)}).Info("payroll export built")
	return out, nil
}

func (r *PayrollRecord) addLocation(b ledger.Batch, gross, approved, net money.Money) {
	for i := range r.LocationBreakdown {
		if r.LocationBreakdown[i].BatchID == b.ID {
			r.LocationBreakdown[i].GrossTips += gross
			r.LocationBreakdown[i].Adjustments += approved
			r.LocationBreakdown[i].NetTips += net
			return
		}
	}
	r.LocationBreakdown = append(r.LocationBreakdown, LocationAmount{
		LocationID:  b.LocationID,
		BatchID:     b.ID,
		GrossTips:   gross,
		Adjustments: approved,
		NetTips:     net,
	})
}

// employee looks up directory data once per export. An employee missing
// from the directory is still exported, with blank name and payroll ID.
func (e *PayrollExporter) employee(ctx context.Context, cache map[ledger.EmployeeID]ledger.Employee, id ledger.EmployeeID) (ledger.Employee, error) {
	if emp, ok := cache[id]; ok {
		return emp, nil
	}
	emp, err := e.deps.Store.GetEmployee(ctx, id)
	if errors.Is(err, ledger.ErrEmployeeNotFound) {
		e.log.WithField("employee_id", id).Warn("exporting employee missing from directory")
		emp, err = ledger.Employee{ID: id}, nil
	}
	if err != nil {
		return ledger.Employee{}, err
	}
	cache[id] = emp
	return emp, nil
}
