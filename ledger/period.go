package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - The allocation window of a batch
// =============================================================================

// Period is a run of whole days [Start, End], both inclusive, in UTC.
// A batch is keyed by (location, period).
//
// Examples:
//   - Week: Mon 2025-03-03 .. Sun 2025-03-09
//   - Tax month 1: 2025-04-06 .. 2025-05-05
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod builds a period from two dates, truncated to whole days.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: truncateDay(start), End: truncateDay(end)}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// Validate checks the period is well-formed.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidPeriod)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidPeriod, dateString(p.End), dateString(p.Start))
	}
	return nil
}

// EndExclusive is the first instant after the period.
func (p Period) EndExclusive() time.Time { return p.End.AddDate(0, 0, 1) }

// Contains returns true if t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.EndExclusive())
}

// Key identifies the period in lock keys and idempotency keys.
func (p Period) Key() string { return dateString(p.Start) + "_" + dateString(p.End) }

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + dateString(p.Start) + ", " + dateString(p.End) + "]"
}

// Next returns the period of the same length that follows this one.
func (p Period) Next() Period {
	days := int(p.End.Sub(p.Start).Hours()/24) + 1
	start := p.EndExclusive()
	return Period{Start: start, End: start.AddDate(0, 0, days-1)}
}

// BatchKey is the lock key for computation and locking of one batch.
func BatchKey(locationID LocationID, p Period) string {
	return "batch:" + string(locationID) + ":" + p.Key()
}

// =============================================================================
// PERIOD CONFIG - Which payroll window a date falls into
// =============================================================================

// PeriodType defines how payroll periods are cut.
type PeriodType string

const (
	PeriodWeekly   PeriodType = "weekly"    // Monday - Sunday
	PeriodMonthly  PeriodType = "monthly"   // Calendar month
	PeriodTaxMonth PeriodType = "tax_month" // UK PAYE month: 6th - 5th
)

// PeriodConfig calculates periods for a location's payroll cadence.
type PeriodConfig struct {
	Type PeriodType
}

// PeriodFor returns the period containing the given date.
func (pc PeriodConfig) PeriodFor(date time.Time) Period {
	d := truncateDay(date)
	switch pc.Type {
	case PeriodWeekly:
		offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
		start := d.AddDate(0, 0, -offset)
		return Period{Start: start, End: start.AddDate(0, 0, 6)}

	case PeriodTaxMonth:
		start := time.Date(d.Year(), d.Month(), 6, 0, 0, 0, 0, time.UTC)
		if d.Day() < 6 {
			start = start.AddDate(0, -1, 0)
		}
		return Period{Start: start, End: start.AddDate(0, 1, -1)}

	default:
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 1, -1)}
	}
}

// PreviousPeriod returns the last period that fully ended before now.
func (pc PeriodConfig) PreviousPeriod(now time.Time) Period {
	current := pc.PeriodFor(now)
	return pc.PeriodFor(current.Start.AddDate(0, 0, -1))
}

// ParsePeriodType accepts the config spelling of a period type.
func ParsePeriodType(s string) (PeriodType, error) {
	switch PeriodType(s) {
	case PeriodWeekly, PeriodMonthly, PeriodTaxMonth:
		return PeriodType(s), nil
	}
	return "", fmt.Errorf("unknown period type %q", s)
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

// DateLayout is the wire format for period boundaries.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dateString(t time.Time) string { return t.Format(DateLayout) }
