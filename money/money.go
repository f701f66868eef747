/*
Package money provides fixed-point currency arithmetic for the tip ledger.

PURPOSE:
  Every monetary value in the ledger is an integer count of minor currency
  units (pence). Floating point never touches allocation math. Ratios that
  are naturally fractional (role weights, hours worked, percentages) are
  carried as decimal.Decimal and scaled to exact integers before division.

KEY CONCEPTS:
  - Money: signed int64 pence
  - Split: proportional division of a total with deterministic remainder
  - Percent: floor of a percentage of an amount

CONSERVATION:
  Split guarantees sum(shares) == total exactly. If that ever fails the
  arithmetic itself is broken, so Split panics with a
  RoundingInvariantViolation instead of returning a value that would leak
  or invent money.

EXAMPLE:
  shares, err := money.Split(12000, []money.Share{
      {Key: "emp-a", Weight: decimal.NewFromInt(1)},
      {Key: "emp-b", Weight: decimal.NewFromInt(1)},
      {Key: "emp-c", Weight: decimal.NewFromInt(1)},
  })
  // shares == [4000 4000 4000]

SEE ALSO:
  - allocation/engine.go: Uses Split for pooled/weighted/shift_based/hybrid
*/
package money

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer minor units
// =============================================================================

// Money is an amount in minor currency units (pence).
type Money int64

// Zero is the zero amount.
const Zero Money = 0

func (m Money) Add(o Money) Money { return m + o }
func (m Money) Sub(o Money) Money { return m - o }
func (m Money) Neg() Money { return -m }
func (m Money) IsZero() bool { return m == 0 }
func (m Money) IsNegative() bool { return m < 0 }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) Int64() int64 { return int64(m) }

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// Decimal returns the amount in major units (pounds) as an exact decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String renders the amount in major units, e.g. "120.00" or "-5.01".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Sum adds up a list of amounts.
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}

// FromDecimal converts a major-unit decimal (pounds) to Money.
// Fails if the value has more precision than one penny.
func FromDecimal(d decimal.Decimal) (Money, error) {
	pence := d.Shift(2)
	if !pence.Equal(pence.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-penny precision", d.String())
	}
	if !pence.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Money(pence.IntPart()), nil
}

// Parse parses a major-unit string such as "12.50".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// =============================================================================
// SPLIT - Proportional division with deterministic remainder
// =============================================================================

// ErrNoWeight is returned when a split has no participant with positive weight.
var ErrNoWeight = errors.New("split requires at least one positive weight")

// ErrNegativeWeight is returned when a participant has a negative weight.
var ErrNegativeWeight = errors.New("split weight must not be negative")

// Share is one participant in a split. Key orders ties deterministically
// (employee ID in the ledger).
type Share struct {
	Key    string
	Weight decimal.Decimal
}

// RoundingInvariantViolation reports a split whose parts do not add up to
// the total. It is only ever raised via panic.
type RoundingInvariantViolation struct {
	Total Money
	Sum   Money
}

func (e *RoundingInvariantViolation) Error() string {
	return fmt.Sprintf("rounding invariant violated: total %d, sum of shares %d", e.Total, e.Sum)
}

// Split divides total among shares in proportion to their weights.
//
// Each share gets floor(|total| * weight / sum(weights)). The leftover
// minor units are handed out one at a time in order of descending weight,
// then ascending Key, skipping zero weights. Negative totals are split by
// magnitude and negated. The result is aligned with the input slice.
func Split(total Money, shares []Share) ([]Money, error) {
	if len(shares) == 0 {
		return nil, ErrNoWeight
	}

	scaled, sumW, err := scaleWeights(shares)
	if err != nil {
		return nil, err
	}

	magnitude := big.NewInt(int64(total.Abs()))
	out := make([]Money, len(shares))
	var allocated Money
	for i, w := range scaled {
		part := new(big.Int).Mul(magnitude, w)
		part.Quo(part, sumW)
		out[i] = Money(part.Int64())
		allocated += out[i]
	}

	remainder := total.Abs() - allocated
	for _, idx := range remainderOrder(shares) {
		if remainder == 0 {
			break
		}
		out[idx]++
		remainder--
	}

	if total.IsNegative() {
		for i := range out {
			out[i] = -out[i]
		}
	}

	if got := Sum(out...); got != total {
		panic(&RoundingInvariantViolation{Total: total, Sum: got})
	}
	return out, nil
}

// SplitEqually divides total evenly across keys.
func SplitEqually(total Money, keys []string) ([]Money, error) {
	shares := make([]Share, len(keys))
	for i, k := range keys {
		shares[i] = Share{Key: k, Weight: decimal.NewFromInt(1)}
	}
	return Split(total, shares)
}

// scaleWeights converts decimal weights into integers sharing one power
// of ten, so the division is exact integer arithmetic.
func scaleWeights(shares []Share) ([]*big.Int, *big.Int, error) {
	var places int32
	for _, s := range shares {
		if s.Weight.IsNegative() {
			return nil, nil, fmt.Errorf("%w: %s=%s", ErrNegativeWeight, s.Key, s.Weight)
		}
		if exp := s.Weight.Exponent(); -exp > places {
			places = -exp
		}
	}

	scaled := make([]*big.Int, len(shares))
	sum := new(big.Int)
	for i, s := range shares {
		scaled[i] = s.Weight.Shift(places).BigInt()
		sum.Add(sum, scaled[i])
	}
	if sum.Sign() == 0 {
		return nil, nil, ErrNoWeight
	}
	return scaled, sum, nil
}

func remainderOrder(shares []Share) []int {
	idx := make([]int, 0, len(shares))
	for i, s := range shares {
		if s.Weight.IsPositive() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		wa, wb := shares[idx[a]].Weight, shares[idx[b]].Weight
		if c := wa.Cmp(wb); c != 0 {
			return c > 0
		}
		return shares[idx[a]].Key < shares[idx[b]].Key
	})
	return idx
}

// =============================================================================
// PERCENT
// =============================================================================

// Percent returns floor(|amount| * pct / 100) carrying amount's sign.
// pct must be within [0, 100].
func Percent(amount Money, pct decimal.Decimal) (Money, error) {
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return 0, fmt.Errorf("percentage %s out of range [0, 100]", pct)
	}
	var places int32
	if exp := pct.Exponent(); exp < 0 {
		places = -exp
	}
	num := new(big.Int).Mul(big.NewInt(int64(amount.Abs())), pct.Shift(places).BigInt())
	den := new(big.Int).Mul(big.NewInt(100), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil))
	part := Money(num.Quo(num, den).Int64())
	if amount.IsNegative() {
		part = -part
	}
	return part, nil
}
