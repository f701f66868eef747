package money_test

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tip-ledger/money"
)

func w(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplit_EqualThreeWays_NoRemainder(t *testing.T) {
	shares, err := money.SplitEqually(12000, []string{"emp-a", "emp-b", "emp-c"})
	require.NoError(t, err)
	assert.Equal(t, []money.Money{4000, 4000, 4000}, shares)
}

func TestSplit_RemainderGoesToLowestKeyOnTies(t *testing.T) {
	// GIVEN: 10000 pence across three equal weights
	// THEN: 3333 each plus one leftover penny to the first key by ID
	shares, err := money.SplitEqually(10000, []string{"emp-c", "emp-a", "emp-b"})
	require.NoError(t, err)

	assert.Equal(t, []money.Money{3333, 3334, 3333}, shares)
	assert.Equal(t, money.Money(10000), money.Sum(shares...))
}

func TestSplit_RoleWeights(t *testing.T) {
	shares, err := money.Split(10000, []money.Share{
		{Key: "server", Weight: w("1.2")},
		{Key: "host", Weight: w("0.8")},
	})
	require.NoError(t, err)
	assert.Equal(t, []money.Money{6000, 4000}, shares)
}

func TestSplit_RemainderPrefersHigherWeight(t *testing.T) {
	// 101 * 1.5 / 2.5 = 60.6 -> 60, 101 * 1 / 2.5 = 40.4 -> 40, one penny left
	shares, err := money.Split(101, []money.Share{
		{Key: "b", Weight: w("1")},
		{Key: "a", Weight: w("1.5")},
	})
	require.NoError(t, err)
	assert.Equal(t, []money.Money{40, 61}, shares)
}

func TestSplit_ZeroWeightNeverReceivesRemainder(t *testing.T) {
	shares, err := money.Split(7, []money.Share{
		{Key: "a", Weight: w("0")},
		{Key: "b", Weight: w("1")},
		{Key: "c", Weight: w("1")},
	})
	require.NoError(t, err)
	assert.Equal(t, []money.Money{0, 4, 3}, shares)
}

func TestSplit_NegativeTotal(t *testing.T) {
	shares, err := money.SplitEqually(-10, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []money.Money{-4, -3, -3}, shares)
}

func TestSplit_Errors(t *testing.T) {
	_, err := money.Split(100, nil)
	assert.ErrorIs(t, err, money.ErrNoWeight)

	_, err = money.Split(100, []money.Share{{Key: "a", Weight: w("0")}})
	assert.ErrorIs(t, err, money.ErrNoWeight)

	_, err = money.Split(100, []money.Share{{Key: "a", Weight: w("-1")}, {Key: "b", Weight: w("2")}})
	assert.ErrorIs(t, err, money.ErrNegativeWeight)
}

func TestSplit_ConservesAcrossManyTotals(t *testing.T) {
	weights := []money.Share{
		{Key: "e1", Weight: w("7.25")},
		{Key: "e2", Weight: w("3.5")},
		{Key: "e3", Weight: w("0.333")},
		{Key: "e4", Weight: w("11")},
		{Key: "e5", Weight: w("1")},
	}
	for total := money.Money(0); total < 5000; total += 37 {
		t.Run(fmt.Sprint(total), func(t *testing.T) {
			shares, err := money.Split(total, weights)
			require.NoError(t, err)
			assert.Equal(t, total, money.Sum(shares...))
		})
	}
}

func TestSplit_Deterministic(t *testing.T) {
	shares := []money.Share{{Key: "x", Weight: w("2")}, {Key: "y", Weight: w("2")}, {Key: "z", Weight: w("3")}}
	first, err := money.Split(999, shares)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := money.Split(999, shares)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPercent(t *testing.T) {
	got, err := money.Percent(1001, w("70"))
	require.NoError(t, err)
	assert.Equal(t, money.Money(700), got)

	got, err = money.Percent(999, w("62.5"))
	require.NoError(t, err)
	assert.Equal(t, money.Money(624), got)

	got, err = money.Percent(-999, w("50"))
	require.NoError(t, err)
	assert.Equal(t, money.Money(-499), got)

	_, err = money.Percent(100, w("101"))
	assert.Error(t, err)
}

func TestParseAndFormat(t *testing.T) {
	m, err := money.Parse("120.50")
	require.NoError(t, err)
	assert.Equal(t, money.Money(12050), m)
	assert.Equal(t, "120.50", m.String())
	assert.Equal(t, "-0.05", money.Money(-5).String())

	_, err = money.Parse("1.005")
	assert.Error(t, err)
}
