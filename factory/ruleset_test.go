package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tip-ledger/ledger"
)

func TestParseRuleSet_Hybrid(t *testing.T) {
	f := NewRuleSetFactory()

	rs, err := f.ParseRuleSet(`{
		"location_id": "loc-soho",
		"name": "FOH",
		"method": "hybrid",
		"effective_from": "2025-04-06",
		"parameters": {
			"role_weights": {"server": 1.2, "host": "0.8"},
			"direct_percentage": 30,
			"sub_method": "weighted"
		}
	}`)
	require.NoError(t, err)

	assert.Equal(t, ledger.MethodHybrid, rs.Method)
	assert.Equal(t, ledger.LocationID("loc-soho"), rs.LocationID)
	assert.Equal(t, time.Date(2025, 4, 6, 0, 0, 0, 0, time.UTC), rs.EffectiveFrom)
	assert.True(t, decimal.RequireFromString("1.2").Equal(rs.Parameters.RoleWeights["server"]))
	assert.True(t, decimal.RequireFromString("0.8").Equal(rs.Parameters.RoleWeights["host"]))
	assert.True(t, decimal.NewFromInt(30).Equal(rs.Parameters.DirectPercentage))
	assert.Equal(t, ledger.MethodWeighted, rs.Parameters.SubMethod)
}

func TestParseRuleSet_Rejects(t *testing.T) {
	f := NewRuleSetFactory()

	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"malformed", `{`, "body"},
		{"unknown method", `{"location_id": "l", "method": "lottery", "parameters": {}}`, "method"},
		{"missing location", `{"method": "pooled", "parameters": {}}`, "location_id"},
		{"weighted without weights", `{"location_id": "l", "method": "weighted", "parameters": {}}`, "role_weights"},
		{"percentage over 100", `{"location_id": "l", "method": "hybrid", "parameters": {"direct_percentage": 101, "sub_method": "pooled"}}`, "direct_percentage"},
		{"bad date", `{"location_id": "l", "method": "pooled", "effective_from": "06/04/2025", "parameters": {}}`, "effective_from"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseRuleSet(tt.json)
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrInvalidRuleSet)

			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseRuleSet_DefaultsEffectiveFromToToday(t *testing.T) {
	f := NewRuleSetFactory()
	f.now = func() time.Time { return time.Date(2025, 6, 1, 15, 4, 5, 0, time.UTC) }

	rs, err := f.ParseRuleSet(IndividualJSON("loc-1", "direct"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), rs.EffectiveFrom)
}

func TestToJSON_RoundTripsThroughFactory(t *testing.T) {
	f := NewRuleSetFactory()

	rs, err := f.ParseRuleSet(HybridWeightedJSON("loc-1", "mix", 25, map[string]string{"server": "1.5", "runner": "1"}))
	require.NoError(t, err)

	again, err := f.FromJSON(f.ToJSON(rs))
	require.NoError(t, err)
	assert.Equal(t, rs.Method, again.Method)
	assert.True(t, rs.Parameters.DirectPercentage.Equal(again.Parameters.DirectPercentage))
	assert.Len(t, again.Parameters.RoleWeights, 2)
	assert.True(t, rs.EffectiveFrom.Equal(again.EffectiveFrom))
}

func TestPresets_AreValid(t *testing.T) {
	f := NewRuleSetFactory()

	for _, js := range []string{
		IndividualJSON("loc-1", "a"),
		FrontOfHousePoolJSON("loc-1", "b", "server", "host"),
		HybridWeightedJSON("loc-1", "c", 40, map[string]string{"server": "1.2", "host": "0.8"}),
	} {
		_, err := f.ParseRuleSet(js)
		assert.NoError(t, err)
	}
}
