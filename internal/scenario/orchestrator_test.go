package scenario_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencaptable/waterfall/internal/opm"
	"github.com/opencaptable/waterfall/internal/scenario"
	"github.com/opencaptable/waterfall/pkg/decimalmath"
	"github.com/opencaptable/waterfall/pkg/testutil"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEvaluateDegenerateWeights(t *testing.T) {
	// One scenario at weight 1 and another at weight 0: the blend must
	// equal the weighted scenario's standalone result exactly.
	orch := scenario.New(nil)
	defs := []scenario.Definition{
		{ID: "base", Weight: dec("1")},
		{ID: "ignored", Weight: decimal.Zero, Overrides: &scenario.ParamsOverride{Spot: dec("5000000")}},
	}

	result, err := orch.Evaluate(context.Background(), testutil.ReferenceSnapshot(), testutil.ReferenceParams(), defs)
	require.NoError(t, err)

	require.Contains(t, result.PerScenario, "base")
	for name, blended := range result.PerSecurity {
		standalone := result.PerScenario["base"][name]
		assert.True(t, blended.Equal(standalone),
			"with weight 1 the blend for %s must equal the scenario value", name)
	}
	assert.True(t, result.Weights["base"].Equal(dec("1")))
	assert.True(t, result.Weights["ignored"].IsZero())
	require.NotNil(t, result.Trail)
	assert.Greater(t, result.Trail.Len(), 0)
}

func TestEvaluateBlendsByWeight(t *testing.T) {
	orch := scenario.New(nil)
	params := testutil.ReferenceParams()

	defs := []scenario.Definition{
		{ID: "upside", Weight: dec("0.6")},
		{ID: "downside", Weight: dec("0.4"), Overrides: &scenario.ParamsOverride{Spot: dec("10000000")}},
	}

	result, err := orch.Evaluate(context.Background(), testutil.ReferenceSnapshot(), params, defs)
	require.NoError(t, err)

	for _, name := range []string{"Common", "Seed", "Series A", "Series B"} {
		expected := result.PerScenario["upside"][name].Mul(dec("0.6")).
			Add(result.PerScenario["downside"][name].Mul(dec("0.4")))
		assert.True(t, decimalmath.WithinRelativeTolerance(result.PerSecurity[name], expected, decimalmath.DefaultTolerance),
			"blend for %s = %s, expected %s", name, result.PerSecurity[name], expected)
	}

	// The downside scenario prices a lower spot, so common is worth less
	// there than in the upside scenario.
	assert.True(t, result.PerScenario["downside"]["Common"].LessThan(result.PerScenario["upside"]["Common"]))
}

func TestEvaluateNormalizesWeights(t *testing.T) {
	orch := scenario.New(nil)
	defs := []scenario.Definition{
		{ID: "a", Weight: dec("1")},
		{ID: "b", Weight: dec("3")},
	}

	result, err := orch.Evaluate(context.Background(), testutil.ReferenceSnapshot(), testutil.ReferenceParams(), defs)
	require.NoError(t, err)

	assert.True(t, result.Weights["a"].Equal(dec("0.25")), "weight a = %s", result.Weights["a"])
	assert.True(t, result.Weights["b"].Equal(dec("0.75")), "weight b = %s", result.Weights["b"])

	_, ok := result.Trail.Find("scenario", "weights-normalized")
	assert.True(t, ok, "audit trail should record the re-normalization")
}

func TestEvaluateWeightErrors(t *testing.T) {
	orch := scenario.New(nil)
	snap := testutil.ReferenceSnapshot()
	params := testutil.ReferenceParams()

	tests := []struct {
		name string
		defs []scenario.Definition
	}{
		{name: "No scenarios", defs: nil},
		{
			name: "Missing id",
			defs: []scenario.Definition{{Weight: dec("1")}},
		},
		{
			name: "Duplicate id",
			defs: []scenario.Definition{
				{ID: "base", Weight: dec("0.5")},
				{ID: "base", Weight: dec("0.5")},
			},
		},
		{
			name: "Negative weight",
			defs: []scenario.Definition{
				{ID: "a", Weight: dec("1.5")},
				{ID: "b", Weight: dec("-0.5")},
			},
		},
		{
			name: "All weights zero",
			defs: []scenario.Definition{
				{ID: "a", Weight: decimal.Zero},
				{ID: "b", Weight: decimal.Zero},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orch.Evaluate(context.Background(), snap, params, tt.defs)
			assert.Error(t, err)
		})
	}
}

func TestEvaluateDeterministicAcrossRuns(t *testing.T) {
	// Scenario workers run concurrently; blending must not depend on
	// completion order.
	orch := scenario.New(nil, scenario.WithMaxWorkers(8))
	params := testutil.ReferenceParams()

	var defs []scenario.Definition
	weight := dec("0.125")
	for _, spot := range []string{"5000000", "15000000", "25000000", "35000000", "45000000", "55000000", "65000000", "75000000"} {
		defs = append(defs, scenario.Definition{ID: "exit-" + spot, Weight: weight, Overrides: &scenario.ParamsOverride{Spot: dec(spot)}})
	}

	first, err := orch.Evaluate(context.Background(), testutil.ReferenceSnapshot(), params, defs)
	require.NoError(t, err)
	second, err := orch.Evaluate(context.Background(), testutil.ReferenceSnapshot(), params, defs)
	require.NoError(t, err)

	for name, value := range first.PerSecurity {
		assert.True(t, value.Equal(second.PerSecurity[name]),
			"runs disagree on %s: %s vs %s", name, value, second.PerSecurity[name])
	}
}

func TestEvaluatePropagatesPricingErrors(t *testing.T) {
	orch := scenario.New(nil)

	defs := []scenario.Definition{
		{ID: "broken", Weight: dec("1"), Overrides: &scenario.ParamsOverride{RiskFreeRate: dec("1")}},
	}
	_, err := orch.Evaluate(context.Background(), testutil.ReferenceSnapshot(), testutil.ReferenceParams(), defs)
	require.Error(t, err)

	var perr *opm.ParameterError
	assert.ErrorAs(t, err, &perr)
}

func TestEvaluatePartialOverrideTracksGlobal(t *testing.T) {
	// A scenario that overrides only volatility must inherit the rest of
	// the parameters from whatever global values each evaluation receives,
	// so moving the global spot has to move that scenario's values too.
	orch := scenario.New(nil)
	snap := testutil.ReferenceSnapshot()
	defs := []scenario.Definition{
		{ID: "base", Weight: dec("0.5")},
		{ID: "stressed", Weight: dec("0.5"), Overrides: &scenario.ParamsOverride{Volatility: dec("0.9")}},
	}

	low, err := orch.Evaluate(context.Background(), snap, testutil.ReferenceParams().WithSpot(dec("10000000")), defs)
	require.NoError(t, err)
	high, err := orch.Evaluate(context.Background(), snap, testutil.ReferenceParams().WithSpot(dec("60000000")), defs)
	require.NoError(t, err)

	assert.False(t, low.PerScenario["stressed"]["Common"].Equal(high.PerScenario["stressed"]["Common"]),
		"partially overridden scenario ignored the global spot change")
	assert.True(t, low.PerScenario["stressed"]["Common"].LessThan(high.PerScenario["stressed"]["Common"]))

	// The overridden field itself still applies.
	assert.False(t, low.PerScenario["stressed"]["Common"].Equal(low.PerScenario["base"]["Common"]))
}
