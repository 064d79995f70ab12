package aggregate

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"mealsnap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id, label string) mealsnap.DetectedItem {
	return mealsnap.DetectedItem{ID: mealsnap.ItemID(id), Label: label, Confidence: 0.9}
}

func ok(mass, sigma, conf float64, per map[mealsnap.NutrientKind]float64) ItemOutcome {
	return ItemOutcome{
		Portion:   mealsnap.PortionEstimate{MassGrams: mass, MassUncertaintyGrams: sigma, Method: mealsnap.MethodReferenceObjectScale},
		Reference: mealsnap.NutrientReferenceEntry{Label: "ref", PerGram: per, SourceConfidence: conf},
	}
}

func TestAggregate_SingleItemUncertainty(t *testing.T) {
	a := New(Options{})
	profile, gaps, err := a.Aggregate(
		[]mealsnap.DetectedItem{item("item-1", "rice")},
		[]ItemOutcome{ok(200, 30, 0.8, map[mealsnap.NutrientKind]float64{mealsnap.Calories: 1.3})},
	)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	// relative: √(0.15² + 0.2²) = 0.25 → 260 kcal ± 65
	cal := profile.Totals[mealsnap.Calories]
	assert.InDelta(t, 260, cal.Value, 1e-9)
	assert.InDelta(t, 65, cal.Uncertainty, 1e-9)
	assert.Equal(t, "ref", profile.Breakdown[0].ResolvedLabel)
}

func TestAggregate_Weights(t *testing.T) {
	a := New(Options{PortionWeight: 2, ReferenceWeight: 0.5})
	profile, _, err := a.Aggregate(
		[]mealsnap.DetectedItem{item("item-1", "rice")},
		[]ItemOutcome{ok(100, 10, 0.6, map[mealsnap.NutrientKind]float64{mealsnap.Protein: 0.1})},
	)
	require.NoError(t, err)

	// 10 g protein; portion term 2·10·0.1 = 2, reference term 0.5·0.4·10 = 2
	assert.InDelta(t, math.Sqrt(8), profile.Totals[mealsnap.Protein].Uncertainty, 1e-9)
}

func TestAggregate_QuadratureTotals(t *testing.T) {
	a := New(Options{})
	per := map[mealsnap.NutrientKind]float64{mealsnap.Calories: 1}
	profile, _, err := a.Aggregate(
		[]mealsnap.DetectedItem{item("item-1", "a"), item("item-2", "b")},
		[]ItemOutcome{ok(100, 30, 1, per), ok(100, 40, 1, per)},
	)
	require.NoError(t, err)

	cal := profile.Totals[mealsnap.Calories]
	assert.InDelta(t, 200, cal.Value, 1e-9)
	assert.InDelta(t, 50, cal.Uncertainty, 1e-9, "root-sum-square, not 70")
}

func TestAggregate_ExcludedItems(t *testing.T) {
	a := New(Options{})
	items := []mealsnap.DetectedItem{item("item-1", "rice"), item("item-2", "mystery"), item("item-3", "plastic")}
	outcomes := []ItemOutcome{
		ok(150, 20, 1, map[mealsnap.NutrientKind]float64{mealsnap.Calories: 1.3, mealsnap.Carbs: 0.28}),
		{
			Portion:      mealsnap.PortionEstimate{MassGrams: 100, MassUncertaintyGrams: 50, Method: mealsnap.MethodDefaultPrior},
			ReferenceErr: fmt.Errorf("%w: %q", mealsnap.ErrNutrientReferenceMiss, "mystery"),
		},
		{
			PortionErr:   fmt.Errorf("%w: %q", mealsnap.ErrUnknownPortionPrior, "plastic"),
			ReferenceErr: fmt.Errorf("%w: %q", mealsnap.ErrNutrientReferenceMiss, "plastic"),
		},
	}

	profile, gaps, err := a.Aggregate(items, outcomes)
	require.NoError(t, err)

	require.Len(t, profile.Breakdown, 3)
	assert.Equal(t, []mealsnap.ItemID{"item-2", "item-3"}, profile.ExcludedItems())
	assert.Equal(t, 1, profile.CountedItems())

	for _, c := range profile.Breakdown[1:] {
		assert.True(t, c.Excluded)
		assert.NotEmpty(t, c.ExclusionReason)
		assert.Equal(t, mealsnap.Measure{}, c.Nutrients[mealsnap.Calories])
		assert.Equal(t, mealsnap.Measure{}, c.Nutrients[mealsnap.Carbs])
	}
	assert.Equal(t, mealsnap.MethodDefaultPrior, profile.Breakdown[1].Method)
	assert.InDelta(t, 195, profile.Totals[mealsnap.Calories].Value, 1e-9)

	require.Len(t, gaps, 3)
	assert.Equal(t, mealsnap.GapNutrientReferenceMiss, gaps[0].Kind)
	assert.Equal(t, mealsnap.GapUnknownPortionPrior, gaps[1].Kind)
	assert.Equal(t, mealsnap.GapNutrientReferenceMiss, gaps[2].Kind)
}

func TestAggregate_InvalidReferenceValuesAreAGap(t *testing.T) {
	a := New(Options{})
	profile, gaps, err := a.Aggregate(
		[]mealsnap.DetectedItem{item("item-1", "rice"), item("item-2", "odd")},
		[]ItemOutcome{
			ok(100, 10, 1, map[mealsnap.NutrientKind]float64{mealsnap.Calories: 1.3}),
			ok(100, 10, 1, map[mealsnap.NutrientKind]float64{mealsnap.Calories: math.NaN()}),
		},
	)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, mealsnap.ItemID("item-2"), gaps[0].ItemID)
	assert.True(t, profile.Breakdown[1].Excluded)
	assert.InDelta(t, 130, profile.Totals[mealsnap.Calories].Value, 1e-9)
}

func TestAggregate_Errors(t *testing.T) {
	a := New(Options{})

	_, _, err := a.Aggregate([]mealsnap.DetectedItem{item("item-1", "x")}, nil)
	assert.ErrorIs(t, err, mealsnap.ErrInvariant)

	_, _, err = a.Aggregate(
		[]mealsnap.DetectedItem{item("item-1", "x")},
		[]ItemOutcome{{ReferenceErr: mealsnap.ErrReferenceUnavailable}},
	)
	assert.ErrorIs(t, err, mealsnap.ErrReferenceUnavailable)

	_, _, err = a.Aggregate(
		[]mealsnap.DetectedItem{item("item-1", "x")},
		[]ItemOutcome{ok(-1, 0, 1, map[mealsnap.NutrientKind]float64{mealsnap.Calories: 1})},
	)
	assert.ErrorIs(t, err, mealsnap.ErrInvariant)
}

func TestAggregate_Empty(t *testing.T) {
	profile, gaps, err := New(Options{}).Aggregate(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Empty(t, profile.Totals)
	assert.Empty(t, profile.Breakdown)
}

// Randomized meals: the breakdown always sums exactly to the total and the total uncertainty is
// never below the largest item term.
func TestAggregate_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := New(Options{})

	for round := 0; round < 200; round++ {
		n := rng.Intn(8)
		items := make([]mealsnap.DetectedItem, n)
		outcomes := make([]ItemOutcome, n)
		for i := 0; i < n; i++ {
			items[i] = item(fmt.Sprintf("item-%d", i+1), "food")
			per := map[mealsnap.NutrientKind]float64{}
			for _, k := range mealsnap.NutrientKinds {
				if rng.Float64() < 0.7 {
					per[k] = rng.Float64() * 4
				}
			}
			if len(per) == 0 {
				per[mealsnap.Calories] = 1
			}
			mass := rng.Float64() * 400
			outcomes[i] = ok(mass, mass*[]float64{0.15, 0.35, 0.5}[rng.Intn(3)], []float64{1, 0.8, 0.5}[rng.Intn(3)], per)
			if rng.Float64() < 0.15 {
				outcomes[i].ReferenceErr = mealsnap.ErrNutrientReferenceMiss
			}
		}

		profile, _, err := a.Aggregate(items, outcomes)
		require.NoError(t, err)

		for k, total := range profile.Totals {
			var sum, maxU float64
			for _, c := range profile.Breakdown {
				sum += c.Nutrients[k].Value
				maxU = math.Max(maxU, c.Nutrients[k].Uncertainty)
			}
			assert.True(t, sum == total.Value, "round %d kind %s: %v != %v", round, k, sum, total.Value)
			assert.GreaterOrEqual(t, total.Uncertainty, maxU)
			assert.GreaterOrEqual(t, total.Uncertainty, 0.0)
		}
	}
}

func TestVerify_DetectsMismatch(t *testing.T) {
	p := mealsnap.NutrientProfile{
		Totals: map[mealsnap.NutrientKind]mealsnap.Measure{mealsnap.Calories: {Value: 0.3, Uncertainty: 1}},
		Breakdown: []mealsnap.ItemContribution{
			{ItemID: "item-1", Nutrients: map[mealsnap.NutrientKind]mealsnap.Measure{mealsnap.Calories: {Value: 0.1}}},
			{ItemID: "item-2", Nutrients: map[mealsnap.NutrientKind]mealsnap.Measure{mealsnap.Calories: {Value: 0.2}}},
		},
	}
	// 0.1 + 0.2 != 0.3 in float64; a tolerance check would accept this.
	err := Verify(p)
	assert.True(t, errors.Is(err, mealsnap.ErrInvariant))
}
