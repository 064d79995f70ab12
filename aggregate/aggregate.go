// Package aggregate combines per-item portions and reference entries into a meal-level nutrient profile.
//
// Per-item uncertainty combines the relative portion error and the reference mismatch (1 − source
// confidence) in quadrature, each scaled by a tunable weight:
//
//	u_k = √((w_p·σ_m·perGram_k)² + (w_r·(1−c)·m·perGram_k)²)
//
// which equals the relative form √((w_p·σ_m/m)² + (w_r·(1−c))²)·contribution_k but stays defined at
// zero mass. Meal totals combine item uncertainties as root-sum-square. This treats items as
// independent, which is an approximation: a systematically biased portion model will be understated.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"mealsnap"
)

const (
	DefaultPortionWeight   = 1.0
	DefaultReferenceWeight = 1.0
)

type Options struct {
	PortionWeight   float64
	ReferenceWeight float64
}

// ItemOutcome carries one item's portion and reference results, each either a value or an error.
type ItemOutcome struct {
	Portion      mealsnap.PortionEstimate
	PortionErr   error
	Reference    mealsnap.NutrientReferenceEntry
	ReferenceErr error
}

type Aggregator struct {
	wp, wr float64
}

func New(opts Options) *Aggregator {
	if opts.PortionWeight <= 0 {
		opts.PortionWeight = DefaultPortionWeight
	}
	if opts.ReferenceWeight <= 0 {
		opts.ReferenceWeight = DefaultReferenceWeight
	}
	return &Aggregator{wp: opts.PortionWeight, wr: opts.ReferenceWeight}
}

// Aggregate builds the profile for items, where outcomes[i] belongs to items[i]. Items whose portion
// or reference failed with a data gap stay in the breakdown with zero contributions and are reported
// as gaps. Any other failure is returned as is.
func (a *Aggregator) Aggregate(items []mealsnap.DetectedItem, outcomes []ItemOutcome) (mealsnap.NutrientProfile, []mealsnap.DataGap, error) {
	if len(items) != len(outcomes) {
		return mealsnap.NutrientProfile{}, nil, fmt.Errorf("%w: %d items but %d outcomes", mealsnap.ErrInvariant, len(items), len(outcomes))
	}

	breakdown := make([]mealsnap.ItemContribution, len(items))
	var gaps []mealsnap.DataGap
	kinds := map[mealsnap.NutrientKind]bool{}

	for i, item := range items {
		out := outcomes[i]
		c := mealsnap.ItemContribution{
			ItemID:    item.ID,
			Label:     item.Label,
			Nutrients: map[mealsnap.NutrientKind]mealsnap.Measure{},
		}

		itemGaps, err := gapsFor(item, out)
		if err != nil {
			return mealsnap.NutrientProfile{}, nil, err
		}
		if len(itemGaps) == 0 {
			if msg := checkEntry(out.Reference); msg != "" {
				itemGaps = append(itemGaps, mealsnap.DataGap{ItemID: item.ID, Label: item.Label, Kind: mealsnap.GapNutrientReferenceMiss, Message: msg})
			}
		}
		if len(itemGaps) > 0 {
			c.Excluded = true
			reasons := make([]string, 0, len(itemGaps))
			for _, g := range itemGaps {
				reasons = append(reasons, g.Message)
			}
			c.ExclusionReason = strings.Join(reasons, "; ")
			if out.PortionErr == nil {
				c.Method = out.Portion.Method
			}
			gaps = append(gaps, itemGaps...)
			breakdown[i] = c
			continue
		}

		p := out.Portion
		if invalidMass(p.MassGrams) || invalidMass(p.MassUncertaintyGrams) {
			return mealsnap.NutrientProfile{}, nil, fmt.Errorf("%w: item %s has mass %v ± %v", mealsnap.ErrInvariant, item.ID, p.MassGrams, p.MassUncertaintyGrams)
		}
		conf := math.Min(1, math.Max(0, out.Reference.SourceConfidence))

		c.ResolvedLabel = out.Reference.Label
		c.MassGrams = p.MassGrams
		c.Method = p.Method
		for k, perGram := range out.Reference.PerGram {
			value := p.MassGrams * perGram
			c.Nutrients[k] = mealsnap.Measure{
				Value:       value,
				Uncertainty: math.Hypot(a.wp*p.MassUncertaintyGrams*perGram, a.wr*(1-conf)*value),
			}
			kinds[k] = true
		}
		breakdown[i] = c
	}

	// Every breakdown row carries every reported kind, zero where the item did not contribute.
	for i := range breakdown {
		for k := range kinds {
			if _, ok := breakdown[i].Nutrients[k]; !ok {
				breakdown[i].Nutrients[k] = mealsnap.Measure{}
			}
		}
	}

	totals := make(map[mealsnap.NutrientKind]mealsnap.Measure, len(kinds))
	for _, k := range sortedKinds(kinds) {
		var sum, sumSq, maxU float64
		for _, c := range breakdown {
			m := c.Nutrients[k]
			sum += m.Value
			sumSq += m.Uncertainty * m.Uncertainty
			maxU = math.Max(maxU, m.Uncertainty)
		}
		totals[k] = mealsnap.Measure{Value: sum, Uncertainty: math.Max(math.Sqrt(sumSq), maxU)}
	}

	profile := mealsnap.NutrientProfile{Totals: totals, Breakdown: breakdown}
	if err := Verify(profile); err != nil {
		return mealsnap.NutrientProfile{}, nil, err
	}
	return profile, gaps, nil
}

// Verify checks the profile invariants: per kind, the breakdown sums exactly (==) to the total in
// breakdown order, uncertainties are non-negative, and no total uncertainty is below an item's.
func Verify(p mealsnap.NutrientProfile) error {
	for k, total := range p.Totals {
		var sum float64
		for _, c := range p.Breakdown {
			m := c.Nutrients[k]
			if c.Excluded && (m.Value != 0 || m.Uncertainty != 0) {
				return fmt.Errorf("%w: excluded item %s contributes to %s", mealsnap.ErrInvariant, c.ItemID, k)
			}
			if m.Uncertainty < 0 || m.Uncertainty > total.Uncertainty {
				return fmt.Errorf("%w: %s uncertainty of item %s is %v, total is %v", mealsnap.ErrInvariant, k, c.ItemID, m.Uncertainty, total.Uncertainty)
			}
			sum += m.Value
		}
		if sum != total.Value {
			return fmt.Errorf("%w: %s breakdown sums to %v, total is %v", mealsnap.ErrInvariant, k, sum, total.Value)
		}
		if math.IsNaN(total.Value) || math.IsInf(total.Value, 0) || total.Uncertainty < 0 {
			return fmt.Errorf("%w: %s total is %v ± %v", mealsnap.ErrInvariant, k, total.Value, total.Uncertainty)
		}
	}
	return nil
}

func gapsFor(item mealsnap.DetectedItem, out ItemOutcome) ([]mealsnap.DataGap, error) {
	var gaps []mealsnap.DataGap
	for _, err := range []error{out.PortionErr, out.ReferenceErr} {
		if err == nil {
			continue
		}
		var kind mealsnap.DataGapKind
		switch {
		case errors.Is(err, mealsnap.ErrUnknownPortionPrior):
			kind = mealsnap.GapUnknownPortionPrior
		case errors.Is(err, mealsnap.ErrNutrientReferenceMiss):
			kind = mealsnap.GapNutrientReferenceMiss
		default:
			return nil, fmt.Errorf("item %s: %w", item.ID, err)
		}
		gaps = append(gaps, mealsnap.DataGap{ItemID: item.ID, Label: item.Label, Kind: kind, Message: err.Error()})
	}
	return gaps, nil
}

func checkEntry(e mealsnap.NutrientReferenceEntry) string {
	if len(e.PerGram) == 0 {
		return fmt.Sprintf("reference entry %q has no nutrient values", e.Label)
	}
	for _, k := range sortedKeys(e.PerGram) {
		v := e.PerGram[k]
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Sprintf("reference entry %q has invalid %s value %v", e.Label, k, v)
		}
	}
	return ""
}

func invalidMass(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}

func sortedKinds(m map[mealsnap.NutrientKind]bool) []mealsnap.NutrientKind {
	out := make([]mealsnap.NutrientKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[mealsnap.NutrientKind]float64) []mealsnap.NutrientKind {
	out := make([]mealsnap.NutrientKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
