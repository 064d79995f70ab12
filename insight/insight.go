// Package insight turns a nutrient profile and a goal into a recommendation. The reasoning
// collaborator only ever sees ranked structured deltas; when it is unavailable, or says nothing
// usable, a deterministic template takes over, so Generate never fails.
package insight

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"mealsnap"
	"mealsnap/retry"
)

const (
	DefaultMealShare   = 1.0 / 3
	DefaultMaxInsights = 3
	DefaultMaxRunes    = 280
)

type Options struct {
	MealShare   float64
	MaxInsights int
	MaxRunes    int
	Retry       retry.Policy
}

type Generator struct {
	reasoner mealsnap.ReasoningClient
	opts     Options
}

// NewGenerator builds a generator. reasoner may be nil, in which case every recommendation comes
// from the template.
func NewGenerator(reasoner mealsnap.ReasoningClient, opts Options) *Generator {
	if opts.MealShare <= 0 || opts.MealShare > 1 {
		opts.MealShare = DefaultMealShare
	}
	if opts.MaxInsights <= 0 {
		opts.MaxInsights = DefaultMaxInsights
	}
	if opts.MaxRunes <= 0 {
		opts.MaxRunes = DefaultMaxRunes
	}
	return &Generator{reasoner: reasoner, opts: opts}
}

// Generate produces the recommendation for one meal. hedge marks estimates built on default portion
// priors; excluded items also hedge.
func (g *Generator) Generate(ctx context.Context, profile mealsnap.NutrientProfile, goal mealsnap.GoalProfile, hedge bool) mealsnap.Recommendation {
	deltas := Deltas(profile, goal, g.opts.MealShare)
	excluded := profile.ExcludedItems()

	rec := mealsnap.Recommendation{
		SupportingNutrientDeltas: make(map[mealsnap.NutrientKind]float64, len(deltas)),
		Confidence:               Confidence(profile),
		Hedged:                   hedge || len(excluded) > 0,
		ExcludedItems:            excluded,
	}
	for _, d := range deltas {
		rec.SupportingNutrientDeltas[d.Kind] = d.Delta
	}

	insights, degraded := g.ask(ctx, goal.Kind, deltas, rec.Hedged)
	if len(insights) > 0 {
		rec.Source = mealsnap.SourceReasoner
		rec.Insights = insights
		rec.Text = decorate(strings.Join(insights, " "), hedge, len(excluded))
		return rec
	}

	rec.Source = mealsnap.SourceTemplate
	rec.Degraded = degraded
	rec.Text = decorate(Template(goal.Kind, deltas), hedge, len(excluded))
	return rec
}

// ask returns sanitized reasoner insights. degraded reports that a configured reasoner was asked
// and produced nothing usable.
func (g *Generator) ask(ctx context.Context, kind mealsnap.GoalKind, deltas []mealsnap.NutrientDelta, hedge bool) (insights []string, degraded bool) {
	if g.reasoner == nil || len(deltas) == 0 {
		return nil, false
	}
	req := mealsnap.InsightRequest{Goal: kind, Deltas: deltas, Hedge: hedge}
	raw, err := retry.Do(ctx, g.opts.Retry, "reasoning.insights", func(ctx context.Context) ([]string, error) {
		return g.reasoner.Insights(ctx, req)
	})
	if err != nil {
		slog.Warn("INSIGHT: Reasoning collaborator unavailable, using template", "error", err)
		return nil, true
	}
	out := Sanitize(raw, g.opts.MaxInsights, g.opts.MaxRunes)
	if len(out) == 0 {
		slog.Warn("INSIGHT: Reasoning collaborator returned nothing usable, using template", "raw_count", len(raw))
		return nil, true
	}
	return out, false
}

// DefaultTargets returns daily targets for a goal kind.
func DefaultTargets(kind mealsnap.GoalKind) map[mealsnap.NutrientKind]float64 {
	t := map[mealsnap.NutrientKind]float64{
		mealsnap.Calories: 2000,
		mealsnap.Protein:  120,
		mealsnap.Carbs:    250,
		mealsnap.Fat:      65,
		mealsnap.Fiber:    30,
		mealsnap.Sugar:    50,
		mealsnap.Sodium:   2300,
	}
	switch kind {
	case mealsnap.GoalWeightLoss:
		t[mealsnap.Calories] = 1600
		t[mealsnap.Carbs] = 160
		t[mealsnap.Fat] = 55
		t[mealsnap.Sugar] = 30
	case mealsnap.GoalMuscleGain:
		t[mealsnap.Calories] = 2600
		t[mealsnap.Protein] = 160
		t[mealsnap.Carbs] = 300
		t[mealsnap.Fat] = 80
	case mealsnap.GoalKeto:
		t[mealsnap.Calories] = 1800
		t[mealsnap.Protein] = 110
		t[mealsnap.Carbs] = 30
		t[mealsnap.Fat] = 140
		t[mealsnap.Sugar] = 15
	}
	return t
}

func emphasis(kind mealsnap.GoalKind, k mealsnap.NutrientKind) float64 {
	switch {
	case kind == mealsnap.GoalWeightLoss && k == mealsnap.Calories,
		kind == mealsnap.GoalMuscleGain && k == mealsnap.Protein,
		kind == mealsnap.GoalKeto && k == mealsnap.Carbs:
		return 2
	}
	return 1
}

// Deltas computes target − actual for every kind that has both a target and a measured total, ranked
// by goal-weighted relative magnitude. With ConsumedToday present the target is what remains of the
// day; otherwise it is the meal's share of the daily target.
func Deltas(profile mealsnap.NutrientProfile, goal mealsnap.GoalProfile, defaultShare float64) []mealsnap.NutrientDelta {
	targets := goal.DailyTargets
	if len(targets) == 0 {
		targets = DefaultTargets(goal.Kind)
	}
	share := goal.MealShare
	if share <= 0 || share > 1 {
		share = defaultShare
	}
	daily := len(goal.ConsumedToday) > 0

	var out []mealsnap.NutrientDelta
	for k, target := range targets {
		total, ok := profile.Totals[k]
		if !ok || target <= 0 {
			continue
		}
		d := mealsnap.NutrientDelta{Kind: k, Actual: total.Value}
		if daily {
			d.Target = target
			d.Actual = goal.ConsumedToday[k] + total.Value
		} else {
			d.Target = target * share
		}
		d.Delta = d.Target - d.Actual
		d.Relative = d.Delta / d.Target
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		si := math.Abs(out[i].Relative) * emphasis(goal.Kind, out[i].Kind)
		sj := math.Abs(out[j].Relative) * emphasis(goal.Kind, out[j].Kind)
		if si != sj {
			return si > sj
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Confidence is the profile's confidence (one minus the mean relative uncertainty of its non-zero
// totals, clamped to [0,1]) scaled by the fraction of items that were counted.
func Confidence(p mealsnap.NutrientProfile) float64 {
	if len(p.Breakdown) == 0 {
		return 0
	}
	kinds := make([]mealsnap.NutrientKind, 0, len(p.Totals))
	for k := range p.Totals {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var sum float64
	var n int
	for _, k := range kinds {
		m := p.Totals[k]
		if m.Value <= 0 {
			continue
		}
		sum += math.Min(1, m.Uncertainty/m.Value)
		n++
	}
	if n == 0 {
		return 0
	}
	conf := math.Max(0, math.Min(1, 1-sum/float64(n)))
	return conf * float64(p.CountedItems()) / float64(len(p.Breakdown))
}
