package pipeline

import (
	"context"

	"mealsnap/cache"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	analyses    metric.Int64Counter
	failures    metric.Int64Counter
	cacheHits   metric.Int64Counter
	dataGaps    metric.Int64Counter
	fallbacks   metric.Int64Counter
	items       metric.Int64Histogram
	durationSec metric.Float64Histogram
}

func newInstruments(meter metric.Meter) instruments {
	var in instruments
	in.analyses, _ = meter.Int64Counter("analyses_total",
		metric.WithDescription("Total number of analyses requested"))
	in.failures, _ = meter.Int64Counter("analyses_failed_total",
		metric.WithDescription("Total number of analyses that returned no result"))
	in.cacheHits, _ = meter.Int64Counter("analysis_cache_total",
		metric.WithDescription("Cache outcomes per tier (hit, computed, shared)"))
	in.dataGaps, _ = meter.Int64Counter("data_gaps_total",
		metric.WithDescription("Total number of items excluded from totals"))
	in.fallbacks, _ = meter.Int64Counter("recommendation_fallbacks_total",
		metric.WithDescription("Total number of recommendations produced by the template"))
	in.items, _ = meter.Int64Histogram("items_per_meal",
		metric.WithDescription("Number of food items detected per meal"))
	in.durationSec, _ = meter.Float64Histogram("analysis_duration_seconds",
		metric.WithDescription("Duration of Analyze in seconds"))
	return in
}

func (in instruments) recordCache(ctx context.Context, tier string, outcome cache.Outcome) {
	in.cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", string(outcome)),
	))
}
