// Package pipeline wires recognition, portion estimation, reference resolution, aggregation and
// insight generation into one memoized Analyze call.
//
// Results are cached in two tiers. The perception tier is keyed by image digest and model versions
// and holds everything that does not depend on the goal; the analysis tier adds the goal
// fingerprint. A new goal for a known image therefore never calls the vision or reference
// collaborators again.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mealsnap"
	"mealsnap/aggregate"
	"mealsnap/cache"
	"mealsnap/dietary"
	"mealsnap/digest"
	"mealsnap/insight"
	"mealsnap/portion"
	"mealsnap/recognition"
	"mealsnap/reference"
	"mealsnap/retry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const DefaultItemConcurrency = 4

// Request is one analysis. Versions is required; an empty Goal.Kind means balanced.
type Request struct {
	Image    []byte
	Capture  *mealsnap.CaptureMetadata
	Goal     mealsnap.GoalProfile
	Versions mealsnap.ModelVersions
}

// Collaborators are the external services the pipeline orchestrates. Reasoning may be nil.
type Collaborators struct {
	Vision    mealsnap.VisionClient
	Reference mealsnap.ReferenceClient
	Reasoning mealsnap.ReasoningClient
}

type Options struct {
	Recognition     recognition.Options
	Reference       reference.Options
	Aggregate       aggregate.Options
	Insight         insight.Options
	PortionTable    portion.Table
	Allergens       dietary.AllergenTable
	ItemConcurrency int

	StageLogger mealsnap.StageLogger
	Tracer      trace.Tracer
	Meter       metric.Meter
	Now         func() time.Time
}

// OptionsFromConfig maps the environment configuration onto pipeline options.
func OptionsFromConfig(cfg mealsnap.PipelineConfig) Options {
	policy := retry.Policy{
		Attempts:       cfg.RetryAttempts,
		Initial:        cfg.RetryInitial,
		Multiplier:     cfg.RetryMultiplier,
		AttemptTimeout: cfg.AttemptTimeout,
	}
	return Options{
		Recognition: recognition.Options{
			Threshold:     cfg.DetectionThreshold,
			MaxCandidates: cfg.MaxCandidates,
			MergeIoU:      cfg.MergeIoU,
			Retry:         policy,
		},
		Reference: reference.Options{Retry: policy},
		Aggregate: aggregate.Options{PortionWeight: cfg.PortionWeight, ReferenceWeight: cfg.ReferenceWeight},
		Insight:   insight.Options{Retry: policy},

		ItemConcurrency: cfg.ItemConcurrency,
	}
}

type Pipeline struct {
	recognizer *recognition.Orchestrator
	estimator  *portion.Estimator
	resolver   *reference.Resolver
	aggregator *aggregate.Aggregator
	generator  *insight.Generator
	allergens  dietary.AllergenTable

	perceptions *cache.Memo[mealsnap.Perception]
	analyses    *cache.Memo[mealsnap.AnalysisResult]

	concurrency int
	logger      mealsnap.StageLogger
	tracer      trace.Tracer
	metrics     instruments
	now         func() time.Time
}

// New builds a pipeline whose two cache tiers share store.
func New(c Collaborators, store cache.Store, opts Options) *Pipeline {
	if opts.ItemConcurrency <= 0 {
		opts.ItemConcurrency = DefaultItemConcurrency
	}
	if opts.StageLogger == nil {
		opts.StageLogger = mealsnap.NewNoOpStageLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(mealsnap.TracerNamePipeline)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(mealsnap.MeterNamePipeline)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Allergens == nil {
		opts.Allergens = dietary.DefaultAllergens
	}
	// A degraded recommendation is served but not stored, so the reasoner gets another chance.
	analyses := cache.NewMemo[mealsnap.AnalysisResult]("analysis", store).StoreIf(func(r mealsnap.AnalysisResult) bool {
		return !r.Recommendation.Degraded
	})
	return &Pipeline{
		recognizer: recognition.NewOrchestrator(c.Vision, opts.Recognition),
		estimator:  portion.NewEstimator(opts.PortionTable, opts.Reference.Synonyms),
		resolver:   reference.NewResolver(c.Reference, opts.Reference),
		aggregator: aggregate.New(opts.Aggregate),
		generator:  insight.NewGenerator(c.Reasoning, opts.Insight),
		allergens:  opts.Allergens,

		perceptions: cache.NewMemo[mealsnap.Perception]("perception", store),
		analyses:    analyses,

		concurrency: opts.ItemConcurrency,
		logger:      opts.StageLogger,
		tracer:      opts.Tracer,
		metrics:     newInstruments(opts.Meter),
		now:         opts.Now,
	}
}

// Analyze estimates the nutrition of the meal in req.Image. Repeating a request with the same image,
// versions and goal returns the stored result without calling any collaborator.
//
// A result with excluded items comes back together with a *mealsnap.PartialResultError; every other
// error means there is no result.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (mealsnap.AnalysisResult, error) {
	runID := uuid.NewString()
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "Pipeline.Analyze", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("versions.vision", req.Versions.Vision),
		attribute.String("versions.reference", req.Versions.Reference),
		attribute.String("versions.pipeline", req.Versions.Pipeline),
	))
	defer span.End()
	p.metrics.analyses.Add(ctx, 1)

	fail := func(stage string, err error) (mealsnap.AnalysisResult, error) {
		p.metrics.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("class", string(mealsnap.Classify(err))),
		))
		span.SetStatus(codes.Error, stage+" failed")
		span.RecordError(err)
		slog.Error("PIPELINE: Analysis failed", "run_id", runID, "stage", stage, "error", err)
		return mealsnap.AnalysisResult{}, err
	}

	if err := req.Versions.Validate(); err != nil {
		return fail("validate", err)
	}

	img, err := digest.Normalize(req.Image, req.Capture)
	p.logStage(runID, "digest", img.Digest, start, map[string]any{"format": img.Format, "width": img.Width, "height": img.Height}, err)
	if err != nil {
		return fail("digest", err)
	}
	span.SetAttributes(attribute.String("digest", string(img.Digest)))

	key := digest.Key{Digest: img.Digest, Versions: req.Versions}
	perception, outcome, err := p.perceptions.Do(ctx, key.String(), func(ctx context.Context) (mealsnap.Perception, error) {
		return p.perceive(ctx, runID, img, req.Versions)
	})
	if err != nil {
		return fail("perception", err)
	}
	p.metrics.recordCache(ctx, "perception", outcome)

	goal := req.Goal
	if goal.Kind == "" {
		goal.Kind = mealsnap.GoalBalanced
	}

	result, outcome, err := p.analyses.Do(ctx, key.WithGoal(goal).String(), func(ctx context.Context) (mealsnap.AnalysisResult, error) {
		return p.recommend(ctx, runID, perception, goal)
	})
	if err != nil {
		return fail("recommendation", err)
	}
	p.metrics.recordCache(ctx, "analysis", outcome)
	p.metrics.durationSec.Record(ctx, time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("cache_outcome", string(outcome)),
		attribute.Int("items", len(result.Items)),
		attribute.Int("data_gaps", len(result.DataGaps)),
	)
	slog.Info("PIPELINE: Analysis complete",
		"run_id", runID,
		"digest", result.Digest,
		"cache", outcome,
		"items", len(result.Items),
		"excluded", len(result.DataGaps),
		"source", result.Recommendation.Source,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, mealsnap.PartialError(result.DataGaps)
}

// Export flattens a result into the health-ecosystem shape.
func (p *Pipeline) Export(r mealsnap.AnalysisResult) mealsnap.HealthExport {
	return mealsnap.NewHealthExport(r, nil)
}

// ExportForGoal is Export with each total's percent of the goal's daily target.
func (p *Pipeline) ExportForGoal(r mealsnap.AnalysisResult, goal mealsnap.GoalProfile) mealsnap.HealthExport {
	targets := goal.DailyTargets
	if len(targets) == 0 {
		targets = insight.DefaultTargets(goal.Kind)
	}
	return mealsnap.NewHealthExport(r, targets)
}

// ReferenceCacheSize reports how many label lookups the resolver has cached.
func (p *Pipeline) ReferenceCacheSize() int {
	return p.resolver.Cached()
}

func (p *Pipeline) perceive(ctx context.Context, runID string, img digest.Image, versions mealsnap.ModelVersions) (mealsnap.Perception, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Perceive")
	defer span.End()

	start := time.Now()
	rec, err := p.recognizer.Recognize(ctx, img)
	p.logStage(runID, "recognition", img.Digest, start, map[string]any{
		"items":           len(rec.Items),
		"references":      len(rec.References),
		"malformed":       rec.Malformed,
		"below_threshold": rec.BelowThreshold,
	}, err)
	if err != nil {
		span.SetStatus(codes.Error, "recognition failed")
		span.RecordError(err)
		return mealsnap.Perception{}, err
	}
	p.metrics.items.Record(ctx, int64(len(rec.Items)))

	cues := mealsnap.ScaleCues{
		Reference:     rec.Reference(),
		Capture:       img.Capture,
		FrameWidthPx:  img.Width,
		FrameHeightPx: img.Height,
	}

	start = time.Now()
	outcomes := p.items(ctx, rec.Items, cues, versions.Reference)
	if err := ctx.Err(); err != nil {
		return mealsnap.Perception{}, err
	}
	for _, o := range outcomes {
		if errors.Is(o.ReferenceErr, mealsnap.ErrReferenceUnavailable) {
			p.logStage(runID, "items", img.Digest, start, nil, o.ReferenceErr)
			span.SetStatus(codes.Error, "reference unavailable")
			span.RecordError(o.ReferenceErr)
			return mealsnap.Perception{}, o.ReferenceErr
		}
	}
	p.logStage(runID, "items", img.Digest, start, map[string]any{"items": len(outcomes)}, nil)

	start = time.Now()
	profile, gaps, err := p.aggregator.Aggregate(rec.Items, outcomes)
	p.logStage(runID, "aggregate", img.Digest, start, map[string]any{"counted": profile.CountedItems(), "gaps": len(gaps)}, err)
	if err != nil {
		span.SetStatus(codes.Error, "aggregation failed")
		span.RecordError(err)
		return mealsnap.Perception{}, fmt.Errorf("failed to aggregate: %w", err)
	}
	for _, g := range gaps {
		p.metrics.dataGaps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(g.Kind))))
		slog.Warn("PIPELINE: Item excluded from totals", "run_id", runID, "item", g.ItemID, "label", g.Label, "kind", g.Kind)
	}

	var portions []mealsnap.PortionEstimate
	for i, c := range profile.Breakdown {
		if !c.Excluded {
			portions = append(portions, outcomes[i].Portion)
		}
	}

	return mealsnap.Perception{
		Digest:     img.Digest,
		Versions:   versions,
		Items:      rec.Items,
		References: rec.References,
		Portions:   portions,
		Profile:    profile,
		DataGaps:   gaps,
		ComputedAt: p.now().UTC(),
	}, nil
}

// items runs portion estimation and reference resolution for every item, at most p.concurrency at a
// time. Outcomes are indexed like items.
func (p *Pipeline) items(ctx context.Context, items []mealsnap.DetectedItem, cues mealsnap.ScaleCues, referenceVersion string) []aggregate.ItemOutcome {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Items", trace.WithAttributes(attribute.Int("items", len(items))))
	defer span.End()

	outcomes := make([]aggregate.ItemOutcome, len(items))
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item mealsnap.DetectedItem) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i].ReferenceErr = ctx.Err()
				return
			}
			defer func() { <-sem }()

			est, perr := p.estimator.Estimate(item, cues)
			entry, rerr := p.resolver.Resolve(ctx, referenceVersion, item)
			outcomes[i] = aggregate.ItemOutcome{
				Portion:      est,
				PortionErr:   perr,
				Reference:    entry,
				ReferenceErr: rerr,
			}
		}(i, item)
	}
	wg.Wait()
	return outcomes
}

func (p *Pipeline) recommend(ctx context.Context, runID string, perception mealsnap.Perception, goal mealsnap.GoalProfile) (mealsnap.AnalysisResult, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Recommend", trace.WithAttributes(attribute.String("goal", string(goal.Kind))))
	defer span.End()

	start := time.Now()
	rec := p.generator.Generate(ctx, perception.Profile, goal, perception.UsedDefaultPrior())
	p.logStage(runID, "insight", perception.Digest, start, map[string]any{
		"source":     rec.Source,
		"hedged":     rec.Hedged,
		"confidence": rec.Confidence,
	}, nil)
	if rec.Source == mealsnap.SourceTemplate {
		p.metrics.fallbacks.Add(ctx, 1)
	}

	return mealsnap.AnalysisResult{
		Digest:         perception.Digest,
		Versions:       perception.Versions,
		Items:          perception.Items,
		Profile:        perception.Profile,
		Recommendation: rec,
		DietaryTags:    dietary.Tags(perception.Profile),
		AllergenAlert:  p.allergens.Alert(perception.Profile),
		DataGaps:       perception.DataGaps,
		ComputedAt:     p.now().UTC(),
	}, nil
}

func (p *Pipeline) logStage(runID, stage string, d mealsnap.ImageDigest, start time.Time, attrs map[string]any, err error) {
	entry := mealsnap.StageLog{
		RunID:      runID,
		Stage:      stage,
		Digest:     d,
		Timestamp:  start,
		DurationMS: time.Since(start).Milliseconds(),
		Attrs:      attrs,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := p.logger.LogStage(entry); lerr != nil {
		slog.Error("PIPELINE: Failed to log stage", "error", lerr, "stage", stage)
	}
}
