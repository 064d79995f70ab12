// Package reference resolves detected food labels against the nutrient reference collaborator.
package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"mealsnap"
	"mealsnap/flight"
	"mealsnap/label"
	"mealsnap/retry"
)

const (
	DefaultExactConfidence     = 1.0
	DefaultFuzzyConfidence     = 0.8
	DefaultCandidateConfidence = 0.5
)

type Options struct {
	Retry               retry.Policy
	Synonyms            label.Synonyms
	ExactConfidence     float64
	FuzzyConfidence     float64
	CandidateConfidence float64
}

type answer struct {
	perGram map[mealsnap.NutrientKind]float64
	found   bool
}

// Resolver caches every collaborator answer, found or not, by reference model version and the exact
// string queried. Concurrent queries for the same pair share one collaborator call.
type Resolver struct {
	client mealsnap.ReferenceClient
	opts   Options

	mu     sync.RWMutex
	cache  map[cacheKey]answer
	flight flight.Group[cacheKey, answer]
}

func NewResolver(client mealsnap.ReferenceClient, opts Options) *Resolver {
	if opts.Synonyms == nil {
		opts.Synonyms = label.DefaultSynonyms
	}
	if opts.ExactConfidence <= 0 {
		opts.ExactConfidence = DefaultExactConfidence
	}
	if opts.FuzzyConfidence <= 0 {
		opts.FuzzyConfidence = DefaultFuzzyConfidence
	}
	if opts.CandidateConfidence <= 0 {
		opts.CandidateConfidence = DefaultCandidateConfidence
	}
	return &Resolver{
		client: client,
		opts:   opts,
		cache:  make(map[cacheKey]answer),
	}
}

// cacheKey keeps answers from one reference model version away from every other.
type cacheKey struct {
	version string
	query   string
}

type attempt struct {
	query      string
	from       string
	match      mealsnap.MatchKind
	confidence float64
}

// Resolve finds a reference entry for item. The primary label is tried exactly, then in normalized
// forms; after that each candidate label is tried the same way at candidate confidence. A collaborator
// outage surfaces as ErrReferenceUnavailable; running out of labels is ErrNutrientReferenceMiss.
// version is the reference model version the answers are cached under.
func (r *Resolver) Resolve(ctx context.Context, version string, item mealsnap.DetectedItem) (mealsnap.NutrientReferenceEntry, error) {
	var plan []attempt
	seen := map[string]bool{}
	add := func(q, from string, m mealsnap.MatchKind, c float64) {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			return
		}
		seen[q] = true
		plan = append(plan, attempt{query: q, from: from, match: m, confidence: c})
	}

	add(item.Label, item.Label, mealsnap.MatchExact, r.opts.ExactConfidence)
	for _, f := range r.opts.Synonyms.Forms(item.Label) {
		add(f, item.Label, mealsnap.MatchFuzzy, r.opts.FuzzyConfidence)
	}
	for _, c := range item.CandidateLabels {
		add(c.Label, c.Label, mealsnap.MatchCandidate, r.opts.CandidateConfidence)
		for _, f := range r.opts.Synonyms.Forms(c.Label) {
			add(f, c.Label, mealsnap.MatchCandidate, r.opts.CandidateConfidence)
		}
	}

	for _, a := range plan {
		ans, err := r.lookup(ctx, cacheKey{version: version, query: a.query})
		if err != nil {
			return mealsnap.NutrientReferenceEntry{}, err
		}
		if !ans.found {
			continue
		}
		if a.match != mealsnap.MatchExact {
			slog.Info("REFERENCE: Resolved with reduced confidence",
				"item", item.ID, "label", item.Label, "query", a.query, "match", a.match)
		}
		return mealsnap.NutrientReferenceEntry{
			Label:            a.query,
			QueryLabel:       a.from,
			PerGram:          clone(ans.perGram),
			SourceConfidence: a.confidence,
			Match:            a.match,
		}, nil
	}

	return mealsnap.NutrientReferenceEntry{}, fmt.Errorf("%w: %q and %d candidate label(s)",
		mealsnap.ErrNutrientReferenceMiss, item.Label, len(item.CandidateLabels))
}

// ResolveLabel resolves a bare label with no candidates.
func (r *Resolver) ResolveLabel(ctx context.Context, version, l string) (mealsnap.NutrientReferenceEntry, error) {
	return r.Resolve(ctx, version, mealsnap.DetectedItem{Label: l})
}

// Cached reports how many distinct (version, query) pairs have a cached answer.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) lookup(ctx context.Context, key cacheKey) (answer, error) {
	for {
		r.mu.RLock()
		ans, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return ans, nil
		}

		ans, shared, err := r.flight.Do(ctx, key, func(ctx context.Context) (answer, error) {
			return r.fetch(ctx, key)
		})
		if err == nil {
			return ans, nil
		}
		// The call we subscribed to belonged to a caller that gave up; ours is still live.
		if shared && errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		if ctx.Err() != nil {
			return answer{}, ctx.Err()
		}
		return answer{}, err
	}
}

func (r *Resolver) fetch(ctx context.Context, key cacheKey) (answer, error) {
	ans, err := retry.Do(ctx, r.opts.Retry, "reference.lookup", func(ctx context.Context) (answer, error) {
		per, found, err := r.client.Lookup(ctx, key.query)
		return answer{perGram: per, found: found}, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return answer{}, ctx.Err()
		}
		return answer{}, fmt.Errorf("%w: lookup %q: %w", mealsnap.ErrReferenceUnavailable, key.query, err)
	}
	if !ans.found {
		ans.perGram = nil
	}

	r.mu.Lock()
	r.cache[key] = ans
	r.mu.Unlock()
	return ans, nil
}

func clone(m map[mealsnap.NutrientKind]float64) map[mealsnap.NutrientKind]float64 {
	out := make(map[mealsnap.NutrientKind]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
