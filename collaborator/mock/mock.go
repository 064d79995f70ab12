// Package mock provides deterministic, scripted collaborators. They count calls so tests can assert
// exactly how often the pipeline reached out, and can be made flaky or slow on demand.
package mock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mealsnap"
)

var errFlaky = errors.New("mock: scripted transient failure")

// Detection builds a well-formed raw detection.
func Detection(label string, confidence float64, r mealsnap.Region) mealsnap.RawDetection {
	return mealsnap.RawDetection{Label: &label, Region: &r, Confidence: &confidence}
}

// Vision is a scripted vision collaborator.
type Vision struct {
	Detections []mealsnap.RawDetection
	// Err is returned on every call once FailFirst calls have failed transiently.
	Err       error
	FailFirst int
	// Delay is slept on each call, honoring ctx; a call blocked past its deadline reports ctx.Err().
	Delay time.Duration
	// Gate, when set, blocks every call until it is closed.
	Gate chan struct{}

	mu    sync.Mutex
	calls int
}

func (v *Vision) Detect(ctx context.Context, image []byte, format string) ([]mealsnap.RawDetection, error) {
	v.mu.Lock()
	v.calls++
	n := v.calls
	v.mu.Unlock()

	slog.Info("MOCK_VISION: Invoked", "call", n, "bytes", len(image), "format", format)

	if err := wait(ctx, v.Delay, v.Gate); err != nil {
		return nil, err
	}
	if n <= v.FailFirst {
		return nil, mealsnap.Transient(errFlaky)
	}
	if v.Err != nil {
		return nil, v.Err
	}
	out := make([]mealsnap.RawDetection, len(v.Detections))
	copy(out, v.Detections)
	return out, nil
}

func (v *Vision) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// Reference is a scripted nutrient reference keyed by exact label.
type Reference struct {
	Entries   map[string]map[mealsnap.NutrientKind]float64
	Err       error
	FailFirst int
	Delay     time.Duration

	mu      sync.Mutex
	calls   int
	queries []string
}

func (r *Reference) Lookup(ctx context.Context, label string) (map[mealsnap.NutrientKind]float64, bool, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.queries = append(r.queries, label)
	r.mu.Unlock()

	if err := wait(ctx, r.Delay, nil); err != nil {
		return nil, false, err
	}
	if n <= r.FailFirst {
		return nil, false, mealsnap.Transient(errFlaky)
	}
	if r.Err != nil {
		return nil, false, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.Entries[label]
	if !ok {
		return nil, false, nil
	}
	out := make(map[mealsnap.NutrientKind]float64, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out, true, nil
}

// Set replaces the per-gram values served for label.
func (r *Reference) Set(label string, perGram map[mealsnap.NutrientKind]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Entries == nil {
		r.Entries = make(map[string]map[mealsnap.NutrientKind]float64)
	}
	r.Entries[label] = perGram
}

func (r *Reference) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Queries returns the labels looked up so far, in call order.
func (r *Reference) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

// Reasoner is a scripted reasoning collaborator.
type Reasoner struct {
	Replies []string
	Err     error

	mu   sync.Mutex
	reqs []mealsnap.InsightRequest
}

func (r *Reasoner) Insights(ctx context.Context, req mealsnap.InsightRequest) ([]string, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return append([]string(nil), r.Replies...), nil
}

func (r *Reasoner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

// Requests returns every request the reasoner received.
func (r *Reasoner) Requests() []mealsnap.InsightRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mealsnap.InsightRequest(nil), r.reqs...)
}

func wait(ctx context.Context, d time.Duration, gate chan struct{}) error {
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
