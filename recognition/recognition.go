// Package recognition turns raw vision detections into validated, merged DetectedItems.
package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"mealsnap"
	"mealsnap/digest"
	"mealsnap/label"
	"mealsnap/retry"
)

const (
	DefaultThreshold     = 0.35
	DefaultMaxCandidates = 3
	DefaultMergeIoU      = 0.6
)

// DefaultReferenceObjects maps folded labels of everyday objects to their longest side in mm.
var DefaultReferenceObjects = map[string]float64{
	"credit card":   85.6,
	"bank card":     85.6,
	"business card": 89,
	"coin":          24.26,
	"fork":          190,
	"spoon":         160,
	"knife":         220,
	"chopsticks":    230,
	"chopstick":     230,
	"mobile phone":  147,
	"cell phone":    147,
	"smartphone":    147,
}

type Options struct {
	Threshold        float64
	MaxCandidates    int
	MergeIoU         float64
	Retry            retry.Policy
	ReferenceObjects map[string]float64
}

// Recognition is the orchestrator's output for one image.
type Recognition struct {
	Items      []mealsnap.DetectedItem
	References []mealsnap.ReferenceObject
	// Malformed counts raw detections dropped by validation; BelowThreshold those dropped by τ_det.
	Malformed      int
	BelowThreshold int
}

// Reference returns the highest-confidence reference object, if any.
func (r Recognition) Reference() *mealsnap.ReferenceObject {
	if len(r.References) == 0 {
		return nil
	}
	ref := r.References[0]
	return &ref
}

type Orchestrator struct {
	vision mealsnap.VisionClient
	opts   Options
}

func NewOrchestrator(vision mealsnap.VisionClient, opts Options) *Orchestrator {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.MergeIoU <= 0 {
		opts.MergeIoU = DefaultMergeIoU
	}
	if opts.ReferenceObjects == nil {
		opts.ReferenceObjects = DefaultReferenceObjects
	}
	return &Orchestrator{vision: vision, opts: opts}
}

// Recognize calls the vision collaborator under the retry policy and processes its answer. It never
// reports zero items for a failed call: an unreachable collaborator or an answer with no usable
// detection at all is ErrRecognitionUnavailable.
func (o *Orchestrator) Recognize(ctx context.Context, img digest.Image) (Recognition, error) {
	raw, err := retry.Do(ctx, o.opts.Retry, "vision.detect", func(ctx context.Context) ([]mealsnap.RawDetection, error) {
		return o.vision.Detect(ctx, img.Bytes, img.Format)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Recognition{}, ctx.Err()
		}
		return Recognition{}, fmt.Errorf("%w: %w", mealsnap.ErrRecognitionUnavailable, err)
	}

	rec := o.Process(raw)
	if len(raw) > 0 && rec.Malformed == len(raw) {
		return Recognition{}, fmt.Errorf("%w: %w: all %d detections failed validation",
			mealsnap.ErrRecognitionUnavailable, mealsnap.ErrMalformedResponse, len(raw))
	}

	slog.Info("RECOGNITION: Processed detections",
		"digest", img.Digest,
		"raw", len(raw),
		"items", len(rec.Items),
		"references", len(rec.References),
		"malformed", rec.Malformed,
		"below_threshold", rec.BelowThreshold,
	)
	return rec, nil
}

type detection struct {
	label      string
	key        string
	region     mealsnap.Region
	confidence float64
}

// Process validates, filters, orders and merges raw detections. It is deterministic for a given input
// regardless of the order the collaborator listed the detections in.
func (o *Orchestrator) Process(raw []mealsnap.RawDetection) Recognition {
	var rec Recognition
	dets := make([]detection, 0, len(raw))

	for i, r := range raw {
		d, reason := o.validate(r)
		if reason != "" {
			rec.Malformed++
			slog.Warn("RECOGNITION: Dropping malformed detection", "index", i, "reason", reason)
			continue
		}
		if d.confidence < o.opts.Threshold {
			rec.BelowThreshold++
			continue
		}
		if size, ok := o.opts.ReferenceObjects[d.key]; ok {
			rec.References = append(rec.References, mealsnap.ReferenceObject{
				Label:         d.label,
				Region:        d.region,
				LongestSideMM: size,
				Confidence:    d.confidence,
			})
			continue
		}
		dets = append(dets, d)
	}

	sort.Slice(dets, func(i, j int) bool { return less(dets[i], dets[j]) })
	sort.Slice(rec.References, func(i, j int) bool {
		a, b := rec.References[i], rec.References[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Label < b.Label
	})

	type merged struct {
		primary    detection
		candidates []mealsnap.LabelScore
	}
	var kept []*merged

	for _, d := range dets {
		var into *merged
		for _, m := range kept {
			if m.primary.region.IoU(d.region) > o.opts.MergeIoU {
				into = m
				break
			}
		}
		if into == nil {
			kept = append(kept, &merged{primary: d})
			continue
		}
		if d.key == into.primary.key {
			continue
		}
		found := false
		for i := range into.candidates {
			if label.Fold(into.candidates[i].Label) == d.key {
				into.candidates[i].Confidence = math.Max(into.candidates[i].Confidence, d.confidence)
				found = true
				break
			}
		}
		if !found {
			into.candidates = append(into.candidates, mealsnap.LabelScore{Label: d.label, Confidence: d.confidence})
		}
	}

	for i, m := range kept {
		sort.SliceStable(m.candidates, func(a, b int) bool {
			if m.candidates[a].Confidence != m.candidates[b].Confidence {
				return m.candidates[a].Confidence > m.candidates[b].Confidence
			}
			return m.candidates[a].Label < m.candidates[b].Label
		})
		if len(m.candidates) > o.opts.MaxCandidates {
			m.candidates = m.candidates[:o.opts.MaxCandidates]
		}
		rec.Items = append(rec.Items, mealsnap.DetectedItem{
			ID:              mealsnap.ItemID(fmt.Sprintf("item-%d", i+1)),
			Label:           m.primary.label,
			Region:          m.primary.region,
			Confidence:      m.primary.confidence,
			CandidateLabels: m.candidates,
		})
	}
	return rec
}

func (o *Orchestrator) validate(r mealsnap.RawDetection) (detection, string) {
	if r.Label == nil {
		return detection{}, "missing label"
	}
	name := strings.Join(strings.Fields(*r.Label), " ")
	if name == "" {
		return detection{}, "blank label"
	}
	if r.Confidence == nil {
		return detection{}, "missing confidence"
	}
	c := *r.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return detection{}, fmt.Sprintf("confidence %v outside [0,1]", c)
	}
	if r.Region == nil {
		return detection{}, "missing region"
	}
	if !r.Region.Valid() {
		return detection{}, "region outside frame or empty"
	}
	return detection{label: name, key: label.Fold(name), region: *r.Region, confidence: c}, ""
}

func less(a, b detection) bool {
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	if a.label != b.label {
		return a.label < b.label
	}
	ra, rb := a.region, b.region
	if ra.Left != rb.Left {
		return ra.Left < rb.Left
	}
	if ra.Top != rb.Top {
		return ra.Top < rb.Top
	}
	if ra.Width != rb.Width {
		return ra.Width < rb.Width
	}
	return ra.Height < rb.Height
}
