// Package portion estimates the mass of a detected food item from its region and whatever scale
// cues the image offers.
package portion

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"mealsnap"
	"mealsnap/label"
	"mealsnap/source"
)

const (
	// Relative uncertainty bands per method.
	BandReferenceObject = 0.15
	BandDepthHeuristic  = 0.35
	BandDefaultPrior    = 0.50

	// FillFactor converts a bounding box to the footprint of the roughly elliptical food inside it.
	FillFactor = math.Pi / 4

	DefaultDistanceMM = 300.0
	DefaultFocal35mm  = 26.0

	// Full-frame sensor dimensions that 35mm-equivalent focal lengths are defined against.
	frameWidthMM  = 36.0
	frameHeightMM = 24.0
)

//go:embed priors.json
var defaultPriors []byte

// Prior is the physical model of one food.
type Prior struct {
	DensityGPerCm3 float64 `json:"density_g_per_cm3"`
	HeightCm       float64 `json:"height_cm"`
	ServingG       float64 `json:"serving_g"`
}

func (p Prior) valid() bool {
	ok := func(v float64) bool { return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v) }
	return ok(p.DensityGPerCm3) && ok(p.HeightCm) && ok(p.ServingG)
}

// Table holds priors keyed by folded label.
type Table map[string]Prior

// DefaultTable returns the embedded prior table.
func DefaultTable() Table {
	t, err := ParseTable(defaultPriors)
	if err != nil {
		panic(fmt.Sprintf("embedded portion priors: %v", err))
	}
	return t
}

// ParseTable decodes a JSON object of label → prior.
func ParseTable(data []byte) (Table, error) {
	var raw map[string]Prior
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse portion priors: %w", err)
	}
	t := make(Table, len(raw))
	for name, p := range raw {
		if !p.valid() {
			return nil, fmt.Errorf("portion prior %q: density, height and serving must be positive", name)
		}
		t[label.Fold(name)] = p
	}
	return t, nil
}

// LoadTable loads priors from src and layers them over the embedded defaults.
func LoadTable(ctx context.Context, src source.Source) (Table, error) {
	data, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load portion priors: %w", err)
	}
	overrides, err := ParseTable(data)
	if err != nil {
		return nil, err
	}
	t := DefaultTable()
	for k, v := range overrides {
		t[k] = v
	}
	return t, nil
}

// Labels returns the table's keys in order.
func (t Table) Labels() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Estimator struct {
	table    Table
	synonyms label.Synonyms
}

// NewEstimator builds an estimator over table. A nil table means the embedded defaults.
func NewEstimator(table Table, synonyms label.Synonyms) *Estimator {
	if table == nil {
		table = DefaultTable()
	}
	if synonyms == nil {
		synonyms = label.DefaultSynonyms
	}
	return &Estimator{table: table, synonyms: synonyms}
}

// Estimate returns the mass of item. The strongest available cue wins: a reference object in frame,
// then camera metadata, then the label's default serving. Labels are looked up primary first, then
// each candidate label.
func (e *Estimator) Estimate(item mealsnap.DetectedItem, cues mealsnap.ScaleCues) (mealsnap.PortionEstimate, error) {
	key, prior, ok := e.lookup(item)
	if !ok {
		return mealsnap.PortionEstimate{}, fmt.Errorf("%w: %q", mealsnap.ErrUnknownPortionPrior, item.Label)
	}

	est := mealsnap.PortionEstimate{ItemID: item.ID, PriorLabel: key}
	fw, fh := frameDims(cues)

	if mass, ok := referenceScaleMass(item.Region, cues.Reference, fw, fh, prior); ok {
		est.Method = mealsnap.MethodReferenceObjectScale
		est.MassGrams = mass
		est.MassUncertaintyGrams = mass * BandReferenceObject
		return est, nil
	}
	if mass, ok := depthMass(item.Region, cues.Capture, fw, fh, prior); ok {
		est.Method = mealsnap.MethodDepthHeuristic
		est.MassGrams = mass
		est.MassUncertaintyGrams = mass * BandDepthHeuristic
		return est, nil
	}

	est.Method = mealsnap.MethodDefaultPrior
	est.MassGrams = prior.ServingG
	est.MassUncertaintyGrams = prior.ServingG * BandDefaultPrior
	return est, nil
}

func (e *Estimator) lookup(item mealsnap.DetectedItem) (string, Prior, bool) {
	for _, l := range item.Labels() {
		for _, form := range e.synonyms.Forms(l) {
			if p, ok := e.table[form]; ok {
				return form, p, true
			}
		}
	}
	return "", Prior{}, false
}

func frameDims(c mealsnap.ScaleCues) (float64, float64) {
	if c.FrameWidthPx > 0 && c.FrameHeightPx > 0 {
		return float64(c.FrameWidthPx), float64(c.FrameHeightPx)
	}
	return 1, 1
}

// referenceScaleMass calibrates pixel size from the reference object's longest side.
func referenceScaleMass(r mealsnap.Region, ref *mealsnap.ReferenceObject, fw, fh float64, p Prior) (float64, bool) {
	if ref == nil || ref.LongestSideMM <= 0 {
		return 0, false
	}
	refPx := math.Max(ref.Region.Width*fw, ref.Region.Height*fh)
	if refPx <= 0 {
		return 0, false
	}
	mmPerPx := ref.LongestSideMM / refPx
	areaMM2 := r.Width * fw * r.Height * fh * mmPerPx * mmPerPx * FillFactor
	return massFromArea(areaMM2, p)
}

// depthMass projects the region onto the plane at the subject distance using the 35mm-equivalent
// field of view.
func depthMass(r mealsnap.Region, c *mealsnap.CaptureMetadata, fw, fh float64, p Prior) (float64, bool) {
	if c == nil || (c.FocalLength35mm <= 0 && c.SubjectDistanceMM <= 0) {
		return 0, false
	}
	focal, dist := c.FocalLength35mm, c.SubjectDistanceMM
	if focal <= 0 {
		focal = DefaultFocal35mm
	}
	if dist <= 0 {
		dist = DefaultDistanceMM
	}
	widthMM := frameWidthMM * dist / focal
	heightMM := frameHeightMM * dist / focal
	if fw > 1 && fh > 1 {
		heightMM = widthMM * fh / fw
	}
	areaMM2 := r.Width * widthMM * r.Height * heightMM * FillFactor
	return massFromArea(areaMM2, p)
}

func massFromArea(areaMM2 float64, p Prior) (float64, bool) {
	mass := areaMM2 / 100 * p.HeightCm * p.DensityGPerCm3
	if math.IsNaN(mass) || math.IsInf(mass, 0) || mass <= 0 {
		return 0, false
	}
	return mass, true
}
