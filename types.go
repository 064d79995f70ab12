package mealsnap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// VisionClient is the external vision collaborator. It reports raw, unvalidated detections.
type VisionClient interface {
	Detect(ctx context.Context, image []byte, format string) ([]RawDetection, error)
}

// ReferenceClient is the external nutrient reference collaborator. found is false when the
// collaborator has no entry for the label.
type ReferenceClient interface {
	Lookup(ctx context.Context, label string) (perGram map[NutrientKind]float64, found bool, err error)
}

// ReasoningClient is the external reasoning collaborator. It only ever sees structured deltas.
type ReasoningClient interface {
	Insights(ctx context.Context, req InsightRequest) ([]string, error)
}

// ImageDigest is the hex sha256 of a normalized image.
type ImageDigest string

type ItemID string

// Region is a bounding box normalized to the [0,1] frame.
type Region struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Region) Area() float64 { return r.Width * r.Height }

// IoU returns the intersection-over-union of two regions.
func (r Region) IoU(o Region) float64 {
	ix := math.Min(r.Left+r.Width, o.Left+o.Width) - math.Max(r.Left, o.Left)
	iy := math.Min(r.Top+r.Height, o.Top+o.Height) - math.Max(r.Top, o.Top)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Valid reports whether the region has positive extent and lies inside the frame.
func (r Region) Valid() bool {
	const eps = 1e-6
	for _, v := range []float64{r.Left, r.Top, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.Width > 0 && r.Height > 0 &&
		r.Left >= -eps && r.Top >= -eps &&
		r.Left+r.Width <= 1+eps && r.Top+r.Height <= 1+eps
}

// RawDetection is a detection exactly as a vision collaborator reported it. Any field may be missing.
type RawDetection struct {
	Label      *string  `json:"label"`
	Region     *Region  `json:"region"`
	Confidence *float64 `json:"confidence"`
}

type LabelScore struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// DetectedItem is one food item after filtering and merging. Never mutated after creation.
type DetectedItem struct {
	ID              ItemID       `json:"id"`
	Label           string       `json:"label"`
	Region          Region       `json:"region"`
	Confidence      float64      `json:"confidence"`
	CandidateLabels []LabelScore `json:"candidate_labels,omitempty"`
}

// Labels returns the primary label followed by the candidate labels.
func (d DetectedItem) Labels() []string {
	out := make([]string, 0, len(d.CandidateLabels)+1)
	out = append(out, d.Label)
	for _, c := range d.CandidateLabels {
		out = append(out, c.Label)
	}
	return out
}

// ReferenceObject is an object of known physical size seen in the frame.
type ReferenceObject struct {
	Label         string  `json:"label"`
	Region        Region  `json:"region"`
	LongestSideMM float64 `json:"longest_side_mm"`
	Confidence    float64 `json:"confidence"`
}

// CaptureMetadata carries camera details supplied alongside the image.
type CaptureMetadata struct {
	FocalLength35mm   float64 `json:"focal_length_35mm,omitempty"`
	SubjectDistanceMM float64 `json:"subject_distance_mm,omitempty"`
}

type ScaleCues struct {
	Reference     *ReferenceObject
	Capture       *CaptureMetadata
	FrameWidthPx  int
	FrameHeightPx int
}

type PortionMethod string

const (
	MethodReferenceObjectScale PortionMethod = "reference_object_scale"
	MethodDepthHeuristic       PortionMethod = "depth_heuristic"
	MethodDefaultPrior         PortionMethod = "default_prior"
)

type PortionEstimate struct {
	ItemID               ItemID        `json:"item_id"`
	MassGrams            float64       `json:"mass_grams"`
	MassUncertaintyGrams float64       `json:"mass_uncertainty_grams"`
	Method               PortionMethod `json:"method"`
	PriorLabel           string        `json:"prior_label"`
}

type NutrientKind string

const (
	Calories NutrientKind = "calories"
	Protein  NutrientKind = "protein_g"
	Carbs    NutrientKind = "carbs_g"
	Fat      NutrientKind = "fat_g"
	Fiber    NutrientKind = "fiber_g"
	Sugar    NutrientKind = "sugar_g"
	Sodium   NutrientKind = "sodium_mg"
)

// NutrientKinds lists every kind in reporting order.
var NutrientKinds = []NutrientKind{Calories, Protein, Carbs, Fat, Fiber, Sugar, Sodium}

// Unit returns the display unit of the kind.
func (k NutrientKind) Unit() string {
	switch k {
	case Calories:
		return "kcal"
	case Sodium:
		return "mg"
	default:
		return "g"
	}
}

type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchFuzzy     MatchKind = "fuzzy"
	MatchCandidate MatchKind = "candidate"
)

// NutrientReferenceEntry is an immutable per-gram nutrient record.
type NutrientReferenceEntry struct {
	Label            string                   `json:"label"`
	QueryLabel       string                   `json:"query_label"`
	PerGram          map[NutrientKind]float64 `json:"per_gram"`
	SourceConfidence float64                  `json:"source_confidence"`
	Match            MatchKind                `json:"match"`
}

type Measure struct {
	Value       float64 `json:"value"`
	Uncertainty float64 `json:"uncertainty"`
}

type ItemContribution struct {
	ItemID          ItemID                   `json:"item_id"`
	Label           string                   `json:"label"`
	ResolvedLabel   string                   `json:"resolved_label,omitempty"`
	MassGrams       float64                  `json:"mass_grams"`
	Method          PortionMethod            `json:"method,omitempty"`
	Nutrients       map[NutrientKind]Measure `json:"nutrients"`
	Excluded        bool                     `json:"excluded"`
	ExclusionReason string                   `json:"exclusion_reason,omitempty"`
}

type NutrientProfile struct {
	Totals    map[NutrientKind]Measure `json:"totals"`
	Breakdown []ItemContribution       `json:"breakdown"`
}

// ExcludedItems returns the IDs of items that were not counted, in breakdown order.
func (p NutrientProfile) ExcludedItems() []ItemID {
	var out []ItemID
	for _, c := range p.Breakdown {
		if c.Excluded {
			out = append(out, c.ItemID)
		}
	}
	return out
}

// CountedItems returns how many breakdown entries contributed to the totals.
func (p NutrientProfile) CountedItems() int {
	n := 0
	for _, c := range p.Breakdown {
		if !c.Excluded {
			n++
		}
	}
	return n
}

type GoalKind string

const (
	GoalWeightLoss GoalKind = "weight_loss"
	GoalMuscleGain GoalKind = "muscle_gain"
	GoalKeto       GoalKind = "keto"
	GoalBalanced   GoalKind = "balanced"
)

// ParseGoalKind accepts the canonical names plus a few common spellings.
func ParseGoalKind(s string) (GoalKind, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "weight_loss", "weightloss", "lose_weight":
		return GoalWeightLoss, nil
	case "muscle_gain", "musclegain", "bulk":
		return GoalMuscleGain, nil
	case "keto", "ketogenic":
		return GoalKeto, nil
	case "balanced", "":
		return GoalBalanced, nil
	}
	return "", fmt.Errorf("unknown goal kind %q", s)
}

// GoalProfile is supplied by the caller and treated as read-only.
type GoalProfile struct {
	Kind          GoalKind                 `json:"kind"`
	DailyTargets  map[NutrientKind]float64 `json:"daily_targets,omitempty"`
	ConsumedToday map[NutrientKind]float64 `json:"consumed_today,omitempty"`
	MealShare     float64                  `json:"meal_share,omitempty"`
}

// Fingerprint identifies the goal for the analysis cache tier.
func (g GoalProfile) Fingerprint() string {
	// encoding/json sorts map keys, so the encoding is canonical.
	b, _ := json.Marshal(g)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type NutrientDelta struct {
	Kind     NutrientKind `json:"kind"`
	Target   float64      `json:"target"`
	Actual   float64      `json:"actual"`
	Delta    float64      `json:"delta"`
	Relative float64      `json:"relative"`
}

// InsightRequest is everything the reasoning collaborator is allowed to see.
type InsightRequest struct {
	Goal   GoalKind        `json:"goal"`
	Deltas []NutrientDelta `json:"deltas"`
	Hedge  bool            `json:"hedge"`
}

type RecommendationSource string

const (
	SourceReasoner RecommendationSource = "reasoner"
	SourceTemplate RecommendationSource = "template"
)

type Recommendation struct {
	Text                     string                   `json:"text"`
	Insights                 []string                 `json:"insights,omitempty"`
	SupportingNutrientDeltas map[NutrientKind]float64 `json:"supporting_nutrient_deltas"`
	Confidence               float64                  `json:"confidence"`
	Source                   RecommendationSource     `json:"source"`
	Hedged                   bool                     `json:"hedged"`
	ExcludedItems            []ItemID                 `json:"excluded_items,omitempty"`
	// Degraded marks a template standing in for a reasoner that failed or said nothing usable.
	Degraded                 bool                     `json:"degraded,omitempty"`
}

// ModelVersions is the model-version tuple. It is passed explicitly with every analysis.
type ModelVersions struct {
	Vision    string `json:"vision"`
	Reference string `json:"reference"`
	Reasoning string `json:"reasoning"`
	Pipeline  string `json:"pipeline"`
}

func (v ModelVersions) Validate() error {
	if strings.TrimSpace(v.Vision) == "" || strings.TrimSpace(v.Pipeline) == "" {
		return fmt.Errorf("%w: vision and pipeline versions are required", ErrInvalidVersions)
	}
	return nil
}

type DataGapKind string

const (
	GapUnknownPortionPrior   DataGapKind = "unknown_portion_prior"
	GapNutrientReferenceMiss DataGapKind = "nutrient_reference_miss"
)

type DataGap struct {
	ItemID  ItemID      `json:"item_id"`
	Label   string      `json:"label"`
	Kind    DataGapKind `json:"kind"`
	Message string      `json:"message"`
}

// Perception is the goal-independent half of an analysis.
type Perception struct {
	Digest     ImageDigest       `json:"digest"`
	Versions   ModelVersions     `json:"versions"`
	Items      []DetectedItem    `json:"items"`
	References []ReferenceObject `json:"references,omitempty"`
	Portions   []PortionEstimate `json:"portions,omitempty"`
	Profile    NutrientProfile   `json:"profile"`
	DataGaps   []DataGap         `json:"data_gaps,omitempty"`
	ComputedAt time.Time         `json:"computed_at"`
}

// UsedDefaultPrior reports whether any counted portion fell back to a serving prior.
func (p Perception) UsedDefaultPrior() bool {
	for _, pe := range p.Portions {
		if pe.Method == MethodDefaultPrior {
			return true
		}
	}
	return false
}

// AnalysisResult is the cached unit returned to callers.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// AllergenAlert lists the common allergens the recognized items usually carry.
type AllergenAlert struct {
	RiskLevel RiskLevel `json:"risk_level"`
	Detected  []string  `json:"detected,omitempty"`
	Advice    string    `json:"advice"`
}

type AnalysisResult struct {
	Digest         ImageDigest     `json:"digest"`
	Versions       ModelVersions   `json:"versions"`
	Items          []DetectedItem  `json:"items"`
	Profile        NutrientProfile `json:"profile"`
	Recommendation Recommendation  `json:"recommendation"`
	DietaryTags    []string        `json:"dietary_tags,omitempty"`
	AllergenAlert  AllergenAlert   `json:"allergen_alert"`
	DataGaps       []DataGap       `json:"data_gaps,omitempty"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// HealthExport is the read-only nutrient-totals shape handed to health-ecosystem sync.
type HealthExport struct {
	Digest        ImageDigest         `json:"digest"`
	ComputedAt    time.Time           `json:"computed_at"`
	Totals        []HealthExportTotal `json:"totals"`
	ExcludedItems []ItemID            `json:"excluded_items,omitempty"`
}

type HealthExportTotal struct {
	Kind          NutrientKind `json:"kind"`
	Unit          string       `json:"unit"`
	Value         float64      `json:"value"`
	Uncertainty   float64      `json:"uncertainty"`
	PercentOfGoal *float64     `json:"percent_of_goal,omitempty"`
}

// NewHealthExport flattens a result into the export shape. Kinds follow NutrientKinds order;
// when goal targets are given each total carries its percent of the daily target.
func NewHealthExport(r AnalysisResult, targets map[NutrientKind]float64) HealthExport {
	out := HealthExport{
		Digest:        r.Digest,
		ComputedAt:    r.ComputedAt,
		ExcludedItems: r.Profile.ExcludedItems(),
	}
	kinds := make([]NutrientKind, 0, len(r.Profile.Totals))
	for _, k := range NutrientKinds {
		if _, ok := r.Profile.Totals[k]; ok {
			kinds = append(kinds, k)
		}
	}
	var extra []NutrientKind
	for k := range r.Profile.Totals {
		if !knownKind(k) {
			extra = append(extra, k)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	kinds = append(kinds, extra...)

	for _, k := range kinds {
		m := r.Profile.Totals[k]
		t := HealthExportTotal{Kind: k, Unit: k.Unit(), Value: m.Value, Uncertainty: m.Uncertainty}
		if target, ok := targets[k]; ok && target > 0 {
			pct := m.Value / target * 100
			t.PercentOfGoal = &pct
		}
		out.Totals = append(out.Totals, t)
	}
	return out
}

func knownKind(k NutrientKind) bool {
	for _, kk := range NutrientKinds {
		if kk == k {
			return true
		}
	}
	return false
}
