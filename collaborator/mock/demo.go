package mock

import "mealsnap"

// NewDemoVision returns a vision collaborator that always sees the same plate: grilled chicken,
// rice and broccoli next to a fork.
func NewDemoVision() *Vision {
	return &Vision{Detections: []mealsnap.RawDetection{
		Detection("Grilled Chicken", 0.93, mealsnap.Region{Left: 0.10, Top: 0.20, Width: 0.30, Height: 0.25}),
		Detection("Chicken Breast", 0.71, mealsnap.Region{Left: 0.11, Top: 0.21, Width: 0.29, Height: 0.24}),
		Detection("Rice", 0.88, mealsnap.Region{Left: 0.45, Top: 0.20, Width: 0.30, Height: 0.30}),
		Detection("Broccoli", 0.81, mealsnap.Region{Left: 0.30, Top: 0.55, Width: 0.25, Height: 0.20}),
		Detection("Fork", 0.90, mealsnap.Region{Left: 0.80, Top: 0.10, Width: 0.05, Height: 0.60}),
		Detection("Tablecloth", 0.22, mealsnap.Region{Left: 0, Top: 0, Width: 1, Height: 1}),
	}}
}

// NewDemoReference returns per-gram values for the demo plate.
func NewDemoReference() *Reference {
	return &Reference{Entries: map[string]map[mealsnap.NutrientKind]float64{
		"grilled chicken": {mealsnap.Calories: 1.65, mealsnap.Protein: 0.31, mealsnap.Carbs: 0, mealsnap.Fat: 0.036, mealsnap.Sodium: 0.74},
		"rice":            {mealsnap.Calories: 1.30, mealsnap.Protein: 0.027, mealsnap.Carbs: 0.28, mealsnap.Fat: 0.003, mealsnap.Fiber: 0.004},
		"broccoli":        {mealsnap.Calories: 0.35, mealsnap.Protein: 0.024, mealsnap.Carbs: 0.072, mealsnap.Fat: 0.004, mealsnap.Fiber: 0.033, mealsnap.Sugar: 0.014, mealsnap.Sodium: 0.41},
	}}
}

// NewDemoReasoner returns a reasoner with canned insights.
func NewDemoReasoner() *Reasoner {
	return &Reasoner{Replies: []string{
		"Protein is well covered by the chicken.",
		"A side salad would add fiber without many calories.",
	}}
}
