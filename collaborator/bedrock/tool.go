package bedrock

import (
	"mealsnap"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

const (
	detectionsToolName = "report_detections"
	insightsToolName   = "report_insights"
)

func detectionsTool() Tool {
	zero, one := 0.0, 1.0
	unit := func() *jsonschema.Schema {
		return &jsonschema.Schema{Type: "number", Minimum: &zero, Maximum: &one}
	}
	return Tool{
		Name:        detectionsToolName,
		Description: "Report every food item and every object of known size visible in the photo.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"detections": {
					Type: "array",
					Items: &jsonschema.Schema{
						Type: "object",
						Properties: map[string]*jsonschema.Schema{
							"label":      {Type: "string", Description: "Common name of the food or object, e.g. \"grilled chicken\" or \"fork\"."},
							"confidence": unit(),
							"box": {
								Type:        "object",
								Description: "Bounding box as fractions of the image width and height.",
								Properties: map[string]*jsonschema.Schema{
									"left":   unit(),
									"top":    unit(),
									"width":  unit(),
									"height": unit(),
								},
								Required: []string{"left", "top", "width", "height"},
							},
						},
						Required: []string{"label", "confidence", "box"},
					},
				},
			},
			Required: []string{"detections"},
		},
	}
}

func insightsTool() Tool {
	maxItems := 3
	return Tool{
		Name:        insightsToolName,
		Description: "Report short, practical nutrition insights for the meal.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"insights": {
					Type:     "array",
					MaxItems: &maxItems,
					Items:    &jsonschema.Schema{Type: "string"},
				},
			},
			Required: []string{"insights"},
		},
	}
}

type wireBox struct {
	Left   *float64 `json:"left"`
	Top    *float64 `json:"top"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

type wireDetection struct {
	Label      *string  `json:"label"`
	Confidence *float64 `json:"confidence"`
	Box        *wireBox `json:"box"`
}

type wireDetections struct {
	Detections []wireDetection `json:"detections"`
}

// raw converts the model's answer without validating it; the recognition orchestrator does that.
func (w wireDetection) raw() mealsnap.RawDetection {
	out := mealsnap.RawDetection{Label: w.Label, Confidence: w.Confidence}
	if b := w.Box; b != nil && b.Left != nil && b.Top != nil && b.Width != nil && b.Height != nil {
		out.Region = &mealsnap.Region{Left: *b.Left, Top: *b.Top, Width: *b.Width, Height: *b.Height}
	}
	return out
}

type wireInsights struct {
	Insights []string `json:"insights"`
}
