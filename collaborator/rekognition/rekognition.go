// Package rekognition implements the vision collaborator over Amazon Rekognition DetectLabels.
package rekognition

import (
	"context"
	"fmt"
	"log/slog"

	"mealsnap"
	"mealsnap/label"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

const (
	defaultMaxLabels     = 25
	defaultMinConfidence = 30
)

// genericLabels describe the scene rather than an item on the plate.
var genericLabels = map[string]bool{
	"food": true, "meal": true, "dish": true, "plate": true, "lunch": true, "dinner": true,
	"breakfast": true, "brunch": true, "supper": true, "platter": true, "produce": true,
	"plant": true, "table": true, "dining table": true, "cuisine": true, "furniture": true,
}

var wholeFrame = mealsnap.Region{Left: 0, Top: 0, Width: 1, Height: 1}

type rekognitionClient interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

type Options struct {
	MaxLabels     int32
	MinConfidence float32
}

// Vision is a mealsnap.VisionClient. Labels with instances yield one detection per bounding box;
// labels without instances cover the whole frame.
type Vision struct {
	client rekognitionClient
	opts   Options
}

func NewVision(client rekognitionClient, opts Options) *Vision {
	if opts.MaxLabels <= 0 {
		opts.MaxLabels = defaultMaxLabels
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = defaultMinConfidence
	}
	return &Vision{client: client, opts: opts}
}

func (v *Vision) Detect(ctx context.Context, image []byte, format string) ([]mealsnap.RawDetection, error) {
	out, err := v.client.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         &types.Image{Bytes: image},
		MaxLabels:     aws.Int32(v.opts.MaxLabels),
		MinConfidence: aws.Float32(v.opts.MinConfidence),
	})
	if err != nil {
		return nil, fmt.Errorf("rekognition detect labels failed: %w", err)
	}

	var raw []mealsnap.RawDetection
	skipped := 0
	for _, l := range out.Labels {
		if l.Name != nil && genericLabels[label.Fold(*l.Name)] {
			skipped++
			continue
		}
		if len(l.Instances) == 0 {
			region := wholeFrame
			raw = append(raw, mealsnap.RawDetection{Label: l.Name, Region: &region, Confidence: percent(l.Confidence)})
			continue
		}
		for _, inst := range l.Instances {
			conf := inst.Confidence
			if conf == nil {
				conf = l.Confidence
			}
			raw = append(raw, mealsnap.RawDetection{Label: l.Name, Region: region(inst.BoundingBox), Confidence: percent(conf)})
		}
	}

	slog.Info("REKOGNITION: Labels received", "labels", len(out.Labels), "detections", len(raw), "generic_skipped", skipped)
	return raw, nil
}

func percent(c *float32) *float64 {
	if c == nil {
		return nil
	}
	v := float64(*c) / 100
	return &v
}

func region(b *types.BoundingBox) *mealsnap.Region {
	if b == nil || b.Left == nil || b.Top == nil || b.Width == nil || b.Height == nil {
		return nil
	}
	return &mealsnap.Region{
		Left:   float64(*b.Left),
		Top:    float64(*b.Top),
		Width:  float64(*b.Width),
		Height: float64(*b.Height),
	}
}
