package bedrock

import (
	"context"
	"fmt"
	"log/slog"

	"mealsnap"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const visionPrompt = `You are a food recognition system. Look at the meal photo and report every distinct
food item on the plate, plus any utensil, coin or card that could serve as a size reference.
For each, give a short common-name label, your confidence between 0 and 1, and a bounding box as
fractions of the image width and height measured from the top-left corner.
Report only what you can see. Do not estimate weights or nutrients.`

// Vision is a mealsnap.VisionClient backed by a multimodal model.
type Vision struct {
	llm *LLMClient
}

func NewVision(llm *LLMClient) *Vision {
	return &Vision{llm: llm}
}

func (v *Vision) Detect(ctx context.Context, image []byte, format string) ([]mealsnap.RawDetection, error) {
	imgFormat, err := imageFormat(format)
	if err != nil {
		return nil, err
	}
	content := []types.ContentBlock{
		&types.ContentBlockMemberImage{Value: types.ImageBlock{
			Format: imgFormat,
			Source: &types.ImageSourceMemberBytes{Value: image},
		}},
		&types.ContentBlockMemberText{Value: "Report the detections for this meal."},
	}

	var out wireDetections
	if err := v.llm.CallTool(ctx, visionPrompt, content, detectionsTool(), &out); err != nil {
		return nil, err
	}

	raw := make([]mealsnap.RawDetection, 0, len(out.Detections))
	for _, d := range out.Detections {
		raw = append(raw, d.raw())
	}
	slog.Info("BEDROCK_VISION: Detections received", "count", len(raw))
	return raw, nil
}

func imageFormat(format string) (types.ImageFormat, error) {
	switch format {
	case "jpeg", "jpg":
		return types.ImageFormatJpeg, nil
	case "png":
		return types.ImageFormatPng, nil
	case "gif":
		return types.ImageFormatGif, nil
	case "webp":
		return types.ImageFormatWebp, nil
	}
	return "", fmt.Errorf("%w: unsupported image format %q", mealsnap.ErrMalformedImage, format)
}
