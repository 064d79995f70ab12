package bedrock

import (
	"context"
	"errors"
	"testing"

	"mealsnap"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBedrockClient implements bedrockRuntimeClient for testing
type mockBedrockClient struct {
	response *bedrockruntime.ConverseOutput
	err      error
	input    *bedrockruntime.ConverseInput
}

func (m *mockBedrockClient) Converse(ctx context.Context, input *bedrockruntime.ConverseInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.input = input
	return m.response, m.err
}

func toolUseOutput(name string, input map[string]any, stop types.StopReason) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		StopReason: stop,
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "Here you go."},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("tool-1"),
					Name:      aws.String(name),
					Input:     document.NewLazyDocument(input),
				}},
			},
		}},
	}
}

func TestNewLLMClient(t *testing.T) {
	tests := []struct {
		name     string
		input    LLMOptions
		expected LLMOptions
	}{
		{
			name:  "empty options uses defaults",
			input: LLMOptions{},
			expected: LLMOptions{
				ModelID:     defaultModelID,
				MaxTokens:   defaultMaxTokens,
				Temperature: defaultTemperature,
				TopP:        defaultTopP,
			},
		},
		{
			name:     "custom options preserved",
			input:    LLMOptions{ModelID: "custom-model", MaxTokens: 2048, Temperature: 0.5, TopP: 0.8},
			expected: LLMOptions{ModelID: "custom-model", MaxTokens: 2048, Temperature: 0.5, TopP: 0.8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &mockBedrockClient{}
			client := NewLLMClient(mockClient, tt.input)
			assert.Equal(t, tt.expected, client.opts)
		})
	}
}

func TestVision_Detect(t *testing.T) {
	mockClient := &mockBedrockClient{response: toolUseOutput(detectionsToolName, map[string]any{
		"detections": []any{
			map[string]any{
				"label":      "Grilled Chicken",
				"confidence": 0.9,
				"box":        map[string]any{"left": 0.1, "top": 0.2, "width": 0.3, "height": 0.25},
			},
			map[string]any{
				"label":      "Rice",
				"confidence": 0.8,
			},
		},
	}, types.StopReasonToolUse)}

	v := NewVision(NewLLMClient(mockClient, LLMOptions{}))
	raw, err := v.Detect(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "png")
	require.NoError(t, err)
	require.Len(t, raw, 2)

	assert.Equal(t, "Grilled Chicken", *raw[0].Label)
	assert.InDelta(t, 0.9, *raw[0].Confidence, 1e-9)
	require.NotNil(t, raw[0].Region)
	assert.InDelta(t, 0.25, raw[0].Region.Height, 1e-9)
	assert.Nil(t, raw[1].Region, "missing box is passed through for validation")

	in := mockClient.input
	require.NotNil(t, in)
	choice, ok := in.ToolConfig.ToolChoice.(*types.ToolChoiceMemberTool)
	require.True(t, ok)
	assert.Equal(t, detectionsToolName, aws.ToString(choice.Value.Name))

	img, ok := in.Messages[0].Content[0].(*types.ContentBlockMemberImage)
	require.True(t, ok)
	assert.Equal(t, types.ImageFormatPng, img.Value.Format)
}

func TestVision_Errors(t *testing.T) {
	upstream := errors.New("ThrottlingException: rate exceeded")

	tests := []struct {
		name    string
		client  *mockBedrockClient
		format  string
		wantErr error
	}{
		{
			name:    "converse error is wrapped",
			client:  &mockBedrockClient{err: upstream},
			format:  "jpeg",
			wantErr: upstream,
		},
		{
			name: "no tool use",
			client: &mockBedrockClient{response: &bedrockruntime.ConverseOutput{
				StopReason: types.StopReasonEndTurn,
				Output: &types.ConverseOutputMemberMessage{Value: types.Message{
					Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "I see chicken."}},
				}},
			}},
			format:  "jpeg",
			wantErr: mealsnap.ErrMalformedResponse,
		},
		{
			name:    "truncated answer",
			client:  &mockBedrockClient{response: toolUseOutput(detectionsToolName, map[string]any{}, types.StopReasonMaxTokens)},
			format:  "jpeg",
			wantErr: mealsnap.ErrMalformedResponse,
		},
		{
			name:    "unsupported format",
			client:  &mockBedrockClient{},
			format:  "bmp",
			wantErr: mealsnap.ErrMalformedImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVision(NewLLMClient(tt.client, LLMOptions{}))
			_, err := v.Detect(context.Background(), []byte{1}, tt.format)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReasoner_Insights(t *testing.T) {
	mockClient := &mockBedrockClient{response: toolUseOutput(insightsToolName, map[string]any{
		"insights": []any{"Add a side of vegetables.", "Protein is on target."},
	}, types.StopReasonToolUse)}

	r := NewReasoner(NewLLMClient(mockClient, LLMOptions{}))
	out, err := r.Insights(context.Background(), mealsnap.InsightRequest{
		Goal:   mealsnap.GoalBalanced,
		Deltas: []mealsnap.NutrientDelta{{Kind: mealsnap.Fiber, Target: 10, Actual: 2, Delta: 8, Relative: 0.8}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Add a side of vegetables.", "Protein is on target."}, out)

	text, ok := mockClient.input.Messages[0].Content[0].(*types.ContentBlockMemberText)
	require.True(t, ok)
	assert.Contains(t, text.Value, `"goal":"balanced"`)
	assert.Contains(t, text.Value, `"kind":"fiber_g"`)
}

func TestReasoner_FailureIsReasoningUnavailable(t *testing.T) {
	r := NewReasoner(NewLLMClient(&mockBedrockClient{err: errors.New("boom")}, LLMOptions{}))
	_, err := r.Insights(context.Background(), mealsnap.InsightRequest{Goal: mealsnap.GoalKeto})
	assert.ErrorIs(t, err, mealsnap.ErrReasoningUnavailable)
}

func TestDecodeDocument(t *testing.T) {
	doc := document.NewLazyDocument(map[string]any{
		"detections": []any{
			map[string]any{"label": "rice", "confidence": 0.88, "region": map[string]any{"left": 0.1, "top": 0, "width": 0.5, "height": 0.25}},
			map[string]any{"label": "fork"},
		},
		"count": 2,
	})

	var out struct {
		Detections []struct {
			Label      *string          `json:"label"`
			Confidence *float64         `json:"confidence"`
			Region     *mealsnap.Region `json:"region"`
		} `json:"detections"`
		Count int `json:"count"`
	}
	require.NoError(t, decodeDocument(doc, &out))

	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Detections, 2)
	assert.Equal(t, "rice", *out.Detections[0].Label)
	assert.InDelta(t, 0.88, *out.Detections[0].Confidence, 1e-9)
	assert.InDelta(t, 0.25, out.Detections[0].Region.Height, 1e-9)
	assert.Nil(t, out.Detections[1].Confidence)
	assert.Nil(t, out.Detections[1].Region)
}
