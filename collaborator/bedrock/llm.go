// Package bedrock implements the vision and reasoning collaborators over the Bedrock Converse API.
// Both force a single tool call so the model answers with JSON that matches a declared schema.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mealsnap"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithydoc "github.com/aws/smithy-go/document"
)

const (
	// defaultModelID is an inference profile ID, not the foundation model's ID.
	// See https://docs.aws.amazon.com/bedrock/latest/userguide/inference-profiles.html.
	defaultModelID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

	defaultMaxTokens   = 1024
	defaultTemperature = 0.2
	defaultTopP        = 0.9
)

type bedrockRuntimeClient interface {
	Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type LLMOptions struct {
	ModelID     string
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// LLMClient sends one-turn Converse requests that must end in a call to a specific tool.
type LLMClient struct {
	brc  bedrockRuntimeClient
	opts LLMOptions
}

func NewLLMClient(brc bedrockRuntimeClient, opts LLMOptions) *LLMClient {
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = defaultTopP
	}
	return &LLMClient{
		brc:  brc,
		opts: opts,
	}
}

// CallTool sends system and content as one user turn, forces tool and decodes the tool input into out.
func (c *LLMClient) CallTool(ctx context.Context, system string, content []types.ContentBlock, tool Tool, out any) error {
	slog.Info("LLM_CLIENT: Invoked", "tool", tool.Name, "blocks", len(content))

	spec, err := buildToolSpec(tool)
	if err != nil {
		return err
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.opts.ModelID),
		System:   []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}},
		Messages: []types.Message{{Role: types.ConversationRoleUser, Content: content}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.opts.MaxTokens),
			Temperature: aws.Float32(c.opts.Temperature),
			TopP:        aws.Float32(c.opts.TopP),
		},
		ToolConfig: &types.ToolConfiguration{
			Tools:      []types.Tool{&types.ToolMemberToolSpec{Value: spec}},
			ToolChoice: &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(tool.Name)}},
		},
	}

	resp, err := c.brc.Converse(ctx, in)
	if err != nil {
		slog.Error("LLM_CLIENT: Bedrock invoke failed", "error", err, "tool", tool.Name)
		return fmt.Errorf("bedrock converse failed: %w", err)
	}

	attrs := []any{"stop_reason", resp.StopReason}
	if resp.Metrics != nil {
		attrs = append(attrs, "latency_ms", aws.ToInt64(resp.Metrics.LatencyMs))
	}
	if resp.Usage != nil {
		attrs = append(attrs,
			"input_tokens", aws.ToInt32(resp.Usage.InputTokens),
			"output_tokens", aws.ToInt32(resp.Usage.OutputTokens))
	}
	slog.Info("LLM_CLIENT: Bedrock invoke succeeded", attrs...)

	switch resp.StopReason {
	case types.StopReasonMaxTokens:
		slog.Warn("LLM_CLIENT: Model hit MaxTokens limit; consider increasing MaxTokens")
		return fmt.Errorf("%w: model hit MaxTokens limit", mealsnap.ErrMalformedResponse)
	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		slog.Warn("LLM_CLIENT: Model response blocked by Bedrock safety filters")
		return fmt.Errorf("%w: response blocked by safety filters", mealsnap.ErrMalformedResponse)
	}

	input, ok := toolInput(resp, tool.Name)
	if !ok {
		return fmt.Errorf("%w: model did not call %s", mealsnap.ErrMalformedResponse, tool.Name)
	}
	if err := decodeDocument(input, out); err != nil {
		return fmt.Errorf("%w: %s input: %w", mealsnap.ErrMalformedResponse, tool.Name, err)
	}
	return nil
}

// buildToolSpec round-trips the schema through JSON so the document carries the schema's own
// MarshalJSON output.
func buildToolSpec(t Tool) (types.ToolSpecification, error) {
	schemaJSON, err := json.Marshal(t.InputSchema)
	if err != nil {
		return types.ToolSpecification{}, fmt.Errorf("failed to marshal tool schema for %s: %w", t.Name, err)
	}

	var schemaMap map[string]any
	if err := json.Unmarshal(schemaJSON, &schemaMap); err != nil {
		return types.ToolSpecification{}, fmt.Errorf("failed to unmarshal tool schema for %s: %w", t.Name, err)
	}

	return types.ToolSpecification{
		Name:        aws.String(t.Name),
		Description: aws.String(t.Description),
		InputSchema: &types.ToolInputSchemaMemberJson{
			Value: document.NewLazyDocument(schemaMap),
		},
	}, nil
}

// toolInput returns the input of the first tool use named name.
func toolInput(out *bedrockruntime.ConverseOutput, name string) (document.Interface, bool) {
	if out == nil {
		return nil, false
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil {
		return nil, false
	}
	for _, cb := range msg.Value.Content {
		tu, ok := cb.(*types.ContentBlockMemberToolUse)
		if !ok || tu == nil || aws.ToString(tu.Value.Name) != name || tu.Value.Input == nil {
			continue
		}
		return tu.Value.Input, true
	}
	return nil, false
}

// decodeDocument decodes a tool input object into out via encoding/json so out can use ordinary json
// tags and pointer fields for optional values.
func decodeDocument(doc document.Interface, out any) error {
	var input map[string]any
	if err := doc.UnmarshalSmithyDocument(&input); err != nil {
		return err
	}
	b, err := json.Marshal(plain(input))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// plain converts smithy document numbers into float64, recursively.
func plain(val any) any {
	switch v := val.(type) {
	case smithydoc.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case []any:
		for i := range v {
			v[i] = plain(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = plain(v[k])
		}
		return v
	default:
		return v
	}
}
