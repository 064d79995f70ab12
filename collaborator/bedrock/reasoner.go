package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"mealsnap"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const reasoningPrompt = `You are a nutrition coach. You receive a goal and a ranked list of nutrient deltas for one
meal: target minus actual, so a positive delta means the meal is short of the target and a negative
one means it is over. Write at most three short, practical insights, most important first.
When "hedge" is true the portion sizes are rough estimates; say so gently.
Never invent nutrients that are not in the list. No medical advice.`

// Reasoner is a mealsnap.ReasoningClient. The model only ever sees the structured request.
type Reasoner struct {
	llm *LLMClient
}

func NewReasoner(llm *LLMClient) *Reasoner {
	return &Reasoner{llm: llm}
}

func (r *Reasoner) Insights(ctx context.Context, req mealsnap.InsightRequest) ([]string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal insight request: %w", err)
	}
	content := []types.ContentBlock{
		&types.ContentBlockMemberText{Value: string(payload)},
	}

	var out wireInsights
	if err := r.llm.CallTool(ctx, reasoningPrompt, content, insightsTool(), &out); err != nil {
		return nil, fmt.Errorf("%w: %w", mealsnap.ErrReasoningUnavailable, err)
	}
	return out.Insights, nil
}
