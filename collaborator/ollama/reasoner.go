// Package ollama implements the reasoning collaborator over a local Ollama /api/chat endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"mealsnap"
)

const systemPrompt = `You are a nutrition coach. The user message is JSON with a goal and a ranked list of nutrient
deltas for one meal (target minus actual: positive means short of target, negative means over).
Reply with JSON only, shaped {"insights": ["...", "..."]}, at most three short practical insights,
most important first. When "hedge" is true, mention that portions are estimates.`

type options struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Format   string    `json:"format,omitempty"`
	Stream   bool      `json:"stream"`
	Options  options   `json:"options,omitempty"`
}

type wireResponse struct {
	Message Message `json:"message"`
}

type Reasoner struct {
	endpoint   string
	model      string
	httpClient mealsnap.HTTPClient
	options    options
}

type ReasonerOpts struct {
	BaseEndpoint string
	ModelID      string
	HTTPClient   mealsnap.HTTPClient
}

func NewReasoner(opts ReasonerOpts) (*Reasoner, error) {
	if strings.TrimSpace(opts.ModelID) == "" {
		return nil, fmt.Errorf("ollama model id is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Reasoner{
		endpoint:   strings.TrimRight(opts.BaseEndpoint, "/") + "/api/chat",
		model:      opts.ModelID,
		httpClient: opts.HTTPClient,
		options: options{
			Temperature:   0.2,
			TopP:          0.9,
			RepeatPenalty: 1.05,
			NumCtx:        4096,
		},
	}, nil
}

// Insights sends the structured request and parses the model's JSON reply.
func (r *Reasoner) Insights(ctx context.Context, req mealsnap.InsightRequest) ([]string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal insight request: %w", err)
	}

	reqBytes, err := json.Marshal(wireRequest{
		Model: r.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(payload)},
		},
		Format:  "json",
		Stream:  false,
		Options: r.options,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Info("OLLAMA: Requesting insights", "model", r.model, "deltas", len(req.Deltas))
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mealsnap.ErrReasoningUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w", mealsnap.ErrReasoningUnavailable, &mealsnap.StatusError{Code: resp.StatusCode, Body: string(body)})
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("%w: decode chat response: %w", mealsnap.ErrMalformedResponse, err)
	}

	var out struct {
		Insights []string `json:"insights"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(wr.Message.Content)), &out); err != nil {
		slog.Warn("OLLAMA: Reply was not the requested JSON", "error", err, "content_length", len(wr.Message.Content))
		return nil, fmt.Errorf("%w: decode insights: %w", mealsnap.ErrMalformedResponse, err)
	}
	return out.Insights, nil
}
