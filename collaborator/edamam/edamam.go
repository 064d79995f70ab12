// Package edamam implements the nutrient reference collaborator over the Edamam Food Database
// parser endpoint.
package edamam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"mealsnap"
	"mealsnap/label"
)

const defaultBaseURL = "https://api.edamam.com"

// nutrientCodes maps Edamam nutrient codes onto kinds. Edamam reports per 100 g.
var nutrientCodes = map[string]mealsnap.NutrientKind{
	"ENERC_KCAL": mealsnap.Calories,
	"PROCNT":     mealsnap.Protein,
	"CHOCDF":     mealsnap.Carbs,
	"FAT":        mealsnap.Fat,
	"FIBTG":      mealsnap.Fiber,
	"SUGAR":      mealsnap.Sugar,
	"NA":         mealsnap.Sodium,
}

type food struct {
	FoodID    string             `json:"foodId"`
	Label     string             `json:"label"`
	Nutrients map[string]float64 `json:"nutrients"`
}

type parserResponse struct {
	Parsed []struct {
		Food food `json:"food"`
	} `json:"parsed"`
	Hints []struct {
		Food food `json:"food"`
	} `json:"hints"`
}

type Options struct {
	AppID      string
	AppKey     string
	BaseURL    string
	HTTPClient mealsnap.HTTPClient
}

// Reference is a mealsnap.ReferenceClient. A label is found when Edamam parses it to a food, or
// when one of its hints carries the same label.
type Reference struct {
	appID, appKey string
	baseURL       string
	client        mealsnap.HTTPClient
}

func NewReference(opts Options) (*Reference, error) {
	if opts.AppID == "" || opts.AppKey == "" {
		return nil, fmt.Errorf("edamam app id and key are required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Reference{
		appID:   opts.AppID,
		appKey:  opts.AppKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  opts.HTTPClient,
	}, nil
}

func (r *Reference) Lookup(ctx context.Context, query string) (map[mealsnap.NutrientKind]float64, bool, error) {
	q := url.Values{}
	q.Set("ingr", query)
	q.Set("app_id", r.appID)
	q.Set("app_key", r.appKey)
	q.Set("nutrition-type", "cooking")
	u := r.baseURL + "/api/food-database/v2/parser?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create parser request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to call Edamam parser: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read Edamam parser response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &mealsnap.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var pr parserResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, false, fmt.Errorf("%w: parse Edamam parser JSON: %w", mealsnap.ErrMalformedResponse, err)
	}

	f, ok := pick(pr, query)
	if !ok {
		slog.Info("EDAMAM: No match", "query", query, "hints", len(pr.Hints))
		return nil, false, nil
	}

	perGram := make(map[mealsnap.NutrientKind]float64, len(f.Nutrients))
	for code, per100 := range f.Nutrients {
		if kind, ok := nutrientCodes[code]; ok {
			perGram[kind] = per100 / 100
		}
	}
	if len(perGram) == 0 {
		return nil, false, nil
	}
	slog.Info("EDAMAM: Matched", "query", query, "food_id", f.FoodID, "label", f.Label, "nutrients", len(perGram))
	return perGram, true, nil
}

func pick(pr parserResponse, query string) (food, bool) {
	if len(pr.Parsed) > 0 {
		return pr.Parsed[0].Food, true
	}
	want := label.Fold(query)
	for _, h := range pr.Hints {
		if label.Fold(h.Food.Label) == want {
			return h.Food, true
		}
	}
	return food{}, false
}
