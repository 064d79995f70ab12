// Package table implements the nutrient reference collaborator over a JSON table of per-100 g
// values. An embedded table ships with the package; LoadReference reads one from a source.
package table

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"mealsnap"
	"mealsnap/label"
	"mealsnap/source"
)

//go:embed nutrients.json
var defaultTable []byte

type entry struct {
	Label   string                            `json:"label"`
	Aliases []string                          `json:"aliases,omitempty"`
	Per100g map[mealsnap.NutrientKind]float64 `json:"per_100g"`
}

type document struct {
	Entries []entry `json:"entries"`
}

// Reference is a mealsnap.ReferenceClient keyed on folded labels. It never fails.
type Reference struct {
	perGram map[string]map[mealsnap.NutrientKind]float64
}

// Default returns a Reference over the embedded table.
func Default() *Reference {
	r, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded nutrient table: %v", err))
	}
	return r
}

// LoadReference loads a table from src.
func LoadReference(ctx context.Context, src source.Source) (*Reference, error) {
	data, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load nutrient table: %w", err)
	}
	return Parse(data)
}

// Parse decodes a table document. Unknown nutrient kinds are ignored; negative or non-finite
// values reject the whole table.
func Parse(data []byte) (*Reference, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse nutrient table: %w", err)
	}

	known := make(map[mealsnap.NutrientKind]bool, len(mealsnap.NutrientKinds))
	for _, k := range mealsnap.NutrientKinds {
		known[k] = true
	}

	r := &Reference{perGram: make(map[string]map[mealsnap.NutrientKind]float64, len(doc.Entries))}
	for i, e := range doc.Entries {
		key := label.Fold(e.Label)
		if key == "" {
			return nil, fmt.Errorf("nutrient table entry %d has no label", i)
		}
		values := make(map[mealsnap.NutrientKind]float64, len(e.Per100g))
		for kind, v := range e.Per100g {
			if !known[kind] {
				continue
			}
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("nutrient table entry %q: invalid %s value %v", e.Label, kind, v)
			}
			values[kind] = v / 100
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("nutrient table entry %q has no known nutrients", e.Label)
		}
		r.perGram[key] = values
		for _, a := range e.Aliases {
			if ak := label.Fold(a); ak != "" {
				r.perGram[ak] = values
			}
		}
	}

	slog.Debug("TABLE: Nutrient table parsed", "entries", len(doc.Entries), "keys", len(r.perGram))
	return r, nil
}

func (r *Reference) Lookup(ctx context.Context, query string) (map[mealsnap.NutrientKind]float64, bool, error) {
	values, ok := r.perGram[label.Fold(query)]
	if !ok {
		return nil, false, nil
	}
	out := make(map[mealsnap.NutrientKind]float64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, true, nil
}

// Len returns the number of lookup keys, aliases included.
func (r *Reference) Len() int { return len(r.perGram) }
