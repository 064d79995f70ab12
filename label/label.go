// Package label normalizes free-text food labels into lookup keys.
package label

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold returns the NFC-normalized, case-folded form of s with runs of whitespace collapsed.
func Fold(s string) string {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	// A Caser keeps state between calls and is not safe to share.
	return cases.Fold().String(s)
}

// Singular applies English plural rules to the last word of an already folded label.
func Singular(s string) string {
	i := strings.LastIndexByte(s, ' ')
	head, last := s[:i+1], s[i+1:]
	return head + singularWord(last)
}

func singularWord(w string) string {
	if len(w) <= 3 {
		return w
	}
	if irregular, ok := irregulars[w]; ok {
		return irregular
	}
	switch {
	case strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "oes"),
		strings.HasSuffix(w, "ches"),
		strings.HasSuffix(w, "shes"),
		strings.HasSuffix(w, "xes"),
		strings.HasSuffix(w, "sses"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ss"),
		strings.HasSuffix(w, "us"),
		strings.HasSuffix(w, "is"):
		return w
	case strings.HasSuffix(w, "s"):
		return w[:len(w)-1]
	}
	return w
}

var irregulars = map[string]string{
	"leaves":  "leaf",
	"loaves":  "loaf",
	"knives":  "knife",
	"halves":  "half",
	"geese":   "goose",
	"mice":    "mouse",
	"teeth":   "tooth",
	"cookies": "cookie",
	"fries":   "fries",
	"greens":  "greens",
	"oats":    "oats",
	"grits":   "grits",
}

// Synonyms maps folded alternative names to the folded name a table is keyed on.
type Synonyms map[string]string

// DefaultSynonyms covers regional and menu names of common foods.
var DefaultSynonyms = Synonyms{
	"aubergine":      "eggplant",
	"courgette":      "zucchini",
	"prawn":          "shrimp",
	"garbanzo bean":  "chickpea",
	"garbanzo":       "chickpea",
	"scallion":       "green onion",
	"spring onion":   "green onion",
	"spaghetti":      "pasta",
	"penne":          "pasta",
	"macaroni":       "pasta",
	"fusilli":        "pasta",
	"white rice":     "rice",
	"steamed rice":   "rice",
	"fried rice":     "rice",
	"chips":          "french fries",
	"fries":          "french fries",
	"french fry":     "french fries",
	"yoghurt":        "yogurt",
	"donut":          "doughnut",
	"hamburger":      "burger",
	"cheeseburger":   "burger",
	"chicken breast": "grilled chicken",
	"roast chicken":  "chicken",
	"fried egg":      "egg",
	"boiled egg":     "egg",
	"scrambled eggs": "egg",
	"scrambled egg":  "egg",
	"porridge":       "oatmeal",
	"beef steak":     "steak",
	"ramen":          "noodles",
	"noodle":         "noodles",
	"soda":           "soft drink",
	"cola":           "soft drink",
	"green salad":    "salad",
	"lettuce":        "salad",
	"capsicum":       "bell pepper",
	"sweet pepper":   "bell pepper",
	"maize":          "corn",
	"sweetcorn":      "corn",
}

// Forms returns the distinct lookup keys for raw, most faithful first: the folded label, its singular,
// then synonym targets of either.
func (syn Synonyms) Forms(raw string) []string {
	folded := Fold(raw)
	if folded == "" {
		return nil
	}
	out := []string{folded}
	add := func(s string) {
		if s == "" {
			return
		}
		for _, o := range out {
			if o == s {
				return
			}
		}
		out = append(out, s)
	}
	single := Singular(folded)
	add(single)
	add(syn[folded])
	add(syn[single])
	return out
}
