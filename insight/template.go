package insight

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"mealsnap"
)

var kindNames = map[mealsnap.NutrientKind]string{
	mealsnap.Calories: "calories",
	mealsnap.Protein:  "protein",
	mealsnap.Carbs:    "carbohydrates",
	mealsnap.Fat:      "fat",
	mealsnap.Fiber:    "fiber",
	mealsnap.Sugar:    "sugar",
	mealsnap.Sodium:   "sodium",
}

var addSuggestions = map[mealsnap.NutrientKind]string{
	mealsnap.Calories: "a wholesome side to reach your energy needs",
	mealsnap.Protein:  "a lean protein such as chicken, fish, tofu or eggs",
	mealsnap.Carbs:    "a serving of whole grains or fruit",
	mealsnap.Fat:      "a source of healthy fats such as avocado or nuts",
	mealsnap.Fiber:    "vegetables, legumes or whole grains",
}

var cutSuggestions = map[mealsnap.NutrientKind]string{
	mealsnap.Calories: "Consider a smaller portion or a lighter side next time.",
	mealsnap.Protein:  "Balance the rest of the day with more plant-based foods.",
	mealsnap.Carbs:    "Consider swapping some starch for non-starchy vegetables.",
	mealsnap.Fat:      "Consider leaner cooking methods such as grilling or steaming.",
	mealsnap.Sugar:    "Consider water or unsweetened drinks with your next meal.",
	mealsnap.Sodium:   "Consider lower-sodium options for the rest of the day.",
}

// Template renders the deterministic recommendation for the top-ranked delta.
func Template(goal mealsnap.GoalKind, deltas []mealsnap.NutrientDelta) string {
	if len(deltas) == 0 {
		return "No nutrients could be estimated for this meal, so no recommendation is available."
	}
	top := deltas[0]
	name := kindNames[top.Kind]
	if name == "" {
		name = string(top.Kind)
	}
	amount := fmt.Sprintf("%.0f %s", math.Abs(top.Delta), top.Kind.Unit())

	if math.Abs(top.Relative) < 0.1 {
		return fmt.Sprintf("This meal fits your %s goal well; %s are within %s of the target.", goalName(goal), name, amount)
	}
	if top.Delta > 0 {
		text := fmt.Sprintf("This meal is low in %s for your %s goal, about %s under target.", name, goalName(goal), amount)
		if s, ok := addSuggestions[top.Kind]; ok {
			text += " Consider adding " + s + "."
		}
		return text
	}
	text := fmt.Sprintf("This meal is high in %s for your %s goal, about %s over target.", name, goalName(goal), amount)
	if s, ok := cutSuggestions[top.Kind]; ok {
		text += " " + s
	}
	return text
}

func goalName(g mealsnap.GoalKind) string {
	switch g {
	case mealsnap.GoalWeightLoss:
		return "weight loss"
	case mealsnap.GoalMuscleGain:
		return "muscle gain"
	case mealsnap.GoalKeto:
		return "keto"
	default:
		return "balanced eating"
	}
}

// decorate adds the caveats behind a hedged recommendation. approximate marks portions taken from
// default priors; excluded counts items left out of the totals.
func decorate(text string, approximate bool, excluded int) string {
	switch {
	case approximate:
		text = "Portion sizes are approximate. " + text
	case excluded > 0:
		text = "Totals cover only the items that could be analyzed. " + text
	}
	if excluded == 1 {
		text += " One item could not be analyzed and is not counted."
	} else if excluded > 1 {
		text += fmt.Sprintf(" %d items could not be analyzed and are not counted.", excluded)
	}
	return text
}

// Sanitize cleans untrusted collaborator text: control characters become spaces, whitespace is
// collapsed, each insight is capped at maxRunes and empty or repeated insights are dropped.
func Sanitize(raw []string, limit, maxRunes int) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range raw {
		s = strings.Map(func(r rune) rune {
			if r == utf8.RuneError || unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
				return ' '
			}
			return r
		}, s)
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			continue
		}
		if utf8.RuneCountInString(s) > maxRunes {
			r := []rune(s)
			s = strings.TrimSpace(string(r[:maxRunes-1])) + "…"
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}
