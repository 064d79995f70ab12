// Package dietary derives dietary tags and allergen alerts from an analyzed meal. Both are rule-based
// and depend only on item labels and nutrient totals, so the same meal always gets the same answer.
package dietary

import (
	"slices"
	"strings"

	"mealsnap"
	"mealsnap/label"
)

const (
	TagHighProtein = "High-Protein"
	TagLowCarb     = "Keto/Low-Carb"
	TagVegan       = "Vegan"
)

// Thresholds are shares of meal energy.
const (
	HighProteinShare   = 0.30
	HighProteinMinimum = 20.0 // g
	LowCarbShare       = 0.10
)

const (
	kcalPerGramProtein = 4.0
	kcalPerGramCarbs   = 4.0
)

// Tags returns the dietary tags the meal qualifies for, in a fixed order.
func Tags(profile mealsnap.NutrientProfile) []string {
	var tags []string

	kcal := profile.Totals[mealsnap.Calories].Value
	if kcal > 0 {
		protein, ok := profile.Totals[mealsnap.Protein]
		if ok && protein.Value >= HighProteinMinimum && protein.Value*kcalPerGramProtein/kcal >= HighProteinShare {
			tags = append(tags, TagHighProtein)
		}
		if carbs, ok := profile.Totals[mealsnap.Carbs]; ok && carbs.Value*kcalPerGramCarbs/kcal <= LowCarbShare {
			tags = append(tags, TagLowCarb)
		}
	}

	if vegan(profile.Breakdown) {
		tags = append(tags, TagVegan)
	}
	return tags
}

// vegan holds when there is at least one item and no item's label names an animal product.
func vegan(items []mealsnap.ItemContribution) bool {
	if len(items) == 0 {
		return false
	}
	for _, c := range items {
		for _, l := range []string{c.Label, c.ResolvedLabel} {
			if slices.Contains(lookup(animalProducts, l), true) {
				return false
			}
		}
	}
	return true
}

// animalProducts is keyed on folded words. False entries are plant-based labels that contain an
// animal word.
var animalProducts = map[string]bool{
	"chicken": true, "beef": true, "pork": true, "lamb": true, "turkey": true, "duck": true,
	"steak": true, "burger": true, "bacon": true, "ham": true, "sausage": true, "meat": true,
	"meatball": true, "salami": true, "pepperoni": true, "hot dog": true,
	"fish": true, "salmon": true, "tuna": true, "cod": true, "sardine": true, "anchovy": true, "sushi": true,
	"shrimp": true, "prawn": true, "crab": true, "lobster": true, "oyster": true, "mussel": true,
	"clam": true, "scallop": true, "squid": true, "calamari": true,
	"egg": true, "omelette": true, "omelet": true, "mayonnaise": true,
	"milk": true, "cheese": true, "yogurt": true, "butter": true, "cream": true,
	"honey": true, "gelatin": true, "pizza": true, "lasagna": true,

	"peanut butter": false, "almond butter": false, "almond milk": false, "soy milk": false,
	"oat milk": false, "coconut milk": false, "coconut cream": false, "veggie burger": false,
}

// lookup returns m's entries for a label. A match on the whole folded label wins; otherwise every
// word that matches contributes.
func lookup[V any](m map[string]V, l string) []V {
	folded := label.Fold(l)
	if folded == "" {
		return nil
	}
	for _, k := range []string{folded, label.Singular(folded)} {
		if v, ok := m[k]; ok {
			return []V{v}
		}
	}
	var out []V
	for _, w := range strings.Fields(folded) {
		if v, ok := m[w]; ok {
			out = append(out, v)
		} else if v, ok := m[label.Singular(w)]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Allergen names, in the order alerts list them.
const (
	AllergenPeanuts   = "Peanuts"
	AllergenTreeNuts  = "Tree Nuts"
	AllergenShellfish = "Shellfish"
	AllergenFish      = "Fish"
	AllergenMilk      = "Milk"
	AllergenEgg       = "Egg"
	AllergenGluten    = "Gluten"
	AllergenSoy       = "Soy"
	AllergenSesame    = "Sesame"
)

var allergenOrder = []string{
	AllergenPeanuts, AllergenTreeNuts, AllergenShellfish, AllergenFish,
	AllergenMilk, AllergenEgg, AllergenGluten, AllergenSoy, AllergenSesame,
}

// severe allergens commonly cause anaphylaxis and raise the alert to high.
var severe = map[string]bool{
	AllergenPeanuts:   true,
	AllergenTreeNuts:  true,
	AllergenShellfish: true,
	AllergenFish:      true,
}

// AllergenTable maps folded food words to the allergens they usually carry.
type AllergenTable map[string][]string

// DefaultAllergens covers the major allergen groups.
var DefaultAllergens = AllergenTable{
	"peanut":        {AllergenPeanuts},
	"peanut butter": {AllergenPeanuts},
	"satay":         {AllergenPeanuts},
	"almond":        {AllergenTreeNuts},
	"cashew":        {AllergenTreeNuts},
	"walnut":        {AllergenTreeNuts},
	"pecan":         {AllergenTreeNuts},
	"pistachio":     {AllergenTreeNuts},
	"hazelnut":      {AllergenTreeNuts},
	"almond milk":   {AllergenTreeNuts},
	"almond butter": {AllergenTreeNuts},
	"pesto":         {AllergenTreeNuts, AllergenMilk},
	"shrimp":        {AllergenShellfish},
	"prawn":         {AllergenShellfish},
	"crab":          {AllergenShellfish},
	"lobster":       {AllergenShellfish},
	"oyster":        {AllergenShellfish},
	"mussel":        {AllergenShellfish},
	"clam":          {AllergenShellfish},
	"scallop":       {AllergenShellfish},
	"fish":          {AllergenFish},
	"salmon":        {AllergenFish},
	"tuna":          {AllergenFish},
	"cod":           {AllergenFish},
	"sardine":       {AllergenFish},
	"anchovy":       {AllergenFish},
	"sushi":         {AllergenFish, AllergenSoy},
	"milk":          {AllergenMilk},
	"cheese":        {AllergenMilk},
	"yogurt":        {AllergenMilk},
	"butter":        {AllergenMilk},
	"cream":         {AllergenMilk},
	"egg":           {AllergenEgg},
	"omelette":      {AllergenEgg},
	"omelet":        {AllergenEgg},
	"mayonnaise":    {AllergenEgg},
	"bread":         {AllergenGluten},
	"toast":         {AllergenGluten},
	"bagel":         {AllergenGluten},
	"croissant":     {AllergenGluten, AllergenMilk},
	"sandwich":      {AllergenGluten},
	"burger":        {AllergenGluten},
	"pasta":         {AllergenGluten},
	"noodles":       {AllergenGluten},
	"wheat":         {AllergenGluten},
	"pizza":         {AllergenGluten, AllergenMilk},
	"lasagna":       {AllergenGluten, AllergenMilk},
	"cake":          {AllergenGluten, AllergenEgg, AllergenMilk},
	"cookie":        {AllergenGluten},
	"doughnut":      {AllergenGluten},
	"pancake":       {AllergenGluten, AllergenEgg, AllergenMilk},
	"waffle":        {AllergenGluten, AllergenEgg, AllergenMilk},
	"tofu":          {AllergenSoy},
	"edamame":       {AllergenSoy},
	"tempeh":        {AllergenSoy},
	"miso":          {AllergenSoy},
	"soy":           {AllergenSoy},
	"soy milk":      {AllergenSoy},
	"oat milk":      {},
	"coconut milk":  {},
	"coconut cream": {},
	"sesame":        {AllergenSesame},
	"tahini":        {AllergenSesame},
	"hummus":        {AllergenSesame},
}

// Alert checks every item, counted or excluded, against the table. An item without nutrient data
// can still carry an allergen.
func (t AllergenTable) Alert(profile mealsnap.NutrientProfile) mealsnap.AllergenAlert {
	found := map[string]bool{}
	for _, c := range profile.Breakdown {
		for _, l := range []string{c.Label, c.ResolvedLabel} {
			for _, group := range lookup(t, l) {
				for _, a := range group {
					found[a] = true
				}
			}
		}
	}

	alert := mealsnap.AllergenAlert{RiskLevel: mealsnap.RiskLow}
	for _, a := range allergenOrder {
		if found[a] {
			alert.Detected = append(alert.Detected, a)
			delete(found, a)
		}
	}
	// Allergens from a custom table that are not in the standard order go last.
	var extra []string
	for a := range found {
		extra = append(extra, a)
	}
	slices.Sort(extra)
	alert.Detected = append(alert.Detected, extra...)

	switch {
	case slices.ContainsFunc(alert.Detected, func(a string) bool { return severe[a] }):
		alert.RiskLevel = mealsnap.RiskHigh
		alert.Advice = "Contains " + strings.Join(alert.Detected, ", ") + ". Avoid this meal if you are allergic to any of these; reactions can be severe."
	case len(alert.Detected) > 0:
		alert.RiskLevel = mealsnap.RiskMedium
		alert.Advice = "May contain " + strings.Join(alert.Detected, ", ") + ". Check ingredients if you have a sensitivity."
	default:
		alert.Advice = "No common allergens recognized. Hidden ingredients such as sauces can still contain them."
	}
	return alert
}
