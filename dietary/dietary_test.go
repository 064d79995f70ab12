package dietary

import (
	"testing"

	"mealsnap"

	"github.com/stretchr/testify/assert"
)

func item(l, resolved string) mealsnap.ItemContribution {
	return mealsnap.ItemContribution{Label: l, ResolvedLabel: resolved}
}

func totals(kcal, protein, carbs float64) map[mealsnap.NutrientKind]mealsnap.Measure {
	t := map[mealsnap.NutrientKind]mealsnap.Measure{mealsnap.Calories: {Value: kcal}}
	if protein >= 0 {
		t[mealsnap.Protein] = mealsnap.Measure{Value: protein}
	}
	if carbs >= 0 {
		t[mealsnap.Carbs] = mealsnap.Measure{Value: carbs}
	}
	return t
}

func TestTags(t *testing.T) {
	tests := []struct {
		name    string
		profile mealsnap.NutrientProfile
		want    []string
	}{
		{
			name: "lean protein plate",
			profile: mealsnap.NutrientProfile{
				Totals:    totals(500, 45, 10),
				Breakdown: []mealsnap.ItemContribution{item("Grilled Chicken", "grilled chicken"), item("Broccoli", "broccoli")},
			},
			want: []string{TagHighProtein, TagLowCarb},
		},
		{
			name: "protein share without enough grams",
			profile: mealsnap.NutrientProfile{
				Totals:    totals(100, 10, -1),
				Breakdown: []mealsnap.ItemContribution{item("Tofu", "tofu")},
			},
			want: []string{TagVegan},
		},
		{
			name: "plant plate with nut butter",
			profile: mealsnap.NutrientProfile{
				Totals:    totals(600, 15, 80),
				Breakdown: []mealsnap.ItemContribution{item("Rice", "rice"), item("Peanut Butter", "peanut butter")},
			},
			want: []string{TagVegan},
		},
		{
			name: "plural animal word",
			profile: mealsnap.NutrientProfile{
				Totals:    totals(300, 12, 40),
				Breakdown: []mealsnap.ItemContribution{item("Scrambled Eggs", "egg"), item("Toast", "")},
			},
		},
		{
			name:    "nothing on the plate",
			profile: mealsnap.NutrientProfile{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tags(tt.profile))
		})
	}
}

func TestAlert(t *testing.T) {
	tests := []struct {
		name     string
		table    AllergenTable
		items    []mealsnap.ItemContribution
		wantRisk mealsnap.RiskLevel
		want     []string
	}{
		{
			name:     "shellfish by synonym",
			items:    []mealsnap.ItemContribution{item("Prawns", "shrimp"), item("Rice", "rice")},
			wantRisk: mealsnap.RiskHigh,
			want:     []string{AllergenShellfish},
		},
		{
			name:     "words of a dish",
			items:    []mealsnap.ItemContribution{item("Cheese Pizza", "pizza"), item("Salad", "salad")},
			wantRisk: mealsnap.RiskMedium,
			want:     []string{AllergenMilk, AllergenGluten},
		},
		{
			name:     "whole label wins over its words",
			items:    []mealsnap.ItemContribution{item("Peanut Butter", "")},
			wantRisk: mealsnap.RiskHigh,
			want:     []string{AllergenPeanuts},
		},
		{
			name:     "plant milk",
			items:    []mealsnap.ItemContribution{item("Coconut Milk", "")},
			wantRisk: mealsnap.RiskLow,
		},
		{
			name: "excluded items still count",
			items: []mealsnap.ItemContribution{
				{Label: "Tofu", Excluded: true, ExclusionReason: "nutrient_reference_miss"},
			},
			wantRisk: mealsnap.RiskMedium,
			want:     []string{AllergenSoy},
		},
		{
			name:     "nothing recognized",
			items:    []mealsnap.ItemContribution{item("Broccoli", "broccoli")},
			wantRisk: mealsnap.RiskLow,
		},
		{
			name:     "custom table",
			table:    AllergenTable{"kiwi": {"Kiwi"}, "egg": {AllergenEgg}},
			items:    []mealsnap.ItemContribution{item("Kiwi Slices", "kiwi"), item("Boiled Egg", "egg")},
			wantRisk: mealsnap.RiskMedium,
			want:     []string{AllergenEgg, "Kiwi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := tt.table
			if table == nil {
				table = DefaultAllergens
			}
			alert := table.Alert(mealsnap.NutrientProfile{Breakdown: tt.items})

			assert.Equal(t, tt.wantRisk, alert.RiskLevel)
			assert.Equal(t, tt.want, alert.Detected)
			assert.NotEmpty(t, alert.Advice)
			for _, a := range tt.want {
				assert.Contains(t, alert.Advice, a)
			}
		})
	}
}
