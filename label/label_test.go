package label

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Rice", "rice"},
		{"  Grilled   Chicken ", "grilled chicken"},
		{"CAFÉ AU LAIT", "café au lait"},
		{"Straße", "strasse"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.in))
		})
	}
}

func TestSingular(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"berries", "berry"},
		{"potatoes", "potato"},
		{"sandwiches", "sandwich"},
		{"radishes", "radish"},
		{"boxes", "box"},
		{"carrots", "carrot"},
		{"green beans", "green bean"},
		{"hummus", "hummus"},
		{"couscous", "couscous"},
		{"french fries", "french fries"},
		{"oats", "oats"},
		{"cookies", "cookie"},
		{"pea", "pea"},
		{"rice", "rice"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Singular(tt.in))
		})
	}
}

func TestForms(t *testing.T) {
	assert.Equal(t, []string{"prawns", "prawn", "shrimp"}, DefaultSynonyms.Forms("Prawns"))
	assert.Equal(t, []string{"rice"}, DefaultSynonyms.Forms("RICE"))
	assert.Equal(t, []string{"white rice", "rice"}, DefaultSynonyms.Forms("White  Rice"))
	assert.Equal(t, []string{"chips", "chip", "french fries"}, DefaultSynonyms.Forms("Chips"))
	assert.Nil(t, DefaultSynonyms.Forms("   "))
}
