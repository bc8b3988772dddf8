package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Carrefour", "carrefour"},
		{"Marks & Spencer", "marks-spencer"},
		{"  Trader  Joe's ", "trader-joe-s"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTag(tt.input))
		})
	}
}

func TestKindSpec_Equal(t *testing.T) {
	tests := []struct {
		name     string
		kind     InsightKind
		a, b     string
		expected bool
	}{
		{"brand is case-insensitive", InsightKindBrand, "Coca-Cola", "coca-cola", true},
		{"category codes are exact", InsightKindCategory, "en:beverages", "en:Beverages", false},
		{"category ignores surrounding space", InsightKindCategory, " en:snacks", "en:snacks", true},
		{"weight ignores spacing", InsightKindWeight, "500 g", "500G", true},
		{"spellcheck collapses whitespace", InsightKindSpellcheck, "Sugar,  water", "sugar, water", true},
		{"different labels", InsightKindLabel, "en:organic", "en:fair-trade", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok := LookupKind(tt.kind)
			assert.True(t, ok)
			assert.Equal(t, tt.expected, spec.Equal(tt.a, tt.b))
		})
	}
}

func TestKindSpec_Validate(t *testing.T) {
	date, _ := LookupKind(InsightKindExpirationDate)
	assert.NoError(t, date.Validate("2024-05-01"))
	assert.Error(t, date.Validate("01/05/2024"))

	orientation, _ := LookupKind(InsightKindImageOrientation)
	assert.NoError(t, orientation.Validate("90"))
	assert.Error(t, orientation.Validate("45"))

	category, _ := LookupKind(InsightKindCategory)
	assert.Error(t, category.Validate("   "))
}

func TestLookupKind_Unknown(t *testing.T) {
	_, ok := LookupKind("nutrition_grade")
	assert.False(t, ok)

	for _, kind := range AllInsightKinds() {
		_, ok := LookupKind(kind)
		assert.True(t, ok, "kind %s should be registered", kind)
	}
}

func TestInsightFilter_Matches(t *testing.T) {
	stuck := true
	insight := &Insight{TargetID: "p1", Kind: InsightKindCategory, Status: InsightStatusApplyFailed, Stuck: true}

	assert.True(t, InsightFilter{}.Matches(insight))
	assert.True(t, InsightFilter{TargetID: "p1", Statuses: ActiveInsightStatuses}.Matches(insight))
	assert.False(t, InsightFilter{Kind: InsightKindLabel}.Matches(insight))
	assert.True(t, InsightFilter{Stuck: &stuck}.Matches(insight))
	assert.False(t, InsightFilter{OrderBy: OrderByDecidedAt}.Matches(insight), "undecided insights have no decided_at key")
}
