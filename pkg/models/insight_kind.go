package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// InsightKind tags what product field an insight proposes to update.
type InsightKind string

// Insight kind constants.
const (
	InsightKindCategory         InsightKind = "category"
	InsightKindLabel            InsightKind = "label"
	InsightKindWeight           InsightKind = "weight"
	InsightKindBrand            InsightKind = "brand"
	InsightKindPackagerCode     InsightKind = "packager_code"
	InsightKindExpirationDate   InsightKind = "expiration_date"
	InsightKindStore            InsightKind = "store"
	InsightKindImageOrientation InsightKind = "image_orientation"
	InsightKindSpellcheck       InsightKind = "spellcheck"
	InsightKindAbusiveImage     InsightKind = "abusive_image"
)

// KindSpec is the per-kind capability table entry: how values of the kind
// are validated and normalized. Two values are equal when their normalized
// forms are equal.
type KindSpec struct {
	Kind      InsightKind
	Normalize func(string) string
	Validate  func(string) error
}

// Equal compares two values with the kind's equality.
func (k KindSpec) Equal(a, b string) bool {
	return k.Normalize(a) == k.Normalize(b)
}

var kindSpecs = map[InsightKind]KindSpec{
	InsightKindCategory:         {Kind: InsightKindCategory, Normalize: normalizeCode, Validate: requireNonEmpty},
	InsightKindLabel:            {Kind: InsightKindLabel, Normalize: normalizeCode, Validate: requireNonEmpty},
	InsightKindWeight:           {Kind: InsightKindWeight, Normalize: normalizeQuantity, Validate: requireNonEmpty},
	InsightKindBrand:            {Kind: InsightKindBrand, Normalize: NormalizeTag, Validate: requireNonEmpty},
	InsightKindPackagerCode:     {Kind: InsightKindPackagerCode, Normalize: normalizeCode, Validate: requireNonEmpty},
	InsightKindExpirationDate:   {Kind: InsightKindExpirationDate, Normalize: strings.TrimSpace, Validate: validateISODate},
	InsightKindStore:            {Kind: InsightKindStore, Normalize: NormalizeTag, Validate: requireNonEmpty},
	InsightKindImageOrientation: {Kind: InsightKindImageOrientation, Normalize: strings.TrimSpace, Validate: validateOrientation},
	InsightKindSpellcheck:       {Kind: InsightKindSpellcheck, Normalize: normalizeText, Validate: requireNonEmpty},
	InsightKindAbusiveImage:     {Kind: InsightKindAbusiveImage, Normalize: strings.TrimSpace, Validate: requireNonEmpty},
}

// LookupKind returns the spec for a kind, or false for unknown kinds.
func LookupKind(kind InsightKind) (KindSpec, bool) {
	spec, ok := kindSpecs[kind]
	return spec, ok
}

// AllInsightKinds returns every known kind.
func AllInsightKinds() []InsightKind {
	return []InsightKind{
		InsightKindCategory,
		InsightKindLabel,
		InsightKindWeight,
		InsightKindBrand,
		InsightKindPackagerCode,
		InsightKindExpirationDate,
		InsightKindStore,
		InsightKindImageOrientation,
		InsightKindSpellcheck,
		InsightKindAbusiveImage,
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeTag turns free text into a tag: "Marks & Spencer" -> "marks-spencer".
func NormalizeTag(value string) string {
	tag := strings.ToLower(strings.TrimSpace(value))
	tag = strings.ReplaceAll(tag, " & ", "-")
	tag = whitespaceRun.ReplaceAllString(tag, "-")
	tag = strings.ReplaceAll(tag, "'", "-")
	return tag
}

// normalizeCode compares taxonomy tags and codes exactly, ignoring only
// surrounding whitespace.
func normalizeCode(value string) string {
	return strings.TrimSpace(value)
}

func normalizeText(value string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), " ")
}

func normalizeQuantity(value string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "")
}

func requireNonEmpty(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

func validateISODate(value string) error {
	if _, err := time.Parse(time.DateOnly, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("expiration date must be YYYY-MM-DD: %w", err)
	}
	return nil
}

func validateOrientation(value string) error {
	switch strings.TrimSpace(value) {
	case "0", "90", "180", "270":
		return nil
	}
	return fmt.Errorf("image orientation must be one of 0, 90, 180, 270")
}
