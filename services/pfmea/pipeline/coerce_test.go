package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoerceRating_DirectValues(t *testing.T) {
	cases := []struct {
		name   string
		value  any
		want   int
		source string
	}{
		{"int", 4, 4, coerceSourceInt},
		{"json_float", float64(2), 2, coerceSourceInt},
		{"numeric_string", "5", 5, coerceSourceString},
		{"padded_string", " 3 ", 3, coerceSourceString},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, source := CoerceRating("severity", tc.value)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.source, source)
		})
	}
}

func TestCoerceRating_NestedMapping(t *testing.T) {
	got, source := CoerceRating("severity", map[string]any{
		"reason": "operator fatigue",
		"value":  float64(4),
	})
	assert.Equal(t, 4, got)
	assert.Equal(t, coerceSourceNested, source)
}

func TestCoerceRating_NestedScanIsDeterministic(t *testing.T) {
	// Keys scan in sorted order, so "a" wins over "b".
	got, _ := CoerceRating("occurrence", map[string]any{
		"b": float64(5),
		"a": float64(2),
	})
	assert.Equal(t, 2, got)
}

func TestCoerceRating_DefaultsToNeutral(t *testing.T) {
	cases := []struct {
		name  string
		value any
	}{
		{"nil", nil},
		{"prose", "quite severe"},
		{"fractional", 3.7},
		{"below_range", 0},
		{"above_range", 9},
		{"above_range_string", "12"},
		{"nested_without_numbers", map[string]any{"note": "n/a"}},
		{"list", []any{4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, source := CoerceRating("severity", tc.value)
			assert.Equal(t, 3, got)
			assert.Equal(t, coerceSourceDefault, source)
		})
	}
}

func TestCoerceRating_NestedOutOfRangeFallsThrough(t *testing.T) {
	// An out-of-range nested value is skipped; with nothing else
	// convertible the neutral default applies.
	got, source := CoerceRating("severity", map[string]any{"value": float64(11)})
	assert.Equal(t, 3, got)
	assert.Equal(t, coerceSourceDefault, source)
}
