package pipeline

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
)

// Coercion provenance values reported by CoerceRating.
const (
	coerceSourceInt     = "int"
	coerceSourceString  = "string"
	coerceSourceNested  = "nested"
	coerceSourceDefault = "default"
)

// CoerceRating normalizes a model-provided rating value into [1,5].
//
// Small models return ratings in several shapes: plain numbers,
// numeric strings, or nested objects ({"value": 4, "reason": ...}).
// The rules, in order:
//
//  1. a number or numeric string converts directly;
//  2. a mapping is scanned (keys in sorted order, for determinism)
//     for the first value convertible to an integer;
//  3. anything else, or a converted value outside [1,5], substitutes
//     the neutral default 3.
//
// The returned source records which rule fired; a substitution is
// logged with the field name. Coercion never fails a candidate.
func CoerceRating(field string, value any) (int, string) {
	if rating, ok := toRatingInt(value); ok {
		source := coerceSourceInt
		if _, isString := value.(string); isString {
			source = coerceSourceString
		}
		if rating >= datatypes.MinRating && rating <= datatypes.MaxRating {
			return rating, source
		}
		slog.Warn("rating out of range, substituting neutral default",
			"field", field, "value", rating, "default", datatypes.NeutralRating)
		return datatypes.NeutralRating, coerceSourceDefault
	}

	if nested, ok := value.(map[string]any); ok {
		keys := make([]string, 0, len(nested))
		for k := range nested {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rating, ok := toRatingInt(nested[k])
			if !ok {
				continue
			}
			if rating >= datatypes.MinRating && rating <= datatypes.MaxRating {
				return rating, coerceSourceNested
			}
		}
	}

	slog.Warn("unparseable rating, substituting neutral default",
		"field", field, "value", value, "default", datatypes.NeutralRating)
	return datatypes.NeutralRating, coerceSourceDefault
}

// toRatingInt attempts a direct conversion to int from the value
// shapes encoding/json produces.
func toRatingInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
