// Package risk implements the deterministic risk-scoring engine:
// RPN arithmetic, the severity/occurrence risk matrix, and the
// rating-scale definitions used for prompts and justifications.
//
// Everything in this package is pure computation. Model output never
// reaches the engine unchecked; the pipeline coerces ratings into
// range first, so an out-of-range value here indicates an upstream
// defect and is reported as ErrRatingOutOfRange.
package risk

import (
	"fmt"
)

// Level is a risk classification from the matrix.
type Level string

// Risk levels, ordered low < medium < high.
const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Action indicates whether mitigation is required for a risk level.
type Action string

// Action classifications.
const (
	ActionYes   Action = "yes"
	ActionNo    Action = "no"
	ActionMaybe Action = "maybe"
)

// matrix maps [severity-1][occurrence-1] to a risk level.
//
// The table is monotonic non-decreasing along both axes: raising
// severity or occurrence never lowers the classification.
var matrix = [5][5]Level{
	{LevelLow, LevelLow, LevelLow, LevelLow, LevelLow},
	{LevelLow, LevelLow, LevelLow, LevelMedium, LevelMedium},
	{LevelLow, LevelLow, LevelMedium, LevelHigh, LevelHigh},
	{LevelMedium, LevelMedium, LevelHigh, LevelHigh, LevelHigh},
	{LevelMedium, LevelHigh, LevelHigh, LevelHigh, LevelHigh},
}

// checkRange validates that both ratings are in [1,5].
func checkRange(severity, occurrence int) error {
	if severity < 1 || severity > 5 || occurrence < 1 || occurrence > 5 {
		return fmt.Errorf("%w: severity=%d occurrence=%d", ErrRatingOutOfRange, severity, occurrence)
	}
	return nil
}

// CalculateRPN returns the Risk Priority Number, the product of the
// severity and occurrence ratings (range [1,25]).
func CalculateRPN(severity, occurrence int) (int, error) {
	if err := checkRange(severity, occurrence); err != nil {
		return 0, err
	}
	return severity * occurrence, nil
}

// GetRiskLevel looks up the risk classification for a rating pair.
func GetRiskLevel(severity, occurrence int) (Level, error) {
	if err := checkRange(severity, occurrence); err != nil {
		return "", err
	}
	return matrix[severity-1][occurrence-1], nil
}

// GetActionRequired maps a risk level to its action classification:
// high risks require action, medium risks may, low risks do not.
func GetActionRequired(level Level) Action {
	switch level {
	case LevelHigh:
		return ActionYes
	case LevelMedium:
		return ActionMaybe
	default:
		return ActionNo
	}
}
