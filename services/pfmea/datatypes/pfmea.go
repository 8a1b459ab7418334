// Package datatypes provides data structures for the PFMEA service.
//
// This file contains the core analysis records: the process steps that
// feed the pipeline, the intermediate candidate and rating state owned
// by a single pipeline task, and the terminal PFMEA result.
package datatypes

// Rating bounds for severity and occurrence. The engine rejects values
// outside this range; the pipeline coerces model output into it.
const (
	MinRating = 1
	MaxRating = 5

	// NeutralRating is substituted when a model rating cannot be
	// parsed or falls outside [MinRating, MaxRating].
	NeutralRating = 3
)

// ProcessStep is one operation or subprocess unit of a work
// instruction. Steps are produced by the document-parsing collaborator
// and are read-only to the pipeline.
type ProcessStep struct {
	Operation    string   `json:"operation" binding:"required"`
	Subprocess   string   `json:"subprocess,omitempty"`
	Details      string   `json:"details,omitempty"`
	Steps        []string `json:"steps,omitempty"`
	Equipment    string   `json:"equipment,omitempty"`
	ControlPoint string   `json:"control_point,omitempty"`
}

// StepContext carries document-level context shared by every step of
// one work instruction.
type StepContext struct {
	Equipment     []string `json:"equipment,omitempty"`
	ControlPoints []string `json:"control_points,omitempty"`
}

// FailureModeCandidate is one (failure mode, effect) pair produced by
// the ANALYZE phase. Candidates are ephemeral; each surviving candidate
// yields exactly one PFMEAResult.
type FailureModeCandidate struct {
	FailureMode     string `json:"failure_mode"`
	PotentialEffect string `json:"potential_effect"`
}

// RatingState is the mutable rating state of one candidate across the
// validate/correct loop. It is owned exclusively by the pipeline task
// processing that candidate and needs no locking.
type RatingState struct {
	Severity                int
	Occurrence              int
	SeverityJustification   string
	OccurrenceJustification string
	RetryCount              int
}

// ValidationOutcome is the parsed result of one VALIDATE call. It is
// consumed immediately; corrected ratings are nil when the model left
// the corresponding value unchanged.
type ValidationOutcome struct {
	IsValid             bool
	Issues              []string
	CorrectedSeverity   *int
	CorrectedOccurrence *int
	Reasoning           string
	CorrectionReasoning string
}

// PFMEAResult is the terminal record for one surviving failure-mode
// candidate. It is created once at FINALIZE and immutable thereafter.
//
// Invariants: Severity and Occurrence are in [1,5]; RPN is their
// product; RiskLevel and ActionRequired are derived from the risk
// matrix and never set independently; Confidence decays with each
// correction retry.
type PFMEAResult struct {
	ID                      int     `json:"id,omitempty"`
	Process                 string  `json:"process"`
	Subprocess              string  `json:"subprocess"`
	FailureMode             string  `json:"failure_mode"`
	PotentialEffect         string  `json:"potential_effect"`
	Severity                int     `json:"severity"`
	SeverityJustification   string  `json:"severity_justification"`
	Occurrence              int     `json:"occurrence"`
	OccurrenceJustification string  `json:"occurrence_justification"`
	RPN                     int     `json:"rpn"`
	RiskLevel               string  `json:"risk_level"`
	ActionRequired          string  `json:"action_required"`
	ControlPoint            string  `json:"control_point"`
	Confidence              float64 `json:"confidence"`
	AnalysisReasoning       string  `json:"analysis_reasoning,omitempty"`
	ValidationReasoning     string  `json:"validation_reasoning,omitempty"`
	CorrectionReasoning     string  `json:"correction_reasoning,omitempty"`
}
