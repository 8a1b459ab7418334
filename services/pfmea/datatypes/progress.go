// This file contains the progress event types streamed to clients
// while an analysis runs. For the core analysis records, see pfmea.go.
package datatypes

// Pipeline phases reported in progress events.
const (
	StepAnalyze  = "analyze"
	StepRate     = "rate"
	StepValidate = "validate"
	StepCorrect  = "correct"
	StepFinalize = "finalize"
	StepResult   = "result"

	// Job-level steps emitted by the analysis runner, outside the
	// per-candidate pipeline.
	StepInit      = "init"
	StepOperation = "operation"
	StepSave      = "save"
	StepComplete  = "complete"
	StepError     = "error"
)

// Progress statuses.
const (
	StatusStarted    = "started"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusFailed     = "failed"
	StatusNewResult  = "new_result"
)

// RatingPair is the severity/occurrence pair attached to rate events.
type RatingPair struct {
	Severity   int `json:"severity"`
	Occurrence int `json:"occurrence"`
}

// ProgressEvent is one phase-transition event emitted by the pipeline
// or the analysis runner.
//
// Delivery contract: every event except the terminal result event is
// best-effort, at-most-once, and unordered relative to other
// intermediate events. The terminal event (Step == StepResult) is
// delivered before the corresponding result is returned to the caller.
type ProgressEvent struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Message string `json:"message"`

	// Phase-specific fields, present only where meaningful.
	ProcessStep       string         `json:"process_step,omitempty"`
	FailureMode       string         `json:"failure_mode,omitempty"`
	Effect            string         `json:"effect,omitempty"`
	FailureModesCount int            `json:"failure_modes_count,omitempty"`
	Reasoning         string         `json:"reasoning,omitempty"`
	Attempt           int            `json:"attempt,omitempty"`
	Ratings           *RatingPair    `json:"ratings,omitempty"`
	IsValid           *bool          `json:"is_valid,omitempty"`
	Issues            []string       `json:"issues,omitempty"`
	RPN               int            `json:"rpn,omitempty"`
	RiskLevel         string         `json:"risk_level,omitempty"`
	ActionRequired    string         `json:"action_required,omitempty"`
	OperationNumber   int            `json:"operation_number,omitempty"`
	TotalOperations   int            `json:"total_operations,omitempty"`
	TotalResults      int            `json:"total_results,omitempty"`
	Error             string         `json:"error,omitempty"`
	Result            *PFMEAResult   `json:"result,omitempty"`
}
