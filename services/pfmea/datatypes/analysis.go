// This file contains job-level records and the request/response types
// for the analysis REST endpoints.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Analysis job statuses.
const (
	AnalysisUploaded   = "uploaded"
	AnalysisProcessing = "processing"
	AnalysisCompleted  = "completed"
	AnalysisFailed     = "failed"
)

// Limits on uploaded work instructions. Oversized documents are
// rejected before any model call is made.
const (
	// MaxOperationsPerDocument bounds the step fan-out of one job.
	MaxOperationsPerDocument = 200

	// MaxDetailBytes bounds a single free-text field.
	MaxDetailBytes = 16 * 1024
)

// analysisValidate is the validator instance for upload requests.
var analysisValidate *validator.Validate

func init() {
	analysisValidate = validator.New()
}

// Analysis is one analysis job over an uploaded work instruction.
type Analysis struct {
	ID           string     `json:"id"`
	Filename     string     `json:"filename"`
	Status       string     `json:"status"`
	FastMode     bool       `json:"fast_mode"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// WorkInstruction is the parsed document accepted by the upload
// endpoint. Parsing PDFs into this shape is the job of an external
// collaborator; the service only consumes the structured form.
type WorkInstruction struct {
	Filename      string        `json:"filename" validate:"required,max=255"`
	Operations    []ProcessStep `json:"operations" validate:"required,min=1,dive"`
	Equipment     []string      `json:"equipment,omitempty"`
	ControlPoints []string      `json:"control_points,omitempty"`
}

// Validate checks structural limits on an uploaded work instruction.
func (w *WorkInstruction) Validate() error {
	if err := analysisValidate.Struct(w); err != nil {
		return err
	}
	if len(w.Operations) > MaxOperationsPerDocument {
		return fmt.Errorf("too many operations: %d (max %d)",
			len(w.Operations), MaxOperationsPerDocument)
	}
	for i, op := range w.Operations {
		if op.Operation == "" {
			return fmt.Errorf("operation %d: missing operation name", i)
		}
		if len(op.Details) > MaxDetailBytes {
			return fmt.Errorf("operation %d: details exceed %d bytes", i, MaxDetailBytes)
		}
	}
	return nil
}

// Context returns the document-level context shared by all steps.
func (w *WorkInstruction) Context() StepContext {
	return StepContext{
		Equipment:     w.Equipment,
		ControlPoints: w.ControlPoints,
	}
}

// UploadResponse is returned by the upload endpoint.
type UploadResponse struct {
	AnalysisID string `json:"analysis_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// AnalysisStatusResponse is returned by the start and status endpoints.
type AnalysisStatusResponse struct {
	AnalysisID string `json:"analysis_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}
