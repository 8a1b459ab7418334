// Package llm provides the model-client interface and the Ollama
// implementation used by the PFMEA pipeline.
//
// The pipeline depends only on the Client interface; the concrete
// backend is injected at startup. Implementations must be safe for
// concurrent use.
package llm

import "context"

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest describes one logical generation call.
type GenerateRequest struct {
	// Prompt is the user message content. Required.
	Prompt string

	// SystemPrompt, when non-empty, is sent as a leading system message.
	SystemPrompt string

	// JSONMode asks the backend for JSON output and parses the reply.
	JSONMode bool

	// Temperature is the sampling temperature. Zero means the client
	// default.
	Temperature float64

	// MaxTokens caps the generated output length. Zero means the
	// client default.
	MaxTokens int
}

// GenerateResult is the structured outcome of one generation call.
//
// In JSON mode a well-formed reply populates Data. A reply that fails
// to parse is NOT an error: Data is nil, Raw carries the original text
// and NeedsRepair is set, so callers can degrade instead of aborting.
type GenerateResult struct {
	Data        map[string]any
	Raw         string
	NeedsRepair bool
}

// Field returns a top-level field of the parsed response, or nil when
// the response was not parsed or the field is absent.
func (r *GenerateResult) Field(key string) any {
	if r == nil || r.Data == nil {
		return nil
	}
	return r.Data[key]
}

// StringField returns a top-level string field, or "" when absent or
// not a string.
func (r *GenerateResult) StringField(key string) string {
	s, _ := r.Field(key).(string)
	return s
}

// Client is the interface the pipeline uses to reach the inference
// backend.
type Client interface {
	// Generate performs one logical request/response cycle. Transport
	// timeouts are retried internally; other transport errors
	// propagate immediately.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// CheckConnection is a short-timeout liveness probe, intended for
	// process bootstrap only.
	CheckConnection(ctx context.Context) bool

	// Model returns the backend model identifier.
	Model() string
}
