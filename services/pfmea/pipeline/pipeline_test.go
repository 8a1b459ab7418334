package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephenhungg/pfmea-agent/services/llm"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
)

var testStep = datatypes.ProcessStep{
	Operation:    "OP-10 Torque Fasteners",
	Subprocess:   "Torque main housing bolts",
	ControlPoint: "CP-4 torque audit",
}

// recordingSink captures events for assertion. Only the terminal
// result event is guaranteed to be recorded before AnalyzeStep
// returns; intermediate events are fire-and-forget.
type recordingSink struct {
	mu     sync.Mutex
	events []datatypes.ProgressEvent
}

func (s *recordingSink) Send(ctx context.Context, event datatypes.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) byStep(step string) []datatypes.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datatypes.ProgressEvent
	for _, e := range s.events {
		if e.Step == step {
			out = append(out, e)
		}
	}
	return out
}

func analyzeData(modes ...string) map[string]any {
	list := make([]any, 0, len(modes))
	for _, m := range modes {
		list = append(list, map[string]any{
			"failure_mode":     m,
			"potential_effect": m + " effect",
		})
	}
	return map[string]any{"failure_modes": list, "reasoning": "test analysis"}
}

func ratingData(severity, occurrence int) map[string]any {
	return map[string]any{
		"severity":                 float64(severity),
		"occurrence":               float64(occurrence),
		"severity_justification":   "severity rationale",
		"occurrence_justification": "occurrence rationale",
	}
}

// phaseResponder routes mock responses by prompt shape, so tests stay
// deterministic under concurrent candidate fan-out.
func phaseResponder(analyze map[string]any, rate func(prompt string) (*llm.GenerateResult, error), validate func(prompt string) (*llm.GenerateResult, error)) func(llm.GenerateRequest) (*llm.GenerateResult, error) {
	return func(req llm.GenerateRequest) (*llm.GenerateResult, error) {
		switch {
		case strings.Contains(req.Prompt, "identify potential failure modes"),
			strings.Contains(req.Prompt, "most critical failure mode"):
			return &llm.GenerateResult{Data: analyze}, nil
		case strings.Contains(req.Prompt, "Rate the following failure mode"),
			strings.Contains(req.Prompt, "assign risk ratings"):
			return rate(req.Prompt)
		default:
			return validate(req.Prompt)
		}
	}
}

// =============================================================================
// AnalyzeStep Tests
// =============================================================================

func TestAnalyzeStep_NoCandidatesReturnsEmpty(t *testing.T) {
	client := llm.NewMockClient().EnqueueData(map[string]any{"failure_modes": []any{}})
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, client.CallCount(), "no candidate should trigger further calls")
}

func TestAnalyzeStep_AnalyzeFailurePropagates(t *testing.T) {
	client := llm.NewMockClient().EnqueueError(errors.New("backend exploded"))
	p := New(client, Config{})

	_, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyze step")
}

func TestAnalyzeStep_LowRPNBypassesValidation(t *testing.T) {
	// severity=3 occurrence=2 gives RPN 6, under the threshold of 9.
	client := llm.NewMockClient().
		EnqueueData(analyzeData("bolt under-torqued")).
		EnqueueData(ratingData(3, 2))
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 6, results[0].RPN)
	assert.Equal(t, "low", results[0].RiskLevel)
	assert.Equal(t, "no", results[0].ActionRequired)
	assert.Equal(t, 1.0, results[0].Confidence)
	assert.Equal(t, 2, client.CallCount(), "validation must not be called under the threshold")
}

func TestAnalyzeStep_HighRPNValidatesBeforeFinalize(t *testing.T) {
	// severity=4 occurrence=3 gives RPN 12, so one VALIDATE must occur.
	client := llm.NewMockClient().
		EnqueueData(analyzeData("seal misaligned")).
		EnqueueData(ratingData(4, 3)).
		EnqueueData(map[string]any{"is_valid": true, "reasoning": "ratings consistent"})
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 12, results[0].RPN)
	assert.Equal(t, "high", results[0].RiskLevel)
	assert.Equal(t, "yes", results[0].ActionRequired)
	assert.Equal(t, 1.0, results[0].Confidence)
	assert.Equal(t, "ratings consistent", results[0].ValidationReasoning)
	assert.Equal(t, 3, client.CallCount())
}

func TestAnalyzeStep_CorrectionDecaysConfidence(t *testing.T) {
	client := llm.NewMockClient().
		EnqueueData(analyzeData("housing cracked")).
		EnqueueData(ratingData(5, 3)).
		EnqueueData(map[string]any{
			"is_valid": false,
			"issues":   []any{"severity overstated"},
			"corrected_ratings": map[string]any{
				"severity":   float64(4),
				"occurrence": nil,
			},
			"correction_reasoning": "effect is recoverable",
		}).
		EnqueueData(ratingData(4, 3)). // re-rate for fresh justifications
		EnqueueData(map[string]any{"is_valid": true})
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 4, results[0].Severity)
	assert.Equal(t, 3, results[0].Occurrence)
	assert.Equal(t, 12, results[0].RPN)
	assert.InDelta(t, 0.8, results[0].Confidence, 1e-9)
	assert.Equal(t, 5, client.CallCount())
}

func TestAnalyzeStep_RetriesExhaustedConfidenceFloor(t *testing.T) {
	invalid := map[string]any{
		"is_valid":          false,
		"corrected_ratings": map[string]any{"occurrence": float64(4)},
	}
	client := llm.NewMockClient().
		EnqueueData(analyzeData("contamination")).
		EnqueueData(ratingData(4, 3)).
		EnqueueData(invalid).
		EnqueueData(ratingData(4, 4)).
		EnqueueData(invalid)
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	// Two correction retries with the default decay of 0.2 each.
	assert.InDelta(t, 0.6, results[0].Confidence, 1e-9)
}

func TestAnalyzeStep_FastModeCapsCandidatesAndSkipsValidation(t *testing.T) {
	client := llm.NewMockClient().WithResponseFunc(phaseResponder(
		analyzeData("first", "second", "third"),
		func(string) (*llm.GenerateResult, error) {
			return &llm.GenerateResult{Data: ratingData(5, 5)}, nil
		},
		func(string) (*llm.GenerateResult, error) {
			t.Error("validation must not run in fast mode")
			return nil, errors.New("unexpected validate")
		},
	))
	p := New(client, Config{FastMode: true})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	require.Len(t, results, 1, "fast mode caps candidates per step at one")
	assert.Equal(t, "first", results[0].FailureMode)
	assert.Equal(t, 25, results[0].RPN)
}

func TestAnalyzeStep_CandidateFailureIsIsolated(t *testing.T) {
	client := llm.NewMockClient().WithResponseFunc(phaseResponder(
		analyzeData("doomed candidate", "healthy candidate"),
		func(prompt string) (*llm.GenerateResult, error) {
			if strings.Contains(prompt, "doomed candidate") {
				return nil, errors.New("connection refused")
			}
			return &llm.GenerateResult{Data: ratingData(3, 2)}, nil
		},
		func(string) (*llm.GenerateResult, error) {
			return &llm.GenerateResult{Data: map[string]any{"is_valid": true}}, nil
		},
	))
	p := New(client, Config{})
	sink := &recordingSink{}

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, sink)

	require.NoError(t, err, "candidate failures never fail the step")
	require.Len(t, results, 1)
	assert.Equal(t, "healthy candidate", results[0].FailureMode)
}

func TestAnalyzeStep_TerminalEventObservedBeforeReturn(t *testing.T) {
	client := llm.NewMockClient().
		EnqueueData(analyzeData("missing washer")).
		EnqueueData(ratingData(2, 2))
	p := New(client, Config{})
	sink := &recordingSink{}

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, sink)

	require.NoError(t, err)
	require.Len(t, results, 1)
	terminal := sink.byStep(datatypes.StepResult)
	require.Len(t, terminal, 1, "terminal event must be delivered before return")
	assert.Equal(t, datatypes.StatusNewResult, terminal[0].Status)
	require.NotNil(t, terminal[0].Result)
	assert.Equal(t, results[0], *terminal[0].Result)
}

func TestAnalyzeStep_UnparseableValidationAcceptsRatings(t *testing.T) {
	client := llm.NewMockClient().WithResponseFunc(phaseResponder(
		analyzeData("weld porosity"),
		func(string) (*llm.GenerateResult, error) {
			return &llm.GenerateResult{Data: ratingData(4, 3)}, nil
		},
		func(string) (*llm.GenerateResult, error) {
			return &llm.GenerateResult{Raw: "not json at all", NeedsRepair: true}, nil
		},
	))
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 4, results[0].Severity)
	assert.Equal(t, 1.0, results[0].Confidence, "no correction was applied")
}

// =============================================================================
// Finalize Details
// =============================================================================

func TestFinalize_JustificationIncludesCriteria(t *testing.T) {
	client := llm.NewMockClient().
		EnqueueData(analyzeData("fixture drift")).
		EnqueueData(map[string]any{"severity": float64(2), "occurrence": float64(2)})
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	// No model justification arrived, so the placeholder is annotated
	// with the matching scale criteria.
	assert.Contains(t, results[0].SeverityJustification, "Rating 2 assigned based on scale criteria")
	assert.Contains(t, results[0].SeverityJustification, "Criteria for SEVERITY=2")
	assert.Contains(t, results[0].OccurrenceJustification, "Criteria for OCCURRENCE=2")
}

func TestFinalize_SubprocessAndControlPointFallbacks(t *testing.T) {
	step := datatypes.ProcessStep{
		Operation: "OP-20 Leak Test",
		Steps:     []string{"Connect test rig", "Pressurize"},
	}
	sctx := datatypes.StepContext{ControlPoints: []string{"CP-1", "CP-2"}}

	client := llm.NewMockClient().
		EnqueueData(analyzeData("leak undetected")).
		EnqueueData(ratingData(2, 2))
	p := New(client, Config{})

	results, err := p.AnalyzeStep(context.Background(), step, sctx, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Connect test rig", results[0].Subprocess,
		"subprocess falls back to the first step entry")
	assert.Equal(t, "CP-1, CP-2", results[0].ControlPoint,
		"control point falls back to the joined document context")
}

// =============================================================================
// Concurrency
// =============================================================================

func TestAnalyzeStep_SharedGateBoundsModelCalls(t *testing.T) {
	const steps = 4

	var inflight atomic.Int64
	var peak atomic.Int64
	client := llm.NewMockClient().WithResponseFunc(func(req llm.GenerateRequest) (*llm.GenerateResult, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		if strings.Contains(req.Prompt, "identify potential failure modes") {
			return &llm.GenerateResult{Data: analyzeData("mode a", "mode b", "mode c")}, nil
		}
		return &llm.GenerateResult{Data: ratingData(3, 2)}, nil
	})

	gate := NewConcurrencyGate(1)
	var wg sync.WaitGroup
	for i := 0; i < steps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := New(client, Config{Gate: gate})
			_, err := p.AnalyzeStep(context.Background(), testStep, datatypes.StepContext{}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), peak.Load(),
		"simultaneous model calls exceeded the shared gate capacity")
}

// =============================================================================
// Config Defaults
// =============================================================================

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})

	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 9, cfg.ValidationThreshold)
	assert.Equal(t, 0.2, cfg.ConfidenceDecay)
	assert.Equal(t, 0.7, cfg.Temperature)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.NotNil(t, cfg.Gate)
	assert.NotNil(t, cfg.Scales)
	assert.NotNil(t, cfg.Logger)
}

func TestApplyConfigDefaults_PreservesExplicitValues(t *testing.T) {
	gate := NewConcurrencyGate(3)
	cfg := applyConfigDefaults(Config{
		MaxRetries:          1,
		ValidationThreshold: 15,
		ConfidenceDecay:     0.1,
		Gate:                gate,
	})

	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 15, cfg.ValidationThreshold)
	assert.Equal(t, 0.1, cfg.ConfidenceDecay)
	assert.Same(t, gate, cfg.Gate)
}
