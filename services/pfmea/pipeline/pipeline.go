// Package pipeline implements the five-phase PFMEA analysis flow:
// ANALYZE -> RATE -> VALIDATE -> CORRECT -> FINALIZE.
//
// # Description
//
// One Pipeline instance drives the analysis of process steps for a
// single job. For each step, an ANALYZE call produces failure-mode
// candidates; each candidate is then rated, optionally validated and
// corrected, and finalized into an immutable PFMEAResult. All model
// calls pass through a shared ConcurrencyGate, so total in-flight
// calls across steps and candidates never exceed its capacity.
//
// # Failure Isolation
//
// A candidate that fails irrecoverably during RATE or VALIDATE is
// dropped: the error is logged, an error progress event is emitted,
// and sibling candidates continue unaffected. AnalyzeStep returns an
// error only when the ANALYZE call itself fails. A step yielding zero
// candidates returns an empty slice, not an error.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/stephenhungg/pfmea-agent/services/llm"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/observability"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/risk"
)

var tracer = otel.Tracer("pfmea.pipeline")

// Pipeline policy defaults. The threshold and decay rate are policy
// knobs, not derived values; they live in Config so deployments can
// tune them without a rebuild.
const (
	defaultMaxRetries          = 2
	defaultValidationThreshold = 9
	defaultConfidenceDecay     = 0.2
	defaultTemperature         = 0.7
	defaultConcurrency         = 1
)

// Config controls pipeline behavior. The zero value selects detailed
// mode with the documented defaults.
type Config struct {
	// FastMode shortens prompts, skips validation, and caps candidates
	// per step at one, trading justification depth for latency.
	FastMode bool

	// MaxRetries bounds validate/correct loop iterations per candidate.
	MaxRetries int

	// ValidationThreshold is the provisional RPN at or above which a
	// candidate enters the validation loop (detailed mode only).
	ValidationThreshold int

	// ConfidenceDecay is subtracted from 1.0 per correction retry.
	ConfidenceDecay float64

	// Temperature is the sampling temperature for all pipeline calls.
	Temperature float64

	// Concurrency sizes the gate when Gate is nil.
	Concurrency int

	// Gate bounds simultaneous model calls. Supply a shared gate to
	// bound calls across several Pipeline instances.
	Gate *ConcurrencyGate

	// Scales supplies rating criteria for prompts and justification
	// annotation. Defaults to the embedded scales.
	Scales *risk.Scales

	// Metrics receives pipeline metrics. Nil disables recording.
	Metrics *observability.PipelineMetrics

	Logger *slog.Logger
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ValidationThreshold <= 0 {
		cfg.ValidationThreshold = defaultValidationThreshold
	}
	if cfg.ConfidenceDecay <= 0 {
		cfg.ConfidenceDecay = defaultConfidenceDecay
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Gate == nil {
		cfg.Gate = NewConcurrencyGate(cfg.Concurrency)
	}
	if cfg.Scales == nil {
		cfg.Scales = risk.DefaultScales()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Pipeline orchestrates the five-phase analysis flow. Safe for
// concurrent use: per-candidate state lives on the goroutine stack.
type Pipeline struct {
	client  llm.Client
	scales  *risk.Scales
	gate    *ConcurrencyGate
	metrics *observability.PipelineMetrics
	log     *slog.Logger
	cfg     Config
}

// New creates a Pipeline around the given model client.
func New(client llm.Client, cfg Config) *Pipeline {
	cfg = applyConfigDefaults(cfg)
	return &Pipeline{
		client:  client,
		scales:  cfg.Scales,
		gate:    cfg.Gate,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "pipeline"),
		cfg:     cfg,
	}
}

// Gate returns the concurrency gate in use.
func (p *Pipeline) Gate() *ConcurrencyGate {
	return p.gate
}

// AnalyzeStep runs the full pipeline for one process step and returns
// the finalized results for every surviving candidate, in candidate
// order.
//
// It returns an error only when the ANALYZE call fails; candidate
// failures are isolated and reduce the result count instead.
func (p *Pipeline) AnalyzeStep(ctx context.Context, step datatypes.ProcessStep, sctx datatypes.StepContext, sink ProgressSink) ([]datatypes.PFMEAResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.AnalyzeStep")
	defer span.End()
	span.SetAttributes(attribute.String("operation", step.Operation))

	emit(ctx, sink, datatypes.ProgressEvent{
		Step:        datatypes.StepAnalyze,
		Status:      datatypes.StatusStarted,
		Message:     "Analyzing failure modes",
		ProcessStep: step.Operation,
	})

	res, err := p.generate(ctx, datatypes.StepAnalyze, llm.GenerateRequest{
		Prompt:       p.buildAnalyzePrompt(step, sctx),
		SystemPrompt: p.buildSystemPrompt(),
		JSONMode:     true,
		Temperature:  p.cfg.Temperature,
	})
	if err != nil {
		emit(ctx, sink, datatypes.ProgressEvent{
			Step:        datatypes.StepAnalyze,
			Status:      datatypes.StatusError,
			Message:     "Failure mode analysis failed",
			ProcessStep: step.Operation,
			Error:       err.Error(),
		})
		return nil, fmt.Errorf("analyze step %q: %w", step.Operation, err)
	}

	candidates := parseCandidates(res)
	reasoning := res.StringField("reasoning")
	if p.cfg.FastMode && len(candidates) > 1 {
		candidates = candidates[:1]
	}

	emit(ctx, sink, datatypes.ProgressEvent{
		Step:              datatypes.StepAnalyze,
		Status:            datatypes.StatusCompleted,
		Message:           fmt.Sprintf("Identified %d failure modes", len(candidates)),
		ProcessStep:       step.Operation,
		FailureModesCount: len(candidates),
		Reasoning:         reasoning,
	})

	if len(candidates) == 0 {
		p.log.Info("no failure modes identified", "operation", step.Operation)
		return []datatypes.PFMEAResult{}, nil
	}

	// Fan out candidates; each writes only its own slot, so no lock is
	// needed. Failures leave the slot nil.
	slots := make([]*datatypes.PFMEAResult, len(candidates))
	var g errgroup.Group
	for i, cand := range candidates {
		g.Go(func() error {
			result, err := p.processCandidate(ctx, step, sctx, cand, reasoning, sink)
			if err != nil {
				p.metrics.RecordCandidate("dropped")
				p.log.Warn("candidate dropped",
					"operation", step.Operation,
					"failure_mode", cand.FailureMode,
					"error", err)
				emit(ctx, sink, datatypes.ProgressEvent{
					Step:        datatypes.StepError,
					Status:      datatypes.StatusError,
					Message:     "Failure mode processing failed",
					ProcessStep: step.Operation,
					FailureMode: cand.FailureMode,
					Error:       err.Error(),
				})
				return nil
			}
			slots[i] = result
			return nil
		})
	}
	_ = g.Wait()

	results := make([]datatypes.PFMEAResult, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results, nil
}

// processCandidate drives RATE -> optional VALIDATE/CORRECT -> FINALIZE
// for one candidate. An error drops the candidate.
func (p *Pipeline) processCandidate(ctx context.Context, step datatypes.ProcessStep, sctx datatypes.StepContext, cand datatypes.FailureModeCandidate, analysisReasoning string, sink ProgressSink) (*datatypes.PFMEAResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.processCandidate")
	defer span.End()
	span.SetAttributes(attribute.String("failure_mode", cand.FailureMode))

	emit(ctx, sink, datatypes.ProgressEvent{
		Step:        datatypes.StepRate,
		Status:      datatypes.StatusStarted,
		Message:     "Rating severity and occurrence",
		FailureMode: cand.FailureMode,
		Effect:      cand.PotentialEffect,
	})

	state, err := p.rate(ctx, cand, step)
	if err != nil {
		return nil, fmt.Errorf("rate: %w", err)
	}

	emit(ctx, sink, datatypes.ProgressEvent{
		Step:        datatypes.StepRate,
		Status:      datatypes.StatusCompleted,
		Message:     fmt.Sprintf("Rated severity=%d occurrence=%d", state.Severity, state.Occurrence),
		FailureMode: cand.FailureMode,
		Ratings:     &datatypes.RatingPair{Severity: state.Severity, Occurrence: state.Occurrence},
	})

	// Validation cost scales with assessed risk: low-RPN items and
	// fast mode go straight to FINALIZE.
	provisionalRPN := state.Severity * state.Occurrence
	validated := !p.cfg.FastMode && provisionalRPN >= p.cfg.ValidationThreshold

	var lastOutcome *datatypes.ValidationOutcome
	if validated {
		lastOutcome, err = p.validateLoop(ctx, cand, step, &state, sink)
		if err != nil {
			return nil, err
		}
	}

	result, err := p.finalize(step, sctx, cand, state, analysisReasoning, lastOutcome)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	if validated {
		p.metrics.RecordCandidate("finalized")
	} else {
		p.metrics.RecordCandidate("skipped")
	}

	emit(ctx, sink, datatypes.ProgressEvent{
		Step:           datatypes.StepFinalize,
		Status:         datatypes.StatusCompleted,
		Message:        "Result finalized",
		FailureMode:    cand.FailureMode,
		RPN:            result.RPN,
		RiskLevel:      result.RiskLevel,
		ActionRequired: result.ActionRequired,
	})

	// The terminal event is awaited: it is observed before the result
	// is returned to the caller.
	emitAwaited(ctx, sink, datatypes.ProgressEvent{
		Step:    datatypes.StepResult,
		Status:  datatypes.StatusNewResult,
		Message: "New PFMEA result",
		Result:  result,
	})
	return result, nil
}

// rate issues one RATE call and coerces its ratings into a fresh
// RatingState. Coercion never fails the candidate; only transport
// errors do.
func (p *Pipeline) rate(ctx context.Context, cand datatypes.FailureModeCandidate, step datatypes.ProcessStep) (datatypes.RatingState, error) {
	res, err := p.generate(ctx, datatypes.StepRate, llm.GenerateRequest{
		Prompt:       p.buildRatePrompt(cand, step),
		SystemPrompt: p.buildSystemPrompt(),
		JSONMode:     true,
		Temperature:  p.cfg.Temperature,
	})
	if err != nil {
		return datatypes.RatingState{}, err
	}

	severity, sevSource := CoerceRating("severity", res.Field("severity"))
	occurrence, occSource := CoerceRating("occurrence", res.Field("occurrence"))
	p.log.Debug("ratings coerced",
		"failure_mode", cand.FailureMode,
		"severity", severity, "severity_source", sevSource,
		"occurrence", occurrence, "occurrence_source", occSource)

	return datatypes.RatingState{
		Severity:                severity,
		Occurrence:              occurrence,
		SeverityJustification:   ratingJustification(res, "severity_justification", severity),
		OccurrenceJustification: ratingJustification(res, "occurrence_justification", occurrence),
	}, nil
}

// validateLoop runs up to MaxRetries validate/correct iterations,
// mutating state in place. It returns the last validation outcome for
// reasoning carry-over, or an error when a VALIDATE or re-RATE call
// fails (dropping the candidate).
func (p *Pipeline) validateLoop(ctx context.Context, cand datatypes.FailureModeCandidate, step datatypes.ProcessStep, state *datatypes.RatingState, sink ProgressSink) (*datatypes.ValidationOutcome, error) {
	var last *datatypes.ValidationOutcome

	for iteration := 1; iteration <= p.cfg.MaxRetries; iteration++ {
		emit(ctx, sink, datatypes.ProgressEvent{
			Step:        datatypes.StepValidate,
			Status:      datatypes.StatusStarted,
			Message:     "Validating ratings",
			FailureMode: cand.FailureMode,
			Attempt:     iteration,
		})

		res, err := p.generate(ctx, datatypes.StepValidate, llm.GenerateRequest{
			Prompt:       p.buildValidatePrompt(cand, *state),
			SystemPrompt: p.buildSystemPrompt(),
			JSONMode:     true,
			Temperature:  p.cfg.Temperature,
		})
		if err != nil {
			return last, fmt.Errorf("validate: %w", err)
		}
		if res.NeedsRepair {
			// An unparseable verdict cannot justify a correction.
			// Accept the current ratings rather than burn retries.
			p.log.Warn("unparseable validation response, accepting ratings",
				"failure_mode", cand.FailureMode, "attempt", iteration)
			break
		}

		outcome := parseValidation(res)
		last = &outcome

		emit(ctx, sink, datatypes.ProgressEvent{
			Step:        datatypes.StepValidate,
			Status:      datatypes.StatusCompleted,
			Message:     "Validation verdict received",
			FailureMode: cand.FailureMode,
			Attempt:     iteration,
			IsValid:     &outcome.IsValid,
			Issues:      outcome.Issues,
		})

		if outcome.IsValid {
			break
		}

		// CORRECT: overwrite only the rating fields the model supplied
		// explicitly, then count the retry.
		if outcome.CorrectedSeverity != nil {
			state.Severity = *outcome.CorrectedSeverity
		}
		if outcome.CorrectedOccurrence != nil {
			state.Occurrence = *outcome.CorrectedOccurrence
		}
		state.RetryCount++
		p.metrics.RecordValidationRetry()

		emit(ctx, sink, datatypes.ProgressEvent{
			Step:        datatypes.StepCorrect,
			Status:      datatypes.StatusProcessing,
			Message:     "Applying rating corrections",
			FailureMode: cand.FailureMode,
			Attempt:     state.RetryCount,
			Ratings:     &datatypes.RatingPair{Severity: state.Severity, Occurrence: state.Occurrence},
		})

		// With iterations remaining, re-rate so the justification text
		// matches the corrected ratings. The corrected ratings stand;
		// only the justifications are refreshed.
		if iteration < p.cfg.MaxRetries {
			fresh, err := p.rate(ctx, cand, step)
			if err != nil {
				return last, fmt.Errorf("re-rate after correction: %w", err)
			}
			state.SeverityJustification = fresh.SeverityJustification
			state.OccurrenceJustification = fresh.OccurrenceJustification
		}
	}
	return last, nil
}

// finalize builds the immutable terminal record from the candidate's
// final rating state.
func (p *Pipeline) finalize(step datatypes.ProcessStep, sctx datatypes.StepContext, cand datatypes.FailureModeCandidate, state datatypes.RatingState, analysisReasoning string, outcome *datatypes.ValidationOutcome) (*datatypes.PFMEAResult, error) {
	rpn, err := risk.CalculateRPN(state.Severity, state.Occurrence)
	if err != nil {
		// Coercion guarantees the range; reaching this is an upstream
		// defect and fatal only to this candidate.
		return nil, err
	}
	level, err := risk.GetRiskLevel(state.Severity, state.Occurrence)
	if err != nil {
		return nil, err
	}

	confidence := 1.0 - p.cfg.ConfidenceDecay*float64(state.RetryCount)
	if confidence < 0 {
		confidence = 0
	}

	result := &datatypes.PFMEAResult{
		Process:                 step.Operation,
		Subprocess:              subprocessName(step),
		FailureMode:             cand.FailureMode,
		PotentialEffect:         cand.PotentialEffect,
		Severity:                state.Severity,
		SeverityJustification:   p.scales.FormatJustification("severity", state.Severity, state.SeverityJustification),
		Occurrence:              state.Occurrence,
		OccurrenceJustification: p.scales.FormatJustification("occurrence", state.Occurrence, state.OccurrenceJustification),
		RPN:                     rpn,
		RiskLevel:               string(level),
		ActionRequired:          string(risk.GetActionRequired(level)),
		ControlPoint:            controlPoint(step, sctx),
		Confidence:              confidence,
		AnalysisReasoning:       analysisReasoning,
	}
	if outcome != nil {
		result.ValidationReasoning = outcome.Reasoning
		result.CorrectionReasoning = outcome.CorrectionReasoning
	}
	return result, nil
}

// generate performs one gate-bounded model call for the given phase.
func (p *Pipeline) generate(ctx context.Context, phase string, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	if err := p.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire gate: %w", err)
	}
	defer p.gate.Release()
	p.metrics.ModelCallStarted()
	defer p.metrics.ModelCallFinished()

	ctx, span := tracer.Start(ctx, "pipeline.generate")
	defer span.End()
	span.SetAttributes(attribute.String("phase", phase))

	start := time.Now()
	res, err := p.client.Generate(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.RecordModelCall(phase, status, time.Since(start).Seconds())
	return res, err
}

// ratingJustification extracts a justification field, substituting a
// placeholder when the model supplied none.
func ratingJustification(res *llm.GenerateResult, key string, rating int) string {
	if text := res.StringField(key); text != "" {
		return text
	}
	return fmt.Sprintf("Rating %d assigned based on scale criteria", rating)
}

// subprocessName picks the subprocess label for a result: the step's
// own subprocess, else the first step entry, else the first short line
// of the details text, else empty.
func subprocessName(step datatypes.ProcessStep) string {
	if step.Subprocess != "" {
		return step.Subprocess
	}
	if len(step.Steps) > 0 && step.Steps[0] != "" {
		return step.Steps[0]
	}
	if step.Details != "" {
		line := firstLine(step.Details)
		if len(line) <= 80 {
			return line
		}
	}
	return ""
}

// controlPoint picks the control point: the step's own value, else the
// document-level control points joined.
func controlPoint(step datatypes.ProcessStep, sctx datatypes.StepContext) string {
	if step.ControlPoint != "" {
		return step.ControlPoint
	}
	return joinNonEmpty(sctx.ControlPoints)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func joinNonEmpty(items []string) string {
	out := ""
	for _, item := range items {
		if item == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += item
	}
	return out
}

// parseCandidates extracts failure-mode candidates from an ANALYZE
// response. Entries missing a failure_mode string are skipped; an
// absent or malformed list yields zero candidates, never an error.
func parseCandidates(res *llm.GenerateResult) []datatypes.FailureModeCandidate {
	raw, ok := res.Field("failure_modes").([]any)
	if !ok {
		return nil
	}
	candidates := make([]datatypes.FailureModeCandidate, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		mode, _ := m["failure_mode"].(string)
		if mode == "" {
			continue
		}
		effect, _ := m["potential_effect"].(string)
		candidates = append(candidates, datatypes.FailureModeCandidate{
			FailureMode:     mode,
			PotentialEffect: effect,
		})
	}
	return candidates
}

// parseValidation extracts a validation outcome from a VALIDATE
// response. Corrected ratings are kept only when cleanly coercible and
// in range; anything else reads as "no correction supplied".
func parseValidation(res *llm.GenerateResult) datatypes.ValidationOutcome {
	outcome := datatypes.ValidationOutcome{
		IsValid:             parseBool(res.Field("is_valid")),
		Reasoning:           res.StringField("reasoning"),
		CorrectionReasoning: res.StringField("correction_reasoning"),
	}

	if raw, ok := res.Field("issues").([]any); ok {
		for _, entry := range raw {
			if s, ok := entry.(string); ok && s != "" {
				outcome.Issues = append(outcome.Issues, s)
			}
		}
	}

	if corrections, ok := res.Field("corrected_ratings").(map[string]any); ok {
		outcome.CorrectedSeverity = correctedRating(corrections["severity"])
		outcome.CorrectedOccurrence = correctedRating(corrections["occurrence"])
	}
	return outcome
}

// correctedRating converts a correction value to *int, nil unless it
// is cleanly convertible and in range. Unlike initial-rating coercion,
// corrections never fall back to the neutral default: a correction the
// model did not clearly state is no correction at all.
func correctedRating(value any) *int {
	rating, ok := toRatingInt(value)
	if !ok || rating < datatypes.MinRating || rating > datatypes.MaxRating {
		return nil
	}
	return &rating
}

func parseBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	default:
		return false
	}
}
