package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
)

// Free-text truncation limits for prompt construction. Detail blocks
// longer than this add latency without adding signal.
const (
	detailedPromptDetailLimit = 500
	fastPromptDetailLimit     = 150
)

// buildSystemPrompt returns the system prompt for the configured mode.
// Detailed mode embeds the full rating-scale text; fast mode uses a
// short prompt that pushes the model away from default-value answers.
func (p *Pipeline) buildSystemPrompt() string {
	if !p.cfg.FastMode {
		return fmt.Sprintf(`You are an expert in Process Failure Mode and Effects Analysis (PFMEA).
Your task is to analyze manufacturing processes and identify potential failure modes, their effects, and assign appropriate ratings.

RATING SCALES:
%s

You must:
1. Accurately identify failure modes based on process steps
2. Assess potential effects on product performance and manufacturing
3. Assign ratings (1-5) that match the scale criteria exactly
4. Provide clear justifications for each rating
5. Be thorough and conservative in your assessments

Always output valid JSON with the exact structure requested.`, p.scales.PromptText())
	}

	return `You are an experienced manufacturing quality engineer performing PFMEA analysis.
Your job is to assess real risk levels for manufacturing failure modes.

IMPORTANT: Actually analyze each failure mode - don't just give default values.
- Consider the specific failure and its real-world impact
- High severity failures include safety issues, total product loss, line shutdowns
- High occurrence means poor process control, frequent defects
- Low severity means minor cosmetic issues with no functional impact
- Low occurrence means robust processes with good controls

Output valid JSON only.`
}

// buildAnalyzePrompt returns the ANALYZE prompt for a process step.
func (p *Pipeline) buildAnalyzePrompt(step datatypes.ProcessStep, sctx datatypes.StepContext) string {
	if p.cfg.FastMode {
		detail := step.Subprocess
		if detail == "" {
			detail = truncateText(step.Details, fastPromptDetailLimit)
		}
		if detail == "" {
			detail = "General process step"
		}
		return fmt.Sprintf(`You are analyzing a manufacturing process step for potential failures.

PROCESS: %s
STEP DETAILS: %s

Identify the single most critical failure mode that could realistically occur in this specific step.
Consider: equipment failures, operator errors, material defects, process variations, environmental factors.

For the failure mode:
- Be specific to THIS process (not generic)
- Describe the actual mechanism of failure
- Explain the real impact on the product or downstream processes

Output as JSON:
{"failure_modes": [{"failure_mode": "specific failure description", "potential_effect": "actual impact"}]}`,
			step.Operation, detail)
	}

	return fmt.Sprintf(`Analyze the following manufacturing work instruction and identify potential failure modes.

WORK INSTRUCTION INFORMATION:
- Process: %s
- Sub-Process: %s
- Details: %s
- Steps: %s
- Equipment: %s
- Control Points: %s

Your task is to identify potential failure modes for this work instruction step. Consider:
- What could go wrong during this process/subprocess?
- What are the potential effects on the product or manufacturing process?
- Think about human error, equipment failure, material issues, environmental factors, etc.

For each potential failure mode, identify:
1. The failure mode (what could go wrong - be specific to this process/subprocess)
2. The potential effect (impact on product performance, manufacturing process, or safety)

IMPORTANT: The failure modes should be specific to the work instruction step being analyzed.
If a subprocess is provided, focus on failure modes for that specific subprocess.
If only a main process is provided, identify failure modes at the process level.

Output JSON with this structure:
{
  "failure_modes": [
    {
      "failure_mode": "specific description of what could fail in this step",
      "potential_effect": "description of the impact on product or process"
    }
  ],
  "reasoning": "explanation of your analysis"
}`,
		step.Operation,
		orNA(step.Subprocess, "N/A (main process level)"),
		orNA(truncateText(step.Details, detailedPromptDetailLimit), "N/A"),
		orNA(jsonList(step.Steps), "N/A"),
		orNA(strings.Join(sctx.Equipment, ", "), "N/A"),
		orNA(strings.Join(sctx.ControlPoints, ", "), "N/A"))
}

// buildRatePrompt returns the RATE prompt for a candidate.
func (p *Pipeline) buildRatePrompt(cand datatypes.FailureModeCandidate, step datatypes.ProcessStep) string {
	if p.cfg.FastMode {
		return fmt.Sprintf(`Analyze this manufacturing failure mode and assign risk ratings.

FAILURE: %s
EFFECT: %s

SEVERITY SCALE (how bad is the effect):
5 = Catastrophic - total product loss, safety hazard, line shutdown
4 = Major - significant defects, >10%% scrap, major rework needed
3 = Moderate - noticeable defects, some rework, customer complaint
2 = Minor - slight defects, minor rework, internal detection
1 = Negligible - barely noticeable, no real impact

OCCURRENCE SCALE (how likely to happen):
5 = Very High - happens frequently, poor process control
4 = High - happens regularly, known recurring issue
3 = Moderate - occasional failures, inconsistent process
2 = Low - rare failures, good process control
1 = Very Low - extremely rare, excellent controls

Think about this specific failure mode and its effect. Then output JSON:
{"severity": YOUR_RATING_1_TO_5, "occurrence": YOUR_RATING_1_TO_5}`,
			cand.FailureMode, cand.PotentialEffect)
	}

	stepJSON, _ := json.MarshalIndent(step, "", "  ")
	return fmt.Sprintf(`Rate the following failure mode using the provided scales.

FAILURE MODE: %s
POTENTIAL EFFECT: %s

PROCESS CONTEXT:
%s

Assign ratings (1-5) for:
1. SEVERITY: Impact of the effect (use product_performance or manufacturing_process criteria)
2. OCCURRENCE: Likelihood of the failure occurring (use qualitative description)

For each rating, provide:
- The rating value (1-5)
- Detailed justification explaining why this rating matches the scale criteria

Output JSON with this structure:
{
  "severity": <1-5>,
  "severity_justification": "detailed explanation",
  "occurrence": <1-5>,
  "occurrence_justification": "detailed explanation",
  "reasoning": "overall reasoning for the ratings"
}`,
		cand.FailureMode, cand.PotentialEffect, string(stepJSON))
}

// buildValidatePrompt returns the VALIDATE prompt for the current
// rating state, including the scale criteria matching each rating.
func (p *Pipeline) buildValidatePrompt(cand datatypes.FailureModeCandidate, state datatypes.RatingState) string {
	severityCriteria := p.scales.SeverityCriterion(state.Severity)
	occurrenceCriteria := p.scales.OccurrenceCriterion(state.Occurrence)

	if p.cfg.FastMode {
		return fmt.Sprintf(`Quickly validate these PFMEA ratings.

FAILURE MODE: %s
POTENTIAL EFFECT: %s

RATINGS: Severity=%d, Occurrence=%d
Severity %d criteria: %s
Occurrence %d criteria: %s

Are the ratings appropriate? Output JSON:
{
  "is_valid": true/false,
  "corrected_ratings": {"severity": <1-5 or null>, "occurrence": <1-5 or null>}
}`,
			cand.FailureMode, cand.PotentialEffect,
			state.Severity, state.Occurrence,
			state.Severity, severityCriteria,
			state.Occurrence, occurrenceCriteria)
	}

	return fmt.Sprintf(`Review and validate the following PFMEA ratings for consistency.

FAILURE MODE: %s
POTENTIAL EFFECT: %s

CURRENT RATINGS:
- Severity: %d
  Justification: %s
  Scale Criteria for %d: %s

- Occurrence: %d
  Justification: %s
  Scale Criteria for %d: %s

Check if:
1. Each rating matches its scale criteria
2. The justifications support the assigned ratings
3. The ratings are consistent with each other
4. Any ratings need adjustment

Output JSON with this structure:
{
  "is_valid": true/false,
  "issues": ["list of any issues found"],
  "corrected_ratings": {
    "severity": <1-5 or null if correct>,
    "occurrence": <1-5 or null if correct>
  },
  "correction_reasoning": "explanation of any corrections needed"
}`,
		cand.FailureMode, cand.PotentialEffect,
		state.Severity, orNA(state.SeverityJustification, "N/A"),
		state.Severity, severityCriteria,
		state.Occurrence, orNA(state.OccurrenceJustification, "N/A"),
		state.Occurrence, occurrenceCriteria)
}

// orNA substitutes fallback for empty strings.
func orNA(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// truncateText caps free text at limit characters.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// jsonList renders a string slice as indented JSON, "" when empty.
func jsonList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
