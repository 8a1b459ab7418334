package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/stephenhungg/pfmea-agent/services/llm"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/observability"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/pipeline"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/risk"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/store"
)

// Runner executes analysis jobs in the background. One Runner serves
// the whole process; its gate bounds model calls across all concurrent
// jobs.
type Runner struct {
	db      *store.Store
	client  llm.Client
	hub     *ProgressHub
	gate    *pipeline.ConcurrencyGate
	scales  *risk.Scales
	metrics *observability.PipelineMetrics
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// RunnerConfig wires a Runner's collaborators.
type RunnerConfig struct {
	Store   *store.Store
	Client  llm.Client
	Hub     *ProgressHub
	Gate    *pipeline.ConcurrencyGate
	Scales  *risk.Scales
	Metrics *observability.PipelineMetrics
	Logger  *slog.Logger
}

// NewRunner creates a Runner. Store, Client and Hub are required.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil || cfg.Client == nil || cfg.Hub == nil {
		return nil, errors.New("store, client and hub are required")
	}
	if cfg.Gate == nil {
		cfg.Gate = pipeline.NewConcurrencyGate(1)
	}
	if cfg.Scales == nil {
		cfg.Scales = risk.DefaultScales()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		db:      cfg.Store,
		client:  cfg.Client,
		hub:     cfg.Hub,
		gate:    cfg.Gate,
		scales:  cfg.Scales,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "runner"),
		active:  make(map[string]struct{}),
	}, nil
}

// Start launches the analysis job for an uploaded work instruction.
// It returns immediately; progress streams through the hub and the
// final status lands in the store.
func (r *Runner) Start(ctx context.Context, analysisID string) error {
	analysis, err := r.db.GetAnalysis(ctx, analysisID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, running := r.active[analysisID]; running {
		r.mu.Unlock()
		return fmt.Errorf("analysis %s is already running", analysisID)
	}
	r.active[analysisID] = struct{}{}
	r.mu.Unlock()

	if err := r.db.SetStatus(ctx, analysisID, datatypes.AnalysisProcessing, ""); err != nil {
		r.finish(analysisID)
		return err
	}

	go r.run(analysis)
	return nil
}

func (r *Runner) finish(analysisID string) {
	r.mu.Lock()
	delete(r.active, analysisID)
	r.mu.Unlock()
}

// UpdateScales swaps the rating scales used by jobs started after the
// call. Jobs already running keep the scales they started with.
func (r *Runner) UpdateScales(s *risk.Scales) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.scales = s
	r.mu.Unlock()
}

func (r *Runner) currentScales() *risk.Scales {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scales
}

// run executes one analysis job to completion. It owns the job's
// context: the job outlives the HTTP request that started it.
func (r *Runner) run(analysis *datatypes.Analysis) {
	defer r.finish(analysis.ID)
	ctx := context.Background()
	sink := r.hub.Sink(analysis.ID)
	log := r.log.With("analysis_id", analysis.ID)

	steps, err := r.db.GetSteps(ctx, analysis.ID)
	if err != nil {
		log.Error("failed to load steps", "error", err)
		r.fail(ctx, analysis.ID, sink, "failed to load process steps")
		return
	}
	sctx, err := r.db.GetContext(ctx, analysis.ID)
	if err != nil {
		log.Error("failed to load context", "error", err)
		r.fail(ctx, analysis.ID, sink, "failed to load document context")
		return
	}

	r.hub.Publish(analysis.ID, datatypes.ProgressEvent{
		Step:            datatypes.StepInit,
		Status:          datatypes.StatusStarted,
		Message:         fmt.Sprintf("Starting analysis of %d operations", len(steps)),
		TotalOperations: len(steps),
	})

	pipe := pipeline.New(r.client, pipeline.Config{
		FastMode: analysis.FastMode,
		Gate:     r.gate,
		Scales:   r.currentScales(),
		Metrics:  r.metrics,
		Logger:   r.log,
	})

	// Steps run sequentially: the gate serializes model calls anyway,
	// and in-order operation events read better on the client.
	var results []datatypes.PFMEAResult
	failedSteps := 0
	for i, step := range steps {
		r.hub.Publish(analysis.ID, datatypes.ProgressEvent{
			Step:            datatypes.StepOperation,
			Status:          datatypes.StatusProcessing,
			Message:         fmt.Sprintf("Processing operation %d of %d", i+1, len(steps)),
			ProcessStep:     step.Operation,
			OperationNumber: i + 1,
			TotalOperations: len(steps),
		})

		stepResults, err := pipe.AnalyzeStep(ctx, step, sctx, sink)
		if err != nil {
			// One failed operation does not sink the job; the step
			// simply contributes no results.
			failedSteps++
			log.Warn("operation analysis failed",
				"operation", step.Operation, "error", err)
			r.hub.Publish(analysis.ID, datatypes.ProgressEvent{
				Step:            datatypes.StepOperation,
				Status:          datatypes.StatusError,
				Message:         fmt.Sprintf("Operation %q failed", step.Operation),
				ProcessStep:     step.Operation,
				OperationNumber: i + 1,
				Error:           err.Error(),
			})
			continue
		}
		results = append(results, stepResults...)
	}

	if len(steps) > 0 && failedSteps == len(steps) {
		r.fail(ctx, analysis.ID, sink, "all operations failed")
		return
	}

	for i := range results {
		results[i].ID = i + 1
	}

	r.hub.Publish(analysis.ID, datatypes.ProgressEvent{
		Step:    datatypes.StepSave,
		Status:  datatypes.StatusProcessing,
		Message: fmt.Sprintf("Saving %d results", len(results)),
	})
	if err := r.db.SaveResults(ctx, analysis.ID, results); err != nil {
		log.Error("failed to save results", "error", err)
		r.fail(ctx, analysis.ID, sink, "failed to save results")
		return
	}
	if err := r.db.SetStatus(ctx, analysis.ID, datatypes.AnalysisCompleted, ""); err != nil {
		log.Error("failed to mark analysis completed", "error", err)
	}

	log.Info("analysis completed", "results", len(results), "failed_steps", failedSteps)
	r.hub.Publish(analysis.ID, datatypes.ProgressEvent{
		Step:         datatypes.StepComplete,
		Status:       datatypes.StatusCompleted,
		Message:      "Analysis complete",
		TotalResults: len(results),
	})
}

func (r *Runner) fail(ctx context.Context, analysisID string, sink pipeline.ProgressSink, message string) {
	if err := r.db.SetStatus(ctx, analysisID, datatypes.AnalysisFailed, message); err != nil {
		r.log.Error("failed to mark analysis failed", "analysis_id", analysisID, "error", err)
	}
	r.hub.Publish(analysisID, datatypes.ProgressEvent{
		Step:    datatypes.StepError,
		Status:  datatypes.StatusFailed,
		Message: message,
		Error:   message,
	})
}

// StartAnalysis kicks off background processing of an uploaded
// analysis.
func StartAnalysis(runner *Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := runner.Start(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
			return
		}
		if err != nil {
			slog.Warn("failed to start analysis", "analysis_id", id, "error", err)
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, datatypes.AnalysisStatusResponse{
			AnalysisID: id,
			Status:     datatypes.AnalysisProcessing,
			Message:    "analysis started",
		})
	}
}

// GetAnalysisStatus returns the current job status.
func GetAnalysisStatus(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		analysis, err := db.GetAnalysis(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load analysis", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analysis"})
			return
		}
		c.JSON(http.StatusOK, datatypes.AnalysisStatusResponse{
			AnalysisID: analysis.ID,
			Status:     analysis.Status,
			Message:    analysis.ErrorMessage,
		})
	}
}
