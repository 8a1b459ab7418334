package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/store"
)

// UploadWorkInstruction accepts a parsed work instruction and creates
// an analysis record in the "uploaded" state. Document ingestion (PDF
// to structured steps) is an external collaborator; this endpoint only
// consumes the structured form.
func UploadWorkInstruction(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var doc datatypes.WorkInstruction
		if err := c.ShouldBindJSON(&doc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid work instruction: " + err.Error()})
			return
		}
		if err := doc.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		analysis := &datatypes.Analysis{
			ID:         uuid.New().String(),
			Filename:   doc.Filename,
			Status:     datatypes.AnalysisUploaded,
			FastMode:   c.Query("fast_mode") == "true",
			UploadedAt: time.Now().UTC(),
		}

		ctx := c.Request.Context()
		if err := db.SaveAnalysis(ctx, analysis); err != nil {
			slog.Error("failed to save analysis", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save analysis"})
			return
		}
		if err := db.SaveSteps(ctx, analysis.ID, doc.Operations); err != nil {
			slog.Error("failed to save steps", "analysis_id", analysis.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save steps"})
			return
		}
		// Document-level context rides along with the analysis for the
		// runner; store it beside the steps.
		if err := db.SaveContext(ctx, analysis.ID, doc.Context()); err != nil {
			slog.Error("failed to save context", "analysis_id", analysis.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save context"})
			return
		}

		slog.Info("work instruction uploaded",
			"analysis_id", analysis.ID,
			"filename", doc.Filename,
			"operations", len(doc.Operations))
		c.JSON(http.StatusCreated, datatypes.UploadResponse{
			AnalysisID: analysis.ID,
			Filename:   doc.Filename,
			Status:     analysis.Status,
			Message:    "work instruction uploaded",
		})
	}
}

// GetAnalysis returns one analysis record.
func GetAnalysis(db *store.Store) gin.HandlerFunc {
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
		c.JSON(http.StatusOK, analysis)
	}
}

// ListAnalyses returns all analysis records, newest first.
func ListAnalyses(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		analyses, err := db.ListAnalyses(c.Request.Context())
		if err != nil {
			slog.Error("failed to list analyses", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list analyses"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"analyses": analyses, "count": len(analyses)})
	}
}

// DeleteAnalysis removes an analysis with its steps and results.
func DeleteAnalysis(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := db.DeleteAnalysis(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
			return
		}
		if err != nil {
			slog.Error("failed to delete analysis", "analysis_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete analysis"})
			return
		}
		slog.Info("analysis deleted", "analysis_id", id)
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "analysis_id": id})
	}
}
