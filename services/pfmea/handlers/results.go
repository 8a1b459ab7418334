package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/store"
)

// csvHeader is the standard PFMEA worksheet column layout.
var csvHeader = []string{
	"ID",
	"Process",
	"Sub-Process",
	"Failure Mode",
	"Potential Effect",
	"SEV",
	"OCC",
	"RPN",
	"Risk Level",
	"Action Req'd?",
	"Control Point",
	"Confidence",
	"Severity Justification",
	"Occurrence Justification",
}

// GetResults returns the finalized results for an analysis.
func GetResults(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		results, err := db.GetResults(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no results for analysis"})
			return
		}
		if err != nil {
			slog.Error("failed to load results", "analysis_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"analysis_id": id,
			"results":     results,
			"count":       len(results),
		})
	}
}

// ExportResultsCSV streams the finalized results as a CSV worksheet.
func ExportResultsCSV(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()

		analysis, err := db.GetAnalysis(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load analysis", "analysis_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analysis"})
			return
		}

		results, err := db.GetResults(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no results for analysis"})
			return
		}
		if err != nil {
			slog.Error("failed to load results", "analysis_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
			return
		}

		filename := fmt.Sprintf("pfmea_%s.csv", analysis.ID)
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)

		w := csv.NewWriter(c.Writer)
		if err := w.Write(csvHeader); err != nil {
			slog.Error("failed to write CSV header", "error", err)
			return
		}
		for _, r := range results {
			if err := w.Write(csvRow(r)); err != nil {
				slog.Error("failed to write CSV row", "error", err)
				return
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			slog.Error("failed to flush CSV", "error", err)
		}
	}
}

func csvRow(r datatypes.PFMEAResult) []string {
	return []string{
		strconv.Itoa(r.ID),
		r.Process,
		r.Subprocess,
		r.FailureMode,
		r.PotentialEffect,
		strconv.Itoa(r.Severity),
		strconv.Itoa(r.Occurrence),
		strconv.Itoa(r.RPN),
		r.RiskLevel,
		r.ActionRequired,
		r.ControlPoint,
		strconv.FormatFloat(r.Confidence, 'f', 2, 64),
		r.SeverityJustification,
		r.OccurrenceJustification,
	}
}
