package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stephenhungg/pfmea-agent/services/llm"
)

// HealthCheck reports process liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ModelHealth probes the inference backend.
func ModelHealth(client llm.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !client.CheckConnection(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"model":  client.Model(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"model":  client.Model(),
		})
	}
}
