// Package handlers provides HTTP request handlers for the API endpoints.
// It defines the response formatting and the mapping from domain errors to
// status codes.
package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const ServiceName = "fortifai-api"

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Service   string            `json:"service"`
	Uptime    string            `json:"uptime,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

var startTime = time.Now()

// Health reports liveness. details carries static component state such as
// the asset source and whether relocation is enabled.
func Health(details map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := map[string]string{
			"go_version": runtime.Version(),
			"num_cpu":    strconv.Itoa(runtime.NumCPU()),
		}
		for k, v := range details {
			d[k] = v
		}

		c.JSON(http.StatusOK, HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Service:   ServiceName,
			Uptime:    time.Since(startTime).String(),
			Details:   d,
		})
	}
}
