package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Build information - can be set at build time using ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

const serviceName = "researchd"

// HealthHandler handles health check requests
type HealthHandler struct {
	service Service
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(s Service) *HealthHandler {
	return &HealthHandler{
		service: s,
		started: time.Now(),
	}
}

// HealthCheck handles GET /health - basic liveness check
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// ReadinessCheck handles GET /ready. The service is ready when the graph
// store answers a ping.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	allHealthy := h.checkGraph(ctx, checks)
	checks["system"] = gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}

	response := gin.H{
		"status":    "ready",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}
	if !allHealthy {
		response["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// LivenessCheck handles GET /live - Kubernetes liveness probe endpoint
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// DetailedHealthCheck handles GET /health/detailed - comprehensive health information
func (h *HealthHandler) DetailedHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	startTime := time.Now()
	checks := gin.H{}
	allHealthy := h.checkGraph(ctx, checks)

	response := gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": Version,
		"build_info": gin.H{
			"git_commit": GitCommit,
			"build_time": BuildTime,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"environment": gin.H{
			"go_version": GoVersion,
		},
		"checks": checks,
	}
	if h.service != nil {
		stats := h.service.SearchStats()
		response["search"] = gin.H{
			"total_requests":  stats.TotalRequests,
			"active_requests": stats.ActiveRequests,
			"failed_requests": stats.FailedRequests,
			"timeouts":        stats.Timeouts,
			"escalations":     stats.Escalations,
			"active_users":    stats.ActiveUsers,
		}
	}

	metrics := getSystemMetrics()
	metrics["uptime"] = time.Since(h.started).Round(time.Second).String()
	metrics["response_time_ms"] = time.Since(startTime).Milliseconds()
	response["metrics"] = metrics

	status := http.StatusOK
	if !allHealthy {
		response["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}

func (h *HealthHandler) checkGraph(ctx context.Context, checks gin.H) bool {
	if h.service == nil {
		checks["graph"] = gin.H{
			"status": "unhealthy",
			"error":  "service not initialized",
		}
		return false
	}

	start := time.Now()
	err := h.service.Ready(ctx)
	check := gin.H{
		"status":      "healthy",
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		check["status"] = "unhealthy"
		check["error"] = err.Error()
	}
	checks["graph"] = check
	return err == nil
}

// getSystemMetrics returns runtime memory and goroutine statistics.
func getSystemMetrics() gin.H {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return gin.H{
		"memory": gin.H{
			"alloc_mb":       bToMb(m.Alloc),
			"total_alloc_mb": bToMb(m.TotalAlloc),
			"sys_mb":         bToMb(m.Sys),
			"num_gc":         m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
