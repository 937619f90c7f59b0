// Package health exposes the worker-level liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wirebus/wirebus/internal/v1/keys"
	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/protocol"
	"github.com/wirebus/wirebus/internal/v1/store"
)

// Handler manages health check endpoints
type Handler struct {
	store *store.Store
	db    *gorm.DB
}

// NewHandler creates a new health check handler. Either dependency may be
// nil; absent backends are reported healthy.
func NewHandler(st *store.Store, db *gorm.DB) *Handler {
	return &Handler{store: st, db: db}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp int64             `json:"timestamp"`
}

// Liveness answers the worker-level probe: 200 whenever the process runs,
// no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "healthy",
		Timestamp: protocol.NowMillis(),
	})
}

// Readiness returns 200 only while both stores answer, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"redis": h.checkRedis(ctx),
		"sql":   h.checkSQL(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: protocol.NowMillis(),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	// Single-instance mode runs without Redis.
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkSQL(ctx context.Context) string {
	if h.db == nil {
		return "healthy"
	}
	if err := keys.Ping(ctx, h.db); err != nil {
		logging.Error(ctx, "SQL health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
