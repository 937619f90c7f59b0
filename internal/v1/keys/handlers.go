package keys

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/protocol"
)

// Handler exposes credential management over /api-keys.
type Handler struct {
	svc *Service
}

// NewHandler creates the credential HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RequireServiceKey rejects requests that do not carry the service bearer
// secret. Management routes are never reachable without it.
func RequireServiceKey(serviceKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(serviceKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing service key"})
			return
		}
		c.Next()
	}
}

// Register mounts the credential routes on the given group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("", h.create)
	rg.GET("", h.list)
	rg.GET("/:projectId", h.describe)
	rg.DELETE("/:projectId", h.revoke)
}

type createRequest struct {
	ProjectID   string `json:"projectId" binding:"required"`
	Description string `json:"description"`
	CreatedBy   string `json:"createdBy"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: projectId is required"})
		return
	}
	if !protocol.ValidProjectID.MatchString(req.ProjectID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid projectId"})
		return
	}

	created, err := h.svc.Create(c.Request.Context(), req.ProjectID, req.Description, req.CreatedBy)
	if errors.Is(err, ErrActiveKeyExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "project already has an active api key"})
		return
	}
	if err != nil {
		logging.Error(c.Request.Context(), "api key creation failed",
			zap.String("projectId", req.ProjectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}

	logging.Info(c.Request.Context(), "api key created",
		zap.String("projectId", created.ProjectID), zap.String("keyPrefix", created.KeyPrefix))
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) list(c *gin.Context) {
	rows, err := h.svc.List(c.Request.Context())
	if err != nil {
		logging.Error(c.Request.Context(), "api key listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": rows, "count": len(rows)})
}

func (h *Handler) describe(c *gin.Context) {
	projectID := c.Param("projectId")
	row, err := h.svc.Describe(c.Request.Context(), projectID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no api key for project"})
		return
	}
	if err != nil {
		logging.Error(c.Request.Context(), "api key describe failed",
			zap.String("projectId", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to describe api key"})
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handler) revoke(c *gin.Context) {
	projectID := c.Param("projectId")
	err := h.svc.Revoke(c.Request.Context(), projectID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active api key for project"})
		return
	}
	if err != nil {
		logging.Error(c.Request.Context(), "api key revocation failed",
			zap.String("projectId", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke api key"})
		return
	}

	logging.Info(c.Request.Context(), "api key revoked", zap.String("projectId", projectID))
	c.JSON(http.StatusOK, gin.H{"projectId": projectID, "revoked": true})
}
