package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/protocol"
	"github.com/wirebus/wirebus/internal/v1/room"
)

// projectIDFromQuery validates the projectId parameter shared by the
// operational endpoints. It writes the 400 response itself.
func projectIDFromQuery(c *gin.Context) (string, bool) {
	projectID := c.Query("projectId")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing projectId"})
		return "", false
	}
	if !protocol.ValidProjectID.MatchString(projectID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid projectId format"})
		return "", false
	}
	return projectID, true
}

// Status reports the connection snapshot of a project's room. A project
// without a live room gets an empty snapshot.
func (h *Hub) Status(c *gin.Context) {
	projectID, ok := projectIDFromQuery(c)
	if !ok {
		return
	}

	h.mu.Lock()
	r := h.rooms[projectID]
	h.mu.Unlock()

	if r == nil {
		c.JSON(http.StatusOK, room.Snapshot{
			ProjectID: projectID,
			Agents:    []room.ConnInfo{},
			Prods:     []room.ConnInfo{},
			Admins:    []room.ConnInfo{},
		})
		return
	}
	c.JSON(http.StatusOK, r.Snapshot())
}

// RoomHealth is the per-project liveness probe.
func (h *Hub) RoomHealth(c *gin.Context) {
	projectID, ok := projectIDFromQuery(c)
	if !ok {
		return
	}

	h.mu.Lock()
	_, active := h.rooms[projectID]
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"projectId": projectID,
		"active":    active,
		"timestamp": protocol.NowMillis(),
	})
}

// Usage serves the per-project usage report from the durable counters.
func (h *Hub) Usage(c *gin.Context) {
	projectID, ok := projectIDFromQuery(c)
	if !ok {
		return
	}

	report, err := h.store.UsageReport(c.Request.Context(), projectID)
	if err != nil {
		logging.Error(c.Request.Context(), "Usage report failed",
			zap.String("projectId", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read usage"})
		return
	}
	c.JSON(http.StatusOK, report)
}
