// Package transport owns the HTTP edge of the bus: WebSocket admission
// (role validation, credential check, runtime singleton enforcement) and
// the per-project operational endpoints.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/config"
	"github.com/wirebus/wirebus/internal/v1/keys"
	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/metrics"
	"github.com/wirebus/wirebus/internal/v1/protocol"
	"github.com/wirebus/wirebus/internal/v1/ratelimit"
	"github.com/wirebus/wirebus/internal/v1/room"
	"github.com/wirebus/wirebus/internal/v1/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are not restricted: admission is controlled by project id and
	// api key, and the CORS policy deliberately allows any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the registry of active rooms, one per project id.
type Hub struct {
	rooms map[string]*room.Room
	mu    sync.Mutex

	store       *store.Store
	keys        *keys.Service
	cfg         *config.Config
	roomCfg     room.Config
	rateLimiter *ratelimit.RateLimiter
}

// NewHub wires the hub with its collaborators. keySvc may be nil in tests;
// key validation is then skipped entirely.
func NewHub(cfg *config.Config, st *store.Store, keySvc *keys.Service, rl *ratelimit.RateLimiter) *Hub {
	return &Hub{
		rooms: make(map[string]*room.Room),
		store: st,
		keys:  keySvc,
		cfg:   cfg,
		roomCfg: room.Config{
			RequestTimeout:     cfg.RequestTimeout,
			IdleTimeout:        cfg.IdleTimeout,
			HistoryReplayLimit: cfg.HistoryReplayLimit,
			FixturesEnabled:    cfg.FixturesEnabled,
		},
		rateLimiter: rl,
	}
}

// ServeWs validates the upgrade request and attaches the socket to its room.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written
	}

	if !strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		c.JSON(http.StatusUpgradeRequired, gin.H{
			"error":   "upgrade required",
			"message": "this endpoint only accepts WebSocket connections",
		})
		return
	}

	roleParam := c.Query("type")
	role, ok := protocol.ParseRole(roleParam)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid connection type",
			"message": fmt.Sprintf("type must be one of: %s", strings.Join(protocol.RoleNames(), ", ")),
		})
		return
	}

	projectID := c.Query("projectId")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing projectId"})
		return
	}
	if !protocol.ValidProjectID.MatchString(projectID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid projectId format"})
		return
	}

	if !h.authorize(c, projectID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid api key"})
		return
	}

	r := h.getOrCreateRoom(projectID)

	// Singleton pre-check so a competing runtime is refused before the
	// upgrade. A race past this point is caught again at attach.
	if role == protocol.RoleRuntime && r.HasOpenRuntime() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "runtime already connected",
			"message": "a runtime connection is already open for this project",
		})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "WebSocket upgrade failed",
			zap.String("projectId", projectID), zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	conn := room.NewConn(wsConn, r, clientID, role)

	if err := r.Attach(c.Request.Context(), conn); err != nil {
		logging.Warn(c.Request.Context(), "Attach refused after upgrade",
			zap.String("projectId", projectID), zap.String("role", string(role)), zap.Error(err))
		conn.Reject(1008, "policy violation: "+err.Error())
		return
	}

	metrics.IncConnection()

	connected := protocol.New(protocol.TypeConnected)
	_ = connected.Set("clientId", clientID)
	_ = connected.Set("clientType", string(role))
	_ = connected.Set("projectId", projectID)
	_ = connected.Set("message", fmt.Sprintf("connected to project %s as %s", projectID, role))
	conn.Send(connected)

	if role == protocol.RoleAdmin {
		r.ReplayHistory(c.Request.Context(), conn)
	}

	// Run blocks in the read pump until the socket closes.
	conn.Run(context.Background())
}

// authorize checks the presented api key when one is required. Keys are
// read from the apiKey query parameter or the x-api-key header. Bypass
// projects and requests without a key pass through.
func (h *Hub) authorize(c *gin.Context, projectID string) bool {
	if h.keys == nil || h.cfg.BypassesKeyCheck(projectID) {
		return true
	}

	apiKey := c.Query("apiKey")
	if apiKey == "" {
		apiKey = c.GetHeader("x-api-key")
	}
	if apiKey == "" {
		return true
	}

	return h.keys.Validate(c.Request.Context(), projectID, apiKey)
}

// getOrCreateRoom returns the room for a project, creating it on first use.
func (h *Hub) getOrCreateRoom(projectID string) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[projectID]; ok {
		return r
	}

	logging.Info(context.Background(), "Creating room", zap.String("projectId", projectID))
	r := room.New(projectID, h.store, h.roomCfg, h.releaseRoom)
	h.rooms[projectID] = r
	return r
}

// releaseRoom drops a room after its idle alarm, unless observers are
// still attached.
func (h *Hub) releaseRoom(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[projectID]
	if !ok {
		return
	}
	if !r.Empty() {
		logging.Info(context.Background(), "Keeping idle room with observers attached",
			zap.String("projectId", projectID))
		return
	}

	delete(h.rooms, projectID)
	metrics.ActiveRooms.Dec()
	logging.Info(context.Background(), "Released idle room", zap.String("projectId", projectID))
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown closes every room, sending normal closure to all sockets.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub, closing all active rooms")

	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room.Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close("Server shutting down")
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
