// Package room implements the per-project message bus actor. A Room owns
// the role maps (one runtime, many agents, prods, admins), the pending
// request table with its timeouts, and the idle alarm. All state is
// serialized behind a single mutex; blocking work (store writes, replay
// reads) happens off the lock.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/metrics"
	"github.com/wirebus/wirebus/internal/v1/protocol"
	"github.com/wirebus/wirebus/internal/v1/store"
)

var (
	// ErrRuntimeActive signals a singleton breach: the project already has
	// an open runtime socket.
	ErrRuntimeActive = errors.New("room: an open runtime is already connected")
	// ErrRoomClosed is returned by Attach after shutdown.
	ErrRoomClosed = errors.New("room: room is closed")
)

// Config carries the per-room tunables, injected at start and never mutated.
type Config struct {
	RequestTimeout     time.Duration
	IdleTimeout        time.Duration
	HistoryReplayLimit int
	FixturesEnabled    bool
}

// Room is the bus actor for one project.
type Room struct {
	ID string // projectId

	mu      sync.Mutex
	runtime *Conn
	agents  map[string]*Conn
	prods   map[string]*Conn
	admins  map[string]*Conn
	pending map[string]*pendingRequest

	store  *store.Store
	cfg    Config
	onIdle func(roomID string)

	idleTimer    *time.Timer
	lastActivity int64 // ms since epoch
	closed       bool
}

// New creates a Room. onIdle is invoked after the idle alarm fires so the
// owning hub can release the instance.
func New(id string, st *store.Store, cfg Config, onIdle func(roomID string)) *Room {
	metrics.ActiveRooms.Inc()
	return &Room{
		ID:           id,
		agents:       make(map[string]*Conn),
		prods:        make(map[string]*Conn),
		admins:       make(map[string]*Conn),
		pending:      make(map[string]*pendingRequest),
		store:        st,
		cfg:          cfg,
		onIdle:       onIdle,
		lastActivity: protocol.NowMillis(),
	}
}

// HasOpenRuntime is the pre-upgrade singleton check behind HTTP 409.
func (r *Room) HasOpenRuntime() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runtime != nil && r.runtime.IsOpen()
}

// Attach admits a connection into its role map. A second open runtime is
// rejected with ErrRuntimeActive; a dead one is replaced and its pending
// requests are cancelled.
func (r *Room) Attach(ctx context.Context, c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}

	switch c.Role {
	case protocol.RoleRuntime:
		if old := r.runtime; old != nil {
			if old.IsOpen() {
				return ErrRuntimeActive
			}
			logging.Info(ctx, "Replacing dead runtime",
				zap.String("room", r.ID), zap.String("oldRuntimeId", old.ID), zap.String("runtimeId", c.ID))
			r.cancelPendingForRuntimeLocked(old.ID)
			old.Disconnect()
			metrics.RoomConnections.WithLabelValues(r.ID, string(protocol.RoleRuntime)).Dec()
		}
		r.runtime = c
	case protocol.RoleAgent:
		r.agents[c.ID] = c
	case protocol.RoleProd:
		r.prods[c.ID] = c
	case protocol.RoleAdmin:
		r.admins[c.ID] = c
	}

	metrics.RoomConnections.WithLabelValues(r.ID, string(c.Role)).Inc()
	r.touchLocked()
	logging.Info(ctx, "Client attached",
		zap.String("room", r.ID), zap.String("clientId", c.ID), zap.String("role", string(c.Role)))
	return nil
}

// HandleDisconnect reacts to a socket close or error: the role map entry is
// removed, runtime-scoped pending requests are cancelled, and the idle
// alarm is armed when the room goes quiet.
func (r *Room) HandleDisconnect(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	// A connection may already be gone from its map: stale eviction on the
	// dispatch path and runtime replacement both remove it first, and both
	// decrement the gauge themselves. Only decrement for an entry actually
	// removed here.
	removed := false
	switch c.Role {
	case protocol.RoleRuntime:
		if r.runtime == c {
			r.runtime = nil
			r.cancelPendingForRuntimeLocked(c.ID)
			removed = true
		}
	case protocol.RoleAgent:
		if _, ok := r.agents[c.ID]; ok {
			delete(r.agents, c.ID)
			removed = true
		}
	case protocol.RoleProd:
		if _, ok := r.prods[c.ID]; ok {
			delete(r.prods, c.ID)
			removed = true
		}
	case protocol.RoleAdmin:
		if _, ok := r.admins[c.ID]; ok {
			delete(r.admins, c.ID)
			removed = true
		}
	}

	if removed {
		metrics.RoomConnections.WithLabelValues(r.ID, string(c.Role)).Dec()
	}
	r.lastActivity = protocol.NowMillis()
	logging.Info(context.Background(), "Client disconnected",
		zap.String("room", r.ID), zap.String("clientId", c.ID), zap.String("role", string(c.Role)))

	if r.isIdleLocked() {
		r.armIdleAlarmLocked()
	}
}

// isIdleLocked reports whether the room has no runtime and no agents.
func (r *Room) isIdleLocked() bool {
	return r.runtime == nil && len(r.agents) == 0
}

// Empty reports whether no sockets of any role remain.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runtime == nil && len(r.agents) == 0 && len(r.prods) == 0 && len(r.admins) == 0
}

func (r *Room) armIdleAlarmLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(r.cfg.IdleTimeout, r.idleAlarm)
}

func (r *Room) cancelIdleAlarmLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

// touchLocked records activity and defers the idle alarm.
func (r *Room) touchLocked() {
	r.lastActivity = protocol.NowMillis()
	r.cancelIdleAlarmLocked()
}

// idleAlarm fires after the idle timeout. If the room is still quiet it
// cancels residual pending requests, runs a log compaction pass, and hands
// the instance back to the hub.
func (r *Room) idleAlarm() {
	r.mu.Lock()
	if r.closed || !r.isIdleLocked() {
		r.mu.Unlock()
		return
	}
	r.cancelAllPendingLocked()
	r.idleTimer = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.CompactExpired(ctx, r.ID); err != nil {
		logging.Warn(ctx, "Idle compaction failed", zap.String("room", r.ID), zap.Error(err))
	}

	logging.Info(ctx, "Room idle, releasing", zap.String("room", r.ID))
	if r.onIdle != nil {
		r.onIdle(r.ID)
	}
}

// Close shuts the room down: all pending requests are cancelled and every
// socket is closed with code 1000.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.cancelAllPendingLocked()
	r.cancelIdleAlarmLocked()

	targets := r.allConnsLocked()
	r.mu.Unlock()

	logging.Info(context.Background(), "Closing room",
		zap.String("room", r.ID), zap.String("reason", reason))
	for _, c := range targets {
		metrics.RoomConnections.WithLabelValues(r.ID, string(c.Role)).Dec()
		c.CloseWithCode(1000, reason)
	}
	metrics.ActiveRooms.Dec()
}

// allConnsLocked snapshots every attached socket.
func (r *Room) allConnsLocked() []*Conn {
	var conns []*Conn
	if r.runtime != nil {
		conns = append(conns, r.runtime)
	}
	for _, c := range r.agents {
		conns = append(conns, c)
	}
	for _, c := range r.prods {
		conns = append(conns, c)
	}
	for _, c := range r.admins {
		conns = append(conns, c)
	}
	return conns
}

// ConnInfo is one socket's entry in a status snapshot.
type ConnInfo struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	ConnectedAt int64  `json:"connectedAt"`
	Open        bool   `json:"open"`
}

// Snapshot is the /status view of a room.
type Snapshot struct {
	ProjectID    string     `json:"projectId"`
	Runtime      *ConnInfo  `json:"runtime"`
	Agents       []ConnInfo `json:"agents"`
	Prods        []ConnInfo `json:"prods"`
	Admins       []ConnInfo `json:"admins"`
	Pending      int        `json:"pendingRequests"`
	LastActivity int64      `json:"lastActivity"`
}

// Snapshot reports the current connection state for /status.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := func(c *Conn) ConnInfo {
		return ConnInfo{ID: c.ID, Role: string(c.Role), ConnectedAt: c.ConnectedAt, Open: c.IsOpen()}
	}

	snap := Snapshot{
		ProjectID:    r.ID,
		Agents:       []ConnInfo{},
		Prods:        []ConnInfo{},
		Admins:       []ConnInfo{},
		Pending:      len(r.pending),
		LastActivity: r.lastActivity,
	}
	if r.runtime != nil {
		ri := info(r.runtime)
		snap.Runtime = &ri
	}
	for _, c := range r.agents {
		snap.Agents = append(snap.Agents, info(c))
	}
	for _, c := range r.prods {
		snap.Prods = append(snap.Prods, info(c))
	}
	for _, c := range r.admins {
		snap.Admins = append(snap.Admins, info(c))
	}
	return snap
}
