package room

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/metrics"
	"github.com/wirebus/wirebus/internal/v1/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Conn is a single client's socket inside a room: one of runtime, agent,
// prod, or admin. Outbound frames go through a buffered send channel owned
// by the write pump; the room never blocks on a dead peer.
type Conn struct {
	ID          string
	Role        protocol.Role
	ProjectID   string
	ConnectedAt int64 // ms since epoch

	conn wsConnection
	room *Room

	mu         sync.RWMutex
	closed     bool
	closeFrame []byte
	closeOnce  sync.Once

	send chan []byte
}

// NewConn wraps an upgraded socket for the given room and role.
func NewConn(conn wsConnection, room *Room, id string, role protocol.Role) *Conn {
	return &Conn{
		ID:          id,
		Role:        role,
		ProjectID:   room.ID,
		ConnectedAt: protocol.NowMillis(),
		conn:        conn,
		room:        room,
		send:        make(chan []byte, sendBufferSize),
	}
}

// IsOpen reports whether the socket is still usable for delivery.
func (c *Conn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Disconnect closes the send channel, which makes the write pump drain its
// buffer, emit the close frame, and close the underlying connection.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// CloseWithCode disconnects with an explicit close code on the wire, e.g.
// 1000 on shutdown or 1008 on a policy violation.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closeFrame = websocket.FormatCloseMessage(code, reason)
	c.mu.Unlock()
	c.Disconnect()
}

// Run starts the write pump and blocks in the read pump until the socket
// closes. The caller's handler goroutine is the read pump.
func (c *Conn) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// Reject starts the write pump just long enough to deliver a close frame
// to a connection that was never admitted.
func (c *Conn) Reject(code int, reason string) {
	go c.writePump()
	c.CloseWithCode(code, reason)
}

// readPump feeds inbound frames to the room's routing engine.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.room.HandleDisconnect(c)
		c.Disconnect()
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.room.Route(ctx, c, data)
	}
}

func (c *Conn) writePump() {
	defer c.conn.Close()

	for {
		message, ok := <-c.send
		if !ok {
			c.mu.RLock()
			frame := c.closeFrame
			c.mu.RUnlock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, frame)
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("clientId", c.ID), zap.Error(err))
			return
		}
	}
}

// Send encodes and queues one envelope for delivery.
func (c *Conn) Send(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		logging.Error(context.Background(), "Failed to encode envelope",
			zap.String("clientId", c.ID), zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw queues pre-encoded bytes without blocking. Frames to a closed or
// back-pressured peer are dropped.
func (c *Conn) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("clientId", c.ID))
		return
	}
	c.mu.RUnlock()

	// Safety net against a send racing Disconnect.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw",
				zap.String("clientId", c.ID), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full or closed",
			zap.String("clientId", c.ID))
	}
}
