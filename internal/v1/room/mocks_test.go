package room

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wirebus/wirebus/internal/v1/protocol"
	"github.com/wirebus/wirebus/internal/v1/store"
)

// mockSocket implements wsConnection and records every frame the write
// pump emits.
type mockSocket struct {
	mu     sync.Mutex
	closed bool

	frames      chan []byte // text frames
	closeFrames chan []byte // close control frames
}

func newMockSocket() *mockSocket {
	return &mockSocket{
		frames:      make(chan []byte, 100),
		closeFrames: make(chan []byte, 10),
	}
}

func (m *mockSocket) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("mock socket: no inbound frames")
}

func (m *mockSocket) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock socket: closed")
	}
	buf := append([]byte(nil), data...)
	switch messageType {
	case websocket.CloseMessage:
		m.closeFrames <- buf
	default:
		m.frames <- buf
	}
	return nil
}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSocket) SetWriteDeadline(t time.Time) error { return nil }

// nextFrame waits for the next text frame and decodes it into a field map.
func (m *mockSocket) nextFrame(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	select {
	case data := <-m.frames:
		var fields map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &fields))
		return fields
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expectNoFrame asserts nothing arrives within the grace window.
func (m *mockSocket) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case data := <-m.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

// closeCode waits for the close control frame and returns its status code.
func (m *mockSocket) closeCode(t *testing.T) int {
	t.Helper()
	select {
	case data := <-m.closeFrames:
		require.GreaterOrEqual(t, len(data), 2)
		return int(binary.BigEndian.Uint16(data[:2]))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close frame")
		return 0
	}
}

func fieldString(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	raw, ok := fields[key]
	require.True(t, ok, "missing field %q", key)
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func defaultTestConfig() Config {
	return Config{
		RequestTimeout:     30 * time.Second,
		IdleTimeout:        5 * time.Minute,
		HistoryReplayLimit: 500,
		FixturesEnabled:    true,
	}
}

func newTestRoom(cfg Config) *Room {
	return New("P", (*store.Store)(nil), cfg, nil)
}

// newTestConn attaches a fresh connection with a live write pump.
func newTestConn(t *testing.T, r *Room, id string, role protocol.Role) (*Conn, *mockSocket) {
	t.Helper()

	ms := newMockSocket()
	c := NewConn(ms, r, id, role)
	go c.writePump()
	t.Cleanup(c.Disconnect)

	require.NoError(t, r.Attach(t.Context(), c))
	return c, ms
}
