package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/config"
	"github.com/wirebus/wirebus/internal/v1/keys"
	"github.com/wirebus/wirebus/internal/v1/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:               "8080",
		ServiceKey:         "unit-test-service-key-0123456789",
		RequestTimeout:     30 * time.Second,
		IdleTimeout:        5 * time.Minute,
		LogRetentionHours:  24,
		MaxLogsPerHour:     1000,
		HistoryReplayLimit: 500,
		FixturesEnabled:    true,
		BypassProjects:     []string{"demo", "demo-prod"},
	}
}

type testServer struct {
	hub *Hub
	srv *httptest.Server
	st  *store.Store
}

// wsURL converts the test server base URL into a ws:// endpoint.
func (ts *testServer) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/websocket?" + query
}

func newTestServer(t *testing.T, cfg *config.Config, withStore bool, keySvc *keys.Service) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var st *store.Store
	if withStore {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		st = store.NewWithClient(client, store.Options{
			RetentionHours: cfg.LogRetentionHours,
			MaxLogsPerHour: cfg.MaxLogsPerHour,
		})
		t.Cleanup(func() { _ = st.Close() })
	}

	hub := NewHub(cfg, st, keySvc, nil)

	r := gin.New()
	r.GET("/websocket", hub.ServeWs)
	r.GET("/status", hub.Status)
	r.GET("/usage", hub.Usage)
	r.GET("/room-health", hub.RoomHealth)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Shutdown(t.Context()) })

	return &testServer{hub: hub, srv: srv, st: st}
}

func newKeyService(t *testing.T) *keys.Service {
	t.Helper()
	db, err := keys.OpenDB(keys.DBConfig{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return keys.NewService(db)
}

// dial opens a WebSocket and returns the connection plus handshake response.
func dial(t *testing.T, url string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	return fields
}

func strField(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(fields[key], &s))
	return s
}

func TestUpgradeRequiredWithoutWebSocketHeaders(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	resp, err := http.Get(ts.srv.URL + "/websocket?type=runtime&projectId=demo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestInvalidRoleRejected(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	_, resp, err := dial(t, ts.wsURL("type=superuser&projectId=demo"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := make([]byte, 512)
	n, _ := resp.Body.Read(body)
	assert.Contains(t, string(body[:n]), "runtime, agent, prod, admin")
}

func TestProjectIDValidation(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	_, resp, err := dial(t, ts.wsURL("type=runtime"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = dial(t, ts.wsURL("type=runtime&projectId=bad%20id"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectedEnvelope(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	conn, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.NoError(t, err)

	got := readEnvelope(t, conn)
	assert.Equal(t, "connected", strField(t, got, "type"))
	assert.Equal(t, "runtime", strField(t, got, "clientType"))
	assert.Equal(t, "demo", strField(t, got, "projectId"))
	assert.NotEmpty(t, strField(t, got, "clientId"))
	assert.NotEmpty(t, string(got["timestamp"]))

	assert.Equal(t, 1, ts.hub.RoomCount())
}

func TestRuntimeSingletonConflict(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	first, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.NoError(t, err)
	readEnvelope(t, first) // connected

	_, resp, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The first runtime is unaffected and still receives frames.
	require.NoError(t, first.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"ping","projectId":"demo","timestamp":1}`)))
	got := readEnvelope(t, first)
	assert.Equal(t, "pong", strField(t, got, "type"))
}

func TestSecondRuntimeAfterCloseSucceeds(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	first, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.NoError(t, err)
	readEnvelope(t, first)
	require.NoError(t, first.Close())

	// The server needs a moment to observe the close.
	require.Eventually(t, func() bool {
		conn, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
		if err != nil {
			return false
		}
		readEnvelope(t, conn)
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

func TestApiKeyRoundTrip(t *testing.T) {
	svc := newKeyService(t)
	ts := newTestServer(t, testConfig(), false, svc)

	created, err := svc.Create(t.Context(), "proj-x", "", "")
	require.NoError(t, err)

	conn, _, err := dial(t, ts.wsURL("type=runtime&projectId=proj-x&apiKey="+created.APIKey))
	require.NoError(t, err)
	readEnvelope(t, conn)
	require.NoError(t, conn.Close())

	require.NoError(t, svc.Revoke(t.Context(), "proj-x"))

	_, resp, err := dial(t, ts.wsURL("type=agent&projectId=proj-x&apiKey="+created.APIKey))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestApiKeyHeaderAccepted(t *testing.T) {
	svc := newKeyService(t)
	ts := newTestServer(t, testConfig(), false, svc)

	created, err := svc.Create(t.Context(), "proj-x", "", "")
	require.NoError(t, err)

	header := http.Header{}
	header.Set("x-api-key", created.APIKey)
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("type=agent&projectId=proj-x"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	got := readEnvelope(t, conn)
	assert.Equal(t, "agent", strField(t, got, "clientType"))
}

func TestBypassProjectSkipsKeyCheck(t *testing.T) {
	svc := newKeyService(t)
	ts := newTestServer(t, testConfig(), false, svc)

	conn, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo&apiKey=sa_live_ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	got := readEnvelope(t, conn)
	assert.Equal(t, "connected", strField(t, got, "type"))
}

func TestAdminGetsHistoricalLogsOnConnect(t *testing.T) {
	ts := newTestServer(t, testConfig(), true, nil)

	runtime, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.NoError(t, err)
	readEnvelope(t, runtime)

	for i := 0; i < 3; i++ {
		require.NoError(t, runtime.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"ping","projectId":"demo","timestamp":1}`)))
		readEnvelope(t, runtime) // pong
	}

	// Archival is asynchronous.
	require.Eventually(t, func() bool {
		logs, err := ts.st.RecentLogs(t.Context(), "demo", 0)
		return err == nil && len(logs) == 3
	}, 2*time.Second, 20*time.Millisecond)

	admin, _, err := dial(t, ts.wsURL("type=admin&projectId=demo"))
	require.NoError(t, err)

	got := readEnvelope(t, admin)
	assert.Equal(t, "connected", strField(t, got, "type"))

	got = readEnvelope(t, admin)
	assert.Equal(t, "historical_logs", strField(t, got, "type"))
	assert.JSONEq(t, `3`, string(got["count"]))
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	conn, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.NoError(t, err)
	readEnvelope(t, conn)

	resp, err := http.Get(ts.srv.URL + "/status?projectId=demo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		ProjectID string `json:"projectId"`
		Runtime   *struct {
			Role string `json:"role"`
		} `json:"runtime"`
		Pending int `json:"pendingRequests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "demo", snap.ProjectID)
	require.NotNil(t, snap.Runtime)
	assert.Equal(t, "runtime", snap.Runtime.Role)

	// Unknown projects still answer with an empty snapshot.
	resp2, err := http.Get(ts.srv.URL + "/status?projectId=ghost")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// Missing projectId is a client error.
	resp3, err := http.Get(ts.srv.URL + "/status")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestUsageEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig(), true, nil)

	runtime, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.NoError(t, err)
	readEnvelope(t, runtime)

	require.NoError(t, runtime.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"ping","projectId":"demo","timestamp":1}`)))
	readEnvelope(t, runtime)

	require.Eventually(t, func() bool {
		report, err := ts.st.UsageReport(t.Context(), "demo")
		return err == nil && report.TotalRequests == 1
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.srv.URL + "/usage?projectId=demo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report store.UsageReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "demo", report.ProjectID)
	assert.Equal(t, int64(1), report.TotalRequests)
	require.Len(t, report.DailyRequests, 1)
}

func TestShutdownClosesClientsNormally(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	conn, _, err := dial(t, ts.wsURL("type=runtime&projectId=demo"))
	require.NoError(t, err)
	readEnvelope(t, conn)

	require.NoError(t, ts.hub.Shutdown(t.Context()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, 0, ts.hub.RoomCount())
}

func TestRoomHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig(), false, nil)

	resp, err := http.Get(ts.srv.URL + "/room-health?projectId=demo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Active bool   `json:"active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.False(t, body.Active)
}
