package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebus/wirebus/internal/v1/logging"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(string(logging.CorrelationIDKey)))
	})
	return r
}

func TestCorrelationIDGenerated(t *testing.T) {
	r := newTestRouter()

	req, _ := http.NewRequest("GET", "/test", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	header := resp.Header().Get(HeaderXCorrelationID)
	_, err := uuid.Parse(header)
	require.NoError(t, err, "generated correlation id should be a uuid")

	// Handler sees the same id that is echoed in the header
	assert.Equal(t, header, resp.Body.String())
}

func TestCorrelationIDPassedThrough(t *testing.T) {
	r := newTestRouter()

	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set(HeaderXCorrelationID, "req-from-upstream")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, "req-from-upstream", resp.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-from-upstream", resp.Body.String())
}
