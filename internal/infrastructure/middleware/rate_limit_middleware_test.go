package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"camrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(router *gin.Engine, remote string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	router.ServeHTTP(w, req)
	return w.Code
}

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestHTTPRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
}

func TestHTTPRateLimitMiddleware_PerIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1001"))
	// a different client has its own bucket
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:1000"))
}

func TestHTTPRateLimitMiddleware_ErrorBody(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newLimitedRouter(cfg)
	serve(router, "10.0.0.1:1000")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestClientIP_ForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))
}
