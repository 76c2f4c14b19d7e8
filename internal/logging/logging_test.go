package logging

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		off     slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"WARN", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"loud", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tt := range tests {
		logger := New(tt.level, "text")
		assert.True(t, logger.Enabled(context.Background(), tt.enabled), tt.level)
		assert.False(t, logger.Enabled(context.Background(), tt.off), tt.level)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("hello", "invoice_id", "inv-1")
	assert.Contains(t, buf.String(), `"invoice_id":"inv-1"`)
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.NotNil(t, FromContext(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))

	custom := Discard()
	ctx = WithLogger(ctx, custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_DecoratesWithIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithUserID(ctx, 4242)

	L(ctx).Info("done")
	assert.Contains(t, buf.String(), `"request_id":"req-456"`)
	assert.Contains(t, buf.String(), `"user_id":4242`)
}

func TestRequestContext_ReusesHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestContext(NewWithWriter(&buf, "info", "json")), Requests())
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, RequestID(c.Request.Context()))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"msg":"request completed"`)
}

func TestRequestContext_GeneratesID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestContext(Discard()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}
