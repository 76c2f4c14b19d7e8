package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{401, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "error", Result(errors.New("boom")))
}

func TestMiddleware_CountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/invoices/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/invoices/:id", "4xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/invoices/abc", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/invoices/:id", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, name := range []string{
		"payxpay_active_websocket_clients",
		"payxpay_invoices_created_total",
		"payxpay_goroutines",
	} {
		assert.Contains(t, body, name)
	}
}
