package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.Handle(method, "/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(TelegramFrameAncestors...), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Empty(t, w.Header().Get("X-Frame-Options"), "Telegram must be able to frame the Mini-App")

	csp := w.Header().Get("Content-Security-Policy")
	assert.Contains(t, csp, "frame-ancestors 'self' https://web.telegram.org https://*.telegram.org")
}

func TestHeadersMiddleware_NoAncestors(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'self'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
		wantCreds  string
	}{
		{"allowed origin", []string{"https://app.test"}, "https://app.test", "https://app.test", "true"},
		{"trailing slash in config", []string{"https://app.test/"}, "https://app.test", "https://app.test", "true"},
		{"other origin", []string{"https://app.test"}, "https://evil.test", "", ""},
		{"wildcard", []string{"*"}, "https://any.test", "https://any.test", ""},
		{"unconfigured", nil, "https://any.test", "https://any.test", ""},
		{"no origin", []string{"https://app.test"}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"https://app.test"}), http.MethodOptions, "https://app.test")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://93.184.216.34/v2", false},
		{"ftp://hermes.test", true},
		{"https://", true},
		{"http://localhost:8080", true},
		{"http://127.0.0.1:1317", true},
		{"http://10.0.0.5", true},
		{"http://169.254.169.254/latest", true},
		{"http://0.0.0.0", true},
		{"http://[::1]/", true},
	}
	for _, tt := range tests {
		err := ValidateEndpointURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}

func TestValidateEndpoints(t *testing.T) {
	assert.NoError(t, ValidateEndpoints(map[string]string{"HERMES_URL": "", "XION_REST_URL": "https://93.184.216.34"}))

	err := ValidateEndpoints(map[string]string{"HERMES_URL": "http://127.0.0.1", "XION_REST_URL": "https://93.184.216.34"})
	assert.ErrorContains(t, err, "HERMES_URL")
}
