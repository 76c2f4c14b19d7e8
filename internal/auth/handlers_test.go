package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/telegram"
)

const botToken = "7342037359:AAHI25ES9xCOMPWYWjSyjcHW5DD0gmNnn1s"

func loginRouter(t *testing.T) (*gin.Engine, *telegram.Verifier) {
	t.Helper()
	v := telegram.NewVerifier(botToken, 0)
	iss := newIssuer(t)
	h := NewHandler(v, iss, logging.Discard())

	r := gin.New()
	r.Use(Middleware(iss))
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	protected := g.Group("")
	protected.Use(RequireAuth())
	h.RegisterProtectedRoutes(protected)
	return r, v
}

func initData(v *telegram.Verifier, authDate time.Time) string {
	fields := map[string]string{
		"auth_date": strconv.FormatInt(authDate.Unix(), 10),
		"user":      `{"id":5001,"first_name":"Ayşe","username":"ayse"}`,
	}
	q := url.Values{}
	for k, val := range fields {
		q.Set(k, val)
	}
	q.Set("hash", v.Sign(fields))
	return q.Encode()
}

func postLogin(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/telegram", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLogin_IssuesUsableToken(t *testing.T) {
	r, v := loginRouter(t)
	body, _ := json.Marshal(LoginRequest{InitData: initData(v, time.Now().Add(-time.Minute))})

	w := postLogin(r, string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
		User      struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5001), resp.User.ID)
	assert.Equal(t, "Ayşe", resp.User.FirstName)
	exp, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(14*time.Minute), exp, 5*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":5001`)
}

func TestLogin_Rejections(t *testing.T) {
	r, v := loginRouter(t)
	stale, _ := json.Marshal(LoginRequest{InitData: initData(v, time.Now().Add(-time.Hour))})
	forged, _ := json.Marshal(LoginRequest{InitData: strings.Replace(initData(v, time.Now()), "5001", "5002", 1)})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty body", `{}`, http.StatusBadRequest, "invalid_request"},
		{"stale", string(stale), http.StatusUnauthorized, "init_data_expired"},
		{"forged", string(forged), http.StatusUnauthorized, "invalid_init_data"},
		{"garbage", `{"initData":"hello"}`, http.StatusUnauthorized, "invalid_init_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postLogin(r, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestInfo(t *testing.T) {
	r, _ := loginRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/auth/info", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "telegram_init_data")
}
