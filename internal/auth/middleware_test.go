package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payxpay/payxpay/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newIssuer(t *testing.T) *session.Issuer {
	t.Helper()
	iss, err := session.NewIssuer("bot-token", time.Hour, 15*time.Minute)
	require.NoError(t, err)
	return iss
}

func protectedRouter(v TokenValidator) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(v))
	r.GET("/me", RequireAuth(), func(c *gin.Context) {
		id, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"id": id})
	})
	return r
}

func serve(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	code, _ := body["error"].(string)
	return code
}

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	iss := newIssuer(t)
	token, _, err := iss.Issue(42, time.Now())
	require.NoError(t, err)

	w := serve(protectedRouter(iss), "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	assert.JSONEq(t, `{"id":42}`, w.Body.String())
}

func TestRequireAuth_MissingToken(t *testing.T) {
	w := serve(protectedRouter(newIssuer(t)), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_token", errorCode(t, w))
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	w := serve(protectedRouter(newIssuer(t)), "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token", errorCode(t, w))
}

func TestRequireAuth_ExpiredToken(t *testing.T) {
	w := serve(protectedRouter(expiredValidator{}), "Bearer anything")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token_expired", errorCode(t, w))
}

func TestRequireAuth_WrongScheme(t *testing.T) {
	iss := newIssuer(t)
	token, _, err := iss.Issue(42, time.Now())
	require.NoError(t, err)

	w := serve(protectedRouter(iss), "Basic "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_token", errorCode(t, w))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("abc"))
	assert.Equal(t, "", BearerToken(""))
}

type expiredValidator struct{}

func (expiredValidator) Validate(string) (*session.Claims, error) {
	return nil, session.ErrExpiredToken
}
