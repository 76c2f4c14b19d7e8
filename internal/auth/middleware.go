// Package auth exchanges Telegram launch data for session tokens and guards
// routes with them.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/session"
)

const (
	// ContextKeyUserID is the key for the authenticated Telegram user id
	ContextKeyUserID = "authUserID"
	// ContextKeyClaims is the key for the validated session claims
	ContextKeyClaims = "authClaims"
	// contextKeyAuthError remembers why a presented token was refused
	contextKeyAuthError = "authError"
)

// TokenValidator checks session tokens.
type TokenValidator interface {
	Validate(token string) (*session.Claims, error)
}

// Middleware validates the bearer token when one is presented and stores
// the caller in the context. Requests without a token pass through.
func Middleware(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token != "" {
			claims, err := v.Validate(token)
			if err != nil {
				c.Set(contextKeyAuthError, err)
			} else {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyUserID, claims.ID)
				ctx := logging.WithUserID(c.Request.Context(), claims.ID)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid session.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserID(c); ok {
			c.Next()
			return
		}
		v, presented := c.Get(contextKeyAuthError)
		err, _ := v.(error)
		switch {
		case !presented:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_token",
				"message": "Session token required. Include 'Authorization: Bearer <token>' header.",
			})
		case errors.Is(err, session.ErrExpiredToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "token_expired",
				"message": "Session expired. Reopen the Mini-App to sign in again.",
			})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "Session token is invalid.",
			})
		}
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// UserID returns the authenticated Telegram user id.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id != 0
}

// GetClaims returns the validated session claims, if any.
func GetClaims(c *gin.Context) (*session.Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*session.Claims)
	return claims, ok
}

// IsAuthenticated checks if the request carries a valid session
func IsAuthenticated(c *gin.Context) bool {
	_, ok := UserID(c)
	return ok
}
