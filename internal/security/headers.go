// Package security provides HTTP hardening middleware for the PayxPay API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TelegramFrameAncestors are the Telegram web clients that embed Mini-Apps.
var TelegramFrameAncestors = []string{
	"https://web.telegram.org",
	"https://*.telegram.org",
}

// HeadersMiddleware adds security headers to all responses. The Mini-App
// runs inside Telegram's web clients, so framing is limited to them
// instead of denied outright.
func HeadersMiddleware(frameAncestors ...string) gin.HandlerFunc {
	ancestors := "'self'"
	if len(frameAncestors) > 0 {
		ancestors += " " + strings.Join(frameAncestors, " ")
	}
	csp := "default-src 'self'; script-src 'self' https://telegram.org; connect-src 'self' wss: https:; img-src 'self' data: https:; frame-ancestors " + ancestors

	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", csp)
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=(self)")
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints. An empty list allows
// any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	wildcard := len(allowedOrigins) == 0 || allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials are never combined with a wildcard.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
