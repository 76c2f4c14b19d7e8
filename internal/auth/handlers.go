package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/session"
	"github.com/payxpay/payxpay/internal/telegram"
)

// Handler provides the Telegram login endpoint.
type Handler struct {
	verifier *telegram.Verifier
	issuer   *session.Issuer
	logger   *slog.Logger
}

// NewHandler creates a new auth handler
func NewHandler(v *telegram.Verifier, iss *session.Issuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{verifier: v, issuer: iss, logger: logger}
}

// RegisterRoutes sets up the public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/telegram", h.Login)
	r.GET("/auth/info", h.Info)
}

// RegisterProtectedRoutes sets up the session-only auth routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// LoginRequest carries the Mini-App launch data.
type LoginRequest struct {
	InitData string `json:"initData" binding:"required"`
}

// Login handles POST /v1/auth/telegram
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "initData is required",
		})
		return
	}

	res := h.verifier.Verify(req.InitData)
	if !res.Valid {
		code := "invalid_init_data"
		if errors.Is(res.Err, telegram.ErrStale) {
			code = "init_data_expired"
		}
		logging.L(c.Request.Context()).Info("telegram login refused", "reason", res.Err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   code,
			"message": res.Err.Error(),
		})
		return
	}

	token, expiresAt, err := h.issuer.Issue(res.User.ID, res.AuthDate)
	if err != nil {
		if errors.Is(err, session.ErrNoWindow) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "init_data_expired",
				"message": "Launch data is too old. Reopen the Mini-App.",
			})
			return
		}
		h.logger.Error("session issue failed", "user_id", res.User.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": expiresAt.Format(time.RFC3339),
		"user":      res.User,
	})
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        claims.ID,
		"issuedAt":  time.Unix(claims.IssuedAt, 0).UTC().Format(time.RFC3339),
		"expiresAt": time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339),
	})
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":        "telegram_init_data",
		"login":       "POST /v1/auth/telegram {\"initData\": \"<Telegram.WebApp.initData>\"}",
		"header":      "Authorization: Bearer <token>",
		"initDataTTL": h.verifier.TTL().String(),
		"publicEndpoints": []string{
			"POST /v1/auth/telegram",
			"POST /v1/invoices/verify",
			"GET /v1/rates",
			"GET /v1/rates/:unit",
		},
	})
}
