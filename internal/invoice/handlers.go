package invoice

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/payxpay/payxpay/internal/auth"
	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/validation"
)

// Handler provides HTTP endpoints for invoices.
type Handler struct {
	service     *Service
	botUsername string
}

// NewHandler creates a new invoice handler. botUsername builds share links.
func NewHandler(service *Service, botUsername string) *Handler {
	return &Handler{service: service, botUsername: botUsername}
}

// RegisterRoutes sets up public invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invoices/verify", h.VerifyInvoice)
}

// RegisterProtectedRoutes sets up session-only invoice routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.CreateInvoice)
	r.GET("/invoices", h.ListInvoices)
	r.GET("/invoices/:id", h.GetInvoice)
	r.GET("/invoices/:id/status", h.GetStatus)
	r.DELETE("/invoices/:id", h.DeleteInvoice)
	r.POST("/invoices/:id/payment", h.RecordPayment)
	r.POST("/invoices/:id/confirm", h.Confirm)
	r.POST("/invoices/:id/approve", h.Approve)
	r.POST("/invoices/:id/reject", h.Reject)
	r.POST("/invoices/:id/refund", h.Refund)
	r.POST("/invoices/:id/share", h.Share)
}

// CreateInvoiceRequest is the body of POST /v1/invoices. The issuer's id
// comes from the session; the display names come from the Mini-App.
type CreateInvoiceRequest struct {
	CreateRequest
	IssuerFirstName string `json:"issuerFirstName" binding:"required"`
	IssuerLastName  string `json:"issuerLastName"`
	IssuerHandle    string `json:"issuerTelegramHandle"`
}

// PaymentRequest is the body of POST /v1/invoices/:id/payment.
type PaymentRequest struct {
	TxHash       string `json:"txHash" binding:"required"`
	Mode         string `json:"mode" binding:"required"`
	PayerAddress string `json:"payerAddress"`
}

// RejectRequest is the body of POST /v1/invoices/:id/reject.
type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// VerifyRequest is the body of POST /v1/invoices/verify.
type VerifyRequest struct {
	Invoice string `json:"invoice" binding:"required"`
}

// CreateInvoice handles POST /v1/invoices
func (h *Handler) CreateInvoice(c *gin.Context) {
	caller, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, MaxDescriptionLength),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidUnit("unit", req.Unit),
		validation.Required("payoutAddress", req.PayoutAddress),
		validation.ValidAddress("payoutAddress", req.PayoutAddress),
		validation.MaxLength("issuerFirstName", req.IssuerFirstName, 64),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	issuer := Issuer{
		ID:        caller,
		FirstName: validation.SanitizeString(req.IssuerFirstName, 64),
		LastName:  validation.SanitizeString(req.IssuerLastName, 64),
		Username:  validation.SanitizeString(req.IssuerHandle, 32),
	}
	rec, err := h.service.Create(c.Request.Context(), issuer, req.CreateRequest)
	if err != nil {
		h.writeError(c, err)
		return
	}
	encoded, err := Encode(rec.Invoice)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"invoice":       h.view(rec, caller),
		"signedInvoice": encoded,
		"shareLink":     ShareLink(h.botUsername, rec.ID),
	})
}

// VerifyInvoice handles POST /v1/invoices/verify
func (h *Handler) VerifyInvoice(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invoice is required",
		})
		return
	}
	si, valid, err := h.service.Verify(req.Invoice)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := gin.H{"isValid": valid}
	if valid {
		resp["invoice"] = si
	}
	c.JSON(http.StatusOK, resp)
}

// GetInvoice handles GET /v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	caller, _ := auth.UserID(c)
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": h.view(rec, caller)})
}

// GetStatus handles GET /v1/invoices/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           rec.ID,
		"state":        rec.State(),
		"isPaid":       rec.IsPaid(),
		"isSettled":    rec.IsSettled(),
		"confirmation": rec.Confirmation,
	})
}

// ListInvoices handles GET /v1/invoices?role=issuer|payer|all&cursor=&limit=
func (h *Handler) ListInvoices(c *gin.Context) {
	caller, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	role := Role(c.DefaultQuery("role", string(RoleAll)))
	switch role {
	case RoleIssuer, RolePayer, RoleAll:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role must be issuer, payer or all",
		})
		return
	}
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	recs, next, err := h.service.List(c.Request.Context(), caller, role, c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	views := make([]recordView, len(recs))
	for i, rec := range recs {
		views[i] = h.view(rec, caller)
	}
	c.JSON(http.StatusOK, gin.H{
		"invoices":   views,
		"count":      len(views),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// DeleteInvoice handles DELETE /v1/invoices/:id
func (h *Handler) DeleteInvoice(c *gin.Context) {
	h.apply(c, Delete{})
}

// RecordPayment handles POST /v1/invoices/:id/payment
func (h *Handler) RecordPayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash and mode are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidTxHash("txHash", req.TxHash),
		validation.ValidAddress("payerAddress", req.PayerAddress),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	h.apply(c, RecordPayment{
		Mode:         PaymentMode(req.Mode),
		TxRef:        req.TxHash,
		PayerAddress: req.PayerAddress,
	})
}

// Confirm handles POST /v1/invoices/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	h.apply(c, Confirm{})
}

// Approve handles POST /v1/invoices/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	h.apply(c, Approve{})
}

// Reject handles POST /v1/invoices/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}
	h.apply(c, Reject{Reason: req.Reason})
}

// Refund handles POST /v1/invoices/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	h.apply(c, Refund{})
}

// Share handles POST /v1/invoices/:id/share
func (h *Handler) Share(c *gin.Context) {
	caller, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id := c.Param("id")
	share, err := h.service.Share(c.Request.Context(), id, caller)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"preparedMessageId": share.ID,
		"expiresAt":         share.ExpiresAt,
		"shareLink":         ShareLink(h.botUsername, id),
	})
}

func (h *Handler) apply(c *gin.Context, action Action) {
	caller, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	rec, err := h.service.Apply(c.Request.Context(), c.Param("id"), caller, action)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, deleted := action.(Delete); deleted {
		c.JSON(http.StatusOK, gin.H{"deleted": true, "id": rec.ID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": h.view(rec, caller)})
}

// recordView is a record as its viewer sees it.
type recordView struct {
	*Record
	State   State    `json:"state"`
	Actions []string `json:"actions"`
}

func (h *Handler) view(rec *Record, caller int64) recordView {
	return recordView{Record: rec, State: rec.State(), Actions: AvailableActions(rec, caller)}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrPaymentRejected):
		status = http.StatusUnprocessableEntity
		code = "payment_rejected"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrAlreadySettled):
		status = http.StatusConflict
		code = "already_settled"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDuplicate):
		status = http.StatusConflict
		code = "duplicate"
	case errors.Is(err, ErrUpstream):
		status = http.StatusBadGateway
		code = "upstream_error"
	default:
		logging.L(c.Request.Context()).Error("invoice request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
