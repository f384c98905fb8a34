package payment

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/paycore/internal/credit"
	"github.com/freightdesk/paycore/internal/gateway"
	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/wallet"
)

// Handler provides HTTP endpoints for payment orchestration.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.ProcessPayment)
	r.GET("/payments/:id", h.GetStatus)
	r.POST("/payments/:id/complete", h.CompletePayment)
	r.POST("/payments/:id/refund", h.RefundPayment)
	r.GET("/owners/:ownerID/payments", h.ListByOwner)
	r.POST("/gateway/callback", h.GatewayCallback)
}

// RegisterAdminRoutes sets up admin-only payment routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/payments/reconcile", h.Reconcile)
}

type processRequest struct {
	OwnerID     string            `json:"ownerId" binding:"required"`
	Amount      string            `json:"amount" binding:"required"`
	Currency    string            `json:"currency" binding:"required"`
	Method      string            `json:"method" binding:"required"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// ProcessPayment handles POST /payments
func (h *Handler) ProcessPayment(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	method, err := ParseMethod(req.Method)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_method", "message": err.Error()})
		return
	}
	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}
	amount, err := money.New(req.Amount, cur)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	result, err := h.service.ProcessPayment(c.Request.Context(), ProcessRequest{
		OwnerID:     req.OwnerID,
		Amount:      amount,
		Method:      method,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Status == StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

// GetStatus handles GET /payments/:id. The identifier may be a
// payment id or a rail-side external id.
func (h *Handler) GetStatus(c *gin.Context) {
	p, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// CompletePayment handles POST /payments/:id/complete
func (h *Handler) CompletePayment(c *gin.Context) {
	result, err := h.service.CompletePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type refundRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Reason   string `json:"reason"`
}

// RefundPayment handles POST /payments/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}
	amount, err := money.New(req.Amount, cur)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	result, err := h.service.RefundPayment(c.Request.Context(), c.Param("id"), amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListByOwner handles GET /owners/:ownerID/payments
func (h *Handler) ListByOwner(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	payments, err := h.service.ListByOwner(c.Request.Context(), c.Param("ownerID"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// GatewayCallback handles POST /gateway/callback. The gateway signs
// the raw body; signature and timestamp arrive as headers.
func (h *Handler) GatewayCallback(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	signature := c.GetHeader("X-Gateway-Signature")
	timestamp := c.GetHeader("X-Gateway-Timestamp")
	if signature == "" || timestamp == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "missing signature headers"})
		return
	}

	result, err := h.service.HandleGatewayCallback(c.Request.Context(), payload, signature, timestamp)
	if err != nil {
		if errors.Is(err, ErrInvalidCallback) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Reconcile handles POST /admin/payments/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	count, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": count})
}

// respondError maps orchestrator and rail errors to HTTP responses
// using the persisted error-code vocabulary.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := ErrorCode(err)
	switch {
	case errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, credit.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidMethod):
		status, code = http.StatusBadRequest, "invalid_method"
	case errors.Is(err, ErrNotRefundable):
		status, code = http.StatusConflict, "not_refundable"
	case errors.Is(err, ErrRefundExceedsOriginal):
		status, code = http.StatusUnprocessableEntity, "refund_exceeds_original"
	case errors.Is(err, ErrStaleTransition):
		status = http.StatusConflict
	case errors.Is(err, wallet.ErrInsufficientBalance),
		errors.Is(err, credit.ErrInsufficientCredit),
		errors.Is(err, wallet.ErrLimitExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, wallet.ErrWalletInactive),
		errors.Is(err, credit.ErrAccountInactive):
		status = http.StatusConflict
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrAmountOutOfRange),
		errors.Is(err, money.ErrPrecision),
		errors.Is(err, money.ErrCurrencyMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrDeclined):
		status = http.StatusUnprocessableEntity
	case gateway.IsTransient(err):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
