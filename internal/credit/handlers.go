package credit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/money"
)

// Handler provides HTTP endpoints for credit operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new credit handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up credit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/credit/accounts", h.OpenAccount)
	r.GET("/credit/accounts/:id", h.GetAccount)
	r.GET("/owners/:ownerID/credit", h.GetStatus)
	r.GET("/credit/accounts/:id/transactions", h.GetHistory)

	r.POST("/credit/transactions/:id/settle", h.Settle)
	r.POST("/credit/transactions/:id/cancel", h.Cancel)
	r.POST("/credit/transactions/:id/refund", h.Refund)
	r.POST("/credit/accounts/:id/payments", h.RecordPayment)
}

// RegisterAdminRoutes sets up admin-only credit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/credit/accounts/:id/approve", h.Approve)
	r.POST("/admin/credit/accounts/:id/suspend", h.Suspend)
	r.POST("/admin/credit/accounts/:id/reactivate", h.Reactivate)
	r.POST("/admin/credit/accounts/:id/close", h.Close)
	r.POST("/admin/credit/sweep", h.Sweep)
}

type openAccountRequest struct {
	OwnerID        string `json:"ownerId" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	CreditLimit    string `json:"creditLimit" binding:"required"`
	OverdraftLimit string `json:"overdraftLimit"`
	TermDays       int    `json:"termDays"`
	MonthlyRate    string `json:"monthlyRate"`
}

// OpenAccount handles POST /credit/accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}
	limit, err := money.New(req.CreditLimit, cur)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	overdraft := money.Zero(cur)
	if req.OverdraftLimit != "" {
		if overdraft, err = money.New(req.OverdraftLimit, cur); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
	}
	rate := decimal.Zero
	if req.MonthlyRate != "" {
		if rate, err = decimal.NewFromString(req.MonthlyRate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rate", "message": err.Error()})
			return
		}
	}

	a, err := h.service.OpenAccount(c.Request.Context(), req.OwnerID, cur, limit, overdraft, req.TermDays, rate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// GetAccount handles GET /credit/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.service.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a, "available": a.AvailableCredit()})
}

// GetStatus handles GET /owners/:ownerID/credit
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("ownerID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetHistory handles GET /credit/accounts/:id/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.service.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

type settleRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Settle handles POST /credit/transactions/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	var amount money.Money
	if req.Amount != "" {
		cur, err := money.ParseCurrency(req.Currency)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
			return
		}
		if amount, err = money.New(req.Amount, cur); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
	}

	charge, err := h.service.Settle(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charge": charge})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /credit/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := h.service.CancelAuthorization(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactionId": c.Param("id"), "status": TxCancelled})
}

type refundRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Reason   string `json:"reason"`
}

// Refund handles POST /credit/transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
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

	refund, err := h.service.Refund(c.Request.Context(), c.Param("id"), amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": refund})
}

type recordPaymentRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Reference string `json:"reference"`
}

// RecordPayment handles POST /credit/accounts/:id/payments
func (h *Handler) RecordPayment(c *gin.Context) {
	var req recordPaymentRequest
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

	tx, err := h.service.RecordPayment(c.Request.Context(), c.Param("id"), amount, req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": tx})
}

// Approve handles POST /admin/credit/accounts/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	h.statusChange(c, h.service.Approve, AccountActive)
}

// Suspend handles POST /admin/credit/accounts/:id/suspend
func (h *Handler) Suspend(c *gin.Context) {
	h.statusChange(c, h.service.Suspend, AccountSuspended)
}

// Reactivate handles POST /admin/credit/accounts/:id/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	h.statusChange(c, h.service.Reactivate, AccountActive)
}

// Close handles POST /admin/credit/accounts/:id/close
func (h *Handler) Close(c *gin.Context) {
	h.statusChange(c, h.service.Close, AccountClosed)
}

func (h *Handler) statusChange(c *gin.Context, op func(ctx context.Context, id string) error, to AccountStatus) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": id, "status": to})
}

// Sweep handles POST /admin/credit/sweep
func (h *Handler) Sweep(c *gin.Context) {
	count, err := h.service.SweepOverdue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": count})
}

// respondError maps domain errors to HTTP status codes and stable
// error codes that API clients dispatch on.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrTransactionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrDuplicateAccount):
		status, code = http.StatusConflict, "duplicate_account"
	case errors.Is(err, ErrInsufficientCredit):
		status, code = http.StatusUnprocessableEntity, "insufficient_credit"
	case errors.Is(err, ErrAccountInactive):
		status, code = http.StatusConflict, "account_inactive"
	case errors.Is(err, ErrAlreadyProcessed):
		status, code = http.StatusConflict, "already_processed"
	case errors.Is(err, ErrRefundExceedsOriginal):
		status, code = http.StatusUnprocessableEntity, "refund_exceeds_original"
	case errors.Is(err, ErrNotRefundable):
		status, code = http.StatusConflict, "not_refundable"
	case errors.Is(err, ErrNotOverdue):
		status, code = http.StatusConflict, "not_overdue"
	case errors.Is(err, ErrOutstandingBalance):
		status, code = http.StatusConflict, "outstanding_balance"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrLockTimeout):
		status, code = http.StatusConflict, "concurrent_update"
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrAmountOutOfRange),
		errors.Is(err, money.ErrPrecision),
		errors.Is(err, money.ErrCurrencyMismatch):
		status, code = http.StatusBadRequest, "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
