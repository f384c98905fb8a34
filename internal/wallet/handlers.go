package wallet

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/paycore/internal/money"
	"github.com/freightdesk/paycore/internal/pagination"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/:id", h.GetWallet)
	r.GET("/owners/:ownerID/wallet", h.GetByOwner)
	r.GET("/wallets/:id/transactions", h.GetHistory)

	r.POST("/wallets/:id/credit", h.Credit)
	r.POST("/wallets/:id/debit", h.Debit)
	r.POST("/wallets/transfer", h.Transfer)
	r.POST("/wallets/:id/freeze", h.Freeze)
	r.POST("/wallets/:id/unfreeze", h.Unfreeze)
	r.POST("/wallets/:id/close", h.Close)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/wallets/:id/suspend", h.Suspend)
	r.POST("/admin/reversals", h.Reverse)
	r.GET("/admin/wallets/:id/audit", h.Audit)
}

type createWalletRequest struct {
	OwnerID             string `json:"ownerId" binding:"required"`
	Currency            string `json:"currency" binding:"required"`
	DailyLimit          string `json:"dailyLimit"`
	MonthlyLimit        string `json:"monthlyLimit"`
	LowBalanceThreshold string `json:"lowBalanceThreshold"`
}

// CreateWallet handles POST /wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}

	limits := Limits{
		Daily:               money.Zero(cur),
		Monthly:             money.Zero(cur),
		LowBalanceThreshold: money.Zero(cur),
	}
	if req.DailyLimit != "" {
		if limits.Daily, err = money.New(req.DailyLimit, cur); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
	}
	if req.MonthlyLimit != "" {
		if limits.Monthly, err = money.New(req.MonthlyLimit, cur); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
	}
	if req.LowBalanceThreshold != "" {
		if limits.LowBalanceThreshold, err = money.New(req.LowBalanceThreshold, cur); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
	}

	w, err := h.service.CreateWallet(c.Request.Context(), req.OwnerID, cur, limits)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetWallet handles GET /wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "available": w.Available()})
}

// GetByOwner handles GET /owners/:ownerID/wallet
func (h *Handler) GetByOwner(c *gin.Context) {
	w, err := h.service.GetByOwner(c.Request.Context(), c.Param("ownerID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "available": w.Available()})
}

// GetHistory handles GET /wallets/:id/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}

	// Fetch one extra row to detect whether another page exists.
	txs, err := h.service.History(c.Request.Context(), c.Param("id"), limit+1, opts...)
	if err != nil {
		respondError(c, err)
		return
	}

	txs, next, hasMore := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

type movementRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

func (r movementRequest) money() (money.Money, error) {
	cur, err := money.ParseCurrency(r.Currency)
	if err != nil {
		return money.Money{}, err
	}
	return money.New(r.Amount, cur)
}

// Credit handles POST /wallets/:id/credit
func (h *Handler) Credit(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := req.money()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	tx, err := h.service.Credit(c.Request.Context(), c.Param("id"), amount, req.Reference, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Debit handles POST /wallets/:id/debit
func (h *Handler) Debit(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := req.money()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	tx, err := h.service.Debit(c.Request.Context(), c.Param("id"), amount, req.Reference, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type transferRequest struct {
	SourceID    string `json:"sourceId" binding:"required"`
	DestID      string `json:"destId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// Transfer handles POST /wallets/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req transferRequest
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

	out, in, err := h.service.Transfer(c.Request.Context(), req.SourceID, req.DestID, amount, req.Reference, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outgoing": out, "incoming": in})
}

type reverseRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	Reason        string `json:"reason"`
}

// Reverse handles POST /admin/reversals
func (h *Handler) Reverse(c *gin.Context) {
	var req reverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	rev, err := h.service.Reverse(c.Request.Context(), req.TransactionID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("transaction reversed",
		"original", req.TransactionID,
		"reversal", rev.ID,
		"reason", req.Reason,
	)
	c.JSON(http.StatusOK, gin.H{"reversal": rev})
}

// Freeze handles POST /wallets/:id/freeze
func (h *Handler) Freeze(c *gin.Context) {
	h.statusChange(c, h.service.Freeze, StatusFrozen)
}

// Unfreeze handles POST /wallets/:id/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	h.statusChange(c, h.service.Unfreeze, StatusActive)
}

// Suspend handles POST /admin/wallets/:id/suspend
func (h *Handler) Suspend(c *gin.Context) {
	h.statusChange(c, h.service.Suspend, StatusSuspended)
}

// Close handles POST /wallets/:id/close
func (h *Handler) Close(c *gin.Context) {
	h.statusChange(c, h.service.Close, StatusClosed)
}

func (h *Handler) statusChange(c *gin.Context, op func(ctx context.Context, id string) error, to Status) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletId": id, "status": to})
}

// Audit handles GET /admin/wallets/:id/audit
func (h *Handler) Audit(c *gin.Context) {
	id := c.Param("id")
	err := h.service.Audit(c.Request.Context(), id)

	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		c.JSON(http.StatusOK, gin.H{
			"walletId": id,
			"ok":       false,
			"stored":   integrity.Stored,
			"derived":  integrity.Derived,
			"detail":   integrity.Detail,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletId": id, "ok": true})
}

// respondError maps domain errors to HTTP status codes and stable
// error codes that API clients dispatch on.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrDuplicateWallet):
		status, code = http.StatusConflict, "duplicate_wallet"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, ErrInsufficientReserve):
		status, code = http.StatusUnprocessableEntity, "insufficient_reserve"
	case errors.Is(err, ErrLimitExceeded):
		status, code = http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, ErrWalletInactive):
		status, code = http.StatusConflict, "wallet_inactive"
	case errors.Is(err, ErrSameWalletTransfer):
		status, code = http.StatusBadRequest, "same_wallet"
	case errors.Is(err, ErrNonZeroBalance):
		status, code = http.StatusConflict, "balance_not_zero"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrAlreadyReversed):
		status, code = http.StatusConflict, "already_reversed"
	case errors.Is(err, ErrNotReversible):
		status, code = http.StatusConflict, "not_reversible"
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
