package wallet

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/internal/middleware"
	"liveconsult-backend/pkg/constants"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/response"
	"liveconsult-backend/pkg/webhook"
)

// Ledger is the balance ledger as seen by the wallet endpoints
type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error)
	Deposit(ctx context.Context, in domain.Deposit) (*domain.Balance, bool, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error)
}

// Presence records provider availability
type Presence interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// Handler handles wallet and presence HTTP requests
type Handler struct {
	ledger        Ledger
	presence      Presence
	paymentSecret []byte
}

// NewHandler creates a new wallet handler. An empty paymentSecret accepts
// unsigned deposit callbacks and is meant for development only.
func NewHandler(ledger Ledger, presence Presence, paymentSecret string) *Handler {
	return &Handler{
		ledger:        ledger,
		presence:      presence,
		paymentSecret: []byte(paymentSecret),
	}
}

// GetBalance returns the caller's balance and accrued earnings
// GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, bal)
}

// ListEntries pages through the caller's ledger history, newest first
// GET /v1/wallet/entries?limit=20&offset=0
func (h *Handler) ListEntries(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(constants.DefaultPageSize)))
	if err != nil {
		response.ValidationError(c, "Invalid limit")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		response.ValidationError(c, "Invalid offset")
		return
	}

	entries, err := h.ledger.ListEntries(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// DepositRequest is the payment provider's top-up callback
type DepositRequest struct {
	UserID    string `json:"user_id" binding:"required,uuid"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reference string `json:"reference" binding:"required"`
}

// Deposit credits a top-up. The body must carry the payment provider's
// X-Webhook-Signature; a replayed reference is acknowledged without a second credit.
// POST /v1/wallet/deposits
func (h *Handler) Deposit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		response.ValidationError(c, "Unreadable body")
		return
	}
	if len(h.paymentSecret) > 0 && !webhook.Verify(h.paymentSecret, body, c.GetHeader("X-Webhook-Signature")) {
		logger.Warn("Deposit callback with bad signature", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "Invalid signature")
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if req.Amount > constants.MaxDepositCents {
		response.ValidationError(c, "Deposit exceeds the single top-up limit")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	bal, applied, err := h.ledger.Deposit(c.Request.Context(), domain.Deposit{
		UserID:    userID,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	status := http.StatusCreated
	if !applied {
		status = http.StatusOK
	}
	response.Success(c, status, gin.H{
		"balance": bal,
		"applied": applied,
	})
}

// Heartbeat marks the calling provider online for the presence TTL
// POST /v1/presence/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}

	if err := h.presence.SetUserOnline(c.Request.Context(), userID); err != nil {
		logger.Error("Failed to record presence",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"online":      true,
		"ttl_seconds": int(constants.PresenceTTL.Seconds()),
	})
}

// GoOffline withdraws the caller from new session requests
// DELETE /v1/presence
func (h *Handler) GoOffline(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}

	if err := h.presence.SetUserOffline(c.Request.Context(), userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"online": false})
}
