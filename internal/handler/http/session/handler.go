package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/internal/middleware"
	"liveconsult-backend/pkg/response"
)

// Service is the session registry as seen by the REST surface
type Service interface {
	Create(ctx context.Context, in domain.SessionCreate) (*domain.Session, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*domain.SessionSnapshot, error)
	End(ctx context.Context, sessionID, by uuid.UUID) (*domain.SessionSnapshot, error)
}

// Handler handles session HTTP requests
type Handler struct {
	sessions Service
}

// NewHandler creates a new session handler
func NewHandler(sessions Service) *Handler {
	return &Handler{sessions: sessions}
}

// CreateSessionRequest represents a consultation request by a client
type CreateSessionRequest struct {
	ProviderID  string `json:"provider_id" binding:"required,uuid"`
	ChannelType string `json:"channel_type" binding:"required,oneof=text audio video"`
	BillingMode string `json:"billing_mode" binding:"required,oneof=metered fixed"`
	Rate        int64  `json:"rate"`
}

// CreateSession opens a pending session with the caller as the client
// POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	clientID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		response.ValidationError(c, "Invalid provider ID")
		return
	}

	s, err := h.sessions.Create(c.Request.Context(), domain.SessionCreate{
		ProviderID:  providerID,
		ClientID:    clientID,
		ChannelType: domain.ChannelType(strings.ToLower(req.ChannelType)),
		BillingMode: domain.BillingMode(strings.ToLower(req.BillingMode)),
		Rate:        req.Rate,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, s)
}

// GetSession returns state, elapsed time and running cost to a participant
// GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	snap, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if _, ok := snap.RoleOf(userID); !ok {
		response.Forbidden(c, "Not a participant of this session")
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// EndSession hangs up on behalf of the caller and returns the final totals
// POST /v1/sessions/:id/end
func (h *Handler) EndSession(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	snap, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if _, ok := snap.RoleOf(userID); !ok {
		response.Forbidden(c, "Not a participant of this session")
		return
	}

	final, err := h.sessions.End(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, final)
}
