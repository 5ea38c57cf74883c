package stream

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/internal/middleware"
	"liveconsult-backend/pkg/response"
)

// Service is the livestream service as seen by the REST surface
type Service interface {
	StartStream(ctx context.Context, providerID uuid.UUID, title string) (*domain.Stream, error)
	EndStream(ctx context.Context, streamID, by uuid.UUID) (*domain.Stream, error)
	SendGift(ctx context.Context, senderID, streamID uuid.UUID, gross int64) (*domain.Gift, error)
	GetStream(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error)
	ListGifts(ctx context.Context, streamID uuid.UUID) ([]*domain.Gift, error)
}

// Handler handles livestream HTTP requests
type Handler struct {
	streams Service
}

// NewHandler creates a new stream handler
func NewHandler(streams Service) *Handler {
	return &Handler{streams: streams}
}

// StartStreamRequest represents a broadcast start
type StartStreamRequest struct {
	Title string `json:"title" binding:"required"`
}

// StartStream goes live as the caller
// POST /v1/streams
func (h *Handler) StartStream(c *gin.Context) {
	providerID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}

	var req StartStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	st, err := h.streams.StartStream(c.Request.Context(), providerID, req.Title)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, st)
}

// GetStream returns a stream and its gift total
// GET /v1/streams/:id
func (h *Handler) GetStream(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	st, err := h.streams.GetStream(c.Request.Context(), streamID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, st)
}

// EndStream stops a broadcast; only its provider may end it
// POST /v1/streams/:id/end
func (h *Handler) EndStream(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	st, err := h.streams.EndStream(c.Request.Context(), streamID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, st)
}

// SendGiftRequest carries the gross gift amount in cents
type SendGiftRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// SendGift tips the stream's provider from the caller's balance
// POST /v1/streams/:id/gifts
func (h *Handler) SendGift(c *gin.Context) {
	senderID, ok := middleware.GetUserID(c)
	if !ok {
		return
	}
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	var req SendGiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	gift, err := h.streams.SendGift(c.Request.Context(), senderID, streamID, req.Amount)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gift)
}

// ListGifts returns the gifts a stream received
// GET /v1/streams/:id/gifts
func (h *Handler) ListGifts(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	gifts, err := h.streams.ListGifts(c.Request.Context(), streamID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"gifts": gifts,
		"count": len(gifts),
	})
}

func streamParam(c *gin.Context) (uuid.UUID, bool) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid stream ID")
		return uuid.Nil, false
	}
	return streamID, true
}
