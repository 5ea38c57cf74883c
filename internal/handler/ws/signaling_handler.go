package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/metrics"
	"liveconsult-backend/pkg/response"
)

// SessionRegistry is the part of the session registry the router drives
type SessionRegistry interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*domain.SessionSnapshot, error)
	Transition(ctx context.Context, sessionID uuid.UUID, ev domain.SessionEvent) (*domain.Session, error)
	ParticipantLeft(ctx context.Context, sessionID uuid.UUID, role domain.Role) error
	ParticipantRejoined(ctx context.Context, sessionID uuid.UUID, role domain.Role) error
}

// HubConfig holds signaling limits
type HubConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatMaxMiss  int
	MaxConnections    int
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

// SignalingHub routes signaling messages between the two participants of a session.
// Each session gets a room with a single goroutine, so messages within a room are
// handled in arrival order.
type SignalingHub struct {
	registry SessionRegistry
	cfg      HubConfig
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[uuid.UUID]*room
	users map[uuid.UUID]map[*SignalingClient]struct{}

	// Semaphore for limiting concurrent connections
	semaphore   chan struct{}
	connections atomic.Int64
}

// NewSignalingHub creates a new signaling hub
func NewSignalingHub(registry SessionRegistry, cfg HubConfig, m *metrics.Metrics) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.HeartbeatMaxMiss <= 0 {
		cfg.HeartbeatMaxMiss = 3
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 20
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 40
	}

	h := &SignalingHub{
		registry:  registry,
		cfg:       cfg,
		metrics:   m,
		rooms:     make(map[uuid.UUID]*room),
		users:     make(map[uuid.UUID]map[*SignalingClient]struct{}),
		semaphore: make(chan struct{}, cfg.MaxConnections),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits native clients that send no Origin and browsers from the allow list
func (h *SignalingHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}
	logger.Warn("WebSocket origin rejected", zap.String("origin", origin))
	return false
}

// ServeWS handles WebSocket requests for signaling
func (h *SignalingHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Server at capacity, please try again later")
		return
	}
	upgraded := false
	defer func() {
		if !upgraded {
			<-h.semaphore
		}
	}()

	sessionID, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		response.ValidationError(c, "session_id must be a valid UUID")
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Unauthorized")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	snap, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	role, ok := snap.RoleOf(userID)
	if !ok {
		response.Forbidden(c, "Not a participant of this session")
		return
	}
	if snap.IsTerminal() {
		response.FromError(c, apperrors.InvalidTransitionError(string(snap.State), "join"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	upgraded = true

	client := &SignalingClient{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		userID:    userID,
		sessionID: sessionID,
		role:      role,
		limiter:   rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessageBurst),
	}
	h.metrics.SetWebSocketConnections(int(h.connections.Add(1)))

	r := h.roomFor(sessionID, snap.ChannelType)
	client.room = r

	client.pumps.Add(1)
	go client.writePump()
	r.enqueue(command{kind: cmdJoin, client: client})
	go client.readPump()
}

// Deliver hands ev to every live connection of userID. Events bound to a session
// only go to that session's connection. It never blocks.
func (h *SignalingHub) Deliver(userID uuid.UUID, ev *domain.Event) bool {
	data, err := json.Marshal(eventMessage(ev))
	if err != nil {
		logger.Error("Failed to marshal event", zap.String("event", ev.Name), zap.Error(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := false
	for client := range h.users[userID] {
		if ev.SessionID != nil && client.sessionID != *ev.SessionID {
			continue
		}
		if client.trySend(data) {
			delivered = true
		}
	}
	return delivered
}

// CloseSession disconnects a session's room. It returns immediately.
func (h *SignalingHub) CloseSession(sessionID uuid.UUID) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	count := len(h.rooms)
	h.mu.Unlock()

	if r == nil {
		return
	}
	h.metrics.SetSignalingRooms(count)
	r.shutdown()
}

// Close shuts every room down
func (h *SignalingHub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[uuid.UUID]*room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.shutdown()
	}
	h.metrics.SetSignalingRooms(0)
}

// RoomCount returns the number of open rooms
func (h *SignalingHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *SignalingHub) roomFor(sessionID uuid.UUID, channel domain.ChannelType) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[sessionID]; ok {
		return r
	}
	r := newRoom(h, sessionID, channel)
	h.rooms[sessionID] = r
	go r.run()
	h.metrics.SetSignalingRooms(len(h.rooms))
	return r
}

func (h *SignalingHub) attach(c *SignalingClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*SignalingClient]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *SignalingHub) detach(c *SignalingClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.users[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
}

// released is called once per connection after both pumps are done with it
func (h *SignalingHub) released() {
	<-h.semaphore
	h.metrics.SetWebSocketConnections(int(h.connections.Add(-1)))
}

// eventMessage wraps a notification event in the signaling envelope
func eventMessage(ev *domain.Event) *domain.SignalMessage {
	payload, _ := json.Marshal(ev)
	msg := &domain.SignalMessage{
		Type:    ev.Name,
		Payload: payload,
	}
	if ev.SessionID != nil {
		msg.SessionID = *ev.SessionID
	}
	return msg
}

// errorMessage builds the envelope sent back for a rejected message
func errorMessage(sessionID uuid.UUID, err error) []byte {
	appErr := apperrors.GetAppError(err)
	payload, _ := json.Marshal(gin.H{"code": appErr.Code, "message": appErr.Message})
	data, _ := json.Marshal(&domain.SignalMessage{
		Type:      domain.SignalError,
		SessionID: sessionID,
		Payload:   payload,
	})
	return data
}

// isExpected reports registry errors that are normal during races between legs
func isExpected(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidTransition) || errors.Is(err, apperrors.ErrSessionNotFound)
}
