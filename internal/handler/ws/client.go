package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/pkg/constants"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
)

const sendBuffer = constants.WebSocketSendBuffer

// SignalingClient is one participant's WebSocket connection
type SignalingClient struct {
	hub       *SignalingHub
	room      *room
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	pumps     sync.WaitGroup

	userID    uuid.UUID
	sessionID uuid.UUID
	role      domain.Role
	limiter   *rate.Limiter
}

// trySend queues data without blocking. A full buffer drops the message.
func (c *SignalingClient) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("Signaling send buffer full, dropping message",
			zap.String("session_id", c.sessionID.String()),
			zap.String("user_id", c.userID.String()))
		return false
	}
}

// close stops the write pump after it flushes what is queued
func (c *SignalingClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *SignalingClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump reads messages from WebSocket
func (c *SignalingClient) readPump() {
	defer func() {
		c.room.enqueue(command{kind: cmdLeave, client: c})
		c.close()
		c.pumps.Wait()
		c.conn.Close()
		c.hub.released()
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closed() {
				logger.Debug("WebSocket connection closed",
					zap.String("session_id", c.sessionID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))

		if !c.limiter.Allow() {
			c.hub.metrics.RecordSignalingMessage("unknown", "rate_limited")
			c.trySend(errorMessage(c.sessionID, apperrors.RateLimitExceededError()))
			continue
		}

		msg, err := c.parse(data)
		if err != nil {
			c.hub.metrics.RecordSignalingMessage("invalid", "rejected")
			logger.Debug("Rejected signaling message",
				zap.String("session_id", c.sessionID.String()),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.trySend(errorMessage(c.sessionID, err))
			continue
		}

		c.room.enqueue(command{kind: cmdMessage, client: c, msg: msg})
	}
}

// parse validates an inbound frame. The sender id is always overwritten.
func (c *SignalingClient) parse(data []byte) (*domain.SignalMessage, error) {
	var msg domain.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperrors.InvalidInputError("Malformed signaling message")
	}
	if !domain.IsClientType(msg.Type) {
		return nil, apperrors.InvalidInputError("Unknown message type: " + msg.Type)
	}
	if msg.SessionID != uuid.Nil && msg.SessionID != c.sessionID {
		return nil, apperrors.InvalidInputError("Message addressed to another session")
	}
	msg.SessionID = c.sessionID
	msg.SenderID = c.userID
	return &msg, nil
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.pumps.Done()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case <-c.done:
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *SignalingClient) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}
