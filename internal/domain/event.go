package domain

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle events, also emitted to the webhook sink
const (
	EventSessionCreated   = "session_created"
	EventSessionStarted   = "session_started"
	EventSessionEnded     = "session_ended"
	EventPaymentProcessed = "payment_processed"
	EventStreamStarted    = "stream_started"
	EventStreamEnded      = "stream_ended"
	EventGiftReceived     = "gift_received"
)

// Events pushed to connected endpoints only
const (
	EventBillingTick         = "billing-tick"
	EventLowBalance          = "low-balance"
	EventInsufficientFunds   = "insufficient-funds"
	EventParticipantJoined   = "participant-joined"
	EventParticipantLeft     = "participant-left"
	EventParticipantRejoined = "participant-rejoined"
)

// Event is a notification fanned out by the dispatcher
type Event struct {
	ID        uuid.UUID      `json:"event_id"`
	Name      string         `json:"event"`
	SessionID *uuid.UUID     `json:"session_id,omitempty"`
	StreamID  *uuid.UUID     `json:"stream_id,omitempty"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent stamps a fresh id and time
func NewEvent(name string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:        uuid.New(),
		Name:      name,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// ForSession attaches the session id
func (e *Event) ForSession(id uuid.UUID) *Event {
	e.SessionID = &id
	return e
}

// ForStream attaches the stream id
func (e *Event) ForStream(id uuid.UUID) *Event {
	e.StreamID = &id
	return e
}

// IsLifecycle reports whether the event is emitted to webhooks
func (e *Event) IsLifecycle() bool {
	switch e.Name {
	case EventSessionCreated, EventSessionStarted, EventSessionEnded, EventPaymentProcessed,
		EventStreamStarted, EventStreamEnded, EventGiftReceived:
		return true
	}
	return false
}

// IsNotifiable reports whether an offline user should receive a push for it
func (e *Event) IsNotifiable() bool {
	switch e.Name {
	case EventSessionCreated, EventSessionEnded, EventLowBalance, EventInsufficientFunds, EventGiftReceived:
		return true
	}
	return false
}
