package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Signaling message types sent by participants
const (
	SignalJoin           = "join"
	SignalOffer          = "offer"
	SignalAnswer         = "answer"
	SignalICECandidate   = "ice-candidate"
	SignalChat           = "chat"
	SignalEnd            = "end"
	SignalHeartbeat      = "heartbeat"
	SignalMediaConnected = "media-connected"
)

// Server-originated message types
const (
	SignalError = "error"
)

// SignalMessage is the signaling envelope. Payload is relayed verbatim.
type SignalMessage struct {
	Type      string          `json:"type"`
	SessionID uuid.UUID       `json:"sessionId"`
	SenderID  uuid.UUID       `json:"senderId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsClientType reports whether t may be sent by a participant
func IsClientType(t string) bool {
	switch t {
	case SignalJoin, SignalOffer, SignalAnswer, SignalICECandidate,
		SignalChat, SignalEnd, SignalHeartbeat, SignalMediaConnected:
		return true
	}
	return false
}

// IsRelayed reports whether t is forwarded to the other participant
func IsRelayed(t string) bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalChat:
		return true
	}
	return false
}
