package domain

import (
	"time"

	"github.com/google/uuid"
)

// StreamStatus is the lifecycle of a livestream
type StreamStatus string

const (
	StreamLive  StreamStatus = "live"
	StreamEnded StreamStatus = "ended"
)

// Stream is a one-to-many broadcast by a provider that accepts gifts
// Maps to CockroachDB streams table
type Stream struct {
	StreamID    uuid.UUID    `json:"stream_id"`
	ProviderID  uuid.UUID    `json:"provider_id"`
	Title       string       `json:"title"`
	Status      StreamStatus `json:"status"`
	ProviderBps int64        `json:"provider_bps"` // split fixed when the stream starts
	GiftTotal   int64        `json:"gift_total"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// Gift is a tip sent during a stream.
// ProviderShare + PlatformShare always equals Gross.
type Gift struct {
	GiftID        uuid.UUID `json:"gift_id"`
	SenderID      uuid.UUID `json:"sender_id"`
	ReceiverID    uuid.UUID `json:"receiver_id"`
	StreamID      uuid.UUID `json:"stream_id"`
	Gross         int64     `json:"gross"`
	ProviderShare int64     `json:"provider_share"`
	PlatformShare int64     `json:"platform_share"`
	CreatedAt     time.Time `json:"created_at"`
}
