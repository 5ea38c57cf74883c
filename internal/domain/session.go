package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType is the medium a session runs over
type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelAudio ChannelType = "audio"
	ChannelVideo ChannelType = "video"
)

// Valid reports whether c is a known channel type
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelText, ChannelAudio, ChannelVideo:
		return true
	}
	return false
}

// BillingMode selects per-minute metering or a single flat charge
type BillingMode string

const (
	BillingMetered BillingMode = "metered"
	BillingFixed   BillingMode = "fixed"
)

// Valid reports whether m is a known billing mode
func (m BillingMode) Valid() bool {
	return m == BillingMetered || m == BillingFixed
}

// SessionState is the lifecycle state of a session
type SessionState string

const (
	StatePending SessionState = "pending"
	StateJoining SessionState = "joining"
	StateActive  SessionState = "active"
	StateEnded   SessionState = "ended"
)

// BillingState is the sub-state carried while a session is active
type BillingState string

const (
	BillingNone    BillingState = ""
	BillingRunning BillingState = "running"
	BillingPaused  BillingState = "paused"
)

// EndReason tells the participants why a session terminated
type EndReason string

const (
	EndReasonUser                EndReason = "ended_by_user"
	EndReasonInsufficientBalance EndReason = "insufficient_balance"
	EndReasonConnectionLost      EndReason = "connection_lost"
)

// Role is a participant's side of a session, assigned at creation
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

// Other returns the opposite role
func (r Role) Other() Role {
	if r == RoleClient {
		return RoleProvider
	}
	return RoleClient
}

// Session represents one metered or flat-rate interaction between a provider and a client
// Maps to CockroachDB sessions table
type Session struct {
	SessionID      uuid.UUID     `json:"session_id"`
	ProviderID     uuid.UUID     `json:"provider_id"`
	ClientID       uuid.UUID     `json:"client_id"`
	ChannelType    ChannelType   `json:"channel_type"`
	BillingMode    BillingMode   `json:"billing_mode"`
	Rate           int64         `json:"rate"` // cents per minute (metered) or flat price (fixed)
	State          SessionState  `json:"state"`
	BillingState   BillingState  `json:"billing_state,omitempty"`
	ScheduledAt    *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	BilledDuration time.Duration `json:"-"`
	ChargedAmount  int64         `json:"charged_amount"`
	Duration       time.Duration `json:"-"`
	EndReason      EndReason     `json:"end_reason,omitempty"`
}

// RoleOf returns the role userID holds in the session
func (s *Session) RoleOf(userID uuid.UUID) (Role, bool) {
	switch userID {
	case s.ClientID:
		return RoleClient, true
	case s.ProviderID:
		return RoleProvider, true
	}
	return "", false
}

// UserFor returns the user assigned to role
func (s *Session) UserFor(role Role) uuid.UUID {
	if role == RoleProvider {
		return s.ProviderID
	}
	return s.ClientID
}

// Participants returns both user ids, client first
func (s *Session) Participants() []uuid.UUID {
	return []uuid.UUID{s.ClientID, s.ProviderID}
}

// IsTerminal reports whether the session has ended
func (s *Session) IsTerminal() bool {
	return s.State == StateEnded
}

// Elapsed is the wall time since start, frozen at the end time once ended
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.EndedAt != nil {
		return s.EndedAt.Sub(*s.StartedAt)
	}
	return now.Sub(*s.StartedAt)
}

// Clone returns a copy safe to hand outside the owning lock
func (s *Session) Clone() *Session {
	c := *s
	if s.ScheduledAt != nil {
		t := *s.ScheduledAt
		c.ScheduledAt = &t
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// SessionEventType is an input to the session state machine
type SessionEventType string

const (
	EventBothJoined     SessionEventType = "BothJoined"
	EventMediaConnected SessionEventType = "MediaConnected"
	EventHangup         SessionEventType = "Hangup"
	EventFundsExhausted SessionEventType = "InsufficientFunds"
	EventTimeout        SessionEventType = "Timeout"
	EventLegLost        SessionEventType = "LegLost"
	EventLegRestored    SessionEventType = "LegRestored"
)

// SessionEvent carries a state machine input and who caused it
type SessionEvent struct {
	Type SessionEventType
	By   uuid.UUID // set for Hangup
}

// SessionCreate represents data needed to create a session
type SessionCreate struct {
	ProviderID  uuid.UUID
	ClientID    uuid.UUID
	ChannelType ChannelType
	BillingMode BillingMode
	Rate        int64
	ScheduledAt *time.Time
}

// SessionSnapshot is the read model returned by Get and End
type SessionSnapshot struct {
	*Session
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	BilledSeconds   float64 `json:"billed_seconds"`
	RunningCost     int64   `json:"running_cost"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// NewSnapshot builds the read model at now
func NewSnapshot(s *Session, now time.Time) *SessionSnapshot {
	return &SessionSnapshot{
		Session:         s,
		ElapsedSeconds:  s.Elapsed(now).Seconds(),
		BilledSeconds:   s.BilledDuration.Seconds(),
		RunningCost:     s.ChargedAmount,
		DurationSeconds: s.Duration.Seconds(),
	}
}
