package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/pkg/constants"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
)

type commandKind int

const (
	cmdJoin commandKind = iota
	cmdMessage
	cmdLeave
)

type command struct {
	kind   commandKind
	client *SignalingClient
	msg    *domain.SignalMessage
}

// room holds the two legs of one session. All state is owned by run.
type room struct {
	hub       *SignalingHub
	sessionID uuid.UUID
	channel   domain.ChannelType

	inbox    chan command
	done     chan struct{}
	stopOnce sync.Once

	members    map[domain.Role]*SignalingClient
	seen       map[domain.Role]bool
	missed     map[domain.Role]int
	media      map[domain.Role]bool
	bothJoined bool
	mediaUp    bool
}

func newRoom(h *SignalingHub, sessionID uuid.UUID, channel domain.ChannelType) *room {
	return &room{
		hub:       h,
		sessionID: sessionID,
		channel:   channel,
		inbox:     make(chan command, constants.RoomInboxSize),
		done:      make(chan struct{}),
		members:   make(map[domain.Role]*SignalingClient),
		seen:      make(map[domain.Role]bool),
		missed:    make(map[domain.Role]int),
		media:     make(map[domain.Role]bool),
	}
}

// enqueue blocks until the room accepts cmd or has shut down. A client talking
// to a room that is gone is disconnected.
func (r *room) enqueue(cmd command) {
	select {
	case r.inbox <- cmd:
	case <-r.done:
	}
	select {
	case <-r.done:
		cmd.client.close()
	default:
	}
}

func (r *room) shutdown() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *room) run() {
	ticker := time.NewTicker(r.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		r.disconnectAll()
	}()

	for {
		select {
		case <-r.done:
			return
		case cmd := <-r.inbox:
			switch cmd.kind {
			case cmdJoin:
				r.join(cmd.client)
			case cmdMessage:
				r.handle(cmd.client, cmd.msg)
			case cmdLeave:
				r.leave(cmd.client, false)
			}
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *room) join(c *SignalingClient) {
	role := c.role
	old := r.members[role]
	rejoined := old != nil || r.seen[role]

	if old != nil {
		logger.Info("Replacing stale signaling connection",
			zap.String("session_id", r.sessionID.String()),
			zap.String("role", string(role)))
		r.hub.detach(old)
		old.close()
	}

	r.members[role] = c
	r.missed[role] = 0
	r.hub.attach(c)

	logger.Info("Participant joined signaling room",
		zap.String("session_id", r.sessionID.String()),
		zap.String("user_id", c.userID.String()),
		zap.String("role", string(role)),
		zap.Bool("rejoined", rejoined))

	name := domain.EventParticipantJoined
	if rejoined {
		name = domain.EventParticipantRejoined
	}
	r.notifyOther(role, name, c)

	// A replaced transport never left as far as the registry knows
	if old == nil && r.seen[role] {
		r.call("participant_rejoined", func(ctx context.Context) error {
			return r.hub.registry.ParticipantRejoined(ctx, r.sessionID, role)
		})
	}
	r.seen[role] = true

	if r.members[role.Other()] == nil || r.bothJoined {
		return
	}
	r.bothJoined = true
	r.transition(domain.SessionEvent{Type: domain.EventBothJoined})
	if r.channel == domain.ChannelText {
		r.mediaUp = true
		r.transition(domain.SessionEvent{Type: domain.EventMediaConnected})
	}
}

func (r *room) handle(c *SignalingClient, msg *domain.SignalMessage) {
	if r.members[c.role] != c {
		return
	}
	r.missed[c.role] = 0

	switch {
	case domain.IsRelayed(msg.Type):
		r.relay(c, msg)

	case msg.Type == domain.SignalEnd:
		r.hub.metrics.RecordSignalingMessage(msg.Type, "accepted")
		r.transition(domain.SessionEvent{Type: domain.EventHangup, By: c.userID})

	case msg.Type == domain.SignalMediaConnected:
		r.hub.metrics.RecordSignalingMessage(msg.Type, "accepted")
		r.media[c.role] = true
		if !r.mediaUp && r.media[domain.RoleClient] && r.media[domain.RoleProvider] {
			r.mediaUp = true
			r.transition(domain.SessionEvent{Type: domain.EventMediaConnected})
		}

	default:
		// join and heartbeat only prove liveness
		r.hub.metrics.RecordSignalingMessage(msg.Type, "accepted")
	}
}

// relay forwards msg verbatim to the other role
func (r *room) relay(c *SignalingClient, msg *domain.SignalMessage) {
	other := r.members[c.role.Other()]
	if other == nil {
		r.hub.metrics.RecordSignalingMessage(msg.Type, "dropped")
		logger.Debug("Relay target not connected, dropping message",
			zap.String("session_id", r.sessionID.String()),
			zap.String("type", msg.Type),
			zap.String("role", string(c.role)))
		c.trySend(errorMessage(r.sessionID, apperrors.ErrParticipantUnavailable))
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		r.hub.metrics.RecordSignalingMessage(msg.Type, "dropped")
		return
	}
	if other.trySend(data) {
		r.hub.metrics.RecordSignalingMessage(msg.Type, "relayed")
	} else {
		r.hub.metrics.RecordSignalingMessage(msg.Type, "dropped")
	}
}

// leave removes c if it is still the member for its role. lost marks a
// connection dropped for missing heartbeats.
func (r *room) leave(c *SignalingClient, lost bool) {
	role := c.role
	if r.members[role] != c {
		return
	}
	delete(r.members, role)
	delete(r.missed, role)
	r.media[role] = false
	r.hub.detach(c)
	c.close()

	fields := []zap.Field{
		zap.String("session_id", r.sessionID.String()),
		zap.String("user_id", c.userID.String()),
		zap.String("role", string(role)),
	}
	if lost {
		logger.Warn("Participant transport lost", append(fields, zap.Error(apperrors.ErrTransportLost))...)
	} else {
		logger.Info("Participant left signaling room", fields...)
	}

	r.notifyOther(role, domain.EventParticipantLeft, c)
	r.call("participant_left", func(ctx context.Context) error {
		return r.hub.registry.ParticipantLeft(ctx, r.sessionID, role)
	})

	if len(r.members) == 0 {
		r.closeIfEnded()
	}
}

// closeIfEnded drops an empty room whose session finished while nobody was connected
func (r *room) closeIfEnded() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	snap, err := r.hub.registry.Get(ctx, r.sessionID)
	if err == nil && !snap.IsTerminal() {
		return
	}
	if err != nil && !isExpected(err) {
		return
	}
	r.hub.CloseSession(r.sessionID)
}

// heartbeat pings every member and drops the ones that stopped answering
func (r *room) heartbeat() {
	data, _ := json.Marshal(&domain.SignalMessage{
		Type:      domain.SignalHeartbeat,
		SessionID: r.sessionID,
	})

	for role, c := range r.members {
		if r.missed[role] >= r.hub.cfg.HeartbeatMaxMiss {
			r.leave(c, true)
			continue
		}
		r.missed[role]++
		c.trySend(data)
	}
}

// disconnectAll closes every member without telling the registry: the session is over
func (r *room) disconnectAll() {
	for role, c := range r.members {
		delete(r.members, role)
		r.hub.detach(c)
		c.close()
	}
	for {
		select {
		case cmd := <-r.inbox:
			if cmd.kind == cmdJoin {
				cmd.client.close()
			}
		default:
			return
		}
	}
}

func (r *room) notifyOther(role domain.Role, name string, about *SignalingClient) {
	other := r.members[role.Other()]
	if other == nil {
		return
	}
	ev := domain.NewEvent(name, map[string]any{
		"user_id": about.userID,
		"role":    about.role,
	}).ForSession(r.sessionID)
	data, err := json.Marshal(eventMessage(ev))
	if err != nil {
		return
	}
	other.trySend(data)
}

func (r *room) transition(ev domain.SessionEvent) {
	r.call(string(ev.Type), func(ctx context.Context) error {
		_, err := r.hub.registry.Transition(ctx, r.sessionID, ev)
		return err
	})
}

// call runs a registry operation detached from any connection
func (r *room) call(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		if isExpected(err) {
			logger.Debug("Signaling event ignored by registry",
				zap.String("session_id", r.sessionID.String()),
				zap.String("op", op),
				zap.Error(err))
			return
		}
		logger.Error("Signaling event failed",
			zap.String("session_id", r.sessionID.String()),
			zap.String("op", op),
			zap.Error(err))
	}
}
