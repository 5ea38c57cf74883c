package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
)

type fakeRegistry struct {
	mu       sync.Mutex
	session  *domain.Session
	events   []domain.SessionEvent
	left     []domain.Role
	rejoined []domain.Role
	closer   interface{ CloseSession(uuid.UUID) }
}

func (f *fakeRegistry) Get(ctx context.Context, sessionID uuid.UUID) (*domain.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID != f.session.SessionID {
		return nil, apperrors.ErrSessionNotFound
	}
	return domain.NewSnapshot(f.session.Clone(), time.Now()), nil
}

func (f *fakeRegistry) Transition(ctx context.Context, sessionID uuid.UUID, ev domain.SessionEvent) (*domain.Session, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	ended := ev.Type == domain.EventHangup
	if ended {
		f.session.State = domain.StateEnded
	}
	s := f.session.Clone()
	f.mu.Unlock()

	if ended && f.closer != nil {
		f.closer.CloseSession(sessionID)
	}
	return s, nil
}

func (f *fakeRegistry) ParticipantLeft(ctx context.Context, sessionID uuid.UUID, role domain.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, role)
	return nil
}

func (f *fakeRegistry) ParticipantRejoined(ctx context.Context, sessionID uuid.UUID, role domain.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejoined = append(f.rejoined, role)
	return nil
}

func (f *fakeRegistry) eventTypes() []domain.SessionEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SessionEventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeRegistry) leftRoles() []domain.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Role(nil), f.left...)
}

func (f *fakeRegistry) rejoinedRoles() []domain.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Role(nil), f.rejoined...)
}

type harness struct {
	hub      *SignalingHub
	registry *fakeRegistry
	server   *httptest.Server
	session  *domain.Session
}

func newHarness(t *testing.T, channel domain.ChannelType, cfg HubConfig) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &domain.Session{
		SessionID:   uuid.New(),
		ClientID:    uuid.New(),
		ProviderID:  uuid.New(),
		ChannelType: channel,
		BillingMode: domain.BillingMetered,
		Rate:        100,
		State:       domain.StatePending,
	}
	reg := &fakeRegistry{session: s}
	hub := NewSignalingHub(reg, cfg, nil)
	reg.closer = hub

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader("X-User-ID")); err == nil {
			c.Set("user_id", id)
		}
		c.Next()
	}, hub.ServeWS)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return &harness{hub: hub, registry: reg, server: srv, session: s}
}

func (h *harness) dial(t *testing.T, userID uuid.UUID) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?session_id=" + h.session.SessionID.String()
	header := http.Header{}
	header.Set("X-User-ID", userID.String())
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (h *harness) mustDial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	conn, _, err := h.dial(t, userID)
	require.NoError(t, err)
	return conn
}

// readType reads until a message of the given type arrives, skipping heartbeats
func readType(t *testing.T, conn *websocket.Conn, msgType string) domain.SignalMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)

		var msg domain.SignalMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func errorCode(t *testing.T, msg domain.SignalMessage) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	return body.Code
}

// waitClosed reads until the server closes the connection
func waitClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.False(t, isTimeout(err), "connection was not closed")
			return
		}
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

func testConfig() HubConfig {
	return HubConfig{
		HeartbeatInterval: time.Minute,
		HeartbeatMaxMiss:  3,
		MaxConnections:    10,
		MessagesPerSecond: 100,
		MessageBurst:      100,
	}
}

func TestSignaling_BothJoinedThenMediaConnected(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())

	client := h.mustDial(t, h.session.ClientID)
	provider := h.mustDial(t, h.session.ProviderID)

	joined := readType(t, client, domain.EventParticipantJoined)
	assert.Equal(t, h.session.SessionID, joined.SessionID)

	require.Eventually(t, func() bool {
		return len(h.registry.eventTypes()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.SessionEventType{domain.EventBothJoined}, h.registry.eventTypes())

	send(t, client, domain.SignalMessage{Type: domain.SignalMediaConnected})
	send(t, provider, domain.SignalMessage{Type: domain.SignalMediaConnected})

	require.Eventually(t, func() bool {
		return len(h.registry.eventTypes()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.EventMediaConnected, h.registry.eventTypes()[1])
}

func TestSignaling_TextChannelConnectsOnJoin(t *testing.T) {
	h := newHarness(t, domain.ChannelText, testConfig())

	h.mustDial(t, h.session.ClientID)
	h.mustDial(t, h.session.ProviderID)

	require.Eventually(t, func() bool {
		return len(h.registry.eventTypes()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.SessionEventType{domain.EventBothJoined, domain.EventMediaConnected}, h.registry.eventTypes())
}

func TestSignaling_RelaysToOtherRole(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())

	client := h.mustDial(t, h.session.ClientID)
	provider := h.mustDial(t, h.session.ProviderID)
	readType(t, client, domain.EventParticipantJoined)

	payload := json.RawMessage(`{"sdp":"v=0 offer"}`)
	send(t, client, domain.SignalMessage{
		Type:     domain.SignalOffer,
		SenderID: uuid.New(), // spoofed, must be overwritten
		Payload:  payload,
	})

	got := readType(t, provider, domain.SignalOffer)
	assert.Equal(t, h.session.ClientID, got.SenderID)
	assert.Equal(t, h.session.SessionID, got.SessionID)
	assert.JSONEq(t, string(payload), string(got.Payload))

	send(t, provider, domain.SignalMessage{Type: domain.SignalAnswer, Payload: json.RawMessage(`{"sdp":"answer"}`)})
	answer := readType(t, client, domain.SignalAnswer)
	assert.Equal(t, h.session.ProviderID, answer.SenderID)
}

func TestSignaling_RelayWithoutPeerIsRejected(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())

	client := h.mustDial(t, h.session.ClientID)
	send(t, client, domain.SignalMessage{Type: domain.SignalICECandidate, Payload: json.RawMessage(`{}`)})

	msg := readType(t, client, domain.SignalError)
	assert.Equal(t, string(apperrors.ErrCodeParticipantUnavailable), errorCode(t, msg))
}

func TestSignaling_ProtocolErrors(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())
	client := h.mustDial(t, h.session.ClientID)

	tests := []struct {
		name  string
		frame string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"launch-missiles"}`},
		{"server only type", `{"type":"error"}`},
		{"wrong session", `{"type":"chat","sessionId":"` + uuid.New().String() + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			msg := readType(t, client, domain.SignalError)
			assert.Equal(t, string(apperrors.ErrCodeInvalidInput), errorCode(t, msg))
		})
	}

	assert.Empty(t, h.registry.eventTypes())
}

func TestSignaling_LeaveAndRejoin(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())

	client := h.mustDial(t, h.session.ClientID)
	provider := h.mustDial(t, h.session.ProviderID)
	readType(t, client, domain.EventParticipantJoined)

	require.NoError(t, provider.Close())

	left := readType(t, client, domain.EventParticipantLeft)
	assert.Equal(t, h.session.SessionID, left.SessionID)
	require.Eventually(t, func() bool {
		return len(h.registry.leftRoles()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.RoleProvider, h.registry.leftRoles()[0])

	h.mustDial(t, h.session.ProviderID)
	readType(t, client, domain.EventParticipantRejoined)
	require.Eventually(t, func() bool {
		return len(h.registry.rejoinedRoles()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.RoleProvider, h.registry.rejoinedRoles()[0])
}

func TestSignaling_SecondJoinReplacesStaleConnection(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())

	provider := h.mustDial(t, h.session.ProviderID)
	stale := h.mustDial(t, h.session.ClientID)
	readType(t, provider, domain.EventParticipantJoined)

	fresh := h.mustDial(t, h.session.ClientID)
	readType(t, provider, domain.EventParticipantRejoined)
	waitClosed(t, stale)

	send(t, fresh, domain.SignalMessage{Type: domain.SignalChat, Payload: json.RawMessage(`{"text":"hi"}`)})
	chat := readType(t, provider, domain.SignalChat)
	assert.Equal(t, h.session.ClientID, chat.SenderID)

	assert.Empty(t, h.registry.leftRoles())
	assert.Empty(t, h.registry.rejoinedRoles())
}

func TestSignaling_MissedHeartbeatsDropMember(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatMaxMiss = 2
	h := newHarness(t, domain.ChannelVideo, cfg)

	client := h.mustDial(t, h.session.ClientID)
	readType(t, client, domain.SignalHeartbeat)

	require.Eventually(t, func() bool {
		return len(h.registry.leftRoles()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.RoleClient, h.registry.leftRoles()[0])
	waitClosed(t, client)
}

func TestSignaling_AnsweredHeartbeatsKeepMember(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatMaxMiss = 2
	h := newHarness(t, domain.ChannelVideo, cfg)

	client := h.mustDial(t, h.session.ClientID)
	for i := 0; i < 6; i++ {
		readType(t, client, domain.SignalHeartbeat)
		send(t, client, domain.SignalMessage{Type: domain.SignalHeartbeat})
	}

	assert.Empty(t, h.registry.leftRoles())
}

func TestSignaling_EndMessageHangsUp(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())

	client := h.mustDial(t, h.session.ClientID)
	provider := h.mustDial(t, h.session.ProviderID)
	readType(t, client, domain.EventParticipantJoined)

	send(t, provider, domain.SignalMessage{Type: domain.SignalEnd})

	waitClosed(t, client)
	waitClosed(t, provider)

	h.registry.mu.Lock()
	last := h.registry.events[len(h.registry.events)-1]
	h.registry.mu.Unlock()
	assert.Equal(t, domain.EventHangup, last.Type)
	assert.Equal(t, h.session.ProviderID, last.By)

	// a session that ended is closed to everyone, and its room is gone
	assert.Empty(t, h.registry.leftRoles())
	assert.Equal(t, 0, h.hub.RoomCount())
}

func TestSignaling_HandshakeRejections(t *testing.T) {
	t.Run("non participant", func(t *testing.T) {
		h := newHarness(t, domain.ChannelVideo, testConfig())
		_, resp, err := h.dial(t, uuid.New())
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("ended session", func(t *testing.T) {
		h := newHarness(t, domain.ChannelVideo, testConfig())
		h.session.State = domain.StateEnded
		_, resp, err := h.dial(t, h.session.ClientID)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("at capacity", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxConnections = 1
		h := newHarness(t, domain.ChannelVideo, cfg)

		h.mustDial(t, h.session.ClientID)
		_, resp, err := h.dial(t, h.session.ProviderID)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("foreign origin", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowedOrigins = []string{"https://app.example.com"}
		h := newHarness(t, domain.ChannelVideo, cfg)

		url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?session_id=" + h.session.SessionID.String()
		header := http.Header{}
		header.Set("X-User-ID", h.session.ClientID.String())
		header.Set("Origin", "https://evil.example.com")
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestSignaling_Deliver(t *testing.T) {
	h := newHarness(t, domain.ChannelVideo, testConfig())

	ev := domain.NewEvent(domain.EventSessionStarted, map[string]any{"rate": 100}).ForSession(h.session.SessionID)
	assert.False(t, h.hub.Deliver(h.session.ClientID, ev), "nobody connected yet")

	client := h.mustDial(t, h.session.ClientID)
	require.Eventually(t, func() bool {
		return h.hub.Deliver(h.session.ClientID, ev)
	}, time.Second, 10*time.Millisecond)

	msg := readType(t, client, domain.EventSessionStarted)
	var got domain.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, ev.ID, got.ID)

	other := domain.NewEvent(domain.EventBillingTick, nil).ForSession(uuid.New())
	assert.False(t, h.hub.Deliver(h.session.ClientID, other), "events for another session are not delivered")
}
