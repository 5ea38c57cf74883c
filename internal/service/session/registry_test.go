package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/internal/repository/memory"
	"liveconsult-backend/pkg/constants"
	apperrors "liveconsult-backend/pkg/errors"
)

type stubBalances map[uuid.UUID]int64

func (b stubBalances) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	return &domain.Balance{UserID: userID, Amount: b[userID]}, nil
}

type failingPresence struct{}

func (failingPresence) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	return false, errors.New("redis: connection refused")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *domain.Event, targets ...uuid.UUID) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type recordingCloser struct {
	mu     sync.Mutex
	closed []uuid.UUID
}

func (c *recordingCloser) CloseSession(sessionID uuid.UUID) {
	c.mu.Lock()
	c.closed = append(c.closed, sessionID)
	c.mu.Unlock()
}

func (c *recordingCloser) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closed)
}

type countingBiller struct {
	mu      sync.Mutex
	starts  int
	pauses  int
	resumes int
	stops   int
}

func (b *countingBiller) Start(ctx context.Context, s *domain.Session) (*domain.SessionEvent, error) {
	b.mu.Lock()
	b.starts++
	b.mu.Unlock()
	return nil, nil
}

func (b *countingBiller) Pause(ctx context.Context, s *domain.Session) *domain.SessionEvent {
	b.mu.Lock()
	b.pauses++
	b.mu.Unlock()
	return nil
}

func (b *countingBiller) Resume(ctx context.Context, s *domain.Session) {
	b.mu.Lock()
	b.resumes++
	b.mu.Unlock()
}

func (b *countingBiller) Stop(ctx context.Context, s *domain.Session, reason domain.EndReason) error {
	b.mu.Lock()
	b.stops++
	b.mu.Unlock()
	return nil
}

type fixture struct {
	registry  *Registry
	presence  *memory.PresenceRepository
	publisher *recordingPublisher
	closer    *recordingCloser
	biller    *countingBiller
	client    uuid.UUID
	provider  uuid.UUID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		presence:  memory.NewPresenceRepository(),
		publisher: &recordingPublisher{},
		closer:    &recordingCloser{},
		biller:    &countingBiller{},
		client:    uuid.New(),
		provider:  uuid.New(),
	}
	require.NoError(t, f.presence.SetUserOnline(context.Background(), f.provider))

	if cfg.BillingInterval == 0 {
		cfg.BillingInterval = time.Minute
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Hour
	}
	balances := stubBalances{f.client: 10_000}
	f.registry = NewRegistry(memory.NewSessionRepository(), f.presence, balances, f.publisher, cfg, nil)
	f.registry.SetBiller(f.biller)
	f.registry.SetCloser(f.closer)
	return f
}

func (f *fixture) create(t *testing.T) uuid.UUID {
	t.Helper()
	s, err := f.registry.Create(context.Background(), domain.SessionCreate{
		ProviderID:  f.provider,
		ClientID:    f.client,
		ChannelType: domain.ChannelVideo,
		BillingMode: domain.BillingMetered,
		Rate:        200,
	})
	require.NoError(t, err)
	return s.SessionID
}

func (f *fixture) activate(t *testing.T) uuid.UUID {
	t.Helper()
	id := f.create(t)
	f.fire(t, id, domain.EventBothJoined)
	f.fire(t, id, domain.EventMediaConnected)
	return id
}

func (f *fixture) fire(t *testing.T, id uuid.UUID, ev domain.SessionEventType) *domain.Session {
	t.Helper()
	s, err := f.registry.Transition(context.Background(), id, domain.SessionEvent{Type: ev})
	require.NoError(t, err)
	return s
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	valid := domain.SessionCreate{
		ProviderID:  f.provider,
		ClientID:    f.client,
		ChannelType: domain.ChannelAudio,
		BillingMode: domain.BillingMetered,
		Rate:        100,
	}

	tests := []struct {
		name   string
		mutate func(in *domain.SessionCreate)
		want   error
	}{
		{"zero rate", func(in *domain.SessionCreate) { in.Rate = 0 }, apperrors.ErrInvalidRate},
		{"negative rate", func(in *domain.SessionCreate) { in.Rate = -5 }, apperrors.ErrInvalidRate},
		{"rate above the cap", func(in *domain.SessionCreate) { in.Rate = constants.MaxRateCents + 1 }, apperrors.ErrInvalidRate},
		{"provider offline", func(in *domain.SessionCreate) { in.ProviderID = uuid.New() }, apperrors.ErrProviderUnavailable},
		{"cannot afford first interval", func(in *domain.SessionCreate) { in.Rate = 20_000 }, apperrors.ErrInsufficientFunds},
		{"cannot afford flat price", func(in *domain.SessionCreate) {
			in.BillingMode = domain.BillingFixed
			in.Rate = 10_001
		}, apperrors.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			s, err := f.registry.Create(ctx, in)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unknown channel", func(t *testing.T) {
		in := valid
		in.ChannelType = "fax"
		_, err := f.registry.Create(ctx, in)
		appErr := apperrors.GetAppError(err)
		assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)
	})

	assert.Equal(t, 0, f.registry.LiveCount())
	assert.Equal(t, 0, f.publisher.Count(domain.EventSessionCreated))
}

func TestCreate_PresenceFailureFailsClosed(t *testing.T) {
	r := NewRegistry(memory.NewSessionRepository(), failingPresence{}, stubBalances{}, nil, Config{}, nil)

	_, err := r.Create(context.Background(), domain.SessionCreate{
		ProviderID:  uuid.New(),
		ClientID:    uuid.New(),
		ChannelType: domain.ChannelText,
		BillingMode: domain.BillingFixed,
		Rate:        100,
	})
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)
}

func TestCreate_StartsPending(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t)

	snap, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, snap.State)
	assert.Nil(t, snap.StartedAt)
	assert.Equal(t, int64(0), snap.ChargedAmount)
	assert.Equal(t, 1, f.publisher.Count(domain.EventSessionCreated))
}

func TestTransition_HappyPath(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t)

	s := f.fire(t, id, domain.EventBothJoined)
	assert.Equal(t, domain.StateJoining, s.State)

	s = f.fire(t, id, domain.EventMediaConnected)
	assert.Equal(t, domain.StateActive, s.State)
	assert.Equal(t, domain.BillingRunning, s.BillingState)
	assert.NotNil(t, s.StartedAt)
	assert.Equal(t, 1, f.biller.starts)
	assert.Equal(t, 1, f.publisher.Count(domain.EventSessionStarted))

	s = f.fire(t, id, domain.EventLegLost)
	assert.Equal(t, domain.BillingPaused, s.BillingState)
	assert.Equal(t, 1, f.biller.pauses)

	s = f.fire(t, id, domain.EventLegRestored)
	assert.Equal(t, domain.BillingRunning, s.BillingState)
	assert.Equal(t, 1, f.biller.resumes)

	s = f.fire(t, id, domain.EventHangup)
	assert.Equal(t, domain.StateEnded, s.State)
	assert.Equal(t, domain.EndReasonUser, s.EndReason)
	assert.NotNil(t, s.EndedAt)
	assert.Equal(t, 1, f.biller.stops)
	assert.Equal(t, []uuid.UUID{id}, f.closer.closed)
	assert.Equal(t, 0, f.registry.LiveCount())
}

func TestTransition_RejectsIllegalEvents(t *testing.T) {
	tests := []struct {
		name  string
		setup []domain.SessionEventType
		event domain.SessionEventType
		state domain.SessionState
	}{
		{"media before join", nil, domain.EventMediaConnected, domain.StatePending},
		{"leg lost while pending", nil, domain.EventLegLost, domain.StatePending},
		{"join twice", []domain.SessionEventType{domain.EventBothJoined}, domain.EventBothJoined, domain.StateJoining},
		{"restore while running", []domain.SessionEventType{domain.EventBothJoined, domain.EventMediaConnected}, domain.EventLegRestored, domain.StateActive},
		{"media twice", []domain.SessionEventType{domain.EventBothJoined, domain.EventMediaConnected}, domain.EventMediaConnected, domain.StateActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			id := f.create(t)
			for _, ev := range tt.setup {
				f.fire(t, id, ev)
			}

			s, err := f.registry.Transition(context.Background(), id, domain.SessionEvent{Type: tt.event})
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
			require.NotNil(t, s)
			assert.Equal(t, tt.state, s.State)
		})
	}
}

func TestTransition_EndedIsTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.activate(t)
	f.fire(t, id, domain.EventHangup)

	for _, ev := range []domain.SessionEventType{
		domain.EventBothJoined, domain.EventMediaConnected, domain.EventLegLost,
		domain.EventLegRestored, domain.EventHangup, domain.EventFundsExhausted, domain.EventTimeout,
	} {
		s, err := f.registry.Transition(context.Background(), id, domain.SessionEvent{Type: ev})
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, string(ev))
		assert.Equal(t, domain.StateEnded, s.State)
		assert.Equal(t, domain.EndReasonUser, s.EndReason)
	}
	assert.Equal(t, 1, f.biller.stops)
}

func TestTransition_UnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.registry.Transition(context.Background(), uuid.New(), domain.SessionEvent{Type: domain.EventHangup})
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestEnd_IsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.activate(t)

	first, err := f.registry.End(context.Background(), id, f.client)
	require.NoError(t, err)
	second, err := f.registry.End(context.Background(), id, f.provider)
	require.NoError(t, err)

	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.EndReason, second.EndReason)
	assert.Equal(t, first.ChargedAmount, second.ChargedAmount)
	assert.Equal(t, 1, f.publisher.Count(domain.EventSessionEnded))
	assert.Equal(t, 1, f.closer.Count())
}

func TestEnd_ConcurrentHangupsEndOnce(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.activate(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			by := f.client
			if i%2 == 0 {
				by = f.provider
			}
			_, _ = f.registry.End(context.Background(), id, by)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.publisher.Count(domain.EventSessionEnded))
	assert.Equal(t, 1, f.biller.stops)
}

func TestGrace_ExpiryEndsSession(t *testing.T) {
	f := newFixture(t, Config{GracePeriod: 20 * time.Millisecond})
	id := f.activate(t)

	require.NoError(t, f.registry.ParticipantLeft(context.Background(), id, domain.RoleProvider))

	assert.Eventually(t, func() bool {
		snap, err := f.registry.Get(context.Background(), id)
		return err == nil && snap.State == domain.StateEnded
	}, time.Second, 5*time.Millisecond)

	snap, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.EndReasonConnectionLost, snap.EndReason)
	assert.Equal(t, 1, f.biller.pauses)
}

func TestGrace_RejoinCancelsTimer(t *testing.T) {
	f := newFixture(t, Config{GracePeriod: 50 * time.Millisecond})
	id := f.activate(t)
	ctx := context.Background()

	require.NoError(t, f.registry.ParticipantLeft(ctx, id, domain.RoleClient))
	require.NoError(t, f.registry.ParticipantRejoined(ctx, id, domain.RoleClient))

	time.Sleep(120 * time.Millisecond)

	snap, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, snap.State)
	assert.Equal(t, domain.BillingRunning, snap.BillingState)
	assert.Equal(t, 1, f.biller.resumes)
}

func TestGrace_BothMustRejoin(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.activate(t)
	ctx := context.Background()

	require.NoError(t, f.registry.ParticipantLeft(ctx, id, domain.RoleClient))
	require.NoError(t, f.registry.ParticipantLeft(ctx, id, domain.RoleProvider))
	require.NoError(t, f.registry.ParticipantRejoined(ctx, id, domain.RoleClient))

	snap, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BillingPaused, snap.BillingState)

	require.NoError(t, f.registry.ParticipantRejoined(ctx, id, domain.RoleProvider))
	snap, err = f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BillingRunning, snap.BillingState)
}

func TestParticipantLeft_PendingIsUnaffected(t *testing.T) {
	f := newFixture(t, Config{GracePeriod: 10 * time.Millisecond})
	id := f.create(t)

	require.NoError(t, f.registry.ParticipantLeft(context.Background(), id, domain.RoleClient))
	time.Sleep(40 * time.Millisecond)

	snap, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, snap.State)
	assert.Equal(t, int64(0), snap.ChargedAmount)
	assert.Equal(t, 0, f.biller.starts)
}

func TestSweepPending_ExpiresStaleSessions(t *testing.T) {
	f := newFixture(t, Config{PendingTimeout: 10 * time.Minute})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.registry.SetClock(func() time.Time { return now })

	stale := f.create(t)
	active := f.activate(t)

	now = now.Add(11 * time.Minute)
	fresh := f.create(t)

	assert.Equal(t, 1, f.registry.SweepPending(context.Background()))

	snap, err := f.registry.Get(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, snap.State)
	assert.Equal(t, domain.EndReasonConnectionLost, snap.EndReason)

	for _, id := range []uuid.UUID{active, fresh} {
		snap, err := f.registry.Get(context.Background(), id)
		require.NoError(t, err)
		assert.NotEqual(t, domain.StateEnded, snap.State)
	}
}

func TestShutdown_EndsEverySession(t *testing.T) {
	f := newFixture(t, Config{})
	f.create(t)
	f.activate(t)

	f.registry.Shutdown(context.Background())

	assert.Equal(t, 0, f.registry.LiveCount())
	assert.Equal(t, 2, f.publisher.Count(domain.EventSessionEnded))
	assert.Equal(t, 1, f.biller.stops)
}

func TestUpdate_RejectsEndedSession(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.activate(t)

	err := f.registry.Update(context.Background(), id, func(s *domain.Session) (*domain.SessionEvent, error) {
		s.ChargedAmount = 42
		return &domain.SessionEvent{Type: domain.EventFundsExhausted}, nil
	})
	require.NoError(t, err)

	snap, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.EndReasonInsufficientBalance, snap.EndReason)
	assert.Equal(t, int64(42), snap.ChargedAmount)

	err = f.registry.Update(context.Background(), id, func(s *domain.Session) (*domain.SessionEvent, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}
