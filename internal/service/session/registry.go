package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/pkg/constants"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/metrics"
	"liveconsult-backend/pkg/money"
)

// Repository persists session rows. Sessions are archived, never deleted.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	Update(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
}

// PresenceRepository answers whether a provider is online
type PresenceRepository interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// BalanceReader is used for the pre-flight funds check
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error)
}

// Biller meters an active session. Every method is called with the session lock held
// and mutates the session's billing accumulators in place. A returned event is applied
// by the registry under the same lock.
type Biller interface {
	Start(ctx context.Context, s *domain.Session) (*domain.SessionEvent, error)
	Pause(ctx context.Context, s *domain.Session) *domain.SessionEvent
	Resume(ctx context.Context, s *domain.Session)
	Stop(ctx context.Context, s *domain.Session, reason domain.EndReason) error
}

// Publisher fans events out to participants
type Publisher interface {
	Publish(ctx context.Context, ev *domain.Event, targets ...uuid.UUID)
}

// Closer releases a session's signaling room once it ends
type Closer interface {
	CloseSession(sessionID uuid.UUID)
}

// Config holds registry timing and billing policy
type Config struct {
	GracePeriod     time.Duration
	PendingTimeout  time.Duration
	BillingInterval time.Duration
}

// entry is one live session with its own lock
type entry struct {
	mu       sync.Mutex
	session  *domain.Session
	grace    *time.Timer
	graceSeq uint64
	absent   map[domain.Role]bool
}

// Registry is the authoritative table of live sessions
type Registry struct {
	repo      Repository
	presence  PresenceRepository
	balances  BalanceReader
	publisher Publisher
	biller    Biller
	closer    Closer
	cfg       Config
	metrics   *metrics.Metrics
	now       func() time.Time

	mu   sync.RWMutex
	live map[uuid.UUID]*entry
}

// NewRegistry creates a new session registry
func NewRegistry(
	repo Repository,
	presence PresenceRepository,
	balances BalanceReader,
	publisher Publisher,
	cfg Config,
	m *metrics.Metrics,
) *Registry {
	return &Registry{
		repo:      repo,
		presence:  presence,
		balances:  balances,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
		live:      make(map[uuid.UUID]*entry),
	}
}

// SetBiller wires the billing engine, which itself depends on the registry
func (r *Registry) SetBiller(b Biller) {
	r.biller = b
}

// SetCloser wires the signaling hub
func (r *Registry) SetCloser(c Closer) {
	r.closer = c
}

// SetClock replaces the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Create validates the request and registers a pending session
func (r *Registry) Create(ctx context.Context, in domain.SessionCreate) (*domain.Session, error) {
	if !in.ChannelType.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown channel type %q", in.ChannelType))
	}
	if !in.BillingMode.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown billing mode %q", in.BillingMode))
	}
	if in.ClientID == in.ProviderID {
		return nil, apperrors.ValidationError("client and provider must differ")
	}
	if in.Rate <= 0 || in.Rate > constants.MaxRateCents {
		return nil, apperrors.ErrInvalidRate
	}

	online, err := r.presence.IsUserOnline(ctx, in.ProviderID)
	if err != nil {
		logger.Warn("Presence lookup failed",
			zap.String("provider_id", in.ProviderID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("presence lookup: %w", apperrors.ErrProviderUnavailable)
	}
	if !online {
		return nil, apperrors.ErrProviderUnavailable
	}

	required := in.Rate
	if in.BillingMode == domain.BillingMetered {
		required = money.ChargeFor(in.Rate, r.cfg.BillingInterval)
	}
	bal, err := r.balances.GetBalance(ctx, in.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to check balance: %w", err)
	}
	if bal.Amount < required {
		return nil, apperrors.InsufficientFundsError(bal.Amount, required)
	}

	s := &domain.Session{
		SessionID:   uuid.New(),
		ProviderID:  in.ProviderID,
		ClientID:    in.ClientID,
		ChannelType: in.ChannelType,
		BillingMode: in.BillingMode,
		Rate:        in.Rate,
		State:       domain.StatePending,
		ScheduledAt: in.ScheduledAt,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.mu.Lock()
	r.live[s.SessionID] = &entry{session: s, absent: make(map[domain.Role]bool)}
	r.mu.Unlock()

	r.metrics.RecordSessionCreated(string(s.ChannelType), string(s.BillingMode))
	logger.Info("Session created",
		zap.String("session_id", s.SessionID.String()),
		zap.String("provider_id", s.ProviderID.String()),
		zap.String("client_id", s.ClientID.String()),
		zap.String("mode", string(s.BillingMode)),
		zap.Int64("rate", s.Rate))

	r.publish(ctx, s, domain.EventSessionCreated, map[string]any{
		"provider_id":  s.ProviderID,
		"client_id":    s.ClientID,
		"channel_type": s.ChannelType,
		"billing_mode": s.BillingMode,
		"rate":         s.Rate,
	})

	return s.Clone(), nil
}

// Get returns the current state, elapsed time and running cost.
// Live sessions come from memory, archived ones from the repository.
func (r *Registry) Get(ctx context.Context, sessionID uuid.UUID) (*domain.SessionSnapshot, error) {
	if e := r.lookup(sessionID); e != nil {
		e.mu.Lock()
		s := e.session.Clone()
		e.mu.Unlock()
		return domain.NewSnapshot(s, r.now()), nil
	}

	s, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return domain.NewSnapshot(s, r.now()), nil
}

// Transition applies a state machine event. Illegal events return an error matching
// apperrors.ErrInvalidTransition and leave the session unchanged; the returned session
// is the current state in both cases.
func (r *Registry) Transition(ctx context.Context, sessionID uuid.UUID, ev domain.SessionEvent) (*domain.Session, error) {
	e := r.lookup(sessionID)
	if e == nil {
		return r.archived(ctx, sessionID, ev)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := r.applyLocked(ctx, e, ev)
	return e.session.Clone(), err
}

// End hangs up on behalf of by and returns the final totals. Ending an ended
// session returns its totals again.
func (r *Registry) End(ctx context.Context, sessionID, by uuid.UUID) (*domain.SessionSnapshot, error) {
	s, err := r.Transition(ctx, sessionID, domain.SessionEvent{Type: domain.EventHangup, By: by})
	if err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
		return nil, err
	}
	if s == nil {
		return nil, err
	}
	return domain.NewSnapshot(s, r.now()), nil
}

// Update runs fn against the live session under its lock and persists the result.
// An event returned by fn is applied before the lock is released.
func (r *Registry) Update(ctx context.Context, sessionID uuid.UUID, fn func(s *domain.Session) (*domain.SessionEvent, error)) error {
	e := r.lookup(sessionID)
	if e == nil {
		return apperrors.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.IsTerminal() {
		return apperrors.ErrInvalidTransition
	}

	follow, err := fn(e.session)
	r.persist(ctx, e.session)
	if follow != nil {
		if applyErr := r.applyLocked(ctx, e, *follow); applyErr != nil && err == nil {
			err = applyErr
		}
	}
	return err
}

// LiveCount returns the number of sessions held in memory
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) lookup(sessionID uuid.UUID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[sessionID]
}

func (r *Registry) forget(sessionID uuid.UUID) {
	r.mu.Lock()
	delete(r.live, sessionID)
	r.mu.Unlock()
}

// archived answers events aimed at sessions no longer in memory
func (r *Registry) archived(ctx context.Context, sessionID uuid.UUID, ev domain.SessionEvent) (*domain.Session, error) {
	s, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsTerminal() {
		return s, apperrors.InvalidTransitionError(string(s.State), string(ev.Type))
	}
	// A non-terminal row without a live entry belongs to a previous process
	return s, apperrors.ErrSessionNotFound
}

func (r *Registry) persist(ctx context.Context, s *domain.Session) {
	if err := r.repo.Update(ctx, s); err != nil {
		logger.Error("Failed to persist session",
			zap.String("session_id", s.SessionID.String()),
			zap.String("state", string(s.State)),
			zap.Error(err))
	}
}

func (r *Registry) publish(ctx context.Context, s *domain.Session, name string, data map[string]any) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, domain.NewEvent(name, data).ForSession(s.SessionID), s.Participants()...)
}
