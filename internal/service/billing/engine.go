package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/pkg/constants"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/metrics"
	"liveconsult-backend/pkg/money"
)

// Charger is the ledger operation the engine needs
type Charger interface {
	Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error)
}

// SessionUpdater runs fn under the session's lock; see session.Registry.Update
type SessionUpdater interface {
	Update(ctx context.Context, sessionID uuid.UUID, fn func(s *domain.Session) (*domain.SessionEvent, error)) error
}

// Publisher fans events out to participants
type Publisher interface {
	Publish(ctx context.Context, ev *domain.Event, targets ...uuid.UUID)
}

// OwnershipLock keeps two instances from ticking the same session
type OwnershipLock interface {
	Acquire(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID uuid.UUID) error
}

// Config holds billing cadence and policy
type Config struct {
	Interval            time.Duration
	LowBalanceIntervals int64
	PlatformFeeBps      int64
	LockTTL             time.Duration
}

// run is the per-session metering state. Its fields are only touched while the
// owning session's lock is held.
type run struct {
	lastSettled    time.Time
	paused         bool
	exhausted      bool
	lowBalanceSent bool
	cancel         context.CancelFunc
}

// Engine meters active sessions against the ledger
type Engine struct {
	ledger    Charger
	updater   SessionUpdater
	publisher Publisher
	lock      OwnershipLock
	cfg       Config
	metrics   *metrics.Metrics
	now       func() time.Time

	baseCtx context.Context
	stopAll context.CancelFunc
	loops   conc.WaitGroup

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

// NewEngine creates a billing engine. lock may be nil for single-instance deployments.
func NewEngine(ledger Charger, updater SessionUpdater, publisher Publisher, lock OwnershipLock, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 3 * cfg.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ledger:    ledger,
		updater:   updater,
		publisher: publisher,
		lock:      lock,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
		baseCtx:   ctx,
		stopAll:   cancel,
		runs:      make(map[uuid.UUID]*run),
	}
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start begins metering an active/running session. It is a no-op when the session
// is already metered. Fixed sessions take the flat price once here; an unaffordable
// price yields an InsufficientFunds event.
func (e *Engine) Start(ctx context.Context, s *domain.Session) (*domain.SessionEvent, error) {
	if s.State != domain.StateActive || s.BillingState != domain.BillingRunning {
		return nil, nil
	}

	e.mu.Lock()
	if _, exists := e.runs[s.SessionID]; exists {
		e.mu.Unlock()
		return nil, nil
	}
	r := &run{lastSettled: e.now()}
	e.runs[s.SessionID] = r
	e.mu.Unlock()

	if s.BillingMode == domain.BillingFixed {
		return e.chargeFlat(ctx, s, r)
	}

	if e.lock != nil {
		owned, err := e.lock.Acquire(ctx, s.SessionID, e.cfg.LockTTL)
		switch {
		case err != nil:
			logger.Warn("Billing lock unavailable, metering locally",
				zap.String("session_id", s.SessionID.String()),
				zap.Error(err))
		case !owned:
			e.forget(s.SessionID)
			return nil, fmt.Errorf("session %s is metered by another instance", s.SessionID)
		}
	}

	sessionID := s.SessionID
	loopCtx, cancel := context.WithCancel(logger.WithSessionID(e.baseCtx, sessionID.String()))
	r.cancel = cancel
	e.loops.Go(func() {
		e.loop(loopCtx, sessionID)
	})

	logger.Info("Metering started",
		zap.String("session_id", sessionID.String()),
		zap.Int64("rate", s.Rate),
		zap.Duration("interval", e.cfg.Interval))
	return nil, nil
}

// Pause settles the time used so far and suspends ticks
func (e *Engine) Pause(ctx context.Context, s *domain.Session) *domain.SessionEvent {
	r := e.get(s.SessionID)
	if r == nil || r.paused || r.exhausted {
		return nil
	}

	var follow *domain.SessionEvent
	if s.BillingMode == domain.BillingMetered {
		var err error
		follow, err = e.settle(ctx, s, r, false)
		if err != nil {
			logger.Error("Settlement on pause failed",
				zap.String("session_id", s.SessionID.String()),
				zap.Error(err))
		}
	}
	r.paused = true
	return follow
}

// Resume restarts measurement from now
func (e *Engine) Resume(ctx context.Context, s *domain.Session) {
	r := e.get(s.SessionID)
	if r == nil || r.exhausted {
		return
	}
	r.paused = false
	r.lastSettled = e.now()
}

// Stop halts the tick loop and settles the final partial interval exactly.
// Repeated calls are no-ops.
func (e *Engine) Stop(ctx context.Context, s *domain.Session, reason domain.EndReason) error {
	e.mu.Lock()
	r, ok := e.runs[s.SessionID]
	delete(e.runs, s.SessionID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}

	var err error
	if s.BillingMode == domain.BillingMetered {
		if !r.paused && !r.exhausted {
			_, err = e.settle(ctx, s, r, true)
		}
		if e.lock != nil {
			if relErr := e.lock.Release(ctx, s.SessionID); relErr != nil {
				logger.Warn("Failed to release billing lock",
					zap.String("session_id", s.SessionID.String()),
					zap.Error(relErr))
			}
		}
		if s.ChargedAmount > 0 {
			e.publish(ctx, s, domain.EventPaymentProcessed, map[string]any{
				"amount":         s.ChargedAmount,
				"billing_mode":   s.BillingMode,
				"billed_seconds": s.BilledDuration.Seconds(),
				"reason":         reason,
			})
		}
	}

	logger.Info("Metering stopped",
		zap.String("session_id", s.SessionID.String()),
		zap.String("reason", string(reason)),
		zap.Int64("amount", s.ChargedAmount))
	return err
}

// Tick settles one interval for the session. It reports whether the session is
// still being metered.
func (e *Engine) Tick(ctx context.Context, sessionID uuid.UUID) bool {
	r := e.get(sessionID)
	if r == nil {
		return false
	}

	err := e.updater.Update(ctx, sessionID, func(s *domain.Session) (*domain.SessionEvent, error) {
		if e.get(sessionID) != r || r.paused || r.exhausted || s.BillingMode != domain.BillingMetered {
			return nil, nil
		}
		if !e.refreshLock(ctx, sessionID) {
			e.forget(sessionID)
			if r.cancel != nil {
				r.cancel()
			}
			return nil, nil
		}
		return e.settle(ctx, s, r, false)
	})
	if errors.Is(err, apperrors.ErrSessionNotFound) || errors.Is(err, apperrors.ErrInvalidTransition) {
		e.forget(sessionID)
		return false
	}
	if err != nil {
		logger.Warn("Billing tick failed, will retry next interval",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}

	return e.get(sessionID) == r
}

// Active returns the number of metered sessions
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Close stops every tick loop and waits for them to exit
func (e *Engine) Close() {
	e.stopAll()
	e.loops.Wait()
}

func (e *Engine) loop(ctx context.Context, sessionID uuid.UUID) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.Tick(ctx, sessionID) {
				return
			}
		}
	}
}

// settle bills the time elapsed since the last settlement. The cumulative charge is
// floor(rate * billed / 1m); each settlement takes the difference from what was
// already charged, so rounding never drifts. A settlement that cannot be paid in
// full takes the remaining balance and reports exhaustion.
func (e *Engine) settle(ctx context.Context, s *domain.Session, r *run, final bool) (*domain.SessionEvent, error) {
	now := e.now()
	elapsed := now.Sub(r.lastSettled)
	if elapsed < 0 {
		elapsed = 0
	}
	billed := s.BilledDuration + elapsed
	due := money.ChargeFor(s.Rate, billed) - s.ChargedAmount

	if due <= 0 {
		s.BilledDuration = billed
		r.lastSettled = now
		e.metrics.RecordBillingTick("empty")
		return nil, nil
	}

	ledgerCtx, cancel := context.WithTimeout(ctx, constants.LedgerTimeout)
	defer cancel()

	sessionID := s.SessionID
	res, err := e.ledger.Charge(ledgerCtx, domain.ChargeRequest{
		ClientID:     s.ClientID,
		ProviderID:   s.ProviderID,
		Amount:       due,
		AllowPartial: true,
		ProviderBps:  money.ProviderBps(e.cfg.PlatformFeeBps),
		Kind:         domain.EntrySessionCharge,
		SessionID:    &sessionID,
	})
	if err != nil {
		e.metrics.RecordBillingTick("error")
		e.metrics.RecordLedgerError("session_charge")
		return nil, fmt.Errorf("failed to charge session %s: %w", sessionID, err)
	}

	s.BilledDuration = billed
	s.ChargedAmount += res.Charged
	r.lastSettled = now
	e.metrics.RecordCharge(string(domain.EntrySessionCharge), res.Charged)

	e.publish(ctx, s, domain.EventBillingTick, map[string]any{
		"elapsed_seconds": s.Elapsed(now).Seconds(),
		"billed_seconds":  s.BilledDuration.Seconds(),
		"charged":         res.Charged,
		"running_cost":    s.ChargedAmount,
		"balance":         res.BalanceAfter,
	})

	exhausted := res.Short(due) || res.BalanceAfter == 0
	if exhausted {
		e.metrics.RecordBillingTick("partial")
	} else {
		e.metrics.RecordBillingTick("charged")
	}

	if final {
		return nil, nil
	}

	if exhausted {
		r.exhausted = true
		logger.Info("Client funds exhausted",
			zap.String("session_id", sessionID.String()),
			zap.Int64("amount", s.ChargedAmount))
		e.publish(ctx, s, domain.EventInsufficientFunds, map[string]any{
			"balance":      res.BalanceAfter,
			"running_cost": s.ChargedAmount,
		})
		return &domain.SessionEvent{Type: domain.EventFundsExhausted}, nil
	}

	// Warn when the balance going into this tick covered fewer than the configured intervals
	threshold := e.cfg.LowBalanceIntervals * money.ChargeFor(s.Rate, e.cfg.Interval)
	if !r.lowBalanceSent && res.BalanceAfter+res.Charged < threshold {
		r.lowBalanceSent = true
		e.metrics.RecordLowBalance()
		e.publish(ctx, s, domain.EventLowBalance, map[string]any{
			"balance":           res.BalanceAfter,
			"threshold":         threshold,
			"seconds_remaining": secondsAffordable(res.BalanceAfter, s.Rate),
		})
	}
	return nil, nil
}

// chargeFlat takes the whole fixed price once, without partial debits
func (e *Engine) chargeFlat(ctx context.Context, s *domain.Session, r *run) (*domain.SessionEvent, error) {
	ledgerCtx, cancel := context.WithTimeout(ctx, constants.LedgerTimeout)
	defer cancel()

	sessionID := s.SessionID
	res, err := e.ledger.Charge(ledgerCtx, domain.ChargeRequest{
		ClientID:    s.ClientID,
		ProviderID:  s.ProviderID,
		Amount:      s.Rate,
		ProviderBps: money.ProviderBps(e.cfg.PlatformFeeBps),
		Kind:        domain.EntrySessionCharge,
		SessionID:   &sessionID,
	})
	if errors.Is(err, apperrors.ErrInsufficientFunds) {
		r.exhausted = true
		e.metrics.RecordBillingTick("partial")
		e.publish(ctx, s, domain.EventInsufficientFunds, map[string]any{
			"price":        s.Rate,
			"running_cost": s.ChargedAmount,
		})
		return &domain.SessionEvent{Type: domain.EventFundsExhausted}, nil
	}
	if err != nil {
		e.forget(sessionID)
		e.metrics.RecordLedgerError("flat_charge")
		return nil, fmt.Errorf("failed to take flat price: %w", err)
	}

	s.ChargedAmount = res.Charged
	e.metrics.RecordBillingTick("charged")
	e.metrics.RecordCharge(string(domain.EntrySessionCharge), res.Charged)

	e.publish(ctx, s, domain.EventPaymentProcessed, map[string]any{
		"amount":       res.Charged,
		"billing_mode": s.BillingMode,
		"balance":      res.BalanceAfter,
	})
	return nil, nil
}

// refreshLock extends the ownership lease. It reports false only when another
// instance has taken the session over; a Redis error keeps metering locally.
func (e *Engine) refreshLock(ctx context.Context, sessionID uuid.UUID) bool {
	if e.lock == nil {
		return true
	}
	owned, err := e.lock.Refresh(ctx, sessionID, e.cfg.LockTTL)
	if err != nil {
		logger.FromContext(ctx).Warn("Billing lock refresh failed, metering locally",
			zap.Error(err))
		return true
	}
	if !owned {
		logger.FromContext(ctx).Warn("Billing lock lost, metering stopped")
		return false
	}
	return true
}

func (e *Engine) get(sessionID uuid.UUID) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[sessionID]
}

func (e *Engine) forget(sessionID uuid.UUID) {
	e.mu.Lock()
	delete(e.runs, sessionID)
	e.mu.Unlock()
}

func (e *Engine) publish(ctx context.Context, s *domain.Session, name string, data map[string]any) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ctx, domain.NewEvent(name, data).ForSession(s.SessionID), s.Participants()...)
}

// secondsAffordable is how long balance lasts at rate cents per minute
func secondsAffordable(balance, rate int64) int64 {
	if rate <= 0 {
		return 0
	}
	return balance * 60 / rate
}
