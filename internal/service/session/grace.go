package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/pkg/constants"
	"liveconsult-backend/pkg/logger"
)

// ParticipantLeft pauses billing and arms the grace timer. A pending session is
// unaffected: nobody is billed before both legs connect.
func (r *Registry) ParticipantLeft(ctx context.Context, sessionID uuid.UUID, role domain.Role) error {
	e := r.lookup(sessionID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s.State != domain.StateJoining && s.State != domain.StateActive {
		return nil
	}

	if s.State == domain.StateActive && s.BillingState == domain.BillingRunning {
		if err := r.applyLocked(ctx, e, domain.SessionEvent{Type: domain.EventLegLost}); err != nil {
			return err
		}
		if s.IsTerminal() {
			return nil
		}
	}

	e.absent[role] = true
	r.armGraceLocked(e)

	logger.Info("Participant left, grace period started",
		zap.String("session_id", sessionID.String()),
		zap.String("role", string(role)),
		zap.Duration("grace", r.cfg.GracePeriod))
	return nil
}

// ParticipantRejoined clears the role's absence; once nobody is missing the grace
// timer is disarmed and billing resumes.
func (r *Registry) ParticipantRejoined(ctx context.Context, sessionID uuid.UUID, role domain.Role) error {
	e := r.lookup(sessionID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.IsTerminal() {
		return nil
	}

	delete(e.absent, role)
	if len(e.absent) > 0 {
		return nil
	}
	r.stopGraceLocked(e)

	s := e.session
	if s.State == domain.StateActive && s.BillingState == domain.BillingPaused {
		return r.applyLocked(ctx, e, domain.SessionEvent{Type: domain.EventLegRestored})
	}
	return nil
}

// armGraceLocked starts the grace timer unless one is already running
func (r *Registry) armGraceLocked(e *entry) {
	if e.grace != nil {
		return
	}
	e.graceSeq++
	seq := e.graceSeq
	sessionID := e.session.SessionID
	e.grace = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.graceExpired(sessionID, seq)
	})
}

// stopGraceLocked disarms the timer; bumping the sequence also voids a timer
// that already fired and is waiting for the lock
func (r *Registry) stopGraceLocked(e *entry) {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
	e.graceSeq++
}

func (r *Registry) graceExpired(sessionID uuid.UUID, seq uint64) {
	e := r.lookup(sessionID)
	if e == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.graceSeq != seq || e.session.IsTerminal() {
		return
	}
	e.grace = nil

	logger.Info("Grace period expired",
		zap.String("session_id", sessionID.String()))
	_ = r.applyLocked(ctx, e, domain.SessionEvent{Type: domain.EventTimeout})
}

// SweepPending ends sessions that stayed pending longer than the pending timeout.
// It returns how many were ended.
func (r *Registry) SweepPending(ctx context.Context) int {
	if r.cfg.PendingTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.PendingTimeout)

	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.live))
	for _, e := range r.live {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	ended := 0
	for _, e := range candidates {
		e.mu.Lock()
		s := e.session
		if s.State == domain.StatePending && s.CreatedAt.Before(cutoff) {
			if err := r.applyLocked(ctx, e, domain.SessionEvent{Type: domain.EventTimeout}); err == nil {
				ended++
			}
		}
		e.mu.Unlock()
	}
	return ended
}

// RunJanitor sweeps stale pending sessions until ctx is done
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.SweepPending(ctx); n > 0 {
				logger.Info("Expired pending sessions", zap.Int("count", n))
			}
		}
	}
}

// Shutdown ends every live session as connection_lost so balances are settled
// before the process exits
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.live))
	for _, e := range r.live {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	for _, e := range candidates {
		e.mu.Lock()
		if !e.session.IsTerminal() {
			_ = r.applyLocked(ctx, e, domain.SessionEvent{Type: domain.EventTimeout})
		}
		e.mu.Unlock()
	}
}
