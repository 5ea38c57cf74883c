package session

import (
	"context"

	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
)

// endReasons maps terminating events to the reason shown to participants
var endReasons = map[domain.SessionEventType]domain.EndReason{
	domain.EventHangup:         domain.EndReasonUser,
	domain.EventFundsExhausted: domain.EndReasonInsufficientBalance,
	domain.EventTimeout:        domain.EndReasonConnectionLost,
}

// allowed reports whether ev is legal from the session's current state.
//
//	pending --BothJoined--> joining --MediaConnected--> active/running
//	active/running --LegLost--> active/paused --LegRestored--> active/running
//	any non-terminal --Hangup|InsufficientFunds|Timeout--> ended
func allowed(s *domain.Session, ev domain.SessionEventType) bool {
	if s.IsTerminal() {
		return false
	}
	switch ev {
	case domain.EventBothJoined:
		return s.State == domain.StatePending
	case domain.EventMediaConnected:
		return s.State == domain.StateJoining
	case domain.EventLegLost:
		return s.State == domain.StateActive && s.BillingState == domain.BillingRunning
	case domain.EventLegRestored:
		return s.State == domain.StateActive && s.BillingState == domain.BillingPaused
	case domain.EventHangup, domain.EventFundsExhausted, domain.EventTimeout:
		return true
	}
	return false
}

// applyLocked runs one event against a locked entry
func (r *Registry) applyLocked(ctx context.Context, e *entry, ev domain.SessionEvent) error {
	s := e.session
	if !allowed(s, ev.Type) {
		logger.Debug("Rejected session transition",
			zap.String("session_id", s.SessionID.String()),
			zap.String("state", string(s.State)),
			zap.String("event", string(ev.Type)))
		return apperrors.InvalidTransitionError(string(s.State), string(ev.Type))
	}

	switch ev.Type {
	case domain.EventBothJoined:
		s.State = domain.StateJoining
		r.persist(ctx, s)

	case domain.EventMediaConnected:
		return r.activateLocked(ctx, e)

	case domain.EventLegLost:
		s.BillingState = domain.BillingPaused
		var follow *domain.SessionEvent
		if r.biller != nil {
			follow = r.biller.Pause(ctx, s)
		}
		r.persist(ctx, s)
		if follow != nil {
			return r.applyLocked(ctx, e, *follow)
		}

	case domain.EventLegRestored:
		s.BillingState = domain.BillingRunning
		if r.biller != nil {
			r.biller.Resume(ctx, s)
		}
		r.persist(ctx, s)

	default:
		r.finalizeLocked(ctx, e, endReasons[ev.Type], ev)
	}
	return nil
}

// activateLocked moves joining to active/running and starts billing
func (r *Registry) activateLocked(ctx context.Context, e *entry) error {
	s := e.session
	now := r.now().UTC()
	s.State = domain.StateActive
	s.BillingState = domain.BillingRunning
	s.StartedAt = &now
	r.persist(ctx, s)

	logger.Info("Session started",
		zap.String("session_id", s.SessionID.String()),
		zap.String("mode", string(s.BillingMode)))
	r.publish(ctx, s, domain.EventSessionStarted, map[string]any{
		"started_at":   now,
		"billing_mode": s.BillingMode,
		"rate":         s.Rate,
	})

	if r.biller == nil {
		return nil
	}
	follow, err := r.biller.Start(ctx, s)
	r.persist(ctx, s)
	if err != nil {
		// The session cannot be served without billing
		logger.Error("Billing failed to start",
			zap.String("session_id", s.SessionID.String()),
			zap.Error(err))
		r.finalizeLocked(ctx, e, domain.EndReasonConnectionLost, domain.SessionEvent{Type: domain.EventTimeout})
		return err
	}
	if follow != nil {
		return r.applyLocked(ctx, e, *follow)
	}
	return nil
}

// finalizeLocked ends the session exactly once: settles billing, freezes totals,
// archives the row, notifies both parties and releases the room.
func (r *Registry) finalizeLocked(ctx context.Context, e *entry, reason domain.EndReason, ev domain.SessionEvent) {
	s := e.session
	r.stopGraceLocked(e)

	if r.biller != nil && s.StartedAt != nil {
		if err := r.biller.Stop(ctx, s, reason); err != nil {
			logger.Error("Final settlement failed",
				zap.String("session_id", s.SessionID.String()),
				zap.Error(err))
		}
	}

	now := r.now().UTC()
	s.State = domain.StateEnded
	s.BillingState = domain.BillingNone
	s.EndReason = reason
	s.EndedAt = &now
	if s.StartedAt != nil {
		s.Duration = now.Sub(*s.StartedAt)
	}
	r.persist(ctx, s)
	r.forget(s.SessionID)

	r.metrics.RecordSessionEnded(string(s.ChannelType), string(reason), s.Duration)
	logger.Info("Session ended",
		zap.String("session_id", s.SessionID.String()),
		zap.String("reason", string(reason)),
		zap.Duration("duration", s.Duration),
		zap.Int64("amount", s.ChargedAmount))

	data := map[string]any{
		"reason":           reason,
		"duration_seconds": s.Duration.Seconds(),
		"billed_seconds":   s.BilledDuration.Seconds(),
		"total_charged":    s.ChargedAmount,
	}
	if ev.Type == domain.EventHangup {
		data["ended_by"] = ev.By
	}
	r.publish(ctx, s, domain.EventSessionEnded, data)

	if r.closer != nil {
		r.closer.CloseSession(s.SessionID)
	}
}
