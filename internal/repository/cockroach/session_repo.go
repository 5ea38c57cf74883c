package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
)

// SessionRepository handles session row persistence
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create inserts a new session row
func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	query := `
		INSERT INTO sessions (
			session_id, provider_id, client_id, channel_type, billing_mode, rate,
			state, billing_state, scheduled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		s.SessionID,
		s.ProviderID,
		s.ClientID,
		string(s.ChannelType),
		string(s.BillingMode),
		s.Rate,
		string(s.State),
		string(s.BillingState),
		s.ScheduledAt,
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Update writes the mutable columns of a session
func (r *SessionRepository) Update(ctx context.Context, s *domain.Session) error {
	query := `
		UPDATE sessions
		SET state = $2,
		    billing_state = $3,
		    started_at = $4,
		    ended_at = $5,
		    billed_ns = $6,
		    charged_amount = $7,
		    duration_ns = $8,
		    end_reason = $9
		WHERE session_id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		s.SessionID,
		string(s.State),
		string(s.BillingState),
		s.StartedAt,
		s.EndedAt,
		int64(s.BilledDuration),
		s.ChargedAmount,
		int64(s.Duration),
		string(s.EndReason),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrSessionNotFound
	}

	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	query := `
		SELECT session_id, provider_id, client_id, channel_type, billing_mode, rate,
		       state, billing_state, scheduled_at, created_at, started_at, ended_at,
		       billed_ns, charged_amount, duration_ns, end_reason
		FROM sessions
		WHERE session_id = $1
	`

	s := &domain.Session{}
	var channel, mode, state, billingState, reason string
	var billed, duration int64
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&s.SessionID,
		&s.ProviderID,
		&s.ClientID,
		&channel,
		&mode,
		&s.Rate,
		&state,
		&billingState,
		&s.ScheduledAt,
		&s.CreatedAt,
		&s.StartedAt,
		&s.EndedAt,
		&billed,
		&s.ChargedAmount,
		&duration,
		&reason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.ChannelType = domain.ChannelType(channel)
	s.BillingMode = domain.BillingMode(mode)
	s.State = domain.SessionState(state)
	s.BillingState = domain.BillingState(billingState)
	s.EndReason = domain.EndReason(reason)
	s.BilledDuration = time.Duration(billed)
	s.Duration = time.Duration(duration)

	return s, nil
}
