package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
)

// StreamRepository handles livestreams and gifts
type StreamRepository struct {
	pool *pgxpool.Pool
}

// NewStreamRepository creates a new stream repository
func NewStreamRepository(pool *pgxpool.Pool) *StreamRepository {
	return &StreamRepository{pool: pool}
}

// Create inserts a new stream
func (r *StreamRepository) Create(ctx context.Context, st *domain.Stream) error {
	query := `
		INSERT INTO streams (stream_id, provider_id, title, status, provider_bps, gift_total, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		st.StreamID,
		st.ProviderID,
		st.Title,
		string(st.Status),
		st.ProviderBps,
		st.GiftTotal,
		st.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// GetByID retrieves a stream by ID
func (r *StreamRepository) GetByID(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	query := `
		SELECT stream_id, provider_id, title, status, provider_bps, gift_total, started_at, ended_at
		FROM streams
		WHERE stream_id = $1
	`

	st := &domain.Stream{}
	var status string
	err := r.pool.QueryRow(ctx, query, streamID).Scan(
		&st.StreamID,
		&st.ProviderID,
		&st.Title,
		&status,
		&st.ProviderBps,
		&st.GiftTotal,
		&st.StartedAt,
		&st.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrStreamNotFound
		}
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	st.Status = domain.StreamStatus(status)

	return st, nil
}

// End marks a live stream ended. It reports false when it was already ended.
func (r *StreamRepository) End(ctx context.Context, st *domain.Stream) (bool, error) {
	query := `
		UPDATE streams
		SET status = 'ended', ended_at = $2
		WHERE stream_id = $1 AND status = 'live'
	`

	tag, err := r.pool.Exec(ctx, query, st.StreamID, st.EndedAt)
	if err != nil {
		return false, fmt.Errorf("failed to end stream: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// AddGift records a gift and bumps the stream total in one transaction
func (r *StreamRepository) AddGift(ctx context.Context, g *domain.Gift) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO gifts (
			gift_id, sender_id, receiver_id, stream_id, gross, provider_share, platform_share, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, insert,
		g.GiftID,
		g.SenderID,
		g.ReceiverID,
		g.StreamID,
		g.Gross,
		g.ProviderShare,
		g.PlatformShare,
		g.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert gift: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE streams SET gift_total = gift_total + $2 WHERE stream_id = $1`,
		g.StreamID, g.Gross); err != nil {
		return fmt.Errorf("failed to update gift total: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit gift: %w", err)
	}
	return nil
}

// Gifts lists gifts received on a stream, newest first
func (r *StreamRepository) Gifts(ctx context.Context, streamID uuid.UUID) ([]*domain.Gift, error) {
	query := `
		SELECT gift_id, sender_id, receiver_id, stream_id, gross, provider_share, platform_share, created_at
		FROM gifts
		WHERE stream_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gifts: %w", err)
	}
	defer rows.Close()

	var gifts []*domain.Gift
	for rows.Next() {
		g := &domain.Gift{}
		if err := rows.Scan(
			&g.GiftID,
			&g.SenderID,
			&g.ReceiverID,
			&g.StreamID,
			&g.Gross,
			&g.ProviderShare,
			&g.PlatformShare,
			&g.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan gift: %w", err)
		}
		gifts = append(gifts, g)
	}

	return gifts, rows.Err()
}
