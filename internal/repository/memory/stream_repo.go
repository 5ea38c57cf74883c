package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
)

// StreamRepository keeps streams and their gifts in memory
type StreamRepository struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*domain.Stream
	gifts   map[uuid.UUID][]*domain.Gift
}

// NewStreamRepository creates an empty stream store
func NewStreamRepository() *StreamRepository {
	return &StreamRepository{
		streams: make(map[uuid.UUID]*domain.Stream),
		gifts:   make(map[uuid.UUID][]*domain.Gift),
	}
}

// Create stores a new stream
func (r *StreamRepository) Create(ctx context.Context, st *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *st
	r.streams[st.StreamID] = &c
	return nil
}

// GetByID returns a copy of the stream
func (r *StreamRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.streams[id]
	if !ok {
		return nil, apperrors.ErrStreamNotFound
	}
	c := *st
	return &c, nil
}

// End marks a live stream ended. It reports false when it was already ended.
func (r *StreamRepository) End(ctx context.Context, st *domain.Stream) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.streams[st.StreamID]
	if !ok {
		return false, apperrors.ErrStreamNotFound
	}
	if cur.Status == domain.StreamEnded {
		return false, nil
	}
	cur.Status = domain.StreamEnded
	cur.EndedAt = st.EndedAt
	return true, nil
}

// AddGift records the gift and bumps the stream total
func (r *StreamRepository) AddGift(ctx context.Context, g *domain.Gift) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[g.StreamID]
	if !ok {
		return apperrors.ErrStreamNotFound
	}
	c := *g
	r.gifts[g.StreamID] = append(r.gifts[g.StreamID], &c)
	st.GiftTotal += g.Gross
	return nil
}

// Gifts lists gifts received on a stream
func (r *StreamRepository) Gifts(ctx context.Context, streamID uuid.UUID) ([]*domain.Gift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Gift, 0, len(r.gifts[streamID]))
	for _, g := range r.gifts[streamID] {
		c := *g
		out = append(out, &c)
	}
	return out, nil
}
