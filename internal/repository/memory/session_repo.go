package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
)

// SessionRepository archives sessions in memory
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.Session
}

// NewSessionRepository creates an empty session store
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[uuid.UUID]*domain.Session)}
}

// Create stores a new session
func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.SessionID]; exists {
		return apperrors.ConflictError("session already exists")
	}
	r.sessions[s.SessionID] = s.Clone()
	return nil
}

// Update overwrites the stored session
func (r *SessionRepository) Update(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.SessionID]; !exists {
		return apperrors.ErrSessionNotFound
	}
	r.sessions[s.SessionID] = s.Clone()
	return nil
}

// GetByID returns a copy of the stored session
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return s.Clone(), nil
}
