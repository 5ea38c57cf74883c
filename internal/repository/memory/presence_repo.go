package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"liveconsult-backend/pkg/constants"
)

// PresenceRepository tracks online users with an expiry, mirroring the Redis TTL keys
type PresenceRepository struct {
	mu     sync.RWMutex
	online map[uuid.UUID]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewPresenceRepository creates an empty presence store
func NewPresenceRepository() *PresenceRepository {
	return &PresenceRepository{
		online: make(map[uuid.UUID]time.Time),
		ttl:    constants.PresenceTTL,
		now:    time.Now,
	}
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[userID] = r.now().Add(r.ttl)
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.online, userID)
	return nil
}

// IsUserOnline checks if user is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.online[userID]
	return ok && r.now().Before(exp), nil
}
