package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"liveconsult-backend/internal/database"
)

// refreshScript extends the lock only while this instance still owns it
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lock only while this instance still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// BillingLockRepository makes one instance the owner of a session's billing loop
type BillingLockRepository struct {
	client *database.RedisClient
	owner  string
}

// NewBillingLockRepository creates a lock repository. owner identifies this process.
func NewBillingLockRepository(client *database.RedisClient, owner string) *BillingLockRepository {
	return &BillingLockRepository{client: client, owner: owner}
}

func billingLockKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("billing:owner:%s", sessionID)
}

// Acquire takes the lock with SET NX PX
func (r *BillingLockRepository) Acquire(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := r.client.SafeSetNX(ctx, billingLockKey(sessionID), r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire billing lock: %w", err)
	}
	if ok {
		return true, nil
	}

	// A restart of this same instance may find its own key
	current, err := r.client.SafeGet(ctx, billingLockKey(sessionID)).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to read billing lock: %w", err)
	}
	return current == r.owner, nil
}

// Refresh extends the lock. It reports false when another instance owns it.
func (r *BillingLockRepository) Refresh(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (bool, error) {
	n, err := r.client.SafeEval(ctx, refreshScript, []string{billingLockKey(sessionID)}, r.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh billing lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if this instance owns it
func (r *BillingLockRepository) Release(ctx context.Context, sessionID uuid.UUID) error {
	if err := r.client.SafeEval(ctx, releaseScript, []string{billingLockKey(sessionID)}, r.owner).Err(); err != nil {
		return fmt.Errorf("failed to release billing lock: %w", err)
	}
	return nil
}
