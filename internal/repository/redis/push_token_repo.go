package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"liveconsult-backend/internal/database"
	"liveconsult-backend/pkg/constants"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

// Key format: push:token:{token}
func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

// Key format: push:user:{userID}:tokens
func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store creates or overwrites a token and indexes it under its user
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.SafeSet(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	key := userTokensKey(token.UserID)
	if err := r.client.SafeSAdd(ctx, key, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))
	return nil
}

// GetByToken retrieves a token by its value. A missing token returns nil, nil.
func (r *PushTokenRepository) GetByToken(ctx context.Context, value string) (*push.Token, error) {
	data, err := r.client.SafeGet(ctx, tokenKey(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID retrieves all tokens for a user. Expired token keys are pruned from the index.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	key := userTokensKey(userID)
	values, err := r.client.SafeSMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	result := make([]*push.Token, 0, len(values))
	for _, value := range values {
		token, err := r.GetByToken(ctx, value)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		// expired, or the device now belongs to someone else
		if token == nil || token.UserID != userID {
			_ = r.client.SafeSRem(ctx, key, value).Err()
			continue
		}
		result = append(result, token)
	}
	return result, nil
}

// MarkInactive flags a token the provider rejected
func (r *PushTokenRepository) MarkInactive(ctx context.Context, value string) error {
	token, err := r.GetByToken(ctx, value)
	if err != nil || token == nil {
		return err
	}
	token.Active = false
	return r.Store(ctx, token)
}

// Delete removes a token owned by userID. Tokens of other users are left alone.
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, value string) error {
	token, err := r.GetByToken(ctx, value)
	if err != nil {
		return err
	}
	if token != nil && token.UserID != userID {
		return nil
	}

	if err := r.client.SafeSRem(ctx, userTokensKey(userID), value).Err(); err != nil {
		return fmt.Errorf("failed to remove token from user set: %w", err)
	}
	if err := r.client.SafeDel(ctx, tokenKey(value)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
