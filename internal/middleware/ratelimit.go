package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"liveconsult-backend/internal/database"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/response"
)

// fixedWindowScript counts a request in the current window and sets the expiry on first use
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RateLimiter implements Redis-based fixed-window rate limiting shared by all
// instances. While Redis is degraded it falls back to a per-instance token bucket.
type RateLimiter struct {
	redis    *database.RedisClient
	name     string
	requests int
	window   time.Duration
	fallback *InMemoryRateLimiter
}

// NewRateLimiter creates a new rate limiter
// requests: maximum number of requests allowed
// window: time window for the rate limit (e.g., 1 minute)
func NewRateLimiter(redisClient *database.RedisClient, name string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redisClient,
		name:     name,
		requests: requests,
		window:   window,
		fallback: NewInMemoryRateLimiter(rate.Limit(float64(requests)/window.Seconds()), requests),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		allowed, remaining, err := rl.check(c.Request.Context(), identifier)
		if err != nil {
			logger.Debug("Rate limit falling back to local bucket",
				zap.String("limiter", rl.name),
				zap.Error(err))
			allowed, remaining = rl.fallback.Allow(identifier)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			appErr := apperrors.RateLimitExceededError()
			response.Error(c, http.StatusTooManyRequests, string(appErr.Code), appErr.Message)
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int, error) {
	if rl.redis == nil {
		return false, 0, fmt.Errorf("no redis client")
	}

	windowStart := time.Now().UnixMilli() / rl.window.Milliseconds()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.name, identifier, windowStart)

	count, err := rl.redis.SafeEval(ctx, fixedWindowScript, []string{key}, rl.window.Milliseconds()).Int()
	if err != nil {
		return false, 0, fmt.Errorf("failed to count request: %w", err)
	}

	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, nil
}

// InMemoryRateLimiter keeps one token bucket per identifier
type InMemoryRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// maxTrackedIdentifiers bounds fallback memory; the table is reset when exceeded
const maxTrackedIdentifiers = 10000

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter(limit rate.Limit, burst int) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow takes a token for identifier and reports the tokens left
func (im *InMemoryRateLimiter) Allow(identifier string) (bool, int) {
	im.mu.Lock()
	defer im.mu.Unlock()

	limiter, ok := im.limiters[identifier]
	if !ok {
		if len(im.limiters) >= maxTrackedIdentifiers {
			im.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(im.limit, im.burst)
		im.limiters[identifier] = limiter
	}

	allowed := limiter.Allow()
	remaining := int(limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}
