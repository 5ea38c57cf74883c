package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"liveconsult-backend/internal/database"
	pushHandler "liveconsult-backend/internal/handler/http/push"
	sessionHandler "liveconsult-backend/internal/handler/http/session"
	streamHandler "liveconsult-backend/internal/handler/http/stream"
	walletHandler "liveconsult-backend/internal/handler/http/wallet"
	wsHandler "liveconsult-backend/internal/handler/ws"
	"liveconsult-backend/internal/middleware"
	"liveconsult-backend/internal/service/ledger"
	"liveconsult-backend/internal/service/livestream"
	sessionService "liveconsult-backend/internal/service/session"
	"liveconsult-backend/pkg/config"
	"liveconsult-backend/pkg/jwt"
	"liveconsult-backend/pkg/metrics"
	"liveconsult-backend/pkg/push"
)

// presenceStore is read by the registry and written by the heartbeat endpoints
type presenceStore interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

type routerDeps struct {
	jwt      *jwt.JWTManager
	metrics  *metrics.Metrics
	redis    *database.RedisClient
	registry *sessionService.Registry
	ledger   *ledger.Service
	presence presenceStore
	streams  *livestream.Service
	push     *push.Service
	hub      *wsHandler.SignalingHub
}

func newRouter(cfg *config.Config, deps routerDeps) *gin.Engine {
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(deps.metrics).Handler())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName))

	router.GET("/metrics", middleware.MetricsHandler(deps.metrics))

	sessions := sessionHandler.NewHandler(deps.registry)
	wallet := walletHandler.NewHandler(deps.ledger, deps.presence, cfg.Webhook.PaymentSecret)
	streams := streamHandler.NewHandler(deps.streams)
	tokens := pushHandler.NewHandler(deps.push)

	createLimit := middleware.NewRateLimiter(deps.redis, "session_create", 10, time.Minute)
	giftLimit := middleware.NewRateLimiter(deps.redis, "gift", 60, time.Minute)
	depositLimit := middleware.NewRateLimiter(deps.redis, "deposit", 120, time.Minute)
	timeout := middleware.NewTimeoutMiddleware(middleware.DefaultTimeoutConfig())

	v1 := router.Group("/v1")

	// Payment processor callback, authenticated by signature rather than JWT
	v1.POST("/wallet/deposits", depositLimit.Middleware(), timeout.Middleware(), wallet.Deposit)

	auth := middleware.AuthMiddleware(deps.jwt)

	// Long-lived connection: no request timeout
	v1.GET("/sessions/ws", auth, deps.hub.ServeWS)

	api := v1.Group("", auth, timeout.Middleware())
	{
		api.POST("/sessions", createLimit.Middleware(), sessions.CreateSession)
		api.GET("/sessions/:id", sessions.GetSession)
		api.POST("/sessions/:id/end", sessions.EndSession)

		api.GET("/wallet/balance", wallet.GetBalance)
		api.GET("/wallet/entries", wallet.ListEntries)
		api.POST("/presence/heartbeat", wallet.Heartbeat)
		api.DELETE("/presence", wallet.GoOffline)

		api.POST("/streams", streams.StartStream)
		api.GET("/streams/:id", streams.GetStream)
		api.POST("/streams/:id/end", streams.EndStream)
		api.POST("/streams/:id/gifts", giftLimit.Middleware(), streams.SendGift)
		api.GET("/streams/:id/gifts", streams.ListGifts)

		api.POST("/push/tokens", tokens.RegisterToken)
		api.DELETE("/push/tokens", tokens.UnregisterToken)
		api.GET("/push/tokens", tokens.GetTokens)
	}

	return router
}
