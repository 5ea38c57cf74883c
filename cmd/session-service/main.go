package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"liveconsult-backend/internal/database"
	wsHandler "liveconsult-backend/internal/handler/ws"
	"liveconsult-backend/internal/repository/cockroach"
	"liveconsult-backend/internal/repository/memory"
	redisRepo "liveconsult-backend/internal/repository/redis"
	"liveconsult-backend/internal/service/billing"
	"liveconsult-backend/internal/service/ledger"
	"liveconsult-backend/internal/service/livestream"
	"liveconsult-backend/internal/service/notification"
	sessionService "liveconsult-backend/internal/service/session"
	"liveconsult-backend/pkg/config"
	"liveconsult-backend/pkg/constants"
	pkgDatabase "liveconsult-backend/pkg/database"
	"liveconsult-backend/pkg/env"
	"liveconsult-backend/pkg/jwt"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/metrics"
	"liveconsult-backend/pkg/push"
	"liveconsult-backend/pkg/webhook"
)

// repositories groups the storage the services run on
type repositories struct {
	ledger   ledger.Repository
	sessions sessionService.Repository
	streams  livestream.Repository
}

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Fatal("Session service stopped", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config) error {
	production := cfg.Server.Environment == "production"
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 1. JWT
	if cfg.JWT.Secret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// 2. CockroachDB, or in-memory storage outside production
	repos, closeDB, err := openRepositories(ctx, cfg.Database, production)
	if err != nil {
		return err
	}
	defer closeDB()

	// 3. Redis with degraded mode support
	redisDB := database.NewRedisDB(cfg.Redis, appMetrics.Registerer())
	defer redisDB.Close()

	redisUp := redisDB.HealthCheck(ctx) == nil
	if redisUp {
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
	} else if production {
		return errors.New("redis is required in production")
	} else {
		logger.Warn("Redis unavailable, presence and billing ownership are process-local")
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	var presence presenceStore
	var billingLock billing.OwnershipLock
	if redisUp {
		presence = redisRepo.NewPresenceRepository(redisDB)
		billingLock = redisRepo.NewBillingLockRepository(redisDB, env.InstanceID()+"-"+uuid.NewString()[:8])
	} else {
		presence = memory.NewPresenceRepository()
	}

	// 4. Offline notifications
	pushProvider, err := push.NewProvider(ctx, cfg.Push)
	if err != nil {
		if production {
			return fmt.Errorf("failed to initialize push provider: %w", err)
		}
		logger.Warn("Push provider unavailable, falling back to mock", zap.Error(err))
		pushProvider = &push.MockProvider{}
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB))

	var webhookSender notification.WebhookSender
	if cfg.Webhook.URL != "" {
		webhookSender = webhook.NewClient(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Timeout, appMetrics.Registerer())
	}
	dispatcher := notification.NewDispatcher(pushSvc, webhookSender, appMetrics)

	// 5. Ledger, registry and billing
	ledgerSvc := ledger.NewService(repos.ledger, cfg.Billing.LedgerRetries)

	registry := sessionService.NewRegistry(repos.sessions, presence, ledgerSvc, dispatcher, sessionService.Config{
		GracePeriod:     cfg.Signaling.GracePeriod,
		PendingTimeout:  cfg.Signaling.PendingTimeout,
		BillingInterval: cfg.Billing.Interval,
	}, appMetrics)

	engine := billing.NewEngine(ledgerSvc, registry, dispatcher, billingLock, billing.Config{
		Interval:            cfg.Billing.Interval,
		LowBalanceIntervals: cfg.Billing.LowBalanceIntervals,
		PlatformFeeBps:      cfg.Billing.PlatformFeeBps,
		LockTTL:             cfg.Billing.OwnerLockTTL,
	}, appMetrics)
	registry.SetBiller(engine)

	// 6. Signaling
	hub := wsHandler.NewSignalingHub(registry, wsHandler.HubConfig{
		HeartbeatInterval: cfg.Signaling.HeartbeatInterval,
		HeartbeatMaxMiss:  cfg.Signaling.HeartbeatMaxMiss,
		MaxConnections:    cfg.Signaling.MaxConnections,
		MessagesPerSecond: cfg.Signaling.MessagesPerSecond,
		MessageBurst:      cfg.Signaling.MessageBurst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, appMetrics)
	registry.SetCloser(hub)
	dispatcher.SetDeliverer(hub)

	// 7. Livestreams
	streamSvc := livestream.NewService(repos.streams, ledgerSvc, dispatcher, cfg.Billing.GiftProviderBps, appMetrics)

	router := newRouter(cfg, routerDeps{
		jwt:      jwtManager,
		metrics:  appMetrics,
		redis:    redisDB,
		registry: registry,
		ledger:   ledgerSvc,
		presence: presence,
		streams:  streamSvc,
		push:     pushSvc,
		hub:      hub,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Session service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return registry.RunJanitor(gctx, constants.JanitorInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", zap.Error(err))
		}
		// Settle every live session before the process goes away
		registry.Shutdown(shutdownCtx)
		engine.Close()
		hub.Close()
		dispatcher.Close()
		return nil
	})

	return g.Wait()
}

// openRepositories connects to CockroachDB with exponential backoff. Outside
// production a failed connection falls back to in-memory storage.
func openRepositories(ctx context.Context, cfg config.DatabaseConfig, production bool) (*repositories, func(), error) {
	const (
		maxRetries = 5
		baseDelay  = time.Second
		maxDelay   = 30 * time.Second
	)

	db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
		db, err = pkgDatabase.NewCockroachDB(ctx, cfg)
	}

	if err != nil {
		if production {
			return nil, nil, fmt.Errorf("failed to connect to CockroachDB after %d attempts: %w", maxRetries, err)
		}
		logger.Warn("Running with in-memory storage, nothing survives a restart", zap.Error(err))
		return &repositories{
			ledger:   memory.NewLedgerRepository(),
			sessions: memory.NewSessionRepository(),
			streams:  memory.NewStreamRepository(),
		}, func() {}, nil
	}

	logger.Info("Connected to CockroachDB", zap.String("host", cfg.Host))
	return &repositories{
		ledger:   cockroach.NewLedgerRepository(db.Pool),
		sessions: cockroach.NewSessionRepository(db.Pool),
		streams:  cockroach.NewStreamRepository(db.Pool),
	}, db.Close, nil
}
