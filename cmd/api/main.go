package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/realtime-gate/internal/audit"
	"github.com/kursadbilgin/realtime-gate/internal/config"
	"github.com/kursadbilgin/realtime-gate/internal/gateway"
	"github.com/kursadbilgin/realtime-gate/internal/handler"
	"github.com/kursadbilgin/realtime-gate/internal/infra/postgresql"
	"github.com/kursadbilgin/realtime-gate/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/realtime-gate/internal/infra/redis"
	"github.com/kursadbilgin/realtime-gate/internal/observability"
	"github.com/kursadbilgin/realtime-gate/internal/queue"
	"github.com/kursadbilgin/realtime-gate/internal/ratelimit"
	"github.com/kursadbilgin/realtime-gate/internal/registry"
	"github.com/kursadbilgin/realtime-gate/internal/repository"
	"github.com/kursadbilgin/realtime-gate/internal/service"
	"github.com/kursadbilgin/realtime-gate/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	consumePrefetch = 32
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("realtime-gate stopped with error", zap.Error(err))
	}
	logger.Info("realtime-gate stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	startupCtx, cancelStartup := context.WithTimeout(ctx, startupTimeout)
	defer cancelStartup()

	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(startupCtx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(startupCtx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()

	consumer := queue.NewRabbitMQConsumer(rabbit, consumePrefetch, logger)
	publisher := queue.NewRabbitMQPublisher(rabbit)

	// Audit trail: postgres history, redis pub/sub feed and the optional webhook.
	auditRepo := repository.NewGormAuditRepo(db)
	redisPublisher, err := infraredis.NewPublisher(rdb, cfg.ModerationChannel)
	if err != nil {
		return fmt.Errorf("moderation publisher init failed: %w", err)
	}
	sinks := []audit.Sink{auditRepo, redisPublisher}
	if cfg.ModerationWebhookURL != "" {
		webhook, err := audit.NewWebhookSink(cfg.ModerationWebhookURL)
		if err != nil {
			return fmt.Errorf("moderation webhook init failed: %w", err)
		}
		sinks = append(sinks, webhook)
	}
	auditWriter := audit.NewWriter(cfg.AuditBufferSize, logger, sinks...)
	auditWriter.SetMetrics(metrics)

	limiterCfg, err := cfg.LimiterConfig()
	if err != nil {
		return err
	}
	limiter := ratelimit.NewLimiter(limiterCfg, auditWriter, logger)
	limiter.SetMetrics(metrics)
	defer limiter.Close()

	hub := gateway.NewHub(cfg.GatewaySendBuffer, logger)
	presence := registry.New(cfg.RegistryConfig(), hub, logger)
	presence.SetMetrics(metrics)

	auth, err := gateway.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return err
	}
	wsHandler, err := gateway.NewHandler(hub, presence, auth, cfg.GatewayConfig(), logger)
	if err != nil {
		return err
	}

	dispatcher, err := service.NewDispatcher(consumer, limiter, presence, cfg.DispatchConcurrency, logger)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	janitor, err := service.NewJanitor(presence, limiter, cfg.CleanupSchedule, cfg.IdleThreshold(), logger)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	if err := handler.RegisterPresenceRoutes(app, presence); err != nil {
		return err
	}
	if err := handler.RegisterLimitsRoutes(app, limiter, auditRepo); err != nil {
		return err
	}
	if err := handler.RegisterEventRoutes(app, publisher); err != nil {
		return err
	}

	gatewayServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.GatewayPort),
		Handler:           wsHandler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return auditWriter.Start(groupCtx)
	})
	g.Go(func() error {
		return dispatcher.Start(groupCtx)
	})
	g.Go(func() error {
		return janitor.Start(groupCtx)
	})
	g.Go(func() error {
		logger.Info("admin api listening", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gateway listening", zap.Int("port", cfg.GatewayPort))
		if err := gatewayServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Close()
		if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown failed", zap.Error(err))
		}
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("admin api shutdown failed", zap.Error(err))
		}
		return nil
	})

	logger.Info("realtime-gate started",
		zap.Int("apiPort", cfg.APIPort),
		zap.Int("gatewayPort", cfg.GatewayPort),
		zap.Int("dispatchConcurrency", cfg.DispatchConcurrency),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
