package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/push-engine/internal/config"
	"github.com/jwalitptl/push-engine/internal/handler"
	pushHandler "github.com/jwalitptl/push-engine/internal/handler/push"
	"github.com/jwalitptl/push-engine/internal/provider"
	"github.com/jwalitptl/push-engine/internal/repository/postgres"
	"github.com/jwalitptl/push-engine/internal/router"
	"github.com/jwalitptl/push-engine/internal/service/push"
	"github.com/jwalitptl/push-engine/pkg/logger"
	"github.com/jwalitptl/push-engine/pkg/messaging/redis"
	"github.com/jwalitptl/push-engine/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	lgr := logger.NewLogger(nil)

	// Initialize database
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Initialize repositories
	base := postgres.NewBaseRepository(db)
	deviceRepo := postgres.NewDeviceTokenRepository(base)
	notificationRepo := postgres.NewNotificationRepository(base)

	// Initialize Redis message broker
	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, lgr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	// Initialize the push engine
	m := metrics.NewMetrics("push_engine", "api")
	clients, expoClient := push.BuildProviders(cfg.Push, lgr)
	classifier := provider.NewClassifier(lgr)

	var receipts *push.ReceiptTracker
	if expoClient != nil {
		receipts = push.NewReceiptTracker(expoClient, deviceRepo, m, lgr)
	}

	pushSvc := push.NewService(
		push.ServiceConfig(cfg.Push),
		deviceRepo,
		notificationRepo,
		clients,
		classifier,
		receipts,
		broker,
		m,
		lgr,
	)

	// Setup router
	r := router.NewRouter(
		pushHandler.NewHandler(pushSvc, deviceRepo),
		handler.NewHandler(db),
		router.RouterConfig{RateLimit: 100, RateBurst: 50},
	)
	r.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if receipts != nil {
		go receipts.Run(ctx)
	}

	// Create server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	// Start server
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("push api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
