package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/push-engine/internal/config"
	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
	"github.com/jwalitptl/push-engine/internal/repository/postgres"
	"github.com/jwalitptl/push-engine/internal/service/push"
	"github.com/jwalitptl/push-engine/pkg/logger"
	"github.com/jwalitptl/push-engine/pkg/messaging/redis"
	"github.com/jwalitptl/push-engine/pkg/metrics"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const dispatchTopic = "notifications.push"

var (
	processedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_events_processed_total",
		Help: "The total number of processed push events",
	})
	failedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_events_failed_total",
		Help: "The total number of push events that failed to dispatch",
	})
	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "push_event_processing_duration_seconds",
		Help:    "Time spent dispatching a push event",
		Buckets: prometheus.DefBuckets,
	})
)

// DispatchWorker consumes push events off the broker and hands them to the
// delivery engine. Events are processed with bounded concurrency so one
// slow provider cannot back the channel up indefinitely.
type DispatchWorker struct {
	service  push.Servicer
	events   <-chan []byte
	logger   *logger.Logger
	workerID string
	slots    chan struct{}
	wg       sync.WaitGroup
}

func NewDispatchWorker(service push.Servicer, events <-chan []byte, concurrency int, l *logger.Logger) *DispatchWorker {
	if concurrency <= 0 {
		concurrency = 8
	}
	workerID := fmt.Sprintf("worker-%s", generateWorkerID())
	return &DispatchWorker{
		service:  service,
		events:   events,
		logger:   l.WithFields(map[string]interface{}{"worker_id": workerID}),
		workerID: workerID,
		slots:    make(chan struct{}, concurrency),
	}
}

func (w *DispatchWorker) Start(ctx context.Context) {
	w.logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			w.wg.Wait()
			return
		case payload, ok := <-w.events:
			if !ok {
				w.wg.Wait()
				return
			}
			select {
			case w.slots <- struct{}{}:
			case <-ctx.Done():
				w.wg.Wait()
				return
			}
			w.wg.Add(1)
			go func(payload []byte) {
				defer w.wg.Done()
				defer func() { <-w.slots }()
				w.handle(ctx, payload)
			}(payload)
		}
	}
}

func (w *DispatchWorker) handle(ctx context.Context, payload []byte) {
	timer := prometheus.NewTimer(processingDuration)
	defer timer.ObserveDuration()

	var event model.PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		failedEvents.Inc()
		w.logger.Error(err, "failed to decode push event")
		return
	}

	content := &model.NotificationContent{
		Title:    event.Title,
		Body:     event.Body,
		Data:     event.Data,
		Priority: event.Priority,
	}
	opts := &push.DispatchOptions{NotificationID: event.NotificationID}

	var outcome *model.DeliveryOutcome
	var err error
	if event.Urgent {
		outcome, err = w.service.DispatchUrgent(ctx, event.UserID, content, opts)
	} else {
		outcome, err = w.service.Dispatch(ctx, event.UserID, content, opts)
	}
	if err != nil {
		if errors.Is(err, push.ErrNoDevices) {
			w.logger.Debug("no devices registered, dropping event", "user_id", event.UserID.String())
			return
		}
		failedEvents.Inc()
		w.logger.Error(err, "failed to dispatch push event", "user_id", event.UserID.String())
		return
	}

	processedEvents.Inc()
	w.logger.Info("push event dispatched",
		"user_id", event.UserID.String(),
		"sent", outcome.Sent,
		"failed", outcome.Failed)
}

func setupMetricsServer(logger *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(":8081", mux); err != nil {
			logger.Fatal(err, "metrics server failed")
		}
	}()
}

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("Failed to load config")
		os.Exit(1)
	}

	lgr := logger.NewLogger(nil)

	// Initialize database
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		lgr.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis broker
	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, lgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Redis broker")
	}
	defer broker.Close()

	// Initialize repositories
	baseRepo := postgres.NewBaseRepository(db)
	deviceRepo := postgres.NewDeviceTokenRepository(baseRepo)
	notificationRepo := postgres.NewNotificationRepository(baseRepo)

	// Assemble the delivery engine
	m := metrics.NewMetrics("push_engine", "worker")
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

	setupMetricsServer(lgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		lgr.Info("shutting down...")
		cancel()
	}()

	if receipts != nil {
		go receipts.Run(ctx)
	}

	events, err := broker.Subscribe(ctx, dispatchTopic)
	if err != nil {
		lgr.Fatal(err, "failed to subscribe to dispatch topic")
	}

	worker := NewDispatchWorker(pushSvc, events, cfg.Push.ProviderParallelism, lgr)
	worker.Start(ctx)
}

func generateWorkerID() string {
	// Generate a unique worker ID using hostname and timestamp
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, time.Now().UnixNano())
}
