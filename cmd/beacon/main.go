package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/api"
	"github.com/haven-health/beacon/internal/breaker"
	"github.com/haven-health/beacon/internal/config"
	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/escalation"
	"github.com/haven-health/beacon/internal/events"
	"github.com/haven-health/beacon/internal/metrics"
	"github.com/haven-health/beacon/internal/observ"
	"github.com/haven-health/beacon/internal/queue"
	"github.com/haven-health/beacon/internal/redis"
	"github.com/haven-health/beacon/internal/respond"
	"github.com/haven-health/beacon/internal/sender"
	"github.com/haven-health/beacon/internal/tracker"
)

// datastore is everything the service needs from persistence. Satisfied by
// both db.Repository (production) and db.MemStore (development fallback).
type datastore interface {
	escalation.Store
	escalation.Directory
	queue.Store
	respond.Store
	tracker.Store
	api.AlertStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Initialize database connection, falling back to the in-memory store
	// in development so the service runs without postgres.
	var store datastore
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		if cfg.Env == "production" {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Warn("database unavailable, using in-memory store",
			zap.Error(err),
			zap.String("host", cfg.DBHost),
		)
		store = db.NewMemStore()
	} else {
		defer database.Close()
		store = db.NewRepository(database, logger)
	}

	// Initialize Redis for idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.AlertRateLimit,
			Window: cfg.AlertRateWindow,
		})
		defer redisClient.Close()
	}

	// Lifecycle event publisher: SNS topic in production, log lines otherwise
	logPublisher := events.NewLogPublisher(logger)
	var publisher events.Publisher = logPublisher
	if cfg.EventsTopicARN != "" {
		snsPub, err := events.NewSNSPublisher(ctx, events.SNSConfig{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.EventsTopicARN,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, events will be logged",
				zap.Error(err),
			)
		} else {
			publisher = snsPub
		}
	}

	// Ops escalation path for alerts nobody can be notified about
	var opsReporter events.OpsReporter = logPublisher
	if cfg.OpsQueueURL != "" {
		opsQueue, err := events.NewSQSOpsQueue(ctx, events.SQSConfig{
			Region:   cfg.OpsQueueRegion,
			QueueURL: cfg.OpsQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs ops queue unavailable, ops escalations will be logged",
				zap.Error(err),
			)
		} else {
			opsReporter = opsQueue
		}
	}

	// Channel senders
	var senders []sender.Sender

	sesSender, err := sender.NewSESSender(ctx, sender.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email channel disabled", zap.Error(err))
	} else {
		senders = append(senders, sesSender)
	}

	snsSender, err := sender.NewSNSSender(ctx, sender.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS channel disabled", zap.Error(err))
	} else {
		senders = append(senders, snsSender)
	}

	if cfg.PushGatewayURL != "" {
		senders = append(senders, sender.NewPushSender(logger, sender.PushConfig{
			GatewayURL: cfg.PushGatewayURL,
			Timeout:    cfg.PushGatewayTimeout,
		}))
	}

	var channelSender sender.Sender
	if len(senders) == 0 {
		logger.Warn("no channel senders configured, deliveries will be logged")
		channelSender = sender.NewLogSender(logger)
	} else {
		channelSender = sender.NewMultiSender(logger, senders...)
	}

	// Circuit breaker in front of the channel providers
	cb := breaker.New(breaker.DefaultConfig("channels"), logger)
	protected := breaker.NewProtectedSender(channelSender, cb, logger)

	// Escalation engine
	engine := escalation.New(store, store, publisher, opsReporter, escalation.Config{
		Windows: map[string][]time.Duration{
			db.SeverityCritical: cfg.CriticalWindows,
			db.SeverityHigh:     cfg.HighWindows,
			db.SeverityMedium:   cfg.MediumWindows,
			db.SeverityLow:      cfg.LowWindows,
		},
		MaxLifetime: cfg.MaxAlertLifetime,
		MaxRetries:  cfg.MaxRetries,
	}, logger)
	defer engine.Shutdown()

	// Resume escalation schedules for alerts left open by a previous run
	if err := engine.Rehydrate(ctx); err != nil {
		logger.Error("failed to rehydrate open alerts", zap.Error(err))
	}

	// Delivery tracker and response coordinator
	trk := tracker.New(store, logger)
	coordinator := respond.New(store, engine, publisher, logger)

	// Queue processor
	processor := queue.New(store, protected, trk, engine, queue.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		SendTimeout:  cfg.SendTimeout,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		Workers:      cfg.Workers,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	processor.Start(workerCtx)
	defer processor.Stop()

	logger.Info("queue processor started")

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, engine, coordinator, store, trk, idempotencyService)
	} else {
		handler = api.NewHandler(logger, engine, coordinator, store, trk)
	}

	r.Route("/v1", func(r chi.Router) {
		// Rate limiting applies to alert creation only; a supporter
		// answering a crisis is never turned away.
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.SubjectKeyFunc))
			r.Post("/requests", handler.CreateRequest)
		})

		r.Get("/requests/{id}/status", handler.GetRequestStatus)
		r.Post("/requests/{id}/cancel", handler.CancelRequest)
		r.Post("/requests/{id}/receipts", handler.RecordReceipt)

		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/responses", handler.SubmitResponse)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
