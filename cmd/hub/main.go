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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/analytics"
	"github.com/careloop/pulse/internal/api"
	"github.com/careloop/pulse/internal/batch"
	"github.com/careloop/pulse/internal/channel"
	"github.com/careloop/pulse/internal/circuitbreaker"
	"github.com/careloop/pulse/internal/config"
	"github.com/careloop/pulse/internal/escalate"
	"github.com/careloop/pulse/internal/hub"
	"github.com/careloop/pulse/internal/ingest"
	"github.com/careloop/pulse/internal/metrics"
	"github.com/careloop/pulse/internal/observ"
	"github.com/careloop/pulse/internal/prefs"
	"github.com/careloop/pulse/internal/redis"
	"github.com/careloop/pulse/internal/routing"
	"github.com/careloop/pulse/internal/scheduler"
	"github.com/careloop/pulse/internal/store"
	"github.com/careloop/pulse/internal/template"
)

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

	logger.Info("starting pulse hub",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	db, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := store.NewRepository(db, logger)

	// Redis backs dedup, rate limits, the prefs cache, and realtime topics.
	// The hub's idempotency and throttling invariants depend on it, so
	// unlike the optional transports it is required.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	dedup := redis.NewDedupCache(redisClient, logger)
	publisher := redis.NewPublisher(redisClient, logger)
	prefsCache := redis.NewPrefsCache(redisClient, logger)
	recipientLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.MaxNotificationsPerHour,
		Window: 1 * time.Hour,
	})
	tenantLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.TenantRequestsPerMinute,
		Window: 1 * time.Minute,
	})

	prefsManager := prefs.NewManager(repo, prefsCache, logger)

	// Channel adapters. Push, SMS, and email are wrapped in per-channel
	// circuit breakers so one failing transport cannot take the others
	// down with it.
	adapters := map[store.Channel]channel.Adapter{
		store.ChannelInApp: channel.NewInAppAdapter(repo, publisher, cfg.InAppIndexCap, logger),
	}

	pushAdapter, err := channel.NewPushAdapter(ctx, cfg.SNSRegion, repo, logger)
	if err != nil {
		if !cfg.AllowDegradedChannels {
			return fmt.Errorf("push adapter: %w", err)
		}
		logger.Warn("push adapter unavailable, push notifications disabled", zap.Error(err))
	} else {
		adapters[store.ChannelPush] = circuitbreaker.NewProtectedAdapter(
			pushAdapter,
			circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger),
			logger,
		)
	}

	smsAdapter, err := channel.NewSMSAdapter(ctx, cfg.SNSRegion, repo, logger)
	if err != nil {
		if !cfg.AllowDegradedChannels {
			return fmt.Errorf("sms adapter: %w", err)
		}
		logger.Warn("sms adapter unavailable, sms notifications disabled", zap.Error(err))
	} else {
		adapters[store.ChannelSMS] = circuitbreaker.NewProtectedAdapter(
			smsAdapter,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger),
			logger,
		)
	}

	emailAdapter, err := channel.NewEmailAdapter(ctx, cfg.AWSRegion, cfg.SESFromEmail, repo, logger)
	if err != nil {
		if !cfg.AllowDegradedChannels {
			return fmt.Errorf("email adapter: %w", err)
		}
		logger.Warn("email adapter unavailable, email notifications disabled", zap.Error(err))
	} else {
		adapters[store.ChannelEmail] = circuitbreaker.NewProtectedAdapter(
			emailAdapter,
			circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger),
			logger,
		)
	}

	logger.Info("channel adapters initialized",
		zap.Bool("in_app_enabled", true),
		zap.Bool("push_enabled", adapters[store.ChannelPush] != nil),
		zap.Bool("sms_enabled", adapters[store.ChannelSMS] != nil),
		zap.Bool("email_enabled", adapters[store.ChannelEmail] != nil),
	)

	recorder := analytics.NewRecorder(repo, logger)
	analyticsService := analytics.NewService(repo, logger)

	templates, err := template.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to load notification templates: %w", err)
	}

	h := hub.New(
		repo,
		prefsManager,
		routing.NewPriorityRouter(),
		templates,
		dedup,
		recipientLimiter,
		adapters,
		recorder,
		logger,
	)

	engine := escalate.New(repo, h, nil, logger)
	h.SetEscalator(engine)

	// Durable scheduled work: deferred deliveries, retries, escalation
	// steps. All three ride the scheduled_jobs table so restarts lose
	// nothing.
	sched := scheduler.New(repo, scheduler.Config{
		PollInterval: time.Duration(cfg.SchedulerPollSeconds) * time.Second,
	}, logger)
	sched.Register(store.JobDeliver, h.ExecuteScheduledDelivery)
	sched.Register(store.JobEscalationStep, engine.ExecuteStep)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go sched.Start(workerCtx)
	go runRetention(workerCtx, repo, logger)

	batches := batch.New(repo, h, batch.Config{
		ChunkSize:      cfg.BatchChunkSize,
		Concurrency:    cfg.BatchConcurrency,
		SendsPerSecond: cfg.BatchSendsPerSecond,
	}, logger)

	// Optional SQS ingest for send requests published by other
	// subsystems.
	if cfg.SQSQueueURL != "" {
		consumer, err := ingest.New(ctx, ingest.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, h, logger)
		if err != nil {
			logger.Warn("sqs ingest unavailable", zap.Error(err))
		} else {
			go consumer.Start(workerCtx)
		}
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)

			next.ServeHTTP(ww, req)

			logger.Info("request completed",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(req.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, h, batches, repo, analyticsService, prefsManager)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(tenantLimiter, logger, api.TenantKeyFunc))

		r.Post("/notifications", handler.SendNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/unread-count", handler.UnreadCount)
		r.Post("/notifications/read-all", handler.MarkAllRead)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/read", handler.MarkRead)
		r.Post("/notifications/{id}/dismiss", handler.DismissNotification)
		r.Post("/notifications/{id}/events", handler.TrackNotificationEvent)
		r.Delete("/notifications/{id}", handler.DeleteNotification)

		r.Post("/batches", handler.CreateBatch)
		r.Get("/batches/{id}", handler.GetBatch)
		r.Post("/batches/{id}/cancel", handler.CancelBatch)

		r.Post("/escalation-rules", handler.CreateEscalationRule)
		r.Get("/escalation-rules", handler.ListEscalationRules)
		r.Get("/escalation-rules/{id}", handler.GetEscalationRule)
		r.Delete("/escalation-rules/{id}", handler.DeleteEscalationRule)

		r.Get("/analytics/notifications/{id}", handler.NotificationTrail)
		r.Get("/analytics/summary", handler.AnalyticsSummary)
		r.Get("/analytics/timeseries", handler.AnalyticsTimeSeries)
		r.Get("/analytics/funnel", handler.AnalyticsFunnel)
		r.Get("/analytics/export", handler.AnalyticsExport)

		r.Get("/preferences/{userID}", handler.GetPreferences)
		r.Put("/preferences/{userID}", handler.PutPreferences)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		batches.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// runRetention sweeps expired records once a day. Windows follow the
// product retention policy: notifications 30d, batches 7d, analytics 90d.
func runRetention(ctx context.Context, repo *store.Repository, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			notifs, err := repo.PurgeNotifications(sweepCtx, 30*24*time.Hour)
			if err != nil {
				logger.Error("notification purge failed", zap.Error(err))
			}
			batchRows, err := repo.PurgeBatches(sweepCtx, 7*24*time.Hour)
			if err != nil {
				logger.Error("batch purge failed", zap.Error(err))
			}
			events, err := repo.PurgeAnalyticsEvents(sweepCtx, 90*24*time.Hour)
			if err != nil {
				logger.Error("analytics purge failed", zap.Error(err))
			}
			cancel()

			logger.Info("retention sweep complete",
				zap.Int64("notifications", notifs),
				zap.Int64("batches", batchRows),
				zap.Int64("analytics_events", events))
		}
	}
}
