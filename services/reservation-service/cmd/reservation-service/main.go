package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/libs/clock"
	"github.com/Tomerg91/Loom-Platform-sub002/libs/config"
	"github.com/Tomerg91/Loom-Platform-sub002/libs/db"
	"github.com/Tomerg91/Loom-Platform-sub002/libs/httpx"
	"github.com/Tomerg91/Loom-Platform-sub002/libs/kafkax"
	otelx "github.com/Tomerg91/Loom-Platform-sub002/libs/otel"
	"github.com/Tomerg91/Loom-Platform-sub002/libs/runtime"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/calendar"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/calsync"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/handlers"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/outbox"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/reservation"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/storage"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/sweeper"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/migrations"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "reservation-service")
	port, err := config.Port("PORT", "8088")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool.Pool); err != nil {
		logger.Error("migrations failed", "err", err)
		panic(err)
	}

	slotRepo := storage.NewSlotRepository(pool)
	taskRepo := storage.NewSyncTaskRepository(pool)
	outboxRepo := storage.NewOutboxRepository(pool)
	clk := clock.NewSystem()

	holdTTL := time.Duration(config.Int("HOLD_TTL_MINUTES", 15)) * time.Minute

	engine := reservation.NewEngine(slotRepo, taskRepo, outboxRepo, clk, logger,
		reservation.WithHoldTTL(holdTTL),
		reservation.WithReminderOffsets(reminderOffsets()),
	)

	sweepInterval := time.Duration(config.Int("SWEEP_INTERVAL_MINUTES", 15)) * time.Minute
	sweepRetry := time.Duration(config.Int("SWEEP_RETRY_SECONDS", 30)) * time.Second
	holdSweeper := sweeper.New(slotRepo, outboxRepo, clk, logger, sweeper.Config{
		TTL:        holdTTL,
		Interval:   sweepInterval,
		RetryDelay: sweepRetry,
		BatchSize:  100,
	})
	go holdSweeper.Run(ctx)

	if calURL := strings.TrimSpace(config.String("CALENDAR_API_URL", "")); calURL != "" {
		calPoll := time.Duration(config.Int("CALENDAR_POLL_SECONDS", 2)) * time.Second
		calClient := calendar.NewClient(calURL, config.String("CALENDAR_API_TOKEN", ""), logger)
		calWorker := calsync.NewWorker(taskRepo, slotRepo, calClient, clk, logger, calsync.WorkerConfig{
			PollEvery: calPoll,
			BatchSize: 20,
		})
		go calWorker.Run(ctx)
	} else {
		logger.Warn("calendar sync disabled (no CALENDAR_API_URL configured)")
	}

	brokers := config.String("KAFKA_BROKERS", "")
	outboxPublisher := outbox.NewPublisher(outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)

	h := handlers.NewReservationHandler(engine, logger)
	mux.HandleFunc("/api/v1/slots", h.Create)
	mux.HandleFunc("/api/v1/slots/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/slots/resync", h.Resync)
	mux.HandleFunc("/api/v1/public/slots", h.List)
	mux.HandleFunc("/api/v1/public/slots/detail", h.Detail)
	mux.HandleFunc("/api/v1/public/slots/hold", h.Hold)
	mux.HandleFunc("/api/v1/public/slots/confirm", h.Confirm)
	mux.HandleFunc("/api/v1/public/slots/release", h.Release)

	bodyLimit := int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))
	requestTimeout := time.Duration(config.Int("REQUEST_TIMEOUT_SECONDS", 10)) * time.Second
	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 60)

	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecovery(logger),
		httpx.WithBodyLimit(bodyLimit),
		httpx.WithTimeout(requestTimeout),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "reservation")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func reminderOffsets() []int {
	var offsets []int
	for _, item := range parseList(config.String("REMINDER_OFFSETS_MINUTES", "60,10")) {
		if v, err := strconv.Atoi(item); err == nil && v > 0 {
			offsets = append(offsets, v)
		}
	}
	return offsets
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
