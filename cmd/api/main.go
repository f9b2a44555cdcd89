package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/courier-sync/internal/auth"
	"github.com/noah-isme/courier-sync/internal/common"
	"github.com/noah-isme/courier-sync/internal/config"
	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/deadletter"
	"github.com/noah-isme/courier-sync/internal/health"
	"github.com/noah-isme/courier-sync/internal/lock"
	"github.com/noah-isme/courier-sync/internal/obs"
	"github.com/noah-isme/courier-sync/internal/ratelimit"
	"github.com/noah-isme/courier-sync/internal/recon"
	"github.com/noah-isme/courier-sync/internal/resilience"
	"github.com/noah-isme/courier-sync/internal/store"
	"github.com/noah-isme/courier-sync/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "courier_sync")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	courier.UnknownEvent = func(event string) {
		logger.Warn().Str("event", event).Msg("unrecognised courier event, treating as pending")
	}

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "courier-sync-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if cfg.RunMigrations {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations up to date")
	}

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger, metricsEnabled)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	orders := store.New(pool)
	deadLetters := deadletter.NewStore(pool)

	tokens := &courier.TokenSource{
		HTTP:    outboundHTTPClient(cfg.OutboundTimeout),
		BaseURL: cfg.CourierBaseURL,
		Credentials: courier.Credentials{
			ClientID:     cfg.CourierClientID,
			ClientSecret: cfg.CourierClientSecret,
			Username:     cfg.CourierUsername,
			Password:     cfg.CourierPassword,
		},
		Margin: cfg.TokenExpiryMargin,
	}
	courierClient := &courier.Client{
		BaseURL: cfg.CourierBaseURL,
		Tokens:  tokens,
		HTTP:    outboundHTTPClient(0),
		Read: &resilience.HTTPClient{
			Client:      outboundHTTPClient(0),
			Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor).WithTarget("courier-provider").WithLogger(logger),
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.OutboundTimeout,
			Target:      "courier-provider",
			Logger:      &logger,
		},
		Validate: validator.New(),
		Timeout:  cfg.OutboundTimeout,
	}

	providerCourier, err := orders.GetCourierByName(ctx, "pathao")
	if err != nil {
		logger.Fatal().Err(err).Msg("load courier configuration")
	}

	reconSvc := &recon.Service{
		Store:   orders,
		Locks:   lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL: cfg.LockTTL,
		Logger:  logger,
	}
	webhook := recon.Webhook{
		Svc:         reconSvc,
		Replay:      redisClient,
		ReplayTTL:   cfg.WebhookReplayTTL,
		DeadLetters: deadLetters,
		Logger:      logger,
	}
	poller := &recon.Poller{Client: courierClient, Svc: reconSvc, Logger: logger}
	shipments := &recon.Shipments{
		Store:   orders,
		Client:  courierClient,
		Svc:     reconSvc,
		StoreID: cfg.CourierStoreID,
		Courier: providerCourier,
		Logger:  logger,
	}

	trackingHandler := recon.TrackingHandler{Store: orders}
	adminHandler := &recon.AdminHandler{Shipments: shipments, Poller: poller, Client: courierClient, Logger: logger}
	deadLetterAdmin := &deadletter.AdminHandler{Store: deadLetters, Logger: logger}

	webhookLimiter, err := ratelimit.NewRedisLimiter(redisClient, cfg.WebhookRateWindow, cfg.WebhookRateMax)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	webhookRate := ratelimit.Handler{
		Limiter: webhookLimiter,
		Config: ratelimit.Config{
			Key: func(r *http.Request) string { return "webhook:" + common.ClientIP(r) },
			Max: cfg.WebhookRateMax,
		},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("rate limiter degraded")
		},
	}

	adminGuard := auth.AdminGuard{
		Secret:   []byte(cfg.AdminJWTSecret),
		Issuer:   cfg.AdminJWTIssuer,
		Audience: cfg.AdminJWTAudience,
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.With(webhookRate.Middleware).Post("/webhooks/courier", webhook.Handle)
		v.Get("/orders/{orderID}/tracking", trackingHandler.List)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(adminGuard.RequireAdmin)
			admin.Post("/orders/{orderID}/shipment", adminHandler.CreateShipment)
			admin.Post("/orders/{orderID}/refresh", adminHandler.Refresh)
			admin.Post("/stores", adminHandler.CreateStore)
			admin.Get("/courier/cities", adminHandler.Cities)
			admin.Get("/courier/cities/{cityID}/zones", adminHandler.Zones)
			admin.Get("/courier/zones/{zoneID}/areas", adminHandler.Areas)
			admin.Post("/courier/price", adminHandler.Price)
			admin.Get("/unreconciled", deadLetterAdmin.List)
			admin.Post("/unreconciled/{id}/resolve", deadLetterAdmin.Resolve)
			admin.Delete("/unreconciled/{id}", deadLetterAdmin.Delete)
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func runMigrations(databaseURL string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	url := databaseURL
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(url, scheme) {
			url = "pgx5://" + strings.TrimPrefix(url, scheme)
			break
		}
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "courier-sync-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metricsEnabled bool) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

// outboundHTTPClient builds an HTTP client for courier provider calls with
// otel transport instrumentation. A zero timeout leaves per-attempt deadlines
// to the caller.
func outboundHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
