package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/courier-sync/internal/config"
	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/lock"
	"github.com/noah-isme/courier-sync/internal/obs"
	"github.com/noah-isme/courier-sync/internal/recon"
	"github.com/noah-isme/courier-sync/internal/resilience"
	"github.com/noah-isme/courier-sync/internal/store"
	"github.com/noah-isme/courier-sync/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "courier_sync")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	courier.UnknownEvent = func(event string) {
		logger.Warn().Str("event", event).Msg("unrecognised courier event, treating as pending")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	orders := store.New(pool)

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

	reconSvc := &recon.Service{
		Store:   orders,
		Locks:   lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL: cfg.LockTTL,
		Logger:  logger,
	}
	poller := &recon.Poller{Client: courierClient, Svc: reconSvc, Logger: logger}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for task queue")
	}

	enqueue := asynq.NewClient(redisOpt)
	defer func() {
		if err := enqueue.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	handlers := &tasks.Handlers{
		Poller:  poller,
		Store:   orders,
		Enqueue: enqueue,
		Queue:   cfg.PollQueueName,
		Logger:  logger,
	}
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: envInt("WORKER_CONCURRENCY", 10),
		Queues:      map[string]int{cfg.PollQueueName: 1},
		Logger:      asynqLogger{logger},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return resilience.Backoff(cfg.RetryBase, n, cfg.RetryJitterPercent)
		},
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: asynqLogger{logger},
	})
	sweep := asynq.NewTask(tasks.TypePollSweep, nil)
	if _, err := scheduler.Register("@every "+cfg.PollInterval.String(), sweep, asynq.Queue(cfg.PollQueueName)); err != nil {
		logger.Fatal().Err(err).Msg("register poll sweep")
	}

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Dur("poll_interval", cfg.PollInterval).Str("queue", cfg.PollQueueName).Msg("worker started")

	<-ctx.Done()
	logger.Info().Msg("worker shutting down")
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
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
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "courier-sync-worker"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
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

// asynqLogger adapts zerolog to asynq's logger interface.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
