package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/snallabot/twitch-notifier/internal/adapter/eventsender"
	"github.com/snallabot/twitch-notifier/internal/adapter/httpserver"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/adapter/postgres"
	"github.com/snallabot/twitch-notifier/internal/adapter/redis"
	"github.com/snallabot/twitch-notifier/internal/adapter/twitch"
	"github.com/snallabot/twitch-notifier/internal/app"
	"github.com/snallabot/twitch-notifier/internal/platform/config"
	"github.com/snallabot/twitch-notifier/internal/platform/logging"
	"github.com/snallabot/twitch-notifier/internal/platform/version"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, reg prometheus.Registerer) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tracer := postgres.NewMetricsTracer(metrics.NewDBMetrics(reg))
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, tracer)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config, reg prometheus.Registerer, breaker *redis.CircuitBreakerHook) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(metrics.NewRedisMetrics(reg)),
		breaker,
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupTwitch(cfg *config.Config, clock clockwork.Clock) *twitch.HelixClient {
	client, err := twitch.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.WebhookCallbackURL, cfg.WebhookSecret, clock)
	if err != nil {
		slog.Error("Failed to create Twitch client", "error", err)
		os.Exit(1)
	}
	return client
}

func health(pool *pgxpool.Pool, rdb *goredis.Client, redisBreaker *redis.CircuitBreakerHook, sender *eventsender.Client) httpserver.Health {
	return httpserver.Health{
		Checks: []httpserver.HealthCheck{
			{Name: "postgres", Check: pool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		Breakers: []httpserver.BreakerStatus{
			{Name: "redis", State: func() string { return redisBreaker.State().String() }},
			{Name: "event_sender", State: func() string { return sender.State().String() }},
		},
	}
}

func runGracefulShutdown(srv *httpserver.Server, reconciler *app.Reconciler, webhook *twitch.WebhookHandler) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if reconciler != nil {
			reconciler.Stop()
		}

		drained := make(chan struct{})
		go func() {
			webhook.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			slog.Info("In-flight notifications drained")
		case <-shutdownCtx.Done():
			slog.Warn("Timed out waiting for in-flight notifications")
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Version)

	reg := metrics.NewRegistry()
	breakerMetrics := metrics.NewBreakerMetrics(reg)

	pool := setupDB(cfg, reg)
	defer pool.Close()

	redisBreaker := redis.NewCircuitBreakerHook(breakerMetrics)
	redisClient := setupRedis(cfg, reg, redisBreaker)
	defer func() { _ = redisClient.Close() }()

	twitchClient := setupTwitch(cfg, clock)
	if budget := twitchClient.MaxSubscriptionCallDuration(); cfg.EntityLockTTL < budget {
		slog.Warn("ENTITY_LOCK_TTL is shorter than a worst-case Twitch call, the entity lock can expire mid-operation",
			"entity_lock_ttl", cfg.EntityLockTTL,
			"twitch_call_budget", budget)
	}

	repo := postgres.NewSubscriptionRepo(pool)
	locker := redis.NewLocker(redisClient, cfg.EntityLockTTL, clock)
	dedupe := redis.NewDeduplicator(redisClient, cfg.MessageDedupeTTL)
	sender := eventsender.NewClient(cfg.EventSenderURL, breakerMetrics)

	subscriptions := app.NewSubscriptionService(repo, twitchClient, locker)
	notifier := app.NewNotifier(twitchClient, repo, sender, metrics.NewFanoutMetrics(reg), clock)

	webhook := twitch.NewWebhookHandler(cfg.WebhookSecret, notifier, dedupe, metrics.NewWebhookMetrics(reg))

	var reconciler *app.Reconciler
	if cfg.ReconcileInterval > 0 {
		reconciler = app.NewReconciler(repo, twitchClient, locker, cfg.WebhookCallbackURL, cfg.ReconcileInterval, clock, metrics.NewReconcileMetrics(reg))
		go reconciler.Start(context.Background())
	}

	srv := httpserver.NewServer(cfg, subscriptions, webhook.HandleEventSub, metrics.NewHTTPMetrics(reg), metrics.Handler(reg), health(pool, redisClient, redisBreaker, sender))

	done := runGracefulShutdown(srv, reconciler, webhook)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
