// Command reconcile runs a single subscription reconciliation pass and exits.
// Useful after an outage or a manual database restore, without waiting for
// the server's periodic run.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/adapter/postgres"
	"github.com/snallabot/twitch-notifier/internal/adapter/redis"
	"github.com/snallabot/twitch-notifier/internal/adapter/twitch"
	"github.com/snallabot/twitch-notifier/internal/app"
	"github.com/snallabot/twitch-notifier/internal/platform/config"
	"github.com/snallabot/twitch-notifier/internal/platform/correlation"
	"github.com/snallabot/twitch-notifier/internal/platform/logging"
)

func main() {
	var (
		verbose = flag.Bool("verbose", false, "Verbose logging")
		timeout = flag.Duration("timeout", 5*time.Minute, "Maximum duration of the pass")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = correlation.WithID(ctx, correlation.NewID())

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	clock := clockwork.NewRealClock()
	twitchClient, err := twitch.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.WebhookCallbackURL, cfg.WebhookSecret, clock)
	if err != nil {
		log.Fatalf("Failed to create Twitch client: %v", err)
	}

	reconciler := app.NewReconciler(
		postgres.NewSubscriptionRepo(pool),
		twitchClient,
		redis.NewLocker(rdb, cfg.EntityLockTTL, clock),
		cfg.WebhookCallbackURL,
		cfg.ReconcileInterval,
		clock,
		metrics.NewReconcileMetrics(prometheus.NewRegistry()),
	)

	if err := reconciler.RunOnce(ctx); err != nil {
		log.Fatalf("Reconciliation failed: %v", err)
	}
	slog.InfoContext(ctx, "Reconciliation complete")
}
