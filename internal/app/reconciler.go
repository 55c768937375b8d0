package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/domain"
	"github.com/snallabot/twitch-notifier/internal/platform/correlation"
)

const reconcilerLockKey = "reconciler"

// Reconciler actions.
const (
	ActionDeletedOrphan    = "deleted_orphan"
	ActionDeletedDuplicate = "deleted_duplicate"
	ActionDeletedStale     = "deleted_stale"
	ActionRecreated        = "recreated"
)

// Reconciler periodically compares the upstream stream.online subscriptions
// pointing at our callback with the stored records and repairs drift left by
// crashes, lost compensations or revocations.
type Reconciler struct {
	repo        domain.SubscriptionRepository
	twitch      domain.TwitchAPI
	locker      domain.EntityLocker
	callbackURL string
	interval    time.Duration
	clock       clockwork.Clock
	metrics     *metrics.ReconcileMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewReconciler(
	repo domain.SubscriptionRepository,
	twitch domain.TwitchAPI,
	locker domain.EntityLocker,
	callbackURL string,
	interval time.Duration,
	clock clockwork.Clock,
	m *metrics.ReconcileMetrics,
) *Reconciler {
	return &Reconciler{
		repo:        repo,
		twitch:      twitch,
		locker:      locker,
		callbackURL: callbackURL,
		interval:    interval,
		clock:       clock,
		metrics:     m,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop is called or ctx ends.
func (r *Reconciler) Start(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			runCtx := correlation.WithID(ctx, correlation.NewID())
			if err := r.RunOnce(runCtx); err != nil {
				slog.ErrorContext(runCtx, "Subscription reconciliation failed", "error", err)
			}
		case <-r.stopCh:
			slog.Info("Reconciler stopped")
			return
		case <-ctx.Done():
			slog.Info("Reconciler context cancelled")
			return
		}
	}
}

// Stop ends the loop and waits for a running pass to finish. Only call Stop
// after Start has been launched.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// RunOnce performs a single reconciliation pass if no other instance is
// running one.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	unlock, acquired, err := r.locker.TryLock(ctx, reconcilerLockKey)
	if err != nil {
		r.metrics.RunsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to acquire reconciler lock: %w", err)
	}
	if !acquired {
		slog.DebugContext(ctx, "Reconciliation already running elsewhere, skipping")
		r.metrics.RunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer unlock()

	if err := r.reconcile(ctx); err != nil {
		r.metrics.RunsTotal.WithLabelValues("error").Inc()
		return err
	}
	r.metrics.RunsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	startedAt := r.clock.Now()

	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	all, err := r.twitch.ListStreamOnlineSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list upstream subscriptions: %w", err)
	}

	upstream := make(map[string][]domain.UpstreamSubscription)
	for _, u := range all {
		if u.Callback != r.callbackURL {
			continue
		}
		upstream[u.BroadcasterID] = append(upstream[u.BroadcasterID], u)
	}

	broadcasters := make(map[string]struct{}, len(records)+len(upstream))
	for i := range records {
		broadcasters[records[i].BroadcasterID] = struct{}{}
	}
	for id := range upstream {
		broadcasters[id] = struct{}{}
	}

	var failed int
	for id := range broadcasters {
		if err := r.reconcileBroadcaster(ctx, id, upstream[id], startedAt); err != nil {
			slog.WarnContext(ctx, "Failed to reconcile broadcaster", "broadcaster_id", id, "error", err)
			failed++
		}
	}

	slog.InfoContext(ctx, "Subscription reconciliation complete",
		"records", len(records),
		"upstream", len(all),
		"failed", failed)
	return nil
}

// reconcileBroadcaster re-reads the record under the entity lock so it never
// acts on a snapshot older than a concurrent add or remove.
func (r *Reconciler) reconcileBroadcaster(ctx context.Context, broadcasterID string, upstream []domain.UpstreamSubscription, startedAt time.Time) error {
	unlock, err := r.locker.Lock(ctx, subscriptionLockKey(broadcasterID))
	if err != nil {
		return fmt.Errorf("failed to lock subscription: %w", err)
	}
	defer unlock()

	rec, err := r.repo.Get(ctx, broadcasterID)
	if err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if rec != nil && rec.UpdatedAt.After(startedAt) {
		return nil
	}

	healthy := false
	for _, u := range upstream {
		var action string
		switch {
		case rec == nil:
			action = ActionDeletedOrphan
		case u.ID != rec.SubscriptionID:
			action = ActionDeletedDuplicate
		case u.Failed():
			action = ActionDeletedStale
		default:
			healthy = true
			continue
		}

		if err := r.twitch.DeleteSubscription(ctx, u.ID); err != nil {
			return fmt.Errorf("failed to delete upstream subscription %s: %w", u.ID, err)
		}
		r.metrics.ActionsTotal.WithLabelValues(action).Inc()
		slog.InfoContext(ctx, "Reconciler deleted upstream subscription",
			"broadcaster_id", broadcasterID,
			"subscription_id", u.ID,
			"status", u.Status,
			"action", action)
	}

	if rec == nil || healthy {
		return nil
	}

	subscriptionID, err := r.twitch.CreateStreamOnlineSubscription(ctx, broadcasterID)
	if err != nil {
		return fmt.Errorf("failed to recreate upstream subscription: %w", err)
	}
	if err := r.repo.UpdateSubscriptionID(ctx, broadcasterID, subscriptionID); err != nil {
		return fmt.Errorf("failed to store recreated subscription id: %w", err)
	}
	r.metrics.ActionsTotal.WithLabelValues(ActionRecreated).Inc()
	slog.InfoContext(ctx, "Reconciler recreated upstream subscription",
		"broadcaster_id", broadcasterID,
		"old_subscription_id", rec.SubscriptionID,
		"subscription_id", subscriptionID)
	return nil
}
