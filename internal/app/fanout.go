package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/domain"
)

// Per-tenant fan-out outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFiltered  = "filtered"
	OutcomeNoConfig  = "no_config"
	OutcomeFailed    = "failed"
)

// FanoutResult counts per-tenant outcomes of one notification.
type FanoutResult struct {
	Delivered int
	Filtered  int
	NoConfig  int
	Failed    int
}

func (r *FanoutResult) add(outcome string) {
	switch outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeFiltered:
		r.Filtered++
	case OutcomeNoConfig:
		r.NoConfig++
	default:
		r.Failed++
	}
}

// Notifier fans a stream.online event out to every subscribed tenant.
type Notifier struct {
	twitch  domain.TwitchAPI
	repo    domain.SubscriptionRepository
	sender  domain.EventSender
	metrics *metrics.FanoutMetrics
	clock   clockwork.Clock
}

func NewNotifier(twitch domain.TwitchAPI, repo domain.SubscriptionRepository, sender domain.EventSender, m *metrics.FanoutMetrics, clock clockwork.Clock) *Notifier {
	return &Notifier{
		twitch:  twitch,
		repo:    repo,
		sender:  sender,
		metrics: m,
		clock:   clock,
	}
}

// HandleStreamOnline is called by the webhook dispatcher after the
// notification has been acknowledged.
func (n *Notifier) HandleStreamOnline(ctx context.Context, event domain.StreamOnlineEvent) error {
	result, err := n.Fanout(ctx, event)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Stream online fan-out complete",
		"broadcaster_id", event.BroadcasterID,
		"delivered", result.Delivered,
		"filtered", result.Filtered,
		"no_config", result.NoConfig,
		"failed", result.Failed)
	return nil
}

// Fanout looks up the channel and the subscribed tenants, then notifies every
// tenant concurrently. One tenant's failure never affects another.
func (n *Notifier) Fanout(ctx context.Context, event domain.StreamOnlineEvent) (FanoutResult, error) {
	start := n.clock.Now()
	defer func() {
		n.metrics.Duration.Observe(n.clock.Since(start).Seconds())
	}()

	info, err := n.twitch.GetChannelInfo(ctx, event.BroadcasterID)
	if err != nil {
		return FanoutResult{}, fmt.Errorf("failed to get channel info: %w", err)
	}

	sub, err := n.repo.Get(ctx, event.BroadcasterID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		slog.WarnContext(ctx, "Notification for broadcaster without subscribers, upstream subscription is orphaned",
			"broadcaster_id", event.BroadcasterID)
		return FanoutResult{}, err
	}
	if err != nil {
		return FanoutResult{}, fmt.Errorf("failed to load subscription: %w", err)
	}

	tenants := sub.SubscribedTenants()
	outcomes := make([]string, len(tenants))

	var wg sync.WaitGroup
	for i, tenantID := range tenants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = n.notifyTenant(ctx, tenantID, sub, info, event)
		}()
	}
	wg.Wait()

	var result FanoutResult
	for _, outcome := range outcomes {
		result.add(outcome)
		n.metrics.OutcomesTotal.WithLabelValues(outcome).Inc()
	}
	return result, nil
}

func (n *Notifier) notifyTenant(ctx context.Context, tenantID string, sub *domain.Subscription, info *domain.ChannelInfo, event domain.StreamOnlineEvent) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Panic while notifying tenant", "tenant_id", tenantID, "panic", r)
			outcome = OutcomeFailed
		}
	}()

	cfg, err := n.sender.LatestFilterConfig(ctx, tenantID)
	if errors.Is(err, domain.ErrFilterConfigNotFound) {
		slog.WarnContext(ctx, "No notifier config for tenant", "tenant_id", tenantID, "broadcaster_id", sub.BroadcasterID)
		return OutcomeNoConfig
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to fetch notifier config", "tenant_id", tenantID, "error", err)
		return OutcomeFailed
	}

	if !cfg.Matches(info.Title) {
		slog.DebugContext(ctx, "Title does not match tenant keyword", "tenant_id", tenantID, "keyword", cfg.TitleKeyword)
		return OutcomeFiltered
	}

	notification := domain.Notification{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		ChannelID:       cfg.ChannelID,
		RoleID:          cfg.RoleID,
		BroadcasterID:   sub.BroadcasterID,
		BroadcasterName: info.BroadcasterName,
		Title:           info.Title,
		GameName:        info.GameName,
		StreamURL:       sub.URL(),
		StartedAt:       event.StartedAt,
	}
	if err := n.sender.SendNotification(ctx, notification); err != nil {
		slog.ErrorContext(ctx, "Failed to forward notification", "tenant_id", tenantID, "error", err)
		return OutcomeFailed
	}

	slog.DebugContext(ctx, "Notification forwarded", "tenant_id", tenantID, "notification_id", notification.ID)
	return OutcomeDelivered
}
