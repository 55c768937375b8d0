package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snallabot/twitch-notifier/internal/domain"
	"golang.org/x/sync/singleflight"
)

// SubscriptionService manages which tenants follow which broadcasters and
// keeps exactly one upstream stream.online subscription per followed
// broadcaster.
type SubscriptionService struct {
	repo   domain.SubscriptionRepository
	twitch domain.TwitchAPI
	locker domain.EntityLocker

	createGroup singleflight.Group
}

// NewSubscriptionService creates the service. locker may be nil, in which
// case only the in-process create collapsing applies.
func NewSubscriptionService(repo domain.SubscriptionRepository, twitch domain.TwitchAPI, locker domain.EntityLocker) *SubscriptionService {
	return &SubscriptionService{
		repo:   repo,
		twitch: twitch,
		locker: locker,
	}
}

// AddTenant subscribes tenantID to stream.online notifications of the
// broadcaster behind twitchURL. Adding an already subscribed tenant is a no-op.
func (s *SubscriptionService) AddTenant(ctx context.Context, twitchURL, tenantID string) error {
	b, err := s.resolve(ctx, twitchURL)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, b.ID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.repo.AddTenant(ctx, b.ID, tenantID)
	if err == nil {
		slog.InfoContext(ctx, "Tenant added to existing subscription", "broadcaster_id", b.ID, "tenant_id", tenantID)
		return nil
	}
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to add tenant: %w", err)
	}

	return s.createSubscription(ctx, b, tenantID)
}

// createSubscription creates the upstream subscription and the record. An
// insert conflict means another process won the race: the redundant upstream
// subscription is deleted and the tenant merged into the winner's record.
func (s *SubscriptionService) createSubscription(ctx context.Context, b *domain.Broadcaster, tenantID string) error {
	v, err, _ := s.createGroup.Do(b.ID, func() (any, error) {
		return s.twitch.CreateStreamOnlineSubscription(ctx, b.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to create upstream subscription: %w", err)
	}
	subscriptionID := v.(string)

	sub := domain.Subscription{
		BroadcasterID:   b.ID,
		BroadcasterName: b.Login,
		SubscriptionID:  subscriptionID,
		Tenants:         map[string]domain.TenantState{tenantID: {Subscribed: true}},
	}

	err = s.repo.Create(ctx, sub)
	if err == nil {
		slog.InfoContext(ctx, "Subscription created",
			"broadcaster_id", b.ID,
			"broadcaster_name", b.Login,
			"subscription_id", subscriptionID,
			"tenant_id", tenantID)
		return nil
	}

	if !errors.Is(err, domain.ErrSubscriptionExists) {
		s.compensate(ctx, b.ID, subscriptionID)
		return fmt.Errorf("failed to store subscription: %w", err)
	}

	existing, getErr := s.repo.Get(ctx, b.ID)
	if getErr != nil {
		s.compensate(ctx, b.ID, subscriptionID)
		return fmt.Errorf("failed to load conflicting subscription: %w", getErr)
	}
	if existing.SubscriptionID != subscriptionID {
		s.compensate(ctx, b.ID, subscriptionID)
	}

	if err := s.repo.AddTenant(ctx, b.ID, tenantID); err != nil {
		return fmt.Errorf("failed to add tenant: %w", err)
	}
	slog.InfoContext(ctx, "Tenant merged into concurrently created subscription", "broadcaster_id", b.ID, "tenant_id", tenantID)
	return nil
}

// compensate deletes an upstream subscription that has no record. Failures
// are left to the reconciler.
func (s *SubscriptionService) compensate(ctx context.Context, broadcasterID, subscriptionID string) {
	if err := s.twitch.DeleteSubscription(ctx, subscriptionID); err != nil {
		slog.ErrorContext(ctx, "Failed to delete redundant upstream subscription",
			"broadcaster_id", broadcasterID,
			"subscription_id", subscriptionID,
			"error", err)
		return
	}
	slog.InfoContext(ctx, "Deleted redundant upstream subscription", "broadcaster_id", broadcasterID, "subscription_id", subscriptionID)
}

// RemoveTenant unsubscribes tenantID. Removing the last tenant deletes the
// upstream subscription and the record. Returns domain.ErrSubscriptionNotFound
// if the tenant is not subscribed.
func (s *SubscriptionService) RemoveTenant(ctx context.Context, twitchURL, tenantID string) error {
	b, err := s.resolve(ctx, twitchURL)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, b.ID)
	if err != nil {
		return err
	}
	defer unlock()

	sub, err := s.repo.Get(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if !sub.Tenants[tenantID].Subscribed {
		return fmt.Errorf("tenant %s is not subscribed to %s: %w", tenantID, b.Login, domain.ErrSubscriptionNotFound)
	}

	if sub.OtherSubscribedTenants(tenantID) > 0 {
		if err := s.repo.RemoveTenant(ctx, b.ID, tenantID); err != nil {
			return fmt.Errorf("failed to remove tenant: %w", err)
		}
		slog.InfoContext(ctx, "Tenant removed", "broadcaster_id", b.ID, "tenant_id", tenantID)
		return nil
	}

	if err := s.twitch.DeleteSubscription(ctx, sub.SubscriptionID); err != nil {
		return fmt.Errorf("failed to delete upstream subscription: %w", err)
	}
	if err := s.repo.Delete(ctx, b.ID); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	slog.InfoContext(ctx, "Subscription deleted after last tenant left",
		"broadcaster_id", b.ID,
		"subscription_id", sub.SubscriptionID,
		"tenant_id", tenantID)
	return nil
}

// ListTenantEntities returns the channel URLs tenantID is subscribed to.
func (s *SubscriptionService) ListTenantEntities(ctx context.Context, tenantID string) ([]string, error) {
	subs, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	urls := make([]string, 0, len(subs))
	for i := range subs {
		urls = append(urls, subs[i].URL())
	}
	return urls, nil
}

func (s *SubscriptionService) resolve(ctx context.Context, twitchURL string) (*domain.Broadcaster, error) {
	login, err := domain.ParseChannelLogin(twitchURL)
	if err != nil {
		return nil, err
	}

	b, err := s.twitch.GetBroadcaster(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve broadcaster %s: %w", login, err)
	}
	return b, nil
}

// lock takes the per-broadcaster lock. When the lock backend is unavailable
// the operation proceeds unlocked; a lock wait timeout or a cancelled
// context is returned.
func (s *SubscriptionService) lock(ctx context.Context, broadcasterID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	unlock, err := s.locker.Lock(ctx, subscriptionLockKey(broadcasterID))
	switch {
	case err == nil:
		return unlock, nil
	case errors.Is(err, domain.ErrLockTimeout), ctx.Err() != nil:
		return nil, fmt.Errorf("failed to lock subscription %s: %w", broadcasterID, err)
	default:
		slog.WarnContext(ctx, "Entity lock unavailable, proceeding unlocked", "broadcaster_id", broadcasterID, "error", err)
		return func() {}, nil
	}
}

func subscriptionLockKey(broadcasterID string) string {
	return "subscription:" + broadcasterID
}
