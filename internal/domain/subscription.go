package domain

import (
	"context"
	"time"
)

const twitchBaseURL = "https://www.twitch.tv/"

// TenantState is the per-tenant entry of a subscription record.
type TenantState struct {
	Subscribed bool `json:"subscribed"`
}

// Subscription tracks which tenants want stream.online notifications for a
// broadcaster and the single upstream EventSub subscription backing them.
type Subscription struct {
	BroadcasterID   string
	BroadcasterName string
	SubscriptionID  string
	Tenants         map[string]TenantState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SubscribedTenants returns the ids of all tenants currently subscribed.
func (s *Subscription) SubscribedTenants() []string {
	tenants := make([]string, 0, len(s.Tenants))
	for id, state := range s.Tenants {
		if state.Subscribed {
			tenants = append(tenants, id)
		}
	}
	return tenants
}

// OtherSubscribedTenants counts subscribed tenants excluding tenantID.
func (s *Subscription) OtherSubscribedTenants(tenantID string) int {
	count := 0
	for id, state := range s.Tenants {
		if id != tenantID && state.Subscribed {
			count++
		}
	}
	return count
}

// URL is the public channel URL derived from the broadcaster name.
func (s *Subscription) URL() string {
	return ChannelURL(s.BroadcasterName)
}

// ChannelURL builds the public Twitch channel URL for a login.
func ChannelURL(login string) string {
	return twitchBaseURL + login
}

// SubscriptionRepository persists subscription records. Every mutating
// method is a single-row atomic statement.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, broadcasterID string) (*Subscription, error)
	AddTenant(ctx context.Context, broadcasterID, tenantID string) error
	RemoveTenant(ctx context.Context, broadcasterID, tenantID string) error
	UpdateSubscriptionID(ctx context.Context, broadcasterID, subscriptionID string) error
	Delete(ctx context.Context, broadcasterID string) error
	ListByTenant(ctx context.Context, tenantID string) ([]Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
}

// EntityLocker serializes read-modify-write sequences on one broadcaster's
// record across processes.
type EntityLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	TryLock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}
