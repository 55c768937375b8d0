package domain

import (
	"context"
	"time"
)

// Broadcaster is a resolved Twitch user.
type Broadcaster struct {
	ID          string
	Login       string
	DisplayName string
}

// ChannelInfo is the current channel metadata of a broadcaster.
type ChannelInfo struct {
	BroadcasterID   string
	BroadcasterName string
	Title           string
	GameName        string
}

// StreamOnlineEvent is the payload of a stream.online notification.
type StreamOnlineEvent struct {
	MessageID        string
	BroadcasterID    string
	BroadcasterLogin string
	BroadcasterName  string
	StartedAt        time.Time
}

// UpstreamSubscription is an EventSub subscription as reported by Twitch.
type UpstreamSubscription struct {
	ID            string
	Status        string
	Type          string
	BroadcasterID string
	Callback      string
}

// EventSub subscription statuses.
const (
	UpstreamStatusEnabled              = "enabled"
	UpstreamStatusVerificationPending  = "webhook_callback_verification_pending"
	UpstreamStatusVerificationFailed   = "webhook_callback_verification_failed"
	UpstreamStatusNotificationFailures = "notification_failures_exceeded"
	UpstreamStatusAuthorizationRevoked = "authorization_revoked"
	UpstreamStatusUserRemoved          = "user_removed"
	UpstreamStatusVersionRemoved       = "version_removed"
)

// Failed reports whether Twitch has given up on the subscription. A pending
// verification is not a failure: every new subscription starts there.
func (u UpstreamSubscription) Failed() bool {
	switch u.Status {
	case UpstreamStatusVerificationFailed,
		UpstreamStatusNotificationFailures,
		UpstreamStatusAuthorizationRevoked,
		UpstreamStatusUserRemoved,
		UpstreamStatusVersionRemoved:
		return true
	}
	return false
}

// TwitchAPI is the contract of the outbound Helix client.
type TwitchAPI interface {
	GetBroadcaster(ctx context.Context, login string) (*Broadcaster, error)
	GetChannelInfo(ctx context.Context, broadcasterID string) (*ChannelInfo, error)
	CreateStreamOnlineSubscription(ctx context.Context, broadcasterID string) (string, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	ListStreamOnlineSubscriptions(ctx context.Context) ([]UpstreamSubscription, error)
}
