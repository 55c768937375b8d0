package domain

import (
	"context"
	"strings"
	"time"
)

// FilterConfig is a tenant's notifier configuration as stored by the event
// sender. Tenants append new configs; only the most recent one applies.
type FilterConfig struct {
	TenantID     string    `json:"key"`
	ChannelID    string    `json:"channel_id"`
	RoleID       string    `json:"role_id,omitempty"`
	TitleKeyword string    `json:"title_keyword"`
	Timestamp    time.Time `json:"timestamp"`
}

// Matches reports whether title contains the configured keyword, ignoring
// case. An empty keyword matches every title.
func (f FilterConfig) Matches(title string) bool {
	return strings.Contains(strings.ToLower(title), strings.ToLower(f.TitleKeyword))
}

// LatestFilterConfig returns the config with the greatest timestamp.
func LatestFilterConfig(configs []FilterConfig) (FilterConfig, bool) {
	if len(configs) == 0 {
		return FilterConfig{}, false
	}
	latest := configs[0]
	for _, c := range configs[1:] {
		if c.Timestamp.After(latest.Timestamp) {
			latest = c
		}
	}
	return latest, true
}

// Notification is the structured event forwarded to a tenant.
type Notification struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"key"`
	ChannelID       string    `json:"channel_id"`
	RoleID          string    `json:"role_id,omitempty"`
	BroadcasterID   string    `json:"broadcaster_id"`
	BroadcasterName string    `json:"broadcaster_name"`
	Title           string    `json:"title"`
	GameName        string    `json:"game_name,omitempty"`
	StreamURL       string    `json:"stream_url"`
	StartedAt       time.Time `json:"started_at"`
}

// EventSender is the downstream service tenants' bots receive events from.
type EventSender interface {
	LatestFilterConfig(ctx context.Context, tenantID string) (FilterConfig, error)
	SendNotification(ctx context.Context, n Notification) error
}
