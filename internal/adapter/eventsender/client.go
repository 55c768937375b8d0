// Package eventsender talks to the downstream event-sender service, which
// stores tenant notifier configs and relays notifications to Discord.
package eventsender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/domain"
	"github.com/snallabot/twitch-notifier/internal/platform/version"
	"github.com/sony/gobreaker"
)

const (
	EventTypeNotifierConfig = "TWITCH_NOTIFIER_CONFIGURATION"
	EventTypeBroadcast      = "TWITCH_BROADCAST"
	DeliveryEventSource     = "EVENT_SOURCE"

	httpTimeout     = 10 * time.Second
	maxResponseBody = 1 << 20
	breakerName     = "event_sender"
)

// StatusError is a non-2xx response from the event sender.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event sender %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

type queryRequest struct {
	Key        string   `json:"key"`
	EventTypes []string `json:"event_types"`
	After      int64    `json:"after"`
}

type postRequest struct {
	domain.Notification
	EventType string `json:"event_type"`
	Delivery  string `json:"delivery"`
}

// Client implements domain.EventSender. Calls go through a circuit breaker
// so a failing event sender does not tie up every fan-out goroutine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

var _ domain.EventSender = (*Client)(nil)

// NewClient creates a client for the event sender at baseURL. m may be nil.
func NewClient(baseURL string, m *metrics.BreakerMetrics) *Client {
	return newClient(baseURL, &http.Client{Timeout: httpTimeout}, m, 30*time.Second)
}

func newClient(baseURL string, httpClient *http.Client, m *metrics.BreakerMetrics, openTimeout time.Duration) *Client {
	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// A 4xx means the event sender is up and rejected this request.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"component", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.Record(name, to.String(), stateToFloat(to))
			}
		},
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		cb:         gobreaker.NewCircuitBreaker(settings),
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	default:
		return metrics.BreakerClosed
	}
}

// LatestFilterConfig fetches all notifier configs of tenantID and returns the
// most recent one, or domain.ErrFilterConfigNotFound.
func (c *Client) LatestFilterConfig(ctx context.Context, tenantID string) (domain.FilterConfig, error) {
	req := queryRequest{
		Key:        tenantID,
		EventTypes: []string{EventTypeNotifierConfig},
		After:      0,
	}

	var resp map[string][]domain.FilterConfig
	if err := c.post(ctx, "/query", req, &resp); err != nil {
		return domain.FilterConfig{}, fmt.Errorf("failed to query filter configs: %w", err)
	}

	latest, ok := domain.LatestFilterConfig(resp[EventTypeNotifierConfig])
	if !ok {
		return domain.FilterConfig{}, domain.ErrFilterConfigNotFound
	}
	return latest, nil
}

// SendNotification forwards n to the tenant's bot.
func (c *Client) SendNotification(ctx context.Context, n domain.Notification) error {
	req := postRequest{
		Notification: n,
		EventType:    EventTypeBroadcast,
		Delivery:     DeliveryEventSource,
	}
	if err := c.post(ctx, "/post", req, nil); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		return nil, c.do(ctx, path, payload, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("event sender unavailable: %w", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
