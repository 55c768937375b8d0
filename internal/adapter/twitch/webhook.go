package twitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/nicklaw5/helix/v2"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/domain"
	"github.com/snallabot/twitch-notifier/internal/platform/correlation"
	apperrors "github.com/snallabot/twitch-notifier/internal/platform/errors"
)

const maxWebhookBodyBytes = 1 << 20

// StreamOnlineHandler processes an acknowledged stream.online notification.
type StreamOnlineHandler interface {
	HandleStreamOnline(ctx context.Context, event domain.StreamOnlineEvent) error
}

// MessageDeduplicator records EventSub message ids. FirstDelivery returns
// false when the id was already seen.
type MessageDeduplicator interface {
	FirstDelivery(ctx context.Context, messageID string) (bool, error)
}

type WebhookHandler struct {
	secret  string
	handler StreamOnlineHandler
	dedupe  MessageDeduplicator
	metrics *metrics.WebhookMetrics

	inFlight sync.WaitGroup
}

// NewWebhookHandler builds the /events handler. dedupe may be nil.
func NewWebhookHandler(secret string, handler StreamOnlineHandler, dedupe MessageDeduplicator, m *metrics.WebhookMetrics) *WebhookHandler {
	return &WebhookHandler{
		secret:  secret,
		handler: handler,
		dedupe:  dedupe,
		metrics: m,
	}
}

func (wh *WebhookHandler) HandleEventSub(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBodyBytes+1))
	if err != nil {
		return apperrors.MalformedPayloadError("failed to read request body", err)
	}
	if len(body) > maxWebhookBodyBytes {
		return apperrors.MalformedPayloadError("request body too large", nil)
	}

	messageID := req.Header.Get(HeaderMessageID)
	timestamp := req.Header.Get(HeaderMessageTimestamp)
	messageType := req.Header.Get(HeaderMessageType)

	ctx := correlation.WithMessageID(req.Context(), messageID)
	c.SetRequest(req.WithContext(ctx))

	if !VerifySignature(wh.secret, messageID, timestamp, body, req.Header.Get(HeaderMessageSignature)) {
		wh.count(messageType, "rejected")
		slog.WarnContext(ctx, "EventSub signature mismatch", "message_type", messageType, "remote_ip", c.RealIP())
		return apperrors.AuthenticationError("invalid signature")
	}

	msg, err := ParseMessage(messageType, body)
	if err != nil {
		wh.count(messageType, "malformed")
		return apperrors.MalformedPayloadError("invalid EventSub payload", err).WithField("message_type", messageType)
	}

	switch m := msg.(type) {
	case VerificationMessage:
		wh.count(messageType, "verified")
		slog.InfoContext(ctx, "EventSub webhook verification", "subscription_id", m.Subscription.ID, "subscription_type", m.Subscription.Type)
		return c.String(http.StatusOK, m.Challenge)

	case RevocationMessage:
		wh.count(messageType, "revoked")
		slog.WarnContext(ctx, "EventSub subscription revoked",
			"subscription_id", m.Subscription.ID,
			"subscription_type", m.Subscription.Type,
			"status", m.Subscription.Status,
			"broadcaster_id", m.Subscription.Condition.BroadcasterUserID)
		return c.NoContent(http.StatusNoContent)

	case NotificationMessage:
		return wh.handleNotification(c, ctx, messageID, messageType, m)
	}

	return apperrors.InternalError("unhandled EventSub message", fmt.Errorf("unexpected variant %T", msg))
}

func (wh *WebhookHandler) handleNotification(c echo.Context, ctx context.Context, messageID, messageType string, msg NotificationMessage) error {
	if msg.Subscription.Type != helix.EventSubTypeStreamOnline {
		wh.count(messageType, "ignored")
		slog.DebugContext(ctx, "Ignoring EventSub notification", "subscription_type", msg.Subscription.Type)
		return c.NoContent(http.StatusOK)
	}

	event, err := msg.StreamOnlineEvent(messageID)
	if err != nil {
		wh.count(messageType, "malformed")
		return apperrors.MalformedPayloadError("invalid stream.online event", err)
	}

	if !wh.firstDelivery(ctx, messageID) {
		wh.count(messageType, "duplicate")
		slog.InfoContext(ctx, "Skipping redelivered EventSub message", "broadcaster_id", event.BroadcasterID)
		return c.NoContent(http.StatusOK)
	}

	if err := c.NoContent(http.StatusOK); err != nil {
		return err
	}
	wh.count(messageType, "accepted")

	wh.spawn(context.WithoutCancel(ctx), event)
	return nil
}

func (wh *WebhookHandler) firstDelivery(ctx context.Context, messageID string) bool {
	if wh.dedupe == nil || messageID == "" {
		return true
	}
	first, err := wh.dedupe.FirstDelivery(ctx, messageID)
	if err != nil {
		slog.WarnContext(ctx, "Message dedupe unavailable, processing anyway", "error", err)
		return true
	}
	return first
}

// spawn runs the notification handler after the response has been written.
// Failures are logged and never reach the caller.
func (wh *WebhookHandler) spawn(ctx context.Context, event domain.StreamOnlineEvent) {
	wh.inFlight.Add(1)
	if wh.metrics != nil {
		wh.metrics.InFlight.Inc()
	}

	go func() {
		defer wh.inFlight.Done()
		defer func() {
			if wh.metrics != nil {
				wh.metrics.InFlight.Dec()
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				if wh.metrics != nil {
					wh.metrics.BackgroundPanics.Inc()
				}
				slog.ErrorContext(ctx, "Panic in notification processing", "broadcaster_id", event.BroadcasterID, "panic", r)
			}
		}()

		if err := wh.handler.HandleStreamOnline(ctx, event); err != nil {
			level := slog.LevelError
			if errors.Is(err, domain.ErrSubscriptionNotFound) {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "Notification processing failed", "broadcaster_id", event.BroadcasterID, "error", err)
		}
	}()
}

// Wait blocks until all acknowledged notifications have been processed.
func (wh *WebhookHandler) Wait() {
	wh.inFlight.Wait()
}

func (wh *WebhookHandler) count(messageType, result string) {
	if wh.metrics == nil {
		return
	}
	switch messageType {
	case MessageTypeVerification, MessageTypeNotification, MessageTypeRevocation:
	default:
		messageType = "other"
	}
	wh.metrics.MessagesTotal.WithLabelValues(messageType, result).Inc()
}
