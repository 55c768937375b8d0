package twitch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nicklaw5/helix/v2"
	"github.com/snallabot/twitch-notifier/internal/domain"
)

// EventSub request headers. http.Header.Get canonicalises names, so lookups
// are case-insensitive.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

const (
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
)

// ErrMalformedPayload marks a webhook body that does not match the shape
// required by its declared message type.
var ErrMalformedPayload = errors.New("malformed EventSub payload")

// Message is one of VerificationMessage, RevocationMessage or NotificationMessage.
type Message interface {
	eventSubMessage()
}

type VerificationMessage struct {
	Subscription helix.EventSubSubscription
	Challenge    string
}

type RevocationMessage struct {
	Subscription helix.EventSubSubscription
}

type NotificationMessage struct {
	Subscription helix.EventSubSubscription
	Event        json.RawMessage
}

func (VerificationMessage) eventSubMessage() {}
func (RevocationMessage) eventSubMessage()   {}
func (NotificationMessage) eventSubMessage() {}

type envelope struct {
	Subscription *helix.EventSubSubscription `json:"subscription"`
	Challenge    *string                     `json:"challenge"`
	Event        json.RawMessage             `json:"event"`
}

// ParseMessage decodes body into the variant for messageType. Any type other
// than verification and revocation is decoded as a notification.
func ParseMessage(messageType string, body []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch messageType {
	case MessageTypeVerification:
		if env.Challenge == nil || *env.Challenge == "" {
			return nil, fmt.Errorf("%w: verification without challenge", ErrMalformedPayload)
		}
		msg := VerificationMessage{Challenge: *env.Challenge}
		if env.Subscription != nil {
			msg.Subscription = *env.Subscription
		}
		return msg, nil

	case MessageTypeRevocation:
		if env.Subscription == nil || env.Subscription.ID == "" {
			return nil, fmt.Errorf("%w: revocation without subscription", ErrMalformedPayload)
		}
		return RevocationMessage{Subscription: *env.Subscription}, nil

	default:
		if env.Subscription == nil || env.Subscription.Type == "" {
			return nil, fmt.Errorf("%w: notification without subscription type", ErrMalformedPayload)
		}
		if len(env.Event) == 0 || string(env.Event) == "null" {
			return nil, fmt.Errorf("%w: notification without event", ErrMalformedPayload)
		}
		return NotificationMessage{Subscription: *env.Subscription, Event: env.Event}, nil
	}
}

// StreamOnlineEvent decodes the event of a stream.online notification.
func (m NotificationMessage) StreamOnlineEvent(messageID string) (domain.StreamOnlineEvent, error) {
	if m.Subscription.Type != helix.EventSubTypeStreamOnline {
		return domain.StreamOnlineEvent{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformedPayload, helix.EventSubTypeStreamOnline, m.Subscription.Type)
	}

	var ev helix.EventSubStreamOnlineEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		return domain.StreamOnlineEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.BroadcasterUserID == "" {
		return domain.StreamOnlineEvent{}, fmt.Errorf("%w: stream.online without broadcaster_user_id", ErrMalformedPayload)
	}

	return domain.StreamOnlineEvent{
		MessageID:        messageID,
		BroadcasterID:    ev.BroadcasterUserID,
		BroadcasterLogin: ev.BroadcasterUserLogin,
		BroadcasterName:  ev.BroadcasterUserName,
		StartedAt:        ev.StartedAt.Time,
	}, nil
}
