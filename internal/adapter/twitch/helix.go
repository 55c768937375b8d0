package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nicklaw5/helix/v2"
	"github.com/snallabot/twitch-notifier/internal/domain"
	"github.com/snallabot/twitch-notifier/internal/platform/retry"
)

const (
	helixHTTPTimeout      = 10 * time.Second
	retryInitialBackoff   = 1 * time.Second
	retryRateLimitBackoff = 30 * time.Second

	// token request, the call itself, the call again after a forced token
	// refresh, and the lookup after a 409 on create
	helixCallsPerAttempt = 4
)

// helixAPI is the subset of *helix.Client used here.
type helixAPI interface {
	RequestAppAccessToken(scopes []string) (*helix.AppAccessTokenResponse, error)
	SetAppAccessToken(accessToken string)
	GetUsers(params *helix.UsersParams) (*helix.UsersResponse, error)
	GetChannelInformation(params *helix.GetChannelInformationParams) (*helix.GetChannelInformationResponse, error)
	CreateEventSubSubscription(payload *helix.EventSubSubscription) (*helix.EventSubSubscriptionsResponse, error)
	RemoveEventSubSubscription(id string) (*helix.RemoveEventSubSubscriptionParamsResponse, error)
	GetEventSubSubscriptions(params *helix.EventSubSubscriptionsParams) (*helix.EventSubSubscriptionsResponse, error)
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is lets callers match a 401 against domain.ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == domain.ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

func checkResponse(op string, rc helix.ResponseCommon) error {
	if rc.StatusCode >= 200 && rc.StatusCode < 300 {
		return nil
	}
	msg := rc.ErrorMessage
	if msg == "" {
		msg = rc.Error
	}
	return &APIError{Op: op, StatusCode: rc.StatusCode, Message: msg}
}

// HelixClient implements domain.TwitchAPI on top of the Helix REST API using
// an app access token.
type HelixClient struct {
	mu  sync.Mutex // helix.Client holds the token as client state
	api helixAPI

	tokens      *TokenManager
	callbackURL string
	secret      string
	retryPolicy retry.Policy
}

func NewHelixClient(clientID, clientSecret, callbackURL, secret string, clock clockwork.Clock) (*HelixClient, error) {
	client, err := helix.NewClient(&helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: helixHTTPTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	return newHelixClient(client, callbackURL, secret, clock), nil
}

func newHelixClient(api helixAPI, callbackURL, secret string, clock clockwork.Clock) *HelixClient {
	hc := &HelixClient{
		api:         api,
		callbackURL: callbackURL,
		secret:      secret,
		retryPolicy: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   retryInitialBackoff,
			RateLimitBackoff: retryRateLimitBackoff,
			Clock:            clock,
		},
	}
	hc.tokens = NewTokenManager(hc.requestAppToken, clock)
	return hc
}

// MaxSubscriptionCallDuration bounds one CreateStreamOnlineSubscription or
// DeleteSubscription call including every retry and rate-limit pause. Locks
// held across those calls need a TTL at least this long.
func (hc *HelixClient) MaxSubscriptionCallDuration() time.Duration {
	p := hc.retryPolicy
	total := time.Duration(p.MaxAttempts*helixCallsPerAttempt) * helixHTTPTimeout
	backoff := p.InitialBackoff
	for range p.MaxAttempts - 1 {
		total += max(backoff, p.RateLimitBackoff)
		backoff *= 2
	}
	return total
}

func (hc *HelixClient) requestAppToken(ctx context.Context) (AppToken, error) {
	if err := ctx.Err(); err != nil {
		return AppToken{}, err
	}

	hc.mu.Lock()
	resp, err := hc.api.RequestAppAccessToken(nil)
	hc.mu.Unlock()
	if err != nil {
		return AppToken{}, fmt.Errorf("failed to request app access token: %w", err)
	}
	if err := checkResponse("request app access token", resp.ResponseCommon); err != nil {
		return AppToken{}, err
	}

	return AppToken{
		AccessToken: resp.Data.AccessToken,
		ExpiresIn:   time.Duration(resp.Data.ExpiresIn) * time.Second,
	}, nil
}

// withClient runs fn against the helix client with token installed.
func (hc *HelixClient) withClient(ctx context.Context, token string, fn func(api helixAPI) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.api.SetAppAccessToken(token)
	return fn(hc.api)
}

func (hc *HelixClient) GetBroadcaster(ctx context.Context, login string) (*domain.Broadcaster, error) {
	var out *domain.Broadcaster
	err := hc.tokens.WithValidToken(ctx, func(ctx context.Context, token string) error {
		return hc.withClient(ctx, token, func(api helixAPI) error {
			resp, err := api.GetUsers(&helix.UsersParams{Logins: []string{login}})
			if err != nil {
				return fmt.Errorf("failed to get users: %w", err)
			}
			if err := checkResponse("get users", resp.ResponseCommon); err != nil {
				return err
			}
			if len(resp.Data.Users) == 0 {
				return fmt.Errorf("%w: %s", domain.ErrBroadcasterNotFound, login)
			}
			u := resp.Data.Users[0]
			out = &domain.Broadcaster{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName}
			return nil
		})
	})
	return out, err
}

func (hc *HelixClient) GetChannelInfo(ctx context.Context, broadcasterID string) (*domain.ChannelInfo, error) {
	var out *domain.ChannelInfo
	err := hc.tokens.WithValidToken(ctx, func(ctx context.Context, token string) error {
		return hc.withClient(ctx, token, func(api helixAPI) error {
			resp, err := api.GetChannelInformation(&helix.GetChannelInformationParams{BroadcasterIDs: []string{broadcasterID}})
			if err != nil {
				return fmt.Errorf("failed to get channel information: %w", err)
			}
			if err := checkResponse("get channel information", resp.ResponseCommon); err != nil {
				return err
			}
			if len(resp.Data.Channels) == 0 {
				return fmt.Errorf("%w: %s", domain.ErrBroadcasterNotFound, broadcasterID)
			}
			ch := resp.Data.Channels[0]
			out = &domain.ChannelInfo{
				BroadcasterID:   ch.BroadcasterID,
				BroadcasterName: ch.BroadcasterName,
				Title:           ch.Title,
				GameName:        ch.GameName,
			}
			return nil
		})
	})
	return out, err
}

// CreateStreamOnlineSubscription creates the webhook subscription for
// broadcasterID. A 409 means Twitch already has one for this callback; its
// id is looked up and returned instead.
func (hc *HelixClient) CreateStreamOnlineSubscription(ctx context.Context, broadcasterID string) (string, error) {
	p := hc.retryPolicy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub subscribe failed, retrying", "broadcaster_id", broadcasterID, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	id, err := retry.Do(ctx, p, classifyHelixError, func(ctx context.Context) (string, error) {
		return hc.attemptSubscribe(ctx, broadcasterID)
	})
	if err != nil {
		return "", fmt.Errorf("EventSub subscribe failed: %w", err)
	}

	slog.InfoContext(ctx, "Subscribed to stream.online", "broadcaster_id", broadcasterID, "subscription_id", id)
	return id, nil
}

func (hc *HelixClient) attemptSubscribe(ctx context.Context, broadcasterID string) (string, error) {
	var id string
	err := hc.tokens.WithValidToken(ctx, func(ctx context.Context, token string) error {
		return hc.withClient(ctx, token, func(api helixAPI) error {
			resp, err := api.CreateEventSubSubscription(&helix.EventSubSubscription{
				Type:      helix.EventSubTypeStreamOnline,
				Version:   "1",
				Condition: helix.EventSubCondition{BroadcasterUserID: broadcasterID},
				Transport: helix.EventSubTransport{
					Method:   "webhook",
					Callback: hc.callbackURL,
					Secret:   hc.secret,
				},
			})
			if err != nil {
				return fmt.Errorf("failed to create EventSub subscription: %w", err)
			}
			if err := checkResponse("create EventSub subscription", resp.ResponseCommon); err != nil {
				return err
			}
			if len(resp.Data.EventSubSubscriptions) == 0 {
				return errors.New("no subscription returned from Twitch API")
			}
			id = resp.Data.EventSubSubscriptions[0].ID
			return nil
		})
	})

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		slog.InfoContext(ctx, "EventSub subscription already exists on Twitch, recovering", "broadcaster_id", broadcasterID)
		return hc.findExistingSubscription(ctx, broadcasterID)
	}
	return id, err
}

func (hc *HelixClient) findExistingSubscription(ctx context.Context, broadcasterID string) (string, error) {
	subs, err := hc.ListStreamOnlineSubscriptions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list subscriptions for 409 recovery: %w", err)
	}
	for _, sub := range subs {
		if sub.BroadcasterID == broadcasterID && sub.Callback == hc.callbackURL {
			return sub.ID, nil
		}
	}
	return "", &retry.PermanentError{Err: fmt.Errorf("subscription not found on Twitch despite 409 conflict (broadcaster_id=%s)", broadcasterID)}
}

// DeleteSubscription removes an EventSub subscription. Deleting a
// subscription Twitch no longer knows is treated as success.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	p := hc.retryPolicy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub unsubscribe failed, retrying", "subscription_id", subscriptionID, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	err := retry.DoVoid(ctx, p, classifyHelixError, func(ctx context.Context) error {
		return hc.tokens.WithValidToken(ctx, func(ctx context.Context, token string) error {
			return hc.withClient(ctx, token, func(api helixAPI) error {
				resp, err := api.RemoveEventSubSubscription(subscriptionID)
				if err != nil {
					return fmt.Errorf("failed to delete EventSub subscription: %w", err)
				}
				return checkResponse("delete EventSub subscription", resp.ResponseCommon)
			})
		})
	})

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		slog.InfoContext(ctx, "EventSub subscription already gone", "subscription_id", subscriptionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("EventSub unsubscribe failed: %w", err)
	}
	return nil
}

func (hc *HelixClient) ListStreamOnlineSubscriptions(ctx context.Context) ([]domain.UpstreamSubscription, error) {
	var out []domain.UpstreamSubscription
	params := &helix.EventSubSubscriptionsParams{Type: helix.EventSubTypeStreamOnline}

	for {
		var cursor string
		err := hc.tokens.WithValidToken(ctx, func(ctx context.Context, token string) error {
			return hc.withClient(ctx, token, func(api helixAPI) error {
				resp, err := api.GetEventSubSubscriptions(params)
				if err != nil {
					return fmt.Errorf("failed to list EventSub subscriptions: %w", err)
				}
				if err := checkResponse("list EventSub subscriptions", resp.ResponseCommon); err != nil {
					return err
				}
				for _, sub := range resp.Data.EventSubSubscriptions {
					out = append(out, domain.UpstreamSubscription{
						ID:            sub.ID,
						Status:        sub.Status,
						Type:          sub.Type,
						BroadcasterID: sub.Condition.BroadcasterUserID,
						Callback:      sub.Transport.Callback,
					})
				}
				cursor = resp.Data.Pagination.Cursor
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		if cursor == "" {
			return out, nil
		}
		params = &helix.EventSubSubscriptionsParams{Type: helix.EventSubTypeStreamOnline, After: cursor}
	}
}

func classifyHelixError(err error) retry.Action {
	var permanent *retry.PermanentError
	if errors.As(err, &permanent) {
		return retry.Stop
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retry.ClassifyStatus(apiErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}
