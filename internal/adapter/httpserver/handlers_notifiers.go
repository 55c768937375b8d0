package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/snallabot/twitch-notifier/internal/domain"
	apperrors "github.com/snallabot/twitch-notifier/internal/platform/errors"
)

type validator interface {
	validate() error
}

type addNotifierRequest struct {
	DiscordServer string `json:"discord_server"`
	TwitchURL     string `json:"twitch_url"`
}

func (r *addNotifierRequest) validate() error {
	return requireFields(map[string]string{"discord_server": r.DiscordServer, "twitch_url": r.TwitchURL})
}

type removeNotifierRequest struct {
	DiscordServer string `json:"discord_server"`
	TwitchURL     string `json:"twitch_url"`
}

func (r *removeNotifierRequest) validate() error {
	return requireFields(map[string]string{"discord_server": r.DiscordServer, "twitch_url": r.TwitchURL})
}

type listNotifiersRequest struct {
	DiscordServer string `json:"discord_server"`
}

func (r *listNotifiersRequest) validate() error {
	return requireFields(map[string]string{"discord_server": r.DiscordServer})
}

func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// bindRequest decodes the JSON body into req and validates it.
func bindRequest(c echo.Context, req validator) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, req); err != nil {
		return apperrors.MalformedPayloadError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return apperrors.MalformedPayloadError(err.Error(), nil)
	}
	return nil
}

func (s *Server) registerNotifierRoutes(rateLimiter echo.MiddlewareFunc) {
	g := s.echo.Group("", rateLimiter)
	g.POST("/addTwitchNotifier", s.handleAddNotifier)
	g.POST("/removeTwitchNotifier", s.handleRemoveNotifier)
	g.POST("/listTwitchNotifiers", s.handleListNotifiers)
}

func (s *Server) handleAddNotifier(c echo.Context) error {
	var req addNotifierRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	if err := s.subscriptions.AddTenant(c.Request().Context(), req.TwitchURL, req.DiscordServer); err != nil {
		return subscriptionError("failed to add notifier", err).
			WithField("tenant_id", req.DiscordServer).
			WithField("twitch_url", req.TwitchURL)
	}

	return c.NoContent(http.StatusOK)
}

func (s *Server) handleRemoveNotifier(c echo.Context) error {
	var req removeNotifierRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	if err := s.subscriptions.RemoveTenant(c.Request().Context(), req.TwitchURL, req.DiscordServer); err != nil {
		return subscriptionError("failed to remove notifier", err).
			WithField("tenant_id", req.DiscordServer).
			WithField("twitch_url", req.TwitchURL)
	}

	return c.NoContent(http.StatusOK)
}

func (s *Server) handleListNotifiers(c echo.Context) error {
	var req listNotifiersRequest
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	urls, err := s.subscriptions.ListTenantEntities(c.Request().Context(), req.DiscordServer)
	if err != nil {
		return apperrors.InternalError("failed to list notifiers", err).WithField("tenant_id", req.DiscordServer)
	}
	if urls == nil {
		urls = []string{}
	}

	if err := c.JSON(http.StatusOK, urls); err != nil {
		return fmt.Errorf("failed to write notifiers response: %w", err)
	}
	return nil
}

// subscriptionError maps service failures to a structured error with a
// message the caller can act on.
func subscriptionError(message string, err error) *apperrors.Error {
	switch {
	case errors.Is(err, domain.ErrInvalidTwitchURL):
		return apperrors.MalformedPayloadError("invalid twitch url", err)
	case errors.Is(err, domain.ErrBroadcasterNotFound):
		return apperrors.NotFoundError("twitch channel not found", err)
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return apperrors.NotFoundError("not subscribed to this channel", err)
	case errors.Is(err, domain.ErrLockTimeout):
		return apperrors.InternalError("subscription is busy, try again", err)
	default:
		return apperrors.UpstreamError(message, err)
	}
}
