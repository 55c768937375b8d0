package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/platform/config"
)

type subscriptionService interface {
	AddTenant(ctx context.Context, twitchURL, tenantID string) error
	RemoveTenant(ctx context.Context, twitchURL, tenantID string) error
	ListTenantEntities(ctx context.Context, tenantID string) ([]string, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	subscriptions  subscriptionService
	webhookHandler echo.HandlerFunc

	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler
	health         Health
	startTime      time.Time
}

func NewServer(cfg *config.Config, subscriptions subscriptionService, webhookHandler echo.HandlerFunc, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, health Health) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		subscriptions:  subscriptions,
		webhookHandler: webhookHandler,
		httpMetrics:    httpMetrics,
		metricsHandler: metricsHandler,
		health:         health,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
