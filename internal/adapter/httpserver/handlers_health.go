package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/snallabot/twitch-notifier/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 5 * time.Second

// Readiness statuses.
const (
	statusReady     = "ready"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthCheck pings a dependency the service cannot work without.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// BreakerStatus reports the state of a circuit breaker ("closed", "open",
// "half-open"). A breaker that is not closed degrades readiness but never
// fails it: Twitch webhooks still have to be acknowledged while the event
// sender is down.
type BreakerStatus struct {
	Name  string
	State func() string
}

// Health groups everything /health/ready reports on.
type Health struct {
	Checks   []HealthCheck
	Breakers []BreakerStatus
}

type readinessResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	resp := readinessResponse{
		Status: statusReady,
		Checks: s.pingDependencies(ctx),
	}
	for _, result := range resp.Checks {
		if result != "ok" {
			resp.Status = statusUnhealthy
		}
	}

	if len(s.health.Breakers) > 0 {
		resp.Breakers = make(map[string]string, len(s.health.Breakers))
		for _, b := range s.health.Breakers {
			state := b.State()
			resp.Breakers[b.Name] = state
			if state != "closed" && resp.Status == statusReady {
				resp.Status = statusDegraded
			}
		}
	}

	code := http.StatusOK
	if resp.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	if err := c.JSON(code, resp); err != nil {
		return fmt.Errorf("failed to write readiness response: %w", err)
	}
	return nil
}

// pingDependencies runs every check concurrently and returns "ok" or the
// error text per dependency.
func (s *Server) pingDependencies(ctx context.Context) map[string]string {
	var (
		mu      sync.Mutex
		results = make(map[string]string, len(s.health.Checks))
		g       errgroup.Group
	)
	for _, hc := range s.health.Checks {
		g.Go(func() error {
			result := "ok"
			if err := hc.Check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			results[hc.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
