package httpserver

import (
	"context"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/platform/config"
)

// --- Mock implementations ---

type mockSubscriptionService struct {
	addTenantFn    func(ctx context.Context, twitchURL, tenantID string) error
	removeTenantFn func(ctx context.Context, twitchURL, tenantID string) error
	listFn         func(ctx context.Context, tenantID string) ([]string, error)
}

func (m *mockSubscriptionService) AddTenant(ctx context.Context, twitchURL, tenantID string) error {
	if m.addTenantFn != nil {
		return m.addTenantFn(ctx, twitchURL, tenantID)
	}
	return nil
}

func (m *mockSubscriptionService) RemoveTenant(ctx context.Context, twitchURL, tenantID string) error {
	if m.removeTenantFn != nil {
		return m.removeTenantFn(ctx, twitchURL, tenantID)
	}
	return nil
}

func (m *mockSubscriptionService) ListTenantEntities(ctx context.Context, tenantID string) ([]string, error) {
	if m.listFn != nil {
		return m.listFn(ctx, tenantID)
	}
	return nil, nil
}

// --- Test server ---

type testServerOptions struct {
	health    Health
	webhook   echo.HandlerFunc
	rateLimit float64
	rateBurst int
}

type testServerOption func(*testServerOptions)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(o *testServerOptions) { o.health.Checks = checks }
}

func withBreakers(breakers ...BreakerStatus) testServerOption {
	return func(o *testServerOptions) { o.health.Breakers = breakers }
}

func withWebhook(h echo.HandlerFunc) testServerOption {
	return func(o *testServerOptions) { o.webhook = h }
}

func withRateLimit(perSecond float64, burst int) testServerOption {
	return func(o *testServerOptions) {
		o.rateLimit = perSecond
		o.rateBurst = burst
	}
}

func newTestServer(t *testing.T, subs subscriptionService, opts ...testServerOption) (*Server, *metrics.HTTPMetrics) {
	t.Helper()

	o := testServerOptions{
		webhook:   func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		rateLimit: 1000,
		rateBurst: 1000,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &config.Config{
		Port:                "0",
		ManagementRateLimit: o.rateLimit,
		ManagementRateBurst: o.rateBurst,
	}
	reg := prometheus.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(reg)

	srv := NewServer(cfg, subs, o.webhook, httpMetrics, metrics.Handler(reg), o.health)
	return srv, httpMetrics
}
