package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/snallabot/twitch-notifier/internal/platform/errors"
	"golang.org/x/time/rate"
)

const (
	limiterEntryExpiry = 5 * time.Minute
	tenantPeekLimit    = 4 << 10
)

// newTenantRateLimiter limits the management routes per Discord server. All
// tenants usually share the bot's IP, so limiting by IP alone would let one
// busy guild lock out every other. Requests that do not name a tenant are
// limited by client IP.
func newTenantRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(ratePerSecond),
		Burst:     burst,
		ExpiresIn: limiterEntryExpiry,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: rateLimitKey,
		ErrorHandler: func(c echo.Context, err error) error {
			return apperrors.MalformedPayloadError("unreadable request body", err)
		},
		DenyHandler: func(c echo.Context, key string, err error) error {
			slog.WarnContext(c.Request().Context(), "Management request rate limited", "key", key, "path", c.Path())
			return c.JSON(http.StatusTooManyRequests, apperrors.ErrorResponse{Message: "rate limit exceeded"})
		},
	})
}

// rateLimitKey peeks at the JSON body for discord_server and puts the bytes
// back so the handler can still bind the full request.
func rateLimitKey(c echo.Context) (string, error) {
	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return "ip:" + c.RealIP(), nil
	}

	head, err := io.ReadAll(io.LimitReader(req.Body, tenantPeekLimit))
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	req.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), req.Body), req.Body}

	if tenant := scanTenant(head); tenant != "" {
		return "tenant:" + tenant, nil
	}
	return "ip:" + c.RealIP(), nil
}

// scanTenant walks the top-level object token by token, so a tenant that
// appears before the peek limit is found even when the rest is cut off.
func scanTenant(head []byte) string {
	dec := json.NewDecoder(bytes.NewReader(head))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return ""
		}
		if key == "discord_server" {
			value, err := dec.Token()
			if err != nil {
				return ""
			}
			tenant, _ := value.(string)
			return tenant
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return ""
		}
	}
	return ""
}
