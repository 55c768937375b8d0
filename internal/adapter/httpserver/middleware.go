package httpserver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/snallabot/twitch-notifier/internal/adapter/metrics"
	"github.com/snallabot/twitch-notifier/internal/platform/correlation"
	apperrors "github.com/snallabot/twitch-notifier/internal/platform/errors"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// ErrorHandlingMiddleware writes returned errors as {"message": ...} with the
// status of their structured type. Echo's own HTTP errors (unknown route,
// wrong method) pass through unchanged. m may be nil.
func ErrorHandlingMiddleware(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var structuredErr *apperrors.Error
			if errors.As(err, &structuredErr) {
				return writeError(c, structuredErr, m)
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return writeError(c, apperrors.AsStructuredError(err), m)
		}
	}
}

func writeError(c echo.Context, err *apperrors.Error, m *metrics.HTTPMetrics) error {
	logError(c, err)
	if m != nil {
		m.ErrorsTotal.WithLabelValues(string(err.Type)).Inc()
	}

	if c.Response().Committed {
		return nil
	}
	if err := c.JSON(err.HTTPStatus(), err.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if err.Cause != nil {
		attrs = append(attrs, "cause", err.Cause)
	}

	switch err.Type {
	case apperrors.TypeAuthentication:
		slog.WarnContext(ctx, "Authentication failed", attrs...)
	case apperrors.TypeMalformedPayload:
		slog.InfoContext(ctx, "Malformed payload", attrs...)
	case apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Not found", attrs...)
	case apperrors.TypeUpstream:
		slog.ErrorContext(ctx, "Upstream service error", attrs...)
	case apperrors.TypeInternal:
		slog.ErrorContext(ctx, "Internal error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}
