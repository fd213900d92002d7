package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/applet/internal/platform/correlation"
	apperrors "github.com/pscheid92/applet/internal/platform/errors"
)

// ErrorPage is the data passed to the applet's error template.
type ErrorPage struct {
	Status        int
	StatusText    string
	Message       string
	Type          apperrors.ErrorType
	CorrelationID string
}

// handleError is the Echo HTTPErrorHandler. HTML clients get the applet's
// error template when one is configured and renders; everyone else gets a
// JSON ErrorResponse.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	structuredErr := apperrors.AsStructuredError(err)
	logError(c, structuredErr)
	if s.httpMetrics != nil {
		s.httpMetrics.ErrorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
	}

	status := structuredErr.HTTPStatus()
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}

	if tmpl := s.applet.Configuration().ErrorTemplate; tmpl != "" && wantsHTML(c.Request()) {
		id, _ := correlation.ID(c.Request().Context())
		page := ErrorPage{
			Status:        status,
			StatusText:    http.StatusText(status),
			Message:       structuredErr.Message,
			Type:          structuredErr.Type,
			CorrelationID: id,
		}
		renderErr := c.Render(status, tmpl, page)
		if renderErr == nil {
			return
		}
		slog.ErrorContext(c.Request().Context(), "Failed to render error template", "template", tmpl, "error", renderErr)
	}

	if err := c.JSON(status, structuredErr.ToResponse()); err != nil {
		slog.ErrorContext(c.Request().Context(), "Failed to write error response", "error", err)
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get(echo.HeaderAccept), echo.MIMETextHTML)
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

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeMethodNotAllowed, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeRateLimited:
		slog.WarnContext(ctx, "Rate limited", attrs...)
	case apperrors.TypeUnavailable:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Service unavailable", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}
