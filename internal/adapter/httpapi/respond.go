package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"nowhere-ai/internal/domain"
)

// envelope is the wire shape of every response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnavailable), domain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is what a production deployment reveals for each error kind.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "invalid request"
	case errors.Is(err, domain.ErrUnauthorized):
		return "authentication required"
	case errors.Is(err, domain.ErrForbidden):
		var fe *domain.ForbiddenError
		if errors.As(err, &fe) {
			return "missing permission " + string(fe.Missing)
		}
		return "permission denied"
	case errors.Is(err, domain.ErrNotFound):
		return "not found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrQuotaExceeded):
		var qe *domain.QuotaError
		if errors.As(err, &qe) {
			return "quota exceeded: " + qe.Dimension
		}
		return "quota exceeded"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate limit exceeded"
	case errors.Is(err, domain.ErrUnavailable), domain.IsTransient(err):
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	msg := publicMessage(err)
	if s.cfg.Dev() {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request().Method, "path", c.Path(), "error", err)
	}
	var qe *domain.QuotaError
	if errors.As(err, &qe) && qe.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", qe.RetryAfter.String())
	}
	return c.JSON(status, envelope{Success: false, Message: msg})
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return domain.NewValidationError("http.decode", "request body is not valid JSON", "body")
	}
	return nil
}
