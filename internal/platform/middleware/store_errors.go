package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/psiclinic/api/internal/platform/retry"
)

// StoreRetryAfter is the Retry-After value, in seconds, sent when the
// database stays rate limited after the retry budget is spent.
const StoreRetryAfter = "30"

// StoreError converts a service error into an HTTP error. Rate-limited
// failures become 429 with a Retry-After header; anything else becomes a 500
// carrying msg.
func StoreError(c echo.Context, err error, msg string) error {
	if retry.IsRateLimited(err) {
		c.Response().Header().Set("Retry-After", StoreRetryAfter)
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests, try again later")
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg(msg)
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}
