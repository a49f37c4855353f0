package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireSelf rejects callers who are neither the user named by the query
// parameter param nor hold one of the override roles.
func RequireSelf(param string, override ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if want := c.QueryParam(param); want == "" || want == UserIDFromContext(ctx) {
				return next(c)
			}
			for _, role := range override {
				if HasRole(ctx, role) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "access to another user's records is not allowed")
		}
	}
}
