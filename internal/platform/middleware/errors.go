package middleware

import (
	"github.com/labstack/echo/v4"
)

// errorBody writes the same {"message": ...} body echo's default error
// handler produces, unless the response has already been committed.
func errorBody(c echo.Context, code int, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(code, map[string]string{"message": msg})
}
