// Package auth guards the HTTP surface: a shared API key for callers
// and short-lived JWTs for file downloads.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIKeyMiddleware rejects requests that do not carry the configured
// key in the X-API-Key header or the api_key query parameter. An empty
// configured key disables authentication.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" {
				provided = c.QueryParam("api_key")
			}
			if provided == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return next(c)
		}
	}
}
