package middleware

// identity.go holds the request identity helpers shared by the rate limiter
// and the auth middleware.

import "github.com/labstack/echo/v4"

// subject returns the operator subject stored by JWTAuth, or "anon" on the
// public claim routes.
func subject(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok && v != "" {
		return v
	}
	return "anon"
}
