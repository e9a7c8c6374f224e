package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/qr-claim/internal/repository"
)

// statusOf maps the repository sentinels onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, repository.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError answers with {"error": ...}.  Unexpected errors are logged
// and hidden behind a generic message.
func writeError(c echo.Context, err error) error {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Printf("handler: %s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(code, echo.Map{"error": "internal error"})
	}
	return c.JSON(code, echo.Map{"error": err.Error()})
}
