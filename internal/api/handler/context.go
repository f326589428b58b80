package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/campusline/school-backend/internal/api/middleware"
	"github.com/campusline/school-backend/internal/core/domain"
)

// ctxPrincipal extracts the principal injected by the Auth middleware. Its
// absence means the route was wired without Auth; reject rather than guess.
func ctxPrincipal(c echo.Context) (*domain.Principal, error) {
	p, _ := c.Get(middleware.KeyPrincipal).(*domain.Principal)
	if p == nil || p.AccountID == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims").
			SetInternal(domain.ErrMissingCredential)
	}
	return p, nil
}
