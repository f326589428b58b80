package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/core/domain"
)

// RBAC admits the request only when the principal carries one of the allowed
// roles. It must run after Auth.
func RBAC(allowedRoles ...domain.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, _ := c.Get(KeyPrincipal).(*domain.Principal)
			if principal == nil || !principal.HasAnyRole(allowedRoles...) {
				metrics.AuthFailuresTotal.WithLabelValues("forbidden", "http").Inc()
				return echo.NewHTTPError(http.StatusForbidden, "forbidden").SetInternal(domain.ErrForbidden)
			}
			return next(c)
		}
	}
}
