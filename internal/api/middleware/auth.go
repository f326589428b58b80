package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
)

// Context keys set by Auth.
const (
	KeyPrincipal = "principal"
	KeyAccountID = "account_id"
	KeyRoles     = "roles"
)

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Auth validates the bearer credential and injects the principal into context.
// now is injectable for tests; nil means time.Now.
func Auth(validator ports.TokenValidator, now func() time.Time) echo.MiddlewareFunc {
	if now == nil {
		now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return unauthorized(c, "missing", "missing authorization header", domain.ErrMissingCredential)
			}

			token, ok := BearerToken(authHeader)
			if !ok {
				return unauthorized(c, "invalid", "invalid authorization header", domain.ErrInvalidCredential)
			}

			principal, err := validator.Validate(token, now())
			if err != nil {
				return unauthorized(c, "invalid", "invalid token", err)
			}

			c.Set(KeyPrincipal, principal)
			c.Set(KeyAccountID, principal.AccountID)
			c.Set(KeyRoles, principal.Roles)

			return next(c)
		}
	}
}

func unauthorized(c echo.Context, reason, msg string, cause error) error {
	metrics.AuthFailuresTotal.WithLabelValues(reason, "http").Inc()
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="school-api"`)
	return echo.NewHTTPError(http.StatusUnauthorized, msg).SetInternal(cause)
}
