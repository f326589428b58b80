package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/campusline/school-backend/internal/core/domain"
)

// MapError translates known domain errors into *echo.HTTPError with the cause
// kept as Internal. Unknown errors are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var pr *domain.PolicyRejection
	if errors.As(err, &pr) {
		status := http.StatusForbidden
		if pr.Reason == domain.ReasonInsecureTransport {
			status = http.StatusUpgradeRequired
		}
		return echo.NewHTTPError(status, pr.Reason).SetInternal(err)
	}

	status, msg := 0, ""
	switch {
	case errors.Is(err, domain.ErrMissingCredential):
		status, msg = http.StatusUnauthorized, "missing credential"
	case errors.Is(err, domain.ErrInvalidCredential):
		status, msg = http.StatusUnauthorized, "invalid credential"
	case errors.Is(err, domain.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, domain.ErrRotationRequired):
		status, msg = http.StatusForbidden, "password rotation required"
	case errors.Is(err, domain.ErrForbidden):
		status, msg = http.StatusForbidden, "access forbidden"
	case errors.Is(err, domain.ErrAccountExists):
		status, msg = http.StatusConflict, "account already exists"
	case errors.Is(err, domain.ErrAccountNotFound):
		status, msg = http.StatusNotFound, "account not found"
	case errors.Is(err, domain.ErrWeakPassword):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrQueueFull):
		status, msg = http.StatusServiceUnavailable, "notification queue is full, retry later"
	default:
		return err
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}
