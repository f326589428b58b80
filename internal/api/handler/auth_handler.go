package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
)

type AuthHandler struct {
	authService ports.AuthService
}

func NewAuthHandler(authService ports.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,alphanum,min=3,max=64"`
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role"     validate:"required"`
}

type loginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type rotatePasswordRequest struct {
	Email           string `json:"email"            validate:"required,email"`
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password"     validate:"required"`
}

type sessionResponse struct {
	Token     string          `json:"token"`
	TokenType string          `json:"token_type"`
	ExpiresAt time.Time       `json:"expires_at"`
	Account   *domain.Account `json:"account,omitempty"`
}

type accountResponse struct {
	Account *domain.Account `json:"account"`
}

func newSessionResponse(s *ports.Session) sessionResponse {
	return sessionResponse{Token: s.Token, TokenType: "Bearer", ExpiresAt: s.ExpiresAt, Account: s.Account}
}

// Register handles POST /auth/register. Only self-service roles may be
// requested; anything else is forbidden.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	role, ok := domain.ParseRole(req.Role)
	if !ok {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "role must be one of: Teacher Parent")
	}

	acc, err := h.authService.Register(c.Request().Context(), ports.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     role,
	})
	if err != nil {
		return MapError(err)
	}

	return c.JSON(http.StatusCreated, accountResponse{Account: acc})
}

// Login handles POST /auth/login and returns a signed credential.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	session, err := h.authService.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("bad_login", "http").Inc()
		return MapError(err)
	}

	metrics.TokensIssuedTotal.WithLabelValues("login").Inc()
	return c.JSON(http.StatusOK, newSessionResponse(session))
}

// Refresh handles POST /auth/refresh. Roles are re-read from the store so a
// refreshed credential reflects current assignments.
func (h *AuthHandler) Refresh(c echo.Context) error {
	principal, err := ctxPrincipal(c)
	if err != nil {
		return err
	}

	session, err := h.authService.Refresh(c.Request().Context(), principal)
	if err != nil {
		return MapError(err)
	}

	metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	return c.JSON(http.StatusOK, newSessionResponse(session))
}

// RotatePassword handles POST /auth/password. It is the only way to clear a
// mandatory rotation, so it authenticates with the current password instead
// of a bearer credential.
func (h *AuthHandler) RotatePassword(c echo.Context) error {
	var req rotatePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if err := h.authService.RotatePassword(c.Request().Context(), req.Email, req.CurrentPassword, req.NewPassword); err != nil {
		return MapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me handles GET /v1/me and echoes the authenticated principal.
func (h *AuthHandler) Me(c echo.Context) error {
	principal, err := ctxPrincipal(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, principal)
}
