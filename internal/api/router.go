package api

import (
	"errors"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/campusline/school-backend/internal/api/handler"
	"github.com/campusline/school-backend/internal/api/middleware"
	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
)

// ServerOptions configures the bare echo instance.
type ServerOptions struct {
	Log zerolog.Logger
	// Registerer defaults to the global Prometheus registry.
	Registerer prometheus.Registerer
}

// NewServer builds an echo instance with the global middleware chain but no
// routes. The transport policy is installed on it before RegisterRoutes.
func NewServer(opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(opts.Log)

	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(requestLogger(opts.Log))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "school",
		Subsystem:  "http",
		Registerer: registerer,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
	}))

	return e
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil || v.Status >= 500 {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("path", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}

// Routes collects the handlers and collaborators the REST surface needs.
type Routes struct {
	Auth       ports.AuthService
	Tokens     ports.TokenValidator
	Dispatcher handler.NotificationDispatcher
	Readiness  *handler.ReadinessHandler
	// Gatherer backs /metrics; defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
	// Now is the clock used to validate credentials; nil means time.Now.
	Now func() time.Time
}

// RegisterRoutes mounts every REST endpoint on e.
func RegisterRoutes(e *echo.Echo, r Routes) error {
	if e == nil {
		return domain.NewConfigError("router", errors.New("nil echo instance"))
	}
	if r.Auth == nil || r.Tokens == nil || r.Dispatcher == nil || r.Readiness == nil {
		return domain.NewConfigError("router", errors.New("missing route dependency"))
	}

	gatherer := r.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	authHandler := handler.NewAuthHandler(r.Auth)
	notificationHandler := handler.NewNotificationHandler(r.Dispatcher)
	authMiddleware := middleware.Auth(r.Tokens, r.Now)

	// --- Auth routes ---
	e.POST("/auth/login", authHandler.Login)
	e.POST("/auth/register", authHandler.Register)
	e.POST("/auth/password", authHandler.RotatePassword)
	e.POST("/auth/refresh", authHandler.Refresh, authMiddleware)

	// --- Authenticated API ---
	v1 := e.Group("/v1", authMiddleware)
	v1.GET("/me", authHandler.Me)
	v1.POST("/notifications", notificationHandler.Send,
		middleware.RBAC(domain.RoleSuperuser, domain.RoleAdmin, domain.RoleTeacher))

	// --- Health probes (no auth required) ---
	healthHandler := handler.NewHealthHandler()
	e.GET("/health", healthHandler.Liveness)      // liveness  – is the process alive?
	e.GET("/health/ready", r.Readiness.Readiness) // readiness – are dependencies up?
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))

	return nil
}
