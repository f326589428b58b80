// Package bootstrap runs the startup sequence that must complete before the
// process serves traffic. Configuration failures abort startup; seeding
// failures are reported and tolerated.
package bootstrap

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/campusline/school-backend/internal/api"
	"github.com/campusline/school-backend/internal/api/handler"
	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/api/transport"
	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
	"github.com/campusline/school-backend/internal/core/service"
	"github.com/campusline/school-backend/internal/infrastructure/config"
	"github.com/campusline/school-backend/internal/realtime"
)

// IndexEnsurer is implemented by stores that need schema constraints in place
// before seeding relies on them.
type IndexEnsurer interface {
	EnsureIndexes(ctx context.Context) error
}

// Dependencies are the already-connected collaborators Run wires together.
type Dependencies struct {
	Store    ports.CredentialStore
	Accounts ports.AccountRepository
	// Lock is optional; without it seeding is only guarded by the store's
	// unique indexes.
	Lock    ports.SeedLock
	Indexes IndexEnsurer
	Pingers map[string]handler.Pinger

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// SeedNotice receives a generated superuser password; defaults to stderr.
	SeedNotice io.Writer
	Now        func() time.Time
}

// App is a fully wired, ready process.
type App struct {
	Echo       *echo.Echo
	Tokens     *service.TokenService
	Gateway    *realtime.Gateway
	Dispatcher *realtime.Dispatcher
	SeedReport service.SeedReport

	readiness *handler.ReadinessHandler
	log       zerolog.Logger
}

// MarkReady makes /health/ready answer 200.
func (a *App) MarkReady() { a.readiness.MarkReady() }

// Ready reports whether startup has finished.
func (a *App) Ready() bool { return a.readiness.Ready() }

// Shutdown closes realtime connections with server_shutdown, then stops the
// HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	a.Gateway.Shutdown()
	return a.Echo.Shutdown(ctx)
}

// Run executes the startup sequence in order:
//
//  1. token service   (fatal)
//  2. role seeding    (non-fatal, bounded by cfg.Seed.Timeout)
//  3. transport policy installed before any route (fatal)
//  4. REST routes and realtime gateway (fatal)
//  5. ready
func Run(ctx context.Context, cfg *config.Config, deps Dependencies, log zerolog.Logger) (*App, error) {
	if cfg == nil {
		return nil, domain.NewConfigError("bootstrap", errors.New("nil config"))
	}
	if deps.Store == nil || deps.Accounts == nil {
		return nil, domain.NewConfigError("bootstrap", errors.New("credential store is required"))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	// 1. Credentials.
	tokens, err := service.NewTokenService(service.TokenConfig{
		Secret: []byte(cfg.Auth.JWTSecret),
		TTL:    cfg.Auth.TokenTTL,
		Issuer: cfg.Auth.Issuer,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Dur("ttl", tokens.TTL()).Msg("token service configured")

	// 2. Seeding.
	report := seed(ctx, cfg.Seed, deps, log)

	// 3. Transport policy, before any route exists.
	if cfg.Transport.RequireHTTPS && !cfg.Transport.TrustForwardedProto && !cfg.Transport.TLSEnabled() {
		return nil, domain.NewConfigError("transport_policy",
			errors.New("REQUIRE_HTTPS is set but no TLS listener or trusted proxy is configured; "+
				"set TLS_CERT_FILE/TLS_KEY_FILE or TRUST_FORWARDED_PROTO"))
	}
	policy, err := transport.NewPolicy(transport.PolicyConfig{
		AllowedOrigins:      cfg.Transport.AllowedOrigins,
		AllowCredentials:    cfg.Transport.AllowCredentials,
		RequireHTTPS:        cfg.Transport.RequireHTTPS,
		TrustForwardedProto: cfg.Transport.TrustForwardedProto,
	})
	if err != nil {
		return nil, err
	}
	e := api.NewServer(api.ServerOptions{Log: log, Registerer: deps.Registerer})
	if err := policy.Install(e); err != nil {
		return nil, err
	}
	log.Info().
		Strs("allowed_origins", cfg.Transport.AllowedOrigins).
		Bool("require_https", cfg.Transport.RequireHTTPS).
		Bool("tls", cfg.Transport.TLSEnabled()).
		Msg("transport policy installed")

	// 4. Routes and realtime.
	gateway, err := realtime.NewGateway(tokens, policy, realtime.GatewayConfig{
		PingInterval:       cfg.Realtime.PingInterval,
		PongTimeout:        cfg.Realtime.PongTimeout,
		RevalidateInterval: cfg.Realtime.RevalidateInterval,
		MaxMessageBytes:    cfg.Realtime.MaxMessageBytes,
		MessagesPerSecond:  cfg.Realtime.MessagesPerSecond,
		Burst:              cfg.Realtime.Burst,
		Now:                now,
	}, log)
	if err != nil {
		return nil, err
	}
	dispatcher := realtime.NewDispatcher(cfg.Realtime.NotifyWorkers, gateway, log)
	readiness := handler.NewReadinessHandler(deps.Pingers)

	authService := service.NewAuthService(deps.Accounts, deps.Store, tokens)
	if err := api.RegisterRoutes(e, api.Routes{
		Auth:       authService,
		Tokens:     tokens,
		Dispatcher: dispatcher,
		Readiness:  readiness,
		Gatherer:   deps.Gatherer,
		Now:        now,
	}); err != nil {
		return nil, err
	}
	if err := gateway.Mount(e, cfg.Realtime.Path); err != nil {
		return nil, err
	}

	app := &App{
		Echo:       e,
		Tokens:     tokens,
		Gateway:    gateway,
		Dispatcher: dispatcher,
		SeedReport: report,
		readiness:  readiness,
		log:        log,
	}

	// 5. Ready.
	app.MarkReady()
	log.Info().Bool("seed_ok", report.OK()).Msg("bootstrap complete")
	return app, nil
}

func seed(ctx context.Context, cfg config.SeedConfig, deps Dependencies, log zerolog.Logger) service.SeedReport {
	seedCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		seedCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var indexErr error
	if deps.Indexes != nil {
		indexErr = deps.Indexes.EnsureIndexes(seedCtx)
	}

	seeder := service.NewRoleSeeder(deps.Store, deps.Lock, service.SeedConfig{
		Username: cfg.Username,
		Email:    cfg.Email,
		Password: cfg.Password,
		Notice:   deps.SeedNotice,
	}, log)
	report := seeder.Run(seedCtx)
	if indexErr != nil {
		report.Errors = append([]error{&domain.SeedingError{Step: "ensure_indexes", Err: indexErr}}, report.Errors...)
	}

	outcome := "ok"
	if !report.OK() {
		outcome = "degraded"
		for _, err := range report.Errors {
			log.Error().Err(err).Msg("seeding step failed; continuing startup")
		}
	}
	metrics.SeedRunsTotal.WithLabelValues(outcome).Inc()

	log.Info().
		Strs("created_roles", roleNames(report.CreatedRoles)).
		Bool("superuser_created", report.SuperuserCreated).
		Int("errors", len(report.Errors)).
		Msg("role seeding finished")
	return report
}

func roleNames(roles []domain.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
