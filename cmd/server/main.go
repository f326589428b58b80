package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/campusline/school-backend/internal/api/handler"
	"github.com/campusline/school-backend/internal/bootstrap"
	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
	"github.com/campusline/school-backend/internal/infrastructure/config"
	mongostore "github.com/campusline/school-backend/internal/infrastructure/db/mongo"
	redisstore "github.com/campusline/school-backend/internal/infrastructure/db/redis"
	"github.com/campusline/school-backend/pkg/logger"
)

const (
	serviceName     = "school-api"
	shutdownTimeout = 15 * time.Second
	probeTimeout    = 3 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		// The singleton may not exist yet when configuration fails.
		fatal := zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()
		var ce *domain.ConfigError
		if errors.As(err, &ce) {
			fatal.Fatal().Err(err).Str("component", ce.Component).Msg("invalid configuration, refusing to start")
		}
		fatal.Fatal().Err(err).Msg("server exited with error")
	}
}

// run wires the process and blocks until ctx is cancelled or the server fails.
func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  !cfg.IsProduction(),
		Service: serviceName,
	})

	client, db, err := mongostore.Connect(ctx, mongostore.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		AppName:  serviceName,
	})
	if err != nil {
		return domain.NewConfigError("mongo", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}()

	store := mongostore.NewCredentialStore(db, cfg.Auth.BcryptCost)
	pingers := map[string]handler.Pinger{"mongodb": mongostore.Pinger(db)}
	probe(ctx, log, "mongodb", pingers["mongodb"])

	var lock ports.SeedLock
	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup; seed lock acquisition will be retried")
		}
		defer func() { _ = rdb.Close() }()

		lock = redisstore.NewSeedLock(rdb, cfg.Seed.LockTTL)
		pingers["redis"] = redisstore.Pinger(rdb)
	} else {
		log.Warn().Msg("REDIS_ADDR not set; seeding relies on store indexes only")
	}

	app, err := bootstrap.Run(ctx, cfg, bootstrap.Dependencies{
		Store:    store,
		Accounts: store,
		Lock:     lock,
		Indexes:  store,
		Pingers:  pingers,
	}, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	app.Dispatcher.Start(gctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Bool("tls", cfg.Transport.TLSEnabled()).Msg("http server listening")
		var err error
		if cfg.Transport.TLSEnabled() {
			err = app.Echo.StartTLS(addr, cfg.Transport.TLSCertFile, cfg.Transport.TLSKeyFile)
		} else {
			err = app.Echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received, draining")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		app.Dispatcher.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

func probe(ctx context.Context, log zerolog.Logger, name string, ping handler.Pinger) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := ping(probeCtx); err != nil {
		log.Warn().Err(err).Str("dependency", name).Msg("dependency unreachable at startup")
	}
}
