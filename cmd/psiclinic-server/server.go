package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/psiclinic/api/internal/config"
	"github.com/psiclinic/api/internal/domain/application"
	"github.com/psiclinic/api/internal/domain/scale"
	"github.com/psiclinic/api/internal/platform/auth"
	"github.com/psiclinic/api/internal/platform/db"
	"github.com/psiclinic/api/internal/platform/middleware"
	"github.com/psiclinic/api/internal/platform/notification"
)

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

type services struct {
	scales        *scale.Service
	applications  *application.Service
	notifications *notification.Notifier
}

func newServices(cfg *config.Config, q db.Querier, clock clockwork.Clock, logger zerolog.Logger) *services {
	scaleRepo := scale.NewScaleRepoPG(q)
	notifier := notification.NewNotifier(notification.NewStorePG(q), notification.NewTemplateEngine(), logger)
	return &services{
		scales: scale.NewService(scaleRepo, cfg.ScaleCacheTTL, clock, logger),
		applications: application.NewService(
			application.NewApplicationRepoPG(q),
			scaleRepo,
			application.NewPatientDirectoryPG(q),
			notifier,
			clock,
			logger,
		),
		notifications: notifier,
	}
}

// liveness reports that the process serves requests. It does not touch the
// database; /health/db does.
func liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// newEcho builds the HTTP surface. pinger backs the database health check.
func newEcho(cfg *config.Config, svcs *services, pinger db.Pinger, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", liveness)
	e.GET("/health/db", db.HealthHandler(pinger))

	// Rate limiting is keyed by caller, so it runs after auth.
	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	scale.NewHandler(svcs.scales).RegisterRoutes(apiV1)
	application.NewHandler(svcs.applications).RegisterRoutes(apiV1)
	notification.NewHandler(svcs.notifications).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().
			Str("user_id", auth.DevUserID).
			Msg("development auth is active: requests without a token act as admin")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	clock := clockwork.NewRealClock()
	svcs := newServices(cfg, pool, clock, logger)
	e := newEcho(cfg, svcs, pool, logger)

	var sweeper *application.Sweeper
	if cfg.SweepEnabled() {
		sweeper, err = application.NewSweeper(svcs.applications, cfg.SweepSchedule, clock, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create sweeper")
		}
		sweeper.Start()
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sweeper != nil {
		select {
		case <-sweeper.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn().Msg("sweep still running at shutdown")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	svcs.applications.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
