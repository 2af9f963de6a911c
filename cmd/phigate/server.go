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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/phigate/internal/config"
	"github.com/ehr/phigate/internal/platform/auth"
	"github.com/ehr/phigate/internal/platform/db"
	"github.com/ehr/phigate/internal/platform/hipaa"
	"github.com/ehr/phigate/internal/platform/middleware"
	"github.com/ehr/phigate/internal/platform/phiaccess"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newAuthMiddleware picks the authenticator for the resolved auth mode.
func newAuthMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case "development":
		return auth.DevAuthMiddleware(auth.DevAuthConfig{FacilityID: cfg.DevFacilityID})
	case "jwks":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	}
}

// newLimiterStore returns the Redis store when REDIS_URL is set, otherwise a
// process-local one. The returned checks feed the readiness endpoint.
func newLimiterStore(cfg *config.Config, logger zerolog.Logger) (phiaccess.LimiterStore, []db.Check, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set; emergency rate limit is per process")
		return phiaccess.NewMemoryLimiterStore(), nil, func() {}, nil
	}
	store, err := phiaccess.NewRedisLimiterStore(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	checks := []db.Check{{Name: "redis", Ping: store.Ping}}
	return store, checks, func() { _ = store.Close() }, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Emergency limiter
	limiterStore, checks, closeLimiter, err := newLimiterStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("create emergency limiter store: %w", err)
	}
	defer closeLimiter()

	// Audit sink
	var (
		auditStore  phiaccess.AuditStore
		exportStore hipaa.ExportWriter
		memAudit    *hipaa.MemoryAuditStore
	)
	if cfg.UseMemoryAuditStore() {
		memAudit = hipaa.NewMemoryAuditStore()
		auditStore = memAudit
		exportStore = hipaa.NewMemoryExportWriter()
		logger.Warn().Msg("PHI access audit kept in memory; records are lost on restart")
	} else {
		auditStore = hipaa.NewAuditLogger(pool)
		exportStore = hipaa.NewPGExportWriter(pool)
	}
	emitter := phiaccess.NewEmitter(auditStore, logger, cfg.AuditWriteTimeout)

	// Decision engine
	cases := phiaccess.NewCaseRepoPG(pool)
	facilityConfig := phiaccess.NewCachedConfigSource(phiaccess.NewConfigRepoPG(pool), cfg.FacilityConfigCacheTTL)
	window := phiaccess.NewWindowEvaluator(cases, facilityConfig, phiaccess.ClinicalCareWindow{
		PreOpDays:          cfg.ClinicalPreOpDays,
		PostCompletionDays: cfg.ClinicalPostCompleteDays,
	}, logger)
	engine := phiaccess.NewEngine(phiaccess.EngineConfig{
		Affiliations:           phiaccess.NewAffiliationRepoPG(pool),
		Cases:                  cases,
		Window:                 window,
		Limiter:                phiaccess.NewEmergencyRateLimiter(limiterStore, cfg.EmergencyRateLimit, cfg.EmergencyRateWindow),
		Emitter:                emitter,
		MinJustificationLength: cfg.EmergencyMinJustification,
		Logger:                 logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader,
			middleware.PurposeHeader, middleware.JustificationHeader},
	}))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(newAuthMiddleware(cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/ready", db.HealthHandler(pool, checks...))

	registerRoutes(e, routeDeps{
		engine:  engine,
		logger:  logger,
		exports: hipaa.NewExportHandler(hipaa.NewExportLedger(exportStore, logger, cfg.AuditWriteTimeout*2)),
		audit:   memAudit,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := emitter.Drain(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("pending audit writes did not finish")
	}
	logger.Info().Msg("server stopped")
	return nil
}
