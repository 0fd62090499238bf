package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/account"
	"github.com/ehr/portal/internal/domain/patient"
	"github.com/ehr/portal/internal/domain/setup"
	"github.com/ehr/portal/internal/platform/apiclient"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/hipaa"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/ratelimit"
	"github.com/ehr/portal/internal/platform/session"
	"github.com/ehr/portal/internal/platform/telemetry"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		switch {
		case err != nil && cfg.NeedsDatabase():
			logger.Error().Err(err).Msg("failed to connect to database")
			return err
		case err != nil:
			logger.Warn().Err(err).Msg("database unavailable, local fallback disabled")
			pool = nil
		default:
			defer pool.Close()
			logger.Info().Msg("connected to database")
		}
	}

	srv, err := newServer(cfg, pool, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build server")
		return err
	}
	defer srv.Close()

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting ehr portal")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// server is the assembled HTTP application and the background workers it
// owns.
type server struct {
	echo    *echo.Echo
	closers []func()
}

// Close stops background workers after the HTTP server has drained.
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServer wires every component. pool may be nil when no postgres-backed
// store is configured.
func newServer(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	metrics := telemetry.New()

	// Audit
	var sink hipaa.AuditSink = hipaa.NewLogSink(logger)
	if cfg.AuditSink == "postgres" {
		async := hipaa.NewAsyncSink(hipaa.NewAuditLogger(pool), 1024, logger)
		srv.closers = append(srv.closers, async.Close)
		sink = hipaa.Tee(sink, async)
	}

	// Attempt limits
	var attempts ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimitStore == "postgres" {
		attempts = ratelimit.NewPGStore(pool)
	}
	verifyLimiter := ratelimit.NewLimiter(attempts, ratelimit.Policy{
		MaxAttempts: cfg.VerifyMaxAttempts,
		Window:      cfg.VerifyWindow,
	}, logger)
	loginLimiter := ratelimit.NewLimiter(attempts, ratelimit.Policy{
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
	}, logger)

	// Sessions
	var sessionStore session.Store = session.NewMemoryStore()
	if cfg.SessionStore == "postgres" {
		enc, err := hipaa.NewPHIEncryptorFromHex(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("session encryption: %w", err)
		}
		sessionStore = session.NewPGStore(pool, enc, logger)
	}
	sessions := session.NewManager(sessionStore, cfg.SessionTTL, cfg.SessionCookieSecure && !cfg.IsDev(), logger)

	secret, generated, err := resolveSessionSecret(cfg.SessionSecret)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn().Msg("SESSION_SECRET not set, using a random secret; access grants will not survive a restart")
	}

	// External API
	api, err := apiclient.New(apiclient.Config{
		BaseURL:       cfg.APIBaseURL,
		Timeout:       cfg.APITimeout,
		RetryMax:      cfg.APIRetryMax,
		OnUnavailable: metrics.UpstreamFailure,
	}, logger)
	if err != nil {
		return nil, err
	}

	// Patient verification
	var localPatients patient.Provider
	var users account.UserRepository
	if pool != nil {
		localPatients = patient.NewPGProvider(pool)
		users = account.NewUserRepo(pool)
	}
	patients := patient.NewFallbackProvider(patient.NewRemoteProvider(api), localPatients, logger)
	gate := patient.NewGate(
		patient.GateConfig{Enabled: cfg.PatientProtectionEnabled},
		patients,
		verifyLimiter,
		patient.NewGrantStore(secret, cfg.GrantTTL),
		sink,
		metrics,
		logger,
	)
	if !gate.Enabled() {
		logger.Warn().Msg("patient record protection is disabled")
	}

	// Login
	opts := account.Options{Users: users}
	if api.Configured() {
		opts.Remote = api
	}
	if cfg.APITokenSecret != "" {
		opts.Tokens = auth.NewTokenVerifier([]byte(cfg.APITokenSecret), "")
	}
	if cfg.AdminUsername != "" && cfg.AdminPasswordHash != "" {
		opts.Bootstrap = &account.LocalUser{
			ID:           "admin:" + cfg.AdminUsername,
			Username:     cfg.AdminUsername,
			Name:         cfg.AdminUsername,
			Role:         "admin",
			PasswordHash: cfg.AdminPasswordHash,
			Active:       true,
		}
	}
	authenticator := account.NewAuthenticator(opts, loginLimiter, sink, metrics, logger)

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID", session.CSRFHeader},
		AllowCredentials: true,
	}))
	rateCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateCfg.RequestsPerSecond <= 0 || rateCfg.BurstSize <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateCfg))
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, logger))
	e.GET("/metrics", metrics.Handler())

	app := e.Group("", session.Attach(sessions))
	if cfg.SetupWizard {
		wizard, err := setup.Open(cfg.SetupConfigFile, db.Ping, logger)
		if err != nil {
			return nil, err
		}
		if !wizard.Complete() {
			logger.Warn().Str("step", string(wizard.Current())).Msg("first-run setup pending, serving the setup wizard")
		}
		e.Use(setup.RequireSetup(wizard))
		setup.NewHandler(wizard, logger).RegisterRoutes(app)
	}
	account.NewHandler(authenticator, sessions, logger).RegisterRoutes(app)

	staff := e.Group("/patients", session.Attach(sessions), session.RequireLogin())
	patient.NewHandler(gate, patients, sessions, logger).RegisterRoutes(staff,
		middleware.Audit(sink, "patient.chart.view", "Patient", "id", logger),
	)

	srv.echo = e
	return srv, nil
}

// resolveSessionSecret decodes the hex SESSION_SECRET or, when it is empty,
// generates a random 32-byte secret. The second return value is true when a
// secret was generated.
func resolveSessionSecret(value string) ([]byte, bool, error) {
	if value != "" {
		decoded, err := hex.DecodeString(value)
		if err != nil {
			return nil, false, fmt.Errorf("invalid SESSION_SECRET hex value: %w", err)
		}
		return decoded, false, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate session secret: %w", err)
	}
	return key, true, nil
}
