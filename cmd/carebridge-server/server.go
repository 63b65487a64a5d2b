package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/domain/authn"
	"github.com/carebridge/carebridge/internal/domain/review"
	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/auth"
	"github.com/carebridge/carebridge/internal/platform/blobstore"
	"github.com/carebridge/carebridge/internal/platform/db"
	"github.com/carebridge/carebridge/internal/platform/middleware"
	"github.com/carebridge/carebridge/internal/platform/notification"
	"github.com/carebridge/carebridge/internal/platform/otpstore"
	"github.com/carebridge/carebridge/internal/platform/telemetry"
	"github.com/carebridge/carebridge/internal/platform/token"
)

// app owns the process-level resources. They are created once and injected
// into every component.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Provider

	pool  *pgxpool.Pool
	redis *redis.Client

	accounts *account.Registry
	otp      otpstore.Store
	blobs    blobstore.BlobStore
	email    notification.EmailSender
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewProvider()}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.accounts = account.NewRegistryPG(pool)
		logger.Info().Msg("connected to database")
	case config.DriverMemory:
		a.accounts = account.NewMemoryRegistry()
		logger.Warn().Msg("using in-memory account store; data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	switch cfg.OTPStoreDriver {
	case config.DriverRedis:
		client, err := otpstore.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.otp = otpstore.NewRedisStore(client)
		logger.Info().Msg("connected to redis")
	case config.DriverMemory:
		a.otp = otpstore.NewMemoryStore()
	default:
		a.Close()
		return nil, fmt.Errorf("unknown OTP store driver %q", cfg.OTPStoreDriver)
	}

	blobs, err := blobstore.NewDiskBlobStore(cfg.UploadDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.blobs = blobs

	if cfg.SMTPHost != "" {
		a.email = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		a.email = notification.NewLogSender(logger)
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// Router builds the HTTP server with every route mounted.
func (a *app) Router() (*echo.Echo, error) {
	cfg, logger := a.cfg, a.logger

	tokens, err := token.New(token.Config{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.JWTAccessTTL,
		RefreshTTL:    cfg.JWTRefreshTTL,
		Issuer:        cfg.JWTIssuer,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := notification.NewDispatcher(a.email, nil, logger, notification.WithRetry(2, 200*time.Millisecond))

	challenges := authn.NewChallengeService(a.otp, a.accounts, dispatcher, authn.ChallengeConfig{
		TTL:         cfg.OTPTTL,
		Length:      cfg.OTPLength,
		Retention:   cfg.OTPRetention,
		VerifiedTTL: cfg.OTPVerifiedTTL,
	}, logger, a.metrics)

	orchestrators, err := authn.NewOrchestrators(authn.Deps{
		Accounts:           a.accounts,
		Tokens:             tokens,
		Hasher:             account.NewBcryptHasher(cfg.BcryptCost),
		Challenges:         challenges,
		RequireOTPForReset: cfg.OTPRequireForReset,
		Logger:             logger,
		Metrics:            a.metrics,
	})
	if err != nil {
		return nil, err
	}

	reviews, err := review.NewService(a.accounts, dispatcher, logger, a.metrics)
	if err != nil {
		return nil, err
	}

	var (
		google      *authn.GoogleProvider
		googleState *authn.StateSigner
	)
	if cfg.GoogleEnabled() {
		google = authn.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		// Every instance derives the same key, so any of them can finish a
		// flow another one started.
		googleState, err = authn.NewStateSigner(cfg.JWTRefreshSecret, 10*time.Minute)
		if err != nil {
			return nil, err
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(middleware.BodyLimit("1M", "12M"))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           5 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	jwtMW := auth.JWTMiddleware(tokens)

	// Auth
	authGroup := e.Group("/auth", middleware.RateLimit(rateLimitCfg))
	authn.NewHandler(authn.HandlerConfig{
		Orchestrators: orchestrators,
		Challenges:    challenges,
		Accounts:      a.accounts,
		Uploader:      blobstore.NewUploader(a.blobs, cfg.PublicBaseURL),
		Verifier:      tokens,
		Google:        google,
		GoogleState:   googleState,
		Cookies: authn.CookieConfig{
			Secure:     cfg.IsProduction(),
			AccessTTL:  tokens.AccessTTL(),
			RefreshTTL: tokens.RefreshTTL(),
		},
		FrontendURL: cfg.FrontendURL,
		Logger:      logger,
	}).RegisterRoutes(authGroup, jwtMW)

	// Review
	review.NewHandler(reviews).RegisterRoutes(e.Group(""), jwtMW)

	// Uploaded documents
	blobstore.NewBlobHandler(a.blobs).RegisterRoutes(e.Group("/uploads"))

	// Ops
	e.GET("/health", func(c echo.Context) error {
		return apperr.JSON(c, http.StatusOK, "ok", map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }, a.metrics))
	}
	e.GET("/metrics", a.metrics.PrometheusHandler())

	return e, nil
}
