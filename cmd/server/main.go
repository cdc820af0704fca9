package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/audit"
	"github.com/habitflow/credits-server-go/internal/config"
	"github.com/habitflow/credits-server-go/internal/database"
	"github.com/habitflow/credits-server-go/internal/events"
	"github.com/habitflow/credits-server-go/internal/handler"
	"github.com/habitflow/credits-server-go/internal/jobs"
	"github.com/habitflow/credits-server-go/internal/metrics"
	"github.com/habitflow/credits-server-go/internal/middleware"
	"github.com/habitflow/credits-server-go/internal/redis"
	"github.com/habitflow/credits-server-go/internal/repository"
	"github.com/habitflow/credits-server-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)
	isProduction := cfg.IsProduction()
	if isProduction {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	grantLocation, _ := cfg.GrantLocation()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.MigrateOnStart {
		if err := database.Migrate(context.Background(), db.DB.DB, "up"); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	var windowStore service.WindowStore
	var memoryWindows *service.MemoryWindowStore
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		windowStore = service.NewRedisWindowStore(redisClient.Client)
		log.Info().Msg("redis connected")
	} else {
		memoryWindows = service.NewMemoryWindowStore()
		windowStore = memoryWindows
		log.Warn().Msg("REDIS_URL not set: rate limit windows are kept in process memory")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NatsURL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NatsURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		publisher = natsPublisher
		log.Info().Msg("nats connected")
	}
	defer publisher.Close()

	accountRepo := repository.NewAccountRepository(db.DB)
	ledgerRepo := repository.NewLedgerRepository(db.DB)
	auditRepo := repository.NewAuditLogRepository(db.DB)
	adminSessionRepo := repository.NewAdminSessionRepository(db.DB)

	ledger := service.NewCreditLedger(ledgerRepo, accountRepo, publisher, service.LedgerConfig{
		DailyGrantAmount: cfg.DailyGrantAmount,
		GrantLocation:    grantLocation,
		MaxAttempts:      cfg.LedgerMaxAttempts,
	})
	gate := service.NewEntitlementGate(accountRepo, service.NewFeatureCatalog(cfg.FeatureCosts, cfg.FeatureMinTiers))
	limiter := service.NewRateLimiter(windowStore, config.FeatureRateLimitClass, cfg.RateLimitWindow(), cfg.TierLimits())
	featureService := service.NewFeatureService(gate, limiter, ledger)
	recorder := audit.NewRecorder(auditRepo, publisher)
	moderationService := service.NewModerationService(accountRepo, ledger, recorder, cfg.SignupBonusCredits)
	adminAuthService := service.NewAdminAuthService(adminSessionRepo, accountRepo, service.AdminAuthConfig{
		SessionSecret:    cfg.AdminSessionSecret,
		SessionTTL:       config.AdminSessionTTL,
		ReverifyWindow:   cfg.AdminReverifyWindow(),
		LockoutThreshold: cfg.AdminLockoutThreshold,
		LockoutDuration:  cfg.AdminLockoutDuration(),
	})

	if err := adminAuthService.Bootstrap(context.Background(), cfg.BootstrapAdminEmail, cfg.BootstrapAdminPasswordHash); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap admin")
	}

	authMiddleware := middleware.NewAuthMiddleware(accountRepo)
	apiRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(windowStore, cfg.IPRateLimitPerMinute, time.Minute, "api")
	adminSessionMiddleware := middleware.NewAdminSessionMiddleware(adminAuthService)
	loginRateLimiter := middleware.NewLoginRateLimiter(windowStore)
	csrfMiddleware := middleware.NewCSRFMiddleware(isProduction)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	creditsHandler := handler.NewCreditsHandler(ledger, limiter, gate, featureService)
	adminHandler := handler.NewAdminHandler(
		adminAuthService, moderationService, adminSessionMiddleware, loginRateLimiter.Handler, isProduction,
	)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check: database ping failed")
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"timestamp": time.Now().UnixMilli(),
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(apiRateLimitMiddleware.Handler)
		r.Use(authMiddleware.Handler)
		r.Mount("/", creditsHandler.Routes())
	})

	if cfg.PurchaseCallbackSecret != "" {
		purchaseHandler := handler.NewPurchaseHandler(ledger)
		signatureMiddleware := middleware.NewSignatureMiddleware(cfg.PurchaseCallbackSecret)
		r.Route("/callbacks", func(r chi.Router) {
			r.Use(signatureMiddleware.Handler)
			r.Mount("/", purchaseHandler.Routes())
		})
	} else {
		log.Warn().Msg("PURCHASE_CALLBACK_SECRET is not set: purchase callbacks are disabled")
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(csrfMiddleware.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(adminSessionRepo, pruner(memoryWindows), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// pruner keeps a nil *MemoryWindowStore from becoming a non-nil interface.
func pruner(store *service.MemoryWindowStore) jobs.WindowPruner {
	if store == nil {
		return nil
	}
	return store
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
