package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/marketlens/backend/internal/audit"
	"github.com/marketlens/backend/internal/authn"
	"github.com/marketlens/backend/internal/config"
	"github.com/marketlens/backend/internal/credential"
	"github.com/marketlens/backend/internal/health"
	"github.com/marketlens/backend/internal/lockout"
	"github.com/marketlens/backend/internal/logger"
	"github.com/marketlens/backend/internal/metrics"
	mw "github.com/marketlens/backend/internal/middleware"
	"github.com/marketlens/backend/internal/ratelimit"
	"github.com/marketlens/backend/internal/repository"
	"github.com/marketlens/backend/internal/session"
	"github.com/marketlens/backend/internal/token"
)

var version = "dev"

func main() {
	cfg := config.Load()

	if cfg.JWT.AccessSecret == "" {
		log.Fatal("JWT_ACCESS_SECRET environment variable is required")
	}
	if cfg.JWT.RefreshSecret == "" {
		log.Fatal("JWT_REFRESH_SECRET environment variable is required")
	}

	appLogger := logger.New(logger.Config{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
		Output: "stdout",
	})

	dbPool, err := setupDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbPool.Close()

	// A small separate pool over database/sql for the sqlx-backed
	// admin queries.
	sqlxDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("Failed to open sqlx connection: %v", err)
	}
	sqlxDB.SetMaxOpenConns(5)
	defer sqlxDB.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}

	// Repositories
	identityRepo := repository.NewIdentityRepository(dbPool)
	lockoutRepo := repository.NewLockoutRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	eventRepo := repository.NewEventRepository(dbPool)
	eventQuery := repository.NewEventQueryStore(sqlxDB)

	// Services
	hasher := credential.NewHasher(credential.Argon2Params{
		Memory:      cfg.Password.Argon2Memory,
		Iterations:  cfg.Password.Argon2Iterations,
		Parallelism: cfg.Password.Argon2Parallelism,
	})
	credStore := credential.NewStore(identityRepo, hasher, cfg.Password.HistoryDepth, appLogger)

	lockoutEngine := lockout.NewEngine(lockoutRepo, lockout.Config{
		Window:                 cfg.Lockout.Window,
		EscalationCooldown:     cfg.Lockout.EscalationCooldown,
		PermanentAfterLockouts: cfg.Lockout.PermanentAfterLockouts,
	}, appLogger)

	sessionRegistry := session.NewRegistry(sessionRepo, session.Config{
		TTL:               cfg.JWT.RefreshTokenExpiry,
		RekeyInterval:     cfg.Session.RekeyInterval,
		HijackMode:        cfg.Session.HijackMode,
		FingerprintWindow: cfg.Session.FingerprintWindow,
		RevokeAllOnReuse:  cfg.Session.RevokeAllOnReuse,
	}, appLogger)

	tokenService := token.NewService(token.Config{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessTTL:     cfg.JWT.AccessTokenExpiry,
		RefreshTTL:    cfg.JWT.RefreshTokenExpiry,
		Issuer:        cfg.JWT.Issuer,
	})

	var limiterStore ratelimit.Store
	var memoryStore *ratelimit.MemoryStore
	if redisClient != nil {
		limiterStore = ratelimit.NewRedisStore(redisClient)
	} else {
		memoryStore = ratelimit.NewMemoryStore(5 * time.Minute)
		limiterStore = memoryStore
	}
	limiter := ratelimit.NewLimiter(limiterStore, appLogger)

	recorder := audit.NewRecorder(eventRepo, cfg.Audit.BufferSize, appLogger)

	authService := authn.NewService(
		credStore,
		lockoutEngine,
		sessionRegistry,
		tokenService,
		limiter,
		recorder,
		identityRepo,
		eventQuery,
		authn.Config{
			LoginRule: ratelimit.Rule{
				Limit:          cfg.RateLimit.LoginLimit,
				Window:         cfg.RateLimit.Window,
				ChallengeAfter: cfg.RateLimit.ChallengeAfter,
			},
			RefreshRule: ratelimit.Rule{
				Limit:  cfg.RateLimit.RefreshLimit,
				Window: cfg.RateLimit.Window,
			},
			PasswordRule: ratelimit.Rule{
				Limit:  cfg.RateLimit.PasswordLimit,
				Window: cfg.RateLimit.Window,
			},
		},
		appLogger,
	)

	authHandler := authn.NewHandler(authService, appLogger)
	gate := mw.NewGate(tokenService, sessionRegistry, recorder)
	healthHandler := health.NewHandler(health.Config{
		DBPool:      dbPool,
		RedisClient: redisClient,
		Version:     version,
	})

	// Router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(mw.NewLoggingMiddleware(appLogger).Handler)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{getEnv("CORS_ORIGIN", "http://localhost:3000")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Readiness)
	r.Get("/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	// Per-IP limits are a multiple of the per-identity limits enforced
	// inside the service: many identities can share one NAT egress.
	mult := cfg.RateLimit.PerIPMultiplier
	if mult < 1 {
		mult = 1
	}
	r.Route("/api/v1", func(r chi.Router) {
		authn.RegisterRoutes(r, authHandler, gate, limiter, authn.RouteLimits{
			Login: ratelimit.Rule{
				Limit:          cfg.RateLimit.LoginLimit * mult,
				Window:         cfg.RateLimit.Window,
				ChallengeAfter: cfg.RateLimit.ChallengeAfter * mult,
			},
			Refresh: ratelimit.Rule{
				Limit:  cfg.RateLimit.RefreshLimit * mult,
				Window: cfg.RateLimit.Window,
			},
			Password: ratelimit.Rule{
				Limit:  cfg.RateLimit.PasswordLimit * mult,
				Window: cfg.RateLimit.Window,
			},
		})
	})

	// Background workers
	dbStats := metrics.NewDBStatsCollector(dbPool, sqlxDB.DB)
	dbStats.Start(15 * time.Second)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go runSessionSweeper(workerCtx, sessionRegistry, appLogger)

	if cfg.Audit.S3Bucket != "" {
		archiver := audit.NewArchiver(eventRepo, audit.ArchiverConfig{
			Retention:       cfg.Audit.Retention,
			Interval:        time.Hour,
			Bucket:          cfg.Audit.S3Bucket,
			Region:          cfg.Audit.S3Region,
			Endpoint:        cfg.Audit.S3Endpoint,
			AccessKeyID:     cfg.Audit.S3AccessKey,
			SecretAccessKey: cfg.Audit.S3SecretKey,
			UseSSL:          true,
		}, appLogger)
		go archiver.Run(workerCtx)
	}

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("starting server", "addr", addr, "version", version)
		healthHandler.SetReady(true)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down server")
	healthHandler.SetReady(false)
	stopWorkers()
	dbStats.Stop()
	if memoryStore != nil {
		memoryStore.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Flush buffered security events before exiting.
	recorder.Close()
	appLogger.Info("server exited")
}

// runSessionSweeper deletes expired session rows on an hourly cadence.
func runSessionSweeper(ctx context.Context, registry *session.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := registry.DeleteExpired(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				logger.Error("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("swept expired sessions", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
