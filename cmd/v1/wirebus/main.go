package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/wirebus/wirebus/internal/v1/config"
	"github.com/wirebus/wirebus/internal/v1/health"
	"github.com/wirebus/wirebus/internal/v1/keys"
	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/middleware"
	"github.com/wirebus/wirebus/internal/v1/ratelimit"
	"github.com/wirebus/wirebus/internal/v1/store"
	"github.com/wirebus/wirebus/internal/v1/tracing"
	"github.com/wirebus/wirebus/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "wirebus", cfg.OTLPAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
		slog.Info("✅ Tracing initialized", "collector", cfg.OTLPAddr)
	}

	// --- Durable KV store (optional) ---
	// Log buckets and usage counters live in Redis; without it the bus
	// still routes, with archival and replay disabled.
	var kv *store.Store
	if cfg.RedisEnabled {
		kv, err = store.New(cfg.RedisAddr, cfg.RedisPassword, store.Options{
			RetentionHours: cfg.LogRetentionHours,
			MaxLogsPerHour: cfg.MaxLogsPerHour,
		})
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			kv = nil
		} else {
			slog.Info("✅ Redis store initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Credential store ---
	db, err := keys.OpenDB(keys.DBConfig{
		Driver: cfg.DBDriver,
		DSN:    cfg.DatabaseDSN,
		Logger: logging.GetLogger(),
	})
	if err != nil {
		slog.Error("Failed to open credential database", "error", err)
		os.Exit(1)
	}
	keySvc := keys.NewService(db)
	slog.Info("✅ Credential store initialized", "driver", cfg.DBDriver)

	// --- Rate limiting ---
	rateLimiter, err := ratelimit.New(cfg.RateLimitWsIP, cfg.RateLimitAPIKey, kv.Client())
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	hub := transport.NewHub(cfg, kv, keySvc, rateLimiter)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("wirebus"))
	}

	// CORS: wide open by design, with the WebSocket handshake headers
	// allowed explicitly and preflights cached for a day.
	corsCfg := cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "HEAD"},
		AllowHeaders: []string{
			"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin",
			"Upgrade", "Connection",
			"Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol",
		},
		MaxAge: 24 * time.Hour,
	}
	router.Use(cors.New(corsCfg))

	// Routing
	healthHandler := health.NewHandler(kv, db)
	router.GET("/health", func(c *gin.Context) {
		// With a projectId this is the room-level probe, without it the
		// worker-level one.
		if c.Query("projectId") != "" {
			hub.RoomHealth(c)
			return
		}
		healthHandler.Liveness(c)
	})
	router.GET("/health/ready", healthHandler.Readiness)

	router.GET("/websocket", hub.ServeWs)
	router.GET("/status", hub.Status)
	router.GET("/usage", hub.Usage)

	keysGroup := router.Group("/api-keys",
		rateLimiter.APIKeysMiddleware(),
		keys.RequireServiceKey(cfg.ServiceKey),
	)
	keys.NewHandler(keySvc).Register(keysGroup)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("wirebus server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all rooms first so clients receive a normal closure frame.
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if kv != nil {
		if err := kv.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	slog.Info("Server exiting")
}
