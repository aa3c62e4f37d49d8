package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/v1/authz"
	"github.com/planningpoker/core/internal/v1/bus"
	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/planningpoker/core/internal/v1/config"
	"github.com/planningpoker/core/internal/v1/gateway"
	"github.com/planningpoker/core/internal/v1/health"
	"github.com/planningpoker/core/internal/v1/logging"
	"github.com/planningpoker/core/internal/v1/middleware"
	"github.com/planningpoker/core/internal/v1/ratelimit"
	"github.com/planningpoker/core/internal/v1/registry"
	"github.com/planningpoker/core/internal/v1/roomactor"
	"github.com/planningpoker/core/internal/v1/store"
	"github.com/planningpoker/core/internal/v1/tracing"
)

func main() {
	envPaths := []string{".env", "../../.env", "../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "planningpoker-core", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Error(ctx, "failed to connect to postgres", zap.Error(err))
		os.Exit(1)
	}
	defer pgStore.Close()

	var redisClient *redis.Client
	var busSvc *bus.Service
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Error(ctx, "failed to connect to redis", zap.Error(err))
			os.Exit(1)
		}
		busSvc = bus.NewService(redisClient)
		defer busSvc.Close()
	} else {
		logging.Warn(ctx, "redis disabled: cross-node fan-out and distributed rate limiting are unavailable")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		os.Exit(1)
	}

	var validator authz.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled via SKIP_AUTH - do not use in production")
		validator = &authz.MockValidator{}
	} else {
		jwksURL := "https://" + cfg.Auth0Domain + "/.well-known/jwks.json"
		v, err := authz.NewValidator(ctx, "https://"+cfg.Auth0Domain+"/", cfg.Auth0Audience, jwksURL)
		if err != nil {
			logging.Error(ctx, "failed to initialize token validator", zap.Error(err))
			os.Exit(1)
		}
		validator = v
	}

	realClock := clock.Real{}

	connRegistry := registry.New(busSvc)

	manager := roomactor.NewManager(roomactor.ManagerConfig{
		Store:       pgStore,
		Bus:         busSvc,
		Registry:    connRegistry,
		Clock:       realClock,
		Limits:      roomactor.DefaultLimits(),
		IdleTimeout: cfg.IdleRoomUnload,
		GraceWindow: cfg.GracePeriod,
		ReplayMax:   cfg.ReplayMaxEvents,
		ReplayAge:   cfg.ReplayWindow,
	})

	gw := gateway.New(gateway.Config{
		Validator:        validator,
		Store:            pgStore,
		Manager:          manager,
		Registry:         connRegistry,
		RateLimit:        rateLimiter,
		Clock:            realClock,
		AllowedOrigins:   cfg.AllowedOrigins,
		JoinDeadline:     cfg.JoinDeadline,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		RoomCapacity:     cfg.RoomCapacity,
		FreeTierCapacity: cfg.FreeTierCapacity,
	})

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/room/:roomId", gw.ServeWs)
	}

	healthHandler := health.NewHandler(busSvc, pgStore.Pool())
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "planning poker core listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down: draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()

	manager.ShutdownAll(cfg.ShutdownDrain)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "shutdown complete")
}
