package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/syncroom/server/internal/config"
	"github.com/syncroom/server/internal/health"
	"github.com/syncroom/server/internal/listener"
	"github.com/syncroom/server/internal/logging"
	"github.com/syncroom/server/internal/middleware"
	"github.com/syncroom/server/internal/ratelimit"
	"github.com/syncroom/server/internal/registry"
	"github.com/syncroom/server/internal/tracing"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		// The logger isn't up yet; this is the one place stderr is used raw.
		os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}

	development := cfg.GoEnv == "development"
	if err := logging.Initialize(development); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return 1
	}
	ctx := context.Background()

	if !development {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.OtlpEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "syncroom", cfg.OtlpEndpoint)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Warn(ctx, "tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	limiter, err := ratelimit.New(redisClient, cfg.RateLimitLoginPerIP, cfg.RateLimitCreatePerKey)
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		return 1
	}

	reg := registry.New().WithGracePeriod(time.Duration(cfg.RoomGraceSeconds) * time.Second)
	lis := listener.New(cfg.ApiPolicy, cfg.ApiKeys, cfg.JwtSecret, reg, limiter)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("syncroom"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = listener.AllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/room", lis.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisClient, reg)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.ListenOn,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info(ctx, "server starting", zap.String("listen_on", cfg.ListenOn), zap.String("env", cfg.GoEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error(ctx, "server failed", zap.Error(err))
		return 1
	case sig := <-quit:
		logging.Info(ctx, "shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
		return 1
	}

	logging.Info(ctx, "server exited cleanly")
	return 0
}
