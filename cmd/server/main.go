// Package main runs the call and signaling HTTP server with WebSocket and
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulsechat/backend/config"
	"github.com/pulsechat/backend/internal/auth"
	"github.com/pulsechat/backend/internal/calls"
	"github.com/pulsechat/backend/internal/middleware"
	"github.com/pulsechat/backend/internal/presence"
	"github.com/pulsechat/backend/internal/realtime"
	"github.com/pulsechat/backend/internal/signaling"
	"github.com/pulsechat/backend/internal/worker"
	"github.com/pulsechat/backend/pkg/database"
	"github.com/pulsechat/backend/pkg/redis"
	"github.com/pulsechat/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	// Redis is optional: without it events stay instance-local.
	var pubsub *realtime.RedisPubSub
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		pubsub = realtime.NewRedisPubSub(rdb.Client, logger)
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	var hub *realtime.Hub
	if pubsub != nil {
		hub = realtime.NewHub(logger, pubsub, pubsub)
	} else {
		hub = realtime.NewHub(logger, nil, nil)
	}

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Call lifecycle
	callStore := calls.NewRepository(pool)
	callManager := calls.NewManager(callStore, authRepo, logger)
	callHandler := calls.NewHandler(callManager, hub)

	// Signaling relay
	signalStore := signaling.NewRepository(pool)
	relay := signaling.NewRelay(signalStore, hub, logger)
	signalHandler := signaling.NewHandler(relay)

	// Presence projector
	projector := presence.NewProjector(callStore, authRepo)
	presenceHandler := presence.NewHandler(projector)

	// Stale-call reaper
	reaper := worker.NewReaper(callManager, hub, logger,
		time.Duration(cfg.Calls.ReaperIntervalSec)*time.Second,
		time.Duration(cfg.Calls.EmptyCallGraceSec)*time.Second)

	jwtValidate := func(token string) (userID string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID.String(), nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Call lifecycle
		api.POST("/rooms/:roomId/calls", callHandler.Create)
		api.GET("/rooms/:roomId/active-call", callHandler.ActiveCall)
		api.POST("/calls/:id/join", callHandler.Join)
		api.POST("/calls/:id/leave", callHandler.Leave)
		api.POST("/calls/:id/end", callHandler.End)
		api.PATCH("/calls/:id/status", callHandler.UpdateStatus)

		// Presence
		api.GET("/calls/:id/participants", presenceHandler.CallParticipants)

		// Signaling
		api.POST("/calls/:id/signals", signalHandler.Send)
		api.GET("/calls/:id/signals", signalHandler.List)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate, callManager, relay))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go reaper.Run(workerCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
