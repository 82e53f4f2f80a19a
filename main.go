package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waschedule/internal/config"
	"waschedule/internal/gateway"
	"waschedule/internal/handler"
	"waschedule/internal/mstore"
	"waschedule/internal/pkg/gpostgresql"
	"waschedule/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/useinsider/go-pkg/inslogger"
	"github.com/useinsider/go-pkg/insredis"
)

// @title WhatsApp Schedule Delivery API
// @version 1.0
// @description Schedules outbound WhatsApp messages (text or image with caption) and delivers them when due.

// @host localhost:8080
// @BasePath /api
func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	cfg := config.ReadEnvironment(ctx)

	logger := inslogger.NewLogger(inslogger.Debug)

	pool, err := gpostgresql.NewDBConnection(ctx, &cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer gpostgresql.Close(ctx, pool, logger)

	var redisClient insredis.RedisInterface
	if cfg.Redis.Host != "" {
		redisClient = insredis.Init(insredis.Config{
			RedisHost:     cfg.Redis.Host,
			RedisPoolSize: cfg.Redis.PoolSize,
		})
	} else {
		logger.Warn("REDIS_HOST not set, caching disabled")
	}

	if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
		log.Fatalf("Failed to create uploads directory: %v", err)
	}

	store := mstore.NewPostgresStore(pool, logger)
	sender := gateway.NewClient(&cfg.Gateway, logger)
	deliveryWorker := worker.New(store, sender, logger, cfg.Worker.Interval, cfg.Worker.BatchSize)

	router := gin.Default()
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.Static("/uploads", cfg.Uploads.Dir)

	h := handler.NewScheduleHandler(store, deliveryWorker, sender, logger, redisClient, cfg.Uploads.Dir)
	h.Routes(router)

	deliveryWorker.Start()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Logf("HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log("Shutting down")

	// Stop the worker first so the in-flight poll cycle drains before the
	// pool is closed.
	deliveryWorker.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown error: %v", err)
	}
}
