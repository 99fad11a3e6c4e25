package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/adapter/handler"
	"github.com/dnguyenv/storefront/internal/adapter/storage"
	"github.com/dnguyenv/storefront/internal/config"
	"github.com/dnguyenv/storefront/internal/core/service"
	"github.com/dnguyenv/storefront/internal/pkg/logging"
	"github.com/dnguyenv/storefront/internal/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.MustNewLogger("storefront", cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatal("mysql open failed", zap.Error(err))
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("mysql ping failed", zap.Error(err))
	}
	logger.Info("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
	}
	logger.Info("connected to redis")

	// Adapters and services
	store := storage.NewMySQLStore(db)
	cache := storage.NewRedisCache(rdb)

	checkout := service.NewCheckout(store, cache, logger, cfg.CheckoutTimeout)
	payments := service.NewPayments(store, cache, logger)
	reviews := service.NewReviews(store, logger)
	carts := service.NewCarts(store, logger)

	// HTTP server
	h := handler.NewHTTPHandler(checkout, payments, reviews, carts)
	router := h.Routes()
	router.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("http server stopped")

	rdb.Close()
	db.Close()
	logger.Info("connections closed")
}
