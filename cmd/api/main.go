package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"research-job-service/internal/config"
	"research-job-service/internal/logger"
	"research-job-service/internal/repository/postgresql"
	"research-job-service/internal/service"
	httptransport "research-job-service/internal/transport/http"
)

// @title Research Job Service API
// @version 1.0
// @BasePath /
func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	// env vars may also come from the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(envOr("CONFIG_FILE", "config.yaml"))
	if err != nil {
		return err
	}
	lg := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.DSN == "" {
		return errors.New("missing POSTGRES_DSN")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("missing REDIS_ADDR")
	}

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("pg: %w", err)
	}
	defer pool.Close()

	if cfg.Postgres.Migrate {
		if err := postgresql.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("pg migrate: %w", err)
		}
		lg.Info("schema migrated")
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	// DI
	repo := postgresql.NewJobRepository(pool)
	low, normal, high := service.LanesFor(cfg.Redis.QueueKey, cfg.Redis.ProcessingKey)
	queue := service.NewRedisPriorityQueue(rdb, cfg.Redis.ProcessingMapKey(), low, normal, high)
	bus := service.NewEventBus(rdb, cfg.Redis.EventPrefix, lg)
	jobs := service.NewJobService(repo, queue, bus, lg)
	h := httptransport.NewHandler(jobs, bus, cfg.Stream.Heartbeat, lg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httptransport.Routes(h, cfg.Server.AllowedOrigins, lg),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		// no WriteTimeout: event streams stay open
		// request contexts end with ctx so streams unblock on shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	started := time.Now()
	errCh := make(chan error, 1)
	go func() {
		lg.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lg.Info("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("graceful shutdown incomplete", "error", err)
		_ = srv.Close()
	}

	lg.Info("api stopped", "uptime", time.Since(started).Round(time.Second).String())
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
