// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"research-job-service/internal/config"
	"research-job-service/internal/logger"
	"research-job-service/internal/repository/postgresql"
	"research-job-service/internal/service"
	"research-job-service/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
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

	lg.Info("worker config",
		"workers", cfg.Worker.Workers,
		"redis_addr", cfg.Redis.Addr,
		"queue_key", cfg.Redis.QueueKey,
		"processing_key", cfg.Redis.ProcessingKey,
		"postgres_dsn", redactDSN(cfg.Postgres.DSN))

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("pg: %w", err)
	}
	defer pool.Close()

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

	// Jobs left in processing by a previous run go back to their queue
	// before any worker claims.
	if cfg.Worker.ReapInterval > 0 {
		go worker.RunReaper(ctx, queue, cfg.Worker.ReapInterval, lg)
	} else {
		worker.RunReaper(ctx, queue, 0, lg)
	}

	processor := worker.NewProcessor(jobs, worker.DryRun{StepDelay: cfg.Worker.StepDelay}, lg)
	workers := worker.NewPool(queue, processor, cfg.Worker.Workers, cfg.Worker.ClaimTimeout, lg)

	workers.Run(ctx)
	return nil
}

// redactDSN masks the password: user:pass@ -> user:****@
func redactDSN(dsn string) string {
	re := regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)
	return re.ReplaceAllString(dsn, `://$1:****@`)
}
