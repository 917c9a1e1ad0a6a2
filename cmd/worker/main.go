package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pixelkiln/server/internal/adapter/repo"
	"github.com/pixelkiln/server/internal/infra"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/provider"
	"github.com/pixelkiln/server/internal/queue"
	"github.com/pixelkiln/server/internal/registry"
	"github.com/pixelkiln/server/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("worker: redis unavailable, events stay in-process")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(pool)
	dlq := repo.NewDeadLetterRepository(pool)
	led := ledger.NewService(repo.NewLedgerRepository(pool), logger)
	jobQueue := queue.NewPGQueue(runner)
	events := queue.NewEventBus(rdb, logger)

	reg := registry.NewService(jobs, dlq, led, jobQueue, events, logger, cfg.DefaultMaxRetries)
	reg.SetUsageRecorder(registry.NewSQLUsageRecorder(runner, nil, logger))

	gen := provider.NewSynthetic(2 * time.Second)

	p := worker.NewPool(jobQueue, jobQueue, reg, gen, logger, worker.Options{
		WorkersPerQueue: cfg.WorkersPerQueue,
		PollInterval:    cfg.PollInterval,
		ProviderTimeout: cfg.ProviderTimeout,
		LeaseSeconds:    int(cfg.ProcessingLease.Seconds()),
	})
	reg.SetCanceller(p)

	logger.Info().Int("workers_per_queue", cfg.WorkersPerQueue).Msg("worker: started")
	p.Run(ctx)
	logger.Info().Msg("worker: stopped")
}
