package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pixelkiln/server/internal/adapter/repo"
	"github.com/pixelkiln/server/internal/http/handlers"
	"github.com/pixelkiln/server/internal/http/httpapi"
	"github.com/pixelkiln/server/internal/infra"
	"github.com/pixelkiln/server/internal/infra/geoip"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/migrations"
	"github.com/pixelkiln/server/internal/queue"
	"github.com/pixelkiln/server/internal/registry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if err := infra.RunMigrations(cfg.DatabaseURL, migrations.FS, "."); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, continuing without it")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable")
	}

	runner := infra.NewSQLRunner(dbpool, logger)
	jobs := repo.NewJobRepository(dbpool)
	dlq := repo.NewDeadLetterRepository(dbpool)
	led := ledger.NewService(repo.NewLedgerRepository(dbpool), logger)
	jobQueue := queue.NewPGQueue(runner)
	events := queue.NewEventBus(rdb, logger)

	reg := registry.NewService(jobs, dlq, led, jobQueue, events, logger, cfg.DefaultMaxRetries)
	reg.SetUsageRecorder(registry.NewSQLUsageRecorder(runner, resolver, logger))

	app := &handlers.App{
		Logger:          logger,
		Registry:        reg,
		Ledger:          led,
		DLQ:             dlq,
		DB:              dbpool,
		Redis:           rdb,
		FailedRetention: cfg.FailedRetention(),
	}

	var lookup func(ip string) (string, error)
	if resolver != nil {
		lookup = resolver.CountryCode
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultLocale:   "en",
		RateLimitPerMin: cfg.RateLimitPerMin,
		CountryLookup:   lookup,
		Redis:           rdb,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
