// Package main runs the pub/sub relay that game clients attach their room
// channels to.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/observability"
	"github.com/cory-johannsen/duel/internal/realtime/hub"
	"github.com/cory-johannsen/duel/internal/relay"
	"github.com/cory-johannsen/duel/internal/server"
	"github.com/cory-johannsen/duel/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	withDB := flag.Bool("db", true, "report database health on /healthz")
	healthEvery := flag.Duration("health-interval", 30*time.Second, "database health check period")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := cfg.RequireMode("relay"); err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting duel relay",
		zap.String("mode", cfg.Server.Mode),
		zap.String("type", cfg.Server.Type),
	)

	ctx := context.Background()
	h := hub.New(logger, cfg.Relay.SendBuffer)
	srv := relay.NewServer(h, cfg.Relay, logger)

	lifecycle := server.NewLifecycle(logger)

	if *withDB {
		pool, err := postgres.Connect(ctx, cfg.Database, 30*time.Second, logger)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()

		check := func(ctx context.Context) error { return pool.Health(ctx, 5*time.Second) }
		srv.AddCheck("database", check)
		lifecycle.Add("postgres-health", &server.TickerService{
			Interval: *healthEvery,
			Fn:       check,
			Logger:   logger.Named("postgres"),
		})
	}

	lifecycle.Add("relay", srv)

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Relay.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}
}
