package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/app"
	"carbon-scribe/credit-exchange/internal/config"
	"carbon-scribe/credit-exchange/internal/workers"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	once := flag.Bool("once", false, "take a single snapshot and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exchange, err := app.New(ctx, cfg, db, logger, false)
	if err != nil {
		logger.Fatal("Failed to initialize exchange", zap.Error(err))
	}
	defer exchange.Close()

	worker := workers.NewStatsWorker(exchange.Market, exchange.Store, cfg.Workers.StatsSchedule, logger.Named("stats"))
	if *once {
		if _, err := worker.RunOnce(ctx); err != nil {
			logger.Fatal("Snapshot failed", zap.Error(err))
		}
		return
	}

	if err := worker.Start(ctx); err != nil {
		logger.Fatal("Failed to start stats worker", zap.Error(err))
	}
	<-ctx.Done()
	worker.Stop()
	logger.Info("Stats worker exiting")
}
