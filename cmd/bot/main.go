package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/infrastructure/gateway"
	"github.com/vitos/algo_trade_bot/internal/infrastructure/logger"
	"github.com/vitos/algo_trade_bot/internal/infrastructure/storage"
	"github.com/vitos/algo_trade_bot/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.Level, cfg.Logging.File)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := gateway.NewBrokerAdapter(cfg.Gateway, log)
	broker.ConnectWS(ctx, cfg.Symbols)

	strategy := usecase.NewStrategyEngine(cfg.Strategy, log)
	risk := usecase.NewRiskManager(cfg.Risk, cfg.Position, cfg.Account.PointValue, log)
	positions := usecase.NewPositionManager(broker, store, risk, cfg.Position, cfg.Gateway, cfg.Account.PointValue, log)
	scheduler := usecase.NewScheduler(cfg, log)
	engine := usecase.NewEngine(cfg, broker, store, strategy, risk, positions, scheduler, log)

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("metrics listener started", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	engine.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	sig := <-stop
	if sig == syscall.SIGTERM {
		// Orchestrated shutdown: flatten everything before exiting.
		engine.EmergencyStop(ctx)
	}

	log.Info("Shutting down...")
	engine.Stop()
}
