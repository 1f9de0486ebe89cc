package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stocksync"
	"stocksync/config"
	"stocksync/internal/metrics"
	"stocksync/internal/store"
	"stocksync/internal/transport"
	"stocksync/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Stocksync.Name,
		"version": cfg.Stocksync.Version,
	}).Info("starting stocksync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Init(true)

	adapter := transport.NewRealtimeClient(cfg.Transport)
	inventory := store.NewRESTStore(cfg.Store)
	service := stocksync.New(cfg, adapter, inventory)

	if ok, err := service.TestConnection(ctx); !ok {
		log.WithError(err).Warn("transport connectivity check failed, continuing with retries")
	}

	if err := service.Initialize(ctx); err != nil {
		log.WithError(err).Error("failed to initialize realtime sync")
		os.Exit(1)
	}

	go watchStatus(ctx, service, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown requested")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := service.Disconnect(shutdownCtx); err != nil {
		log.WithError(err).Warn("disconnect failed")
	}
	log.Info("stocksync stopped")
}

// watchStatus periodically logs the supervisor snapshot so operators can see
// phase and retry information without a metrics scrape.
func watchStatus(ctx context.Context, service *stocksync.Service, log *logger.Log) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			details := service.ConnectionStatus()
			log.WithComponent("status").WithFields(logger.Fields{
				"phase":           details.Phase,
				"retry_count":     details.RetryCount,
				"max_retries":     details.MaxRetries,
				"last_heartbeat":  details.LastHeartbeat.Format(time.RFC3339),
				"active_channels": details.ActiveChannels,
				"subscribers":     details.Subscribers,
			}).Info("connection status")
		}
	}
}
