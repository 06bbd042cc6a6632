package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bilancio/internal/amqp"
	"bilancio/internal/config"
	"bilancio/internal/log"
	"bilancio/internal/server"
	"bilancio/internal/storage"
	"bilancio/internal/syncer"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{Level: slog.LevelInfo, Component: "bilancio-sync"})
	log.SetDefault(logger)

	logger.Info("Starting bilancio-sync worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	local, err := storage.NewLocalStore(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize local mirror", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer local.Close()

	serverStore, err := server.NewStore(cfg.PostgresDSN)
	if err != nil {
		logger.Error("Failed to connect to server store", "error", err)
		os.Exit(1)
	}
	defer serverStore.Close()

	reconciler := syncer.NewReconciler(local, server.NewDirectTransport(serverStore))
	processor := syncer.NewProcessor(reconciler, syncer.ProcessorConfig{
		PollInterval: cfg.SyncInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := processor.Start(ctx); err != nil {
		logger.Error("Failed to start sync processor", "error", err)
		os.Exit(1)
	}

	// Change events shortcut the poll interval; without AMQP the worker
	// still converges on its ticker.
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, relying on polling only", "error", err)
		} else {
			defer amqpClient.Close()
			go func() {
				err := amqpClient.ConsumeChanges(ctx, func(event *amqp.ChangeEvent) error {
					logger.DebugContext(ctx, "Change event received",
						"entity", event.Entity,
						"server_id", event.ServerID,
						"op", event.Op)
					processor.Trigger()
					return nil
				})
				if err != nil && err != context.Canceled {
					logger.Error("Event consumption stopped", "error", err)
				}
			}()
		}
	}

	logger.Info("Sync worker running",
		"device", cfg.DeviceName,
		"poll_interval", cfg.SyncInterval)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.PushTimeout)
	defer stopCancel()
	if err := processor.Stop(stopCtx); err != nil {
		logger.Error("Sync processor stop failed", "error", err)
	}
	logger.Info("Sync worker stopped gracefully")
}
