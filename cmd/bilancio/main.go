package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"bilancio/internal/amqp"
	"bilancio/internal/config"
	"bilancio/internal/envelope"
	"bilancio/internal/log"
	"bilancio/internal/server"
	"bilancio/internal/syncer"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{Level: slog.LevelInfo, Component: "bilancio"})
	log.SetDefault(logger)

	logger.Info("Starting bilancio server")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	store, err := server.NewStore(cfg.PostgresDSN)
	if err != nil {
		logger.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// AMQP is a hint channel only; the server works without it and clients
	// fall back to their poll interval.
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without change events", "error", err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
			logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange)
		}
	} else {
		logger.Info("AMQP disabled - clients rely on polling")
	}

	envelopes := envelope.New(store)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runAuditLoop(ctx, logger.WithComponent("audit"), envelopes, cfg.AuditInterval)
	})

	if amqpClient != nil {
		g.Go(func() error {
			return runChangePublisher(ctx, logger.WithComponent("publisher"), store, amqpClient, cfg.SyncInterval)
		})
	}

	logger.Info("Server running",
		"audit_interval", cfg.AuditInterval,
		"base_currency", cfg.BaseCurrency)

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

// runAuditLoop replays the allocation delta log for the current month at a
// fixed interval and logs any drift it finds.
func runAuditLoop(ctx context.Context, logger *log.Logger, envelopes *envelope.Aggregator, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			drifts, err := envelopes.AuditSpent(ctx, now)
			if err != nil {
				logger.ErrorContext(ctx, "Spent audit failed", "error", err)
				continue
			}
			if len(drifts) == 0 {
				logger.InfoContext(ctx, "Spent audit clean", "month", now.Format("2006-01"))
				continue
			}
			for _, d := range drifts {
				logger.WarnContext(ctx, "Spent drift detected", "drift", d.String())
			}
		}
	}
}

// runChangePublisher tails the change feed and publishes a lightweight
// event per changed row so connected sync workers pull without waiting
// for their poll interval.
func runChangePublisher(ctx context.Context, logger *log.Logger, store *server.Store, client *amqp.Client, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	checkpoint := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			set, err := store.ChangedSince(ctx, checkpoint)
			if err != nil {
				logger.ErrorContext(ctx, "Change feed read failed", "error", err)
				continue
			}
			for _, row := range set.Transactions {
				op := amqp.OpUpdated
				switch {
				case row.Txn.IsDeleted:
					op = amqp.OpDeleted
				case row.Txn.CreatedAt.After(checkpoint):
					// First time this row enters the feed.
					op = amqp.OpCreated
				}
				if err := client.PublishChange(ctx, amqp.NewChangeEvent(syncer.EntityTransaction, row.ServerID, op)); err != nil {
					logger.ErrorContext(ctx, "Publish failed", "error", err, "server_id", row.ServerID)
				}
			}
			for _, row := range set.Allocations {
				if err := client.PublishChange(ctx, amqp.NewChangeEvent(syncer.EntityAllocation, row.ServerID, amqp.OpUpdated)); err != nil {
					logger.ErrorContext(ctx, "Publish failed", "error", err, "server_id", row.ServerID)
				}
			}
			checkpoint = set.ServerTime
		}
	}
}
