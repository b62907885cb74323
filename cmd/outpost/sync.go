package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/outpost/internal/config"
	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/hyperengineering/outpost/pkg/outpost"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync engine against the configured remote",
	Long:  "Keeps the local database in sync with remote.endpoint until interrupted. Without an endpoint the engine runs local-only.",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(stdout, cfg.Log)

	client, err := outpost.New(clientConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("client close error", "error", err)
		}
	}()

	evts, unsubscribe := client.Events(
		events.ModelSynced,
		events.NetworkStatus,
		events.OutboxStatus,
		events.Ready,
	)
	defer unsubscribe()
	go logEvents(evts)

	if err := client.Start(ctx); err != nil {
		return err
	}
	slog.Info("sync engine running",
		"endpoint", cfg.Remote.Endpoint,
		"models", client.Registry().Names(),
		"pending", len(client.PendingMutations()),
	)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := client.Stop(stopCtx); err != nil {
		slog.Error("sync engine stop error", "error", err)
	}

	slog.Info("shutdown complete", "pending", len(client.PendingMutations()))
	return nil
}

// clientConfig maps file configuration onto the client.
func clientConfig(cfg *config.Config) outpost.Config {
	handler := syncengine.AlwaysApplyRemote()
	if cfg.Sync.ConflictStrategy == config.ConflictRetryLocal {
		handler = syncengine.AlwaysRetryLocal()
	}
	return outpost.Config{
		LocalPath:                   cfg.Database.Path,
		SchemaPath:                  cfg.Schema.Path,
		Endpoint:                    cfg.Remote.Endpoint,
		APIKey:                      cfg.Remote.APIKey,
		RequestTimeout:              time.Duration(cfg.Remote.RequestTimeout),
		ConflictHandler:             handler,
		ConflictHandlerTimeout:      time.Duration(cfg.Sync.ConflictHandlerTimeout),
		BaseSyncInterval:            time.Duration(cfg.Sync.BaseSyncInterval),
		ItemTimeout:                 time.Duration(cfg.Sync.ItemTimeout),
		SubscriptionTimeoutPerModel: time.Duration(cfg.Sync.SubscriptionTimeoutPerModel),
		SyncPageSize:                cfg.Sync.PageSize,
		SyncConcurrency:             cfg.Sync.Concurrency,
		Retry: &syncengine.RetryPolicy{
			BaseDelay:    time.Duration(cfg.Sync.Retry.BaseDelay),
			MaxExponent:  cfg.Sync.Retry.MaxExponent,
			MaxAttempts:  cfg.Sync.Retry.MaxAttempts,
			MaxJitter:    time.Duration(cfg.Sync.Retry.MaxJitter),
			NonRetryable: syncengine.DefaultNonRetryable(),
		},
		RedisURL:     cfg.Events.RedisURL,
		RedisChannel: cfg.Events.Channel,
	}
}

func logEvents(ch <-chan outpost.Event) {
	for e := range ch {
		slog.Info("sync event", "component", "cli", "event", string(e.Name), "data", e.Data)
	}
}
