package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/outpost/internal/api"
	"github.com/hyperengineering/outpost/internal/backend"
	"github.com/hyperengineering/outpost/internal/config"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/snapshot"
	"github.com/hyperengineering/outpost/internal/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference sync backend",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	setupLogger(stdout, cfg.Log)

	reg, err := model.LoadRegistryFile(cfg.Schema.Path)
	if err != nil {
		return err
	}
	slog.Info("schema loaded", "path", cfg.Schema.Path, "models", reg.Names())

	b, err := backend.NewSQLiteBackend(cfg.Database.Path, reg)
	if err != nil {
		return err
	}
	slog.Info("backend initialized", "path", cfg.Database.Path)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers sync.WaitGroup
	if err := startWorkers(workerCtx, &workers, cfg, b); err != nil {
		b.Close()
		return err
	}

	srv := newServer(cfg, b)

	go func() {
		slog.Info("server starting", "address", srv.Addr)
		// ErrServerClosed is the expected error when Shutdown() is called.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	stopWorkers()
	workers.Wait()

	// Shutdown does not track subscription sockets; closing the backend
	// sends them a complete frame.
	if err := b.Close(); err != nil {
		slog.Error("backend close error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newServer configures the HTTP server for the backend.
func newServer(cfg *config.Config, b *backend.SQLiteBackend) *http.Server {
	handler := api.NewHandler(b, cfg.Remote.APIKey, Version)
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}
}

// startWorkers launches the enabled maintenance workers.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, b *backend.SQLiteBackend) error {
	if interval := time.Duration(cfg.Server.CompactionInterval); interval > 0 {
		w := worker.NewCompactionWorker(b, interval, time.Duration(cfg.Server.TombstoneRetention))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	if interval := time.Duration(cfg.Snapshot.Interval); interval > 0 {
		uploader, err := snapshot.NewUploader(cfg.Snapshot)
		if err != nil {
			return err
		}
		w := worker.NewSnapshotWorker(b, cfg.Snapshot.Path, interval, uploader)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	return nil
}
