package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relay/internal/config"
	"github.com/fentz26/relay/internal/controlplane"
	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/store"
)

var (
	listenAddr string
	auditDB    string
	noWatch    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the relay coordinator",
	Long: `Starts the coordinator, which serves the HTTP API used by clients and
runners. The config file is watched and blueprints are reloaded on change.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	daemonCmd.Flags().StringVar(&auditDB, "audit-db", "", "Path to the SQLite audit log (overrides config, \"off\" disables)")
	daemonCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the config file for blueprint changes")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	switch auditDB {
	case "":
	case "off":
		cfg.AuditDB = ""
	default:
		cfg.AuditDB = config.ExpandHome(auditDB)
	}

	logger := cfg.Logger()
	slog.SetDefault(logger)
	logger.Debug("config loaded", "path", configPath, "listen", cfg.Listen)

	var s *store.Store
	if cfg.AuditDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditDB), 0o755); err != nil {
			return fmt.Errorf("creating audit dir: %w", err)
		}
		s, err = store.New(cfg.AuditDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Error("closing audit store", "error", err)
			}
		}()
		logger.Info("audit log enabled", "path", cfg.AuditDB)
	}

	bus, err := events.Open(cfg.Events)
	if err != nil {
		return fmt.Errorf("opening event bus: %w", err)
	}
	defer bus.Close()
	logger.Info("event bus ready", "backend", cfg.Events.Backend)

	service := controlplane.NewService(controlplane.Options{
		Config: cfg,
		Store:  s,
		Bus:    bus,
		Logger: logger,
	})
	service.Start()
	defer service.Stop()

	server := controlplane.NewServer(service, cfg.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !noWatch {
		watchConfig(ctx, service, logger)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("HTTP server shutdown timed out, dropping open requests")
		} else {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// watchConfig hot-reloads blueprints until ctx is done. Other settings need
// a restart.
func watchConfig(ctx context.Context, service *controlplane.Service, logger *slog.Logger) {
	w, err := config.NewWatcher(configPath, config.DefaultDebounce, logger.With("component", "config"))
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
		return
	}
	go w.Run(ctx)
	go func() {
		defer w.Close()
		for reload := range w.Reloads() {
			if reload.Err != nil {
				logger.Warn("config reload failed, keeping previous blueprints", "error", reload.Err)
				continue
			}
			service.ReloadBlueprints(reload.Config.Blueprints)
		}
	}()
}
