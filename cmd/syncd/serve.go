package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/api"
	"github.com/driftsync/driftsync/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon: HTTP API plus periodic auto-sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if app.cfg.PeerURL != "" {
			app.coordinator.EnableAutoSync(ctx, app.cfg.PeerURL, app.cfg.SyncInterval)
			logging.Info("auto-sync enabled", map[string]interface{}{
				"peer":     app.cfg.PeerURL,
				"interval": app.cfg.SyncInterval.String(),
			})
		}

		server := api.NewServer(app.coordinator, app.registry, app.store, app.resolver, app.cfg.AdminSecret)
		httpServer := &http.Server{
			Addr:         app.cfg.ListenAddr,
			Handler:      server.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logging.Info("sync daemon listening", map[string]interface{}{
				"addr":      app.cfg.ListenAddr,
				"device_id": app.cfg.DeviceID,
			})
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logging.Info("sync daemon stopped")
		return nil
	},
}
