package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/changelog"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/conflicts"
	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/devices"
	"github.com/driftsync/driftsync/internal/logging"
	syncpkg "github.com/driftsync/driftsync/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Offline-first multi-device sync engine",
	Long:          "syncd keeps a tamper-evident change log on each device and reconciles it with peers over HTTP, detecting and resolving concurrent edits.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(adminTokenCmd)
}

// app is the fully wired engine a command operates on.
type app struct {
	cfg         config.Config
	database    *db.DB
	repo        *db.Repository
	tracker     *changelog.Tracker
	registry    *devices.Registry
	store       *conflicts.Store
	resolver    *conflicts.Resolver
	coordinator *syncpkg.Coordinator
}

// newApp loads config, opens the local store, runs migrations and wires
// every component. The caller must Close it.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stdout, cfg.LogLevel)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database.DB); err != nil {
		database.Close()
		return nil, err
	}

	repo := db.NewRepository(database.DB)
	tracker := changelog.NewTracker(repo)
	registry := devices.NewRegistry(repo)
	store := conflicts.NewStore(repo)
	resolver := conflicts.NewResolver(repo, store, tracker, cfg.DeviceID, cfg.Policy)
	transport := syncpkg.NewHTTPTransport(0)
	coordinator := syncpkg.NewCoordinator(repo, tracker, registry, store, transport, cfg.DeviceID)

	return &app{
		cfg:         cfg,
		database:    database,
		repo:        repo,
		tracker:     tracker,
		registry:    registry,
		store:       store,
		resolver:    resolver,
		coordinator: coordinator,
	}, nil
}

func (a *app) Close() {
	a.repo.Close()
	a.database.Close()
}
