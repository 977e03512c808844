package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/shipyard/pkg/api"
	"github.com/cuemby/shipyard/pkg/config"
	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/log"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/metrics"
	"github.com/cuemby/shipyard/pkg/reconciler"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shipyard server",
	Long: `Run the shipyard server: the REST API, the image and container managers
and the periodic reconciler.

Configuration comes from defaults, the --config file, a .env file, the
environment and finally flags, each overriding the one before.`,
	RunE: runServe,
}

func init() {
	addConfigFlags(serveCmd)
	serveCmd.Flags().String("listen-addr", "", "Address for the REST API")
	rootCmd.AddCommand(serveCmd)
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)
	logger := log.WithComponent("serve")

	ctx := cmd.Context()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close()

	archives, err := openArchives(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s archive store: %w", cfg.ArchiveDriver, err)
	}

	rt, daemon, err := openRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s runtime: %w", cfg.Runtime, err)
	}
	if daemon != nil {
		defer daemon.Stop()
		go func() {
			select {
			case <-daemon.Exited():
				logger.Error().Str("socket", daemon.SocketPath()).Msg("Managed containerd exited; runtime operations will fail until restart")
			case <-ctx.Done():
			}
		}()
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		// The server still starts; /ready reports the runtime until it answers.
		logger.Warn().Err(err).Str("runtime", cfg.Runtime).Msg("Runtime is not reachable")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if cfg.RedisAddr != "" {
		rdb := events.NewRedisClient(cfg.RedisAddr)
		defer rdb.Close()
		fwd := events.NewRedisForwarder(rdb, cfg.RedisChannel, broker)
		fwd.Start()
		defer fwd.Stop()
		logger.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("Forwarding events to Redis")
	}

	collector := metrics.NewCollector(store, 0)
	collector.Start()
	defer collector.Stop()

	opts := manager.Options{
		Locks:          manager.NewKeyedLock(),
		Events:         broker,
		RuntimeTimeout: cfg.RuntimeTimeout,
		MaxUploadBytes: cfg.MaxUploadSizeMB << 20,
	}
	images := manager.NewImageManager(store, archives, rt, opts)
	defer images.Close()
	if err := images.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted loads: %w", err)
	}
	containers := manager.NewContainerManager(store, rt, images, opts)

	recon := reconciler.NewReconciler(store, rt, reconciler.Config{
		Interval: cfg.ReconcileInterval,
		Timeout:  cfg.RuntimeTimeout,
		Locks:    opts.Locks,
		Events:   broker,
	})
	containers.OnDrift(recon.Trigger)
	recon.Start()
	defer recon.Stop()

	server := api.NewServer(log.WithComponent("api"), api.Deps{
		Images:     images,
		Containers: containers,
		Reconciler: recon,
		Broker:     broker,
		Store:      store,
		Runtime:    rt,
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("store", cfg.StoreDriver).
		Str("runtime", cfg.Runtime).
		Str("archives", cfg.ArchiveDriver).
		Str("version", Version).
		Msg("Shipyard is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
	}

	// Deferred teardown runs in reverse: reconciler, loads, collector,
	// forwarder, broker, runtime, containerd, store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server did not shut down cleanly")
	}
	return nil
}
