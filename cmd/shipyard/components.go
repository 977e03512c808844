package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cuemby/shipyard/pkg/archive"
	"github.com/cuemby/shipyard/pkg/config"
	"github.com/cuemby/shipyard/pkg/embedded"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/spf13/cobra"
)

// loadConfig reads the --config file and environment, then applies the
// flags the user set explicitly on cmd
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen-addr") {
		cfg.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("runtime") {
		cfg.Runtime, _ = flags.GetString("runtime")
	}
	if flags.Changed("store") {
		cfg.StoreDriver, _ = flags.GetString("store")
	}
	if flags.Changed("containerd-managed") {
		cfg.ContainerdManaged, _ = flags.GetBool("containerd-managed")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// addConfigFlags registers the flags loadConfig understands
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "YAML configuration file")
	cmd.Flags().String("data-dir", "", "Data directory for the embedded store and local archives")
	cmd.Flags().String("runtime", "", "Container runtime: docker, containerd or memory")
	cmd.Flags().String("store", "", "Record store: bolt or postgres")
	cmd.Flags().Bool("containerd-managed", false, "Start containerd as a child process")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return storage.NewPostgresStore(cfg.DatabaseURL)
	default:
		return storage.NewBoltStore(cfg.DataDir)
	}
}

func openArchives(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	switch cfg.ArchiveDriver {
	case config.ArchiveS3:
		return archive.NewS3Store(ctx, archive.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	default:
		return archive.NewLocalStore(cfg.ArchivePath())
	}
}

// openRuntime connects to the configured runtime. For a managed containerd
// it first starts the daemon; closing the returned runtime does not stop
// it, the caller stops the returned supervisor.
func openRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, *embedded.Containerd, error) {
	switch cfg.Runtime {
	case config.RuntimeContainerd:
		socket := cfg.ContainerdSocket
		var daemon *embedded.Containerd
		if cfg.ContainerdManaged {
			var err error
			daemon, err = embedded.StartContainerd(ctx, embedded.Config{
				Binary:  cfg.ContainerdBinary,
				DataDir: cfg.DataDir,
			})
			if err != nil {
				return nil, nil, err
			}
			socket = daemon.SocketPath()
		}
		rt, err := runtime.NewContainerdRuntime(socket, cfg.ContainerdNamespace, filepath.Join(cfg.DataDir, "logs"))
		if err != nil {
			if daemon != nil {
				daemon.Stop()
			}
			return nil, nil, err
		}
		return rt, daemon, nil
	case config.RuntimeMemory:
		return runtime.NewMemoryRuntime(), nil, nil
	default:
		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return nil, nil, err
		}
		return rt, nil, nil
	}
}
