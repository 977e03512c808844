package embedded

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/shipyard/pkg/log"
	"github.com/rs/zerolog"
)

const (
	// DefaultReadyTimeout bounds the wait for the socket to accept connections
	DefaultReadyTimeout = 30 * time.Second

	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL
	DefaultStopTimeout = 10 * time.Second
)

// config keeps containerd to the plugins the client needs
const config = `version = 2
disabled_plugins = ["io.containerd.grpc.v1.cri"]
`

// Config describes a supervised containerd
type Config struct {
	// Binary is the containerd executable. Empty means "containerd" from PATH.
	Binary string
	// DataDir holds the config, socket, root and state directories
	DataDir      string
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// Containerd is a containerd daemon run as a child process
type Containerd struct {
	cfg        Config
	binary     string
	socketPath string
	configPath string
	logger     zerolog.Logger

	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	stopOnce sync.Once
	stopping chan struct{}
}

// StartContainerd launches containerd and waits until its socket accepts
// connections. The daemon is stopped again if it never becomes ready.
func StartContainerd(ctx context.Context, cfg Config) (*Containerd, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "containerd"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("containerd binary not found: %w", err)
	}

	dir := filepath.Join(cfg.DataDir, "containerd")
	c := &Containerd{
		cfg:        cfg,
		binary:     path,
		socketPath: filepath.Join(dir, "containerd.sock"),
		configPath: filepath.Join(dir, "config.toml"),
		logger:     log.WithComponent("containerd"),
		exited:     make(chan struct{}),
		stopping:   make(chan struct{}),
	}

	if err := c.writeConfig(); err != nil {
		return nil, err
	}
	// A stale socket from an unclean exit would pass the readiness check.
	if err := os.Remove(c.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	c.cmd = exec.Command(c.binary,
		"--config", c.configPath,
		"--address", c.socketPath,
		"--root", filepath.Join(dir, "root"),
		"--state", filepath.Join(dir, "state"),
	)
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to capture containerd output: %w", err)
	}
	c.cmd.Stderr = c.cmd.Stdout

	c.logger.Info().Str("binary", c.binary).Str("socket", c.socketPath).Msg("Starting containerd")
	if err := c.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start containerd: %w", err)
	}

	go c.pipeLogs(stdout)
	go c.monitor()

	if err := c.waitForReady(ctx); err != nil {
		c.Stop()
		return nil, fmt.Errorf("containerd failed to become ready: %w", err)
	}

	c.logger.Info().Int("pid", c.cmd.Process.Pid).Msg("Containerd is ready")
	return c, nil
}

// SocketPath returns the address clients connect to
func (c *Containerd) SocketPath() string {
	return c.socketPath
}

// Exited is closed once the daemon process has exited
func (c *Containerd) Exited() <-chan struct{} {
	return c.exited
}

// Stop sends SIGTERM and escalates to SIGKILL after the stop timeout
func (c *Containerd) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopping)

		select {
		case <-c.exited:
			return
		default:
		}

		c.logger.Info().Msg("Stopping containerd")
		if serr := c.cmd.Process.Signal(syscall.SIGTERM); serr != nil {
			c.logger.Error().Err(serr).Msg("Failed to send SIGTERM")
		}

		select {
		case <-c.exited:
		case <-time.After(c.cfg.StopTimeout):
			c.logger.Warn().Msg("Containerd did not stop gracefully, force killing")
			if kerr := c.cmd.Process.Kill(); kerr != nil {
				err = fmt.Errorf("failed to kill containerd: %w", kerr)
				return
			}
			<-c.exited
		}
		c.logger.Info().Msg("Containerd stopped")
	})
	return err
}

func (c *Containerd) writeConfig() error {
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create containerd directory: %w", err)
	}
	if err := os.WriteFile(c.configPath, []byte(config), 0644); err != nil {
		return fmt.Errorf("failed to write containerd config: %w", err)
	}
	return nil
}

// waitForReady polls until the socket accepts a connection, the process
// exits or the timeout passes
func (c *Containerd) waitForReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if dialable(c.socketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("socket %s not ready: %w", c.socketPath, ctx.Err())
		case <-c.exited:
			return fmt.Errorf("process exited: %v", c.waitErr)
		case <-ticker.C:
		}
	}
}

func dialable(socket string) bool {
	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// monitor reaps the process and reports exits nobody asked for
func (c *Containerd) monitor() {
	c.waitErr = c.cmd.Wait()
	close(c.exited)

	select {
	case <-c.stopping:
		return
	default:
	}
	if c.waitErr != nil {
		c.logger.Error().Err(c.waitErr).Msg("Containerd exited unexpectedly")
	} else {
		c.logger.Warn().Msg("Containerd exited unexpectedly with no error")
	}
}

// pipeLogs forwards daemon output line by line
func (c *Containerd) pipeLogs(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug().Msg(scanner.Text())
	}
}
