package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreBolt     = "bolt"
	StorePostgres = "postgres"

	RuntimeDocker     = "docker"
	RuntimeContainerd = "containerd"
	RuntimeMemory     = "memory"

	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// Config holds the control plane configuration
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	StoreDriver string `yaml:"store_driver"`
	DatabaseURL string `yaml:"database_url"`

	Runtime             string        `yaml:"runtime"`
	ContainerdSocket    string        `yaml:"containerd_socket"`
	ContainerdNamespace string        `yaml:"containerd_namespace"`
	ContainerdManaged   bool          `yaml:"containerd_managed"`
	ContainerdBinary    string        `yaml:"containerd_binary"`
	RuntimeTimeout      time.Duration `yaml:"runtime_timeout"`

	ArchiveDriver string   `yaml:"archive_driver"`
	ArchiveDir    string   `yaml:"archive_dir"`
	S3            S3Config `yaml:"s3"`

	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MaxUploadSizeMB   int64         `yaml:"max_upload_size_mb"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// S3Config holds settings for the S3-compatible archive store
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		DataDir:             "./shipyard-data",
		StoreDriver:         StoreBolt,
		Runtime:             RuntimeDocker,
		ContainerdSocket:    "/run/containerd/containerd.sock",
		ContainerdNamespace: "shipyard",
		RuntimeTimeout:      2 * time.Minute,
		ArchiveDriver:       ArchiveLocal,
		RedisChannel:        "shipyard.events",
		ReconcileInterval:   10 * time.Second,
		MaxUploadSizeMB:     1024,
		LogLevel:            "info",
		S3: S3Config{
			Region: "us-east-1",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.Runtime = getEnv("RUNTIME", c.Runtime)
	c.ContainerdSocket = getEnv("CONTAINERD_SOCKET", c.ContainerdSocket)
	c.ContainerdNamespace = getEnv("CONTAINERD_NAMESPACE", c.ContainerdNamespace)
	c.ContainerdBinary = getEnv("CONTAINERD_BINARY", c.ContainerdBinary)
	c.ArchiveDriver = getEnv("ARCHIVE_DRIVER", c.ArchiveDriver)
	c.ArchiveDir = getEnv("ARCHIVE_DIR", c.ArchiveDir)
	c.S3.Endpoint = getEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Bucket = getEnv("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", c.S3.AccessKeyID)
	c.S3.SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", c.S3.SecretAccessKey)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisChannel = getEnv("REDIS_CHANNEL", c.RedisChannel)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", c.ReconcileInterval); err != nil {
		return err
	}
	if c.RuntimeTimeout, err = getDuration("RUNTIME_TIMEOUT", c.RuntimeTimeout); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("MAX_UPLOAD_SIZE_MB"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_SIZE_MB %q: %w", v, err)
		}
		c.MaxUploadSizeMB = n
	}
	if v, ok := os.LookupEnv("CONTAINERD_MANAGED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CONTAINERD_MANAGED %q: %w", v, err)
		}
		c.ContainerdManaged = b
	}
	if v, ok := os.LookupEnv("LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_JSON %q: %w", v, err)
		}
		c.LogJSON = b
	}
	return nil
}

// Validate checks driver names and numeric bounds
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreBolt:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("store driver %q requires DATABASE_URL", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	switch c.Runtime {
	case RuntimeDocker, RuntimeContainerd, RuntimeMemory:
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}

	switch c.ArchiveDriver {
	case ArchiveLocal:
	case ArchiveS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("archive driver %q requires S3_BUCKET", c.ArchiveDriver)
		}
	default:
		return fmt.Errorf("unknown archive driver %q", c.ArchiveDriver)
	}

	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", c.ReconcileInterval)
	}
	if c.RuntimeTimeout <= 0 {
		return fmt.Errorf("runtime timeout must be positive, got %s", c.RuntimeTimeout)
	}
	if c.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadSizeMB)
	}
	return nil
}

// ArchivePath returns the directory for locally stored archives
func (c *Config) ArchivePath() string {
	if c.ArchiveDir != "" {
		return c.ArchiveDir
	}
	return filepath.Join(c.DataDir, "images")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
