// Package config loads queuectl configuration from file, environment and
// defaults via viper.
//
// Configuration is read once at startup into a Config value that is passed
// explicitly into constructors; core packages never consult viper or the
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when neither the config file nor the environment sets
// a value.
const (
	DefaultMaxRetries   = 3
	DefaultBackoffBase  = 2
	DefaultPollInterval = time.Second
	DefaultExecTimeout  = 5 * time.Minute
	DefaultStoreDriver  = "sqlite"
	DefaultRuntime      = "exec"
	DefaultDockerImage  = "alpine:3"
	DefaultMetricsPort  = 6162
)

// Config holds every queuectl setting.
type Config struct {
	// MaxRetries is the default retry ceiling for jobs that do not set
	// their own.
	MaxRetries int

	// BackoffBase is the base of the exponential retry delay.
	BackoffBase int

	// PollInterval is the worker's sleep between claim attempts when the
	// queue is empty.
	PollInterval time.Duration

	// ExecTimeout bounds a single command execution.
	ExecTimeout time.Duration

	// StoreDriver selects the store backend: "sqlite" or "postgres".
	StoreDriver string

	// StorePath is the SQLite file path or the Postgres connection URL.
	StorePath string

	// Runtime selects the execution backend: "exec" or "docker".
	Runtime string

	// DockerImage is the container image used by the docker runtime.
	DockerImage string

	// MetricsPort is the worker's /metrics listen port.
	MetricsPort int

	// OTELEndpoint enables trace export when non-empty (host:port).
	OTELEndpoint string
}

// SettableKeys lists the keys accepted by `queuectl config set`.
var SettableKeys = []string{
	"max_retries",
	"backoff_base",
	"poll_interval",
	"exec_timeout",
	"store.driver",
	"store.path",
	"runtime",
	"docker_image",
	"metrics_port",
	"otel_endpoint",
}

// Load reads configuration from path (default: $HOME/.queuectl.yaml) and
// the QUEUECTL_* environment, validates it and returns the result.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return extract(v)
}

// Set updates one key in the config file (creating the file if needed).
func Set(path, key, value string) error {
	if !slices.Contains(SettableKeys, key) {
		return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(SettableKeys, ", "))
	}

	v, err := newViper(path)
	if err != nil {
		return err
	}

	v.Set(key, value)
	if _, err := extract(v); err != nil {
		return err
	}

	target := path
	if target == "" {
		target = v.ConfigFileUsed()
	}
	if target == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		target = filepath.Join(home, ".queuectl.yaml")
	}
	if err := v.WriteConfigAs(target); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("backoff_base", DefaultBackoffBase)
	v.SetDefault("poll_interval", DefaultPollInterval.String())
	v.SetDefault("exec_timeout", DefaultExecTimeout.String())
	v.SetDefault("store.driver", DefaultStoreDriver)
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("runtime", DefaultRuntime)
	v.SetDefault("docker_image", DefaultDockerImage)
	v.SetDefault("metrics_port", DefaultMetricsPort)
	v.SetDefault("otel_endpoint", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(home)
		v.SetConfigName(".queuectl")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("QUEUECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults + env apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func extract(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		MaxRetries:   v.GetInt("max_retries"),
		BackoffBase:  v.GetInt("backoff_base"),
		PollInterval: v.GetDuration("poll_interval"),
		ExecTimeout:  v.GetDuration("exec_timeout"),
		StoreDriver:  v.GetString("store.driver"),
		StorePath:    v.GetString("store.path"),
		Runtime:      v.GetString("runtime"),
		DockerImage:  v.GetString("docker_image"),
		MetricsPort:  v.GetInt("metrics_port"),
		OTELEndpoint: v.GetString("otel_endpoint"),
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.BackoffBase < 1 {
		return nil, fmt.Errorf("backoff_base must be >= 1, got %d", cfg.BackoffBase)
	}
	if cfg.PollInterval < time.Second {
		return nil, fmt.Errorf("poll_interval must be >= 1s, got %s", cfg.PollInterval)
	}
	if cfg.ExecTimeout <= 0 {
		return nil, fmt.Errorf("exec_timeout must be positive, got %s", cfg.ExecTimeout)
	}
	if cfg.StoreDriver != "sqlite" && cfg.StoreDriver != "postgres" {
		return nil, fmt.Errorf("store.driver must be sqlite or postgres, got %q", cfg.StoreDriver)
	}
	if cfg.Runtime != "exec" && cfg.Runtime != "docker" {
		return nil, fmt.Errorf("runtime must be exec or docker, got %q", cfg.Runtime)
	}
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("store.path is required")
	}
	return cfg, nil
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "jobs.db"
	}
	return filepath.Join(home, ".queuectl", "jobs.db")
}
