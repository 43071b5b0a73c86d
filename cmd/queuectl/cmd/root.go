// Package cmd contains the cobra command tree for queuectl.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"queuectl/internal/config"
	"queuectl/internal/queue"
	"queuectl/internal/store"
	"queuectl/internal/store/postgres"
	"queuectl/internal/store/sqlite"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "queuectl is a durable background job queue for shell commands",
	Long: `queuectl manages a durable queue of shell-command jobs.

Jobs are enqueued into a shared store, claimed by worker processes,
executed as subprocesses, and retried with exponential backoff until they
succeed or exhaust their retry budget and land in the Dead Letter Queue.

Common workflows:

  Enqueue a job:
    queuectl enqueue '{"command":"echo hello"}'

  Start workers:
    queuectl worker start --count 3

  Inspect the queue:
    queuectl status
    queuectl list --state failed

  Manage the DLQ:
    queuectl dlq list
    queuectl dlq retry job-abc123

Configuration lives in $HOME/.queuectl.yaml (override with --config) and
the QUEUECTL_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.queuectl.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// openStore opens the configured store backend, creating the SQLite data
// directory on first use.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Open(ctx, cfg.StorePath)
	default:
		if dir := filepath.Dir(cfg.StorePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		return sqlite.Open(cfg.StorePath)
	}
}

// openQueue wires a queue facade over the configured store. The caller
// closes the returned store.
func openQueue(ctx context.Context) (*queue.Queue, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return queue.New(st, cfg.MaxRetries), st, nil
}
