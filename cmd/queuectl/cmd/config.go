package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"queuectl/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration settings",
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: fmt.Sprintf(`Set a configuration value and persist it to the config file.

Available keys: %s

Examples:
  queuectl config set max_retries 5
  queuectl config set backoff_base 3`, strings.Join(config.SettableKeys, ", ")),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.Set(cfgFile, key, value); err != nil {
			return err
		}
		cmd.Printf("Config updated: %s = %s\n", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get configuration value(s)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		values := map[string]string{
			"max_retries":   fmt.Sprintf("%d", cfg.MaxRetries),
			"backoff_base":  fmt.Sprintf("%d", cfg.BackoffBase),
			"poll_interval": cfg.PollInterval.String(),
			"exec_timeout":  cfg.ExecTimeout.String(),
			"store.driver":  cfg.StoreDriver,
			"store.path":    cfg.StorePath,
			"runtime":       cfg.Runtime,
			"docker_image":  cfg.DockerImage,
			"metrics_port":  fmt.Sprintf("%d", cfg.MetricsPort),
			"otel_endpoint": cfg.OTELEndpoint,
		}

		if len(args) == 1 {
			value, ok := values[args[0]]
			if !ok {
				return fmt.Errorf("unknown config key %q", args[0])
			}
			cmd.Printf("%s: %s\n", args[0], value)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		for _, key := range config.SettableKeys {
			fmt.Fprintf(w, "%s\t%s\n", key, values[key])
		}
		w.Flush()
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}
