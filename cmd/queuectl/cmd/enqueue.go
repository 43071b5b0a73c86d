package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"queuectl/internal/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [job-json]",
	Short: "Enqueue a new job",
	Long: `Enqueue a new job described as a JSON object.

Fields:
  command      (required) shell command to execute
  id           (optional) job id, generated when absent
  max_retries  (optional) retry ceiling, defaults from configuration

Examples:
  queuectl enqueue '{"command":"echo hello"}'
  queuectl enqueue '{"id":"nightly-backup","command":"backup.sh","max_retries":5}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req queue.EnqueueRequest
		if err := json.Unmarshal([]byte(args[0]), &req); err != nil {
			return fmt.Errorf("invalid job JSON: %w", err)
		}

		q, st, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		j, err := q.Enqueue(cmd.Context(), req)
		if err != nil {
			return err
		}

		cmd.Printf("Job %s enqueued\n", j.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}
