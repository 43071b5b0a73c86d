package cmd

import (
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove [job-id]",
	Short: "Delete a job from the queue",
	Long: `Delete a job record. Jobs are never deleted automatically; this is the
only way a record leaves the store.

Example:
  queuectl remove job-abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, st, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := q.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}

		cmd.Printf("Job %s deleted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
