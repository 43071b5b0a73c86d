package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the Dead Letter Queue (DLQ)",
	Long:  `Inspect and retry jobs that permanently failed after exhausting their retries.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in the DLQ",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		q, st, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := q.ListDLQ(cmd.Context())
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			cmd.Println("No jobs in Dead Letter Queue")
			return nil
		}

		if format == "json" {
			return printJSON(cmd, jobs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tCOMMAND\tATTEMPTS\tERROR\tCREATED")
		for _, j := range jobs {
			errMsg := j.ErrorMessage
			if errMsg == "" {
				errMsg = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				j.ID,
				truncate(j.Command, 30),
				j.Attempts,
				truncate(errMsg, 40),
				j.CreatedAt.Format(time.RFC3339),
			)
		}
		w.Flush()
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Retry a job from the DLQ",
	Long: `Move a dead job back to the pending queue with a fresh retry budget.

Example:
  queuectl dlq retry job-abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, st, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		j, err := q.RetryFromDLQ(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		cmd.Printf("Job %s moved back to pending queue\n", j.ID)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringP("format", "f", "table", "output format (table or json)")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
