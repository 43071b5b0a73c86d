package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"queuectl/internal/job"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by state",
	Long: `List jobs ordered by creation time.

Examples:
  queuectl list
  queuectl list --state pending
  queuectl list --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		format, _ := cmd.Flags().GetString("format")

		q, st, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := q.List(cmd.Context(), state)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			if state != "" {
				cmd.Printf("No jobs found with state %q\n", state)
			} else {
				cmd.Println("No jobs found")
			}
			return nil
		}

		if format == "json" {
			return printJSON(cmd, jobs)
		}

		printJobTable(cmd, jobs)
		return nil
	},
}

func printJobTable(cmd *cobra.Command, jobs []job.Job) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTATE\tATTEMPTS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID,
			truncate(j.Command, 40),
			j.State,
			j.Attempts,
			j.MaxRetries,
			j.CreatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	listCmd.Flags().StringP("state", "s", "", "filter by state (pending, processing, completed, failed, dead)")
	listCmd.Flags().StringP("format", "f", "table", "output format (table or json)")
	rootCmd.AddCommand(listCmd)
}
