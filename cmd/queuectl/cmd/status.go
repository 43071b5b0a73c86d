package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"queuectl/internal/job"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status summary",
	Long:  `Display job counts per state and the number of active workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, st, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		status, err := q.Status(cmd.Context())
		if err != nil {
			return err
		}

		cmd.Printf("Total jobs:     %d\n", status.TotalJobs)
		cmd.Printf("Active workers: %d\n\n", status.ActiveWorkers)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "STATE\tCOUNT")
		for _, state := range job.States {
			fmt.Fprintf(w, "%s\t%d\n", state, status.Jobs[state])
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
