package researchd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel ingestion jobs",
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.core.GetJobStatus(cmd.Context(), userFlag(cmd), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the jobs of the acting user's namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.core.ListJobs(cmd.Context(), userFlag(cmd))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tKIND\tSTATUS\tATTEMPTS\tSOURCE\tUPDATED")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				job.JobID, job.Kind, job.Status, job.AttemptCount, job.SourceRef, job.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.core.CancelJob(cmd.Context(), userFlag(cmd), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsStatusCmd, jobsListCmd, jobsCancelCmd)
}
