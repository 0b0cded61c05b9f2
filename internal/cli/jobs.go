package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raphaelgruber/medpipe/internal/models"
	"github.com/spf13/cobra"
)

var (
	jobsStatus     string
	jobsLimit      int
	downloadOutput string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect background jobs",
	Long: `List background jobs or inspect a specific job by ID.

Examples:
  medpipe jobs                    # List recent jobs
  medpipe jobs --status failed    # Only failed jobs
  medpipe jobs 6f1c...            # Show details for one job`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.CancelJob(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if job.Status != models.JobStatusCancelled {
			fmt.Printf("Job %s already %s\n", job.ID, job.Status)
			return nil
		}
		fmt.Printf("Job %s cancelled\n", job.ID)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download the result archive of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return downloadTo(context.Background(), args[0], downloadOutput)
	},
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsStatus, "status", "s", "", "filter by status (pending, processing, completed, failed, cancelled)")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "l", 20, "maximum number of jobs to list")
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "output file (default: name given by the server)")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	status := models.JobStatus(jobsStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", jobsStatus)
	}

	list, err := apiClient.ListJobs(ctx, status, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(list.Jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-11s %-8s %-19s %s\n", "ID", "STATUS", "PROGRESS", "CREATED", "MESSAGE")
	fmt.Println("--------------------------------------------------------------------------------------------")
	for _, job := range list.Jobs {
		fmt.Printf("%-36s %-11s %7d%% %-19s %s\n",
			job.ID, job.Status, job.ProgressPercent, job.CreatedAt.Local().Format(time.DateTime), job.Message)
	}
	if list.Total > len(list.Jobs) {
		fmt.Printf("\n%d of %d jobs shown\n", len(list.Jobs), list.Total)
	}
	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Progress: %d%%\n", job.ProgressPercent)
	if job.Message != "" {
		fmt.Printf("  Message: %s\n", job.Message)
	}
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}
	if job.Error != nil && *job.Error != "" {
		fmt.Printf("  Error: %s\n", *job.Error)
	}
	if summary := resultSummary(job); summary != "" {
		fmt.Println("\nResult:")
		fmt.Print(summary)
	}
	return nil
}

// downloadTo saves the result of job id to out, or to the server-provided
// name when out is empty.
func downloadTo(ctx context.Context, id, out string) error {
	tmp, err := os.CreateTemp(".", ".medpipe-result-*.zip")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	name, err := apiClient.DownloadResult(ctx, id, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download result: %w", err)
	}

	if out == "" {
		out = filepath.Base(name)
	}
	if out == "" || out == "." {
		out = id + ".zip"
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	fmt.Printf("Saved %s\n", out)
	return nil
}
