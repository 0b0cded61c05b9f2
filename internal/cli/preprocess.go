package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/raphaelgruber/medpipe/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	preprocessWait   bool
	preprocessHeight int
	preprocessWidth  int
	preprocessOutput string
)

var preprocessCmd = &cobra.Command{
	Use:   "preprocess <file.dcm>...",
	Short: "Anonymize DICOM files in the background",
	Long: `Schedule anonymization of DICOM files and print the job id.

With --wait, follow the job until it ends: a progress bar on a terminal,
one line per update otherwise. With --output the result archive is
downloaded once the job completes.

Examples:
  medpipe preprocess scans/*.dcm
  medpipe preprocess a.dcm b.dcm --wait -o images.zip`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPreprocess,
}

func init() {
	preprocessCmd.Flags().BoolVarP(&preprocessWait, "wait", "w", false, "wait for the job to finish")
	preprocessCmd.Flags().IntVarP(&preprocessHeight, "height", "n", 0, "target height recorded in metadata")
	preprocessCmd.Flags().IntVarP(&preprocessWidth, "width", "m", 0, "target width recorded in metadata")
	preprocessCmd.Flags().StringVarP(&preprocessOutput, "output", "o", "", "download the result to this file (implies --wait)")
}

func runPreprocess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	accepted, err := apiClient.PreprocessImages(ctx, args, preprocessHeight, preprocessWidth)
	if err != nil {
		return fmt.Errorf("schedule preprocessing: %w", err)
	}
	fmt.Printf("Job %s %s\n", accepted.JobID, accepted.Status)

	if accepted.Status == models.JobStatusFailed {
		job, err := apiClient.GetJob(ctx, accepted.JobID)
		if err == nil && job.Error != nil {
			return fmt.Errorf("job %s not started: %s", accepted.JobID, *job.Error)
		}
		return fmt.Errorf("job %s not started", accepted.JobID)
	}

	if !preprocessWait && preprocessOutput == "" {
		fmt.Printf("Use 'medpipe jobs %s' to check status.\n", accepted.JobID)
		return nil
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		err = RunJobProgress(apiClient, accepted.JobID)
	} else {
		err = WatchPlain(ctx, apiClient, accepted.JobID, os.Stdout)
	}
	if errors.Is(err, errJobDetached) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("job %s: %w", accepted.JobID, err)
	}

	if preprocessOutput != "" {
		return downloadTo(ctx, accepted.JobID, preprocessOutput)
	}
	return nil
}
