package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var batchOutput string

var batchCmd = &cobra.Command{
	Use:   "batch <archive.zip>",
	Short: "Process a zip archive of mixed medical files",
	Long: `Upload a zip archive and save the combined result archive.

Each file is routed by extension: DICOM images, WFDB signals and clinical
reports. The result holds one archive per category that succeeded and a
processing report.

Examples:
  medpipe batch study.zip
  medpipe batch study.zip -o results.zip`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&batchOutput, "output", "o", "", "output file (default: name given by the server)")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	tmp, err := os.CreateTemp(".", ".medpipe-batch-*.zip")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	debugf("uploading %s", args[0])
	res, err := apiClient.ProcessBatch(ctx, args[0], tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("process batch: %w", err)
	}

	out := batchOutput
	if out == "" {
		out = filepath.Base(res.Filename)
	}
	if out == "" || out == "." {
		out = "processed_batch.zip"
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return fmt.Errorf("save result: %w", err)
	}

	fmt.Printf("Saved %s (%d bytes)\n", out, res.Bytes)
	switch res.Outcome {
	case "partial":
		fmt.Println("Some categories failed, see processing_report.txt in the archive.")
	case "failed":
		return fmt.Errorf("every category failed, see processing_report.txt in %s", out)
	}
	return nil
}
