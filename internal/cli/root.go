// Package cli provides the command-line interface for medpipe.
package cli

import (
	"fmt"
	"os"

	"github.com/raphaelgruber/medpipe/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	verbose   bool

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "medpipe",
	Short: "Medical file de-identification pipelines",
	Long: `Medpipe sends medical files to a medpipe server for de-identification.

Upload a zip archive mixing DICOM images, WFDB signals and clinical reports
and get one archive back, or schedule image conversions in the background
and download their results later.

The server address is taken from --server, then MEDPIPE_SERVER_URL.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(serverURL)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (default $MEDPIPE_SERVER_URL or http://localhost:8000)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(preprocessCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(downloadCmd)
}

func debugf(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
