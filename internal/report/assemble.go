// Package report merges per-category result archives and a processing
// report into the final batch archive.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/classify"
	"github.com/raphaelgruber/medpipe/internal/dispatch"
)

// FileName is the name of the report entry inside the final archive.
const FileName = "processing_report.txt"

// maxUnknownListed caps the unknown-file listing.
const maxUnknownListed = 20

const rule = "============================================================"

// ArchiveName returns the entry name of the sub-archive for c.
func ArchiveName(c classify.Category) string {
	return c.String() + "_results.zip"
}

// Assemble builds the final archive: one sub-archive per successful category
// followed by the processing report. With no successes the archive holds only
// the report.
func Assemble(results dispatch.Results, summary classify.Summary, sourceName string, now time.Time) ([]byte, error) {
	w := archive.NewWriter()

	for _, c := range classify.Dispatchable {
		r, ok := results[c]
		if !ok || r.Outcome != dispatch.Success {
			continue
		}
		if err := w.AddBytes(ArchiveName(c), r.Archive); err != nil {
			return nil, err
		}
	}

	if err := w.AddBytes(FileName, []byte(Render(results, summary, sourceName, now))); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// Render produces the plain-text processing report. The output depends only
// on its arguments.
func Render(results dispatch.Results, summary classify.Summary, sourceName string, now time.Time) string {
	var b strings.Builder

	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line(rule)
	line("BATCH PROCESSING REPORT")
	line(rule)
	line("")
	line("Source file: %s", sourceName)
	line("Processed at: %s", now.UTC().Format("2006-01-02 15:04:05 MST"))
	line("")
	line("Extracted files: %d", summary.Total)
	line("")
	line("--- CLASSIFICATION ---")
	line("Images: %d files", summary.Images)
	line("Signals: %d groups", summary.SignalGroups)
	line("Text documents: %d files", summary.Text)
	line("Unknown: %d files", len(summary.Unknown))
	line("")
	line("--- RESULTS ---")

	for _, c := range classify.Dispatchable {
		line("%s: %s", c, outcomeLine(results[c]))
	}

	if len(summary.Unknown) > 0 {
		line("")
		line("--- UNRECOGNIZED FILES ---")
		for i, name := range summary.Unknown {
			if i == maxUnknownListed {
				line("  ... and %d more", len(summary.Unknown)-maxUnknownListed)
				break
			}
			line("  - %s", name)
		}
	}

	line("")
	line(rule)
	line("Processing finished.")
	line(rule)

	return b.String()
}

func outcomeLine(r dispatch.Result) string {
	switch r.Outcome {
	case dispatch.Success:
		return "Success"
	case dispatch.Failure:
		return "Failed: " + r.Reason
	default:
		return "No files to process"
	}
}
