package server

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/medpipe/internal/metrics"
	"github.com/raphaelgruber/medpipe/internal/pipeline/reports"
	"github.com/raphaelgruber/medpipe/internal/pipeline/signals"
)

// handleSignalArchive splits WFDB header metadata into personal and
// clinical tables and answers with them as an archive.
func (s *Server) handleSignalArchive(w http.ResponseWriter, r *http.Request) {
	set, err := s.receiveUploads(w, r, signals.Extensions)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer os.RemoveAll(set.Dir)

	start := time.Now()
	data, err := signals.Archive(set.Paths)
	s.record(metrics.PipelineOp("signals"), start, err)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	writeArchive(w, signals.ArchiveName, data)
}

// handleSignalSummary returns the same split as JSON.
func (s *Server) handleSignalSummary(w http.ResponseWriter, r *http.Request) {
	set, err := s.receiveUploads(w, r, signals.Extensions)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer os.RemoveAll(set.Dir)

	summary, err := signals.Summarize(set.Paths)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAnnotations annotates reports and tables and answers with the
// personal and clinical tables as an archive.
func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	set, err := s.receiveUploads(w, r, reports.Extensions)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer os.RemoveAll(set.Dir)

	start := time.Now()
	data, err := reports.BuildArchive(set.Paths, s.now())
	s.record(metrics.PipelineOp("text"), start, err)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	writeArchive(w, reports.ArchiveName, data)
}

// handleAnalyze returns the fields extracted from free-text reports.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	set, err := s.receiveUploads(w, r, reports.Extensions)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer os.RemoveAll(set.Dir)

	writeJSON(w, http.StatusOK, reports.Analyze(set.Paths))
}

// columnsField names the columns to drop, repeated or comma separated.
const columnsField = "columns"

// handleRemoveColumns drops the requested columns from uploaded tables and
// answers with the rewritten tables as an archive.
func (s *Server) handleRemoveColumns(w http.ResponseWriter, r *http.Request) {
	set, err := s.receiveUploads(w, r, reports.TableExtensions)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer os.RemoveAll(set.Dir)

	var columns []string
	for _, v := range r.MultipartForm.Value[columnsField] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
	}
	if len(columns) == 0 {
		writeError(w, http.StatusBadRequest, "no column to remove, set the columns field", errInvalidRequest)
		return
	}

	start := time.Now()
	data, results, err := reports.RemoveColumns(set.Paths, columns)
	s.record(metrics.PipelineOp("columns"), start, err)
	for _, res := range results {
		if res.Error != "" {
			s.logger.Warn("skipping table", "file", res.Filename, "error", res.Error, "request_id", RequestID(r.Context()))
		}
	}
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	writeArchive(w, reports.RedactedArchiveName, data)
}
