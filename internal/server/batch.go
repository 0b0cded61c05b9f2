package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/raphaelgruber/medpipe/internal/classify"
)

// BatchOutcomeHeader reports whether every category succeeded.
const BatchOutcomeHeader = "X-Batch-Outcome"

// archiveField is the multipart field carrying the batch archive.
const archiveField = "file"

// handleBatch streams the uploaded archive into the batch pipeline and
// answers with the combined result archive.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	limits := s.batch.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxBytes+multipartMemory)

	part, name, err := archivePart(r)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer part.Close()

	if !strings.EqualFold(filepath.Ext(name), ".zip") {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("%q is not a zip archive", name), errInvalidArchive)
		return
	}

	result, err := s.batch.Process(r.Context(), part, name)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}

	w.Header().Set(BatchOutcomeHeader, string(result.Outcome))
	writeArchive(w, "processed_batch_"+s.now().Format("20060102_150405")+".zip", result.Archive)
}

// archivePart returns the reader of the "file" part without buffering the
// rest of the form.
func archivePart(r *http.Request) (io.ReadCloser, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errBadMultipart, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", fmt.Errorf("%w: missing %q field", errBadMultipart, archiveField)
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, "", err
			}
			return nil, "", fmt.Errorf("%w: %v", errBadMultipart, err)
		}
		if part.FormName() == archiveField && part.FileName() != "" {
			return part, filepath.Base(part.FileName()), nil
		}
		part.Close()
	}
}

type batchLimits struct {
	MaxFiles            int     `json:"max_files"`
	MaxSizeMB           int64   `json:"max_size_mb"`
	MaxCompressionRatio float64 `json:"max_compression_ratio"`
}

type batchInfo struct {
	Description    string              `json:"description"`
	SupportedTypes map[string][]string `json:"supported_types"`
	Limits         batchLimits         `json:"limits"`
}

func (s *Server) handleBatchInfo(w http.ResponseWriter, _ *http.Request) {
	types := make(map[string][]string, len(classify.Dispatchable))
	for _, c := range classify.Dispatchable {
		types[c.String()] = slices.Sorted(slices.Values(classify.Extensions(c)))
	}
	limits := s.batch.Limits()
	writeJSON(w, http.StatusOK, batchInfo{
		Description:    "Upload a zip archive of medical files; each file type is routed to its pipeline",
		SupportedTypes: types,
		Limits: batchLimits{
			MaxFiles:            limits.MaxEntries,
			MaxSizeMB:           limits.MaxBytes / (1 << 20),
			MaxCompressionRatio: limits.MaxRatio,
		},
	})
}
