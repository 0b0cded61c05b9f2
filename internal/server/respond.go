package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/models"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
	"github.com/raphaelgruber/medpipe/internal/pipeline/reports"
	"github.com/raphaelgruber/medpipe/internal/pipeline/signals"
	"github.com/raphaelgruber/medpipe/internal/service"
)

// Error types of the JSON error body.
const (
	errInvalidArchive     = "invalid_archive"
	errNoFilesFound       = "no_files_found"
	errNoProcessableFiles = "no_processable_files"
	errInvalidUpload      = "invalid_upload"
	errInvalidFile        = "invalid_file"
	errInvalidRequest     = "invalid_request"
	errNotFound           = "not_found"
	errConflict           = "conflict"
	errGone               = "gone"
	errTooLarge           = "request_too_large"
	errInternal           = "internal_error"
)

// internalErrorMessage is the only detail exposed for unexpected failures.
const internalErrorMessage = "internal processing error"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail, errorType string) {
	writeJSON(w, status, models.APIError{Detail: detail, ErrorType: errorType})
}

// classifyError maps a processing error to its status and error type.
// Unknown errors map to 500.
func classifyError(err error) (int, string) {
	var (
		maxBytes *http.MaxBytesError
		itemErr  *pipeline.ItemError
	)
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, errTooLarge
	case errors.Is(err, archive.ErrInvalidArchive),
		errors.Is(err, archive.ErrTooLarge),
		errors.Is(err, archive.ErrSuspiciousRatio),
		errors.Is(err, archive.ErrTooManyEntries):
		return http.StatusBadRequest, errInvalidArchive
	case errors.Is(err, service.ErrNoFilesFound),
		errors.Is(err, signals.ErrNoHeaders),
		errors.Is(err, reports.ErrNoValidFiles):
		return http.StatusBadRequest, errNoFilesFound
	case errors.Is(err, service.ErrNoProcessableFiles):
		return http.StatusBadRequest, errNoProcessableFiles
	case errors.Is(err, pipeline.ErrNoFiles),
		errors.Is(err, pipeline.ErrTooManyFiles),
		errors.Is(err, pipeline.ErrFileTooLarge),
		errors.Is(err, pipeline.ErrExtensionNotAllowed),
		errors.Is(err, errBadMultipart):
		return http.StatusBadRequest, errInvalidUpload
	case errors.As(err, &itemErr), errors.Is(err, signals.ErrMalformedHeader):
		return http.StatusBadRequest, errInvalidFile
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound, errNotFound
	default:
		return http.StatusInternalServerError, errInternal
	}
}

// writeFailure renders err. Client errors carry their message; anything
// else is logged and answered with a generic detail.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, errType := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request processing failed",
			"request_id", RequestID(r.Context()),
			"path", r.URL.Path,
			"error", err)
		writeError(w, status, internalErrorMessage, errType)
		return
	}
	writeError(w, status, err.Error(), errType)
}

// writeArchive sends data as a zip attachment.
func writeArchive(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", archive.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
