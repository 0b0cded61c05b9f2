package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/metrics"
	"github.com/raphaelgruber/medpipe/internal/models"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
	"github.com/raphaelgruber/medpipe/internal/pipeline/imaging"
	"github.com/raphaelgruber/medpipe/internal/service"
	"github.com/raphaelgruber/medpipe/internal/storage"
)

// defaultTargetSize is used when n or m is not given.
const defaultTargetSize = 256

// targetSize reads the n (height) and m (width) query parameters.
func targetSize(r *http.Request) (height, width int, err error) {
	parse := func(key string) (int, error) {
		v := r.URL.Query().Get(key)
		if v == "" {
			return defaultTargetSize, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
		}
		return n, nil
	}
	if height, err = parse("n"); err != nil {
		return 0, 0, err
	}
	if width, err = parse("m"); err != nil {
		return 0, 0, err
	}
	return height, width, nil
}

// handlePreprocess anonymizes the uploaded DICOM files and answers with the
// result archive. The first invalid file fails the whole request.
func (s *Server) handlePreprocess(w http.ResponseWriter, r *http.Request) {
	height, width, err := targetSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), errInvalidRequest)
		return
	}

	set, err := s.receiveUploads(w, r, imaging.Extensions)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer os.RemoveAll(set.Dir)

	start := time.Now()
	data, err := s.runImaging(r, set, height, width)
	s.record(metrics.PipelineOp("images"), start, err)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	writeArchive(w, imaging.ArchiveName, data)
}

func (s *Server) runImaging(r *http.Request, set *uploadSet, height, width int) ([]byte, error) {
	outDir := filepath.Join(set.Dir, "output")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	proc := imaging.New(imaging.Options{Height: height, Width: width, Now: s.now})
	if _, err := pipeline.Run(r.Context(), proc, set.Paths, outDir); err != nil {
		return nil, err
	}
	return archive.ZipDir(outDir)
}

// handlePreprocessAsync schedules the conversion on the worker pool and
// answers with the job token right away. A job that cannot be queued is
// recorded as failed; the token is returned either way.
func (s *Server) handlePreprocessAsync(w http.ResponseWriter, r *http.Request) {
	height, width, err := targetSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), errInvalidRequest)
		return
	}

	set, err := s.receiveUploads(w, r, imaging.Extensions)
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}

	names := make([]string, len(set.Paths))
	for i, p := range set.Paths {
		names[i] = filepath.Base(p)
	}
	id := s.tracker.Create(map[string]any{
		"pipeline":      "images",
		"file_count":    len(set.Paths),
		"filenames":     names,
		"target_height": height,
		"target_width":  width,
		"request_id":    RequestID(r.Context()),
	})

	err = s.pool.Submit(service.Task{
		JobID:       id,
		ScratchDir:  set.Dir,
		Files:       set.Paths,
		Processor:   imaging.New(imaging.Options{Height: height, Width: width, Now: s.now}),
		ArchiveName: imaging.ArchiveName,
	})
	if err != nil {
		s.logger.Warn("job not queued", "job_id", id, "error", err)
		s.tracker.SetError(id, err.Error())
		os.RemoveAll(set.Dir)
	}

	status := models.JobStatusPending
	if job, ok := s.tracker.Get(id); ok {
		status = job.Status
	}
	writeJSON(w, http.StatusOK, models.AsyncAccepted{
		JobID:     id,
		Status:    status,
		StatusURL: "/jobs/" + id,
	})
}

// handleDownloadResult streams the stored archive of a completed job.
func (s *Server) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	job, ok := s.tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id), errNotFound)
		return
	}
	if job.Status != models.JobStatusCompleted {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("job %s is %s, not completed", id, job.Status), errConflict)
		return
	}

	key, _ := job.Result[models.ResultKey].(string)
	name, _ := job.Result[models.ResultArchiveName].(string)
	if name == "" {
		name = key
	}

	rc, err := s.store.Open(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusGone, fmt.Sprintf("result of job %s is no longer available", id), errGone)
		return
	}
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", archive.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("result download interrupted", "job_id", id, "error", err)
	}
}
