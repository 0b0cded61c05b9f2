package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/classify"
	"github.com/raphaelgruber/medpipe/internal/dispatch"
	"github.com/raphaelgruber/medpipe/internal/metrics"
	"github.com/raphaelgruber/medpipe/internal/report"
)

var (
	// ErrNoFilesFound is returned when an archive holds no extractable file.
	ErrNoFilesFound = errors.New("no files found in archive")
	// ErrNoProcessableFiles is returned when every extracted file is unknown.
	ErrNoProcessableFiles = errors.New("no processable files found")
)

// BatchOutcome summarizes a batch run across categories.
type BatchOutcome string

const (
	BatchSuccess BatchOutcome = "success"
	BatchPartial BatchOutcome = "partial"
	BatchFailed  BatchOutcome = "failed"
)

// Dispatcher fans a classified bundle out to the conversion pipelines.
type Dispatcher interface {
	Dispatch(ctx context.Context, b classify.Bundle) (dispatch.Results, error)
}

// BatchResult is the assembled output of one batch run.
type BatchResult struct {
	Archive []byte
	Outcome BatchOutcome
	Summary classify.Summary
	Results dispatch.Results
}

// BatchService extracts an uploaded archive, classifies its files, sends each
// category to its pipeline and assembles the combined result.
type BatchService struct {
	guard      *archive.Guard
	dispatcher Dispatcher
	scratchDir string
	logger     *slog.Logger
	metrics    *metrics.Collector
	now        func() time.Time
}

// BatchConfig configures a BatchService.
type BatchConfig struct {
	Guard      *archive.Guard
	Dispatcher Dispatcher
	ScratchDir string // parent of per-request scratch dirs; os temp dir if empty
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// NewBatchService creates a batch service.
func NewBatchService(cfg BatchConfig) *BatchService {
	if cfg.Guard == nil {
		cfg.Guard = archive.NewGuard(archive.DefaultLimits(), cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BatchService{
		guard:      cfg.Guard,
		dispatcher: cfg.Dispatcher,
		scratchDir: cfg.ScratchDir,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// Limits returns the archive limits enforced on uploads.
func (s *BatchService) Limits() archive.Limits {
	return s.guard.Limits()
}

// Process runs the whole pipeline for the archive read from r. The scratch
// directory is removed before Process returns.
func (s *BatchService) Process(ctx context.Context, r io.Reader, sourceName string) (*BatchResult, error) {
	start := time.Now()
	l := s.logger.With("source", sourceName)

	scratch, err := os.MkdirTemp(s.scratchDir, "batch-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			l.Warn("failed to remove scratch dir", "dir", scratch, "error", err)
		}
	}()

	upload := filepath.Join(scratch, "upload.zip")
	if err := spool(r, upload); err != nil {
		return nil, err
	}

	extractStart := time.Now()
	files, err := s.guard.ExtractFile(upload, filepath.Join(scratch, "extracted"))
	if s.metrics != nil {
		s.metrics.RecordTiming(metrics.OpExtract, time.Since(extractStart))
	}
	if err != nil {
		l.Warn("archive rejected", "error", err)
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFilesFound
	}
	l.Info("archive extracted", "files", len(files))

	bundle := classify.Classify(files)
	summary := bundle.Summary()
	l.Info("files classified",
		"images", summary.Images,
		"signal_groups", summary.SignalGroups,
		"text", summary.Text,
		"unknown", len(summary.Unknown))

	if bundle.Processable() == 0 {
		return nil, fmt.Errorf("%w: %d unrecognized files", ErrNoProcessableFiles, len(summary.Unknown))
	}

	results, err := s.dispatcher.Dispatch(ctx, bundle)
	if err != nil {
		return nil, err
	}

	data, err := report.Assemble(results, summary, sourceName, s.now())
	if err != nil {
		return nil, fmt.Errorf("assemble result: %w", err)
	}

	outcome := outcomeOf(results)
	if s.metrics != nil {
		s.metrics.RecordTiming(metrics.OpBatch, time.Since(start))
		if outcome == BatchFailed {
			s.metrics.RecordFailure(metrics.OpBatch)
		}
	}

	l.Info("batch processed",
		"outcome", outcome,
		"succeeded", results.Successes(),
		"failed", results.Failures(),
		"bytes", len(data),
		"duration", time.Since(start).Round(time.Millisecond))

	return &BatchResult{Archive: data, Outcome: outcome, Summary: summary, Results: results}, nil
}

func outcomeOf(results dispatch.Results) BatchOutcome {
	switch {
	case results.Failures() == 0:
		return BatchSuccess
	case results.Successes() == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

func spool(r io.Reader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("save upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	return nil
}
