// Package server provides the medpipe HTTP API.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/raphaelgruber/medpipe/internal/metrics"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
	"github.com/raphaelgruber/medpipe/internal/service"
	"github.com/raphaelgruber/medpipe/internal/storage"
)

// Config holds the dependencies of a Server.
type Config struct {
	Batch        *service.BatchService
	Tracker      *service.Tracker
	Pool         *service.WorkerPool
	Store        storage.Store
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	UploadLimits pipeline.UploadLimits
	ScratchDir   string // parent of per-request scratch dirs; os temp dir if empty
	Version      string

	// WatchInterval is how often a websocket watcher polls its job.
	WatchInterval time.Duration
	// Now is the clock used for archive names and annotation ids.
	Now func() time.Time
}

// Server routes HTTP requests to the batch service, the conversion
// pipelines and the job registry.
type Server struct {
	batch         *service.BatchService
	tracker       *service.Tracker
	pool          *service.WorkerPool
	store         storage.Store
	metrics       *metrics.Collector
	logger        *slog.Logger
	uploadLimits  pipeline.UploadLimits
	scratchDir    string
	version       string
	watchInterval time.Duration
	now           func() time.Time
}

// New creates a server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	if cfg.UploadLimits == (pipeline.UploadLimits{}) {
		cfg.UploadLimits = pipeline.DefaultUploadLimits()
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		batch:         cfg.Batch,
		tracker:       cfg.Tracker,
		pool:          cfg.Pool,
		store:         cfg.Store,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		uploadLimits:  cfg.UploadLimits,
		scratchDir:    cfg.ScratchDir,
		version:       cfg.Version,
		watchInterval: cfg.WatchInterval,
		now:           cfg.Now,
	}
}

// Handler returns the routed handler wrapped in recovery and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /batch/process_zip", s.handleBatch)
	mux.HandleFunc("GET /batch/{$}", s.handleBatchInfo)

	mux.HandleFunc("POST /images/preprocess_dicom_files", s.handlePreprocess)
	mux.HandleFunc("POST /images/preprocess_async", s.handlePreprocessAsync)
	mux.HandleFunc("GET /images/download_result/{job_id}", s.handleDownloadResult)

	mux.HandleFunc("POST /signals/download_metadata", s.handleSignalArchive)
	mux.HandleFunc("POST /signals/upload_signals", s.handleSignalSummary)

	mux.HandleFunc("POST /text/annotations_zip", s.handleAnnotations)
	mux.HandleFunc("POST /text/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /text/remove_columns", s.handleRemoveColumns)

	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{job_id}", s.handleCancelJob)
	mux.HandleFunc("GET /jobs/{job_id}/watch", s.handleWatchJob)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	return LoggingMiddleware(s.logger, RecoverMiddleware(s.logger, mux))
}

// record times one pipeline call and counts it as failed when err is set.
func (s *Server) record(op string, start time.Time, err error) {
	s.metrics.RecordTiming(op, time.Since(start))
	if err != nil {
		s.metrics.RecordFailure(op)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

type statsResponse struct {
	metrics.Snapshot
	Jobs         map[string]int `json:"jobs"`
	QueuePending int            `json:"queue_pending"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Snapshot: s.metrics.Snapshot(), Jobs: map[string]int{}}
	if s.tracker != nil {
		for status, n := range s.tracker.Counts() {
			resp.Jobs[string(status)] = n
		}
	}
	if s.pool != nil {
		resp.QueuePending = s.pool.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}
