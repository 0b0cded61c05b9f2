package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/metrics"
	"github.com/raphaelgruber/medpipe/internal/models"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
	"github.com/raphaelgruber/medpipe/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("processing queue is full")
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is stopped")
)

// internalErrorMessage is the only failure text exposed for unexpected errors.
const internalErrorMessage = "internal processing error"

// Task is one asynchronous conversion. ScratchDir is owned by the task and
// removed when it finishes.
type Task struct {
	JobID       string
	ScratchDir  string
	Files       []string
	Processor   pipeline.Processor
	ArchiveName string
}

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Workers   int
	QueueSize int
	Tracker   *Tracker
	Store     storage.Store
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// WorkerPool runs submitted tasks on a fixed number of goroutines.
type WorkerPool struct {
	workers int
	queue   chan Task
	tracker *Tracker
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool. Call Start before submitting tasks.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WorkerPool{
		workers: cfg.Workers,
		queue:   make(chan Task, cfg.QueueSize),
		tracker: cfg.Tracker,
		store:   cfg.Store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Start launches the workers. Tasks run with ctx; cancelling it makes
// in-flight tasks fail at their next file.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for task := range p.queue {
				p.run(ctx, workerID, task)
			}
		}(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue", cap(p.queue))
}

// Submit enqueues a task without blocking.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet picked up.
func (p *WorkerPool) Pending() int {
	return len(p.queue)
}

// Stop rejects new tasks and waits for queued and running ones to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, workerID int, task Task) {
	l := p.logger.With("job_id", task.JobID, "worker", workerID)
	start := time.Now()

	defer func() {
		if task.ScratchDir != "" {
			if err := os.RemoveAll(task.ScratchDir); err != nil {
				l.Warn("failed to remove scratch dir", "dir", task.ScratchDir, "error", err)
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			l.Error("job panicked", "panic", r)
			p.fail(task.JobID)
		}
	}()

	processed, err := p.process(ctx, l, task)
	if p.metrics != nil {
		p.metrics.RecordTiming(metrics.OpJobRun, time.Since(start))
	}
	if errors.Is(err, errJobInactive) {
		l.Info("job no longer active, stopping")
		return
	}
	if err != nil {
		l.Error("job failed", "error", err)
		p.fail(task.JobID)
		return
	}

	l.Info("job completed", "processed", processed, "duration", time.Since(start).Round(time.Millisecond))
}

func (p *WorkerPool) fail(jobID string) {
	p.tracker.SetError(jobID, internalErrorMessage)
	if p.metrics != nil {
		p.metrics.RecordFailure(metrics.OpJobRun)
	}
}

// errJobInactive signals that the job became terminal while running, e.g.
// because the client cancelled it.
var errJobInactive = errors.New("job inactive")

func (p *WorkerPool) progress(jobID string, percent int, msg string) error {
	if !p.tracker.UpdateStatus(jobID, models.JobStatusProcessing, WithProgress(percent), WithMessage(msg)) {
		return errJobInactive
	}
	return nil
}

// process runs the conversion steps of task and returns the number of files
// converted.
func (p *WorkerPool) process(ctx context.Context, l *slog.Logger, task Task) (int, error) {
	if err := p.progress(task.JobID, 5, "starting"); err != nil {
		return 0, err
	}

	outDir := filepath.Join(task.ScratchDir, "output")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	total := len(task.Files)
	var items []pipeline.Item
	skipped := []string{}

	for i, path := range task.Files {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("interrupted: %w", err)
		}

		name := filepath.Base(path)
		percent := 10 + 70*i/total
		if err := p.progress(task.JobID, percent, fmt.Sprintf("processing %s (%d/%d)", name, i+1, total)); err != nil {
			return 0, err
		}

		item, err := task.Processor.ProcessItem(ctx, path, outDir)
		if err != nil {
			l.Warn("skipping file", "file", name, "error", err)
			skipped = append(skipped, name)
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		l.Warn("no file could be converted", "files", total)
	}

	if err := p.progress(task.JobID, 85, "writing manifest"); err != nil {
		return 0, err
	}
	if err := task.Processor.WriteManifest(outDir, items); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}

	if err := p.progress(task.JobID, 95, "assembling archive"); err != nil {
		return 0, err
	}
	data, err := archive.ZipDir(outDir)
	if err != nil {
		return 0, err
	}

	key := ResultKey(task.JobID)
	if err := p.store.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, fmt.Errorf("store result: %w", err)
	}

	result := map[string]any{
		models.ResultKey:            key,
		models.ResultArchiveName:    task.ArchiveName,
		models.ResultProcessedCount: len(items),
		models.ResultSkipped:        skipped,
	}
	if !p.tracker.SetResult(task.JobID, result) {
		p.discard(ctx, l, key)
		return 0, errJobInactive
	}

	msg := fmt.Sprintf("processed %d of %d files", len(items), total)
	if !p.tracker.UpdateStatus(task.JobID, models.JobStatusCompleted, WithMessage(msg)) {
		p.discard(ctx, l, key)
		return 0, errJobInactive
	}
	return len(items), nil
}

func (p *WorkerPool) discard(ctx context.Context, l *slog.Logger, key string) {
	if err := p.store.Delete(ctx, key); err != nil {
		l.Warn("failed to discard result", "key", key, "error", err)
	}
}

// ResultKey is the storage key of a job's result archive.
func ResultKey(jobID string) string {
	return jobID + ".zip"
}
