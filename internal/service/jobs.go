// Package service provides the batch pipeline, job tracking and background
// processing for medpipe.
package service

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/medpipe/internal/models"
)

// ErrJobNotFound is returned when a job id is not tracked.
var ErrJobNotFound = errors.New("job not found")

// DefaultMaxJobs is the default soft cap of the registry.
const DefaultMaxJobs = 1000

// Tracker is the in-memory job registry. One mutex guards the whole map and
// every reader gets a copy of the record.
type Tracker struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	maxJobs int
	now     func() time.Time
	logger  *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a registry holding about maxJobs records.
func NewTracker(maxJobs int, opts ...TrackerOption) *Tracker {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	t := &Tracker{
		jobs:    make(map[string]*models.Job),
		maxJobs: maxJobs,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a pending job and returns its id. When the registry is
// full the oldest terminal jobs are evicted first; if nothing can be evicted
// the registry grows past its cap.
func (t *Tracker) Create(metadata map[string]any) string {
	id := uuid.NewString()
	if metadata == nil {
		metadata = map[string]any{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.jobs) >= t.maxJobs {
		t.evictLocked()
	}

	t.jobs[id] = &models.Job{
		ID:        id,
		Status:    models.JobStatusPending,
		CreatedAt: t.now(),
		Metadata:  metadata,
	}

	t.logger.Debug("job created", "job_id", id, "jobs", len(t.jobs))
	return id
}

// evictLocked drops the oldest terminal jobs by completion time: at least a
// tenth of the cap, and enough to make room when possible.
func (t *Tracker) evictLocked() {
	var terminal []*models.Job
	for _, j := range t.jobs {
		if j.Status.Terminal() {
			terminal = append(terminal, j)
		}
	}

	if len(terminal) == 0 {
		t.logger.Warn("job registry over capacity, no terminal jobs to evict",
			"jobs", len(t.jobs), "max_jobs", t.maxJobs)
		return
	}

	slices.SortFunc(terminal, func(a, b *models.Job) int {
		return cmp.Or(completedAt(a).Compare(completedAt(b)), cmp.Compare(a.ID, b.ID))
	})

	n := max(len(t.jobs)-t.maxJobs+1, t.maxJobs/10, 1)
	n = min(n, len(terminal))
	for _, j := range terminal[:n] {
		delete(t.jobs, j.ID)
	}

	t.logger.Info("evicted terminal jobs", "evicted", n, "jobs", len(t.jobs))
}

func completedAt(j *models.Job) time.Time {
	if j.CompletedAt == nil {
		return time.Time{}
	}
	return *j.CompletedAt
}

// Get returns a copy of the job.
func (t *Tracker) Get(id string) (models.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return j.Clone(), true
}

type update struct {
	progress *int
	message  *string
}

// UpdateOption carries optional fields of a status update.
type UpdateOption func(*update)

// WithProgress sets the progress percent. Values are clamped to [0,100].
func WithProgress(p int) UpdateOption {
	return func(u *update) { u.progress = &p }
}

// WithMessage sets the human readable status message.
func WithMessage(msg string) UpdateOption {
	return func(u *update) { u.message = &msg }
}

// UpdateStatus moves a job to status. It reports false when the job is
// absent or already terminal; terminal jobs are never modified.
func (t *Tracker) UpdateStatus(id string, status models.JobStatus, opts ...UpdateOption) bool {
	var u update
	for _, opt := range opts {
		opt(&u)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	if status == models.JobStatusPending && j.Status != models.JobStatusPending {
		return false
	}

	prev := j.Status
	j.Status = status

	if u.progress != nil {
		p := min(100, max(0, *u.progress))
		if prev == models.JobStatusProcessing && status == models.JobStatusProcessing {
			p = max(p, j.ProgressPercent)
		}
		j.ProgressPercent = p
	}
	if u.message != nil {
		j.Message = *u.message
	}

	now := t.now()
	if status == models.JobStatusProcessing && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if status.Terminal() {
		j.CompletedAt = &now
		if status == models.JobStatusCompleted {
			j.ProgressPercent = 100
		}
	}
	return true
}

// SetResult attaches a result payload without changing the status.
func (t *Tracker) SetResult(id string, result map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	j.Result = result
	return true
}

// SetError marks the job failed with msg in one step.
func (t *Tracker) SetError(id, msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	now := t.now()
	j.Error = &msg
	j.Status = models.JobStatusFailed
	j.CompletedAt = &now
	return true
}

// Cancel marks a pending or processing job cancelled and returns the record.
// Cancelling a terminal job changes nothing.
func (t *Tracker) Cancel(id string) (models.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if !j.Status.Terminal() {
		now := t.now()
		j.Status = models.JobStatusCancelled
		j.Message = "cancelled by client"
		j.CompletedAt = &now
		t.logger.Info("job cancelled", "job_id", id)
	}
	return j.Clone(), nil
}

// List returns jobs newest first, optionally filtered by status (empty
// matches all), together with the number of matching jobs before limit is
// applied. A non-positive limit returns every match.
func (t *Tracker) List(status models.JobStatus, limit int) ([]models.Job, int) {
	t.mu.Lock()
	jobs := make([]models.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, j.Clone())
	}
	t.mu.Unlock()

	slices.SortFunc(jobs, func(a, b models.Job) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	total := len(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, total
}

// Delete removes a job unconditionally.
func (t *Tracker) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Counts returns the number of jobs per status.
func (t *Tracker) Counts() map[models.JobStatus]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[models.JobStatus]int)
	for _, j := range t.jobs {
		counts[j.Status]++
	}
	return counts
}
