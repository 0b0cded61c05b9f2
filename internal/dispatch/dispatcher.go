// Package dispatch forwards classified files to the conversion pipeline of
// their category and records the outcome per category.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/classify"
	"github.com/raphaelgruber/medpipe/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// maxReasonLen bounds error bodies copied into a failure reason.
const maxReasonLen = 500

// DefaultTimeout is the per-category call timeout. Conversions can take
// several minutes per file.
const DefaultTimeout = time.Hour

// Outcome tags a category result.
type Outcome int

const (
	Skipped Outcome = iota
	Success
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "skipped"
	}
}

// Result is the outcome of dispatching one category.
type Result struct {
	Category classify.Category
	Outcome  Outcome
	Archive  []byte // set on Success
	Reason   string // set on Failure
}

// Results maps each dispatchable category to its outcome.
type Results map[classify.Category]Result

// Successes returns the number of successful categories.
func (r Results) Successes() int {
	n := 0
	for _, res := range r {
		if res.Outcome == Success {
			n++
		}
	}
	return n
}

// Failures returns the number of failed categories.
func (r Results) Failures() int {
	n := 0
	for _, res := range r {
		if res.Outcome == Failure {
			n++
		}
	}
	return n
}

// Routes maps each dispatchable category to its pipeline endpoint.
type Routes map[classify.Category]string

// routePaths are the pipeline paths relative to the service base URL.
var routePaths = map[classify.Category]string{
	classify.Image:  "/images/preprocess_dicom_files",
	classify.Signal: "/signals/download_metadata",
	classify.Text:   "/text/annotations_zip",
}

// NewRoutes resolves the pipeline endpoints against baseURL.
func NewRoutes(baseURL string) (Routes, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s): %q", baseURL)
	}

	routes := make(Routes, len(routePaths))
	for c, p := range routePaths {
		routes[c] = base.JoinPath(p).String()
	}
	return routes, nil
}

// Config configures a Dispatcher.
type Config struct {
	Routes      Routes
	Timeout     time.Duration
	Parallelism int
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Dispatcher sends each category of a bundle to its pipeline.
type Dispatcher struct {
	routes      Routes
	timeout     time.Duration
	parallelism int
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// New creates a dispatcher. Every dispatchable category must have a route.
func New(cfg Config) (*Dispatcher, error) {
	for _, c := range classify.Dispatchable {
		if cfg.Routes[c] == "" {
			return nil, fmt.Errorf("no route for category %s", c)
		}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.HTTPClient == nil {
		// Timeouts are applied per call through the request context.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		routes:      cfg.Routes,
		timeout:     cfg.Timeout,
		parallelism: cfg.Parallelism,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Dispatch processes every dispatchable category of b. Category failures are
// reported in the returned Results; an error is returned only when ctx ends
// before dispatch completes.
func (d *Dispatcher) Dispatch(ctx context.Context, b classify.Bundle) (Results, error) {
	results := make(Results, len(classify.Dispatchable))
	collected := make([]Result, len(classify.Dispatchable))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)

	for i, c := range classify.Dispatchable {
		files := b.Files(c)
		if len(files) == 0 {
			collected[i] = Result{Category: c, Outcome: Skipped}
			continue
		}

		g.Go(func() error {
			collected[i] = d.dispatchCategory(gctx, c, files)
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dispatch cancelled: %w", err)
	}

	for _, r := range collected {
		results[r.Category] = r
	}
	return results, nil
}

func (d *Dispatcher) dispatchCategory(ctx context.Context, c classify.Category, files []string) Result {
	l := d.logger.With("category", c.String(), "files", len(files))
	start := time.Now()

	data, err := d.send(ctx, c, files)
	if d.metrics != nil {
		d.metrics.RecordTiming(metrics.DispatchOp(c.String()), time.Since(start))
	}
	if err != nil {
		l.Error("category dispatch failed", "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return Result{Category: c, Outcome: Failure, Reason: err.Error()}
	}

	l.Info("category processed", "bytes", len(data), "duration", time.Since(start).Round(time.Millisecond))
	return Result{Category: c, Outcome: Success, Archive: data}
}

// send posts files to the pipeline of c and returns the archive it produced.
func (d *Dispatcher) send(ctx context.Context, c classify.Category, files []string) ([]byte, error) {
	endpoint := d.routes[c]

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, contentType := multipartBody(files)
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	d.logger.Info("sending files to pipeline", "category", c.String(), "url", endpoint, "files", len(files))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call pipeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonLen))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = "no error details"
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}

	if !isArchive(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("unexpected non-archive response for %s (%s)", c, resp.Header.Get("Content-Type"))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read pipeline response: %w", err)
	}
	return data, nil
}

func isArchive(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == archive.ContentType
}

// multipartBody streams files as a multipart form with one "files" part per
// file.
func multipartBody(files []string) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeParts(mw, files)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType()
}

func writeParts(mw *multipart.Writer, files []string) error {
	for _, path := range files {
		if err := writePart(mw, path); err != nil {
			return err
		}
	}
	return nil
}

func writePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create part %s: %w", path, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}
