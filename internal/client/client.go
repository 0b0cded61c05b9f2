// Package client is the REST client of the medpipe server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/medpipe/internal/models"
)

// Client talks to a medpipe server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client.
// If baseURL is empty, uses MEDPIPE_SERVER_URL env var or defaults to localhost:8000.
// Timeout can be configured via MEDPIPE_CLIENT_TIMEOUT env var (default 2h, batch calls run long).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("MEDPIPE_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	timeout := 2 * time.Hour
	if t := os.Getenv("MEDPIPE_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Error is a non-2xx answer of the server.
type Error struct {
	StatusCode int
	Detail     string
	Type       string
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Type, e.Detail)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &Error{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
	var parsed models.APIError
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		apiErr.Detail = parsed.Detail
		apiErr.Type = parsed.ErrorType
	}
	return nil, apiErr
}

func (c *Client) getJSON(ctx context.Context, method, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// upload posts files as multipart parts of field, streaming them from disk.
func (c *Client) upload(ctx context.Context, path, field string, files []string) (*http.Response, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeParts(mw, field, files)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func writeParts(mw *multipart.Writer, field string, files []string) error {
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		part, err := mw.CreateFormFile(field, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return fmt.Errorf("send %s: %w", path, err)
		}
	}
	return nil
}

// BatchResult describes a downloaded batch archive.
type BatchResult struct {
	Filename string
	Outcome  string
	Bytes    int64
}

// ProcessBatch uploads the archive at zipPath and writes the result archive
// to w.
func (c *Client) ProcessBatch(ctx context.Context, zipPath string, w io.Writer) (*BatchResult, error) {
	resp, err := c.upload(ctx, "/batch/process_zip", "file", []string{zipPath})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	return &BatchResult{
		Filename: attachmentName(resp),
		Outcome:  resp.Header.Get("X-Batch-Outcome"),
		Bytes:    n,
	}, nil
}

// PreprocessImages schedules asynchronous anonymization of DICOM files.
// Zero sizes leave the server default.
func (c *Client) PreprocessImages(ctx context.Context, files []string, height, width int) (*models.AsyncAccepted, error) {
	q := url.Values{}
	if height > 0 {
		q.Set("n", strconv.Itoa(height))
	}
	if width > 0 {
		q.Set("m", strconv.Itoa(width))
	}
	path := "/images/preprocess_async"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.upload(ctx, path, "files", files)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var accepted models.AsyncAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &accepted, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.getJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status models.JobStatus, limit int) (*models.JobList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list models.JobList
	if err := c.getJSON(ctx, http.MethodGet, path, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CancelJob cancels a job and returns its record.
func (c *Client) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.getJSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DownloadResult writes the result archive of a completed job to w and
// returns its file name.
func (c *Client) DownloadResult(ctx context.Context, id string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/images/download_result/"+url.PathEscape(id), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("download result: %w", err)
	}
	return attachmentName(resp), nil
}

// WatchJob streams job snapshots over a websocket, calling fn for each, until
// the job reaches a terminal state. It returns the last snapshot.
func (c *Client) WatchJob(ctx context.Context, id string, fn func(models.Job)) (*models.Job, error) {
	u, err := url.Parse(c.baseURL + "/jobs/" + url.PathEscape(id) + "/watch")
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &Error{StatusCode: resp.StatusCode, Detail: "job " + id + " not found", Type: "not_found"}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var last *models.Job
	for {
		var job models.Job
		if err := conn.ReadJSON(&job); err != nil {
			if last != nil && last.Status.Terminal() {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("watch job: %w", err)
		}
		last = &job
		if fn != nil {
			fn(job)
		}
	}
}

// Health returns the server version.
func (c *Client) Health(ctx context.Context) (string, error) {
	var h struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, http.MethodGet, "/health", &h); err != nil {
		return "", err
	}
	return h.Version, nil
}

func attachmentName(resp *http.Response) string {
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}
