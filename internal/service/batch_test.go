package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/classify"
	"github.com/raphaelgruber/medpipe/internal/dispatch"
	"github.com/raphaelgruber/medpipe/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readEntries(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = b
	}
	return out
}

// pipelines answers every category route with a zip, except those listed in
// failing, which answer 500.
func pipelines(t *testing.T, failing ...string) *httptest.Server {
	t.Helper()
	fail := make(map[string]bool)
	for _, p := range failing {
		fail[p] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail[r.URL.Path] {
			http.Error(w, "pipeline unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", archive.ContentType)
		_, _ = io.WriteString(w, "result of "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBatchService(t *testing.T, srv *httptest.Server, scratch string) *BatchService {
	t.Helper()
	routes, err := dispatch.NewRoutes(srv.URL)
	require.NoError(t, err)
	d, err := dispatch.New(dispatch.Config{Routes: routes})
	require.NoError(t, err)
	return NewBatchService(BatchConfig{Dispatcher: d, ScratchDir: scratch})
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch space must be removed")
}

func TestBatchService_EndToEnd(t *testing.T) {
	scratch := t.TempDir()
	svc := newBatchService(t, pipelines(t), scratch)

	upload := buildArchive(t, map[string]string{
		"a.dcm":       "dicom",
		"rec.hea":     "rec 1 360 100",
		"rec.dat":     "\x00\x01",
		"notes.txt":   "Patient: Jane Doe",
		"mystery.xyz": "?",
	})

	res, err := svc.Process(context.Background(), bytes.NewReader(upload), "study.zip")
	require.NoError(t, err)
	assert.Equal(t, BatchSuccess, res.Outcome)

	entries := readEntries(t, res.Archive)
	assert.Len(t, entries, 4)
	assert.Equal(t, "result of /images/preprocess_dicom_files", string(entries["images_results.zip"]))
	assert.Equal(t, "result of /signals/download_metadata", string(entries["signals_results.zip"]))
	assert.Equal(t, "result of /text/annotations_zip", string(entries["text_results.zip"]))

	rep := string(entries[report.FileName])
	assert.Contains(t, rep, "Source file: study.zip")
	assert.Contains(t, rep, "Extracted files: 5")
	assert.Contains(t, rep, "Unknown: 1 files")
	assert.Contains(t, rep, "  - mystery.xyz")
	assert.Contains(t, rep, "images: Success")
	assert.Contains(t, rep, "signals: Success")
	assert.Contains(t, rep, "text: Success")

	assertEmptyDir(t, scratch)
}

func TestBatchService_PartialFailure(t *testing.T) {
	scratch := t.TempDir()
	svc := newBatchService(t, pipelines(t, "/images/preprocess_dicom_files"), scratch)

	upload := buildArchive(t, map[string]string{
		"a.dcm":     "dicom",
		"rec.hea":   "rec 1 360 100",
		"notes.txt": "text",
	})

	res, err := svc.Process(context.Background(), bytes.NewReader(upload), "in.zip")
	require.NoError(t, err)
	assert.Equal(t, BatchPartial, res.Outcome)

	entries := readEntries(t, res.Archive)
	assert.NotContains(t, entries, "images_results.zip")
	assert.Contains(t, entries, "signals_results.zip")
	assert.Contains(t, entries, "text_results.zip")
	assert.Contains(t, string(entries[report.FileName]), "images: Failed: status 500: pipeline unavailable")
	assertEmptyDir(t, scratch)
}

func TestBatchService_TotalFailure(t *testing.T) {
	svc := newBatchService(t, pipelines(t, "/text/annotations_zip"), t.TempDir())

	upload := buildArchive(t, map[string]string{"notes.txt": "text"})
	res, err := svc.Process(context.Background(), bytes.NewReader(upload), "in.zip")
	require.NoError(t, err)
	assert.Equal(t, BatchFailed, res.Outcome)

	entries := readEntries(t, res.Archive)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries, report.FileName)
}

func TestBatchService_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		upload  []byte
		wantErr error
	}{
		{"not an archive", []byte("plain text"), archive.ErrInvalidArchive},
		{"empty archive", buildArchive(t, nil), ErrNoFilesFound},
		{"only unknown files", buildArchive(t, map[string]string{"a.xyz": "1", "b.bin": "2"}), ErrNoProcessableFiles},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scratch := t.TempDir()
			svc := newBatchService(t, pipelines(t), scratch)

			res, err := svc.Process(context.Background(), bytes.NewReader(tt.upload), "in.zip")
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assertEmptyDir(t, scratch)
		})
	}
}

type cancelledDispatcher struct{}

func (cancelledDispatcher) Dispatch(ctx context.Context, _ classify.Bundle) (dispatch.Results, error) {
	return nil, context.Canceled
}

func TestBatchService_DispatchCancelled(t *testing.T) {
	scratch := t.TempDir()
	svc := NewBatchService(BatchConfig{Dispatcher: cancelledDispatcher{}, ScratchDir: scratch})

	upload := buildArchive(t, map[string]string{"a.dcm": "x"})
	_, err := svc.Process(context.Background(), bytes.NewReader(upload), "in.zip")
	assert.ErrorIs(t, err, context.Canceled)
	assertEmptyDir(t, scratch)
}

func TestOutcomeOf(t *testing.T) {
	ok := dispatch.Result{Outcome: dispatch.Success}
	bad := dispatch.Result{Outcome: dispatch.Failure}
	skip := dispatch.Result{Outcome: dispatch.Skipped}

	assert.Equal(t, BatchSuccess, outcomeOf(dispatch.Results{classify.Image: ok, classify.Text: skip}))
	assert.Equal(t, BatchPartial, outcomeOf(dispatch.Results{classify.Image: ok, classify.Text: bad}))
	assert.Equal(t, BatchFailed, outcomeOf(dispatch.Results{classify.Image: bad, classify.Text: skip}))
}
