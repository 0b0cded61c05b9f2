package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/medpipe/internal/client"
	"github.com/raphaelgruber/medpipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestJobError(t *testing.T) {
	tests := []struct {
		name string
		job  models.Job
		want string
	}{
		{"completed", models.Job{Status: models.JobStatusCompleted}, ""},
		{"failed with message", models.Job{Status: models.JobStatusFailed, Error: strPtr("internal processing error")}, "failed: internal processing error"},
		{"failed without message", models.Job{Status: models.JobStatusFailed}, "failed with unknown error"},
		{"cancelled", models.Job{Status: models.JobStatusCancelled}, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := jobError(&tt.job)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestResultSummary(t *testing.T) {
	job := &models.Job{Result: map[string]any{
		models.ResultProcessedCount: 2.0,
		models.ResultArchiveName:    "processed_medical_images.zip",
		models.ResultSkipped:        []any{"bad.dcm"},
	}}
	got := resultSummary(job)
	assert.Contains(t, got, "Files processed: 2")
	assert.Contains(t, got, "processed_medical_images.zip")
	assert.Contains(t, got, "Skipped (1):\n    - bad.dcm")

	assert.Empty(t, resultSummary(&models.Job{}))
	assert.Empty(t, resultSummary(nil))
}

func TestWatchPlain(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(models.Job{ID: "j", Status: models.JobStatusProcessing, ProgressPercent: 40, Message: "processing a.dcm (1/2)"})
		conn.WriteJSON(models.Job{ID: "j", Status: models.JobStatusFailed, Error: strPtr("internal processing error")})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := WatchPlain(context.Background(), client.New(srv.URL), "j", &out)
	require.EqualError(t, err, "failed: internal processing error")
	assert.Contains(t, out.String(), "processing  40% processing a.dcm (1/2)")
}
