package server

import (
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/medpipe/internal/models"
)

// maxListLimit caps the number of jobs one listing returns.
const maxListLimit = 100

// watchWriteTimeout bounds a single websocket write.
const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	job, ok := s.tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id), errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := models.JobStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status), errInvalidRequest)
		return
	}

	limit := maxListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be a positive integer, got %q", v), errInvalidRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, total := s.tracker.List(status, limit)
	writeJSON(w, http.StatusOK, models.JobList{Total: total, Jobs: jobs})
}

// handleCancelJob cancels a pending or processing job. Cancelling a
// finished job returns it unchanged.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.Cancel(r.PathValue("job_id"))
	if err != nil {
		writeFailure(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleWatchJob upgrades to a websocket and sends a job snapshot every time
// it changes, closing after the terminal snapshot.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	job, ok := s.tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id), errNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	// The reader only notices the client going away; watchers send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(j models.Job) error {
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		return conn.WriteJSON(j)
	}

	if err := send(job); err != nil {
		return
	}

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	last := job
	for !last.Status.Terminal() {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}

		current, ok := s.tracker.Get(id)
		if !ok {
			// evicted while watched
			break
		}
		if reflect.DeepEqual(current, last) {
			continue
		}
		if err := send(current); err != nil {
			s.logger.Debug("watcher disconnected", "job_id", id, "error", err)
			return
		}
		last = current
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last.Status))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteTimeout))
}
