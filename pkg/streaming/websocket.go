// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package streaming exposes the job database and its state transitions
// over HTTP and WebSocket for external monitors.
package streaming

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jontk/gridrun/pkg/jobdb"
	"github.com/jontk/gridrun/pkg/logging"
	"github.com/jontk/gridrun/pkg/watch"
)

// StreamMessage represents a message sent over WebSocket
type StreamMessage struct {
	Type      string         `json:"type"`
	Event     *watch.JobEvent `json:"event,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// JobSummary is the REST representation of one job record
type JobSummary struct {
	Jobnum  int    `json:"jobnum"`
	State   string `json:"state"`
	GCID    string `json:"gc_id,omitempty"`
	Attempt int    `json:"attempt"`
}

// Server provides a WebSocket interface for job events, wrapping the
// polling-based watch functionality
type Server struct {
	db       *jobdb.TextFileJobDB
	poller   *watch.JobPoller
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a monitoring server over the job database
func NewServer(db *jobdb.TextFileJobDB, poller *watch.JobPoller, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	return &Server{
		db:     db,
		poller: poller,
		logger: logger.With("component", "streaming"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Monitoring runs on the submit host; same-host use only
				return true
			},
		},
	}
}

// Router returns the HTTP routes of the monitoring surface
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/jobs", s.handleJobs).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.HandleWebSocket)
	return router
}

// handleJobs lists the current job records
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobnums := s.db.GetJobList(nil, nil)
	summaries := make([]JobSummary, 0, len(jobnums))
	for _, jobnum := range jobnums {
		job := s.db.Get(jobnum)
		summaries = append(summaries, JobSummary{
			Jobnum:  jobnum,
			State:   job.State.String(),
			GCID:    job.GCID,
			Attempt: job.Attempt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		s.logger.Error("unable to encode job list", "error", err)
	}
}

// HandleWebSocket upgrades the connection and streams job events until
// the client goes away
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("websocket close failed", "error", err)
		}
	}()

	ctx := r.Context()
	events, err := s.poller.Watch(ctx, nil)
	if err != nil {
		s.writeMessage(conn, StreamMessage{
			Type: "error", Error: err.Error(), Timestamp: time.Now()})
		return
	}

	// Drain client frames so close handshakes are noticed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			message := StreamMessage{Type: "job_event", Event: &event, Timestamp: time.Now()}
			if !s.writeMessage(conn, message) {
				return
			}
		}
	}
}

// writeMessage sends one JSON frame, reporting whether the connection is
// still usable
func (s *Server) writeMessage(conn *websocket.Conn, message StreamMessage) bool {
	if err := conn.WriteJSON(message); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
