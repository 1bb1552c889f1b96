// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/gridrun/pkg/jobdb"
	"github.com/jontk/gridrun/pkg/logging"
	"github.com/jontk/gridrun/pkg/watch"
)

func newTestServer(t *testing.T) (*Server, *jobdb.TextFileJobDB, *httptest.Server) {
	t.Helper()
	db, err := jobdb.NewTextFileJobDB(t.TempDir(), 3, nil, logging.NoOpLogger{})
	require.NoError(t, err)

	poller := watch.NewJobPoller(db).WithPollInterval(20 * time.Millisecond)
	server := NewServer(db, poller, logging.NoOpLogger{})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, db, ts
}

func TestServer_JobList(t *testing.T) {
	_, db, ts := newTestServer(t)

	job := db.Get(1)
	job.AssignID("WMSID.TEST.42")
	job.Update(jobdb.StateRunning)
	require.NoError(t, db.Commit(1, job))

	resp, err := http.Get(ts.URL + "/api/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var summaries []JobSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	require.Len(t, summaries, 3)

	assert.Equal(t, "INIT", summaries[0].State)
	assert.Equal(t, "RUNNING", summaries[1].State)
	assert.Equal(t, "WMSID.TEST.42", summaries[1].GCID)
	assert.Equal(t, 1, summaries[1].Attempt)
}

func TestServer_WebSocketStreamsEvents(t *testing.T) {
	_, db, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Let the baseline poll settle, then flip a job state
	time.Sleep(80 * time.Millisecond)
	job := db.Get(2)
	job.Update(jobdb.StateQueued)
	require.NoError(t, db.Commit(2, job))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var message StreamMessage
	require.NoError(t, conn.ReadJSON(&message))

	assert.Equal(t, "job_event", message.Type)
	require.NotNil(t, message.Event)
	assert.Equal(t, watch.EventJobStateChange, message.Event.EventType)
	assert.Equal(t, 2, message.Event.Jobnum)
	assert.Equal(t, jobdb.StateQueued, message.Event.NewState)
}
