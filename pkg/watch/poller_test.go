// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/gridrun/pkg/jobdb"
	"github.com/jontk/gridrun/pkg/logging"
)

func newTestDB(t *testing.T, jobLimit int) *jobdb.TextFileJobDB {
	t.Helper()
	db, err := jobdb.NewTextFileJobDB(t.TempDir(), jobLimit, nil, logging.NoOpLogger{})
	require.NoError(t, err)
	return db
}

func waitForEvent(t *testing.T, events <-chan JobEvent, timeout time.Duration) JobEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event channel closed")
		return event
	case <-time.After(timeout):
		t.Fatal("timed out waiting for job event")
		return JobEvent{}
	}
}

func TestJobPoller_StateChange(t *testing.T) {
	db := newTestDB(t, 2)
	poller := NewJobPoller(db).WithPollInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := poller.Watch(ctx, nil)
	require.NoError(t, err)

	// Give the baseline poll a tick, then transition job 1
	time.Sleep(50 * time.Millisecond)
	job := db.Get(1)
	job.AssignID("WMSID.TEST.1")
	job.Update(jobdb.StateQueued)
	require.NoError(t, db.Commit(1, job))

	event := waitForEvent(t, events, 3*time.Second)
	assert.Equal(t, EventJobStateChange, event.EventType)
	assert.Equal(t, 1, event.Jobnum)
	assert.Equal(t, jobdb.StateInit, event.PreviousState)
	assert.Equal(t, jobdb.StateQueued, event.NewState)
	assert.Equal(t, "WMSID.TEST.1", event.GCID)
}

func TestJobPoller_BaselineIsSilent(t *testing.T) {
	db := newTestDB(t, 3)
	job := db.Get(0)
	job.Update(jobdb.StateRunning)
	require.NoError(t, db.Commit(0, job))

	poller := NewJobPoller(db).WithPollInterval(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := poller.Watch(ctx, nil)
	require.NoError(t, err)

	select {
	case event := <-events:
		t.Fatalf("unexpected event from baseline poll: %+v", event)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestJobPoller_NewJobEvent(t *testing.T) {
	db := newTestDB(t, 1)
	poller := NewJobPoller(db).WithPollInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := poller.Watch(ctx, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Growing the job space surfaces the new job
	db.SetJobLimit(2)
	job := db.Get(1)
	job.Update(jobdb.StateQueued)
	require.NoError(t, db.Commit(1, job))

	event := waitForEvent(t, events, 3*time.Second)
	assert.Equal(t, EventJobNew, event.EventType)
	assert.Equal(t, 1, event.Jobnum)
}

func TestJobPoller_ChannelClosesOnCancel(t *testing.T) {
	db := newTestDB(t, 1)
	poller := NewJobPoller(db).WithPollInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := poller.Watch(ctx, nil)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel closes after cancellation")
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not close")
	}
}
