// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobdb

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/gridrun/pkg/logging"
)

func newTestDB(t *testing.T, jobLimit int, always Selector) (*TextFileJobDB, string) {
	t.Helper()
	workPath := t.TempDir()
	db, err := NewTextFileJobDB(workPath, jobLimit, always, logging.NoOpLogger{})
	require.NoError(t, err)
	return db, workPath
}

func TestJob_AssignID(t *testing.T) {
	job := NewJob()
	require.Equal(t, StateInit, job.State)
	require.Equal(t, 0, job.Attempt)

	job.AssignID("WMSID.TEST.42")

	assert.Equal(t, "WMSID.TEST.42", job.GCID)
	assert.Equal(t, 1, job.Attempt)
	assert.NotZero(t, job.Submitted)
}

func TestJob_UpdateSnapshotsHistory(t *testing.T) {
	job := NewJob()
	job.AssignID("WMSID.TEST.42")
	job.Set("dest", "node07/batch")

	job.Update(StateQueued)

	assert.Equal(t, StateQueued, job.State)
	assert.NotZero(t, job.Changed)
	assert.Equal(t, "node07/batch", job.History[1])

	// Without a destination the history records the placeholder
	other := NewJob()
	other.Update(StateFailed)
	assert.Equal(t, "N/A", other.History[0])
}

func TestState_RoundTrip(t *testing.T) {
	for state, name := range stateNames {
		parsed, err := ParseState(name)
		require.NoError(t, err)
		assert.Equal(t, state, parsed)
	}

	_, err := ParseState("NOT_A_STATE")
	assert.Error(t, err)
}

func TestClassSelectors(t *testing.T) {
	tests := []struct {
		class    Class
		state    State
		expected bool
	}{
		{ClassAtWMS, StateQueued, true},
		{ClassAtWMS, StateRunning, false},
		{ClassProcessing, StateRunning, true},
		{ClassSubmitCandidates, StateInit, true},
		{ClassSubmitCandidates, StateFailed, true},
		{ClassSubmitCandidates, StateSuccess, false},
		{ClassEndState, StateDisabled, true},
		{ClassFailing, StateCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.class.Name+"/"+tt.state.String(), func(t *testing.T) {
			job := NewJob()
			job.State = tt.state
			assert.Equal(t, tt.expected, ClassSelector(tt.class)(0, job))
		})
	}
}

func TestDB_GetUncommittedIsInit(t *testing.T) {
	db, _ := newTestDB(t, 4, nil)

	job := db.Get(2)
	assert.Equal(t, StateInit, job.State)
	assert.Empty(t, job.GCID)
}

func TestDB_CommitPersistsKeyValueFile(t *testing.T) {
	db, workPath := newTestDB(t, 4, nil)

	job := NewJob()
	job.AssignID("WMSID.SLURM.1234")
	job.Set("dest", "node01")
	job.Set("sandbox", "/srv/sandbox/GC1.0001.xyz")
	job.Update(StateSubmitted)
	require.NoError(t, db.Commit(1, job))

	data, err := os.ReadFile(filepath.Join(workPath, "job_1.txt"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "id=WMSID.SLURM.1234\n")
	assert.Contains(t, content, "status=SUBMITTED\n")
	assert.Contains(t, content, "attempt=1\n")
	assert.Contains(t, content, "dest=node01\n")
	assert.Contains(t, content, "sandbox=/srv/sandbox/GC1.0001.xyz\n")

	// No stray temp files
	entries, err := os.ReadDir(workPath)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".job_"), "leftover temp file %s", entry.Name())
	}
}

func TestDB_ReloadRoundTrip(t *testing.T) {
	db, workPath := newTestDB(t, 4, nil)

	job := NewJob()
	job.AssignID("WMSID.PBS.77")
	job.Set("download", "done")
	job.Update(StateSuccess)
	require.NoError(t, db.Commit(3, job))

	reloaded, err := NewTextFileJobDB(workPath, 0, nil, logging.NoOpLogger{})
	require.NoError(t, err)

	got := reloaded.Get(3)
	assert.Equal(t, StateSuccess, got.State)
	assert.Equal(t, "WMSID.PBS.77", got.GCID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "done", got.Dict["download"])
	assert.Equal(t, 4, reloaded.JobLimit(), "limit grows to cover persisted jobs")
}

func TestDB_CommitGetIsStable(t *testing.T) {
	db, workPath := newTestDB(t, 2, nil)

	job := NewJob()
	job.Set("dest", "node02")
	job.Update(StateRunning)
	require.NoError(t, db.Commit(0, job))

	before, err := os.ReadFile(filepath.Join(workPath, "job_0.txt"))
	require.NoError(t, err)

	require.NoError(t, db.Commit(0, db.Get(0)))
	after, err := os.ReadFile(filepath.Join(workPath, "job_0.txt"))
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after), "commit(get(n)) does not change the file")
}

func TestDB_GetReturnsSnapshotCopy(t *testing.T) {
	db, _ := newTestDB(t, 2, nil)

	job := NewJob()
	job.Set("dest", "node03")
	require.NoError(t, db.Commit(0, job))

	copy1 := db.Get(0)
	copy1.Set("dest", "mutated")

	copy2 := db.Get(0)
	assert.Equal(t, "node03", copy2.Dict["dest"], "mutating a returned job does not affect the store")
}

func TestDB_SelectorIteration(t *testing.T) {
	db, _ := newTestDB(t, 6, nil)

	states := []State{StateInit, StateQueued, StateRunning, StateFailed, StateSuccess, StateInit}
	for jobnum, state := range states {
		job := NewJob()
		job.State = state
		require.NoError(t, db.Commit(jobnum, job))
	}

	assert.Equal(t, []int{0, 3, 5}, db.GetJobList(ClassSelector(ClassSubmitCandidates), nil))
	assert.Equal(t, []int{1, 2}, db.GetJobList(ClassSelector(ClassProcessing), nil))
	assert.Equal(t, 3, db.JobCount(ClassSelector(ClassSubmitCandidates), nil))
	assert.Equal(t, 6, db.JobCount(nil, nil))

	// Subsets restrict the walk
	assert.Equal(t, []int{3}, db.GetJobList(ClassSelector(ClassFailing), []int{0, 1, 3}))
	assert.Equal(t, 1, db.JobCount(ClassSelector(ClassFailing), []int{0, 1, 3}))
}

func TestDB_AlwaysSelectorComposes(t *testing.T) {
	notDisabled := func(jobnum int, job *Job) bool { return job.State != StateDisabled }
	db, _ := newTestDB(t, 3, notDisabled)

	disabled := NewJob()
	disabled.State = StateDisabled
	require.NoError(t, db.Commit(1, disabled))

	failed := NewJob()
	failed.State = StateFailed
	require.NoError(t, db.Commit(2, failed))

	assert.Equal(t, []int{0, 2}, db.GetJobList(nil, nil))
	assert.Equal(t, []int{0, 2}, db.GetJobList(ClassSelector(ClassSubmitCandidates), nil))
}

func TestDB_SetJobLimit(t *testing.T) {
	db, _ := newTestDB(t, 2, nil)
	db.SetJobLimit(5)
	assert.Equal(t, 5, db.JobLimit())
	assert.Len(t, db.GetJobList(nil, nil), 5)
}

func TestDB_ApplyIntervention(t *testing.T) {
	db, _ := newTestDB(t, 4, nil)

	queued := NewJob()
	queued.Update(StateQueued)
	require.NoError(t, db.Commit(0, queued))

	done := NewJob()
	done.Update(StateSuccess)
	require.NoError(t, db.Commit(1, done))

	require.NoError(t, db.ApplyIntervention([]int{0, 2}, []int{1, 2}))

	assert.Equal(t, StateInit, db.Get(0).State, "redo resets to the initial state")
	assert.Equal(t, StateDisabled, db.Get(1).State)
	assert.Equal(t, StateDisabled, db.Get(2).State, "disable wins when a job is in both sets")
	assert.Equal(t, StateInit, db.Get(3).State, "untouched jobs stay put")
}

func TestDB_ConcurrentCommitsToDistinctJobs(t *testing.T) {
	db, _ := newTestDB(t, 16, nil)

	var wg sync.WaitGroup
	for jobnum := 0; jobnum < 16; jobnum++ {
		wg.Add(1)
		go func(jobnum int) {
			defer wg.Done()
			job := NewJob()
			job.Set("dest", "node")
			job.Update(StateQueued)
			assert.NoError(t, db.Commit(jobnum, job))
		}(jobnum)
	}
	wg.Wait()

	assert.Equal(t, 16, db.JobCount(ClassSelector(ClassAtWMS), nil))
}
