// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/logging"
)

// TextFileJobDB persists one job_<n>.txt file per job under the work
// directory. Commits to a single job number are totally ordered; commits
// to different job numbers are independent.
type TextFileJobDB struct {
	workPath       string
	alwaysSelector Selector
	logger         logging.Logger

	mu       sync.RWMutex
	jobs     map[int]*Job
	jobLimit int
}

// NewTextFileJobDB opens the job database under workPath, loading every
// persisted job file. The optional always selector is AND-composed with
// any per-call selector.
func NewTextFileJobDB(workPath string, jobLimit int, alwaysSelector Selector, logger logging.Logger) (*TextFileJobDB, error) {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	db := &TextFileJobDB{
		workPath:       workPath,
		alwaysSelector: alwaysSelector,
		logger:         logger.With("component", "jobs.db"),
		jobs:           make(map[int]*Job),
		jobLimit:       jobLimit,
	}
	if err := os.MkdirAll(workPath, 0o755); err != nil {
		return nil, errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to create job database directory", -1, err)
	}
	if err := db.loadAll(); err != nil {
		return nil, err
	}
	return db, nil
}

// JobLimit returns the configured size of the job space
func (db *TextFileJobDB) JobLimit() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.jobLimit
}

// SetJobLimit resizes the job space, typically after a resync grew it
func (db *TextFileJobDB) SetJobLimit(limit int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.jobLimit = limit
}

// Get returns a copy of the last committed record for a job number. An
// uncommitted job number yields a fresh record in the initial state.
func (db *TextFileJobDB) Get(jobnum int) *Job {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if job, ok := db.jobs[jobnum]; ok {
		return job.Clone()
	}
	return NewJob()
}

// Commit persists a job record and makes it the visible snapshot. The
// file write is atomic: temp file, fsync, rename.
func (db *TextFileJobDB) Commit(jobnum int, job *Job) error {
	if err := db.writeJobFile(jobnum, job); err != nil {
		return err
	}
	db.mu.Lock()
	db.jobs[jobnum] = job.Clone()
	db.mu.Unlock()
	return nil
}

// GetJobList returns the job numbers matching the selector, restricted to
// the subset when one is given. A nil selector matches everything.
func (db *TextFileJobDB) GetJobList(selector Selector, subset []int) []int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if subset == nil {
		subset = make([]int, db.jobLimit)
		for i := range subset {
			subset[i] = i
		}
	}

	combined := db.combine(selector)
	if combined == nil {
		return append([]int(nil), subset...)
	}

	var result []int
	for _, jobnum := range subset {
		if combined(jobnum, db.snapshot(jobnum)) {
			result = append(result, jobnum)
		}
	}
	return result
}

// JobCount counts the jobs matching the selector without materializing
// the full list
func (db *TextFileJobDB) JobCount(selector Selector, subset []int) int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	limit := db.jobLimit
	combined := db.combine(selector)
	count := 0
	walk := func(jobnum int) {
		if combined == nil || combined(jobnum, db.snapshot(jobnum)) {
			count++
		}
	}
	if subset != nil {
		for _, jobnum := range subset {
			walk(jobnum)
		}
		return count
	}
	for jobnum := 0; jobnum < limit; jobnum++ {
		walk(jobnum)
	}
	return count
}

// ApplyIntervention folds a parameter resync into the job records: redo
// jobs are reset to the initial state for resubmission, disabled jobs are
// parked in DISABLED. Disables are applied after redos, so a job in both
// sets ends up disabled.
func (db *TextFileJobDB) ApplyIntervention(redo, disable []int) error {
	for _, jobnum := range redo {
		job := db.Get(jobnum)
		if job.State == StateInit {
			continue
		}
		job.Update(StateInit)
		if err := db.Commit(jobnum, job); err != nil {
			return err
		}
	}
	for _, jobnum := range disable {
		job := db.Get(jobnum)
		if job.State == StateDisabled {
			continue
		}
		job.Update(StateDisabled)
		if err := db.Commit(jobnum, job); err != nil {
			return err
		}
	}
	return nil
}

// combine AND-composes the always selector with a per-call one
func (db *TextFileJobDB) combine(selector Selector) Selector {
	switch {
	case selector != nil && db.alwaysSelector != nil:
		return AndSelector(selector, db.alwaysSelector)
	case selector != nil:
		return selector
	default:
		return db.alwaysSelector
	}
}

// snapshot returns the stored record without copying; callers hold the
// read lock and must not mutate the result
func (db *TextFileJobDB) snapshot(jobnum int) *Job {
	if job, ok := db.jobs[jobnum]; ok {
		return job
	}
	return defaultJob
}

// defaultJob is the record presented for uncommitted job numbers
var defaultJob = NewJob()

// jobFileName returns the per-job file name
func jobFileName(jobnum int) string {
	return fmt.Sprintf("job_%d.txt", jobnum)
}

// writeJobFile serializes a job record to its text file
func (db *TextFileJobDB) writeJobFile(jobnum int, job *Job) error {
	lines := []string{
		"id=" + job.GCID,
		"status=" + job.State.String(),
		"attempt=" + strconv.Itoa(job.Attempt),
		"submitted=" + strconv.FormatInt(job.Submitted, 10),
		"changed=" + strconv.FormatInt(job.Changed, 10),
	}
	keys := make([]string, 0, len(job.Dict))
	for key := range job.Dict {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lines = append(lines, key+"="+job.Dict[key])
	}
	data := strings.Join(lines, "\n") + "\n"

	path := filepath.Join(db.workPath, jobFileName(jobnum))
	tmp, err := os.CreateTemp(db.workPath, ".job_*")
	if err != nil {
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to create job file", jobnum, err)
	}
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to write job file", jobnum, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to sync job file", jobnum, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to close job file", jobnum, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to replace job file", jobnum, err)
	}
	return nil
}

// loadAll reads every persisted job file into memory
func (db *TextFileJobDB) loadAll() error {
	entries, err := os.ReadDir(db.workPath)
	if err != nil {
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to list job database directory", -1, err)
	}
	maxJobnum := -1
	for _, entry := range entries {
		var jobnum int
		if _, err := fmt.Sscanf(entry.Name(), "job_%d.txt", &jobnum); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(db.workPath, entry.Name()))
		if err != nil {
			return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
				"unable to read job file", jobnum, err)
		}
		job, err := parseJob(string(data))
		if err != nil {
			return errors.NewJobStoreError(errors.ErrorCodeJobStoreCorrupt,
				"unable to parse job file", jobnum, err)
		}
		db.jobs[jobnum] = job
		if jobnum > maxJobnum {
			maxJobnum = jobnum
		}
	}
	if db.jobLimit < maxJobnum+1 {
		db.jobLimit = maxJobnum + 1
	}
	if len(db.jobs) > 0 {
		db.logger.Info("job database loaded", "jobs", len(db.jobs), "limit", db.jobLimit)
	}
	return nil
}

// parseJob deserializes the key=value job file representation
func parseJob(data string) (*Job, error) {
	job := NewJob()
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("malformed job file line %q", line)
		}
		switch key {
		case "id":
			job.GCID = value
		case "status":
			state, err := ParseState(value)
			if err != nil {
				return nil, err
			}
			job.State = state
		case "attempt":
			attempt, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("malformed attempt %q", value)
			}
			job.Attempt = attempt
		case "submitted":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed submitted timestamp %q", value)
			}
			job.Submitted = ts
		case "changed":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed changed timestamp %q", value)
			}
			job.Changed = ts
		default:
			job.Dict[key] = value
		}
	}
	return job, nil
}
