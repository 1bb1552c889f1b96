// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package watch provides a polling-based watcher over the job database,
// turning state transitions into events.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/jontk/gridrun/pkg/jobdb"
)

// DefaultPollInterval is the default polling interval for watch operations
const DefaultPollInterval = 5 * time.Second

// Event types emitted by the poller
const (
	EventJobNew         = "job_new"
	EventJobStateChange = "job_state_change"
)

// JobEvent describes one observed job transition
type JobEvent struct {
	EventType     string      `json:"event_type"`
	Jobnum        int         `json:"jobnum"`
	PreviousState jobdb.State `json:"previous_state,omitempty"`
	NewState      jobdb.State `json:"new_state"`
	GCID          string      `json:"gc_id,omitempty"`
	EventTime     time.Time   `json:"event_time"`
}

// WatchOptions restricts which transitions are reported
type WatchOptions struct {
	// Selector restricts the watched jobs; nil watches everything
	Selector jobdb.Selector

	// ExcludeNew suppresses events for jobs first seen after the
	// baseline poll
	ExcludeNew bool
}

// JobPoller implements job monitoring through polling the job database
type JobPoller struct {
	db           *jobdb.TextFileJobDB
	pollInterval time.Duration
	bufferSize   int
	mu           sync.Mutex
	jobStates    map[int]jobdb.State
}

// NewJobPoller creates a new job poller over the database
func NewJobPoller(db *jobdb.TextFileJobDB) *JobPoller {
	return &JobPoller{
		db:           db,
		pollInterval: DefaultPollInterval,
		bufferSize:   100,
		jobStates:    make(map[int]jobdb.State),
	}
}

// WithPollInterval sets a custom poll interval
func (p *JobPoller) WithPollInterval(interval time.Duration) *JobPoller {
	p.pollInterval = interval
	return p
}

// WithBufferSize sets a custom buffer size for the event channel
func (p *JobPoller) WithBufferSize(size int) *JobPoller {
	p.bufferSize = size
	return p
}

// Watch starts watching for job state changes until the context ends.
// The event channel is closed when watching stops.
func (p *JobPoller) Watch(ctx context.Context, opts *WatchOptions) (<-chan JobEvent, error) {
	eventChan := make(chan JobEvent, p.bufferSize)

	if opts == nil {
		opts = &WatchOptions{}
	}

	go p.pollLoop(ctx, opts, eventChan)

	return eventChan, nil
}

// pollLoop is the main polling loop
func (p *JobPoller) pollLoop(ctx context.Context, opts *WatchOptions, eventChan chan<- JobEvent) {
	defer close(eventChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// Initial poll establishes the baseline
	p.performPoll(opts, eventChan, true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.performPoll(opts, eventChan, false)
		}
	}
}

// performPoll executes a single poll over the job database
func (p *JobPoller) performPoll(opts *WatchOptions, eventChan chan<- JobEvent, isInitial bool) {
	jobnums := p.db.GetJobList(opts.Selector, nil)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, jobnum := range jobnums {
		job := p.db.Get(jobnum)
		previousState, exists := p.jobStates[jobnum]

		if !exists {
			p.jobStates[jobnum] = job.State
			if !isInitial && !opts.ExcludeNew {
				eventChan <- JobEvent{
					EventType: EventJobNew,
					Jobnum:    jobnum,
					NewState:  job.State,
					GCID:      job.GCID,
					EventTime: time.Now(),
				}
			}
			continue
		}
		if previousState != job.State {
			p.jobStates[jobnum] = job.State
			eventChan <- JobEvent{
				EventType:     EventJobStateChange,
				Jobnum:        jobnum,
				PreviousState: previousState,
				NewState:      job.State,
				GCID:          job.GCID,
				EventTime:     time.Now(),
			}
		}
	}
}
