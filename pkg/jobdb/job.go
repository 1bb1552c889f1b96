// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobdb tracks per-job state through the submission lifecycle and
// persists it one text file per job.
package jobdb

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a job
type State int

// The job state graph. A job is born in StateInit; terminal states are
// StateSuccess, StateDisabled, StateAborted, StateFailed and StateCancelled.
const (
	StateInit State = iota
	StateSubmitted
	StateDisabled
	StateReady
	StateWaiting
	StateQueued
	StateAborted
	StateRunning
	StateCancel
	StateUnknown
	StateCancelled
	StateDone
	StateFailed
	StateSuccess
)

var stateNames = map[State]string{
	StateInit:      "INIT",
	StateSubmitted: "SUBMITTED",
	StateDisabled:  "DISABLED",
	StateReady:     "READY",
	StateWaiting:   "WAITING",
	StateQueued:    "QUEUED",
	StateAborted:   "ABORTED",
	StateRunning:   "RUNNING",
	StateCancel:    "CANCEL",
	StateUnknown:   "UNKNOWN",
	StateCancelled: "CANCELLED",
	StateDone:      "DONE",
	StateFailed:    "FAILED",
	StateSuccess:   "SUCCESS",
}

// String returns the enum name of the state
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE_%d", int(s))
}

// ParseState resolves an enum name back to its state
func ParseState(name string) (State, error) {
	for state, stateName := range stateNames {
		if stateName == name {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown job state %q", name)
}

// Job is the per-job record tracked by the database
type Job struct {
	// State is the current lifecycle state
	State State

	// Attempt counts submissions of this job
	Attempt int

	// GCID is the backend-qualified identifier of the current submission,
	// empty while unsubmitted
	GCID string

	// Submitted is the unix timestamp of the last submission
	Submitted int64

	// Changed is the unix timestamp of the last state change
	Changed int64

	// History maps each attempt to the destination it ran at
	History map[int]string

	// Dict is the ad-hoc key/value bag (dest, download, sandbox, ...)
	Dict map[string]string
}

// NewJob creates a job in its initial state
func NewJob() *Job {
	return &Job{
		State:   StateInit,
		History: make(map[int]string),
		Dict:    make(map[string]string),
	}
}

// AssignID records a submission: the backend identifier is stored, the
// attempt counter advances and the submission time is stamped
func (j *Job) AssignID(gcID string) {
	j.GCID = gcID
	j.Attempt++
	j.Submitted = time.Now().Unix()
}

// Update moves the job to a new state, stamps the change time and
// snapshots the current destination into the attempt history
func (j *Job) Update(state State) {
	j.State = state
	j.Changed = time.Now().Unix()
	j.History[j.Attempt] = j.GetOr("dest", "N/A")
}

// Get returns an ad-hoc entry
func (j *Job) Get(key string) (string, bool) {
	value, ok := j.Dict[key]
	return value, ok
}

// GetOr returns an ad-hoc entry or a default
func (j *Job) GetOr(key, fallback string) string {
	if value, ok := j.Dict[key]; ok {
		return value
	}
	return fallback
}

// Set stores an ad-hoc entry
func (j *Job) Set(key, value string) {
	j.Dict[key] = value
}

// Clone returns an independent copy of the job
func (j *Job) Clone() *Job {
	clone := &Job{
		State:     j.State,
		Attempt:   j.Attempt,
		GCID:      j.GCID,
		Submitted: j.Submitted,
		Changed:   j.Changed,
		History:   make(map[int]string, len(j.History)),
		Dict:      make(map[string]string, len(j.Dict)),
	}
	for attempt, dest := range j.History {
		clone.History[attempt] = dest
	}
	for key, value := range j.Dict {
		clone.Dict[key] = value
	}
	return clone
}

// Class is a set of states used as a bulk selector
type Class struct {
	Name   string
	States []State
}

// Contains reports whether the class covers a state
func (c Class) Contains(state State) bool {
	for _, s := range c.States {
		if s == state {
			return true
		}
	}
	return false
}

// The predefined job classes
var (
	ClassAtWMS            = Class{"AT_WMS", []State{StateSubmitted, StateWaiting, StateReady, StateQueued, StateUnknown}}
	ClassCancel           = Class{"CANCEL", []State{StateCancel}}
	ClassDisabled         = Class{"DISABLED", []State{StateDisabled}}
	ClassDone             = Class{"DONE", []State{StateDone}}
	ClassEndState         = Class{"ENDSTATE", []State{StateSuccess, StateDisabled}}
	ClassProcessed        = Class{"PROCESSED", []State{StateSuccess, StateFailed, StateCancelled, StateAborted}}
	ClassProcessing       = Class{"PROCESSING", []State{StateSubmitted, StateWaiting, StateReady, StateQueued, StateUnknown, StateRunning}}
	ClassRunningDone      = Class{"RUNNING_DONE", []State{StateRunning, StateDone}}
	ClassFailing          = Class{"FAILING", []State{StateFailed, StateAborted, StateCancelled}}
	ClassSubmitCandidates = Class{"SUBMIT_CANDIDATES", []State{StateInit, StateFailed, StateAborted, StateCancelled}}
	ClassSuccess          = Class{"SUCCESS", []State{StateSuccess}}
)

// Selector is a pure predicate over a job record
type Selector func(jobnum int, job *Job) bool

// ClassSelector builds a selector matching a job class
func ClassSelector(class Class) Selector {
	return func(jobnum int, job *Job) bool {
		return class.Contains(job.State)
	}
}

// AndSelector combines selectors conjunctively; nil selectors are ignored
func AndSelector(selectors ...Selector) Selector {
	return func(jobnum int, job *Job) bool {
		for _, selector := range selectors {
			if selector != nil && !selector(jobnum, job) {
				return false
			}
		}
		return true
	}
}
