// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package params

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/logging"
)

// mapFileName is the persisted jobnum binding map inside the work directory
const mapFileName = "params_map.json"

// binding ties a stable job number to the parameter point it currently
// enumerates. A binding whose point vanished keeps its job number but is
// marked disabled with no index.
type binding struct {
	Jobnum   int    `json:"jobnum"`
	Pnum     int    `json:"pnum"`
	Hash     string `json:"hash"`
	Disabled bool   `json:"disabled"`
}

// adapterState is the persisted form of the adapter mapping
type adapterState struct {
	MaxJobnum int       `json:"max_jobnum"`
	Bindings  []binding `json:"bindings"`
}

// TrackedAdapter maintains the persistent job-number to parameter-hash map
// so the external identity of a job survives resyncs of the source tree.
type TrackedAdapter struct {
	mu     sync.RWMutex
	source Source
	path   string
	logger logging.Logger

	metadata     []Metadata
	pnumToJobnum []int
	bindings     map[int]*binding
	maxJobnum    int
}

// NewTrackedAdapter wires a source to its persisted binding map under
// workPath. An existing map is loaded; otherwise job numbers are assigned
// in enumeration order and persisted.
func NewTrackedAdapter(source Source, workPath string, logger logging.Logger) (*TrackedAdapter, error) {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	metadata, err := source.Metadata()
	if err != nil {
		return nil, err
	}
	a := &TrackedAdapter{
		source:   source,
		path:     filepath.Join(workPath, mapFileName),
		logger:   logger.With("component", "params.adapter"),
		metadata: metadata,
		bindings: make(map[int]*binding),
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// Len returns the number of job numbers allocated so far, including
// disabled ones
func (a *TrackedAdapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxJobnum + 1
}

// CanSubmit reports whether a job number is bound to a live parameter point
func (a *TrackedAdapter) CanSubmit(jobnum int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bindings[jobnum]
	return ok && !b.Disabled
}

// JobContent fills and returns the parameter point bound to a job number
func (a *TrackedAdapter) JobContent(jobnum int) (*Point, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bindings[jobnum]
	if !ok || b.Disabled || b.Pnum < 0 {
		return nil, errors.NewParameterError(errors.ErrorCodeMalformedSubspace,
			"job number is not bound to a parameter point", a.source.String())
	}
	point := NewPoint()
	a.source.Fill(b.Pnum, point)
	return point, nil
}

// JobMetadata returns the parameter names enumerated by the source
func (a *TrackedAdapter) JobMetadata() []Metadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Metadata(nil), a.metadata...)
}

// Hash returns the structural hash of the underlying source tree
func (a *TrackedAdapter) Hash() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source.Hash()
}

// Resync re-evaluates the source tree and reconciles the binding map. The
// returned sets contain stable job numbers. A job whose tracked hash is
// unchanged keeps its number and is not redone; vanished points are
// disabled; new points are bound to fresh, monotonically increasing
// numbers. Disables are meant to be applied after redos by the caller.
// Readers observe either the previous or the new mapping, never a mix.
func (a *TrackedAdapter) Resync() (ResyncResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	srcResult := a.source.Resync()
	metadata, err := a.source.Metadata()
	if err != nil {
		return ResyncResult{}, err
	}
	a.metadata = metadata

	oldMapping := a.pnumToJobnum
	newLen := a.source.Len()
	result := EmptyResyncResult()

	// Translate source-local index sets to stable job numbers
	for pnum := range srcResult.Redo {
		if pnum < len(oldMapping) {
			result.Redo.Add(oldMapping[pnum])
		}
	}
	for pnum := range srcResult.Disable {
		if pnum < len(oldMapping) {
			result.Disable.Add(oldMapping[pnum])
		}
	}

	// Walk the current enumeration: rebind surviving indices, detect
	// tracked-content drift, allocate numbers for appended indices
	newMapping := make([]int, newLen)
	for pnum := 0; pnum < newLen; pnum++ {
		point := NewPoint()
		a.source.Fill(pnum, point)
		hash := point.TrackedHash(a.metadata)

		if pnum < len(oldMapping) {
			jobnum := oldMapping[pnum]
			newMapping[pnum] = jobnum
			b := a.bindings[jobnum]
			if b.Hash != hash {
				result.Redo.Add(jobnum)
				b.Hash = hash
			}
			b.Pnum = pnum
			continue
		}
		a.maxJobnum++
		a.bindings[a.maxJobnum] = &binding{Jobnum: a.maxJobnum, Pnum: pnum, Hash: hash}
		newMapping[pnum] = a.maxJobnum
	}

	// Bindings beyond the new length lost their point
	for pnum := newLen; pnum < len(oldMapping); pnum++ {
		jobnum := oldMapping[pnum]
		b := a.bindings[jobnum]
		b.Disabled = true
		b.Pnum = -1
		result.Disable.Add(jobnum)
	}

	result.SizeChanged = srcResult.SizeChanged || newLen != len(oldMapping)
	a.pnumToJobnum = newMapping

	if err := a.persist(); err != nil {
		return ResyncResult{}, err
	}
	if !result.Empty() {
		a.logger.Info("parameter resync applied",
			"redo", len(result.Redo), "disable", len(result.Disable),
			"size_changed", result.SizeChanged, "jobs", a.maxJobnum+1)
	}
	return result, nil
}

// load reads the persisted binding map or initializes it from the current
// enumeration when none exists yet
func (a *TrackedAdapter) load() error {
	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return a.initialize()
	}
	if err != nil {
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to read parameter map", -1, err)
	}
	var state adapterState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreCorrupt,
			"unable to parse parameter map", -1, err)
	}
	a.maxJobnum = state.MaxJobnum
	a.pnumToJobnum = make([]int, a.source.Len())
	for i := range a.pnumToJobnum {
		a.pnumToJobnum[i] = -1
	}
	for i := range state.Bindings {
		b := state.Bindings[i]
		a.bindings[b.Jobnum] = &b
		if !b.Disabled && b.Pnum >= 0 && b.Pnum < len(a.pnumToJobnum) {
			a.pnumToJobnum[b.Pnum] = b.Jobnum
		}
	}
	return nil
}

// initialize assigns job numbers in enumeration order and persists the map
func (a *TrackedAdapter) initialize() error {
	length := a.source.Len()
	if length == LenInfinite {
		return errors.NewParameterError(errors.ErrorCodeMalformedSubspace,
			"cannot adapt an infinite parameter source", a.source.String())
	}
	a.pnumToJobnum = make([]int, length)
	a.maxJobnum = length - 1
	for pnum := 0; pnum < length; pnum++ {
		point := NewPoint()
		a.source.Fill(pnum, point)
		a.bindings[pnum] = &binding{
			Jobnum: pnum,
			Pnum:   pnum,
			Hash:   point.TrackedHash(a.metadata),
		}
		a.pnumToJobnum[pnum] = pnum
	}
	return a.persist()
}

// persist writes the binding map atomically: new file first, then rename
func (a *TrackedAdapter) persist() error {
	state := adapterState{MaxJobnum: a.maxJobnum}
	for jobnum := 0; jobnum <= a.maxJobnum; jobnum++ {
		if b, ok := a.bindings[jobnum]; ok {
			state.Bindings = append(state.Bindings, *b)
		}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to encode parameter map", -1, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".params_map_*")
	if err != nil {
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to create parameter map file", -1, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to write parameter map", -1, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to sync parameter map", -1, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to close parameter map", -1, err)
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		os.Remove(tmp.Name())
		return errors.NewJobStoreError(errors.ErrorCodeJobStoreIO,
			"unable to replace parameter map", -1, err)
	}
	return nil
}
