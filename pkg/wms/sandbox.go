// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package wms dispatches jobs to local workload-management backends
// through their submit executables, supervises the submission processes
// and manages the per-job sandboxes.
package wms

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/jontk/gridrun/pkg/errors"
)

// purgeLock serializes every sandbox delete in the process. Contention is
// human-scale; the global lock keeps directory deletion interleavings
// trivial to reason about.
var purgeLock sync.Mutex

// SandboxHelper allocates and resolves per-job sandbox directories under
// a common base path
type SandboxHelper struct {
	path string

	mu    sync.Mutex
	cache []string
}

// NewSandboxHelper ensures the sandbox base exists and returns the helper
func NewSandboxHelper(path string) (*SandboxHelper, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.NewBackendError(errors.ErrorCodeSandboxCreate,
			"unable to create sandbox base directory", "", "", path, err)
	}
	return &SandboxHelper{path: path}, nil
}

// GetPath returns the sandbox base directory
func (h *SandboxHelper) GetPath() string {
	return h.path
}

// GetSandbox returns the sandbox directory containing a marker file named
// exactly gcID, or the empty string. Previously seen directory names are
// cached; a miss relists the base and probes only the newly observed
// entries, keeping the hot path proportional to new sandboxes.
func (h *SandboxHelper) GetSandbox(gcID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if path := h.search(h.cache, gcID); path != "" {
		return path
	}

	oldCache := make(map[string]bool, len(h.cache))
	for _, name := range h.cache {
		oldCache[name] = true
	}
	entries, err := os.ReadDir(h.path)
	if err != nil {
		return ""
	}
	h.cache = h.cache[:0]
	var fresh []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		h.cache = append(h.cache, entry.Name())
		if !oldCache[entry.Name()] {
			fresh = append(fresh, entry.Name())
		}
	}
	return h.search(fresh, gcID)
}

// search probes the given sandbox names for the marker file
func (h *SandboxHelper) search(names []string, gcID string) string {
	for _, name := range names {
		path := filepath.Join(h.path, name)
		if _, err := os.Stat(filepath.Join(path, gcID)); err == nil {
			return path
		}
	}
	return ""
}
