// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package wms

import (
	"os"
	"path/filepath"

	dircopy "github.com/otiai10/copy"

	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/task"
)

// SourceManager materializes the declared inputs inside a sandbox. The
// dispatcher supplies the sandbox path; the relative targets come from
// the manifest.
type SourceManager interface {
	Transfer(sandbox string, files []task.FilePathInfo) error
}

// CopySourceManager copies inputs into the sandbox, directories included
type CopySourceManager struct{}

// Transfer copies every manifest entry to its relative sandbox target
func (CopySourceManager) Transfer(sandbox string, files []task.FilePathInfo) error {
	for _, file := range files {
		target := filepath.Join(sandbox, file.PathRel)
		if err := dircopy.Copy(file.PathAbs, target); err != nil {
			return errors.NewBackendError(errors.ErrorCodeSandboxCreate,
				"unable to copy input into sandbox", "", "", file.PathAbs, err)
		}
	}
	return nil
}

// SymlinkSourceManager links inputs into the sandbox instead of copying,
// trading isolation for speed on large inputs
type SymlinkSourceManager struct{}

// Transfer symlinks every manifest entry to its relative sandbox target
func (SymlinkSourceManager) Transfer(sandbox string, files []task.FilePathInfo) error {
	for _, file := range files {
		target := filepath.Join(sandbox, file.PathRel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.NewBackendError(errors.ErrorCodeSandboxCreate,
				"unable to prepare sandbox input directory", "", "", target, err)
		}
		if err := os.Symlink(file.PathAbs, target); err != nil {
			return errors.NewBackendError(errors.ErrorCodeSandboxCreate,
				"unable to link input into sandbox", "", "", file.PathAbs, err)
		}
	}
	return nil
}
