// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jontk/gridrun/pkg/config"
	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/logging"
	"github.com/jontk/gridrun/pkg/params"
)

// rootRunScript is the wrapper script driving ROOT payloads on the
// worker node; it ships in every ROOT job sandbox
const rootRunScript = "gc-run.root.sh"

// RootTask runs a ROOT executable or macro. Executables bundled with the
// ROOT installation are resolved on the worker node; everything else is
// shipped through the sandbox and marked executable first.
type RootTask struct {
	*Task
	rootPath   string
	executable string
	isBuiltin  bool
}

// NewRootTask creates a ROOT task. The ROOT installation is taken from
// rootPath, falling back to the ROOTSYS environment variable.
func NewRootTask(cfg *config.Config, name, executable, rootPath string, source params.Source, logger logging.Logger) (*RootTask, error) {
	if rootPath == "" {
		rootPath = os.Getenv("ROOTSYS")
	}
	if rootPath == "" {
		return nil, errors.NewConfigError(errors.ErrorCodeInvalidConfiguration,
			"either set environment variable ROOTSYS or the root path option", "root path", nil)
	}
	if executable == "" {
		return nil, errors.NewConfigError(errors.ErrorCodeInvalidConfiguration,
			"a ROOT executable is required", "executable", nil)
	}

	// Executables bundled with ROOT are not shipped through the sandbox
	builtinPath := filepath.Join(rootPath, "bin", strings.TrimPrefix(executable, "/"))
	_, statErr := os.Stat(builtinPath)
	isBuiltin := statErr == nil

	command := "./" + rootRunScript + " " + executable + " $@ > job.stdout 2> job.stderr"
	if !isBuiltin {
		command = "chmod u+x " + executable + "; " + command
	}

	base, err := New(cfg, name, command, source, logger)
	if err != nil {
		return nil, err
	}
	base.logger.Info("using ROOT path", "root_path", rootPath)

	return &RootTask{
		Task:       base,
		rootPath:   rootPath,
		executable: executable,
		isBuiltin:  isBuiltin,
	}, nil
}

// RootPath returns the resolved ROOT installation path
func (t *RootTask) RootPath() string { return t.rootPath }

// TaskDict extends the base environment with the ROOT location
func (t *RootTask) TaskDict() map[string]string {
	result := t.Task.TaskDict()
	result["GC_ROOTSYS"] = t.rootPath
	return result
}

// SBInFiles ships the ROOT runner script alongside the configured inputs
func (t *RootTask) SBInFiles() []FilePathInfo {
	return append(t.Task.SBInFiles(), FilePathInfo{
		PathAbs: filepath.Join(shareDir(), rootRunScript),
		PathRel: rootRunScript,
	})
}

// shareDir locates the bundled runner scripts next to the executable
func shareDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "share"
	}
	return filepath.Join(filepath.Dir(exe), "share")
}
