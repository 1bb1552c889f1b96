// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package task packages a user command with its input/output manifest,
// resource requirements and parameter space into submittable jobs.
package task

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jontk/gridrun/internal/version"
	"github.com/jontk/gridrun/pkg/config"
	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/logging"
	"github.com/jontk/gridrun/pkg/params"
)

// FilePathInfo pairs the absolute location of a sandbox input with its
// path relative to the sandbox root
type FilePathInfo struct {
	PathAbs string
	PathRel string
}

// varPattern matches an unresolved @NAME@ variable reference
var varPattern = regexp.MustCompile(`@[A-Za-z_][A-Za-z0-9_]*@`)

// Task binds a user command to a tracked parameter space. It produces the
// per-job environment, requirements, manifest and command line the
// dispatcher consumes, and owns the parameter adapter.
type Task struct {
	cfg     *config.Config
	name    string
	command string
	adapter *params.TrackedAdapter
	namer   JobNamer
	logger  logging.Logger

	taskID   string
	taskDate string

	taskDictOnce sync.Once
	taskDict     map[string]string
}

// New creates a task over the given parameter source. The task id is
// derived from the creation time unless provided; the adapter mapping is
// persisted under the configured work path.
func New(cfg *config.Config, name, command string, source params.Source, logger logging.Logger) (*Task, error) {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	if command == "" {
		return nil, errors.NewConfigError(errors.ErrorCodeInvalidConfiguration,
			"task command must not be empty", "command", nil)
	}
	adapter, err := params.NewTrackedAdapter(source, cfg.WorkPath, logger)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	t := &Task{
		cfg:      cfg,
		name:     name,
		command:  command,
		adapter:  adapter,
		namer:    DefaultJobNamer{},
		logger:   logger.With("component", "task", "task", name),
		taskID:   "GC" + hex.EncodeToString(sum[:])[:12],
		taskDate: time.Now().Format("2006-01-02"),
	}
	return t, nil
}

// WithTaskID pins the task identity, typically when resuming a work
// directory
func (t *Task) WithTaskID(taskID, taskDate string) *Task {
	t.taskID = taskID
	t.taskDate = taskDate
	return t
}

// WithJobNamer replaces the job name generator
func (t *Task) WithJobNamer(namer JobNamer) *Task {
	t.namer = namer
	return t
}

// TaskID returns the persistent task identifier
func (t *Task) TaskID() string { return t.taskID }

// TaskDate returns the task creation date
func (t *Task) TaskDate() string { return t.taskDate }

// Adapter exposes the owned parameter adapter
func (t *Task) Adapter() *params.TrackedAdapter { return t.adapter }

// JobLen returns the number of job numbers allocated for the task
func (t *Task) JobLen() int { return t.adapter.Len() }

// CanSubmit reports whether a job number is bound to a live point
func (t *Task) CanSubmit(jobnum int) bool { return t.adapter.CanSubmit(jobnum) }

// Command returns the backend-independent shell command of the task
func (t *Task) Command() string { return t.command }

// JobName produces the backend-visible name of a job
func (t *Task) JobName(jobnum int) (string, error) {
	return t.namer.JobName(t, jobnum)
}

// Intervene reconciles the parameter space with its underlying data and
// reports the affected stable job numbers
func (t *Task) Intervene() (params.ResyncResult, error) {
	return t.adapter.Resync()
}

// DependencyList returns the declared runtime dependencies
func (t *Task) DependencyList() []string {
	return append([]string(nil), t.cfg.Depends...)
}

// TaskDict returns the task-level environment. The static portion is
// memoized; transients are deliberately excluded and resolved per
// invocation.
func (t *Task) TaskDict() map[string]string {
	t.taskDictOnce.Do(func() {
		inputs := make([]string, 0, len(t.cfg.InputFiles))
		for _, info := range t.SBInFiles() {
			inputs = append(inputs, info.PathRel)
		}
		t.taskDict = map[string]string{
			"GC_TASK_ID":      t.taskID,
			"GC_TASK_DATE":    t.taskDate,
			"GC_TASK_CONF":    t.name,
			"GC_VERSION":      version.Version,
			"GC_RUNTIME":      t.command,
			"GC_JOBTIMEOUT":   strconv.FormatInt(int64(t.cfg.NodeTimeout/time.Second), 10),
			"SB_INPUT_FILES":  strings.Join(inputs, " "),
			"SB_OUTPUT_FILES": strings.Join(t.SBOutFiles(), " "),
			// Space limits on the worker node, in MB
			"SCRATCH_UL":     "5000",
			"SCRATCH_LL":     "1",
			"LANDINGZONE_UL": "100",
			"LANDINGZONE_LL": "1",
		}
	})
	result := make(map[string]string, len(t.taskDict))
	for key, value := range t.taskDict {
		result[key] = value
	}
	return result
}

// JobDict returns the parameter-derived environment of a job
func (t *Task) JobDict(jobnum int) (map[string]string, error) {
	point, err := t.adapter.JobContent(jobnum)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	values := point.Values()
	for _, md := range t.adapter.JobMetadata() {
		result[md.Name] = values[md.Name]
	}
	result["GC_JOB_ID"] = strconv.Itoa(jobnum)
	return result, nil
}

// TransientVariables are resolved per invocation, never cached: each
// substitution sees a fresh date, timestamp, guid and random value
func (t *Task) TransientVariables() map[string]string {
	return map[string]string{
		"GC_DATE":      time.Now().Format("2006-01-02"),
		"GC_TIMESTAMP": strconv.FormatInt(time.Now().Unix(), 10),
		"GC_GUID":      uuid.NewString(),
		"RANDOM":       strconv.Itoa(rand.Intn(900000000)),
	}
}

// Requirements returns the resource requirements of a job: the task-level
// wall time, cpu time, memory and cpu count plus whatever the parameter
// point carries
func (t *Task) Requirements(jobnum int) ([]params.Requirement, error) {
	point, err := t.adapter.JobContent(jobnum)
	if err != nil {
		return nil, err
	}
	cpus := t.cfg.CPUs
	if cpus < 1 {
		cpus = 1
	}
	reqs := []params.Requirement{
		{Kind: params.ReqWallTime, Value: int64(t.cfg.WallTime / time.Second)},
		{Kind: params.ReqCPUTime, Value: int64(t.cfg.CPUTimeOrWallTime() / time.Second)},
		{Kind: params.ReqMemory, Value: int64(t.cfg.Memory)},
		{Kind: params.ReqCPUs, Value: int64(cpus)},
	}
	return append(reqs, point.Requirements()...), nil
}

// SBInFiles returns the input sandbox manifest as absolute/relative pairs
func (t *Task) SBInFiles() []FilePathInfo {
	result := make([]FilePathInfo, 0, len(t.cfg.InputFiles))
	for _, fn := range t.cfg.InputFiles {
		result = append(result, FilePathInfo{PathAbs: fn, PathRel: filepath.Base(fn)})
	}
	return result
}

// SBOutFiles returns the output glob patterns retrieved from the sandbox
func (t *Task) SBOutFiles() []string {
	return append([]string(nil), t.cfg.OutputFiles...)
}

// varAliasMap maps every accepted variable spelling to its canonical name
func (t *Task) varAliasMap() map[string]string {
	aliases := map[string]string{
		"DATE": "GC_DATE", "TIMESTAMP": "GC_TIMESTAMP", "GUID": "GC_GUID",
		"MY_JOBID": "GC_JOB_ID", "MY_JOB": "GC_JOB_ID", "JOBID": "GC_JOB_ID",
		"GC_JOBID": "GC_JOB_ID", "CONF": "GC_TASK_CONF", "TASK_ID": "GC_TASK_ID",
	}
	for name := range t.TaskDict() {
		aliases[name] = name
	}
	for _, md := range t.adapter.JobMetadata() {
		aliases[md.Name] = md.Name
	}
	for _, name := range []string{"GC_DATE", "GC_TIMESTAMP", "GC_GUID", "RANDOM", "GC_JOB_ID"} {
		aliases[name] = name
	}
	return aliases
}

// SubstituteVariables runs two passes of @NAME@ replacement over the
// merged variable map and then rejects any reference that is still
// unresolved. A negative jobnum substitutes task-level variables only.
func (t *Task) SubstituteVariables(name, input string, jobnum int, additional map[string]string) (string, error) {
	merged := t.TaskDict()
	for key, value := range t.TransientVariables() {
		merged[key] = value
	}
	if jobnum >= 0 {
		jobDict, err := t.JobDict(jobnum)
		if err != nil {
			return "", err
		}
		for key, value := range jobDict {
			merged[key] = value
		}
	}
	aliases := t.varAliasMap()
	for key, value := range additional {
		merged[key] = value
		aliases[key] = key
	}

	result := substitute(substitute(input, merged, aliases), merged, aliases)
	if leftover := varPattern.FindString(result); leftover != "" {
		return "", errors.NewConfigError(errors.ErrorCodeUndefinedVariable,
			fmt.Sprintf("%s references unknown variable %s", name, leftover), name, nil)
	}
	return result, nil
}

// ValidateVariables substitutes every task variable against example
// values, surfacing unresolved references before any job is submitted
func (t *Task) ValidateVariables() error {
	example := map[string]string{}
	for _, name := range []string{"X", "XBASE", "XEXT", "GC_JOB_ID"} {
		example[name] = ""
	}
	for _, md := range t.adapter.JobMetadata() {
		example[md.Name] = ""
	}
	for name, value := range t.TaskDict() {
		if _, err := t.SubstituteVariables(name, value, -1, example); err != nil {
			return err
		}
	}
	return nil
}

// substitute replaces each @ALIAS@ whose canonical variable is defined
func substitute(input string, vars, aliases map[string]string) string {
	return varPattern.ReplaceAllStringFunc(input, func(match string) string {
		alias := strings.Trim(match, "@")
		canonical, ok := aliases[alias]
		if !ok {
			return match
		}
		if value, ok := vars[canonical]; ok {
			return value
		}
		return match
	})
}
