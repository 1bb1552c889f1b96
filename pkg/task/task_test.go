// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/gridrun/pkg/config"
	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/logging"
	"github.com/jontk/gridrun/pkg/params"
)

func newTestTask(t *testing.T, mutate func(*config.Config)) *Task {
	t.Helper()
	cfg := config.NewDefault()
	cfg.WorkPath = t.TempDir()
	cfg.InputFiles = []string{"/data/input.dat", "/etc/task/extra.cfg"}
	cfg.OutputFiles = []string{"*.root", "job.stdout"}
	if mutate != nil {
		mutate(cfg)
	}
	source, err := params.NewZipLong(
		params.NewValuesSource("ENERGY", "100", "200", "300"),
		params.NewValuesSource("DETECTOR", "north", "south", "east"))
	require.NoError(t, err)

	tk, err := New(cfg, "analysis", "./run.sh @ENERGY@", source, logging.NoOpLogger{})
	require.NoError(t, err)
	return tk
}

func TestNew_RequiresCommand(t *testing.T) {
	cfg := config.NewDefault()
	cfg.WorkPath = t.TempDir()
	_, err := New(cfg, "x", "", params.NewValuesSource("A", "1"), logging.NoOpLogger{})
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestTaskDict(t *testing.T) {
	tk := newTestTask(t, nil)
	dict := tk.TaskDict()

	assert.Equal(t, tk.TaskID(), dict["GC_TASK_ID"])
	assert.Equal(t, tk.TaskDate(), dict["GC_TASK_DATE"])
	assert.NotEmpty(t, dict["GC_VERSION"])
	assert.Equal(t, "./run.sh @ENERGY@", dict["GC_RUNTIME"])
	assert.Equal(t, "input.dat extra.cfg", dict["SB_INPUT_FILES"])
	assert.Equal(t, "*.root job.stdout", dict["SB_OUTPUT_FILES"])
	assert.Equal(t, "5000", dict["SCRATCH_UL"])

	// The static dict is memoized; mutating a returned copy is safe
	dict["GC_TASK_ID"] = "mutated"
	assert.Equal(t, tk.TaskID(), tk.TaskDict()["GC_TASK_ID"])
}

func TestJobDict(t *testing.T) {
	tk := newTestTask(t, nil)

	dict, err := tk.JobDict(1)
	require.NoError(t, err)

	assert.Equal(t, "200", dict["ENERGY"])
	assert.Equal(t, "south", dict["DETECTOR"])
	assert.Equal(t, "1", dict["GC_JOB_ID"])
}

func TestTransientVariables_FreshPerInvocation(t *testing.T) {
	tk := newTestTask(t, nil)

	first := tk.TransientVariables()
	second := tk.TransientVariables()

	for _, key := range []string{"GC_DATE", "GC_TIMESTAMP", "GC_GUID", "RANDOM"} {
		assert.NotEmpty(t, first[key], key)
	}
	assert.NotEqual(t, first["GC_GUID"], second["GC_GUID"], "guids are per invocation")
}

func TestRequirements(t *testing.T) {
	tk := newTestTask(t, func(cfg *config.Config) {
		cfg.WallTime = 2 * time.Hour
		cfg.CPUTime = 90 * time.Minute
		cfg.Memory = 2048
		cfg.CPUs = 4
	})

	reqs, err := tk.Requirements(0)
	require.NoError(t, err)

	byKind := map[string]int64{}
	for _, req := range reqs {
		byKind[req.Kind] = req.Value
	}
	assert.Equal(t, int64(7200), byKind[params.ReqWallTime])
	assert.Equal(t, int64(5400), byKind[params.ReqCPUTime])
	assert.Equal(t, int64(2048), byKind[params.ReqMemory])
	assert.Equal(t, int64(4), byKind[params.ReqCPUs])
}

func TestRequirements_CPUFloor(t *testing.T) {
	tk := newTestTask(t, func(cfg *config.Config) { cfg.CPUs = 0 })

	reqs, err := tk.Requirements(0)
	require.NoError(t, err)
	for _, req := range reqs {
		if req.Kind == params.ReqCPUs {
			assert.Equal(t, int64(1), req.Value, "cpu requirement never drops below 1")
		}
	}
}

func TestSubstituteVariables(t *testing.T) {
	tk := newTestTask(t, nil)

	result, err := tk.SubstituteVariables("test", "job @GC_JOB_ID@ runs @ENERGY@ at @DETECTOR@", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "job 2 runs 300 at east", result)
}

func TestSubstituteVariables_Aliases(t *testing.T) {
	tk := newTestTask(t, nil)

	result, err := tk.SubstituteVariables("test", "@MY_JOBID@/@TASK_ID@", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "0/"+tk.TaskID(), result)
}

func TestSubstituteVariables_TwoPass(t *testing.T) {
	tk := newTestTask(t, nil)

	// The additional value itself references a variable; the second pass
	// resolves it
	result, err := tk.SubstituteVariables("test", "@WRAPPER@", 1,
		map[string]string{"WRAPPER": "run-@ENERGY@"})
	require.NoError(t, err)
	assert.Equal(t, "run-200", result)
}

func TestSubstituteVariables_UnknownIsHardError(t *testing.T) {
	tk := newTestTask(t, nil)

	_, err := tk.SubstituteVariables("executable args", "value @NO_SUCH_VAR@", 0, nil)
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, errors.ErrorCodeUndefinedVariable, cfgErr.Code)
}

func TestValidateVariables(t *testing.T) {
	tk := newTestTask(t, nil)
	assert.NoError(t, tk.ValidateVariables())
}

func TestJobName_Default(t *testing.T) {
	tk := newTestTask(t, nil)

	name, err := tk.JobName(7)
	require.NoError(t, err)
	assert.Equal(t, tk.TaskID()[:10]+".7", name)
}

func TestJobName_Template(t *testing.T) {
	tk := newTestTask(t, nil).WithJobNamer(TemplateJobNamer{Template: "@GC_TASK_ID@.@GC_JOB_ID@"})

	name, err := tk.JobName(2)
	require.NoError(t, err)
	assert.Equal(t, tk.TaskID()+".2", name)
}

func TestIntervene_DelegatesToAdapter(t *testing.T) {
	cfg := config.NewDefault()
	cfg.WorkPath = t.TempDir()
	leaf := params.NewValuesSource("A", "1", "2")
	tk, err := New(cfg, "t", "./run.sh", leaf, logging.NoOpLogger{})
	require.NoError(t, err)

	leaf.Update("1", "2", "3")
	result, err := tk.Intervene()
	require.NoError(t, err)

	assert.True(t, result.SizeChanged)
	assert.Equal(t, 3, tk.JobLen())
	assert.True(t, tk.CanSubmit(2))
}

func TestWithTaskID(t *testing.T) {
	tk := newTestTask(t, nil).WithTaskID("GCdeadbeef00", "2025-01-01")
	assert.Equal(t, "GCdeadbeef00", tk.TaskID())
	assert.Equal(t, "2025-01-01", tk.TaskDate())

	// jobnum below zero substitutes task-level variables only
	result, err := tk.SubstituteVariables("test", "@GC_TASK_ID@", -1, nil)
	require.NoError(t, err)
	assert.Equal(t, "GCdeadbeef00", result)
}

func TestRootTask(t *testing.T) {
	rootSys := t.TempDir()
	cfg := config.NewDefault()
	cfg.WorkPath = t.TempDir()

	tk, err := NewRootTask(cfg, "rootjob", "analysis.C", rootSys,
		params.NewValuesSource("SEED", "1", "2"), logging.NoOpLogger{})
	require.NoError(t, err)

	assert.Equal(t, rootSys, tk.RootPath())
	assert.Equal(t, rootSys, tk.TaskDict()["GC_ROOTSYS"])
	assert.Contains(t, tk.Command(), "chmod u+x analysis.C", "payload macros are made executable")
	assert.Contains(t, tk.Command(), "gc-run.root.sh analysis.C")

	var rels []string
	for _, info := range tk.SBInFiles() {
		rels = append(rels, info.PathRel)
	}
	assert.Contains(t, rels, "gc-run.root.sh")
}

func TestRootTask_MissingRootSys(t *testing.T) {
	t.Setenv("ROOTSYS", "")
	cfg := config.NewDefault()
	cfg.WorkPath = t.TempDir()

	_, err := NewRootTask(cfg, "rootjob", "analysis.C", "",
		params.NewValuesSource("SEED", "1"), logging.NoOpLogger{})
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestTaskIDFormat(t *testing.T) {
	tk := newTestTask(t, nil)
	assert.Len(t, tk.TaskID(), 14)
	assert.Equal(t, "GC", tk.TaskID()[:2])
	_, err := strconv.ParseUint(tk.TaskID()[2:], 16, 64)
	assert.NoError(t, err)
}
