// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package wms

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/params"
)

// Backend composes the command lines of one workload-management flavor
// and parses its submit output
type Backend interface {
	// Name is the backend alias carried in every gc_id
	Name() string

	// SubmitExec is the submission executable
	SubmitExec() string

	// CancelExec is the cancellation executable
	CancelExec() string

	// SubmitArgs builds the backend-specific submit arguments
	SubmitArgs(jobnum int, jobName string, reqs []params.Requirement, sandbox, stdout, stderr string) []string

	// JobArgs builds the arguments passed to the launcher script
	JobArgs(jobnum int, sandbox string) []string

	// CancelArgs builds the cancel arguments for a batch of raw ids
	CancelArgs(rawIDs []string) []string

	// ParseSubmitOutput extracts the raw backend id from submit stdout
	ParseSubmitOutput(stdout string) (string, error)
}

// parseError builds the typed error for unparseable submit output
func parseError(backend, output string) error {
	return errors.NewBackendError(errors.ErrorCodeSubmitFailed,
		fmt.Sprintf("unable to parse %s submit output %q", backend, output),
		backend, "", "", nil)
}

// SLURMBackend drives the SLURM batch system through sbatch/scancel
type SLURMBackend struct{}

func (SLURMBackend) Name() string       { return "SLURM" }
func (SLURMBackend) SubmitExec() string { return "sbatch" }
func (SLURMBackend) CancelExec() string { return "scancel" }

func (SLURMBackend) SubmitArgs(jobnum int, jobName string, reqs []params.Requirement, sandbox, stdout, stderr string) []string {
	args := []string{"-J", jobName, "-D", sandbox, "-o", stdout, "-e", stderr}
	if walltime, ok := reqValue(reqs, params.ReqWallTime); ok && walltime > 0 {
		args = append(args, "-t", strconv.FormatInt((walltime+59)/60, 10))
	}
	if memory, ok := reqValue(reqs, params.ReqMemory); ok && memory > 0 {
		args = append(args, "--mem", strconv.FormatInt(memory, 10))
	}
	if cpus, ok := reqValue(reqs, params.ReqCPUs); ok && cpus > 1 {
		args = append(args, "-c", strconv.FormatInt(cpus, 10))
	}
	if queue, ok := reqStr(reqs, params.ReqQueues); ok {
		args = append(args, "-p", queue)
	}
	return args
}

func (SLURMBackend) JobArgs(jobnum int, sandbox string) []string {
	return []string{strconv.Itoa(jobnum), sandbox}
}

func (SLURMBackend) CancelArgs(rawIDs []string) []string {
	return rawIDs
}

var slurmSubmitPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

func (SLURMBackend) ParseSubmitOutput(stdout string) (string, error) {
	if match := slurmSubmitPattern.FindStringSubmatch(stdout); match != nil {
		return match[1], nil
	}
	return "", parseError("SLURM", stdout)
}

// OGEBackend drives Open Grid Engine through qsub/qdel
type OGEBackend struct{}

func (OGEBackend) Name() string       { return "OGE" }
func (OGEBackend) SubmitExec() string { return "qsub" }
func (OGEBackend) CancelExec() string { return "qdel" }

func (OGEBackend) SubmitArgs(jobnum int, jobName string, reqs []params.Requirement, sandbox, stdout, stderr string) []string {
	args := []string{"-N", jobName, "-o", stdout, "-e", stderr, "-wd", sandbox}
	if walltime, ok := reqValue(reqs, params.ReqWallTime); ok && walltime > 0 {
		args = append(args, "-l", fmt.Sprintf("h_rt=%d", walltime))
	}
	if memory, ok := reqValue(reqs, params.ReqMemory); ok && memory > 0 {
		args = append(args, "-l", fmt.Sprintf("h_vmem=%dM", memory))
	}
	if queue, ok := reqStr(reqs, params.ReqQueues); ok {
		args = append(args, "-q", queue)
	}
	return args
}

func (OGEBackend) JobArgs(jobnum int, sandbox string) []string {
	return []string{strconv.Itoa(jobnum), sandbox}
}

func (OGEBackend) CancelArgs(rawIDs []string) []string {
	return rawIDs
}

var ogeSubmitPattern = regexp.MustCompile(`Your job (\d+)`)

func (OGEBackend) ParseSubmitOutput(stdout string) (string, error) {
	if match := ogeSubmitPattern.FindStringSubmatch(stdout); match != nil {
		return match[1], nil
	}
	return "", parseError("OGE", stdout)
}

// PBSBackend drives PBS/Torque through qsub/qdel
type PBSBackend struct{}

func (PBSBackend) Name() string       { return "PBS" }
func (PBSBackend) SubmitExec() string { return "qsub" }
func (PBSBackend) CancelExec() string { return "qdel" }

func (PBSBackend) SubmitArgs(jobnum int, jobName string, reqs []params.Requirement, sandbox, stdout, stderr string) []string {
	args := []string{"-N", jobName, "-o", stdout, "-e", stderr, "-d", sandbox}
	if walltime, ok := reqValue(reqs, params.ReqWallTime); ok && walltime > 0 {
		args = append(args, "-l", fmt.Sprintf("walltime=%d", walltime))
	}
	if memory, ok := reqValue(reqs, params.ReqMemory); ok && memory > 0 {
		args = append(args, "-l", fmt.Sprintf("mem=%dmb", memory))
	}
	if queue, ok := reqStr(reqs, params.ReqQueues); ok {
		args = append(args, "-q", queue)
	}
	return args
}

func (PBSBackend) JobArgs(jobnum int, sandbox string) []string {
	return []string{strconv.Itoa(jobnum), sandbox}
}

func (PBSBackend) CancelArgs(rawIDs []string) []string {
	return rawIDs
}

func (PBSBackend) ParseSubmitOutput(stdout string) (string, error) {
	// qsub prints the full job id, e.g. "1234.pbs-server"
	id := strings.TrimSpace(stdout)
	if id == "" || strings.ContainsAny(id, " \n") {
		return "", parseError("PBS", stdout)
	}
	return id, nil
}

// LSFBackend drives LSF through bsub/bkill
type LSFBackend struct{}

func (LSFBackend) Name() string       { return "LSF" }
func (LSFBackend) SubmitExec() string { return "bsub" }
func (LSFBackend) CancelExec() string { return "bkill" }

func (LSFBackend) SubmitArgs(jobnum int, jobName string, reqs []params.Requirement, sandbox, stdout, stderr string) []string {
	args := []string{"-J", jobName, "-o", stdout, "-e", stderr, "-cwd", sandbox}
	if cputime, ok := reqValue(reqs, params.ReqCPUTime); ok && cputime > 0 {
		args = append(args, "-c", strconv.FormatInt((cputime+59)/60, 10))
	}
	if memory, ok := reqValue(reqs, params.ReqMemory); ok && memory > 0 {
		args = append(args, "-M", strconv.FormatInt(memory, 10))
	}
	if queue, ok := reqStr(reqs, params.ReqQueues); ok {
		args = append(args, "-q", queue)
	}
	return args
}

func (LSFBackend) JobArgs(jobnum int, sandbox string) []string {
	return []string{strconv.Itoa(jobnum), sandbox}
}

func (LSFBackend) CancelArgs(rawIDs []string) []string {
	return rawIDs
}

var lsfSubmitPattern = regexp.MustCompile(`Job <(\d+)>`)

func (LSFBackend) ParseSubmitOutput(stdout string) (string, error) {
	if match := lsfSubmitPattern.FindStringSubmatch(stdout); match != nil {
		return match[1], nil
	}
	return "", parseError("LSF", stdout)
}

// JMSBackend drives the JMS scheduler through its job_* tools
type JMSBackend struct{}

func (JMSBackend) Name() string       { return "JMS" }
func (JMSBackend) SubmitExec() string { return "job_submit" }
func (JMSBackend) CancelExec() string { return "job_cancel" }

func (JMSBackend) SubmitArgs(jobnum int, jobName string, reqs []params.Requirement, sandbox, stdout, stderr string) []string {
	args := []string{"-J", jobName, "-o", stdout, "-e", stderr}
	if walltime, ok := reqValue(reqs, params.ReqWallTime); ok && walltime > 0 {
		args = append(args, "-T", strconv.FormatInt(walltime, 10))
	}
	if cpus, ok := reqValue(reqs, params.ReqCPUs); ok && cpus > 1 {
		args = append(args, "-p", strconv.FormatInt(cpus, 10))
	}
	return args
}

func (JMSBackend) JobArgs(jobnum int, sandbox string) []string {
	return []string{strconv.Itoa(jobnum), sandbox}
}

func (JMSBackend) CancelArgs(rawIDs []string) []string {
	return rawIDs
}

var jmsSubmitPattern = regexp.MustCompile(`(\d+)`)

func (JMSBackend) ParseSubmitOutput(stdout string) (string, error) {
	if match := jmsSubmitPattern.FindString(strings.TrimSpace(stdout)); match != "" {
		return match, nil
	}
	return "", parseError("JMS", stdout)
}

// backendsByName resolves an explicitly configured backend alias
var backendsByName = map[string]Backend{
	"SLURM": SLURMBackend{},
	"OGE":   OGEBackend{},
	"PBS":   PBSBackend{},
	"LSF":   LSFBackend{},
	"JMS":   JMSBackend{},
}

// BackendByName returns the backend registered under the alias
func BackendByName(name string) (Backend, error) {
	if backend, ok := backendsByName[strings.ToUpper(name)]; ok {
		return backend, nil
	}
	return nil, errors.NewConfigError(errors.ErrorCodeInvalidConfiguration,
		fmt.Sprintf("unknown local backend %q", name), "backend", nil)
}

// probe is one autodetection entry: the executable whose presence selects
// the backend
type probe struct {
	cmd     string
	backend Backend
}

// probeOrder is the fixed autodetection priority
var probeOrder = []probe{
	{"sacct", SLURMBackend{}},
	{"sgepasswd", OGEBackend{}},
	{"pbs-config", PBSBackend{}},
	{"qsub", OGEBackend{}},
	{"bsub", LSFBackend{}},
	{"job_slurm", JMSBackend{}},
}

// DetectBackend probes the PATH for known batch-system executables in
// priority order and returns the first matching backend. When every probe
// fails, a typed error aggregating all probe failures is returned.
func DetectBackend() (Backend, error) {
	var failures []string
	for _, p := range probeOrder {
		if _, err := exec.LookPath(p.cmd); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p.cmd, err))
			continue
		}
		return p.backend, nil
	}
	return nil, errors.NewConfigError(errors.ErrorCodeNoLocalBackend,
		"no valid local backend found", "backend",
		errors.New(strings.Join(failures, "; ")))
}
