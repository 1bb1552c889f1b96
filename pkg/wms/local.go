// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package wms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jontk/gridrun/pkg/config"
	"github.com/jontk/gridrun/pkg/errors"
	"github.com/jontk/gridrun/pkg/jobdb"
	"github.com/jontk/gridrun/pkg/logging"
	"github.com/jontk/gridrun/pkg/params"
	"github.com/jontk/gridrun/pkg/proc"
	"github.com/jontk/gridrun/pkg/retry"
	"github.com/jontk/gridrun/pkg/task"
)

// launcherScript is the canned wrapper every backend runs inside the
// sandbox
const launcherScript = "gc-local.sh"

// jobConfigFile is the rendered per-job environment file
const jobConfigFile = "_jobconfig.sh"

// defaultSubmitTimeout bounds a single submit-executable invocation
const defaultSubmitTimeout = 20 * time.Second

// gcIDPrefix starts every backend-qualified job identifier
const gcIDPrefix = "WMSID"

// JobRef pairs a backend-qualified id with its stable job number
type JobRef struct {
	GCID   string
	Jobnum int
}

// SubmitResult reports one submission attempt. A failed submission
// carries an empty GCID; the sandbox is reported either way. Err is set
// only for failures that are fatal to the job, e.g. an unusable sandbox.
type SubmitResult struct {
	Jobnum  int
	GCID    string
	Sandbox string
	Err     error
}

// OutputResult reports one retrieved job output. Sandbox is empty when
// the sandbox could not be found.
type OutputResult struct {
	Jobnum  int
	Sandbox string
}

// LocalWMS submits, cancels and purges jobs through the submit executable
// of a local batch backend. It wires the process supervisor, the job
// database, the task module and the sandbox helper together.
type LocalWMS struct {
	cfg     *config.Config
	backend Backend
	helper  *SandboxHelper
	db      *jobdb.TextFileJobDB
	logger  logging.Logger

	siteBroker  Broker
	queueBroker Broker
	sm          SourceManager
	retryPolicy retry.Policy

	submitTimeout time.Duration
	settleDelay   time.Duration
}

// NewLocal creates a dispatcher for the configured backend, probing the
// PATH for a known batch system when no backend is configured
func NewLocal(cfg *config.Config, db *jobdb.TextFileJobDB, logger logging.Logger) (*LocalWMS, error) {
	var backend Backend
	var err error
	if cfg.Backend != "" {
		backend, err = BackendByName(cfg.Backend)
	} else {
		backend, err = DetectBackend()
	}
	if err != nil {
		return nil, err
	}
	return NewLocalWMS(cfg, backend, db, logger)
}

// NewLocalWMS creates a dispatcher over the given backend. The job
// database is optional; without it submissions are not recorded.
func NewLocalWMS(cfg *config.Config, backend Backend, db *jobdb.TextFileJobDB, logger logging.Logger) (*LocalWMS, error) {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	sandboxPath := cfg.SandboxPath
	if sandboxPath == "" {
		sandboxPath = filepath.Join(cfg.WorkPath, "sandbox")
	}
	helper, err := NewSandboxHelper(sandboxPath)
	if err != nil {
		return nil, err
	}
	return &LocalWMS{
		cfg:           cfg,
		backend:       backend,
		helper:        helper,
		db:            db,
		logger:        logger.With("component", "wms.local", "backend", backend.Name()),
		siteBroker:    brokerByName(cfg.SiteBroker, params.ReqSites, cfg.Sites),
		queueBroker:   brokerByName(cfg.QueueBroker, params.ReqQueues, cfg.Queues),
		sm:            CopySourceManager{},
		retryPolicy:   retry.NewNoRetry(),
		submitTimeout: defaultSubmitTimeout,
		settleDelay:   5 * time.Second,
	}, nil
}

// WithBrokers replaces the site and queue requirement brokers
func (w *LocalWMS) WithBrokers(site, queue Broker) *LocalWMS {
	if site != nil {
		w.siteBroker = site
	}
	if queue != nil {
		w.queueBroker = queue
	}
	return w
}

// WithSourceManager replaces the sandbox input transfer strategy
func (w *LocalWMS) WithSourceManager(sm SourceManager) *LocalWMS {
	w.sm = sm
	return w
}

// WithRetryPolicy enables submit retries for retryable failures
func (w *LocalWMS) WithRetryPolicy(policy retry.Policy) *LocalWMS {
	w.retryPolicy = policy
	return w
}

// WithSubmitTimeout overrides the submit invocation bound
func (w *LocalWMS) WithSubmitTimeout(timeout time.Duration) *LocalWMS {
	w.submitTimeout = timeout
	return w
}

// WithSettleDelay overrides the purge settle delay
func (w *LocalWMS) WithSettleDelay(delay time.Duration) *LocalWMS {
	w.settleDelay = delay
	return w
}

// Backend returns the driven backend
func (w *LocalWMS) Backend() Backend {
	return w.backend
}

// SandboxHelper returns the sandbox resolver of this dispatcher
func (w *LocalWMS) SandboxHelper() *SandboxHelper {
	return w.helper
}

// SubmitJobs runs the submission pipeline for each job number. Per-job
// failures do not abort the batch: a failed submission is reported with
// an empty GCID and the job stays in its previous state.
func (w *LocalWMS) SubmitJobs(ctx context.Context, tk *task.Task, jobnums []int) []SubmitResult {
	results := make([]SubmitResult, 0, len(jobnums))
	for _, jobnum := range jobnums {
		select {
		case <-ctx.Done():
			return results
		default:
		}
		result := w.submitWithRetry(ctx, tk, jobnum)
		results = append(results, result)
	}
	return results
}

// Run drives the submission loop until the context ends: each cycle
// submits every submit candidate bound to a live parameter point, then
// paces by the configured wait work (productive cycle) or wait idle
// (nothing to do) interval.
func (w *LocalWMS) Run(ctx context.Context, tk *task.Task) error {
	if w.db == nil {
		return errors.NewConfigError(errors.ErrorCodeInvalidConfiguration,
			"the submission loop requires a job database", "work path", nil)
	}
	for {
		candidates := w.db.GetJobList(jobdb.ClassSelector(jobdb.ClassSubmitCandidates), nil)
		submittable := candidates[:0]
		for _, jobnum := range candidates {
			if tk.CanSubmit(jobnum) {
				submittable = append(submittable, jobnum)
			}
		}

		pause := w.cfg.WaitIdle
		if len(submittable) > 0 {
			w.SubmitJobs(ctx, tk, submittable)
			pause = w.cfg.WaitWork
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// submitWithRetry drives one job through the submit pipeline, consulting
// the retry policy on retryable failures
func (w *LocalWMS) submitWithRetry(ctx context.Context, tk *task.Task, jobnum int) SubmitResult {
	attempt := 0
	for {
		result, err := w.submitJob(tk, jobnum)
		if err == nil || !w.retryPolicy.ShouldRetry(ctx, err, attempt) {
			if err != nil && result.Err == nil {
				w.logger.Warn("job submission failed", "jobnum", jobnum, "error", err)
			}
			return result
		}
		attempt++
		w.logger.Warn("retrying job submission", "jobnum", jobnum, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return result
		case <-time.After(w.retryPolicy.WaitTime(attempt)):
		}
	}
}

// submitJob is one pass of the submission pipeline: sandbox, inputs, job
// config, brokered requirements, supervised submit executable, id parse,
// marker file, job database record
func (w *LocalWMS) submitJob(tk *task.Task, jobnum int) (SubmitResult, error) {
	result := SubmitResult{Jobnum: jobnum}

	sandbox, err := os.MkdirTemp(w.helper.GetPath(), fmt.Sprintf("%s.%04d.", tk.TaskID(), jobnum))
	if err != nil {
		backendErr := errors.NewBackendError(errors.ErrorCodeSandboxCreate,
			"unable to create sandbox directory", w.backend.Name(), "", w.helper.GetPath(), err)
		result.Err = backendErr
		return result, backendErr
	}
	result.Sandbox = sandbox

	if err := w.sm.Transfer(sandbox, tk.SBInFiles()); err != nil {
		result.Err = err
		return result, err
	}

	if err := w.writeJobConfig(tk, jobnum, sandbox); err != nil {
		result.Err = err
		return result, err
	}

	reqs, err := tk.Requirements(jobnum)
	if err != nil {
		result.Err = err
		return result, err
	}
	reqs = w.siteBroker.Augment(reqs)
	reqs = w.queueBroker.Augment(reqs)
	reqs = applyMemoryFloor(reqs, w.cfg.Memory)

	jobName, err := tk.JobName(jobnum)
	if err != nil {
		result.Err = err
		return result, err
	}

	stdout := filepath.Join(sandbox, "gc.stdout")
	stderr := filepath.Join(sandbox, "gc.stderr")
	args := strings.Fields(w.cfg.SubmitOptions)
	args = append(args, w.backend.SubmitArgs(jobnum, jobName, reqs, sandbox, stdout, stderr)...)
	args = append(args, filepath.Join(shareDir(), launcherScript))
	args = append(args, w.backend.JobArgs(jobnum, sandbox)...)

	process, err := proc.Start(w.logger, w.backend.SubmitExec(), args...)
	if err != nil {
		return result, err
	}
	status := process.Status(w.submitTimeout, true)
	output := strings.TrimSpace(process.Stdout.Read(0))

	if status == nil {
		// Submit executable outlived even the terminate escalation. If
		// the backend accepted the job regardless, the id is lost and
		// the sandbox leaks until a manual purge.
		return result, errors.NewTimeoutError("submit executable did not finish",
			w.backend.SubmitExec(), w.submitTimeout)
	}
	if !status.Success() {
		w.logger.Warn("submit executable failed", "jobnum", jobnum,
			"status", status.String(), "stderr", process.Stderr.Read(0))
		return result, errors.NewBackendError(errors.ErrorCodeSubmitFailed,
			"submit executable returned "+status.String(), w.backend.Name(), "", sandbox, nil)
	}

	rawID, err := w.backend.ParseSubmitOutput(output)
	if err != nil || rawID == "" {
		w.logger.Warn("submit executable did not yield a job id",
			"jobnum", jobnum, "output", output)
		return result, errors.NewBackendError(errors.ErrorCodeSubmitFailed,
			"submit output carried no job id", w.backend.Name(), "", sandbox, err)
	}

	gcID := fmt.Sprintf("%s.%s.%s", gcIDPrefix, w.backend.Name(), rawID)
	marker, err := os.Create(filepath.Join(sandbox, gcID))
	if err != nil {
		return result, errors.NewBackendError(errors.ErrorCodeSandboxCreate,
			"unable to create sandbox marker", w.backend.Name(), gcID, sandbox, err)
	}
	marker.Close()

	result.GCID = gcID
	w.recordSubmission(jobnum, gcID, sandbox)
	w.logger.Info("job submitted", "jobnum", jobnum, "gc_id", gcID)
	return result, nil
}

// recordSubmission stamps a successful submission into the job database
func (w *LocalWMS) recordSubmission(jobnum int, gcID, sandbox string) {
	if w.db == nil {
		return
	}
	job := w.db.Get(jobnum)
	job.AssignID(gcID)
	job.Set("sandbox", sandbox)
	job.Update(jobdb.StateSubmitted)
	if err := w.db.Commit(jobnum, job); err != nil {
		w.logger.Error("unable to record submission", "jobnum", jobnum, "error", err)
	}
}

// writeJobConfig renders the per-job KEY=VALUE environment file into the
// sandbox, including the sandbox location and the scratch search list
func (w *LocalWMS) writeJobConfig(tk *task.Task, jobnum int, sandbox string) error {
	vars := tk.TaskDict()
	jobDict, err := tk.JobDict(jobnum)
	if err != nil {
		return err
	}
	for key, value := range jobDict {
		vars[key] = value
	}
	for key, value := range tk.TransientVariables() {
		vars[key] = value
	}
	vars["GC_SANDBOX"] = sandbox
	vars["GC_SCRATCH_SEARCH"] = strings.Join(w.cfg.ScratchPath, " ")
	vars["GC_GZIP_OUT"] = strconv.FormatBool(w.cfg.GzipOutput)

	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(vars[key])
		sb.WriteString("\n")
	}
	path := filepath.Join(sandbox, jobConfigFile)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errors.NewBackendError(errors.ErrorCodeSandboxCreate,
			"unable to write job config", w.backend.Name(), "", path, err)
	}
	return nil
}

// GetJobsOutput locates each job sandbox, removes everything that does
// not match a declared output pattern and reports the sandbox path. A
// missing sandbox is reported with an empty path.
func (w *LocalWMS) GetJobsOutput(refs []JobRef, outputPatterns []string) []OutputResult {
	results := make([]OutputResult, 0, len(refs))
	for _, ref := range refs {
		sandbox := w.helper.GetSandbox(ref.GCID)
		if sandbox == "" {
			w.logger.Warn("sandbox not found for job output", "gc_id", ref.GCID)
			results = append(results, OutputResult{Jobnum: ref.Jobnum})
			continue
		}
		w.cleanSandbox(sandbox, outputPatterns)
		results = append(results, OutputResult{Jobnum: ref.Jobnum, Sandbox: sandbox})
	}
	return results
}

// cleanSandbox deletes sandbox entries not matching any output pattern
func (w *LocalWMS) cleanSandbox(sandbox string, outputPatterns []string) {
	keep := make(map[string]bool)
	for _, pattern := range outputPatterns {
		matches, err := filepath.Glob(filepath.Join(sandbox, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			keep[match] = true
		}
	}
	entries, err := os.ReadDir(sandbox)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(sandbox, entry.Name())
		if keep[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			w.logger.Warn("unable to remove sandbox entry", "path", path, "error", err)
		}
	}
}

// CancelJobs cancels the given jobs at the backend and then purges their
// sandboxes
func (w *LocalWMS) CancelJobs(ctx context.Context, refs []JobRef) ([]int, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	rawIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		rawIDs = append(rawIDs, rawID(ref.GCID))
	}
	process, err := proc.Start(w.logger, w.backend.CancelExec(), w.backend.CancelArgs(rawIDs)...)
	if err != nil {
		return nil, err
	}
	if status := process.Status(w.submitTimeout, true); status == nil || !status.Success() {
		w.logger.Warn("cancel executable did not succeed",
			"stderr", process.Stderr.Read(0))
	}

	if err := w.PurgeJobs(ctx, refs); err != nil {
		return nil, err
	}
	cancelled := make([]int, 0, len(refs))
	for _, ref := range refs {
		cancelled = append(cancelled, ref.Jobnum)
	}
	return cancelled, nil
}

// PurgeJobs deletes the sandboxes of the given jobs. The initial settle
// delay lets the backend release its file handles. Every delete runs
// under the process-wide purge lock; a missing sandbox is a warning, a
// failed delete surfaces as a typed backend error carrying the job id
// and the offending path.
func (w *LocalWMS) PurgeJobs(ctx context.Context, refs []JobRef) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.settleDelay):
	}
	for _, ref := range refs {
		sandbox := w.helper.GetSandbox(ref.GCID)
		if sandbox == "" {
			w.logger.Warn("sandbox for job could not be found", "gc_id", ref.GCID)
			continue
		}
		purgeLock.Lock()
		err := os.RemoveAll(sandbox)
		purgeLock.Unlock()
		if err != nil {
			return errors.NewBackendError(errors.ErrorCodePurgeFailed,
				"sandbox could not be deleted", w.backend.Name(), ref.GCID, sandbox, err)
		}
		w.logger.Info("sandbox purged", "gc_id", ref.GCID, "path", sandbox)
	}
	return nil
}

// rawID strips the WMSID.<backend>. prefix from a backend-qualified id
func rawID(gcID string) string {
	parts := strings.SplitN(gcID, ".", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return gcID
}

// shareDir locates the bundled launcher scripts next to the executable
func shareDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "share"
	}
	return filepath.Join(filepath.Dir(exe), "share")
}
