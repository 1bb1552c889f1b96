// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jontk/gridrun/pkg/jobdb"
	"github.com/jontk/gridrun/pkg/retry"
	"github.com/jontk/gridrun/pkg/streaming"
	"github.com/jontk/gridrun/pkg/watch"
	"github.com/jontk/gridrun/pkg/wms"
)

var (
	submitRetries int
	submitLoop    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit all submit candidates to the local backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tk, err := buildTask(cfg, logger)
		if err != nil {
			return err
		}
		db, err := openJobDB(cfg, tk.JobLen(), logger)
		if err != nil {
			return err
		}
		dispatcher, err := openDispatcher(cfg, db, logger)
		if err != nil {
			return err
		}
		if submitRetries > 0 {
			dispatcher.WithRetryPolicy(retry.NewExponentialBackoff().WithMaxRetries(submitRetries))
		}
		if submitLoop {
			return dispatcher.Run(cmd.Context(), tk)
		}

		candidates := db.GetJobList(jobdb.ClassSelector(jobdb.ClassSubmitCandidates), nil)
		var submittable []int
		for _, jobnum := range candidates {
			if tk.CanSubmit(jobnum) {
				submittable = append(submittable, jobnum)
			}
		}
		if len(submittable) == 0 {
			fmt.Println("No jobs to submit")
			return nil
		}

		results := dispatcher.SubmitJobs(cmd.Context(), tk, submittable)
		submitted := 0
		for _, result := range results {
			if result.GCID != "" {
				submitted++
			}
		}
		fmt.Printf("Submitted %d of %d jobs (backend %s)\n",
			submitted, len(results), dispatcher.Backend().Name())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every job",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openJobDB(cfg, 0, logger)
		if err != nil {
			return err
		}

		counts := make(map[string]int)
		for _, jobnum := range db.GetJobList(nil, nil) {
			job := db.Get(jobnum)
			counts[job.State.String()]++
			fmt.Printf("%6d  %-10s  attempt=%d  %s\n",
				jobnum, job.State, job.Attempt, job.GCID)
		}

		states := make([]string, 0, len(counts))
		for state := range counts {
			states = append(states, state)
		}
		sort.Strings(states)
		fmt.Println()
		for _, state := range states {
			fmt.Printf("%-10s %d\n", state, counts[state])
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel all jobs still at the backend and purge their sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openJobDB(cfg, 0, logger)
		if err != nil {
			return err
		}
		dispatcher, err := openDispatcher(cfg, db, logger)
		if err != nil {
			return err
		}

		var refs []wms.JobRef
		selector := jobdb.ClassSelector(jobdb.ClassProcessing)
		for _, jobnum := range db.GetJobList(selector, nil) {
			job := db.Get(jobnum)
			if job.GCID == "" {
				continue
			}
			refs = append(refs, wms.JobRef{GCID: job.GCID, Jobnum: jobnum})
		}
		if len(refs) == 0 {
			fmt.Println("No jobs to cancel")
			return nil
		}

		cancelled, err := dispatcher.CancelJobs(cmd.Context(), refs)
		if err != nil {
			return err
		}
		for _, jobnum := range cancelled {
			job := db.Get(jobnum)
			job.Update(jobdb.StateCancelled)
			if err := db.Commit(jobnum, job); err != nil {
				return err
			}
		}
		fmt.Printf("Cancelled %d jobs\n", len(cancelled))
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Reconcile the parameter space and requeue affected jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tk, err := buildTask(cfg, logger)
		if err != nil {
			return err
		}
		db, err := openJobDB(cfg, tk.JobLen(), logger)
		if err != nil {
			return err
		}

		result, err := tk.Intervene()
		if err != nil {
			return err
		}
		if err := db.ApplyIntervention(result.Redo.Sorted(), result.Disable.Sorted()); err != nil {
			return err
		}
		db.SetJobLimit(tk.JobLen())

		fmt.Printf("Resync: %d redo, %d disabled, size changed: %v, %d jobs total\n",
			len(result.Redo), len(result.Disable), result.SizeChanged, tk.JobLen())
		return nil
	},
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve job states and live events over HTTP/WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openJobDB(cfg, 0, logger)
		if err != nil {
			return err
		}
		poller := watch.NewJobPoller(db)
		server := streaming.NewServer(db, poller, logger)
		logger.Info("monitor listening", "addr", serveAddr)
		return http.ListenAndServe(serveAddr, server.Router())
	},
}

func init() {
	submitCmd.Flags().IntVar(&submitRetries, "retries", 0, "retry retryable submit failures up to N times")
	submitCmd.Flags().BoolVar(&submitLoop, "loop", false, "keep submitting, paced by wait work / wait idle")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8714", "listen address")
}
