// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jontk/gridrun/internal/version"
	"github.com/jontk/gridrun/pkg/config"
	"github.com/jontk/gridrun/pkg/jobdb"
	"github.com/jontk/gridrun/pkg/logging"
	"github.com/jontk/gridrun/pkg/params"
	"github.com/jontk/gridrun/pkg/task"
	"github.com/jontk/gridrun/pkg/wms"
)

// taskIdentityFile pins the task id across invocations of the same work
// directory
const taskIdentityFile = "task_id.txt"

var (
	// Global flags
	configFile string
	workPath   string
	backend    string
	command    string
	paramFlags []string
	paramMode  string
	debug      bool

	rootCmd = &cobra.Command{
		Use:     "gridrun",
		Short:   "Batch-job orchestrator for scientific workloads",
		Long:    `gridrun expands a parameter space into jobs, dispatches them to a local batch system and tracks them through their lifecycle.`,
		Version: version.Version,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "task configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&workPath, "work-dir", "w", "", "work directory (env: GRIDRUN_WORK_PATH)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "local backend (SLURM, OGE, PBS, LSF, JMS); probed when empty")
	rootCmd.PersistentFlags().StringVar(&command, "command", "", "task command line")
	rootCmd.PersistentFlags().StringArrayVarP(&paramFlags, "param", "p", nil, "parameter values, NAME=v1,v2,... (repeatable)")
	rootCmd.PersistentFlags().StringVar(&paramMode, "mode", "cross", "parameter combination: cross, zip or variation")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the CLI logger honoring the debug flag
func newLogger() logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Version = version.Version
	if debug {
		cfg.Level = -4 // slog.LevelDebug
	}
	return logging.NewLogger(cfg)
}

// loadConfig merges defaults, the optional config file, the environment
// and the command line
func loadConfig() (*config.Config, error) {
	cfg := config.NewDefault()
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	cfg.Load()
	if workPath != "" {
		cfg.WorkPath = workPath
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.WorkPath, 0o755); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSource combines the --param flags according to --mode
func buildSource() (params.Source, error) {
	if len(paramFlags) == 0 {
		return nil, fmt.Errorf("at least one --param is required")
	}
	leaves := make([]params.Source, 0, len(paramFlags))
	for _, flag := range paramFlags {
		name, values, found := strings.Cut(flag, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("malformed --param %q, expected NAME=v1,v2,...", flag)
		}
		leaves = append(leaves, params.NewValuesSource(name, strings.Split(values, ",")...))
	}
	switch paramMode {
	case "cross":
		return params.NewCross(leaves...)
	case "zip":
		return params.NewZipLong(leaves...)
	case "variation":
		return params.NewVariation(leaves...)
	default:
		return nil, fmt.Errorf("unknown parameter mode %q", paramMode)
	}
}

// buildTask assembles the task over the configured parameter space,
// reusing the task identity persisted in the work directory
func buildTask(cfg *config.Config, logger logging.Logger) (*task.Task, error) {
	if command == "" {
		return nil, fmt.Errorf("--command is required")
	}
	source, err := buildSource()
	if err != nil {
		return nil, err
	}
	tk, err := task.New(cfg, filepath.Base(cfg.WorkPath), command, source, logger)
	if err != nil {
		return nil, err
	}

	identityPath := filepath.Join(cfg.WorkPath, taskIdentityFile)
	if data, err := os.ReadFile(identityPath); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) == 2 {
			tk.WithTaskID(fields[0], fields[1])
		}
	} else {
		identity := tk.TaskID() + " " + tk.TaskDate() + "\n"
		if err := os.WriteFile(identityPath, []byte(identity), 0o644); err != nil {
			return nil, err
		}
	}
	if err := tk.ValidateVariables(); err != nil {
		return nil, err
	}
	return tk, nil
}

// openJobDB opens the job database of the work directory
func openJobDB(cfg *config.Config, jobLimit int, logger logging.Logger) (*jobdb.TextFileJobDB, error) {
	return jobdb.NewTextFileJobDB(filepath.Join(cfg.WorkPath, "jobs"), jobLimit, nil, logger)
}

// openDispatcher builds the local dispatcher for the configured backend
func openDispatcher(cfg *config.Config, db *jobdb.TextFileJobDB, logger logging.Logger) (*wms.LocalWMS, error) {
	return wms.NewLocal(cfg, db, logger)
}
