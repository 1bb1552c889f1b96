// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the recognized option surface consumed by the gridrun core
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the options consumed by the task module and the local dispatcher
type Config struct {
	// WorkPath is the task work directory (job DB, parameter map)
	WorkPath string `yaml:"work path"`

	// SandboxPath is the base directory for per-job sandboxes
	SandboxPath string `yaml:"sandbox path"`

	// ScratchPath is the ordered scratch search list injected as GC_SCRATCH_SEARCH
	ScratchPath []string `yaml:"scratch path"`

	// SubmitOptions are verbatim extra args prepended to every submit invocation
	SubmitOptions string `yaml:"submit options"`

	// Memory is the per-job memory floor in MB; values below zero disable the floor
	Memory int `yaml:"memory"`

	// WaitIdle is the dispatcher pacing when idle
	WaitIdle time.Duration `yaml:"wait idle"`

	// WaitWork is the dispatcher pacing between work cycles
	WaitWork time.Duration `yaml:"wait work"`

	// WallTime is the per-job wall time requirement
	WallTime time.Duration `yaml:"wall time"`

	// CPUTime is the per-job cpu time requirement; defaults to WallTime
	CPUTime time.Duration `yaml:"cpu time"`

	// CPUs is the per-job cpu count requirement
	CPUs int `yaml:"cpus"`

	// NodeTimeout bounds job runtime on the worker node; negative disables it
	NodeTimeout time.Duration `yaml:"node timeout"`

	// InputFiles lists the sandbox input manifest
	InputFiles []string `yaml:"input files"`

	// OutputFiles lists the output glob patterns retrieved from the sandbox
	OutputFiles []string `yaml:"output files"`

	// GzipOutput requests gzip of captured stdout/stderr
	GzipOutput bool `yaml:"gzip output"`

	// Depends lists declared runtime dependencies (lower-cased on load)
	Depends []string `yaml:"depends"`

	// SiteBroker is the plugin name of the site requirement broker
	SiteBroker string `yaml:"site broker"`

	// QueueBroker is the plugin name of the queue requirement broker
	QueueBroker string `yaml:"queue broker"`

	// Sites are the site constraints attached by the user site broker
	Sites []string `yaml:"sites"`

	// Queues are the queue constraints attached by the user queue broker
	Queues []string `yaml:"queues"`

	// Backend forces a local backend instead of probing for one
	Backend string `yaml:"backend"`
}

// NewDefault creates a new configuration with default values
func NewDefault() *Config {
	return &Config{
		WorkPath:    getEnvOrDefault("GRIDRUN_WORK_PATH", "work"),
		ScratchPath: []string{"TMPDIR", "/tmp"},
		Memory:      -1,
		WaitIdle:    20 * time.Second,
		WaitWork:    5 * time.Second,
		WallTime:    1 * time.Hour,
		CPUs:        1,
		NodeTimeout: -1,
		GzipOutput:  true,
		SiteBroker:  "user",
		QueueBroker: "user",
	}
}

// Load loads configuration from environment variables
func (c *Config) Load() {
	if path := os.Getenv("GRIDRUN_WORK_PATH"); path != "" {
		c.WorkPath = path
	}

	if path := os.Getenv("GRIDRUN_SANDBOX_PATH"); path != "" {
		c.SandboxPath = path
	}

	if scratch := os.Getenv("GRIDRUN_SCRATCH_PATH"); scratch != "" {
		c.ScratchPath = strings.Fields(scratch)
	}

	if opts := os.Getenv("GRIDRUN_SUBMIT_OPTIONS"); opts != "" {
		c.SubmitOptions = opts
	}

	if memory := os.Getenv("GRIDRUN_MEMORY"); memory != "" {
		if i, err := strconv.Atoi(memory); err == nil {
			c.Memory = i
		}
	}

	if backend := os.Getenv("GRIDRUN_BACKEND"); backend != "" {
		c.Backend = backend
	}

	for _, d := range []struct {
		key    string
		target *time.Duration
	}{
		{"GRIDRUN_WAIT_IDLE", &c.WaitIdle},
		{"GRIDRUN_WAIT_WORK", &c.WaitWork},
		{"GRIDRUN_WALL_TIME", &c.WallTime},
		{"GRIDRUN_CPU_TIME", &c.CPUTime},
		{"GRIDRUN_NODE_TIMEOUT", &c.NodeTimeout},
	} {
		if value := os.Getenv(d.key); value != "" {
			if parsed, err := time.ParseDuration(value); err == nil {
				*d.target = parsed
			}
		}
	}
}

// LoadFile merges options from a YAML file into the configuration.
// Unknown keys are tolerated.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	c.normalize()
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.WorkPath == "" {
		return ErrMissingWorkPath
	}

	if c.WallTime <= 0 {
		return ErrInvalidWallTime
	}

	if c.CPUs < 1 {
		return ErrInvalidCPUs
	}

	return nil
}

// CPUTimeOrWallTime returns the cpu time requirement, defaulting to wall time
func (c *Config) CPUTimeOrWallTime() time.Duration {
	if c.CPUTime > 0 {
		return c.CPUTime
	}
	return c.WallTime
}

// normalize applies canonical forms after loading: dependencies are lower-cased
func (c *Config) normalize() {
	for i, dep := range c.Depends {
		c.Depends[i] = strings.ToLower(dep)
	}
	if c.CPUs == 0 {
		c.CPUs = 1
	}
}

// getEnvOrDefault returns the environment variable value or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
