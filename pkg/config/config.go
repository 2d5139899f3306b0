// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config builds the immutable runtime configuration for furu.
//
// A Config is constructed once at process start (from environment
// variables, optionally layered over a furu.yaml file) and passed by
// reference to every component that needs it. Nothing in this package
// is mutated after Load returns; tests construct fresh instances with
// Default() instead of mutating shared state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all furu environment variables.
const EnvPrefix = "FURU_"

// Config holds every knob the caching core honors. All durations are
// resolved at load time; zero values mean "use the documented default".
type Config struct {
	// BaseRoot is the primary storage root. Artifacts live under
	// <BaseRoot>/data/<namespace>/<hash>/.
	BaseRoot string `yaml:"base_root"`

	// VersionControlledRoot overrides the storage root for artifacts
	// declared version-controlled. Defaults to <BaseRoot>/artifacts.
	VersionControlledRoot string `yaml:"version_controlled_root"`

	// RunRoot is where worker-pool run directories are created.
	// Defaults to <BaseRoot>/runs.
	RunRoot string `yaml:"run_root"`

	// PollInterval is the base interval for lock/state polling loops.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WaitLogEvery throttles "still waiting" log lines while blocked
	// on another holder.
	WaitLogEvery time.Duration `yaml:"wait_log_every"`

	// StaleAfter is how long a queued/running attempt may go without
	// heartbeat evidence before it is eligible for takeover.
	StaleAfter time.Duration `yaml:"stale_after"`

	// MaxWait bounds how long Get blocks watching another holder.
	// Zero means wait forever.
	MaxWait time.Duration `yaml:"max_wait"`

	// LeaseDuration is the length of a compute-lock lease. Heartbeats
	// extend the lease by this amount.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// HeartbeatInterval is how often a lock holder refreshes its lease.
	// Defaults to LeaseDuration / 3, floored at one second.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxComputeRetries bounds per-node compute retries in executors.
	MaxComputeRetries int `yaml:"max_compute_retries"`

	// MaxRequeues bounds preemption-driven resubmissions.
	MaxRequeues int `yaml:"max_requeues"`

	// RetryFailed controls whether a previously failed artifact may be
	// recomputed. When false, Get on a failed artifact raises.
	RetryFailed bool `yaml:"retry_failed"`

	// IgnoreGitDiff skips capturing the working-tree diff in metadata.
	IgnoreGitDiff bool `yaml:"ignore_git_diff"`

	// CancelledIsPreempted treats scheduler CANCELLED states as
	// preemption (retryable) instead of failure.
	CancelledIsPreempted bool `yaml:"cancelled_is_preempted"`

	// AlwaysRerunAll forces recomputation of every artifact.
	AlwaysRerunAll bool `yaml:"always_rerun_all"`

	// AlwaysRerun lists namespaces that are always recomputed.
	AlwaysRerun []string `yaml:"always_rerun"`
}

// Default returns the built-in defaults with storage rooted at root.
// Tests use this directly with a t.TempDir() root.
func Default(root string) *Config {
	cfg := &Config{
		BaseRoot:          root,
		PollInterval:      10 * time.Second,
		WaitLogEvery:      10 * time.Second,
		StaleAfter:        30 * time.Minute,
		LeaseDuration:     2 * time.Minute,
		MaxComputeRetries: 3,
		MaxRequeues:       5,
		RetryFailed:       true,
	}
	cfg.applyDerived()
	return cfg
}

// Load builds a Config from the environment, optionally layered over a
// YAML file named by FURU_CONFIG (or ./furu.yaml when present).
//
// Precedence, lowest to highest: built-in defaults, YAML file,
// environment variables.
func Load() (*Config, error) {
	root := os.Getenv(EnvPrefix + "PATH")
	if root == "" {
		root = filepath.Join(".", "furu-data")
	}
	cfg := Default(root)

	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		if _, err := os.Stat("furu.yaml"); err == nil {
			path = "furu.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDerived()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DataRoot returns the storage root for the given root kind.
func (c *Config) DataRoot(versionControlled bool) string {
	if versionControlled {
		if c.VersionControlledRoot != "" {
			return c.VersionControlledRoot
		}
		return filepath.Join(c.BaseRoot, "artifacts")
	}
	return filepath.Join(c.BaseRoot, "data")
}

// Runs returns the worker-pool run root.
func (c *Config) Runs() string {
	if c.RunRoot != "" {
		return c.RunRoot
	}
	return filepath.Join(c.BaseRoot, "runs")
}

// ShouldAlwaysRerun reports whether the namespace is on the forced
// recompute list.
func (c *Config) ShouldAlwaysRerun(namespace string) bool {
	if c.AlwaysRerunAll {
		return true
	}
	for _, ns := range c.AlwaysRerun {
		if ns == namespace {
			return true
		}
	}
	return false
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPrefix + "PATH"); v != "" {
		c.BaseRoot = v
	}
	if v := os.Getenv(EnvPrefix + "VERSION_CONTROLLED_PATH"); v != "" {
		c.VersionControlledRoot = v
	}
	if v := os.Getenv(EnvPrefix + "RUN_PATH"); v != "" {
		c.RunRoot = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL_SECS", &c.PollInterval},
		{"WAIT_LOG_EVERY_SECS", &c.WaitLogEvery},
		{"STALE_AFTER_SECS", &c.StaleAfter},
		{"MAX_WAIT_SECS", &c.MaxWait},
		{"LEASE_SECS", &c.LeaseDuration},
		{"HEARTBEAT_SECS", &c.HeartbeatInterval},
	}
	for _, d := range durations {
		v := os.Getenv(EnvPrefix + d.key)
		if v == "" {
			continue
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
		}
		*d.dst = time.Duration(secs * float64(time.Second))
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_COMPUTE_RETRIES", &c.MaxComputeRetries},
		{"PREEMPT_MAX", &c.MaxRequeues},
	}
	for _, i := range ints {
		v := os.Getenv(EnvPrefix + i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, i.key, err)
		}
		*i.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"RETRY_FAILED", &c.RetryFailed},
		{"IGNORE_DIFF", &c.IgnoreGitDiff},
		{"CANCELLED_IS_PREEMPTED", &c.CancelledIsPreempted},
	}
	for _, b := range bools {
		v := os.Getenv(EnvPrefix + b.key)
		if v == "" {
			continue
		}
		*b.dst = parseBool(v)
	}

	if v := os.Getenv(EnvPrefix + "ALWAYS_RERUN"); v != "" {
		entries, all, err := parseAlwaysRerun(v)
		if err != nil {
			return err
		}
		c.AlwaysRerun = entries
		c.AlwaysRerunAll = all
	}
	return nil
}

func (c *Config) applyDerived() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
		if c.HeartbeatInterval < time.Second {
			c.HeartbeatInterval = time.Second
		}
	}
}

func (c *Config) validate() error {
	if c.BaseRoot == "" {
		return fmt.Errorf("config: base_root must not be empty")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("config: lease_duration must be positive")
	}
	if c.HeartbeatInterval >= c.LeaseDuration {
		return fmt.Errorf("config: heartbeat_interval %s must be shorter than lease_duration %s",
			c.HeartbeatInterval, c.LeaseDuration)
	}
	if c.MaxComputeRetries < 0 {
		return fmt.Errorf("config: max_compute_retries must not be negative")
	}
	return nil
}

// parseAlwaysRerun splits a comma-separated namespace list. The single
// entry "all" forces everything; combining "all" with specific entries
// is ambiguous and rejected.
func parseAlwaysRerun(value string) ([]string, bool, error) {
	var entries []string
	all := false
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.EqualFold(item, "all") {
			all = true
			continue
		}
		entries = append(entries, item)
	}
	if all && len(entries) > 0 {
		return nil, false, fmt.Errorf(
			"%sALWAYS_RERUN cannot combine 'all' with specific entries", EnvPrefix)
	}
	return entries, all, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
