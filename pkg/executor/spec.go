// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor schedules plans: locally on a bounded worker pool,
// or on a cluster either as one job per node (DAG mode) or as a
// spec-keyed worker pool fed by a filesystem task queue.
package executor

import (
	"context"

	"github.com/furulabs/furu/pkg/storage"
)

// Spec describes the resources requested for one resource class.
type Spec struct {
	Partition string `json:"partition,omitempty"`
	CPUs      int    `json:"cpus,omitempty"`
	GPUs      int    `json:"gpus,omitempty"`
	MemGB     int    `json:"mem_gb,omitempty"`
	TimeMin   int    `json:"time_min,omitempty"`
}

// JobSpec is one remote submission.
type JobSpec struct {
	// Name shows up in the scheduler's queue.
	Name string
	// SpecKey selects the resource class.
	SpecKey string
	// Resources requested for the job.
	Resources Spec
	// Payload is handed to the remote process verbatim.
	Payload []byte
	// DependencyIDs are scheduler job IDs that must reach a terminal
	// state before this job starts.
	DependencyIDs []string
}

// Job is a handle on a submitted remote job.
type Job interface {
	ID() string
	// State returns the scheduler's state string (COMPLETED, RUNNING,
	// PREEMPTED, ...).
	State(ctx context.Context) (string, error)
	// Done reports whether the job reached a terminal state.
	Done(ctx context.Context) (bool, error)
}

// Submitter is the remote-execution collaborator. Implementations
// wrap a cluster scheduler; tests use an in-process fake.
type Submitter interface {
	Submit(ctx context.Context, spec JobSpec) (Job, error)
}

// ClassifyJobState maps a scheduler state string onto an attempt
// status. Requeue-flavored states count as preemption (the work can
// run again); CANCELLED is preemption only when configured, because
// some sites cancel for maintenance and others only by human intent.
func ClassifyJobState(state string, cancelledIsPreempted bool) storage.AttemptStatus {
	switch state {
	case "COMPLETED", "COMPLETE", "SUCCESS":
		return storage.AttemptSuccess
	case "PREEMPTED", "TIMEOUT", "NODE_FAIL", "REQUEUED", "REQUEUE_HOLD":
		return storage.AttemptPreempted
	case "CANCELLED":
		if cancelledIsPreempted {
			return storage.AttemptPreempted
		}
		return storage.AttemptCancelled
	case "FAILED", "FAIL", "ERROR", "OUT_OF_MEMORY":
		return storage.AttemptFailed
	case "PENDING", "REQUEUE_FED":
		return storage.AttemptQueued
	default:
		return storage.AttemptRunning
	}
}
