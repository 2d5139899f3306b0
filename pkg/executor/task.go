// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/furulabs/furu/pkg/artifact"
)

// FailureKind tags a failed task so the controller knows whether to
// retry (compute) or abort the run (protocol).
type FailureKind string

const (
	FailureCompute  FailureKind = "compute"
	FailureProtocol FailureKind = "protocol"
)

// Task is one unit of work in the filesystem queue and the payload of
// a DAG-mode job. The full config snapshot rides along so the worker
// can reconstruct the object without sharing memory with the
// controller.
type Task struct {
	Namespace string         `json:"namespace"`
	Hash      string         `json:"hash"`
	SpecKey   string         `json:"spec_key"`
	Config    map[string]any `json:"config"`

	// Requeues counts stale-claim recoveries; bounded by the
	// controller.
	Requeues int `json:"requeues,omitempty"`
	// Retries counts compute-failure resubmissions.
	Retries int `json:"retries,omitempty"`

	WorkerID    string      `json:"worker_id,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
	Failure     FailureKind `json:"failure,omitempty"`
	FailureMsg  string      `json:"failure_msg,omitempty"`
}

// NewTask builds the task payload for an object.
func NewTask(obj artifact.Object, ref artifact.Ref) (*Task, error) {
	snapshot, err := artifact.ConfigSnapshot(obj)
	if err != nil {
		return nil, err
	}
	return &Task{
		Namespace: ref.Namespace,
		Hash:      ref.Hash,
		SpecKey:   artifact.SpecKeyOf(obj),
		Config:    snapshot,
	}, nil
}

// Encode serializes the task for a job payload or queue file.
func (t *Task) Encode() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// DecodeTask parses a task payload.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &t, nil
}

// Reconstruct rebuilds the object through the registry. Failures here
// are protocol failures: the controller and worker disagree about the
// schema.
func (t *Task) Reconstruct(reg *artifact.Registry) (artifact.Object, error) {
	obj, err := reg.Decode(t.Namespace, t.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: reconstructing task %s:%s: %v",
			ErrProtocolFailure, t.Namespace, t.Hash, err)
	}
	return obj, nil
}
