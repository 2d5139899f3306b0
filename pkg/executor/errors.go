// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeFailed indicates a plan node exhausted its compute
	// retries.
	ErrNodeFailed = errors.New("plan node failed")

	// ErrUnknownDependencyJob indicates an IN_PROGRESS dependency with
	// no recorded scheduler job, so DAG mode cannot chain on it.
	ErrUnknownDependencyJob = errors.New("in-progress dependency has no known job")

	// ErrProtocolFailure indicates the run machinery itself broke: a
	// worker hit a missing dependency, an undecodable task, or a task
	// bounced more times than a flaky node can explain. Protocol
	// failures abort the run; compute failures merely retry.
	ErrProtocolFailure = errors.New("worker protocol failure")
)

// NodeFailedError names the artifact and its state file so the user
// can go look at what actually happened.
type NodeFailedError struct {
	Hash      string
	Artifact  string
	StatePath string
	Retries   int
	Err       error
}

func (e *NodeFailedError) Error() string {
	return fmt.Sprintf("node %s (%s) failed after %d retries, see %s: %v",
		e.Hash, e.Artifact, e.Retries, e.StatePath, e.Err)
}

func (e *NodeFailedError) Unwrap() error { return ErrNodeFailed }
