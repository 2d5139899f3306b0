// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package core

import (
	"errors"
	"fmt"

	"github.com/furulabs/furu/pkg/artifact"
)

var (
	// ErrMissingArtifact is wrapped by MissingArtifactError.
	ErrMissingArtifact = errors.New("artifact missing")

	// ErrSpecMismatch is wrapped by SpecMismatchError.
	ErrSpecMismatch = errors.New("spec key mismatch")

	// ErrFailedArtifact means the artifact failed previously and the
	// configuration forbids retrying it.
	ErrFailedArtifact = errors.New("artifact previously failed")

	// ErrCompute is wrapped by ComputeError.
	ErrCompute = errors.New("compute failed")
)

// MissingArtifactError is raised in strict executor mode when a
// worker's Get misses the cache: the planner should have scheduled the
// dependency first, so a miss is a pipeline bug, not a compute signal.
type MissingArtifactError struct {
	Ref artifact.Ref
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("artifact %s missing under strict execution (dir %s)", e.Ref, e.Ref.Dir)
}

func (e *MissingArtifactError) Unwrap() error { return ErrMissingArtifact }

// SpecMismatchError is raised when a strict-mode force targets an
// object whose resource class differs from the executing worker's.
type SpecMismatchError struct {
	Ref  artifact.Ref
	Want string // the object's spec key
	Got  string // the worker's spec key
}

func (e *SpecMismatchError) Error() string {
	return fmt.Sprintf("artifact %s needs spec %q but worker runs spec %q",
		e.Ref, e.Want, e.Got)
}

func (e *SpecMismatchError) Unwrap() error { return ErrSpecMismatch }

// FailedArtifactError reports a terminal failure that configuration
// forbids retrying, pointing at the state file for diagnosis.
type FailedArtifactError struct {
	Ref       artifact.Ref
	StatePath string
	Message   string
}

func (e *FailedArtifactError) Error() string {
	msg := fmt.Sprintf("artifact %s previously failed (see %s)", e.Ref, e.StatePath)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *FailedArtifactError) Unwrap() error { return ErrFailedArtifact }

// ComputeError wraps a failure from Object.Create with enough context
// to find the persisted record.
type ComputeError struct {
	Ref       artifact.Ref
	StatePath string
	Attempt   int
	Err       error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("computing %s (attempt %d, state %s): %v",
		e.Ref, e.Attempt, e.StatePath, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCompute) match without losing the cause
// chain through Unwrap.
func (e *ComputeError) Is(target error) bool { return target == ErrCompute }
