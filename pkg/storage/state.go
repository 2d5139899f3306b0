// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage persists per-artifact bookkeeping on a shared POSIX
// filesystem.
//
// Every artifact directory carries an internal `.meta/` directory:
//
//	<dir>/
//	    SUCCESS            success marker (fast path for readers)
//	    <payload files>    written by Object.Create
//	    .meta/
//	        state.json     result + current attempt, versioned
//	        metadata.json  config snapshot, code repr, git/env info
//	        events.log     append-only JSON lines
//	        migration.json alias/migration record
//	        state.lock     flock target for read-modify-write
//	        compute.lock   owned by pkg/lock
//
// All state mutations go through UpdateState, which holds an exclusive
// flock on state.lock, applies the mutation to a freshly read copy, and
// replaces state.json via temp-file + atomic rename. Readers that only
// need the latest snapshot call ReadState without the lock; rename
// atomicity guarantees they never observe a torn file.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the durable outcome of an artifact.
type ResultStatus string

const (
	// ResultAbsent means no state file has ever been written.
	ResultAbsent ResultStatus = "absent"
	// ResultIncomplete means work has started but no terminal result exists.
	ResultIncomplete ResultStatus = "incomplete"
	// ResultSuccess means the payload is complete and loadable.
	ResultSuccess ResultStatus = "success"
	// ResultFailed means the last compute attempt failed terminally.
	ResultFailed ResultStatus = "failed"
	// ResultMigrated means the artifact moved; follow migration.json.
	ResultMigrated ResultStatus = "migrated"
)

// Terminal reports whether the result needs no further work.
func (s ResultStatus) Terminal() bool {
	return s == ResultSuccess || s == ResultFailed || s == ResultMigrated
}

// AttemptStatus is the lifecycle state of one compute attempt.
type AttemptStatus string

const (
	AttemptQueued    AttemptStatus = "queued"
	AttemptRunning   AttemptStatus = "running"
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCrashed   AttemptStatus = "crashed"
	AttemptCancelled AttemptStatus = "cancelled"
	AttemptPreempted AttemptStatus = "preempted"
)

// Active reports whether the attempt may still be making progress.
func (s AttemptStatus) Active() bool {
	return s == AttemptQueued || s == AttemptRunning
}

// Owner identifies the process behind an attempt or lock.
type Owner struct {
	Host    string `json:"host"`
	PID     int    `json:"pid"`
	User    string `json:"user,omitempty"`
	Command string `json:"command,omitempty"`
}

// ErrorInfo captures a compute failure for later display.
type ErrorInfo struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Attempt is the current (latest) compute attempt. Prior attempts live
// only in events.log.
type Attempt struct {
	ID          string        `json:"id"`
	Number      int           `json:"number"`
	Backend     string        `json:"backend"`
	Status      AttemptStatus `json:"status"`
	Owner       *Owner        `json:"owner,omitempty"`
	JobID       string        `json:"job_id,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	HeartbeatAt *time.Time    `json:"heartbeat_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Error       *ErrorInfo    `json:"error,omitempty"`
}

// State is the content of state.json. Version increments on every
// write so observers can detect change without comparing content.
type State struct {
	Version   int          `json:"version"`
	Result    ResultStatus `json:"result"`
	Attempt   *Attempt     `json:"attempt,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// MetaDir returns the internal bookkeeping directory for an artifact.
func MetaDir(dir string) string { return filepath.Join(dir, ".meta") }

// StatePath returns the state.json path for an artifact directory.
func StatePath(dir string) string { return filepath.Join(MetaDir(dir), "state.json") }

// SuccessMarkerPath returns the fast-path marker file location.
func SuccessMarkerPath(dir string) string { return filepath.Join(dir, "SUCCESS") }

const successMarkerName = "SUCCESS"

// MarkerName is the payload-root file that signals a validated success
// without opening state.json.
const MarkerName = successMarkerName

// ReadState loads the current state. A missing directory or state file
// is the absent state, not an error.
func ReadState(dir string) (*State, error) {
	data, err := os.ReadFile(StatePath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return &State{Result: ResultAbsent}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", StatePath(dir), err)
	}
	return decodeState(data, StatePath(dir))
}

// decodeState parses state.json strictly. The only tolerated unknown
// key is the legacy top-level "schema" marker written by early
// versions of the store.
func decodeState(data []byte, path string) (*State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	delete(raw, "schema")
	cleaned, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(cleaned))
	dec.DisallowUnknownFields()
	var st State
	if err := dec.Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if st.Result == "" {
		st.Result = ResultIncomplete
	}
	return &st, nil
}

// UpdateState applies mutate to a freshly read copy of the state under
// an exclusive flock and persists the result atomically. The mutated
// state is returned. mutate returning an error aborts without writing.
func UpdateState(dir string, mutate func(*State) error) (*State, error) {
	var out *State
	err := WithStateLock(dir, func() error {
		st, err := ReadState(dir)
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		st.Version++
		st.UpdatedAt = time.Now().UTC()
		if st.Result == ResultAbsent {
			st.Result = ResultIncomplete
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		if err := writeFileAtomic(StatePath(dir), data, 0o644); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// WithStateLock runs fn while holding the exclusive per-artifact state
// lock. It creates the .meta directory on first use.
func WithStateLock(dir string, fn func() error) error {
	meta := MetaDir(dir)
	if err := os.MkdirAll(meta, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", meta, err)
	}
	f, err := os.OpenFile(filepath.Join(meta, "state.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening state lock: %w", err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("locking %s: %w", f.Name(), err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return fn()
}

// WriteSuccessMarker drops the fast-path marker. Must only be called
// after state.json already records success.
func WriteSuccessMarker(dir string) error {
	return writeFileAtomic(SuccessMarkerPath(dir), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// RemoveSuccessMarker clears the marker, e.g. when a cached result is
// invalidated. Missing marker is fine.
func RemoveSuccessMarker(dir string) error {
	err := os.Remove(SuccessMarkerPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// HasSuccessMarker reports whether the fast-path marker exists.
func HasSuccessMarker(dir string) bool {
	_, err := os.Stat(SuccessMarkerPath(dir))
	return err == nil
}

// StartAttempt records a new running attempt owned by owner. Returns
// the updated state.
func StartAttempt(dir, backend string, owner *Owner) (*State, error) {
	st, err := UpdateState(dir, func(st *State) error {
		number := 1
		if st.Attempt != nil {
			number = st.Attempt.Number + 1
		}
		now := time.Now().UTC()
		st.Attempt = &Attempt{
			ID:          uuid.NewString(),
			Number:      number,
			Backend:     backend,
			Status:      AttemptRunning,
			Owner:       owner,
			StartedAt:   &now,
			HeartbeatAt: &now,
		}
		if !st.Result.Terminal() {
			st.Result = ResultIncomplete
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = AppendEvent(dir, Event{Kind: EventAttemptStarted, Data: map[string]any{
		"attempt_id": st.Attempt.ID,
		"number":     st.Attempt.Number,
		"backend":    backend,
	}})
	return st, nil
}

// EnqueueAttempt records a queued attempt bound to a remote job, used
// by cluster executors before the job actually starts.
func EnqueueAttempt(dir, backend, jobID string) (*State, error) {
	st, err := UpdateState(dir, func(st *State) error {
		number := 1
		if st.Attempt != nil {
			number = st.Attempt.Number + 1
		}
		now := time.Now().UTC()
		st.Attempt = &Attempt{
			ID:          uuid.NewString(),
			Number:      number,
			Backend:     backend,
			Status:      AttemptQueued,
			JobID:       jobID,
			StartedAt:   &now,
			HeartbeatAt: &now,
		}
		if !st.Result.Terminal() {
			st.Result = ResultIncomplete
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = AppendEvent(dir, Event{Kind: EventAttemptQueued, Data: map[string]any{
		"attempt_id": st.Attempt.ID,
		"job_id":     jobID,
		"backend":    backend,
	}})
	return st, nil
}

// AttachJobID writes a remote job ID onto whichever attempt is
// currently queued or running. An already terminal successful state is
// tolerated silently: the job raced a concurrent completer and the
// result stands.
func AttachJobID(dir, jobID string) error {
	_, err := UpdateState(dir, func(st *State) error {
		if st.Result == ResultSuccess {
			return nil
		}
		if st.Attempt == nil || !st.Attempt.Status.Active() {
			return fmt.Errorf("%w: no active attempt to attach job %s", ErrNoAttempt, jobID)
		}
		st.Attempt.JobID = jobID
		return nil
	})
	return err
}

// HeartbeatAttempt refreshes the liveness timestamp of the active
// attempt.
func HeartbeatAttempt(dir string) error {
	_, err := UpdateState(dir, func(st *State) error {
		if st.Attempt == nil || !st.Attempt.Status.Active() {
			return ErrNoAttempt
		}
		now := time.Now().UTC()
		st.Attempt.HeartbeatAt = &now
		if st.Attempt.Status == AttemptQueued {
			st.Attempt.Status = AttemptRunning
		}
		return nil
	})
	return err
}

// FinishAttemptSuccess marks the attempt and result successful and
// drops the success marker.
func FinishAttemptSuccess(dir string) (*State, error) {
	st, err := finishAttempt(dir, AttemptSuccess, "", nil)
	if err != nil {
		return nil, err
	}
	if err := WriteSuccessMarker(dir); err != nil {
		return nil, err
	}
	return st, nil
}

// FinishAttemptFailed records a terminal compute failure.
func FinishAttemptFailed(dir, reason string, errInfo *ErrorInfo) (*State, error) {
	return finishAttempt(dir, AttemptFailed, reason, errInfo)
}

// FinishAttemptPreempted records a preemption. The result stays
// incomplete so the work can be retried.
func FinishAttemptPreempted(dir, reason string) (*State, error) {
	return finishAttempt(dir, AttemptPreempted, reason, nil)
}

// FinishAttemptCancelled records a cancellation.
func FinishAttemptCancelled(dir, reason string) (*State, error) {
	return finishAttempt(dir, AttemptCancelled, reason, nil)
}

// MarkCrashed records that the active attempt died without reporting a
// terminal outcome (stale heartbeat, lock holder vanished).
func MarkCrashed(dir, reason string) (*State, error) {
	return finishAttempt(dir, AttemptCrashed, reason, nil)
}

func finishAttempt(dir string, status AttemptStatus, reason string, errInfo *ErrorInfo) (*State, error) {
	st, err := UpdateState(dir, func(st *State) error {
		if st.Attempt == nil {
			return ErrNoAttempt
		}
		now := time.Now().UTC()
		st.Attempt.Status = status
		st.Attempt.FinishedAt = &now
		st.Attempt.Reason = reason
		st.Attempt.Error = errInfo
		switch status {
		case AttemptSuccess:
			st.Result = ResultSuccess
		case AttemptFailed:
			st.Result = ResultFailed
		default:
			// crashed/cancelled/preempted leave the result incomplete
			// unless a terminal result was already recorded.
			if !st.Result.Terminal() {
				st.Result = ResultIncomplete
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"attempt_id": st.Attempt.ID,
		"status":     string(status),
	}
	if reason != "" {
		data["reason"] = reason
	}
	if errInfo != nil {
		data["error"] = errInfo.Message
	}
	_ = AppendEvent(dir, Event{Kind: EventAttemptFinished, Data: data})
	return st, nil
}

// InvalidateResult demotes a recorded success whose payload failed
// validation, removing the marker so the fast path closes.
func InvalidateResult(dir, reason string) (*State, error) {
	st, err := UpdateState(dir, func(st *State) error {
		st.Result = ResultIncomplete
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := RemoveSuccessMarker(dir); err != nil {
		return nil, err
	}
	_ = AppendEvent(dir, Event{Kind: EventResultInvalidated, Data: map[string]any{
		"reason": reason,
	}})
	return st, nil
}

// Reconcile marks the active attempt crashed when its heartbeat is
// older than staleAfter. States without an active attempt are
// untouched. Returns the (possibly updated) state and whether a
// transition happened.
func Reconcile(dir string, staleAfter time.Duration) (*State, bool, error) {
	st, err := ReadState(dir)
	if err != nil {
		return nil, false, err
	}
	if st.Attempt == nil || !st.Attempt.Status.Active() {
		return st, false, nil
	}
	if st.Attempt.HeartbeatAt == nil {
		return st, false, nil
	}
	if time.Since(*st.Attempt.HeartbeatAt) < staleAfter {
		return st, false, nil
	}
	updated, err := MarkCrashed(dir, fmt.Sprintf("heartbeat stale for over %s", staleAfter))
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// writeFileAtomic writes data to a temp file in the target directory
// and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
