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
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Queue states, each a directory under runs/<run-id>/queue/.
const (
	QueueTodo    = "todo"
	QueueRunning = "running"
	QueueDone    = "done"
	QueueFailed  = "failed"
)

var queueStates = []string{QueueTodo, QueueRunning, QueueDone, QueueFailed}

// Queue is the shared-filesystem task queue for pool mode. Layout:
//
//	<runRoot>/<runID>/queue/<state>/<specKey>/<hash>.json
//
// Ownership transfers by atomic rename between state directories: the
// rename either succeeds for exactly one mover or fails with ENOENT.
// No locks, no daemons; any number of workers and one controller
// cooperate through the directory structure alone.
type Queue struct {
	root string
}

// NewQueue opens (creating if needed is deferred to writes) the queue
// for a run.
func NewQueue(runRoot, runID string) *Queue {
	return &Queue{root: filepath.Join(runRoot, runID, "queue")}
}

// Dir returns the directory for a state and spec key.
func (q *Queue) Dir(state, specKey string) string {
	return filepath.Join(q.root, state, specKey)
}

func (q *Queue) taskPath(state, specKey, hash string) string {
	return filepath.Join(q.Dir(state, specKey), hash+".json")
}

// Put enqueues a task as todo. Overwrites a previous file for the same
// hash in todo, which is idempotent because tasks are content-derived.
func (q *Queue) Put(task *Task) error {
	dir := q.Dir(QueueTodo, task.SpecKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return q.writeTask(QueueTodo, task)
}

// writeTask atomically replaces the task file in the given state.
func (q *Queue) writeTask(state string, task *Task) error {
	data, err := task.Encode()
	if err != nil {
		return err
	}
	path := q.taskPath(state, task.SpecKey, task.Hash)
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+task.Hash+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// readTask loads one task file.
func (q *Queue) readTask(state, specKey, hash string) (*Task, error) {
	data, err := os.ReadFile(q.taskPath(state, specKey, hash))
	if err != nil {
		return nil, err
	}
	return DecodeTask(data)
}

// List returns the tasks in one state for one spec key, sorted by
// hash. Files that vanish mid-scan (claimed by someone else) are
// skipped.
func (q *Queue) List(state, specKey string) ([]*Task, error) {
	entries, err := os.ReadDir(q.Dir(state, specKey))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			hashes = append(hashes, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	sort.Strings(hashes)

	var out []*Task
	for _, hash := range hashes {
		task, err := q.readTask(state, specKey, hash)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// SpecKeys returns the spec keys present in a state directory.
func (q *Queue) SpecKeys(state string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, state))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Contains reports whether a task for (specKey, hash) exists in any
// queue state, including mid-claim. The controller uses it to dedupe
// enqueues.
func (q *Queue) Contains(specKey, hash string) (bool, error) {
	paths := make([]string, 0, len(queueStates)+1)
	for _, state := range queueStates {
		paths = append(paths, q.taskPath(state, specKey, hash))
	}
	paths = append(paths, q.claimPath(specKey, hash))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
	}
	return false, nil
}

// claimPath is the hidden intermediate a claim parks the task file at
// while stamping ownership. Not a .json name, so scans skip it.
func (q *Queue) claimPath(specKey, hash string) string {
	return filepath.Join(q.Dir(QueueRunning, specKey), "."+hash+".claim")
}

// Claim atomically takes the first available todo task for a spec key.
// The rename out of todo/ is the ownership transfer; losing the race
// to another worker just moves on to the next candidate. The task goes
// through a hidden intermediate so the running/ entry only ever
// appears with its claim fields already stamped, never as a bare file
// a controller tick could mistake for a dead claim. Returns (nil, nil)
// when nothing is claimable.
func (q *Queue) Claim(specKey, workerID string) (*Task, error) {
	tasks, err := q.List(QueueTodo, specKey)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	runDir := q.Dir(QueueRunning, specKey)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		src := q.taskPath(QueueTodo, specKey, task.Hash)
		mid := q.claimPath(specKey, task.Hash)
		if err := os.Rename(src, mid); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		now := time.Now().UTC()
		task.WorkerID = workerID
		task.ClaimedAt = &now
		task.HeartbeatAt = &now
		if err := q.writeTask(QueueRunning, task); err != nil {
			// Put the task back where we found it rather than strand it.
			if rerr := os.Rename(mid, src); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		if err := os.Remove(mid); err != nil {
			return nil, err
		}
		return task, nil
	}
	return nil, nil
}

// Heartbeat refreshes the running task's liveness stamp. A missing
// file means the controller requeued the task underneath us.
func (q *Queue) Heartbeat(task *Task) error {
	if _, err := os.Stat(q.taskPath(QueueRunning, task.SpecKey, task.Hash)); err != nil {
		return fmt.Errorf("heartbeat on %s/%s: %w", task.SpecKey, task.Hash, err)
	}
	now := time.Now().UTC()
	task.HeartbeatAt = &now
	return q.writeTask(QueueRunning, task)
}

// Done moves a running task to done.
func (q *Queue) Done(task *Task) error {
	return q.move(task, QueueRunning, QueueDone, func(t *Task) {})
}

// Fail moves a running task to failed with its failure taxonomy.
func (q *Queue) Fail(task *Task, kind FailureKind, msg string) error {
	return q.move(task, QueueRunning, QueueFailed, func(t *Task) {
		t.Failure = kind
		t.FailureMsg = msg
	})
}

// RequeueStale moves a running task back to todo after a stale claim,
// bumping the requeue counter and clearing ownership.
func (q *Queue) RequeueStale(task *Task) error {
	return q.move(task, QueueRunning, QueueTodo, func(t *Task) {
		t.Requeues++
		t.WorkerID = ""
		t.ClaimedAt = nil
		t.HeartbeatAt = nil
	})
}

// RetryFailed moves a failed task back to todo for another compute
// attempt.
func (q *Queue) RetryFailed(task *Task) error {
	return q.move(task, QueueFailed, QueueTodo, func(t *Task) {
		t.Retries++
		t.WorkerID = ""
		t.ClaimedAt = nil
		t.HeartbeatAt = nil
		t.Failure = ""
		t.FailureMsg = ""
	})
}

// FailProtocol moves a task from running directly to failed as a
// protocol failure (used when a stale task exhausted its requeues).
func (q *Queue) FailProtocol(task *Task, msg string) error {
	return q.move(task, QueueRunning, QueueFailed, func(t *Task) {
		t.Failure = FailureProtocol
		t.FailureMsg = msg
	})
}

func (q *Queue) move(task *Task, from, to string, mutate func(*Task)) error {
	dstDir := q.Dir(to, task.SpecKey)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	src := q.taskPath(from, task.SpecKey, task.Hash)
	dst := q.taskPath(to, task.SpecKey, task.Hash)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("moving task %s/%s %s -> %s: %w", task.SpecKey, task.Hash, from, to, err)
	}
	mutate(task)
	return q.writeTask(to, task)
}

// Counts returns task counts per state for one spec key, for metrics
// and scaling decisions.
func (q *Queue) Counts(specKey string) (map[string]int, error) {
	out := map[string]int{}
	for _, state := range queueStates {
		entries, err := os.ReadDir(q.Dir(state, specKey))
		if errors.Is(err, os.ErrNotExist) {
			out[state] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		n := 0
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".json" {
				n++
			}
		}
		out[state] = n
	}
	return out, nil
}
