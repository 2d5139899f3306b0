// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(t.TempDir(), "run-1")
}

func testTask(hash string) *Task {
	return &Task{
		Namespace: "exectest.Step",
		Hash:      hash,
		SpecKey:   "default",
		Config:    map[string]any{"name": hash},
	}
}

func TestQueueClaim(t *testing.T) {
	t.Run("claim transfers ownership", func(t *testing.T) {
		q := newTestQueue(t)
		require.NoError(t, q.Put(testTask("aaa")))

		task, err := q.Claim("default", "w1")
		require.NoError(t, err)
		require.NotNil(t, task)
		require.Equal(t, "aaa", task.Hash)
		require.Equal(t, "w1", task.WorkerID)
		require.NotNil(t, task.ClaimedAt)
		require.NotNil(t, task.HeartbeatAt)

		// Nothing left to claim.
		second, err := q.Claim("default", "w2")
		require.NoError(t, err)
		require.Nil(t, second)

		running, err := q.List(QueueRunning, "default")
		require.NoError(t, err)
		require.Len(t, running, 1)
	})

	t.Run("each task claimed exactly once under contention", func(t *testing.T) {
		q := newTestQueue(t)
		const tasks = 20
		for i := 0; i < tasks; i++ {
			require.NoError(t, q.Put(testTask(fmt.Sprintf("%03d", i))))
		}

		var mu sync.Mutex
		claimed := map[string]int{}
		var claimErr error
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					task, err := q.Claim("default", worker)
					if err != nil {
						mu.Lock()
						claimErr = err
						mu.Unlock()
						return
					}
					if task == nil {
						return
					}
					mu.Lock()
					claimed[task.Hash]++
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()
		require.NoError(t, claimErr)
		require.Len(t, claimed, tasks)
		for hash, n := range claimed {
			require.Equal(t, 1, n, "task %s claimed %d times", hash, n)
		}
	})

	t.Run("empty and missing spec dirs claim nothing", func(t *testing.T) {
		q := newTestQueue(t)
		task, err := q.Claim("gpu", "w1")
		require.NoError(t, err)
		require.Nil(t, task)
	})

	t.Run("running entry appears fully stamped on disk", func(t *testing.T) {
		q := newTestQueue(t)
		require.NoError(t, q.Put(testTask("bbb")))
		_, err := q.Claim("default", "w1")
		require.NoError(t, err)

		// What a controller tick would read, not the in-memory copy.
		onDisk, err := q.readTask(QueueRunning, "default", "bbb")
		require.NoError(t, err)
		require.Equal(t, "w1", onDisk.WorkerID)
		require.NotNil(t, onDisk.ClaimedAt)
		require.NotNil(t, onDisk.HeartbeatAt)
	})

	t.Run("mid-claim task is deduped but invisible to sweeps", func(t *testing.T) {
		q := newTestQueue(t)
		require.NoError(t, q.Put(testTask("ccc")))
		// Freeze the claim at its intermediate step, as if the claiming
		// worker were paused between the rename and the stamp. A real
		// claim creates the running dir before renaming.
		require.NoError(t, os.MkdirAll(q.Dir(QueueRunning, "default"), 0o755))
		require.NoError(t, os.Rename(
			q.taskPath(QueueTodo, "default", "ccc"),
			q.claimPath("default", "ccc")))

		present, err := q.Contains("default", "ccc")
		require.NoError(t, err)
		require.True(t, present, "a controller must not re-enqueue a mid-claim task")

		running, err := q.List(QueueRunning, "default")
		require.NoError(t, err)
		require.Empty(t, running, "a stale sweep must not see the half-claimed task")

		// And nobody else can claim it.
		task, err := q.Claim("default", "w2")
		require.NoError(t, err)
		require.Nil(t, task)
	})
}

func TestQueueTransitions(t *testing.T) {
	claim := func(t *testing.T, q *Queue) *Task {
		t.Helper()
		require.NoError(t, q.Put(testTask("aaa")))
		task, err := q.Claim("default", "w1")
		require.NoError(t, err)
		require.NotNil(t, task)
		return task
	}

	t.Run("done", func(t *testing.T) {
		q := newTestQueue(t)
		task := claim(t, q)
		require.NoError(t, q.Done(task))

		done, err := q.List(QueueDone, "default")
		require.NoError(t, err)
		require.Len(t, done, 1)
		running, err := q.List(QueueRunning, "default")
		require.NoError(t, err)
		require.Empty(t, running)
	})

	t.Run("fail records taxonomy", func(t *testing.T) {
		q := newTestQueue(t)
		task := claim(t, q)
		require.NoError(t, q.Fail(task, FailureCompute, "boom"))

		failed, err := q.List(QueueFailed, "default")
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.Equal(t, FailureCompute, failed[0].Failure)
		require.Equal(t, "boom", failed[0].FailureMsg)
	})

	t.Run("retry failed clears ownership and bumps retries", func(t *testing.T) {
		q := newTestQueue(t)
		task := claim(t, q)
		require.NoError(t, q.Fail(task, FailureCompute, "boom"))
		require.NoError(t, q.RetryFailed(task))

		todo, err := q.List(QueueTodo, "default")
		require.NoError(t, err)
		require.Len(t, todo, 1)
		require.Equal(t, 1, todo[0].Retries)
		require.Empty(t, todo[0].WorkerID)
		require.Nil(t, todo[0].ClaimedAt)
		require.Empty(t, todo[0].Failure)
	})

	t.Run("stale requeue bumps requeues", func(t *testing.T) {
		q := newTestQueue(t)
		task := claim(t, q)
		require.NoError(t, q.RequeueStale(task))

		todo, err := q.List(QueueTodo, "default")
		require.NoError(t, err)
		require.Len(t, todo, 1)
		require.Equal(t, 1, todo[0].Requeues)
		require.Empty(t, todo[0].WorkerID)
	})

	t.Run("heartbeat fails after requeue", func(t *testing.T) {
		q := newTestQueue(t)
		task := claim(t, q)
		require.NoError(t, q.Heartbeat(task))
		require.NoError(t, q.RequeueStale(task))
		require.Error(t, q.Heartbeat(task), "heartbeat must fail once the claim is gone")
	})
}

func TestQueueContains(t *testing.T) {
	q := newTestQueue(t)
	present, err := q.Contains("default", "aaa")
	require.NoError(t, err)
	require.False(t, present)

	require.NoError(t, q.Put(testTask("aaa")))
	for _, advance := range []func() error{
		func() error { return nil },
		func() error { _, err := q.Claim("default", "w1"); return err },
	} {
		require.NoError(t, advance())
		present, err = q.Contains("default", "aaa")
		require.NoError(t, err)
		require.True(t, present, "task must be visible in todo and running alike")
	}
}

func TestQueueCounts(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Put(testTask("aaa")))
	require.NoError(t, q.Put(testTask("bbb")))
	_, err := q.Claim("default", "w1")
	require.NoError(t, err)

	counts, err := q.Counts("default")
	require.NoError(t, err)
	require.Equal(t, 1, counts[QueueTodo])
	require.Equal(t, 1, counts[QueueRunning])
	require.Equal(t, 0, counts[QueueDone])
	require.Equal(t, 0, counts[QueueFailed])
}
