// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/furulabs/furu/pkg/core"
)

// WorkerOptions configures WorkerMain.
type WorkerOptions struct {
	RunRoot string
	RunID   string
	// SpecKey selects the queue partition this worker serves.
	SpecKey string
	// WorkerID identifies this worker in task claims. Defaults to
	// host-pid-uuid.
	WorkerID string
	// Heartbeat is the queue-heartbeat period. Defaults to 30s.
	Heartbeat time.Duration
	// IdleTimeout ends the worker after this long without a claimable
	// task. Zero means run until cancelled.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func (o *WorkerOptions) withDefaults() {
	if o.WorkerID == "" {
		host, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WorkerMain claims tasks for one spec key and computes them until the
// queue stays empty past IdleTimeout or ctx is cancelled. Computes run
// in strict mode: dependencies must already be cached, and the claimed
// task itself is forced, so a worker never silently recurses into work
// the controller meant to schedule elsewhere.
//
// On cancellation (the scheduler preempting the worker job, normally)
// the current task goes back to todo; the attempt record on the
// artifact is marked preempted by the compute path itself.
func WorkerMain(ctx context.Context, coord *core.Coordinator, opts WorkerOptions) error {
	opts.withDefaults()
	q := NewQueue(opts.RunRoot, opts.RunID)
	log := opts.Logger.With("worker", opts.WorkerID, "spec", opts.SpecKey)
	log.Info("worker started", "run_id", opts.RunID)

	idleSince := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			log.Info("worker stopping", "cause", err)
			return err
		}
		task, err := q.Claim(opts.SpecKey, opts.WorkerID)
		if err != nil {
			return err
		}
		if task == nil {
			if opts.IdleTimeout > 0 && time.Since(idleSince) > opts.IdleTimeout {
				log.Info("worker idle timeout reached")
				return nil
			}
			select {
			case <-ctx.Done():
				continue
			case <-time.After(time.Second):
			}
			continue
		}
		idleSince = time.Now()
		if err := runTask(ctx, coord, q, task, opts, log); err != nil {
			return err
		}
	}
}

// runTask computes one claimed task and files its outcome. Only
// infrastructure errors (queue I/O) propagate; compute and protocol
// failures are recorded in the queue and the worker moves on.
func runTask(ctx context.Context, coord *core.Coordinator, q *Queue, task *Task, opts WorkerOptions, log *slog.Logger) error {
	log = log.With("namespace", task.Namespace, "hash", task.Hash)

	obj, err := task.Reconstruct(coord.Registry())
	if err != nil {
		log.Error("task reconstruction failed", "error", err)
		return q.Fail(task, FailureProtocol, err.Error())
	}

	// Queue heartbeat, separate from the compute-lock heartbeat the
	// coordinator maintains. If the controller requeued the task out
	// from under us the heartbeat fails and we abandon the compute;
	// the compute lock's own ownership check makes the abandonment
	// safe.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbFailed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := q.Heartbeat(task); err != nil {
					log.Warn("queue heartbeat failed, abandoning task", "error", err)
					close(hbFailed)
					return
				}
			}
		}
	}()
	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		select {
		case <-hbFailed:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	ec := core.ExecContext{SpecKey: opts.SpecKey, RunID: opts.RunID, WorkerID: opts.WorkerID}
	_, err = coord.Get(core.WithExecContext(runCtx, ec), obj,
		core.Force(), core.WithBackend("pool"))
	stopHeartbeat()
	cancelRun()

	switch {
	case err == nil:
		log.Info("task complete")
		return q.Done(task)
	case isAbandoned(hbFailed):
		// The controller owns the task now; leave the queue alone.
		log.Warn("task abandoned after lost claim")
		return nil
	case ctx.Err() != nil:
		// Preemption: give the task back before exiting.
		log.Info("preempted mid-task, requeueing")
		if rqErr := q.RequeueStale(task); rqErr != nil {
			return rqErr
		}
		return nil
	case errors.Is(err, core.ErrMissingArtifact),
		errors.Is(err, core.ErrSpecMismatch),
		errors.Is(err, ErrProtocolFailure):
		log.Error("protocol failure", "error", err)
		return q.Fail(task, FailureProtocol, err.Error())
	default:
		log.Warn("compute failed", "error", err)
		return q.Fail(task, FailureCompute, err.Error())
	}
}

func isAbandoned(hbFailed chan struct{}) bool {
	select {
	case <-hbFailed:
		return true
	default:
		return false
	}
}
