// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/metrics"
	"github.com/furulabs/furu/pkg/plan"
	"github.com/furulabs/furu/pkg/storage"
)

// PoolOptions configures RunPool.
type PoolOptions struct {
	// RunRoot holds per-run scratch directories; the queue lives under
	// <RunRoot>/<RunID>/queue.
	RunRoot string
	// RunID names this run. Required.
	RunID string
	// Specs maps spec keys to worker resource requests.
	Specs map[string]Spec
	// MaxWorkersPerSpec bounds concurrently submitted workers per spec
	// key. Defaults to 4.
	MaxWorkersPerSpec int
	// MaxRetries bounds compute-failure resubmissions per task.
	// Defaults to 2.
	MaxRetries int
	// MaxRequeues bounds stale-claim recoveries per task before the
	// task is declared a protocol failure. Defaults to 3.
	MaxRequeues int
	// PollInterval paces the control loop. Defaults to 5s.
	PollInterval time.Duration
	// StaleAfter is the queue-heartbeat window after which a running
	// task's worker counts as dead. Defaults to 2m.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (o *PoolOptions) withDefaults() {
	if o.MaxWorkersPerSpec <= 0 {
		o.MaxWorkersPerSpec = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.MaxRequeues <= 0 {
		o.MaxRequeues = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WorkerPayload is handed to a submitted worker job so the remote
// process knows which queue partition to serve.
type WorkerPayload struct {
	RunRoot string `json:"run_root"`
	RunID   string `json:"run_id"`
	SpecKey string `json:"spec_key"`
}

// RunPool drives the plan for roots to completion through the
// filesystem queue: this controller enqueues ready work, submits
// spec-keyed worker jobs sized to the backlog, requeues tasks whose
// workers went quiet, and converts failure records into retries or a
// run abort. Workers never talk to the controller directly; the queue
// directories are the whole protocol.
func RunPool(ctx context.Context, coord *core.Coordinator, sub Submitter, roots []artifact.Object, opts PoolOptions) error {
	opts.withDefaults()
	if opts.RunID == "" {
		return errors.New("pool: RunID is required")
	}
	q := NewQueue(opts.RunRoot, opts.RunID)
	workers := map[string][]Job{}
	retryFailed := coord.Config().RetryFailed

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := plan.Build(ctx, coord, roots)
		if err != nil {
			return err
		}
		if transitioned, err := p.ReconcileInProgress(opts.StaleAfter); err != nil {
			return err
		} else if len(transitioned) > 0 {
			opts.Logger.Warn("requeued crashed nodes", "hashes", transitioned)
			if p, err = plan.Build(ctx, coord, roots); err != nil {
				return err
			}
		}
		if rootsDone(p) {
			return nil
		}

		if err := enqueueReady(p, q, opts); err != nil {
			return err
		}
		if err := sweepFailed(p, q, retryFailed, opts); err != nil {
			return err
		}
		if err := requeueStale(q, opts); err != nil {
			return err
		}
		if err := scaleWorkers(ctx, sub, q, workers, opts); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

// enqueueReady puts every ready TODO node into the queue unless a task
// for it already sits in some queue state.
func enqueueReady(p *plan.Plan, q *Queue, opts PoolOptions) error {
	for _, hash := range p.ReadyTodo() {
		node := p.Nodes[hash]
		present, err := q.Contains(node.SpecKey, hash)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		task, err := NewTask(node.Obj, node.Ref)
		if err != nil {
			return err
		}
		if err := q.Put(task); err != nil {
			return err
		}
		opts.Logger.Info("enqueued task",
			"namespace", node.Ref.Namespace, "hash", hash, "spec", node.SpecKey)
	}
	return nil
}

// sweepFailed routes failure records: protocol failures abort the run,
// compute failures retry until the budget runs out, and exhausted
// tasks abort with the artifact's state path for diagnosis. With the
// retry-failed policy disabled every compute failure is terminal.
func sweepFailed(p *plan.Plan, q *Queue, retryFailed bool, opts PoolOptions) error {
	specs, err := q.SpecKeys(QueueFailed)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		tasks, err := q.List(QueueFailed, spec)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.Failure == FailureProtocol {
				return fmt.Errorf("%w: task %s:%s: %s",
					ErrProtocolFailure, task.Namespace, task.Hash, task.FailureMsg)
			}
			if !retryFailed || task.Retries >= opts.MaxRetries {
				statePath := ""
				if node, ok := p.Nodes[task.Hash]; ok {
					statePath = storage.StatePath(node.Dir)
				}
				return &NodeFailedError{
					Hash:      task.Hash,
					Artifact:  task.Namespace,
					StatePath: statePath,
					Retries:   task.Retries,
					Err:       fmt.Errorf("%s", task.FailureMsg),
				}
			}
			if err := q.RetryFailed(task); err != nil {
				return err
			}
			opts.Metrics.Retry()
			opts.Logger.Info("retrying failed task",
				"namespace", task.Namespace, "hash", task.Hash,
				"attempt", task.Retries, "max", opts.MaxRetries)
		}
	}
	return nil
}

// requeueStale returns running tasks with stale heartbeats to todo. A
// freshly claimed task gets the full window from its claim before its
// missing-or-old heartbeat counts against it.
func requeueStale(q *Queue, opts PoolOptions) error {
	specs, err := q.SpecKeys(QueueRunning)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, spec := range specs {
		tasks, err := q.List(QueueRunning, spec)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.ClaimedAt != nil && now.Sub(*task.ClaimedAt) < opts.StaleAfter {
				continue
			}
			if task.HeartbeatAt != nil && now.Sub(*task.HeartbeatAt) < opts.StaleAfter {
				continue
			}
			if task.Requeues >= opts.MaxRequeues {
				msg := fmt.Sprintf("task bounced %d times without completing", task.Requeues)
				if err := q.FailProtocol(task, msg); err != nil {
					return err
				}
				opts.Logger.Error("task exceeded requeue budget",
					"namespace", task.Namespace, "hash", task.Hash, "requeues", task.Requeues)
				continue
			}
			if err := q.RequeueStale(task); err != nil {
				return err
			}
			opts.Metrics.StaleRequeue()
			opts.Logger.Warn("requeued stale task",
				"namespace", task.Namespace, "hash", task.Hash,
				"worker", task.WorkerID, "requeues", task.Requeues+1)
		}
	}
	return nil
}

// scaleWorkers reaps finished worker jobs, publishes queue depths, and
// submits new workers per spec key up to min(backlog, bound).
func scaleWorkers(ctx context.Context, sub Submitter, q *Queue, workers map[string][]Job, opts PoolOptions) error {
	specs, err := q.SpecKeys(QueueTodo)
	if err != nil {
		return err
	}
	for spec := range workers {
		live := workers[spec][:0]
		for _, job := range workers[spec] {
			done, err := job.Done(ctx)
			if err != nil {
				return err
			}
			if !done {
				live = append(live, job)
			}
		}
		workers[spec] = live
	}

	for _, spec := range specs {
		counts, err := q.Counts(spec)
		if err != nil {
			return err
		}
		for state, n := range counts {
			opts.Metrics.QueueDepth(spec, state, n)
		}
		backlog := counts[QueueTodo] + counts[QueueRunning]
		want := min(backlog, opts.MaxWorkersPerSpec)
		for len(workers[spec]) < want {
			payload, err := json.Marshal(WorkerPayload{
				RunRoot: opts.RunRoot,
				RunID:   opts.RunID,
				SpecKey: spec,
			})
			if err != nil {
				return err
			}
			job, err := sub.Submit(ctx, JobSpec{
				Name:      fmt.Sprintf("furu-worker-%s-%s", opts.RunID, spec),
				SpecKey:   spec,
				Resources: opts.Specs[spec],
				Payload:   payload,
			})
			if err != nil {
				return fmt.Errorf("submitting worker for spec %s: %w", spec, err)
			}
			workers[spec] = append(workers[spec], job)
			opts.Logger.Info("submitted worker",
				"spec", spec, "job_id", job.ID(), "live", len(workers[spec]))
		}
	}
	return nil
}
