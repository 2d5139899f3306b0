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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/metrics"
	"github.com/furulabs/furu/pkg/plan"
	"github.com/furulabs/furu/pkg/storage"
)

// LocalOptions configures RunLocal.
type LocalOptions struct {
	// Workers bounds concurrent computes. Defaults to 4.
	Workers int
	// MaxRetries bounds recomputes per node after a failed or crashed
	// attempt. Defaults to 2.
	MaxRetries int
	// PollInterval paces the control loop while waiting on in-progress
	// work. Defaults to 2s.
	PollInterval time.Duration
	// StaleAfter is the heartbeat window for crash reconciliation.
	// Defaults to 2m.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (o *LocalOptions) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// RunLocal drives the plan for roots to completion on an in-process
// worker pool. Each iteration rebuilds the plan from on-disk state, so
// progress made by concurrent runs (or prior crashed ones, after
// reconciliation) is picked up for free. When the retry-failed policy
// allows it, failed nodes are invalidated and recomputed up to
// MaxRetries times; exhausting the budget, or any failed node with the
// policy disabled, aborts the run with a NodeFailedError.
func RunLocal(ctx context.Context, coord *core.Coordinator, roots []artifact.Object, opts LocalOptions) error {
	opts.withDefaults()
	retryFailed := coord.Config().RetryFailed

	retries := map[string]int{}
	var mu sync.Mutex
	lastErr := map[string]error{}

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
			// Pruned subtrees below the transitioned nodes matter now.
			if p, err = plan.Build(ctx, coord, roots); err != nil {
				return err
			}
		}

		if rootsDone(p) {
			return nil
		}

		if retry, abort := handleFailed(p, retryFailed, retries, lastErr, &mu, opts); abort != nil {
			return abort
		} else if retry {
			continue
		}

		ready := p.ReadyTodo()
		if len(ready) == 0 {
			// Someone else (or a dispatched goroutine from a previous
			// iteration that we already waited for) holds the frontier.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for _, hash := range ready {
			node := p.Nodes[hash]
			g.Go(func() error {
				_, err := coord.Get(gctx, node.Obj, core.WithBackend("local"))
				if err == nil {
					return nil
				}
				if errors.Is(err, core.ErrCompute) || errors.Is(err, core.ErrFailedArtifact) {
					// Recorded in state.json; the failed-node pass on the
					// next iteration decides between retry and abort.
					mu.Lock()
					lastErr[node.Ref.Hash] = err
					mu.Unlock()
					opts.Logger.Warn("node compute failed",
						"namespace", node.Ref.Namespace, "hash", node.Ref.Hash, "error", err)
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func rootsDone(p *plan.Plan) bool {
	for _, hash := range p.Roots {
		if p.Nodes[hash].Status != plan.StatusDone {
			return false
		}
	}
	return true
}

// handleFailed invalidates failed nodes that still have retry budget
// and reports whether the caller should rebuild (retry=true) or abort.
// With retryFailed disabled a failed node is terminal: it is never
// invalidated, the run aborts.
func handleFailed(p *plan.Plan, retryFailed bool, retries map[string]int, lastErr map[string]error,
	mu *sync.Mutex, opts LocalOptions) (retry bool, abort error) {
	for _, hash := range p.Failed() {
		node := p.Nodes[hash]
		if !retryFailed || retries[hash] >= opts.MaxRetries {
			mu.Lock()
			cause := lastErr[hash]
			mu.Unlock()
			if cause == nil {
				cause = ErrNodeFailed
			}
			return false, &NodeFailedError{
				Hash:      hash,
				Artifact:  node.Ref.Namespace,
				StatePath: storage.StatePath(node.Dir),
				Retries:   retries[hash],
				Err:       cause,
			}
		}
		retries[hash]++
		opts.Metrics.Retry()
		opts.Logger.Info("retrying failed node",
			"namespace", node.Ref.Namespace, "hash", hash,
			"attempt", retries[hash], "max", opts.MaxRetries)
		if _, err := storage.InvalidateResult(node.Dir, "local executor retry"); err != nil {
			return false, err
		}
		retry = true
	}
	return retry, nil
}
