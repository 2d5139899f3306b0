// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/plan"
	"github.com/furulabs/furu/pkg/storage"
)

// DAGOptions configures RunDAG.
type DAGOptions struct {
	// Specs maps spec keys to resource requests. Missing keys submit
	// with zero-valued resources, deferring to scheduler defaults.
	Specs map[string]Spec
	// CancelledIsPreempted controls how a CANCELLED scheduler state
	// classifies; see ClassifyJobState.
	CancelledIsPreempted bool
	Logger               *slog.Logger
}

// RunDAG submits one scheduler job per TODO plan node, wiring
// dependency edges as scheduler job dependencies, and returns without
// waiting: the scheduler owns execution order from here. The returned
// map records the job ID submitted for each node hash.
//
// Dependencies on nodes outside this submission are handled from
// on-disk state: DONE nodes impose no edge, and IN_PROGRESS nodes
// chain on the job ID their attempt recorded. An active attempt with
// no job ID (a local compute, typically) cannot be chained on, which
// fails the submission up front rather than submitting a job that
// would race it.
func RunDAG(ctx context.Context, coord *core.Coordinator, sub Submitter, roots []artifact.Object, opts DAGOptions) (map[string]string, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p, err := plan.Build(ctx, coord, roots)
	if err != nil {
		return nil, err
	}
	order, err := p.TopoOrderTodo()
	if err != nil {
		return nil, err
	}

	jobIDs := map[string]string{}
	for _, hash := range order {
		node := p.Nodes[hash]

		var depIDs []string
		for _, dep := range node.Deps {
			id, err := dependencyJobID(p.Nodes[dep], jobIDs)
			if err != nil {
				return nil, err
			}
			if id != "" {
				depIDs = append(depIDs, id)
			}
		}

		task, err := NewTask(node.Obj, node.Ref)
		if err != nil {
			return nil, err
		}
		payload, err := task.Encode()
		if err != nil {
			return nil, err
		}

		// The attempt is queued before submission and the job ID attached
		// after: a fast-starting job finds its attempt already on disk
		// instead of racing a second one into state.json.
		if _, err := storage.EnqueueAttempt(node.Dir, "cluster", ""); err != nil {
			return nil, err
		}
		job, err := sub.Submit(ctx, JobSpec{
			Name:          fmt.Sprintf("furu-%s-%s", node.Ref.Namespace, shortHash(hash)),
			SpecKey:       node.SpecKey,
			Resources:     opts.Specs[node.SpecKey],
			Payload:       payload,
			DependencyIDs: depIDs,
		})
		if err != nil {
			if _, cerr := storage.MarkCrashed(node.Dir, "job submission failed"); cerr != nil {
				log.Warn("could not record failed submission", "dir", node.Dir, "error", cerr)
			}
			return nil, fmt.Errorf("submitting %s:%s: %w", node.Ref.Namespace, hash, err)
		}
		if err := storage.AttachJobID(node.Dir, job.ID()); err != nil {
			return nil, err
		}
		jobIDs[hash] = job.ID()
		log.Info("submitted node",
			"namespace", node.Ref.Namespace, "hash", hash,
			"job_id", job.ID(), "deps", depIDs)
	}
	return jobIDs, nil
}

func dependencyJobID(dep *plan.Node, jobIDs map[string]string) (string, error) {
	if id, ok := jobIDs[dep.Ref.Hash]; ok {
		return id, nil
	}
	switch dep.Status {
	case plan.StatusDone:
		return "", nil
	case plan.StatusInProgress:
		st, err := storage.ReadState(dep.Dir)
		if err != nil {
			return "", err
		}
		if st.Attempt != nil && st.Attempt.JobID != "" {
			return st.Attempt.JobID, nil
		}
		return "", fmt.Errorf("%w: %s:%s", ErrUnknownDependencyJob, dep.Ref.Namespace, dep.Ref.Hash)
	default:
		return "", fmt.Errorf("dependency %s:%s is %s and not being submitted",
			dep.Ref.Namespace, dep.Ref.Hash, dep.Status)
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
