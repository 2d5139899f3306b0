// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/storage"
)

func TestRunDAG(t *testing.T) {
	t.Run("chain submits in order with dependency edges", func(t *testing.T) {
		coord := newCoord(t)
		leaf := &step{Name: "dag-leaf"}
		mid := &step{Name: "dag-mid", Deps: []artifact.Object{leaf}}
		top := &step{Name: "dag-top", Deps: []artifact.Object{mid}}
		sub := &fakeSubmitter{}

		jobIDs, err := RunDAG(context.Background(), coord, sub, []artifact.Object{top}, DAGOptions{
			Specs: map[string]Spec{"default": {CPUs: 2}},
		})
		require.NoError(t, err)
		require.Len(t, jobIDs, 3)

		subs := sub.submitted()
		require.Len(t, subs, 3)
		require.Empty(t, subs[0].DependencyIDs)
		require.Equal(t, []string{jobIDs[hashOf(t, coord, leaf)]}, subs[1].DependencyIDs)
		require.Equal(t, []string{jobIDs[hashOf(t, coord, mid)]}, subs[2].DependencyIDs)
		require.Equal(t, Spec{CPUs: 2}, subs[0].Resources)

		// Each node records its queued attempt and job ID.
		for _, obj := range []artifact.Object{leaf, mid, top} {
			ref, err := coord.RefOf(obj)
			require.NoError(t, err)
			st, err := storage.ReadState(ref.Dir)
			require.NoError(t, err)
			require.Equal(t, storage.AttemptQueued, st.Attempt.Status)
			require.Equal(t, "cluster", st.Attempt.Backend)
			require.Equal(t, jobIDs[ref.Hash], st.Attempt.JobID)
		}
	})

	t.Run("done dependency imposes no edge", func(t *testing.T) {
		coord := newCoord(t)
		leaf := &step{Name: "dag2-leaf"}
		top := &step{Name: "dag2-top", Deps: []artifact.Object{leaf}}
		_, err := coord.Get(context.Background(), leaf)
		require.NoError(t, err)

		sub := &fakeSubmitter{}
		jobIDs, err := RunDAG(context.Background(), coord, sub, []artifact.Object{top}, DAGOptions{})
		require.NoError(t, err)
		require.Len(t, jobIDs, 1)
		require.Empty(t, sub.submitted()[0].DependencyIDs)
	})

	t.Run("in-progress dependency chains on its recorded job", func(t *testing.T) {
		coord := newCoord(t)
		leaf := &step{Name: "dag3-leaf"}
		top := &step{Name: "dag3-top", Deps: []artifact.Object{leaf}}
		leafRef, err := coord.RefOf(leaf)
		require.NoError(t, err)
		_, err = storage.EnqueueAttempt(leafRef.Dir, "cluster", "ext-42")
		require.NoError(t, err)

		sub := &fakeSubmitter{}
		jobIDs, err := RunDAG(context.Background(), coord, sub, []artifact.Object{top}, DAGOptions{})
		require.NoError(t, err)
		require.Len(t, jobIDs, 1)
		require.Equal(t, []string{"ext-42"}, sub.submitted()[0].DependencyIDs)
	})

	t.Run("in-progress dependency without a job fails fast", func(t *testing.T) {
		coord := newCoord(t)
		leaf := &step{Name: "dag4-leaf"}
		top := &step{Name: "dag4-top", Deps: []artifact.Object{leaf}}
		leafRef, err := coord.RefOf(leaf)
		require.NoError(t, err)
		// A local compute holds the leaf: active attempt, no job ID.
		_, err = storage.StartAttempt(leafRef.Dir, "local", nil)
		require.NoError(t, err)

		sub := &fakeSubmitter{}
		_, err = RunDAG(context.Background(), coord, sub, []artifact.Object{top}, DAGOptions{})
		require.ErrorIs(t, err, ErrUnknownDependencyJob)
		require.Empty(t, sub.submitted(), "nothing may be submitted when chaining is impossible")
	})

	t.Run("fast-starting job keeps its attempt", func(t *testing.T) {
		coord := newCoord(t)
		obj := &step{Name: "dag6-fast"}
		ref, err := coord.RefOf(obj)
		require.NoError(t, err)

		// The job begins heartbeating while Submit is still in flight,
		// before the controller has written the job ID.
		sub := &fakeSubmitter{}
		sub.onSubmit = func(spec JobSpec, job *fakeJob) {
			require.NoError(t, storage.HeartbeatAttempt(ref.Dir))
		}

		jobIDs, err := RunDAG(context.Background(), coord, sub, []artifact.Object{obj}, DAGOptions{})
		require.NoError(t, err)

		st, err := storage.ReadState(ref.Dir)
		require.NoError(t, err)
		require.Equal(t, 1, st.Attempt.Number, "submission must not stack a second attempt")
		require.Equal(t, storage.AttemptRunning, st.Attempt.Status)
		require.Equal(t, jobIDs[ref.Hash], st.Attempt.JobID)
	})

	t.Run("payload reconstructs the object", func(t *testing.T) {
		coord := newCoord(t)
		obj := &step{Name: "dag5-solo"}
		sub := &fakeSubmitter{}
		_, err := RunDAG(context.Background(), coord, sub, []artifact.Object{obj}, DAGOptions{})
		require.NoError(t, err)

		task, err := DecodeTask(sub.submitted()[0].Payload)
		require.NoError(t, err)
		rebuilt, err := task.Reconstruct(coord.Registry())
		require.NoError(t, err)
		require.Equal(t, hashOf(t, coord, obj), hashOf(t, coord, rebuilt))
	})
}
