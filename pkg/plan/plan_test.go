// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/config"
	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/storage"
)

type step struct {
	Name string            `furu:"name"`
	Deps []artifact.Object `furu:"deps"`
}

func (s *step) FuruNamespace() string { return "plantest.Step" }

func (s *step) Create(ctx context.Context, dir string) error {
	return os.WriteFile(filepath.Join(dir, "out"), []byte(s.Name), 0o644)
}

func (s *step) Load(ctx context.Context, dir string) (any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "out"))
	return string(data), err
}

func newCoord(t *testing.T) *core.Coordinator {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.IgnoreGitDiff = true
	return core.New(cfg, nil)
}

// chain builds leaf <- mid <- top.
func chain() (leaf, mid, top *step) {
	leaf = &step{Name: "leaf"}
	mid = &step{Name: "mid", Deps: []artifact.Object{leaf}}
	top = &step{Name: "top", Deps: []artifact.Object{mid}}
	return
}

func hashOf(t *testing.T, coord *core.Coordinator, obj artifact.Object) string {
	t.Helper()
	ref, err := coord.RefOf(obj)
	require.NoError(t, err)
	return ref.Hash
}

func TestBuild(t *testing.T) {
	t.Run("all todo expands everything", func(t *testing.T) {
		coord := newCoord(t)
		_, _, top := chain()
		p, err := Build(context.Background(), coord, []artifact.Object{top})
		require.NoError(t, err)
		require.Len(t, p.Nodes, 3)
		require.Len(t, p.Todo(), 3)
	})

	t.Run("done dependency prunes its subtree", func(t *testing.T) {
		coord := newCoord(t)
		leaf, mid, top := chain()

		// Complete mid; leaf must disappear from the plan entirely.
		_, err := coord.Get(context.Background(), leaf)
		require.NoError(t, err)
		_, err = coord.Get(context.Background(), mid)
		require.NoError(t, err)

		p, err := Build(context.Background(), coord, []artifact.Object{top})
		require.NoError(t, err)
		require.Len(t, p.Nodes, 2, "leaf is below a DONE node and must be pruned")

		midHash := hashOf(t, coord, mid)
		require.Equal(t, StatusDone, p.Nodes[midHash].Status)
		require.Empty(t, p.Nodes[midHash].Deps)
	})

	t.Run("failed node is a leaf", func(t *testing.T) {
		coord := newCoord(t)
		leaf, mid, top := chain()
		midRef, err := coord.RefOf(mid)
		require.NoError(t, err)
		_, err = storage.StartAttempt(midRef.Dir, "local", nil)
		require.NoError(t, err)
		_, err = storage.FinishAttemptFailed(midRef.Dir, "boom", nil)
		require.NoError(t, err)

		p, err := Build(context.Background(), coord, []artifact.Object{top})
		require.NoError(t, err)
		require.Len(t, p.Nodes, 2)
		require.Equal(t, []string{hashOf(t, coord, mid)}, p.Failed())
		_, hasLeaf := p.Nodes[hashOf(t, coord, leaf)]
		require.False(t, hasLeaf)
	})

	t.Run("shared dependency appears once", func(t *testing.T) {
		coord := newCoord(t)
		shared := &step{Name: "shared"}
		a := &step{Name: "a", Deps: []artifact.Object{shared}}
		b := &step{Name: "b", Deps: []artifact.Object{shared}}
		p, err := Build(context.Background(), coord, []artifact.Object{a, b})
		require.NoError(t, err)
		require.Len(t, p.Nodes, 3)
		sharedHash := hashOf(t, coord, shared)
		require.Len(t, p.Nodes[sharedHash].Dependents, 2)
	})
}

func TestTopoOrderTodo(t *testing.T) {
	coord := newCoord(t)
	leaf, mid, top := chain()
	p, err := Build(context.Background(), coord, []artifact.Object{top})
	require.NoError(t, err)

	order, err := p.TopoOrderTodo()
	require.NoError(t, err)
	require.Equal(t, []string{
		hashOf(t, coord, leaf),
		hashOf(t, coord, mid),
		hashOf(t, coord, top),
	}, order)
}

func TestReadyTodo(t *testing.T) {
	coord := newCoord(t)
	leaf, mid, top := chain()
	p, err := Build(context.Background(), coord, []artifact.Object{top})
	require.NoError(t, err)

	// Only the leaf has no pending dependencies.
	require.Equal(t, []string{hashOf(t, coord, leaf)}, p.ReadyTodo())

	// Completing the leaf unlocks mid but not top.
	_, err = coord.Get(context.Background(), leaf)
	require.NoError(t, err)
	p.Nodes[hashOf(t, coord, leaf)].Status = StatusDone
	require.Equal(t, []string{hashOf(t, coord, mid)}, p.ReadyTodo())
}

func TestReconcileInProgress(t *testing.T) {
	t.Run("stale running attempt flips to todo", func(t *testing.T) {
		coord := newCoord(t)
		obj := &step{Name: "stuck"}
		ref, err := coord.RefOf(obj)
		require.NoError(t, err)
		_, err = storage.StartAttempt(ref.Dir, "local", nil)
		require.NoError(t, err)
		old := time.Now().UTC().Add(-time.Hour)
		_, err = storage.UpdateState(ref.Dir, func(st *storage.State) error {
			st.Attempt.HeartbeatAt = &old
			return nil
		})
		require.NoError(t, err)

		p, err := Build(context.Background(), coord, []artifact.Object{obj})
		require.NoError(t, err)
		require.Equal(t, StatusInProgress, p.Nodes[ref.Hash].Status)

		transitioned, err := p.ReconcileInProgress(time.Minute)
		require.NoError(t, err)
		require.Equal(t, []string{ref.Hash}, transitioned)
		require.Equal(t, StatusTodo, p.Nodes[ref.Hash].Status)

		st, err := storage.ReadState(ref.Dir)
		require.NoError(t, err)
		require.Equal(t, storage.AttemptCrashed, st.Attempt.Status)
	})

	t.Run("fresh heartbeat survives", func(t *testing.T) {
		coord := newCoord(t)
		obj := &step{Name: "alive"}
		ref, err := coord.RefOf(obj)
		require.NoError(t, err)
		_, err = storage.StartAttempt(ref.Dir, "local", nil)
		require.NoError(t, err)

		p, err := Build(context.Background(), coord, []artifact.Object{obj})
		require.NoError(t, err)
		transitioned, err := p.ReconcileInProgress(time.Minute)
		require.NoError(t, err)
		require.Empty(t, transitioned)
		require.Equal(t, StatusInProgress, p.Nodes[ref.Hash].Status)
	})

	t.Run("missing heartbeat gets first-seen grace", func(t *testing.T) {
		coord := newCoord(t)
		obj := &step{Name: "no-heartbeat"}
		ref, err := coord.RefOf(obj)
		require.NoError(t, err)
		_, err = storage.StartAttempt(ref.Dir, "local", nil)
		require.NoError(t, err)
		_, err = storage.UpdateState(ref.Dir, func(st *storage.State) error {
			st.Attempt.HeartbeatAt = nil
			return nil
		})
		require.NoError(t, err)

		p, err := Build(context.Background(), coord, []artifact.Object{obj})
		require.NoError(t, err)

		// First observation never counts as stale.
		transitioned, err := p.ReconcileInProgress(50 * time.Millisecond)
		require.NoError(t, err)
		require.Empty(t, transitioned)

		time.Sleep(60 * time.Millisecond)
		transitioned, err = p.ReconcileInProgress(50 * time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, []string{ref.Hash}, transitioned)
	})

	t.Run("completed while in progress flips to done", func(t *testing.T) {
		coord := newCoord(t)
		obj := &step{Name: "finishing"}
		ref, err := coord.RefOf(obj)
		require.NoError(t, err)
		_, err = storage.StartAttempt(ref.Dir, "local", nil)
		require.NoError(t, err)

		p, err := Build(context.Background(), coord, []artifact.Object{obj})
		require.NoError(t, err)
		_, err = storage.FinishAttemptSuccess(ref.Dir)
		require.NoError(t, err)

		transitioned, err := p.ReconcileInProgress(time.Minute)
		require.NoError(t, err)
		require.Empty(t, transitioned)
		require.Equal(t, StatusDone, p.Nodes[ref.Hash].Status)
	})
}
