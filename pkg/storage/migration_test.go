// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func migrateDir(t *testing.T, root string, hash string, to *MigrationEndpoint) string {
	t.Helper()
	dir := filepath.Join(root, "pkg", "Thing", hash)
	if to == nil {
		_, err := StartAttempt(dir, "local", nil)
		require.NoError(t, err)
		_, err = FinishAttemptSuccess(dir)
		require.NoError(t, err)
		return dir
	}
	_, err := UpdateState(dir, func(st *State) error {
		st.Result = ResultMigrated
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, WriteMigration(dir, &MigrationRecord{
		Kind:   MigrationMigrated,
		Policy: "alias",
		From:   MigrationEndpoint{Namespace: "pkg.Thing", Hash: hash, Root: "data"},
		To:     *to,
	}))
	return dir
}

func TestResolveAlias(t *testing.T) {
	root := t.TempDir()
	dirFor := func(ep MigrationEndpoint) string {
		return filepath.Join(root, "pkg", "Thing", ep.Hash)
	}

	t.Run("non-migrated resolves to itself", func(t *testing.T) {
		dir := migrateDir(t, root, "aaa", nil)
		got, chain, err := ResolveAlias(dir, dirFor)
		require.NoError(t, err)
		require.Equal(t, dir, got)
		require.Empty(t, chain)
	})

	t.Run("chain followed to terminal", func(t *testing.T) {
		final := migrateDir(t, root, "ccc", nil)
		migrateDir(t, root, "bbb", &MigrationEndpoint{Namespace: "pkg.Thing", Hash: "ccc", Root: "data"})
		src := migrateDir(t, root, "ddd", &MigrationEndpoint{Namespace: "pkg.Thing", Hash: "bbb", Root: "data"})

		got, chain, err := ResolveAlias(src, dirFor)
		require.NoError(t, err)
		require.Equal(t, final, got)
		require.Len(t, chain, 2)
		require.Equal(t, "bbb", chain[0].To.Hash)
		require.Equal(t, "ccc", chain[1].To.Hash)
	})

	t.Run("migrated without record errors", func(t *testing.T) {
		dir := filepath.Join(root, "pkg", "Thing", "eee")
		_, err := UpdateState(dir, func(st *State) error {
			st.Result = ResultMigrated
			return nil
		})
		require.NoError(t, err)
		_, _, err = ResolveAlias(dir, dirFor)
		require.ErrorIs(t, err, ErrNoMigrationRecord)
	})

	t.Run("cycle detected", func(t *testing.T) {
		migrateDir(t, root, "fff", &MigrationEndpoint{Namespace: "pkg.Thing", Hash: "ggg", Root: "data"})
		dir := migrateDir(t, root, "ggg", &MigrationEndpoint{Namespace: "pkg.Thing", Hash: "fff", Root: "data"})
		_, _, err := ResolveAlias(dir, dirFor)
		require.ErrorIs(t, err, ErrAliasChainTooDeep)
	})

	t.Run("detached record stops resolving", func(t *testing.T) {
		dir := migrateDir(t, root, "hhh", &MigrationEndpoint{Namespace: "pkg.Thing", Hash: "aaa", Root: "data"})
		require.NoError(t, DetachMigration(dir, "always-rerun"))
		got, chain, err := ResolveAlias(dir, dirFor)
		require.NoError(t, err)
		require.Equal(t, dir, got)
		require.Empty(t, chain)
	})
}

func TestWriteMetadata(t *testing.T) {
	dir := t.TempDir()
	md := &Metadata{
		Namespace: "pkg.Thing",
		Hash:      "abc",
		Config:    map[string]any{"x": float64(1)},
	}
	require.NoError(t, WriteMetadata(dir, md, false))

	t.Run("identical rewrite is a no-op", func(t *testing.T) {
		again := &Metadata{Namespace: "pkg.Thing", Hash: "abc", Config: map[string]any{"x": float64(1)}}
		require.NoError(t, WriteMetadata(dir, again, false))
	})

	t.Run("conflicting rewrite rejected", func(t *testing.T) {
		changed := &Metadata{Namespace: "pkg.Thing", Hash: "abc", Config: map[string]any{"x": float64(2)}}
		require.ErrorIs(t, WriteMetadata(dir, changed, false), ErrMetadataConflict)
	})

	t.Run("overwrite allowed and logged", func(t *testing.T) {
		changed := &Metadata{Namespace: "pkg.Thing", Hash: "abc", Config: map[string]any{"x": float64(2)}}
		require.NoError(t, WriteMetadata(dir, changed, true))
		got, err := ReadMetadata(dir)
		require.NoError(t, err)
		require.Equal(t, float64(2), got.Config["x"])

		events, err := ReadEvents(dir, 0)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		require.Equal(t, EventMetadataOverwritten, events[len(events)-1].Kind)
	})
}

func TestListAndWalk(t *testing.T) {
	root := t.TempDir()
	for _, e := range []struct{ ns, hash string }{
		{"pkg.A", "h1"},
		{"pkg.A", "h2"},
		{"pkg.B", "h3"},
		{"other.C", "h4"},
	} {
		dir := filepath.Join(append([]string{root},
			append(splitNS(e.ns), e.hash)...)...)
		_, err := StartAttempt(dir, "local", nil)
		require.NoError(t, err)
	}

	t.Run("list all", func(t *testing.T) {
		entries, err := List(root, "")
		require.NoError(t, err)
		require.Len(t, entries, 4)
	})

	t.Run("exact namespace", func(t *testing.T) {
		entries, err := List(root, "pkg.A")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, "h1", entries[0].Hash)
		require.Equal(t, "h2", entries[1].Hash)
	})

	t.Run("prefix does not match partial segment", func(t *testing.T) {
		entries, err := List(root, "pkg")
		require.NoError(t, err)
		require.Len(t, entries, 3)
	})

	t.Run("missing root is empty", func(t *testing.T) {
		entries, err := List(filepath.Join(root, "absent"), "")
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("list hashes", func(t *testing.T) {
		hashes, err := ListHashes(root, "pkg.A")
		require.NoError(t, err)
		require.Equal(t, []string{"h1", "h2"}, hashes)
	})
}

func splitNS(ns string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(ns); i++ {
		if i == len(ns) || ns[i] == '.' {
			parts = append(parts, ns[start:i])
			start = i + 1
		}
	}
	return parts
}
