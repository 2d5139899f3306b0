// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package migrate

import (
	"errors"
	"fmt"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/storage"
)

// cascade discovers every dependent that embeds a migrated artifact in
// its config snapshot, transitively: migrating a dependency changes
// the dependent's hash, which in turn may have dependents of its own.
// Every discovered step is reconstructed and typechecked here; any
// failure aborts the whole cascade before Apply writes anything.
func (e *Engine) cascade(first Candidate) ([]Candidate, error) {
	var out []Candidate
	frontier := []Candidate{first}
	seen := map[string]bool{first.From.Hash: true}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		dependents, err := e.findDependents(cur)
		if err != nil {
			return nil, err
		}
		for _, dep := range dependents {
			if seen[dep.From.Hash] {
				continue
			}
			seen[dep.From.Hash] = true
			dep.parentFrom = cur.From.Hash
			out = append(out, dep)
			frontier = append(frontier, dep)
		}
	}
	return out, nil
}

// findDependents scans both roots for successful artifacts whose
// config embeds cand.From, and builds the rewritten candidate for
// each.
func (e *Engine) findDependents(cand Candidate) ([]Candidate, error) {
	newSnapshot, err := artifact.ConfigSnapshot(cand.ToObj)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, root := range e.roots() {
		entries, err := storage.List(root.path, "")
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Dir == cand.FromDir {
				continue
			}
			st, err := storage.ReadState(entry.Dir)
			if err != nil {
				return nil, err
			}
			if st.Result != storage.ResultSuccess {
				continue
			}
			md, err := storage.ReadMetadata(entry.Dir)
			if err != nil {
				return nil, err
			}
			if md == nil || md.Config == nil {
				continue
			}

			rewritten, changed := rewriteConfig(md.Config,
				cand.From.Namespace, cand.From.Hash, cand.To, newSnapshot)
			if !changed {
				continue
			}

			obj, err := e.reg.Decode(entry.Namespace, rewritten)
			if err != nil {
				var de *artifact.DecodeError
				if errors.As(err, &de) {
					return nil, &SchemaError{
						FromNamespace: entry.Namespace,
						FromHash:      entry.Hash,
						ToNamespace:   entry.Namespace,
						Missing:       de.Missing,
						Extra:         de.Extra,
						Cause:         de.Cause,
					}
				}
				return nil, fmt.Errorf("cascading through %s:%s: %w",
					entry.Namespace, entry.Hash, err)
			}
			if err := e.reg.Typecheck(obj); err != nil {
				return nil, &SchemaError{
					FromNamespace: entry.Namespace,
					FromHash:      entry.Hash,
					ToNamespace:   entry.Namespace,
					Cause:         err,
				}
			}
			toRef, err := e.coord.RefOf(obj)
			if err != nil {
				return nil, err
			}
			if toRef.Hash == entry.Hash {
				continue
			}

			out = append(out, Candidate{
				From: artifact.Ref{
					Namespace: entry.Namespace,
					Hash:      entry.Hash,
					Root:      root.kind,
					Dir:       entry.Dir,
				},
				FromDir: entry.Dir,
				To:      toRef,
				ToObj:   obj,
				Config:  rewritten,
				Origin:  cand.Origin,
			})
		}
	}
	return out, nil
}

// rewriteConfig deep-copies a config snapshot, replacing every
// embedded reference to (namespace, hash) with the migrated target.
func rewriteConfig(cfg map[string]any, namespace, hash string, to artifact.Ref, toSnapshot map[string]any) (map[string]any, bool) {
	rewritten, changed := rewriteValue(cfg, namespace, hash, to, toSnapshot)
	return rewritten.(map[string]any), changed
}

func rewriteValue(v any, namespace, hash string, to artifact.Ref, toSnapshot map[string]any) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		if refRaw, ok := val[artifact.RefKey]; ok {
			if ref, ok := refRaw.(map[string]any); ok {
				if ref["namespace"] == namespace && ref["hash"] == hash {
					return map[string]any{artifact.RefKey: map[string]any{
						"namespace": to.Namespace,
						"hash":      to.Hash,
						"config":    toSnapshot,
					}}, true
				}
			}
		}
		out := make(map[string]any, len(val))
		changed := false
		for k, inner := range val {
			nv, c := rewriteValue(inner, namespace, hash, to, toSnapshot)
			out[k] = nv
			changed = changed || c
		}
		return out, changed
	case []any:
		out := make([]any, len(val))
		changed := false
		for i, inner := range val {
			nv, c := rewriteValue(inner, namespace, hash, to, toSnapshot)
			out[i] = nv
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}
