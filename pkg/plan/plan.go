// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package plan builds the pruned dependency graph executors schedule
// from.
//
// The pruning rule: only TODO nodes expand their dependencies. A node
// that is already DONE, currently IN_PROGRESS, or FAILED is a leaf:
// whatever produced it already dealt with its subtree, so the plan
// never wastes time walking below it.
package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/storage"
)

// ErrCycle indicates the declared dependencies contain a cycle, which
// content addressing should make impossible; it points at corrupted
// Dependencies implementations.
var ErrCycle = errors.New("dependency cycle")

// Status classifies a node for scheduling.
type Status string

const (
	StatusDone       Status = "DONE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusTodo       Status = "TODO"
	StatusFailed     Status = "FAILED"
)

// Node is one artifact in the plan, keyed by hash.
type Node struct {
	Obj     artifact.Object
	Ref     artifact.Ref
	Dir     string
	Status  Status
	SpecKey string

	// Deps and Dependents reference other plan nodes by hash. Only
	// edges between plan nodes appear; pruned subtrees contribute
	// nothing.
	Deps       []string
	Dependents []string
}

// Plan is the dependency graph for a set of requested roots.
type Plan struct {
	Roots []string
	Nodes map[string]*Node
}

// Build walks the dependency trees of roots depth-first, classifying
// each artifact and pruning below anything not TODO.
func Build(ctx context.Context, coord *core.Coordinator, roots []artifact.Object) (*Plan, error) {
	p := &Plan{Nodes: map[string]*Node{}}
	for _, root := range roots {
		hash, err := build(ctx, coord, root, p)
		if err != nil {
			return nil, err
		}
		p.Roots = append(p.Roots, hash)
	}
	return p, nil
}

func build(ctx context.Context, coord *core.Coordinator, obj artifact.Object, p *Plan) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, dir, _, err := coord.Resolve(obj)
	if err != nil {
		return "", err
	}
	if _, ok := p.Nodes[ref.Hash]; ok {
		return ref.Hash, nil
	}

	status, err := classify(dir)
	if err != nil {
		return "", err
	}
	node := &Node{
		Obj:     obj,
		Ref:     ref,
		Dir:     dir,
		Status:  status,
		SpecKey: artifact.SpecKeyOf(obj),
	}
	p.Nodes[ref.Hash] = node

	if status != StatusTodo {
		return ref.Hash, nil
	}

	deps, err := artifact.Dependencies(obj)
	if err != nil {
		return "", err
	}
	for _, dep := range deps {
		depHash, err := build(ctx, coord, dep, p)
		if err != nil {
			return "", err
		}
		if depHash == ref.Hash {
			return "", fmt.Errorf("%w: %s depends on itself", ErrCycle, ref)
		}
		node.Deps = append(node.Deps, depHash)
		p.Nodes[depHash].Dependents = append(p.Nodes[depHash].Dependents, ref.Hash)
	}
	sort.Strings(node.Deps)
	return ref.Hash, nil
}

// classify maps persisted state to a plan status.
func classify(dir string) (Status, error) {
	if storage.HasSuccessMarker(dir) {
		return StatusDone, nil
	}
	st, err := storage.ReadState(dir)
	if err != nil {
		return "", err
	}
	switch st.Result {
	case storage.ResultSuccess:
		return StatusDone, nil
	case storage.ResultFailed:
		return StatusFailed, nil
	}
	if st.Attempt != nil && st.Attempt.Status.Active() {
		return StatusInProgress, nil
	}
	return StatusTodo, nil
}

// Todo returns the hashes of TODO nodes, sorted.
func (p *Plan) Todo() []string {
	var out []string
	for hash, n := range p.Nodes {
		if n.Status == StatusTodo {
			out = append(out, hash)
		}
	}
	sort.Strings(out)
	return out
}

// Failed returns the hashes of FAILED nodes, sorted.
func (p *Plan) Failed() []string {
	var out []string
	for hash, n := range p.Nodes {
		if n.Status == StatusFailed {
			out = append(out, hash)
		}
	}
	sort.Strings(out)
	return out
}

// TopoOrderTodo returns the TODO nodes in dependency order (Kahn's
// algorithm). Nodes that become schedulable at the same step are
// emitted in sorted-hash order so the result is deterministic.
func (p *Plan) TopoOrderTodo() ([]string, error) {
	indeg := map[string]int{}
	dependents := map[string][]string{}
	for hash, n := range p.Nodes {
		if n.Status != StatusTodo {
			continue
		}
		if _, ok := indeg[hash]; !ok {
			indeg[hash] = 0
		}
		for _, dep := range n.Deps {
			if p.Nodes[dep].Status != StatusTodo {
				continue
			}
			indeg[hash]++
			dependents[dep] = append(dependents[dep], hash)
		}
	}

	var ready []string
	for hash, d := range indeg {
		if d == 0 {
			ready = append(ready, hash)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		hash := ready[0]
		ready = ready[1:]
		order = append(order, hash)
		var unlocked []string
		for _, dependent := range dependents[hash] {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(indeg) {
		return nil, fmt.Errorf("%w: %d of %d TODO nodes unreachable in topo order",
			ErrCycle, len(indeg)-len(order), len(indeg))
	}
	return order, nil
}

// ReadyTodo returns the TODO nodes whose plan-internal dependencies
// are all DONE, sorted by hash.
func (p *Plan) ReadyTodo() []string {
	var out []string
	for hash, n := range p.Nodes {
		if n.Status != StatusTodo {
			continue
		}
		ready := true
		for _, dep := range n.Deps {
			if p.Nodes[dep].Status != StatusDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, hash)
		}
	}
	sort.Strings(out)
	return out
}

// missingHeartbeatSeen remembers when an IN_PROGRESS state without any
// heartbeat timestamp was first observed, keyed by directory. Such
// states only count as stale once they have sat unchanged for the full
// window since first observation.
var missingHeartbeatSeen sync.Map

// ReconcileInProgress checks every IN_PROGRESS node's heartbeat and
// marks attempts crashed when evidence is stale. Transitioned nodes
// flip to TODO in place; the caller should rebuild the plan afterwards
// since their pruned subtrees now matter. Returns the transitioned
// hashes.
func (p *Plan) ReconcileInProgress(staleAfter time.Duration) ([]string, error) {
	var transitioned []string
	for hash, n := range p.Nodes {
		if n.Status != StatusInProgress {
			continue
		}
		st, err := storage.ReadState(n.Dir)
		if err != nil {
			return nil, err
		}
		if st.Result == storage.ResultSuccess {
			n.Status = StatusDone
			continue
		}
		if st.Result == storage.ResultFailed {
			n.Status = StatusFailed
			continue
		}
		if st.Attempt == nil || !st.Attempt.Status.Active() {
			n.Status = StatusTodo
			transitioned = append(transitioned, hash)
			continue
		}

		if st.Attempt.HeartbeatAt == nil {
			firstSeen, _ := missingHeartbeatSeen.LoadOrStore(n.Dir, time.Now())
			if time.Since(firstSeen.(time.Time)) < staleAfter {
				continue
			}
			missingHeartbeatSeen.Delete(n.Dir)
		} else if time.Since(*st.Attempt.HeartbeatAt) < staleAfter {
			continue
		}

		if _, err := storage.MarkCrashed(n.Dir,
			fmt.Sprintf("reconciled: no heartbeat within %s", staleAfter)); err != nil {
			return nil, err
		}
		n.Status = StatusTodo
		transitioned = append(transitioned, hash)
	}
	sort.Strings(transitioned)
	return transitioned, nil
}
