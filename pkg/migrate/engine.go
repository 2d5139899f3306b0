// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package migrate rewrites stored artifacts onto evolved schemas.
//
// Discovery is pure: FindCandidates transforms stored config snapshots
// (drop fields, apply defaults), requires the result to match the
// target type's field set exactly, reconstructs and typechecks the
// object, and computes its new hash. Nothing on disk changes until
// Apply, which validates the complete cascade before the first write.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/config"
	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/metrics"
	"github.com/furulabs/furu/pkg/storage"
)

// Policy selects how a migration lands on disk.
type Policy string

const (
	// PolicyAlias leaves the payload at the source; the destination
	// redirects to it. Cheap and reversible.
	PolicyAlias Policy = "alias"
	// PolicyMove relocates the payload; the source redirects forward.
	PolicyMove Policy = "move"
	// PolicyCopy duplicates the payload; both identities stand alone.
	PolicyCopy Policy = "copy"
)

// Conflict selects behavior when the destination already exists.
type Conflict string

const (
	ConflictThrow     Conflict = "throw"
	ConflictSkip      Conflict = "skip"
	ConflictOverwrite Conflict = "overwrite"
)

// Engine runs migrations against the configured storage roots.
type Engine struct {
	cfg   *config.Config
	reg   *artifact.Registry
	coord *core.Coordinator
	log   *slog.Logger
	met   *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.log = l } }

func WithMetrics(m *metrics.Metrics) EngineOption { return func(e *Engine) { e.met = m } }

// NewEngine builds an Engine over the coordinator's config and
// registry.
func NewEngine(coord *core.Coordinator, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:   coord.Config(),
		reg:   coord.Registry(),
		coord: coord,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Options steers candidate construction. Every entry must do real
// work: dropping an absent field or defaulting a present one is an
// error, not a no-op, since it means the options describe a schema
// the stored artifacts do not have.
type Options struct {
	// DropFields are removed from the old config before anything else.
	DropFields []string
	// DefaultFields are filled from the target type's class defaults.
	DefaultFields []string
	// DefaultValues are set explicitly. A field may appear here or in
	// DefaultFields, never both.
	DefaultValues map[string]any
}

func (o Options) validate() error {
	for _, f := range o.DefaultFields {
		if _, dup := o.DefaultValues[f]; dup {
			return fmt.Errorf("%w: field %q in both DefaultFields and DefaultValues", ErrOptions, f)
		}
	}
	return nil
}

// Candidate is one discovered migration, fully validated but not yet
// applied.
type Candidate struct {
	From    artifact.Ref
	FromDir string
	To      artifact.Ref
	ToObj   artifact.Object
	Config  map[string]any
	Origin  storage.MigrationOrigin
	// AppliedDefaults records which values were injected, for the
	// migration record.
	AppliedDefaults map[string]any

	// parentFrom is the source hash of the cascade step this candidate
	// was discovered under; empty for the root candidate. Skipping a
	// step skips everything below it.
	parentFrom string
}

// FindCandidates scans both storage roots for successful artifacts of
// fromNamespace and builds a validated candidate for each, targeting
// toNamespace. The transformed field set must match the target type
// exactly; any mismatch fails with SchemaError rather than silently
// skipping, since it means the options are wrong for every artifact of
// that shape.
func (e *Engine) FindCandidates(fromNamespace, toNamespace string, opts Options) ([]Candidate, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if _, ok := e.reg.Lookup(toNamespace); !ok {
		return nil, fmt.Errorf("%w: %s", artifact.ErrUnknownNamespace, toNamespace)
	}

	var out []Candidate
	for _, root := range e.roots() {
		entries, err := storage.List(root.path, fromNamespace)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Namespace != fromNamespace {
				continue
			}
			cand, ok, err := e.buildCandidate(entry, root, toNamespace, opts)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, cand)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From.Hash < out[j].From.Hash })
	return out, nil
}

// FindCandidatesForTarget is the instance-driven variant: among the
// stored artifacts of fromNamespace, find those whose transformed
// config lands exactly on toObj.
func (e *Engine) FindCandidatesForTarget(fromNamespace string, toObj artifact.Object, opts Options) ([]Candidate, error) {
	targetRef, err := e.coord.RefOf(toObj)
	if err != nil {
		return nil, err
	}
	all, err := e.FindCandidates(fromNamespace, toObj.FuruNamespace(), opts)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, cand := range all {
		if cand.To.Hash == targetRef.Hash {
			cand.Origin = storage.OriginInstance
			out = append(out, cand)
		}
	}
	return out, nil
}

type rootInfo struct {
	path string
	kind artifact.RootKind
}

func (e *Engine) roots() []rootInfo {
	return []rootInfo{
		{path: e.cfg.DataRoot(false), kind: artifact.RootPrimary},
		{path: e.cfg.DataRoot(true), kind: artifact.RootVersionControlled},
	}
}

// buildCandidate runs the pure transformation pipeline for one stored
// artifact: load snapshot, drop, default, reconstruct, typecheck,
// rehash. ok=false skips artifacts that are not successful sources or
// whose migration would be a no-op.
func (e *Engine) buildCandidate(entry storage.Entry, root rootInfo, toNamespace string, opts Options) (Candidate, bool, error) {
	st, err := storage.ReadState(entry.Dir)
	if err != nil {
		return Candidate{}, false, err
	}
	if st.Result != storage.ResultSuccess {
		return Candidate{}, false, nil
	}
	md, err := storage.ReadMetadata(entry.Dir)
	if err != nil {
		return Candidate{}, false, err
	}
	if md == nil || md.Config == nil {
		e.log.Warn("skipping artifact without metadata", "dir", entry.Dir)
		return Candidate{}, false, nil
	}

	cfg := make(map[string]any, len(md.Config))
	for k, v := range md.Config {
		cfg[k] = v
	}
	for _, f := range opts.DropFields {
		if _, present := cfg[f]; !present {
			return Candidate{}, false, fmt.Errorf("%w: drop field %q not present on %s:%s",
				ErrOptions, f, entry.Namespace, entry.Hash)
		}
		delete(cfg, f)
	}

	applied := map[string]any{}
	desc, _ := e.reg.Lookup(toNamespace)
	for _, f := range opts.DefaultFields {
		def, ok := desc.Defaults[f]
		if !ok {
			return Candidate{}, false, fmt.Errorf("%w: field %q has no class default on %s",
				ErrSchema, f, toNamespace)
		}
		if _, present := cfg[f]; present {
			return Candidate{}, false, fmt.Errorf("%w: default field %q already present on %s:%s",
				ErrOptions, f, entry.Namespace, entry.Hash)
		}
		v := def()
		cfg[f] = v
		applied[f] = v
	}
	for k, v := range opts.DefaultValues {
		if _, present := cfg[k]; present {
			return Candidate{}, false, fmt.Errorf("%w: default value %q already present on %s:%s (drop it first)",
				ErrOptions, k, entry.Namespace, entry.Hash)
		}
		cfg[k] = v
		applied[k] = v
	}

	// The transformed field set must equal the target schema exactly
	// before decoding: class defaults backfill queue payloads, not
	// migrations, so a hole here is an error, never a silent fill.
	if missing, extra := fieldSetDiff(desc, cfg); len(missing) > 0 || len(extra) > 0 {
		return Candidate{}, false, &SchemaError{
			FromNamespace: entry.Namespace,
			FromHash:      entry.Hash,
			ToNamespace:   toNamespace,
			Missing:       missing,
			Extra:         extra,
		}
	}

	obj, err := e.reg.Decode(toNamespace, cfg)
	if err != nil {
		var de *artifact.DecodeError
		if errors.As(err, &de) {
			return Candidate{}, false, &SchemaError{
				FromNamespace: entry.Namespace,
				FromHash:      entry.Hash,
				ToNamespace:   toNamespace,
				Missing:       de.Missing,
				Extra:         de.Extra,
				Cause:         de.Cause,
			}
		}
		return Candidate{}, false, err
	}
	if err := e.reg.Typecheck(obj); err != nil {
		return Candidate{}, false, &SchemaError{
			FromNamespace: entry.Namespace,
			FromHash:      entry.Hash,
			ToNamespace:   toNamespace,
			Cause:         err,
		}
	}

	toRef, err := e.coord.RefOf(obj)
	if err != nil {
		return Candidate{}, false, err
	}
	if toRef.Namespace == entry.Namespace && toRef.Hash == entry.Hash {
		return Candidate{}, false, nil
	}

	return Candidate{
		From: artifact.Ref{
			Namespace: entry.Namespace,
			Hash:      entry.Hash,
			Root:      root.kind,
			Dir:       entry.Dir,
		},
		FromDir:         entry.Dir,
		To:              toRef,
		ToObj:           obj,
		Config:          cfg,
		Origin:          storage.OriginSchema,
		AppliedDefaults: applied,
	}, true, nil
}

// fieldSetDiff compares a transformed config against the target
// schema's declared public fields, both directions.
func fieldSetDiff(desc *artifact.Descriptor, cfg map[string]any) (missing, extra []string) {
	declared := map[string]bool{}
	for _, name := range desc.FieldNames() {
		declared[name] = true
		if _, ok := cfg[name]; !ok {
			missing = append(missing, name)
		}
	}
	for key := range cfg {
		if !declared[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// ApplyOptions steers Apply.
type ApplyOptions struct {
	Policy Policy
	// Conflict defaults to throw.
	Conflict Conflict
	// NoCascade skips dependent rewriting. Dependents then keep
	// references to the migrated source, which stays resolvable only
	// under the alias policy.
	NoCascade bool
	// DryRun validates and plans without writing.
	DryRun bool
}

// Apply commits a candidate and, unless disabled, the full cascade of
// dependents whose configs embed the migrated artifact. The entire
// cascade is discovered and validated before the first write: either
// every step is applicable or nothing changes.
func (e *Engine) Apply(ctx context.Context, cand Candidate, opts ApplyOptions) error {
	if opts.Policy == "" {
		opts.Policy = PolicyAlias
	}
	if opts.Conflict == "" {
		opts.Conflict = ConflictThrow
	}

	steps := []Candidate{cand}
	if opts.NoCascade {
		e.log.Warn("cascade disabled: dependents keep references to the migrated source",
			"from", cand.From.String(), "to", cand.To.String())
	} else {
		more, err := e.cascade(cand)
		if err != nil {
			return err
		}
		steps = append(steps, more...)
	}

	// Validation phase: resolve every conflict decision up front so a
	// throw aborts before any write. Skipping a step skips its whole
	// cascade subtree; steps arrive in BFS order, parents first.
	commit := make([]Candidate, 0, len(steps))
	skipped := map[string]bool{}
	for _, step := range steps {
		if step.parentFrom != "" && skipped[step.parentFrom] {
			skipped[step.From.Hash] = true
			e.log.Info("skipping cascade step under skipped parent",
				"from", step.From.String(), "to", step.To.String())
			continue
		}
		exists, err := destinationExists(step.To.Dir)
		if err != nil {
			return err
		}
		if exists {
			switch opts.Conflict {
			case ConflictThrow:
				return fmt.Errorf("%w: %s at %s", ErrConflict, step.To, step.To.Dir)
			case ConflictSkip:
				skipped[step.From.Hash] = true
				e.log.Info("skipping existing destination",
					"from", step.From.String(), "to", step.To.String())
				continue
			case ConflictOverwrite:
			}
		}
		commit = append(commit, step)
	}

	if opts.DryRun {
		e.log.Info("dry run: migration validated",
			"steps", len(commit), "policy", string(opts.Policy))
		return nil
	}

	for _, step := range commit {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.commit(step, opts.Policy); err != nil {
			return fmt.Errorf("committing %s -> %s: %w", step.From, step.To, err)
		}
		e.met.Migration(string(opts.Policy))
		e.log.Info("migrated artifact",
			"from", step.From.String(), "to", step.To.String(), "policy", string(opts.Policy))
	}
	return nil
}

func destinationExists(dir string) (bool, error) {
	st, err := storage.ReadState(dir)
	if err != nil {
		return false, err
	}
	return st.Result != storage.ResultAbsent, nil
}

// commit performs the writes for one migration step.
func (e *Engine) commit(cand Candidate, policy Policy) error {
	rec := &storage.MigrationRecord{
		Policy: string(policy),
		From: storage.MigrationEndpoint{
			Namespace: cand.From.Namespace, Hash: cand.From.Hash, Root: string(cand.From.Root)},
		To: storage.MigrationEndpoint{
			Namespace: cand.To.Namespace, Hash: cand.To.Hash, Root: string(cand.To.Root)},
		Origin:        cand.Origin,
		DefaultValues: cand.AppliedDefaults,
	}

	snapshot, err := artifact.ConfigSnapshot(cand.ToObj)
	if err != nil {
		return err
	}
	destMeta := &storage.Metadata{
		Namespace: cand.To.Namespace,
		Hash:      cand.To.Hash,
		Config:    snapshot,
		Env:       storage.CollectEnv(),
	}

	switch policy {
	case PolicyAlias:
		// Payload stays put. The destination redirects back to the
		// source; the source records its new identity informationally.
		destRec := *rec
		destRec.Kind = storage.MigrationAlias
		if err := storage.WriteMigration(cand.To.Dir, &destRec); err != nil {
			return err
		}
		if _, err := storage.UpdateState(cand.To.Dir, func(st *storage.State) error {
			st.Result = storage.ResultMigrated
			return nil
		}); err != nil {
			return err
		}
		// An overwritten destination must not keep serving its old
		// payload through the marker fast path.
		if err := storage.RemoveSuccessMarker(cand.To.Dir); err != nil {
			return err
		}
		if err := storage.WriteMetadata(cand.To.Dir, destMeta, true); err != nil {
			return err
		}
		srcRec := *rec
		srcRec.Kind = storage.MigrationMigrated
		if err := storage.WriteMigration(cand.FromDir, &srcRec); err != nil {
			return err
		}

	case PolicyMove:
		if err := transferPayload(cand.FromDir, cand.To.Dir, true); err != nil {
			return err
		}
		if err := e.establishDestination(cand, destMeta, rec); err != nil {
			return err
		}
		srcRec := *rec
		srcRec.Kind = storage.MigrationMigrated
		if err := storage.WriteMigration(cand.FromDir, &srcRec); err != nil {
			return err
		}
		if err := storage.RemoveSuccessMarker(cand.FromDir); err != nil {
			return err
		}
		if _, err := storage.UpdateState(cand.FromDir, func(st *storage.State) error {
			st.Result = storage.ResultMigrated
			return nil
		}); err != nil {
			return err
		}

	case PolicyCopy:
		if err := transferPayload(cand.FromDir, cand.To.Dir, false); err != nil {
			return err
		}
		// Copy leaves the source untouched apart from the audit event.
		if err := e.establishDestination(cand, destMeta, rec); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown migration policy %q", policy)
	}

	evData := map[string]any{
		"policy": string(policy),
		"from":   cand.From.String(),
		"to":     cand.To.String(),
	}
	if err := storage.AppendEvent(cand.FromDir, storage.Event{
		Kind: storage.EventMigrated, Data: evData}); err != nil {
		return err
	}
	return storage.AppendEvent(cand.To.Dir, storage.Event{
		Kind: storage.EventMigrated, Data: evData})
}

// establishDestination makes the destination a standalone successful
// artifact carrying an alias-kind record of its origin.
func (e *Engine) establishDestination(cand Candidate, md *storage.Metadata, rec *storage.MigrationRecord) error {
	if _, err := storage.UpdateState(cand.To.Dir, func(st *storage.State) error {
		st.Result = storage.ResultSuccess
		return nil
	}); err != nil {
		return err
	}
	if err := storage.WriteSuccessMarker(cand.To.Dir); err != nil {
		return err
	}
	if err := storage.WriteMetadata(cand.To.Dir, md, true); err != nil {
		return err
	}
	// The record at a standalone destination is provenance: resolution
	// stops there because the state is success, never migrated.
	destRec := *rec
	destRec.Kind = storage.MigrationAlias
	return storage.WriteMigration(cand.To.Dir, &destRec)
}

// transferPayload moves or copies every payload entry (everything
// except the internal .meta directory and the success marker, which
// the destination re-establishes itself).
func transferPayload(srcDir, dstDir string, move bool) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == ".meta" || name == storage.MarkerName {
			continue
		}
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, name)
		if move {
			if err := os.Rename(src, dst); err == nil {
				continue
			}
			// Cross-device rename falls back to copy + remove.
			if err := copyTree(src, dst); err != nil {
				return err
			}
			if err := os.RemoveAll(src); err != nil {
				return err
			}
			continue
		}
		if err := copyTree(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
