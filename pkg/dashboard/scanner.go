// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dashboard serves a read-only HTTP view over the artifact
// store: what exists, what state it is in, and how artifacts relate.
// It never mutates artifact state.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/config"
	"github.com/furulabs/furu/pkg/storage"
)

// Summary is the list-view projection of one artifact.
type Summary struct {
	Namespace     string                `json:"namespace"`
	Hash          string                `json:"hash"`
	Root          string                `json:"root"`
	Dir           string                `json:"dir"`
	Result        storage.ResultStatus  `json:"result"`
	AttemptStatus storage.AttemptStatus `json:"attempt_status,omitempty"`
	AttemptNumber int                   `json:"attempt_number,omitempty"`
	Backend       string                `json:"backend,omitempty"`
	JobID         string                `json:"job_id,omitempty"`
	HasMarker     bool                  `json:"has_marker"`
	UpdatedAt     *time.Time            `json:"updated_at,omitempty"`

	// Redirect is set when an active migration record points elsewhere.
	Redirect *RedirectInfo `json:"redirect,omitempty"`
}

// RedirectInfo names where a migrated artifact's payload lives now.
type RedirectInfo struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
	Hash      string `json:"hash"`
}

// Detail is the full projection of one artifact.
type Detail struct {
	Summary   Summary                  `json:"summary"`
	Metadata  *storage.Metadata        `json:"metadata,omitempty"`
	State     *storage.State           `json:"state"`
	Migration *storage.MigrationRecord `json:"migration,omitempty"`
	Events    []storage.Event          `json:"events"`
}

// RefEdge is one dependency edge in the relations view.
type RefEdge struct {
	Namespace string `json:"namespace"`
	Hash      string `json:"hash"`
}

// Relations lists an artifact's direct dependencies (from its own
// config snapshot) and its dependents (artifacts whose snapshots embed
// it).
type Relations struct {
	Namespace    string    `json:"namespace"`
	Hash         string    `json:"hash"`
	Dependencies []RefEdge `json:"dependencies"`
	Dependents   []RefEdge `json:"dependents"`
}

// Stats aggregates the store for the overview page.
type Stats struct {
	Total       int                          `json:"total"`
	ByResult    map[storage.ResultStatus]int `json:"by_result"`
	ByNamespace map[string]int               `json:"by_namespace"`
}

// Scanner walks the storage roots and produces Summaries, caching
// per-directory projections in a local badger store keyed by artifact
// dir and invalidated by state.json mtime. Scans over large stores are
// then bounded by directory listing cost, not state parsing.
type Scanner struct {
	cfg *config.Config
	db  *badger.DB
	log *slog.Logger
}

// ScannerOption configures NewScanner.
type ScannerOption func(*scannerOptions)

type scannerOptions struct {
	cachePath string
	inMemory  bool
	logger    *slog.Logger
}

// WithCachePath overrides the on-disk cache location.
func WithCachePath(path string) ScannerOption {
	return func(o *scannerOptions) { o.cachePath = path }
}

// WithInMemoryCache keeps the cache off disk. Tests use this.
func WithInMemoryCache() ScannerOption {
	return func(o *scannerOptions) { o.inMemory = true }
}

// WithScannerLogger sets the scanner's logger.
func WithScannerLogger(l *slog.Logger) ScannerOption {
	return func(o *scannerOptions) { o.logger = l }
}

// NewScanner opens the summary cache and returns a scanner over the
// configured storage roots.
func NewScanner(cfg *config.Config, opts ...ScannerOption) (*Scanner, error) {
	o := scannerOptions{
		cachePath: filepath.Join(cfg.BaseRoot, ".dashboard-cache"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	var badgerOpts badger.Options
	if o.inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(o.cachePath)
	}
	db, err := badger.Open(badgerOpts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening summary cache: %w", err)
	}
	return &Scanner{cfg: cfg, db: db, log: o.logger}, nil
}

// Close releases the summary cache.
func (s *Scanner) Close() error { return s.db.Close() }

// roots returns the scanned storage roots with their labels.
func (s *Scanner) roots() map[string]string {
	return map[string]string{
		"data":               s.cfg.DataRoot(false),
		"version_controlled": s.cfg.DataRoot(true),
	}
}

// Scan lists every artifact whose namespace matches prefix (empty
// matches all), across both roots, sorted by namespace then hash.
func (s *Scanner) Scan(prefix string) ([]Summary, error) {
	var out []Summary
	for label, root := range s.roots() {
		entries, err := storage.List(root, prefix)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			sum, err := s.summarize(entry, label)
			if err != nil {
				s.log.Warn("skipping unreadable artifact",
					"dir", entry.Dir, "error", err)
				continue
			}
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

type cacheEntry struct {
	StateMtime int64   `json:"state_mtime"`
	Summary    Summary `json:"summary"`
}

func (s *Scanner) summarize(entry storage.Entry, rootLabel string) (Summary, error) {
	mtime := int64(0)
	if fi, err := os.Stat(storage.StatePath(entry.Dir)); err == nil {
		mtime = fi.ModTime().UnixNano()
	}

	key := []byte(entry.Dir)
	var cached cacheEntry
	hit := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &cached); err != nil {
				return nil // stale format, rebuild
			}
			hit = cached.StateMtime == mtime
			return nil
		})
	})
	if err != nil {
		return Summary{}, err
	}
	if hit {
		return cached.Summary, nil
	}

	sum, err := s.buildSummary(entry, rootLabel)
	if err != nil {
		return Summary{}, err
	}
	data, err := json.Marshal(cacheEntry{StateMtime: mtime, Summary: sum})
	if err != nil {
		return Summary{}, err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		// A failed cache write only costs the next scan a rebuild.
		s.log.Warn("summary cache write failed", "dir", entry.Dir, "error", err)
	}
	return sum, nil
}

func (s *Scanner) buildSummary(entry storage.Entry, rootLabel string) (Summary, error) {
	st, err := storage.ReadState(entry.Dir)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Namespace: entry.Namespace,
		Hash:      entry.Hash,
		Root:      rootLabel,
		Dir:       entry.Dir,
		Result:    st.Result,
		HasMarker: storage.HasSuccessMarker(entry.Dir),
	}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		sum.UpdatedAt = &t
	}
	if st.Attempt != nil {
		sum.AttemptStatus = st.Attempt.Status
		sum.AttemptNumber = st.Attempt.Number
		sum.Backend = st.Attempt.Backend
		sum.JobID = st.Attempt.JobID
	}
	if st.Result == storage.ResultMigrated {
		rec, err := storage.ReadMigration(entry.Dir)
		if err == nil && rec != nil && rec.Active() {
			target := rec.RedirectTarget()
			sum.Redirect = &RedirectInfo{
				Kind:      string(rec.Kind),
				Namespace: target.Namespace,
				Hash:      target.Hash,
			}
		}
	}
	return sum, nil
}

// find locates the artifact dir for (namespace, hash), checking both
// roots.
func (s *Scanner) find(namespace, hash string) (storage.Entry, string, error) {
	for label, root := range s.roots() {
		dir := artifact.DirFor(root, namespace, hash)
		if _, err := os.Stat(storage.MetaDir(dir)); err == nil {
			return storage.Entry{Namespace: namespace, Hash: hash, Dir: dir}, label, nil
		}
	}
	return storage.Entry{}, "", fmt.Errorf("artifact %s:%s not found", namespace, hash)
}

// Detail returns everything recorded about one artifact. eventsTail
// bounds the returned event count; <= 0 returns all events.
func (s *Scanner) Detail(namespace, hash string, eventsTail int) (*Detail, error) {
	entry, label, err := s.find(namespace, hash)
	if err != nil {
		return nil, err
	}
	sum, err := s.buildSummary(entry, label)
	if err != nil {
		return nil, err
	}
	st, err := storage.ReadState(entry.Dir)
	if err != nil {
		return nil, err
	}
	md, err := storage.ReadMetadata(entry.Dir)
	if err != nil {
		return nil, err
	}
	rec, err := storage.ReadMigration(entry.Dir)
	if err != nil {
		return nil, err
	}
	events, err := storage.ReadEvents(entry.Dir, eventsTail)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Summary:   sum,
		Metadata:  md,
		State:     st,
		Migration: rec,
		Events:    events,
	}, nil
}

// Relations extracts dependency edges from config snapshots: the
// artifact's own snapshot names its dependencies, and a scan over all
// other snapshots finds its dependents.
func (s *Scanner) Relations(namespace, hash string) (*Relations, error) {
	entry, _, err := s.find(namespace, hash)
	if err != nil {
		return nil, err
	}
	rel := &Relations{Namespace: namespace, Hash: hash}

	md, err := storage.ReadMetadata(entry.Dir)
	if err != nil {
		return nil, err
	}
	if md != nil {
		rel.Dependencies = collectRefs(md.Config, nil)
	}

	for _, root := range s.roots() {
		err := storage.Walk(root, func(other storage.Entry) error {
			if other.Hash == hash && other.Namespace == namespace {
				return nil
			}
			otherMD, err := storage.ReadMetadata(other.Dir)
			if err != nil || otherMD == nil {
				return nil
			}
			for _, edge := range collectRefs(otherMD.Config, nil) {
				if edge.Namespace == namespace && edge.Hash == hash {
					rel.Dependents = append(rel.Dependents,
						RefEdge{Namespace: other.Namespace, Hash: other.Hash})
					break
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(rel.Dependents, func(i, j int) bool {
		if rel.Dependents[i].Namespace != rel.Dependents[j].Namespace {
			return rel.Dependents[i].Namespace < rel.Dependents[j].Namespace
		}
		return rel.Dependents[i].Hash < rel.Dependents[j].Hash
	})
	return rel, nil
}

// collectRefs walks a config snapshot collecting every embedded
// dependency ref, recursively.
func collectRefs(v any, out []RefEdge) []RefEdge {
	switch val := v.(type) {
	case map[string]any:
		if refRaw, ok := val[artifact.RefKey]; ok {
			if ref, ok := refRaw.(map[string]any); ok {
				ns, _ := ref["namespace"].(string)
				h, _ := ref["hash"].(string)
				if ns != "" && h != "" {
					out = append(out, RefEdge{Namespace: ns, Hash: h})
				}
				if cfg, ok := ref["config"].(map[string]any); ok {
					out = collectRefs(cfg, out)
				}
				return out
			}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = collectRefs(val[k], out)
		}
	case []any:
		for _, item := range val {
			out = collectRefs(item, out)
		}
	}
	return out
}

// Stats aggregates result counts over the whole store.
func (s *Scanner) Stats() (*Stats, error) {
	sums, err := s.Scan("")
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByResult:    map[storage.ResultStatus]int{},
		ByNamespace: map[string]int{},
	}
	for _, sum := range sums {
		stats.Total++
		stats.ByResult[sum.Result]++
		stats.ByNamespace[sum.Namespace]++
	}
	return stats, nil
}
