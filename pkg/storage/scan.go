// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one artifact directory found under a storage root.
type Entry struct {
	Namespace string
	Hash      string
	Dir       string
}

// Walk visits every artifact directory under root, in sorted order. A
// directory counts as an artifact when it carries a .meta
// subdirectory. Missing root is not an error (nothing stored yet).
func Walk(root string, fn func(Entry) error) error {
	entries, err := List(root, "")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// List returns the artifact directories under root whose namespace
// matches prefix exactly or starts with prefix + "." (empty prefix
// matches everything). Results are sorted by namespace then hash.
func List(root, prefix string) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".meta" {
			return filepath.SkipDir
		}
		if _, statErr := os.Stat(filepath.Join(path, ".meta")); statErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) < 2 {
			return filepath.SkipDir
		}
		ns := strings.Join(parts[:len(parts)-1], ".")
		if !matchesPrefix(ns, prefix) {
			return filepath.SkipDir
		}
		out = append(out, Entry{Namespace: ns, Hash: parts[len(parts)-1], Dir: path})
		// Artifact dirs never nest.
		return filepath.SkipDir
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

func matchesPrefix(ns, prefix string) bool {
	if prefix == "" {
		return true
	}
	return ns == prefix || strings.HasPrefix(ns, prefix+".")
}

// ListHashes returns the hashes stored for one namespace under root.
func ListHashes(root, namespace string) ([]string, error) {
	dir := filepath.Join(append([]string{root}, strings.Split(namespace, ".")...)...)
	dirents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(dir, d.Name(), ".meta")); statErr != nil {
			continue
		}
		hashes = append(hashes, d.Name())
	}
	sort.Strings(hashes)
	return hashes, nil
}
