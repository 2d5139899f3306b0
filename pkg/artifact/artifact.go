// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package artifact defines content-addressed identities for cacheable
// computations.
//
// A cacheable computation is a struct implementing Object. Its exported
// fields form the declared configuration: identical field values always
// produce the same hash, and any field that is itself an Object
// contributes its own hash (not its full configuration), so a change
// anywhere in the dependency tree propagates upward exactly once per
// edge.
//
// Field declaration uses struct tags, mirroring encoding/json:
//
//	type TrainModel struct {
//	    Dataset  *BuildDataset `furu:"dataset"`
//	    Epochs   int           `furu:"epochs" validate:"gt=0"`
//	    Scratch  string        `furu:"-"`  // private: never hashed
//	}
//
// Unexported fields are always private. The `validate` tags are honored
// by Registry.Typecheck (go-playground/validator), which the migration
// engine runs on every reconstructed candidate.
package artifact

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// RootKind selects which storage root an artifact lives under.
type RootKind string

const (
	// RootPrimary is the default bulk-data root.
	RootPrimary RootKind = "data"
	// RootVersionControlled is for small artifacts checked into the repo.
	RootVersionControlled RootKind = "artifacts"
)

// Object is a cacheable computation. Implementations are plain structs
// whose exported fields define the configuration.
type Object interface {
	// FuruNamespace returns the stable class identifier, e.g.
	// "pipelines.TrainModel". It must be reconstructible across
	// processes: package-qualified, at least one dot, no path
	// separators. See Registry.Register for enforcement.
	FuruNamespace() string

	// Create computes the result, writing outputs into dir. It runs
	// with the compute lock held; dir is owned exclusively by the
	// caller for the duration.
	Create(ctx context.Context, dir string) error

	// Load reads a previously created result from dir.
	Load(ctx context.Context, dir string) (any, error)
}

// Validator is implemented by Objects that can cheaply check a cached
// result for completeness. A false return invalidates the cached
// success; an error is a validator crash (logged loudly, treated as
// invalid).
type Validator interface {
	Validate(dir string) (bool, error)
}

// SpecKeyed is implemented by Objects that require a particular
// resource class (e.g. "gpu"). Executors route work to workers whose
// spec key matches exactly.
type SpecKeyed interface {
	SpecKey() string
}

// VersionControlled is implemented by Objects stored under the
// version-controlled root.
type VersionControlled interface {
	VersionControlled() bool
}

// DefaultSpecKey is used when an Object does not implement SpecKeyed.
const DefaultSpecKey = "default"

// SpecKeyOf returns the Object's resource-class key.
func SpecKeyOf(obj Object) string {
	if sk, ok := obj.(SpecKeyed); ok {
		if key := sk.SpecKey(); key != "" {
			return key
		}
	}
	return DefaultSpecKey
}

// RootOf returns the Object's storage root kind.
func RootOf(obj Object) RootKind {
	if vc, ok := obj.(VersionControlled); ok && vc.VersionControlled() {
		return RootVersionControlled
	}
	return RootPrimary
}

// Ref identifies one cacheable computation instance on disk.
type Ref struct {
	Namespace string   `json:"namespace"`
	Hash      string   `json:"hash"`
	Root      RootKind `json:"root"`
	Dir       string   `json:"dir"`
}

// String renders "namespace:hash" for logs.
func (r Ref) String() string {
	return r.Namespace + ":" + r.Hash
}

// IsZero reports whether the ref is unset.
func (r Ref) IsZero() bool {
	return r.Namespace == "" && r.Hash == ""
}

// Roots abstracts the storage-root lookup so this package does not
// depend on the config package. *config.Config satisfies it.
type Roots interface {
	DataRoot(versionControlled bool) string
}

// RefOf computes the full on-disk identity of obj under the given
// storage roots.
func RefOf(roots Roots, obj Object) (Ref, error) {
	ns := obj.FuruNamespace()
	if err := CheckNamespace(ns, false); err != nil {
		return Ref{}, err
	}
	digest, err := HashOf(obj)
	if err != nil {
		return Ref{}, err
	}
	root := RootOf(obj)
	base := roots.DataRoot(root == RootVersionControlled)
	return Ref{
		Namespace: ns,
		Hash:      digest,
		Root:      root,
		Dir:       DirFor(base, ns, digest),
	}, nil
}

// DirFor builds the artifact directory path for a namespace and hash:
// <root>/<namespace parts>/<hash>.
func DirFor(root, namespace, hash string) string {
	parts := append([]string{root}, strings.Split(namespace, ".")...)
	parts = append(parts, hash)
	return filepath.Join(parts...)
}

// CheckNamespace validates that a namespace is stably reconstructible
// across processes. Loose namespaces (single segment, or under the
// main package) are rejected unless allowLoose is set, because the
// identifier could not be rebuilt by another binary.
func CheckNamespace(namespace string, allowLoose bool) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidNamespace)
	}
	if strings.ContainsAny(namespace, "/\\ \t\n") {
		return fmt.Errorf("%w: %q contains path separators or spaces",
			ErrInvalidNamespace, namespace)
	}
	if allowLoose {
		return nil
	}
	if !strings.Contains(namespace, ".") {
		return fmt.Errorf("%w: %q has no package qualifier; "+
			"use \"pkg.TypeName\" or register with AllowLooseNamespace",
			ErrInvalidNamespace, namespace)
	}
	if strings.HasPrefix(namespace, "main.") {
		return fmt.Errorf("%w: %q is defined under package main and is "+
			"not reconstructible by other binaries; register with "+
			"AllowLooseNamespace to override", ErrInvalidNamespace, namespace)
	}
	return nil
}
