// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MigrationKind distinguishes the record written at a migration source
// from the one written at its destination.
type MigrationKind string

const (
	// MigrationMigrated is written at the source: "my content now lives
	// at To". A source whose state is migrated must carry one.
	MigrationMigrated MigrationKind = "migrated"
	// MigrationAlias is written at the destination: "I am the target of
	// an alias from From".
	MigrationAlias MigrationKind = "alias"
)

// MigrationOrigin records how the migration was discovered.
type MigrationOrigin string

const (
	OriginSchema   MigrationOrigin = "schema"
	OriginInstance MigrationOrigin = "instance"
)

// MigrationEndpoint identifies one side of a migration.
type MigrationEndpoint struct {
	Namespace string `json:"namespace"`
	Hash      string `json:"hash"`
	Root      string `json:"root"`
}

// MigrationRecord is the content of migration.json.
type MigrationRecord struct {
	Kind          MigrationKind     `json:"kind"`
	Policy        string            `json:"policy"`
	From          MigrationEndpoint `json:"from"`
	To            MigrationEndpoint `json:"to"`
	Origin        MigrationOrigin   `json:"origin,omitempty"`
	Note          string            `json:"note,omitempty"`
	DefaultValues map[string]any    `json:"default_values,omitempty"`
	MigratedAt    time.Time         `json:"migrated_at"`
	OverwrittenAt *time.Time        `json:"overwritten_at,omitempty"`
}

// Active reports whether the record still redirects. A detached alias
// keeps its record for the audit trail but stops resolving.
func (r *MigrationRecord) Active() bool {
	return r != nil && r.OverwrittenAt == nil
}

// RedirectTarget returns where the content actually lives, from the
// perspective of the directory carrying this record. A migrated source
// points forward to To; an alias destination points back to From,
// where the payload stayed.
func (r *MigrationRecord) RedirectTarget() MigrationEndpoint {
	if r.Kind == MigrationAlias {
		return r.From
	}
	return r.To
}

// MigrationPath returns the migration.json path for an artifact dir.
func MigrationPath(dir string) string { return filepath.Join(MetaDir(dir), "migration.json") }

// ReadMigration loads migration.json. Missing file returns (nil, nil).
func ReadMigration(dir string) (*MigrationRecord, error) {
	data, err := os.ReadFile(MigrationPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec MigrationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", MigrationPath(dir), err)
	}
	return &rec, nil
}

// WriteMigration persists migration.json atomically under the state
// lock.
func WriteMigration(dir string, rec *MigrationRecord) error {
	if rec.MigratedAt.IsZero() {
		rec.MigratedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding migration record: %w", err)
	}
	return WithStateLock(dir, func() error {
		return writeFileAtomic(MigrationPath(dir), data, 0o644)
	})
}

// DetachMigration stamps OverwrittenAt on the record so the redirect
// stops resolving, and logs the overwrite. No-op when no record or
// already detached.
func DetachMigration(dir, reason string) error {
	err := WithStateLock(dir, func() error {
		rec, err := ReadMigration(dir)
		if err != nil {
			return err
		}
		if !rec.Active() {
			return nil
		}
		now := time.Now().UTC()
		rec.OverwrittenAt = &now
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		return writeFileAtomic(MigrationPath(dir), data, 0o644)
	})
	if err != nil {
		return err
	}
	return AppendEvent(dir, Event{Kind: EventMigrationOverwrite, Data: map[string]any{
		"reason": reason,
	}})
}

// maxAliasDepth caps redirect chains; anything deeper is a cycle or
// corruption.
const maxAliasDepth = 32

// ResolveAlias follows migrated states starting at dir until it lands
// on a non-migrated artifact. dirFor maps a migration endpoint back to
// a directory. Returns the final directory and the chain of records
// followed (empty when dir is not migrated).
func ResolveAlias(dir string, dirFor func(MigrationEndpoint) string) (string, []*MigrationRecord, error) {
	var chain []*MigrationRecord
	current := dir
	for depth := 0; ; depth++ {
		if depth > maxAliasDepth {
			return "", nil, fmt.Errorf("%w: starting at %s", ErrAliasChainTooDeep, dir)
		}
		st, err := ReadState(current)
		if err != nil {
			return "", nil, err
		}
		if st.Result != ResultMigrated {
			return current, chain, nil
		}
		rec, err := ReadMigration(current)
		if err != nil {
			return "", nil, err
		}
		if rec == nil {
			return "", nil, fmt.Errorf("%w: %s is migrated", ErrNoMigrationRecord, current)
		}
		if !rec.Active() {
			// Detached redirect: the source stands on its own again.
			return current, chain, nil
		}
		chain = append(chain, rec)
		current = dirFor(rec.RedirectTarget())
	}
}
