// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import "errors"

var (
	// ErrCorruptState indicates a state.json that exists but cannot be
	// decoded with the strict schema.
	ErrCorruptState = errors.New("corrupt state file")

	// ErrMetadataConflict indicates an attempt to rewrite metadata.json
	// with different content without the migration-overwrite flag.
	ErrMetadataConflict = errors.New("metadata already written with different content")

	// ErrNoMigrationRecord indicates a migrated state with no readable
	// migration.json to follow.
	ErrNoMigrationRecord = errors.New("no migration record")

	// ErrAliasChainTooDeep indicates a migration chain longer than the
	// resolution cap, which means a cycle or corruption.
	ErrAliasChainTooDeep = errors.New("alias chain too deep")

	// ErrNoAttempt indicates an attempt-lifecycle call on a state with
	// no current attempt.
	ErrNoAttempt = errors.New("state has no current attempt")
)
