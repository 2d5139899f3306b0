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
	"strings"
)

var (
	// ErrSchema is wrapped by SchemaError.
	ErrSchema = errors.New("migration schema mismatch")

	// ErrConflict indicates the destination already exists and the
	// conflict policy is throw.
	ErrConflict = errors.New("migration destination exists")

	// ErrSourceNotMigratable indicates a requested source that is not
	// a successful artifact.
	ErrSourceNotMigratable = errors.New("source artifact not migratable")

	// ErrOptions indicates malformed discovery options: a drop target
	// that is not present, defaulting a field that already has a value,
	// or the same field in both DefaultFields and DefaultValues.
	ErrOptions = errors.New("invalid migration options")
)

// SchemaError reports a transformed config that does not exactly match
// the target type's declared field set.
type SchemaError struct {
	FromNamespace string
	FromHash      string
	ToNamespace   string
	Missing       []string
	Extra         []string
	Cause         error
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "extra: "+strings.Join(e.Extra, ", "))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return fmt.Sprintf("migrating %s:%s to %s: %s",
		e.FromNamespace, e.FromHash, e.ToNamespace, strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrSchema }
