// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import "errors"

var (
	// ErrInvalidNamespace indicates a namespace that cannot be stably
	// reconstructed across processes.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrUnknownNamespace indicates a namespace with no registered
	// descriptor.
	ErrUnknownNamespace = errors.New("unknown namespace")

	// ErrDuplicateNamespace indicates a second registration for an
	// already registered namespace.
	ErrDuplicateNamespace = errors.New("duplicate namespace")

	// ErrNotHashable indicates a config value that cannot take part in
	// canonical serialization (channels, funcs, non-string map keys).
	ErrNotHashable = errors.New("value not hashable")

	// ErrDecode indicates a config snapshot that does not match the
	// declared field set of its target type.
	ErrDecode = errors.New("config decode failed")
)
