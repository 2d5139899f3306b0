// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import "errors"

var (
	// ErrHeld indicates the lock is held by a live owner. Callers that
	// want to wait use Acquire; TryAcquire fails fast with this.
	ErrHeld = errors.New("compute lock held")

	// ErrWaitTimeout indicates Acquire gave up after MaxWait without
	// the lock becoming free.
	ErrWaitTimeout = errors.New("timed out waiting for compute lock")

	// ErrNotOwner indicates a heartbeat or release found a different
	// token on disk: the lease was lost to a takeover. The holder must
	// stop writing to the artifact directory.
	ErrNotOwner = errors.New("lock no longer owned")
)
