// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForChange blocks until something in dir changes, the timeout
// elapses, or ctx is cancelled. It prefers filesystem notifications
// and degrades to a plain sleep when a watcher cannot be set up (NFS,
// watch limits). A timeout is a normal return, not an error: callers
// re-check state on every wakeup anyway.
func WaitForChange(ctx context.Context, dir string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return sleepCtx(ctx, timeout)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Directory not created yet; the poll fallback covers it.
			return sleepCtx(ctx, timeout)
		}
		return sleepCtx(ctx, timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-watcher.Events:
		return nil
	case err := <-watcher.Errors:
		_ = err
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
