// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package core

import "context"

// ExecContext marks a context as running inside a managed executor
// worker. Its presence switches Get into strict mode: cache hits load,
// cache misses fail with MissingArtifactError instead of computing
// ad hoc, and forced computes must match the worker's spec key.
//
// It travels inside context.Context so strictness follows the call
// chain of the user's Create implementation without any global state.
type ExecContext struct {
	// SpecKey is the resource class this worker serves.
	SpecKey string
	// RunID identifies the executor run, for logs and queue paths.
	RunID string
	// WorkerID identifies the worker process within the run.
	WorkerID string
}

type execContextKey struct{}

// WithExecContext returns a context carrying ec.
func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom extracts the executor marker, if any.
func ExecContextFrom(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(ExecContext)
	return ec, ok
}
