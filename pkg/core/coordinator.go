// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package core coordinates compute-or-load across processes sharing a
// filesystem.
//
// The contract of Get: for any Object, exactly one process computes
// while everyone else either waits on it or loads the finished result.
// Readers trust the SUCCESS marker; writers go through the compute
// lock in pkg/lock; all observable transitions land in the state store
// in pkg/storage.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/config"
	"github.com/furulabs/furu/pkg/lock"
	"github.com/furulabs/furu/pkg/metrics"
	"github.com/furulabs/furu/pkg/storage"
)

// Coordinator owns the Get state machine.
type Coordinator struct {
	cfg *config.Config
	reg *artifact.Registry
	log *slog.Logger
	met *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.met = m } }

// New builds a Coordinator. reg may be nil when migration and
// worker-pool payload decoding are not needed.
func New(cfg *config.Config, reg *artifact.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{cfg: cfg, reg: reg}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Config exposes the runtime configuration (read-only by convention).
func (c *Coordinator) Config() *config.Config { return c.cfg }

// Registry exposes the namespace registry.
func (c *Coordinator) Registry() *artifact.Registry { return c.reg }

// RefOf computes the on-disk identity of obj.
func (c *Coordinator) RefOf(obj artifact.Object) (artifact.Ref, error) {
	return artifact.RefOf(c.cfg, obj)
}

// DirFor maps a migration endpoint back to its directory.
func (c *Coordinator) DirFor(ep storage.MigrationEndpoint) string {
	vc := ep.Root == string(artifact.RootVersionControlled)
	return artifact.DirFor(c.cfg.DataRoot(vc), ep.Namespace, ep.Hash)
}

// Resolve computes obj's ref and follows any migration chain to the
// directory actually holding the content.
func (c *Coordinator) Resolve(obj artifact.Object) (artifact.Ref, string, []*storage.MigrationRecord, error) {
	ref, err := c.RefOf(obj)
	if err != nil {
		return artifact.Ref{}, "", nil, err
	}
	dir, chain, err := storage.ResolveAlias(ref.Dir, c.DirFor)
	if err != nil {
		return artifact.Ref{}, "", nil, err
	}
	return ref, dir, chain, nil
}

type getOptions struct {
	force   bool
	backend string
}

// GetOption adjusts a single Get call.
type GetOption func(*getOptions)

// Force recomputes even over a validated success. In strict executor
// mode this is only legal when the object's spec key matches the
// worker's.
func Force() GetOption { return func(o *getOptions) { o.force = true } }

// WithBackend names the executor in the recorded attempt.
func WithBackend(name string) GetOption { return func(o *getOptions) { o.backend = name } }

// Get returns the loaded result of obj, computing it first if needed.
//
// Outside executors: resolve aliases, serve a validated cached success,
// otherwise acquire the compute lock (or wait for the holder) and run
// Create. Inside executors (ExecContext present): load-only, so a miss
// is a MissingArtifactError unless forced with a matching spec key.
func (c *Coordinator) Get(ctx context.Context, obj artifact.Object, opts ...GetOption) (any, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == "" {
		o.backend = "local"
	}

	ref, dir, chain, err := c.Resolve(obj)
	if err != nil {
		return nil, err
	}

	ec, strict := ExecContextFrom(ctx)

	if c.cfg.ShouldAlwaysRerun(ref.Namespace) && !strict {
		o.force = true
		if len(chain) > 0 {
			if err := c.detachAlias(ref, chain); err != nil {
				return nil, err
			}
			dir = ref.Dir
		}
	}

	if strict {
		if o.force {
			want := artifact.SpecKeyOf(obj)
			if want != ec.SpecKey {
				return nil, &SpecMismatchError{Ref: ref, Want: want, Got: ec.SpecKey}
			}
		} else {
			loaded, val, err := c.tryLoadSuccess(ctx, obj, ref, dir)
			if err != nil {
				return nil, err
			}
			if loaded {
				c.met.CacheHit(ref.Namespace)
				return val, nil
			}
			return nil, &MissingArtifactError{Ref: ref}
		}
	}

	if !o.force {
		loaded, val, err := c.tryLoadSuccess(ctx, obj, ref, dir)
		if err != nil {
			return nil, err
		}
		if loaded {
			c.met.CacheHit(ref.Namespace)
			return val, nil
		}
		st, err := storage.ReadState(dir)
		if err != nil {
			return nil, err
		}
		if st.Result == storage.ResultFailed && !c.cfg.RetryFailed {
			return nil, c.failedError(ref, dir, st)
		}
	}

	return c.computeOrWait(ctx, obj, ref, dir, o)
}

// Exists reports whether obj has a validated success on disk. It never
// computes.
func (c *Coordinator) Exists(obj artifact.Object) (bool, error) {
	_, dir, _, err := c.Resolve(obj)
	if err != nil {
		return false, err
	}
	if storage.HasSuccessMarker(dir) {
		return true, nil
	}
	st, err := storage.ReadState(dir)
	if err != nil {
		return false, err
	}
	return st.Result == storage.ResultSuccess, nil
}

// GetState returns obj's alias-resolved persisted state.
func (c *Coordinator) GetState(obj artifact.Object) (*storage.State, error) {
	_, dir, _, err := c.Resolve(obj)
	if err != nil {
		return nil, err
	}
	return storage.ReadState(dir)
}

// MetadataOf returns obj's alias-resolved metadata, nil when none was
// written yet.
func (c *Coordinator) MetadataOf(obj artifact.Object) (*storage.Metadata, error) {
	_, dir, _, err := c.Resolve(obj)
	if err != nil {
		return nil, err
	}
	return storage.ReadMetadata(dir)
}

// tryLoadSuccess serves the cached result when a validated success
// exists. Returns loaded=false when the caller should (maybe) compute.
func (c *Coordinator) tryLoadSuccess(ctx context.Context, obj artifact.Object, ref artifact.Ref, dir string) (bool, any, error) {
	haveMarker := storage.HasSuccessMarker(dir)
	if !haveMarker {
		st, err := storage.ReadState(dir)
		if err != nil {
			return false, nil, err
		}
		if st.Result != storage.ResultSuccess {
			return false, nil, nil
		}
	}

	switch c.validate(obj, ref, dir) {
	case validateOK:
		if !haveMarker {
			if err := storage.WriteSuccessMarker(dir); err != nil {
				return false, nil, err
			}
		}
		val, err := obj.Load(ctx, dir)
		if err != nil {
			return false, nil, fmt.Errorf("loading %s from %s: %w", ref, dir, err)
		}
		return true, val, nil
	default:
		return false, nil, nil
	}
}

type validateResult int

const (
	validateOK validateResult = iota
	validateInvalid
	validateCrashed
)

// validate runs the object's optional Validate hook against a recorded
// success. Both a false return and a crash invalidate the result; a
// crash is additionally logged loudly because it usually means the
// validator itself is broken, not the payload.
func (c *Coordinator) validate(obj artifact.Object, ref artifact.Ref, dir string) validateResult {
	v, ok := obj.(artifact.Validator)
	if !ok {
		return validateOK
	}
	valid, err := v.Validate(dir)
	if err != nil {
		c.log.Error("validator crashed; treating cached result as invalid",
			"artifact", ref.String(), "dir", dir, "error", err)
		if _, ierr := storage.InvalidateResult(dir, "validator crashed: "+err.Error()); ierr != nil {
			c.log.Error("failed to invalidate result", "dir", dir, "error", ierr)
		}
		return validateCrashed
	}
	if !valid {
		c.log.Warn("cached result failed validation; recomputing",
			"artifact", ref.String(), "dir", dir)
		if _, ierr := storage.InvalidateResult(dir, "validator returned false"); ierr != nil {
			c.log.Error("failed to invalidate result", "dir", dir, "error", ierr)
		}
		return validateInvalid
	}
	return validateOK
}

// computeOrWait runs the contended portion of Get: claim the lock and
// compute, or wait on the current holder and serve whatever terminal
// state it leaves behind.
func (c *Coordinator) computeOrWait(ctx context.Context, obj artifact.Object, ref artifact.Ref, dir string, o getOptions) (any, error) {
	lockOpts := lock.Options{
		Backend:      o.backend,
		Lease:        c.cfg.LeaseDuration,
		Heartbeat:    c.cfg.HeartbeatInterval,
		StaleAfter:   c.cfg.StaleAfter,
		PollInterval: c.cfg.PollInterval,
		WaitLogEvery: c.cfg.WaitLogEvery,
		Logger:       c.log,
	}

	waitStart := time.Now()
	var deadline time.Time
	if c.cfg.MaxWait > 0 {
		deadline = waitStart.Add(c.cfg.MaxWait)
	}
	var lastLog time.Time

	for {
		h, err := lock.TryAcquire(dir, lockOpts)
		if err == nil {
			c.met.LockWait(time.Since(waitStart))
			return c.compute(ctx, obj, ref, dir, h, o.force)
		}
		if !errors.Is(err, lock.ErrHeld) {
			return nil, err
		}

		// Someone else is computing. Their terminal state may already
		// be visible even while the lock lingers.
		if !o.force {
			loaded, val, lerr := c.tryLoadSuccess(ctx, obj, ref, dir)
			if lerr != nil {
				return nil, lerr
			}
			if loaded {
				c.met.LockWait(time.Since(waitStart))
				c.met.CacheHit(ref.Namespace)
				return val, nil
			}
			st, serr := storage.ReadState(dir)
			if serr != nil {
				return nil, serr
			}
			if st.Result == storage.ResultFailed {
				if !c.cfg.RetryFailed {
					return nil, c.failedError(ref, dir, st)
				}
				// Retry allowed: loop around and race for the lock
				// once the failed holder releases it.
			}
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", lock.ErrWaitTimeout, ref, c.cfg.MaxWait)
		}
		if time.Since(lastLog) >= c.cfg.WaitLogEvery {
			c.log.Info("waiting on another holder",
				"artifact", ref.String(), "dir", dir,
				"waited", time.Since(waitStart).Round(time.Second))
			lastLog = time.Now()
		}
		if err := lock.WaitForChange(ctx, storage.MetaDir(dir), c.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// compute runs Create while holding the lock, keeping the lease alive
// and recording the terminal outcome before release.
func (c *Coordinator) compute(ctx context.Context, obj artifact.Object, ref artifact.Ref, dir string, h *lock.Handle, force bool) (any, error) {
	defer h.Release()

	// Re-check under the lock: the previous holder may have finished
	// between our last look and our claim. A forced compute skips the
	// shortcut on purpose.
	if !force {
		loaded, val, err := c.tryLoadSuccess(ctx, obj, ref, dir)
		if err != nil {
			return nil, err
		}
		if loaded {
			if _, ferr := storage.FinishAttemptCancelled(dir, "already complete"); ferr != nil {
				return nil, ferr
			}
			h.MarkDone()
			c.met.CacheHit(ref.Namespace)
			return val, nil
		}
	}

	if err := c.writeMetadataOnce(obj, ref, dir); err != nil {
		return nil, err
	}

	// Keep the lease alive; lose it and the compute must die with it.
	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	computeCtx, cancelCompute := context.WithCancelCause(ctx)
	defer cancelCompute(nil)
	go func() {
		if kerr := h.KeepAlive(keepCtx); errors.Is(kerr, lock.ErrNotOwner) {
			cancelCompute(lock.ErrNotOwner)
		}
	}()

	c.log.Info("computing", "artifact", ref.String(), "dir", dir)
	createErr := runCreate(computeCtx, obj, dir)
	stopKeepAlive()

	if createErr != nil {
		switch {
		case errors.Is(context.Cause(computeCtx), lock.ErrNotOwner):
			_, _ = storage.FinishAttemptPreempted(dir, "compute lock lost to takeover")
			h.MarkDone()
			c.met.Compute(ref.Namespace, "preempted")
			return nil, fmt.Errorf("computing %s: %w", ref, lock.ErrNotOwner)
		case ctx.Err() != nil:
			_, _ = storage.FinishAttemptPreempted(dir, "context cancelled")
			h.MarkDone()
			c.met.Compute(ref.Namespace, "preempted")
			return nil, ctx.Err()
		}
		errInfo := &storage.ErrorInfo{
			Type:    fmt.Sprintf("%T", createErr),
			Message: createErr.Error(),
		}
		var pe *panicError
		if errors.As(createErr, &pe) {
			errInfo.Traceback = pe.stack
		}
		st, ferr := storage.FinishAttemptFailed(dir, "create failed", errInfo)
		if ferr != nil {
			return nil, ferr
		}
		h.MarkDone()
		c.met.Compute(ref.Namespace, "failed")
		c.log.Error("compute failed",
			"artifact", ref.String(), "dir", dir, "error", createErr)
		return nil, &ComputeError{
			Ref:       ref,
			StatePath: storage.StatePath(dir),
			Attempt:   st.Attempt.Number,
			Err:       createErr,
		}
	}

	if _, err := storage.FinishAttemptSuccess(dir); err != nil {
		return nil, err
	}
	h.MarkDone()
	c.met.Compute(ref.Namespace, "success")
	c.log.Info("computed", "artifact", ref.String(), "dir", dir)

	out, err := obj.Load(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("loading freshly computed %s: %w", ref, err)
	}
	return out, nil
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic in Create: %v", e.value) }

// runCreate isolates Create so a panic becomes a recorded failure with
// its stack instead of killing the process that holds the lock.
func runCreate(ctx context.Context, obj artifact.Object, dir string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return obj.Create(ctx, dir)
}

// writeMetadataOnce records what is being computed. First writer wins;
// metadata never changes for a given hash outside migration.
func (c *Coordinator) writeMetadataOnce(obj artifact.Object, ref artifact.Ref, dir string) error {
	existing, err := storage.ReadMetadata(dir)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	snapshot, err := artifact.ConfigSnapshot(obj)
	if err != nil {
		return err
	}
	md := &storage.Metadata{
		Namespace: ref.Namespace,
		Hash:      ref.Hash,
		Config:    snapshot,
		CodeRepr:  codeRepr(ref.Namespace, snapshot),
		Env:       storage.CollectEnv(),
	}
	if git, gerr := storage.CollectGit(".", c.cfg.IgnoreGitDiff); gerr != nil {
		c.log.Warn("git metadata collection failed", "error", gerr)
	} else {
		md.Git = git
	}
	if err := storage.WriteMetadata(dir, md, false); err != nil && !errors.Is(err, storage.ErrMetadataConflict) {
		return err
	}
	return nil
}

func codeRepr(namespace string, snapshot map[string]any) string {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return namespace
	}
	return namespace + string(data)
}

func (c *Coordinator) failedError(ref artifact.Ref, dir string, st *storage.State) error {
	msg := ""
	if st.Attempt != nil && st.Attempt.Error != nil {
		msg = st.Attempt.Error.Message
	}
	return &FailedArtifactError{Ref: ref, StatePath: storage.StatePath(dir), Message: msg}
}

// detachAlias severs a migration chain so the original location can be
// recomputed in place. Both sides of every hop get their record
// stamped and the source becomes a plain incomplete artifact again.
func (c *Coordinator) detachAlias(ref artifact.Ref, chain []*storage.MigrationRecord) error {
	srcDir := ref.Dir
	if err := storage.DetachMigration(srcDir, "always-rerun override"); err != nil {
		return err
	}
	for _, rec := range chain {
		// The counterpart record of each hop sits where the redirect
		// points: the payload source for an alias, the destination for
		// a move.
		otherDir := c.DirFor(rec.RedirectTarget())
		if err := storage.DetachMigration(otherDir, "always-rerun override on alias source"); err != nil {
			return err
		}
	}
	if _, err := storage.UpdateState(srcDir, func(st *storage.State) error {
		st.Result = storage.ResultIncomplete
		return nil
	}); err != nil {
		return err
	}
	if err := storage.RemoveSuccessMarker(srcDir); err != nil {
		return err
	}
	c.log.Info("detached alias for forced recompute", "artifact", ref.String(), "hops", len(chain))
	return nil
}
