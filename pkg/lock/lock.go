// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock implements the per-artifact compute lock.
//
// The lock is a file `.meta/compute.lock` inside the artifact
// directory, claimed with O_CREATE|O_EXCL and filled in via temp-file +
// atomic rename. The file carries a random owner token, the owner's
// identity, and a lease deadline that heartbeats push forward.
//
// Correctness rules:
//
//   - A process only ever unlinks a lock file whose token it owns, or
//     a lock it is taking over after re-reading and re-verifying the
//     exact token it judged stale. No holder can delete a lock that
//     was refreshed underneath it.
//   - A lease past its deadline is not enough for takeover: the state
//     file's attempt heartbeat counts as liveness evidence too. Only
//     when both the lease is expired and heartbeat evidence is absent
//     or old does takeover proceed.
//   - A lock file with missing timestamps (partial write, clock
//     trouble) is never judged stale on first sight; staleness starts
//     counting from when we first observed it.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/furulabs/furu/pkg/storage"
)

// Info is the content of compute.lock.
type Info struct {
	Token          string        `json:"token"`
	Owner          storage.Owner `json:"owner"`
	AcquiredAt     time.Time     `json:"acquired_at"`
	LeaseExpiresAt time.Time     `json:"lease_expires_at"`
}

// Options configures acquisition.
type Options struct {
	// Backend names the executor recording the attempt ("local",
	// "cluster", "worker-pool").
	Backend string

	// Lease is how far each heartbeat pushes the deadline.
	Lease time.Duration

	// Heartbeat is the KeepAlive refresh interval.
	Heartbeat time.Duration

	// StaleAfter bounds how old heartbeat evidence may be before a
	// lapsed lease becomes eligible for takeover.
	StaleAfter time.Duration

	// MaxWait bounds Acquire's blocking wait. Zero waits forever.
	MaxWait time.Duration

	// PollInterval is the fallback wakeup period while waiting.
	PollInterval time.Duration

	// WaitLogEvery throttles the "still waiting" log line.
	WaitLogEvery time.Duration

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Backend == "" {
		out.Backend = "local"
	}
	if out.Lease <= 0 {
		out.Lease = 2 * time.Minute
	}
	if out.Heartbeat <= 0 {
		out.Heartbeat = out.Lease / 3
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 30 * time.Minute
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.WaitLogEvery <= 0 {
		out.WaitLogEvery = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Path returns the compute lock location for an artifact directory.
func Path(dir string) string {
	return filepath.Join(storage.MetaDir(dir), "compute.lock")
}

// Handle is a held compute lock.
type Handle struct {
	dir      string
	token    string
	opts     Options
	released atomic.Bool
	done     atomic.Bool
}

// Token exposes the owner token, mainly for tests and diagnostics.
func (h *Handle) Token() string { return h.token }

// Dir returns the locked artifact directory.
func (h *Handle) Dir() string { return h.dir }

// firstSeen tracks when this process first observed a lock file with
// missing timestamps, keyed by path+token. Staleness for such files
// counts from the first observation, never from zero.
var firstSeen sync.Map

func firstSeenKey(path, token string) string { return path + "\x00" + token }

// TryAcquire attempts one claim without waiting. On contention it
// evaluates staleness and may take over a dead holder's lock; a live
// holder yields ErrHeld wrapped with the holder identity.
func TryAcquire(dir string, opts Options) (*Handle, error) {
	o := opts.withDefaults()
	meta := storage.MetaDir(dir)
	if err := os.MkdirAll(meta, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", meta, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		h, err := claim(dir, o)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		info, readErr := readInfo(Path(dir))
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				// Holder released between claim and read; retry.
				continue
			}
			return nil, readErr
		}
		stale, why := judgeStale(dir, info, o)
		if !stale {
			return nil, fmt.Errorf("%w: owner %s pid %d since %s",
				ErrHeld, info.Owner.Host, info.Owner.PID,
				info.AcquiredAt.Format(time.RFC3339))
		}
		if err := takeOver(dir, info, why, o); err != nil {
			if errors.Is(err, ErrNotOwner) {
				// Lock changed while we were deciding; treat as held.
				return nil, fmt.Errorf("%w: refreshed during takeover", ErrHeld)
			}
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: claim raced repeatedly", ErrHeld)
}

// Acquire claims the lock, waiting for the current holder when
// necessary. Waiting uses filesystem notifications on the .meta
// directory with a polling fallback, up to MaxWait.
func Acquire(ctx context.Context, dir string, opts Options) (*Handle, error) {
	o := opts.withDefaults()
	deadline := time.Time{}
	if o.MaxWait > 0 {
		deadline = time.Now().Add(o.MaxWait)
	}
	var lastLog time.Time

	for {
		h, err := TryAcquire(dir, o)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: after %s: %v", ErrWaitTimeout, o.MaxWait, err)
		}
		if time.Since(lastLog) >= o.WaitLogEvery {
			o.Logger.Info("waiting for compute lock", "dir", dir, "holder", err.Error())
			lastLog = time.Now()
		}
		waitTimeout := o.PollInterval
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < waitTimeout {
				waitTimeout = remaining
			}
		}
		if err := WaitForChange(ctx, storage.MetaDir(dir), waitTimeout); err != nil {
			return nil, err
		}
	}
}

// claim does the O_EXCL create, then fills the file via atomic rename
// so no reader ever sees a half-written lock.
func claim(dir string, o Options) (*Handle, error) {
	path := Path(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()

	now := time.Now().UTC()
	info := Info{
		Token:          uuid.NewString(),
		Owner:          selfOwner(),
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(o.Lease),
	}
	if err := writeInfo(path, &info); err != nil {
		os.Remove(path)
		return nil, err
	}

	if _, err := storage.StartAttempt(dir, o.Backend, &info.Owner); err != nil {
		os.Remove(path)
		return nil, err
	}

	return &Handle{dir: dir, token: info.Token, opts: o}, nil
}

// judgeStale decides whether a holder is dead. Both conditions must
// hold: the lease is past its deadline, and the state file offers no
// recent heartbeat evidence.
func judgeStale(dir string, info *Info, o Options) (bool, string) {
	now := time.Now()

	if info.LeaseExpiresAt.IsZero() || info.AcquiredAt.IsZero() {
		key := firstSeenKey(Path(dir), info.Token)
		seen, _ := firstSeen.LoadOrStore(key, now)
		if now.Sub(seen.(time.Time)) < o.StaleAfter {
			return false, ""
		}
		return true, "lock file has no timestamps and has not changed since first observed"
	}

	if now.Before(info.LeaseExpiresAt) {
		return false, ""
	}

	st, err := storage.ReadState(dir)
	if err == nil && st.Attempt != nil && st.Attempt.Status.Active() && st.Attempt.HeartbeatAt != nil {
		if now.Sub(*st.Attempt.HeartbeatAt) < o.StaleAfter {
			return false, ""
		}
	}
	return true, fmt.Sprintf("lease expired at %s with no heartbeat evidence",
		info.LeaseExpiresAt.Format(time.RFC3339))
}

// takeOver removes a stale lock. It re-reads the file immediately
// before unlinking and verifies the token still matches the one judged
// stale; any change means the holder (or another claimant) is alive.
func takeOver(dir string, observed *Info, why string, o Options) error {
	path := Path(dir)
	current, err := readInfo(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if current.Token != observed.Token {
		return ErrNotOwner
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	firstSeen.Delete(firstSeenKey(path, observed.Token))
	o.Logger.Warn("took over stale compute lock",
		"dir", dir, "prev_owner", observed.Owner.Host, "prev_pid", observed.Owner.PID,
		"reason", why)
	_ = storage.AppendEvent(dir, storage.Event{Kind: storage.EventLockTakenOver, Data: map[string]any{
		"prev_token": observed.Token,
		"prev_host":  observed.Owner.Host,
		"prev_pid":   observed.Owner.PID,
		"reason":     why,
	}})
	if _, _, err := storage.Reconcile(dir, 0); err != nil {
		return err
	}
	return nil
}

// Heartbeat extends the lease and refreshes the attempt heartbeat. A
// token mismatch means the lock was taken over: the caller must abort
// its compute.
func (h *Handle) Heartbeat() error {
	if h.released.Load() {
		return ErrNotOwner
	}
	path := Path(h.dir)
	info, err := readInfo(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: lock file gone", ErrNotOwner)
		}
		return err
	}
	if info.Token != h.token {
		return fmt.Errorf("%w: token changed", ErrNotOwner)
	}
	info.LeaseExpiresAt = time.Now().UTC().Add(h.opts.Lease)
	if err := writeInfo(path, info); err != nil {
		return err
	}
	return storage.HeartbeatAttempt(h.dir)
}

// KeepAlive heartbeats until ctx is cancelled. It returns ErrNotOwner
// if the lease is lost, which the caller should treat as a signal to
// stop computing.
func (h *Handle) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Heartbeat(); err != nil {
				if errors.Is(err, ErrNotOwner) {
					return err
				}
				h.opts.Logger.Warn("compute lock heartbeat failed",
					"dir", h.dir, "error", err)
			}
		}
	}
}

// MarkDone records that the caller persisted a terminal outcome, so
// Release must not mark the attempt crashed.
func (h *Handle) MarkDone() { h.done.Store(true) }

// Release unlinks the lock if and only if the on-disk token is still
// ours. If no terminal outcome was recorded (MarkDone), the attempt is
// marked crashed first. Safe to call more than once.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if !h.done.Load() {
		if st, err := storage.ReadState(h.dir); err == nil &&
			st.Attempt != nil && st.Attempt.Status.Active() {
			_, _ = storage.MarkCrashed(h.dir, "lock released without recorded outcome")
		}
	}
	path := Path(h.dir)
	info, err := readInfo(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Token != h.token {
		return fmt.Errorf("%w: not unlinking foreign lock", ErrNotOwner)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		// A claimed-but-not-yet-filled lock file reads as empty Info;
		// judgeStale handles the missing timestamps.
		if len(strings.TrimSpace(string(data))) == 0 {
			return &Info{}, nil
		}
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &info, nil
}

func writeInfo(path string, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".compute.lock.tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func selfOwner() storage.Owner {
	host, _ := os.Hostname()
	owner := storage.Owner{Host: host, PID: os.Getpid()}
	if u, err := user.Current(); err == nil {
		owner.User = u.Username
	}
	if len(os.Args) > 0 {
		owner.Command = strings.Join(os.Args, " ")
	}
	return owner
}
