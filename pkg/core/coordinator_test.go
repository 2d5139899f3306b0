// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/furulabs/furu/pkg/config"
	"github.com/furulabs/furu/pkg/storage"
)

type testObj struct {
	Seed int `furu:"seed"`

	calls      *int32
	createFn   func(ctx context.Context, dir string) error
	validateFn func(dir string) (bool, error)
	specKey    string
}

func (o *testObj) FuruNamespace() string { return "coretest.Obj" }

func (o *testObj) Create(ctx context.Context, dir string) error {
	if o.calls != nil {
		atomic.AddInt32(o.calls, 1)
	}
	if o.createFn != nil {
		return o.createFn(ctx, dir)
	}
	return os.WriteFile(filepath.Join(dir, "value.txt"), []byte(strconv.Itoa(o.Seed)), 0o644)
}

func (o *testObj) Load(ctx context.Context, dir string) (any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "value.txt"))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (o *testObj) Validate(dir string) (bool, error) {
	if o.validateFn != nil {
		return o.validateFn(dir)
	}
	return true, nil
}

func (o *testObj) SpecKey() string { return o.specKey }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.PollInterval = 20 * time.Millisecond
	cfg.WaitLogEvery = time.Second
	cfg.IgnoreGitDiff = true
	return cfg
}

func TestGetComputesOnceThenCaches(t *testing.T) {
	cfg := testConfig(t)
	coord := New(cfg, nil)
	var calls int32
	obj := &testObj{Seed: 7, calls: &calls}

	v1, err := coord.Get(context.Background(), obj)
	require.NoError(t, err)
	require.Equal(t, "7", v1)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	v2, err := coord.Get(context.Background(), obj)
	require.NoError(t, err)
	require.Equal(t, "7", v2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "second Get must hit the cache")

	ref, err := coord.RefOf(obj)
	require.NoError(t, err)
	require.True(t, storage.HasSuccessMarker(ref.Dir))

	st, err := coord.GetState(obj)
	require.NoError(t, err)
	require.Equal(t, storage.ResultSuccess, st.Result)

	md, err := coord.MetadataOf(obj)
	require.NoError(t, err)
	require.NotNil(t, md)
	require.Equal(t, "coretest.Obj", md.Namespace)
}

func TestGetComputeFailure(t *testing.T) {
	cfg := testConfig(t)
	coord := New(cfg, nil)
	boom := errors.New("boom")
	obj := &testObj{Seed: 1, createFn: func(ctx context.Context, dir string) error {
		return boom
	}}

	_, err := coord.Get(context.Background(), obj)
	var ce *ComputeError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, ce.Attempt)

	st, err := coord.GetState(obj)
	require.NoError(t, err)
	require.Equal(t, storage.ResultFailed, st.Result)
	require.Equal(t, "boom", st.Attempt.Error.Message)

	// The lock must not be left behind after a failure.
	ref, _ := coord.RefOf(obj)
	_, statErr := os.Stat(filepath.Join(storage.MetaDir(ref.Dir), "compute.lock"))
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestGetPanicRecordedAsFailure(t *testing.T) {
	cfg := testConfig(t)
	coord := New(cfg, nil)
	obj := &testObj{Seed: 2, createFn: func(ctx context.Context, dir string) error {
		panic("kaboom")
	}}

	_, err := coord.Get(context.Background(), obj)
	require.ErrorIs(t, err, ErrCompute)

	st, err := coord.GetState(obj)
	require.NoError(t, err)
	require.Equal(t, storage.AttemptFailed, st.Attempt.Status)
	require.NotEmpty(t, st.Attempt.Error.Traceback)
}

func TestRetryFailedPolicy(t *testing.T) {
	t.Run("retry allowed recomputes", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RetryFailed = true
		coord := New(cfg, nil)
		var calls int32
		fail := true
		obj := &testObj{Seed: 3, calls: &calls, createFn: func(ctx context.Context, dir string) error {
			if fail {
				return errors.New("first try fails")
			}
			return os.WriteFile(filepath.Join(dir, "value.txt"), []byte("3"), 0o644)
		}}

		_, err := coord.Get(context.Background(), obj)
		require.Error(t, err)

		fail = false
		v, err := coord.Get(context.Background(), obj)
		require.NoError(t, err)
		require.Equal(t, "3", v)
		require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("retry forbidden surfaces the old failure", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RetryFailed = false
		coord := New(cfg, nil)
		obj := &testObj{Seed: 4, createFn: func(ctx context.Context, dir string) error {
			return errors.New("permanent")
		}}

		_, err := coord.Get(context.Background(), obj)
		require.Error(t, err)

		_, err = coord.Get(context.Background(), obj)
		var fe *FailedArtifactError
		require.ErrorAs(t, err, &fe)
		require.Contains(t, fe.Message, "permanent")
	})
}

func TestValidatorInvalidatesCachedResult(t *testing.T) {
	t.Run("false return triggers recompute", func(t *testing.T) {
		cfg := testConfig(t)
		coord := New(cfg, nil)
		var calls int32
		valid := true
		obj := &testObj{Seed: 5, calls: &calls, validateFn: func(dir string) (bool, error) {
			return valid, nil
		}}

		_, err := coord.Get(context.Background(), obj)
		require.NoError(t, err)

		valid = false
		_, err = coord.Get(context.Background(), obj)
		// The recompute runs, then the freshly computed result loads
		// without re-validating inside the same call.
		require.NoError(t, err)
		require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("validator crash treated as invalid", func(t *testing.T) {
		cfg := testConfig(t)
		coord := New(cfg, nil)
		var calls int32
		crash := false
		obj := &testObj{Seed: 6, calls: &calls, validateFn: func(dir string) (bool, error) {
			if crash {
				crash = false
				return false, errors.New("validator exploded")
			}
			return true, nil
		}}

		_, err := coord.Get(context.Background(), obj)
		require.NoError(t, err)

		crash = true
		_, err = coord.Get(context.Background(), obj)
		require.NoError(t, err)
		require.Equal(t, int32(2), atomic.LoadInt32(&calls))

		ref, _ := coord.RefOf(obj)
		events, err := storage.ReadEvents(ref.Dir, 0)
		require.NoError(t, err)
		var sawInvalidation bool
		for _, ev := range events {
			if ev.Kind == storage.EventResultInvalidated {
				sawInvalidation = true
			}
		}
		require.True(t, sawInvalidation)
	})
}

func TestStrictExecutorMode(t *testing.T) {
	ctxFor := func(spec string) context.Context {
		return WithExecContext(context.Background(), ExecContext{
			SpecKey: spec, RunID: "run1", WorkerID: "w1",
		})
	}

	t.Run("miss raises MissingArtifactError", func(t *testing.T) {
		cfg := testConfig(t)
		coord := New(cfg, nil)
		obj := &testObj{Seed: 10}
		_, err := coord.Get(ctxFor("default"), obj)
		var me *MissingArtifactError
		require.ErrorAs(t, err, &me)
	})

	t.Run("hit loads without computing", func(t *testing.T) {
		cfg := testConfig(t)
		coord := New(cfg, nil)
		var calls int32
		obj := &testObj{Seed: 11, calls: &calls}
		_, err := coord.Get(context.Background(), obj)
		require.NoError(t, err)

		v, err := coord.Get(ctxFor("default"), obj)
		require.NoError(t, err)
		require.Equal(t, "11", v)
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("force with matching spec computes", func(t *testing.T) {
		cfg := testConfig(t)
		coord := New(cfg, nil)
		var calls int32
		obj := &testObj{Seed: 12, calls: &calls, specKey: "gpu"}
		v, err := coord.Get(ctxFor("gpu"), obj, Force())
		require.NoError(t, err)
		require.Equal(t, "12", v)
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("force with mismatched spec rejected", func(t *testing.T) {
		cfg := testConfig(t)
		coord := New(cfg, nil)
		obj := &testObj{Seed: 13, specKey: "gpu"}
		_, err := coord.Get(ctxFor("cpu"), obj, Force())
		var se *SpecMismatchError
		require.ErrorAs(t, err, &se)
		require.Equal(t, "gpu", se.Want)
		require.Equal(t, "cpu", se.Got)
	})
}

func TestConcurrentGetComputesExactlyOnce(t *testing.T) {
	cfg := testConfig(t)
	coord := New(cfg, nil)
	var calls int32
	obj := &testObj{Seed: 20, calls: &calls, createFn: func(ctx context.Context, dir string) error {
		time.Sleep(50 * time.Millisecond)
		return os.WriteFile(filepath.Join(dir, "value.txt"), []byte("20"), 0o644)
	}}

	const goroutines = 6
	var wg sync.WaitGroup
	results := make([]any, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Get(context.Background(), obj)
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "20", results[i])
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls),
		"exactly one goroutine may compute; the rest must wait and load")
}

func TestAlwaysRerun(t *testing.T) {
	cfg := testConfig(t)
	cfg.AlwaysRerun = []string{"coretest.Obj"}
	coord := New(cfg, nil)
	var calls int32
	obj := &testObj{Seed: 30, calls: &calls}

	_, err := coord.Get(context.Background(), obj)
	require.NoError(t, err)
	_, err = coord.Get(context.Background(), obj)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAliasTransparency(t *testing.T) {
	cfg := testConfig(t)
	coord := New(cfg, nil)

	// Target artifact with real content.
	target := &testObj{Seed: 41}
	_, err := coord.Get(context.Background(), target)
	require.NoError(t, err)
	targetRef, err := coord.RefOf(target)
	require.NoError(t, err)

	// Source artifact never computed; its dir redirects to the target.
	source := &testObj{Seed: 40}
	sourceRef, err := coord.RefOf(source)
	require.NoError(t, err)
	_, err = storage.UpdateState(sourceRef.Dir, func(st *storage.State) error {
		st.Result = storage.ResultMigrated
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, storage.WriteMigration(sourceRef.Dir, &storage.MigrationRecord{
		Kind:   storage.MigrationMigrated,
		Policy: "alias",
		From: storage.MigrationEndpoint{
			Namespace: sourceRef.Namespace, Hash: sourceRef.Hash, Root: string(sourceRef.Root)},
		To: storage.MigrationEndpoint{
			Namespace: targetRef.Namespace, Hash: targetRef.Hash, Root: string(targetRef.Root)},
	}))

	// Get on the source must load the target's content without
	// computing anything.
	var calls int32
	source.calls = &calls
	v, err := coord.Get(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, "41", v)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))

	ok, err := coord.Exists(source)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAlwaysRerunDetachesAlias(t *testing.T) {
	cfg := testConfig(t)
	coord := New(cfg, nil)

	target := &testObj{Seed: 51}
	_, err := coord.Get(context.Background(), target)
	require.NoError(t, err)
	targetRef, _ := coord.RefOf(target)

	source := &testObj{Seed: 50}
	sourceRef, _ := coord.RefOf(source)
	_, err = storage.UpdateState(sourceRef.Dir, func(st *storage.State) error {
		st.Result = storage.ResultMigrated
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, storage.WriteMigration(sourceRef.Dir, &storage.MigrationRecord{
		Kind:   storage.MigrationMigrated,
		Policy: "alias",
		From: storage.MigrationEndpoint{
			Namespace: sourceRef.Namespace, Hash: sourceRef.Hash, Root: string(sourceRef.Root)},
		To: storage.MigrationEndpoint{
			Namespace: targetRef.Namespace, Hash: targetRef.Hash, Root: string(targetRef.Root)},
	}))

	// With always-rerun active the alias must detach and the source
	// recompute in place.
	cfg.AlwaysRerun = []string{"coretest.Obj"}
	var calls int32
	source.calls = &calls
	v, err := coord.Get(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, "50", v)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	rec, err := storage.ReadMigration(sourceRef.Dir)
	require.NoError(t, err)
	require.False(t, rec.Active(), "alias record must be detached")
}

func TestAlwaysRerunDetachesAliasDestination(t *testing.T) {
	cfg := testConfig(t)
	coord := New(cfg, nil)

	// The payload sits at the origin; the destination redirects back to
	// it, the way an alias migration leaves the pair.
	origin := &testObj{Seed: 60}
	_, err := coord.Get(context.Background(), origin)
	require.NoError(t, err)
	originRef, _ := coord.RefOf(origin)

	dest := &testObj{Seed: 61}
	destRef, _ := coord.RefOf(dest)

	from := storage.MigrationEndpoint{
		Namespace: originRef.Namespace, Hash: originRef.Hash, Root: string(originRef.Root)}
	to := storage.MigrationEndpoint{
		Namespace: destRef.Namespace, Hash: destRef.Hash, Root: string(destRef.Root)}

	_, err = storage.UpdateState(destRef.Dir, func(st *storage.State) error {
		st.Result = storage.ResultMigrated
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, storage.WriteMigration(destRef.Dir, &storage.MigrationRecord{
		Kind: storage.MigrationAlias, Policy: "alias", From: from, To: to}))
	require.NoError(t, storage.WriteMigration(originRef.Dir, &storage.MigrationRecord{
		Kind: storage.MigrationMigrated, Policy: "alias", From: from, To: to}))

	// Forcing the destination must sever both sides of the hop and
	// recompute in place.
	cfg.AlwaysRerun = []string{"coretest.Obj"}
	var calls int32
	dest.calls = &calls
	v, err := coord.Get(context.Background(), dest)
	require.NoError(t, err)
	require.Equal(t, "61", v)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	destRec, err := storage.ReadMigration(destRef.Dir)
	require.NoError(t, err)
	require.False(t, destRec.Active())
	originRec, err := storage.ReadMigration(originRef.Dir)
	require.NoError(t, err)
	require.False(t, originRec.Active(), "the payload-source record must detach too")
}
