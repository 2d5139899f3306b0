// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/config"
	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/storage"
)

type item struct {
	Name string          `furu:"name"`
	Dep  artifact.Object `furu:"dep"`
	Boom bool            `furu:"boom"`
}

func (i *item) FuruNamespace() string { return "dashtest.Item" }

func (i *item) Create(ctx context.Context, dir string) error {
	if i.Boom {
		return fmt.Errorf("induced failure")
	}
	return os.WriteFile(filepath.Join(dir, "out"), []byte(i.Name), 0o644)
}

func (i *item) Load(ctx context.Context, dir string) (any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "out"))
	return string(data), err
}

type fixture struct {
	cfg     *config.Config
	coord   *core.Coordinator
	scanner *Scanner
	srv     *httptest.Server
}

// newFixture creates a store with a success (with one dependency) and
// a failure, and serves the dashboard over it.
func newFixture(t *testing.T) (*fixture, *item, *item, *item) {
	t.Helper()
	reg := artifact.NewRegistry()
	_, err := artifact.Register(reg, func() artifact.Object { return &item{} })
	require.NoError(t, err)
	cfg := config.Default(t.TempDir())
	cfg.IgnoreGitDiff = true
	coord := core.New(cfg, reg)

	dep := &item{Name: "dep"}
	good := &item{Name: "good", Dep: dep}
	bad := &item{Name: "bad", Boom: true}

	_, err = coord.Get(context.Background(), dep)
	require.NoError(t, err)
	_, err = coord.Get(context.Background(), good)
	require.NoError(t, err)
	_, err = coord.Get(context.Background(), bad)
	require.Error(t, err)

	scanner, err := NewScanner(cfg, WithInMemoryCache())
	require.NoError(t, err)
	t.Cleanup(func() { scanner.Close() })

	srv := httptest.NewServer(NewServer(scanner).Handler())
	t.Cleanup(srv.Close)
	return &fixture{cfg: cfg, coord: coord, scanner: scanner, srv: srv}, dep, good, bad
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func hashOf(t *testing.T, coord *core.Coordinator, obj artifact.Object) string {
	t.Helper()
	ref, err := coord.RefOf(obj)
	require.NoError(t, err)
	return ref.Hash
}

func TestHealth(t *testing.T) {
	fx, _, _, _ := newFixture(t)
	code := getJSON(t, fx.srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestListArtifacts(t *testing.T) {
	fx, _, _, _ := newFixture(t)

	t.Run("lists everything", func(t *testing.T) {
		var body struct {
			Total     int       `json:"total"`
			Artifacts []Summary `json:"artifacts"`
		}
		code := getJSON(t, fx.srv.URL+"/api/artifacts", &body)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, 3, body.Total)
		require.Len(t, body.Artifacts, 3)
	})

	t.Run("filters by result status", func(t *testing.T) {
		var body struct {
			Total     int       `json:"total"`
			Artifacts []Summary `json:"artifacts"`
		}
		code := getJSON(t, fx.srv.URL+"/api/artifacts?result_status=failed", &body)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, 1, body.Total)
		require.Equal(t, storage.ResultFailed, body.Artifacts[0].Result)
	})

	t.Run("filters by namespace prefix", func(t *testing.T) {
		var body struct {
			Total int `json:"total"`
		}
		code := getJSON(t, fx.srv.URL+"/api/artifacts?namespace=dashtest", &body)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, 3, body.Total)

		code = getJSON(t, fx.srv.URL+"/api/artifacts?namespace=other", &body)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, 0, body.Total)
	})

	t.Run("pages with limit and offset", func(t *testing.T) {
		var body struct {
			Total     int       `json:"total"`
			Artifacts []Summary `json:"artifacts"`
		}
		code := getJSON(t, fx.srv.URL+"/api/artifacts?limit=2", &body)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, 3, body.Total)
		require.Len(t, body.Artifacts, 2)

		code = getJSON(t, fx.srv.URL+"/api/artifacts?limit=2&offset=2", &body)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, body.Artifacts, 1)
	})
}

func TestArtifactDetail(t *testing.T) {
	fx, _, good, _ := newFixture(t)
	hash := hashOf(t, fx.coord, good)

	var detail Detail
	code := getJSON(t, fmt.Sprintf("%s/api/artifacts/detail?namespace=%s&hash=%s",
		fx.srv.URL, good.FuruNamespace(), hash), &detail)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, storage.ResultSuccess, detail.Summary.Result)
	require.True(t, detail.Summary.HasMarker)
	require.NotNil(t, detail.Metadata)
	require.Equal(t, hash, detail.Metadata.Hash)
	require.NotEmpty(t, detail.Events)

	t.Run("unknown artifact is 404", func(t *testing.T) {
		code := getJSON(t, fx.srv.URL+"/api/artifacts/detail?namespace=dashtest.Item&hash=nope", nil)
		require.Equal(t, http.StatusNotFound, code)
	})

	t.Run("missing identity is 400", func(t *testing.T) {
		code := getJSON(t, fx.srv.URL+"/api/artifacts/detail?namespace=dashtest.Item", nil)
		require.Equal(t, http.StatusBadRequest, code)
	})
}

func TestArtifactRelations(t *testing.T) {
	fx, dep, good, _ := newFixture(t)
	depHash := hashOf(t, fx.coord, dep)
	goodHash := hashOf(t, fx.coord, good)

	t.Run("dependencies come from the snapshot", func(t *testing.T) {
		var rel Relations
		code := getJSON(t, fmt.Sprintf("%s/api/artifacts/relations?namespace=%s&hash=%s",
			fx.srv.URL, good.FuruNamespace(), goodHash), &rel)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, []RefEdge{{Namespace: dep.FuruNamespace(), Hash: depHash}}, rel.Dependencies)
	})

	t.Run("dependents come from other snapshots", func(t *testing.T) {
		var rel Relations
		code := getJSON(t, fmt.Sprintf("%s/api/artifacts/relations?namespace=%s&hash=%s",
			fx.srv.URL, dep.FuruNamespace(), depHash), &rel)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, []RefEdge{{Namespace: good.FuruNamespace(), Hash: goodHash}}, rel.Dependents)
	})
}

func TestStats(t *testing.T) {
	fx, _, _, _ := newFixture(t)
	var stats Stats
	code := getJSON(t, fx.srv.URL+"/api/stats", &stats)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.ByResult[storage.ResultSuccess])
	require.Equal(t, 1, stats.ByResult[storage.ResultFailed])
	require.Equal(t, 3, stats.ByNamespace["dashtest.Item"])
}

func TestMetricsEndpoint(t *testing.T) {
	fx, _, _, _ := newFixture(t)
	resp, err := http.Get(fx.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScanCacheInvalidation(t *testing.T) {
	fx, _, good, _ := newFixture(t)
	hash := hashOf(t, fx.coord, good)

	first, err := fx.scanner.Scan("")
	require.NoError(t, err)
	var before Summary
	for _, sum := range first {
		if sum.Hash == hash {
			before = sum
		}
	}
	require.Equal(t, storage.ResultSuccess, before.Result)

	// Cached scan agrees.
	second, err := fx.scanner.Scan("")
	require.NoError(t, err)
	require.Equal(t, first, second)

	// A state change must be visible on the next scan.
	ref, err := fx.coord.RefOf(good)
	require.NoError(t, err)
	_, err = storage.InvalidateResult(ref.Dir, "test invalidation")
	require.NoError(t, err)

	third, err := fx.scanner.Scan("")
	require.NoError(t, err)
	for _, sum := range third {
		if sum.Hash == hash {
			require.Equal(t, storage.ResultIncomplete, sum.Result)
		}
	}
}
