// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// GitInfo records the code state that produced an artifact.
type GitInfo struct {
	Commit     string            `json:"commit"`
	Branch     string            `json:"branch,omitempty"`
	Remote     string            `json:"remote,omitempty"`
	Dirty      bool              `json:"dirty"`
	Diff       string            `json:"diff,omitempty"`
	Submodules map[string]string `json:"submodules,omitempty"`
}

// EnvInfo records the producing process.
type EnvInfo struct {
	Host      string   `json:"host"`
	User      string   `json:"user,omitempty"`
	PID       int      `json:"pid"`
	Argv      []string `json:"argv,omitempty"`
	GoVersion string   `json:"go_version"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
}

// Metadata is the write-once record of what an artifact is: the full
// config snapshot (with dependencies embedded), a human-readable repr,
// and provenance.
type Metadata struct {
	Namespace string         `json:"namespace"`
	Hash      string         `json:"hash"`
	Config    map[string]any `json:"config"`
	CodeRepr  string         `json:"code_repr,omitempty"`
	Git       *GitInfo       `json:"git,omitempty"`
	Env       *EnvInfo       `json:"env,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MetadataPath returns the metadata.json path for an artifact directory.
func MetadataPath(dir string) string { return filepath.Join(MetaDir(dir), "metadata.json") }

// ReadMetadata loads metadata.json. Missing file returns (nil, nil).
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(MetadataPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", MetadataPath(dir), err)
	}
	return &md, nil
}

// WriteMetadata persists metadata.json. Metadata is write-once:
// rewriting with identical content is a no-op; rewriting with
// different content fails unless overwrite is set (migration), in
// which case the replacement is logged to events.log.
func WriteMetadata(dir string, md *Metadata, overwrite bool) error {
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return WithStateLock(dir, func() error {
		existing, readErr := os.ReadFile(MetadataPath(dir))
		if readErr == nil {
			if metadataEqual(existing, data) {
				return nil
			}
			if !overwrite {
				return fmt.Errorf("%w: %s", ErrMetadataConflict, MetadataPath(dir))
			}
		} else if !errors.Is(readErr, os.ErrNotExist) {
			return readErr
		}
		if err := writeFileAtomic(MetadataPath(dir), data, 0o644); err != nil {
			return err
		}
		if readErr == nil {
			f, err := os.OpenFile(EventsPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			line, _ := json.Marshal(Event{
				Time: time.Now().UTC(),
				Kind: EventMetadataOverwritten,
				Data: map[string]any{"namespace": md.Namespace, "hash": md.Hash},
			})
			_, err = f.Write(append(line, '\n'))
			return err
		}
		return nil
	})
}

// metadataEqual compares two metadata encodings ignoring created_at,
// so re-running a producer that writes the same content never
// conflicts on the timestamp alone.
func metadataEqual(a, b []byte) bool {
	var ma, mb map[string]json.RawMessage
	if json.Unmarshal(a, &ma) != nil || json.Unmarshal(b, &mb) != nil {
		return bytes.Equal(a, b)
	}
	delete(ma, "created_at")
	delete(mb, "created_at")
	ja, _ := json.Marshal(ma)
	jb, _ := json.Marshal(mb)
	return bytes.Equal(ja, jb)
}

// maxDiffBytes caps the working-tree diff stored in metadata.
const maxDiffBytes = 1 << 20

// CollectEnv snapshots the current process for metadata.
func CollectEnv() *EnvInfo {
	host, _ := os.Hostname()
	info := &EnvInfo{
		Host:      host,
		PID:       os.Getpid(),
		Argv:      os.Args,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if u, err := user.Current(); err == nil {
		info.User = u.Username
	}
	return info
}

// CollectGit inspects the git repository containing repoDir. Returns
// (nil, nil) when repoDir is not inside a work tree. The working-tree
// diff is captured unless ignoreDiff is set, truncated at maxDiffBytes.
func CollectGit(repoDir string, ignoreDiff bool) (*GitInfo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, nil
	}
	inside, err := gitOutput(repoDir, "rev-parse", "--is-inside-work-tree")
	if err != nil || inside != "true" {
		return nil, nil
	}

	info := &GitInfo{}
	info.Commit, err = gitOutput(repoDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	info.Branch, _ = gitOutput(repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	info.Remote, _ = gitOutput(repoDir, "remote", "get-url", "origin")

	status, err := gitOutput(repoDir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	info.Dirty = status != ""

	if info.Dirty && !ignoreDiff {
		diff, err := gitOutput(repoDir, "diff", "HEAD")
		if err == nil {
			if len(diff) > maxDiffBytes {
				diff = diff[:maxDiffBytes] + "\n... (diff truncated)"
			}
			info.Diff = diff
		}
	}

	if subs, err := gitOutput(repoDir, "submodule", "status"); err == nil && subs != "" {
		info.Submodules = map[string]string{}
		for _, line := range strings.Split(subs, "\n") {
			fields := strings.Fields(strings.TrimLeft(line, " +-U"))
			if len(fields) >= 2 {
				info.Submodules[fields[1]] = fields[0]
			}
		}
	}
	return info, nil
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
