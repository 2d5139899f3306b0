// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event kinds written to events.log.
const (
	EventAttemptQueued       = "attempt_queued"
	EventAttemptStarted      = "attempt_started"
	EventAttemptFinished     = "attempt_finished"
	EventResultInvalidated   = "result_invalidated"
	EventMigrated            = "migrated"
	EventMigrationOverwrite  = "migration_overwrite"
	EventLockTakenOver       = "lock_taken_over"
	EventMetadataOverwritten = "metadata_overwritten"
)

// Event is one line of the append-only per-artifact audit log.
type Event struct {
	Time time.Time      `json:"time"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// EventsPath returns the events.log path for an artifact directory.
func EventsPath(dir string) string { return filepath.Join(MetaDir(dir), "events.log") }

// AppendEvent appends one JSON line to events.log. The write happens
// under the state lock so concurrent appenders never interleave bytes.
func AppendEvent(dir string, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.Kind, err)
	}
	return WithStateLock(dir, func() error {
		f, err := os.OpenFile(EventsPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(append(line, '\n'))
		return err
	})
}

// ReadEvents returns the most recent events, oldest first. limit <= 0
// returns everything. Unparseable lines are skipped; a torn final line
// from a crashed writer must not poison the log.
func ReadEvents(dir string, limit int) ([]Event, error) {
	f, err := os.Open(EventsPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
