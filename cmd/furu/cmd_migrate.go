// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/migrate"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	from, to := args[0], args[1]

	policy := migrate.Policy(flagPolicy)
	switch policy {
	case migrate.PolicyAlias, migrate.PolicyMove, migrate.PolicyCopy:
	default:
		return fmt.Errorf("unknown policy %q (want alias, move or copy)", flagPolicy)
	}
	conflict := migrate.Conflict(flagConflict)
	switch conflict {
	case migrate.ConflictThrow, migrate.ConflictSkip, migrate.ConflictOverwrite:
	default:
		return fmt.Errorf("unknown conflict mode %q (want throw, skip or overwrite)", flagConflict)
	}

	values, err := parseSetFlags(flagSet)
	if err != nil {
		return err
	}

	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	coord := core.New(cfg, reg, core.WithLogger(log.Slog()))
	engine := migrate.NewEngine(coord, migrate.WithLogger(log.Slog()))

	cands, err := engine.FindCandidates(from, to, migrate.Options{
		DropFields:    flagDrop,
		DefaultFields: flagDefault,
		DefaultValues: values,
	})
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		cmd.Println("nothing to migrate")
		return nil
	}

	applyOpts := migrate.ApplyOptions{
		Policy:    policy,
		Conflict:  conflict,
		NoCascade: flagNoCascade,
		DryRun:    flagDryRun,
	}
	verb := "migrated"
	if flagDryRun {
		verb = "would migrate"
	}
	for _, cand := range cands {
		if err := engine.Apply(cmd.Context(), cand, applyOpts); err != nil {
			return fmt.Errorf("migrating %s:%s: %w", cand.From.Namespace, cand.From.Hash, err)
		}
		cmd.Printf("%s %s:%s -> %s:%s (%s)\n",
			verb, cand.From.Namespace, cand.From.Hash,
			cand.To.Namespace, cand.To.Hash, policy)
	}
	return nil
}

// parseSetFlags turns --set key=value pairs into field values. Values
// parse as JSON when possible so numbers, booleans and structures come
// through typed; anything else stays a string.
func parseSetFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed --set %q (want key=value)", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
