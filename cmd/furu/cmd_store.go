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
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/dashboard"
	"github.com/furulabs/furu/pkg/storage"
)

func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func newScanner() (*dashboard.Scanner, error) {
	// The CLI is one-shot; an in-memory cache avoids contending on the
	// dashboard's on-disk cache.
	return dashboard.NewScanner(cfg, dashboard.WithInMemoryCache(),
		dashboard.WithScannerLogger(log.Slog()))
}

func runList(cmd *cobra.Command, args []string) error {
	scanner, err := newScanner()
	if err != nil {
		return err
	}
	defer scanner.Close()

	sums, err := scanner.Scan(flagNamespace)
	if err != nil {
		return err
	}

	var rows []dashboard.Summary
	for _, sum := range sums {
		if flagResultStatus != "" && string(sum.Result) != flagResultStatus {
			continue
		}
		if flagAttemptStatus != "" && string(sum.AttemptStatus) != flagAttemptStatus {
			continue
		}
		rows = append(rows, sum)
	}
	if flagOffset > len(rows) {
		flagOffset = len(rows)
	}
	rows = rows[flagOffset:]
	if flagLimit > 0 && len(rows) > flagLimit {
		rows = rows[:flagLimit]
	}

	if !stdoutIsTTY() {
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n",
				r.Namespace, r.Hash, r.Result, r.AttemptStatus, r.Root)
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tHASH\tRESULT\tATTEMPT\tBACKEND\tROOT\tUPDATED")
	for _, r := range rows {
		updated := ""
		if r.UpdatedAt != nil {
			updated = r.UpdatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Namespace, shortHash(r.Hash), r.Result, r.AttemptStatus,
			r.Backend, r.Root, updated)
	}
	return w.Flush()
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func runShow(cmd *cobra.Command, args []string) error {
	scanner, err := newScanner()
	if err != nil {
		return err
	}
	defer scanner.Close()

	detail, err := scanner.Detail(args[0], args[1], flagEventsTail)
	if err != nil {
		return err
	}
	var data []byte
	if stdoutIsTTY() {
		data, err = json.MarshalIndent(detail, "", "  ")
	} else {
		data, err = json.Marshal(detail)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// findDir locates the artifact directory for (namespace, hash) across
// both storage roots.
func findDir(namespace, hash string) (string, error) {
	for _, root := range []string{cfg.DataRoot(false), cfg.DataRoot(true)} {
		dir := artifact.DirFor(root, namespace, hash)
		if _, err := os.Stat(storage.MetaDir(dir)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("artifact %s:%s not found", namespace, hash)
}

func runEvents(cmd *cobra.Command, args []string) error {
	dir, err := findDir(args[0], args[1])
	if err != nil {
		return err
	}
	events, err := storage.ReadEvents(dir, flagEventsTail)
	if err != nil {
		return err
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %s", ev.Time.Format("2006-01-02 15:04:05.000"), ev.Kind)
		if len(ev.Data) > 0 {
			data, err := json.Marshal(ev.Data)
			if err == nil {
				line += "  " + string(data)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
