// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/furulabs/furu/pkg/config"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	// list/show filters
	flagNamespace     string
	flagResultStatus  string
	flagAttemptStatus string
	flagLimit         int
	flagOffset        int
	flagEventsTail    int

	// migrate
	flagPolicy    string
	flagConflict  string
	flagNoCascade bool
	flagDryRun    bool
	flagSet       []string
	flagDefault   []string
	flagDrop      []string

	// dashboard
	flagAddr string

	// worker
	flagRunDir      string
	flagRunID       string
	flagSpec        string
	flagIdleTimeout string

	rootCmd = &cobra.Command{
		Use:   "furu",
		Short: "Inspect and operate a furu artifact store",
		Long: `furu is a content-addressed artifact cache. This CLI reads and
operates the store: listing artifacts, inspecting their state and
history, applying schema migrations, serving the dashboard, and
running worker-pool workers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List artifacts in the store",
		RunE:  runList,
	}

	showCmd = &cobra.Command{
		Use:   "show <namespace> <hash>",
		Short: "Show one artifact's state, metadata and migration record",
		Args:  cobra.ExactArgs(2),
		RunE:  runShow,
	}

	eventsCmd = &cobra.Command{
		Use:   "events <namespace> <hash>",
		Short: "Print an artifact's event history",
		Args:  cobra.ExactArgs(2),
		RunE:  runEvents,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate <from-namespace> <to-namespace>",
		Short: "Migrate artifacts from one schema to another",
		Long: `Discovers every successful artifact of the source namespace,
transforms its config onto the target type (dropping fields, filling
class defaults, setting explicit values), and applies the chosen
policy: alias (redirect, payload stays), move (payload relocates) or
copy. Dependent artifacts are rewritten and migrated in cascade
unless --no-cascade is given.`,
		Args: cobra.ExactArgs(2),
		RunE: runMigrate,
	}

	dashboardCmd = &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the read-only dashboard API",
		RunE:  runDashboard,
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a worker-pool worker against a run's task queue",
		RunE:  runWorker,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the furu version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("furu", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&flagNamespace, "namespace", "", "Namespace prefix filter")
	listCmd.Flags().StringVar(&flagResultStatus, "result", "", "Result status filter (incomplete, success, failed, migrated)")
	listCmd.Flags().StringVar(&flagAttemptStatus, "attempt", "", "Attempt status filter (queued, running, ...)")
	listCmd.Flags().IntVar(&flagLimit, "limit", 0, "Maximum rows (0 = all)")
	listCmd.Flags().IntVar(&flagOffset, "offset", 0, "Rows to skip")

	rootCmd.AddCommand(showCmd)
	showCmd.Flags().IntVar(&flagEventsTail, "events", 20, "Number of trailing events to include")

	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntVar(&flagEventsTail, "tail", 0, "Only the last N events (0 = all)")

	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&flagPolicy, "policy", "alias", "Migration policy: alias, move or copy")
	migrateCmd.Flags().StringVar(&flagConflict, "conflict", "throw", "Conflict resolution when the destination exists: throw, skip or overwrite")
	migrateCmd.Flags().BoolVar(&flagNoCascade, "no-cascade", false, "Do not rewrite and migrate dependent artifacts")
	migrateCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Validate and report without writing anything")
	migrateCmd.Flags().StringArrayVar(&flagSet, "set", nil, "Set a target field explicitly (key=value, JSON values accepted)")
	migrateCmd.Flags().StringArrayVar(&flagDefault, "default", nil, "Fill a target field from its class default")
	migrateCmd.Flags().StringArrayVar(&flagDrop, "drop", nil, "Drop a source field before transforming")

	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().StringVar(&flagAddr, "addr", ":8265", "Listen address")

	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&flagRunDir, "run-dir", "", "Run directory root (defaults to the configured run root)")
	workerCmd.Flags().StringVar(&flagRunID, "run-id", "", "Run ID whose queue to serve (required)")
	workerCmd.Flags().StringVar(&flagSpec, "spec", "default", "Spec key partition to serve")
	workerCmd.Flags().StringVar(&flagIdleTimeout, "idle-timeout", "5m", "Exit after this long without claimable work (0 = never)")
	_ = workerCmd.MarkFlagRequired("run-id")

	rootCmd.AddCommand(versionCmd)
}
