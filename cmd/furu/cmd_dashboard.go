// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/furulabs/furu/pkg/dashboard"
)

func runDashboard(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner, err := dashboard.NewScanner(cfg, dashboard.WithScannerLogger(log.Slog()))
	if err != nil {
		return err
	}
	defer scanner.Close()

	srv := dashboard.NewServer(scanner, dashboard.WithServerLogger(log.Slog()))
	return srv.Serve(ctx, flagAddr)
}
