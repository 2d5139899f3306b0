// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/furulabs/furu/pkg/core"
	"github.com/furulabs/furu/pkg/executor"
)

func runWorker(cmd *cobra.Command, args []string) error {
	idleTimeout, err := time.ParseDuration(flagIdleTimeout)
	if err != nil {
		return fmt.Errorf("parsing --idle-timeout: %w", err)
	}
	runRoot := flagRunDir
	if runRoot == "" {
		runRoot = cfg.Runs()
	}

	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	coord := core.New(cfg, reg, core.WithLogger(log.Slog()))

	// SIGTERM is how the scheduler preempts us; the worker requeues its
	// current task and the compute path marks the attempt preempted.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = executor.WorkerMain(ctx, coord, executor.WorkerOptions{
		RunRoot:     runRoot,
		RunID:       flagRunID,
		SpecKey:     flagSpec,
		IdleTimeout: idleTimeout,
		Heartbeat:   cfg.HeartbeatInterval,
		Logger:      log.Slog(),
	})
	if errors.Is(err, context.Canceled) {
		// Preemption is a normal exit.
		return nil
	}
	return err
}
