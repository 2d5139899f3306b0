// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// The furu command inspects and operates an artifact store: listing
// and showing artifacts, applying migrations, serving the dashboard,
// and running pool workers.
//
// Commands that reconstruct objects (migrate, worker) need the
// artifact types compiled in. Deployments embed their own types by
// building a custom main that registers them in buildRegistry.
package main

import (
	"fmt"
	"os"

	"github.com/furulabs/furu/pkg/artifact"
	"github.com/furulabs/furu/pkg/config"
	"github.com/furulabs/furu/pkg/logging"
)

var (
	cfg *config.Config
	log = logging.Default()
)

// buildRegistry is the linkage point for artifact types. The stock
// binary ships empty; custom builds register their namespaces here.
func buildRegistry() (*artifact.Registry, error) {
	return artifact.NewRegistry(), nil
}

func main() {
	defer log.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
