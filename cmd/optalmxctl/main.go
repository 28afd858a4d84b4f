// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command optalmxctl is the cobra CLI for talking to a running optalmxd
// daemon: load/unload/probe models, check status, and submit agent runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var daemonURL string

var rootCmd = &cobra.Command{
	Use:   "optalmxctl",
	Short: "Control a running opta-lmx daemon",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&daemonURL, "url", getDaemonBaseURL(), "base URL of the optalmxd daemon")

	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(unloadCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agentsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getDaemonBaseURL resolves the daemon address from OPTALMX_URL, falling
// back to the default local port.
func getDaemonBaseURL() string {
	if url := os.Getenv("OPTALMX_URL"); url != "" {
		return url
	}
	return "http://127.0.0.1:8911"
}
