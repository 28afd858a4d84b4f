// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func loadCmd() *cobra.Command {
	var (
		backend      string
		autoDownload bool
		allowUnsafe  bool
		keepAlive    int
	)
	cmd := &cobra.Command{
		Use:   "load <model-id>",
		Short: "Load a model into memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"model_id":                  args[0],
				"auto_download":             autoDownload,
				"allow_unsupported_runtime": allowUnsafe,
			}
			if backend != "" {
				body["backend"] = backend
			}
			if keepAlive > 0 {
				body["keep_alive_sec"] = keepAlive
			}
			var out map[string]any
			if err := postJSON(daemonURL, "/admin/models/load", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "preferred backend kind")
	cmd.Flags().BoolVar(&autoDownload, "auto-download", false, "download the model if it isn't local")
	cmd.Flags().BoolVar(&allowUnsafe, "allow-unsupported-runtime", false, "load even if compatibility is unknown")
	cmd.Flags().IntVar(&keepAlive, "keep-alive-sec", 0, "override the default keep-alive")
	return cmd
}

func unloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload <model-id>",
		Short: "Unload a model from memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := postJSON(daemonURL, "/admin/models/unload", map[string]any{"model_id": args[0]}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func probeCmd() *cobra.Command {
	var timeoutSec int
	cmd := &cobra.Command{
		Use:   "probe <model-id>",
		Short: "Probe every configured backend's compatibility with a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]any{"model_id": args[0], "timeout_sec": timeoutSec}
			if err := postJSON(daemonURL, "/admin/models/probe", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().IntVar(&timeoutSec, "timeout-sec", 30, "per-backend probe timeout")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show currently loaded models",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(daemonURL, "/admin/status", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
