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
	"strings"

	"github.com/spf13/cobra"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Submit and inspect multi-agent runs",
	}
	cmd.AddCommand(agentsSubmitCmd())
	cmd.AddCommand(agentsGetCmd())
	cmd.AddCommand(agentsCancelCmd())
	return cmd
}

func agentsSubmitCmd() *cobra.Command {
	var (
		roles    []string
		strategy string
		model    string
		prompt   string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new agent run",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"strategy": strategy,
				"prompt":   prompt,
				"roles":    roles,
			}
			if model != "" {
				body["model"] = model
			}
			var out map[string]any
			if err := postJSON(daemonURL, "/v1/agents/runs", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role name, repeatable")
	cmd.Flags().StringVar(&strategy, "strategy", "handoff", "handoff or parallel_map")
	cmd.Flags().StringVar(&model, "model", "", "default model for every role")
	cmd.Flags().StringVar(&prompt, "prompt", "", "the run's starting prompt")
	return cmd
}

func agentsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Fetch a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(daemonURL, "/v1/agents/runs/"+strings.TrimSpace(args[0]), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func agentsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := postJSON(daemonURL, "/v1/agents/runs/"+strings.TrimSpace(args[0])+"/cancel", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}
