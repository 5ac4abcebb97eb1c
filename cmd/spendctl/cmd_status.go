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
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	statusJSON    bool
	statusProduct string // when set, also show this product's budgets
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health, kill switches, and circuit state",
	Long: `Shows the daemon's health, active kill switches, and the circuit
breaker's state, optionally with one product's budget usage.

Examples:
  spendctl status
  spendctl status --product prod-1
  spendctl status --json`,
	RunE: runStatusCommand,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON for scripting")
	statusCmd.Flags().StringVar(&statusProduct, "product", "", "Also show this product's budget usage")
}

type killSwitchEntry struct {
	Level       string `json:"level"`
	TargetID    string `json:"target_id"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
	ActivatedAt string `json:"activated_at"`
}

type statusReport struct {
	Health       map[string]any             `json:"health"`
	KillSwitches map[string]killSwitchEntry `json:"kill_switches"`
	Circuit      map[string]any             `json:"circuit"`
	Budgets      map[string]any             `json:"budgets,omitempty"`
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	report := statusReport{}

	// /healthz returns 503 in degraded mode; read the body either way.
	if err := doJSON(http.MethodGet, "/healthz", nil, &report.Health); err != nil {
		report.Health = map[string]any{"status": "degraded", "cause": err.Error()}
	}

	var ks struct {
		Active map[string]killSwitchEntry `json:"active"`
	}
	if err := doJSON(http.MethodGet, "/v1/killswitch", nil, &ks); err != nil {
		return err
	}
	report.KillSwitches = ks.Active

	if err := doJSON(http.MethodGet, "/v1/circuit", nil, &report.Circuit); err != nil {
		return err
	}

	if statusProduct != "" {
		if err := doJSON(http.MethodGet, "/v1/budgets/"+statusProduct, nil, &report.Budgets); err != nil {
			return err
		}
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printStatusReport(report)
	return nil
}

func printStatusReport(report statusReport) {
	health, _ := report.Health["status"].(string)
	fmt.Printf("Daemon:  %s", health)
	if cause, ok := report.Health["cause"].(string); ok && cause != "" {
		fmt.Printf(" (%s)", cause)
	}
	fmt.Println()

	if len(report.KillSwitches) == 0 {
		fmt.Println("Kill switches: none active")
	} else {
		fmt.Printf("Kill switches: %d active\n", len(report.KillSwitches))
		for _, entry := range report.KillSwitches {
			scope := entry.Level
			if entry.TargetID != "" {
				scope += " " + entry.TargetID
			}
			fmt.Printf("  [%s] %s (by %s at %s)\n", scope, entry.Reason, entry.TriggeredBy, entry.ActivatedAt)
		}
	}

	state, _ := report.Circuit["state"].(string)
	fmt.Printf("Circuit: %s", state)
	if retry, ok := report.Circuit["retry_in_seconds"].(float64); ok && retry > 0 {
		fmt.Printf(" (retry in %.0fs)", retry)
	}
	fmt.Println()

	if report.Budgets != nil {
		fmt.Printf("Budgets for %s:\n", statusProduct)
		if buckets, ok := report.Budgets["buckets"].(map[string]any); ok {
			for bucket, raw := range buckets {
				state, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				fmt.Printf("  %-12s %v spent of %v\n", bucket, state["spent"], state["cap"])
			}
		}
	}
}
