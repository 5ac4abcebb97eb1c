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
	"fmt"
	"net/http"
	"net/url"
	"os/user"

	"github.com/spf13/cobra"
)

var (
	killLevel  string // system, product, or channel
	killTarget string // product or channel ID for scoped levels
	killReason string
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Activate a kill switch to halt spend",
	Long: `Activates a kill switch on the daemon.

A system-level switch halts all spend. Product and channel switches halt
only their target and require --target.

Examples:
  spendctl kill --level system --reason "anomalous spend"
  spendctl kill --level product --target prod-1 --reason "runaway campaign"`,
	RunE: runKillCommand,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear a kill switch and resume spend",
	Long: `Clears a previously activated kill switch.

Examples:
  spendctl clear --level system
  spendctl clear --level product --target prod-1`,
	RunE: runClearCommand,
}

func init() {
	killCmd.Flags().StringVar(&killLevel, "level", "", "Scope: system, product, or channel (required)")
	killCmd.Flags().StringVar(&killTarget, "target", "", "Target ID for product/channel level")
	killCmd.Flags().StringVar(&killReason, "reason", "", "Why the switch is being pulled (required)")
	killCmd.MarkFlagRequired("level")
	killCmd.MarkFlagRequired("reason")

	clearCmd.Flags().StringVar(&killLevel, "level", "", "Scope: system, product, or channel (required)")
	clearCmd.Flags().StringVar(&killTarget, "target", "", "Target ID for product/channel level")
	clearCmd.MarkFlagRequired("level")
}

func runKillCommand(cmd *cobra.Command, args []string) error {
	payload := map[string]string{
		"level":        killLevel,
		"target_id":    killTarget,
		"reason":       killReason,
		"triggered_by": operatorName(),
	}

	var resp struct {
		Active map[string]any `json:"active"`
	}
	if err := doJSON(http.MethodPost, "/v1/killswitch", payload, &resp); err != nil {
		return err
	}

	fmt.Printf("Kill switch activated (%s", killLevel)
	if killTarget != "" {
		fmt.Printf(" %s", killTarget)
	}
	fmt.Printf("). %d switch(es) now active.\n", len(resp.Active))
	return nil
}

func runClearCommand(cmd *cobra.Command, args []string) error {
	query := url.Values{"level": {killLevel}}
	if killTarget != "" {
		query.Set("target_id", killTarget)
	}

	var resp struct {
		Active map[string]any `json:"active"`
	}
	if err := doJSON(http.MethodDelete, "/v1/killswitch?"+query.Encode(), nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Kill switch cleared. %d switch(es) still active.\n", len(resp.Active))
	return nil
}

// operatorName stamps activations with who pulled the switch.
func operatorName() string {
	u, err := user.Current()
	if err != nil {
		return "spendctl"
	}
	return "spendctl:" + u.Username
}
