// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command spendctl is the operator CLI for a running spendguard daemon.
//
// Examples:
//
//	spendctl status
//	spendctl kill --level system --reason "anomalous spend"
//	spendctl kill --level product --target prod-1 --reason "runaway campaign"
//	spendctl clear --level system
//	spendctl verify-ledger --state-dir ~/.spendguard
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var daemonAddr string

var rootCmd = &cobra.Command{
	Use:   "spendctl",
	Short: "Operate the spendguard spend safety daemon",
	Long: `spendctl controls a running spendguard daemon.

The kill, clear, and status commands talk to the daemon's HTTP API so
every action lands in the daemon's event log. verify-ledger reads the
event log directly and works with the daemon stopped.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:8900",
		"Base URL of the spendguard daemon")
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyLedgerCmd)
}
