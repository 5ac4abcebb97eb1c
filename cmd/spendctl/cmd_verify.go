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
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/config"
	"github.com/3duardoambrosio-bit/trendify-f1/services/spend/ledger"
)

var verifyStateDir string

var verifyLedgerCmd = &cobra.Command{
	Use:   "verify-ledger",
	Short: "Verify the event log's hash chain offline",
	Long: `Walks the event log in the state directory and verifies the hash
chain and sequence continuity. Works with the daemon stopped; reports
the first broken sequence on failure.

Examples:
  spendctl verify-ledger
  spendctl verify-ledger --state-dir /var/lib/spendguard`,
	RunE: runVerifyLedgerCommand,
}

func init() {
	verifyLedgerCmd.Flags().StringVar(&verifyStateDir, "state-dir", config.DefaultStateDir,
		"State directory holding the event log")
}

func runVerifyLedgerCommand(cmd *cobra.Command, args []string) error {
	cfg := &config.Config{StateDir: verifyStateDir}
	path := cfg.LedgerPath()

	// Opening verifies the whole chain. Quiet logger: verification
	// findings go to stdout, not the log stream.
	lg, err := ledger.Open(ledger.Config{
		Path:   path,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		fmt.Printf("FAILED  %s\n", path)
		fmt.Printf("        %v\n", err)
		return fmt.Errorf("ledger verification failed")
	}
	defer lg.Close()

	fmt.Printf("OK      %s\n", path)
	fmt.Printf("        %d event(s), chain intact\n", lg.LastSequence())
	return nil
}
