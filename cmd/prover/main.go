// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command prover runs the proving worker service and a small host CLI.
//
// # Usage
//
//	# Serve the WebSocket worker, status endpoints and static bundles
//	prover serve --config prover.yaml
//
//	# Prove the built-in example in-process
//	prover run --compress --out ./artifacts
//
//	# Prove a guest program on a running service
//	prover run --mode alternate --n 20 --remote ws://localhost:12230/v1/worker
//
//	# Report what the capability probe sees on this machine
//	prover probe
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianProver/pkg/logging"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitSuccess  = 0
	exitError    = 1
	exitRunError = 2
)

var (
	logLevel string
	noColor  bool

	rootCmd = &cobra.Command{
		Use:   "prover",
		Short: "Folding-scheme proving worker and host CLI",
		Long: `prover serves a proving worker over WebSocket and drives runs against
it, either in-process or on a remote service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := logging.ParseLevel(logLevel); err != nil {
				return err
			}
			if noColor {
				return os.Setenv("NO_COLOR", "1")
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable styled output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newBuildInfoCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	var runErr *runFailedError
	if errors.As(err, &runErr) {
		return exitRunError
	}
	return exitError
}

// newCLILogger builds the diagnostic logger for CLI commands. It writes to
// stderr so stdout carries only command output.
func newCLILogger(cmd *cobra.Command) *logging.Logger {
	level, _ := logging.ParseLevel(logLevel)
	return logging.New(logging.Config{
		Level:   level,
		Service: "prover",
		Output:  cmd.ErrOrStderr(),
	})
}
