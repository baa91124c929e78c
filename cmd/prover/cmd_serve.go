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

	"github.com/AleutianAI/AleutianProver/pkg/logging"
	"github.com/AleutianAI/AleutianProver/services/prover"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the prover HTTP and WebSocket service",
		Long: `Start the prover service.

Configuration precedence is environment > config file > defaults. See
prover.LoadConfig for the recognized PROVER_* variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or JSON config file")
	return cmd
}

// runServe loads configuration, starts the service and blocks until the
// command context is canceled by SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := prover.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		cfg.Logging.Level = level
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "prover"
	}

	logger := logging.New(cfg.Logging)
	defer logger.Close()

	svc, err := prover.New(cfg, &prover.Options{Logger: logger.Slog()})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer svc.Close()

	logger.Info("Starting prover service", "port", cfg.Server.Port, "bundle_dir", cfg.Worker.BundleDir)
	return svc.Run(cmd.Context())
}
