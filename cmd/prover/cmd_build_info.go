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
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianProver/pkg/ux"
	"github.com/AleutianAI/AleutianProver/services/prover/bundle"
	"github.com/AleutianAI/AleutianProver/services/prover/engine"
	"github.com/spf13/cobra"
)

func newBuildInfoCmd() *cobra.Command {
	var (
		bundleDir string
		remote    string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "build-info",
		Short: "Show the build descriptors of the engine bundles",
		Long: `Show the build descriptor of every engine build, read from a local
bundle directory or fetched from a running service with --remote.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundleDir == "" && remote == "" {
				return fmt.Errorf("one of --bundle-dir or --remote is required")
			}
			logger := newCLILogger(cmd)
			defer logger.Close()

			var lookup func(context.Context, engine.Build) bundle.Info
			if remote != "" {
				f := bundle.NewFetcher(remote, nil, logger.Slog())
				lookup = f.Fetch
			} else {
				p := bundle.NewProvider(bundleDir, logger.Slog())
				lookup = func(_ context.Context, b engine.Build) bundle.Info {
					info, _ := p.Info(b)
					return info
				}
			}
			return printBuildInfo(cmd.Context(), ux.NewPrinter(cmd.OutOrStdout()), lookup, asJSON)
		},
	}
	cmd.Flags().StringVar(&bundleDir, "bundle-dir", "", "Local engine bundle directory")
	cmd.Flags().StringVar(&remote, "remote", "", "Service base URL, e.g. http://localhost:12230")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON")
	return cmd
}

func printBuildInfo(ctx context.Context, p *ux.Printer, lookup func(context.Context, engine.Build) bundle.Info, asJSON bool) error {
	builds := []engine.Build{engine.BuildSingle, engine.BuildThreaded}

	if asJSON {
		out := make(map[string]*bundle.Info, len(builds))
		for _, b := range builds {
			info := lookup(ctx, b)
			if info.Available {
				out[b.String()] = &info
			} else {
				out[b.String()] = nil
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode build info: %w", err)
		}
		p.Raw(string(data))
		return nil
	}

	for _, b := range builds {
		p.Info(lookup(ctx, b).Summary(b))
	}
	return nil
}
