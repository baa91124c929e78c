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

	"github.com/AleutianAI/AleutianProver/pkg/ux"
	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	var (
		asJSON    bool
		isolation bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report whether threaded proving is usable here",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := capability.NewRuntimeEnvironment(isolation)
			defer env.Close()
			return printProbe(ux.NewPrinter(cmd.OutOrStdout()), capability.Probe(env), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the capability state as JSON")
	cmd.Flags().BoolVar(&isolation, "isolation", true, "Treat the context as isolation-enabled")
	return cmd
}

func printProbe(p *ux.Printer, st capability.State, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		p.Raw(string(data))
		return nil
	}

	p.Box("Capability",
		fmt.Sprintf("isolated:         %t", st.Isolated),
		fmt.Sprintf("shared_memory_ok: %t", st.SharedMemoryOK),
		fmt.Sprintf("threaded_usable:  %t", st.ThreadedUsable),
	)
	if st.ThreadedUsable {
		p.Success("Threaded proving is available")
		return nil
	}
	p.Warn("Threaded proving unavailable: " + st.Reason)
	return nil
}
