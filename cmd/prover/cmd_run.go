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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianProver/pkg/ux"
	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/AleutianAI/AleutianProver/services/prover/engine/refengine"
	"github.com/AleutianAI/AleutianProver/services/prover/engine/rv32"
	"github.com/AleutianAI/AleutianProver/services/prover/transport"
	"github.com/AleutianAI/AleutianProver/services/prover/worker"
	"github.com/spf13/cobra"
)

const (
	// defaultExampleSteps is the step count of the built-in circuit example.
	defaultExampleSteps = 8

	// defaultChunkSize is the number of guest steps folded per chunk.
	defaultChunkSize = 4
)

// runFailedError reports a run that ended with an error event.
type runFailedError struct {
	err *transport.RunError
}

func (e *runFailedError) Error() string { return e.err.Error() }

func (e *runFailedError) Unwrap() error { return e.err }

// runFlags holds the flags of the run command.
type runFlags struct {
	mode      string
	compress  bool
	bundle    string
	threads   int
	n         uint32
	ramBytes  int
	chunkSize int
	maxSteps  int
	steps     int
	remote    string
	bundleDir string
	outDir    string
	timeout   time.Duration
	isolation bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [payload-file]",
		Short: "Prove one payload and print the run's progress",
		Long: `Prove one payload.

The payload is a circuit export (default mode) or guest program text
(alternate mode). Without a file a built-in example is used: a toy squaring
circuit, or a Fibonacci guest program.

By default the run executes in-process. With --remote it is sent to a
running service's WebSocket worker endpoint.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if f.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.timeout)
				defer cancel()
			}

			logger := newCLILogger(cmd)
			defer logger.Close()

			ch, err := f.channel(ctx, logger.Slog())
			if err != nil {
				return err
			}
			return executeRun(ctx, ch, req, f.outDir, ux.NewPrinter(cmd.OutOrStdout()))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.mode, "mode", string(worker.ModeDefault), "Pipeline: default or alternate")
	flags.BoolVar(&f.compress, "compress", false, "Produce a compressed proof artifact")
	flags.StringVar(&f.bundle, "bundle", string(worker.BundleAuto), "Build preference: auto, single or threaded")
	flags.IntVar(&f.threads, "threads", 0, "Requested thread count (0 = hardware default)")
	flags.Uint32Var(&f.n, "n", 10, "Guest program input (alternate mode)")
	flags.IntVar(&f.ramBytes, "ram-bytes", rv32.DefaultRAMBytes, "Guest RAM size in bytes (alternate mode)")
	flags.IntVar(&f.chunkSize, "chunk-size", defaultChunkSize, "Steps per folded chunk (alternate mode)")
	flags.IntVar(&f.maxSteps, "max-steps", 0, "Guest step limit (alternate mode, 0 = default)")
	flags.IntVar(&f.steps, "steps", defaultExampleSteps, "Step count of the built-in circuit example")
	flags.StringVar(&f.remote, "remote", "", "WebSocket worker URL, e.g. ws://localhost:12230/v1/worker")
	flags.StringVar(&f.bundleDir, "bundle-dir", "", "Engine bundle directory for in-process runs")
	flags.StringVarP(&f.outDir, "out", "o", "", "Directory to write the artifact to")
	flags.DurationVar(&f.timeout, "timeout", 0, "Abandon the run after this long (0 = no limit)")
	flags.BoolVar(&f.isolation, "isolation", true, "Treat the in-process context as isolation-enabled")
	return cmd
}

// request builds the RunRequest from flags and the optional payload file.
func (f *runFlags) request(args []string) (worker.RunRequest, error) {
	mode := worker.Mode(f.mode)
	if mode != worker.ModeDefault && mode != worker.ModeAlternate {
		return worker.RunRequest{}, fmt.Errorf("unknown mode %q", f.mode)
	}
	hint := worker.BundleHint(f.bundle)
	if !hint.Valid() {
		return worker.RunRequest{}, fmt.Errorf("unknown bundle %q", f.bundle)
	}

	var payload []byte
	switch {
	case len(args) == 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return worker.RunRequest{}, fmt.Errorf("read payload: %w", err)
		}
		payload = data
	case mode == worker.ModeAlternate:
		payload = []byte(rv32.FibProgram)
	default:
		payload = refengine.ToySquareExport(f.steps)
	}

	return worker.RunRequest{
		Mode:    mode,
		Payload: payload,
		Options: worker.RunOptions{
			Compress: f.compress,
			Bundle:   hint,
			Threads:  f.threads,
		},
		Program: worker.ProgramParams{
			N:         f.n,
			RAMBytes:  f.ramBytes,
			ChunkSize: f.chunkSize,
			MaxSteps:  f.maxSteps,
		},
	}, nil
}

// channel connects to the remote worker, or starts an in-process one.
func (f *runFlags) channel(ctx context.Context, logger *slog.Logger) (transport.Channel, error) {
	if f.remote != "" {
		c, err := transport.Dial(ctx, f.remote, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", f.remote, err)
		}
		return c, nil
	}
	w, err := worker.New(worker.Config{
		Loader: refengine.NewLoader(refengine.Options{BundleDir: f.bundleDir}),
		Prober: capability.NewProber(capability.NewRuntimeEnvironment(f.isolation)),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return transport.NewLocalChannel(w), nil
}

// executeRun drives one run over ch, rendering events to p, and writes the
// artifact to outDir when one is set.
//
// # Outputs
//
//   - error: *runFailedError when the run ended with an error event, or a
//     transport or file error.
func executeRun(ctx context.Context, ch transport.Channel, req worker.RunRequest, outDir string, p *ux.Printer) error {
	host := transport.NewHost(ch)
	defer host.Close()

	done, err := host.Run(ctx, req, func(ev worker.Event) { renderEvent(p, ev) })
	if err != nil {
		var runErr *transport.RunError
		if errors.As(err, &runErr) {
			p.Error(fmt.Sprintf("%s (%s)", runErr.Message, runErr.Code))
			return &runFailedError{err: runErr}
		}
		return err
	}

	p.Success("Run complete")
	if done.Artifact == nil {
		return nil
	}
	if done.Artifact.URL != "" {
		p.KeyValue("artifact_url", done.Artifact.URL)
	}
	if outDir == "" || len(done.Artifact.Bytes) == 0 {
		p.KeyValue("artifact", done.Artifact.Filename)
		return nil
	}
	path, err := writeArtifact(outDir, done.Artifact)
	if err != nil {
		return err
	}
	p.KeyValue("artifact", path)
	return nil
}

// writeArtifact stores a under dir and returns the written path.
func writeArtifact(dir string, a *worker.Artifact) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(a.Filename))
	if err := os.WriteFile(path, a.Bytes, 0o640); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// renderEvent prints one non-terminal event.
func renderEvent(p *ux.Printer, ev worker.Event) {
	switch ev.Kind {
	case worker.EventPhase:
		p.Phase(ev.Label)
	case worker.EventLog:
		if ev.Level == worker.LevelWarn {
			p.Warn(ev.Line)
			return
		}
		p.Info(ev.Line)
	case worker.EventState:
		if ev.State == nil {
			return
		}
		line := fmt.Sprintf("Now using %s build with %d thread(s)", ev.State.Build, ev.State.Threads)
		if ev.State.Reason != "" {
			line += ": " + ev.State.Reason
		}
		p.Warn(line)
		if ev.State.RestartAdvised {
			p.Warn("Threaded proving is disabled until restart.")
		}
	}
}

