// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

type programResultDoc struct {
	*engine.ProgramResult
	ProveMs    float64        `json:"prove_ms"`
	VerifyMs   float64        `json:"verify_ms"`
	Compressed *compressedDoc `json:"compressed,omitempty"`
}

// runAlternate drives the monolithic program pipeline.
//
// # Description
//
// One ProveProgram call does prove, verify and optional compression. A
// runtime trap on the threaded build disables it for the worker's lifetime
// and the call is retried exactly once on the single build. A second
// failure is returned as is.
func (r *run) runAlternate() (*Artifact, error) {
	r.phase(PhaseLoading)
	var mod engine.Module
	if err := r.stage("load", func(ctx context.Context) error {
		var err error
		mod, err = r.w.prepare(ctx, r)
		return err
	}); err != nil {
		return nil, err
	}

	p := r.req.Program
	preq := engine.ProgramRequest{
		Source:    string(r.req.Payload),
		N:         p.N,
		RAMBytes:  p.RAMBytes,
		ChunkSize: p.ChunkSize,
		MaxSteps:  p.MaxSteps,
		Compress:  r.req.Options.Compress,
	}

	r.phase(PhaseProving)
	r.info("Proving program: n=%d ram=%s chunk_size=%d compress=%t",
		preq.N, fmtBytes(preq.RAMBytes), preq.ChunkSize, preq.Compress)

	res, err := r.proveProgram(mod, preq)
	if err != nil && engine.IsTrap(err) && r.w.module.build == engine.BuildThreaded && !r.w.failure.Disabled() {
		r.warn("Threaded run trapped; retrying single-threaded. Error: %v", err)
		r.w.downgrade(r, fmt.Sprintf("runtime trap: %v", err), "trap")
		if err := r.stage("load", func(ctx context.Context) error {
			return r.w.ensureLoaded(ctx, r, Selection{Build: engine.BuildSingle})
		}); err != nil {
			return nil, err
		}
		r.info("Retrying on single-threaded build…")
		res, err = r.proveProgram(r.w.module.mod, preq)
	}
	if err != nil {
		return nil, asInputError(err, engine.ErrInvalidProgram)
	}

	doc := programResultDoc{
		ProgramResult: res,
		ProveMs:       msValue(res.ProveDuration),
		VerifyMs:      msValue(res.VerifyDuration),
	}
	if res.VerifyOK {
		r.info("OK: verify_ok=true n=%d expected=%d", res.N, res.Expected)
	} else {
		r.warn("Verification failed: verify_ok=false n=%d expected=%d", res.N, res.Expected)
	}
	r.info("Trace: len=%d folds=%d ccs_constraints=%d ccs_variables=%d",
		res.TraceLen, res.Folds, res.CCSConstraints, res.CCSVariables)
	r.info("Timings: prove=%s verify=%s", fmtMs(res.ProveDuration), fmtMs(res.VerifyDuration))

	var artifact *Artifact
	if c := res.Compressed; c != nil {
		doc.Compressed = &compressedDoc{
			ProveMs:    msValue(c.ProveDuration),
			VerifyMs:   msValue(c.VerifyDuration),
			VerifyOK:   c.VerifyOK,
			SnarkBytes: len(c.Snark),
		}
		r.info("Compressed: prove=%s verify=%s ok=%t snark=%s",
			fmtMs(c.ProveDuration), fmtMs(c.VerifyDuration), c.VerifyOK, fmtBytes(len(c.Snark)))
		artifact = &Artifact{
			Filename: fmt.Sprintf("neo_fold_rv32_spartan_snark_%d.bin", r.w.cfg.Now().UnixMilli()),
			Bytes:    bytes.Clone(c.Snark),
		}
	}

	r.info("Raw result:")
	r.info("%s", indentJSON(doc))
	r.phase(PhaseDone)
	return artifact, nil
}

func (r *run) proveProgram(mod engine.Module, req engine.ProgramRequest) (*engine.ProgramResult, error) {
	var res *engine.ProgramResult
	err := r.stage("prove_program", func(ctx context.Context) error {
		var err error
		res, err = mod.ProveProgram(ctx, req)
		return err
	})
	return res, err
}
