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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
)

// Phase labels, in pipeline order.
const (
	PhaseLoading     = "Loading…"
	PhasePreparing   = "Preparing…"
	PhaseProving     = "Proving…"
	PhaseVerifying   = "Verifying…"
	PhaseCompressing = "Compressing…"
	PhaseDone        = "Done."
)

// =============================================================================
// Run
// =============================================================================

// run is the state of one executing request.
type run struct {
	w      *Worker
	req    RunRequest
	ctx    context.Context
	logger *slog.Logger
	scope  handleScope
}

func (r *run) emit(ev Event) {
	ev.ID = r.req.ID
	r.w.emit(ev)
}

func (r *run) phase(label string) {
	r.logger.Debug("phase", "label", label)
	telemetry.AddSpanEvent(trace.SpanFromContext(r.ctx), "phase", attribute.String("label", label))
	r.emit(Event{Kind: EventPhase, Label: label})
}

func (r *run) logf(level Level, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.logger.Debug("run log", "level", level, "line", line)
	r.emit(Event{Kind: EventLog, Level: level, Line: line})
}

func (r *run) info(format string, args ...any) { r.logf(LevelInfo, format, args...) }
func (r *run) warn(format string, args ...any) { r.logf(LevelWarn, format, args...) }

// stage runs fn as a named pipeline stage with its own span and duration
// metric.
func (r *run) stage(name string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(r.ctx, "worker.stage."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	r.w.metrics.RecordStage(name, time.Since(start).Seconds())
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

func (r *run) releaseFailed(kind string, err error) {
	r.w.metrics.RecordReleaseFailure(kind)
	r.warn("Failed to release %s: %v", kind, err)
}

// execute validates the request and runs its pipeline. Handles are drained
// and panics recovered on every exit path.
func (r *run) execute() (artifact *Artifact, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "panic", p)
			artifact, err = nil, fmt.Errorf("%w: %v", ErrInternal, p)
		}
	}()
	defer r.scope.drain(r.releaseFailed)

	if err := validateRequest(r.req); err != nil {
		return nil, err
	}

	switch r.req.Mode {
	case ModeAlternate:
		return r.runAlternate()
	default:
		return r.runDefault()
	}
}

func validateRequest(req RunRequest) error {
	switch req.Mode {
	case ModeDefault, ModeAlternate:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, req.Mode)
	}
	if !req.Options.Bundle.Valid() {
		return fmt.Errorf("%w: unknown bundle %q", ErrInvalidInput, req.Options.Bundle)
	}
	if len(bytes.TrimSpace(req.Payload)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	if req.Mode == ModeAlternate {
		p := req.Program
		switch {
		case p.ChunkSize < 1:
			return fmt.Errorf("%w: chunk_size must be at least 1", ErrInvalidInput)
		case p.RAMBytes < 1:
			return fmt.Errorf("%w: ram_bytes must be positive", ErrInvalidInput)
		case p.MaxSteps < 0:
			return fmt.Errorf("%w: max_steps must not be negative", ErrInvalidInput)
		}
	}
	return nil
}

// asInputError marks engine validation failures as ErrInvalidInput. Other
// errors are returned unchanged.
func asInputError(err, sentinel error) error {
	if err != nil && errors.Is(err, sentinel) && !errors.Is(err, ErrInvalidInput) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}

// =============================================================================
// Default pipeline
// =============================================================================

type timingsDoc struct {
	ParamsSetup   float64   `json:"params_setup"`
	BuildCircuit  float64   `json:"build_circuit"`
	SessionInit   float64   `json:"session_init"`
	AddStepsTotal float64   `json:"add_steps_total"`
	FoldAndProve  float64   `json:"fold_and_prove"`
	FoldSteps     []float64 `json:"fold_steps,omitempty"`
	Verify        float64   `json:"verify"`
	Total         float64   `json:"total"`
}

type compressedDoc struct {
	ProveMs     float64 `json:"prove_ms"`
	VerifyMs    float64 `json:"verify_ms"`
	VerifyOK    bool    `json:"verify_ok"`
	SnarkBytes  int     `json:"snark_bytes"`
	VKBytes     int     `json:"vk_bytes,omitempty"`
	PackedBytes int     `json:"vk_and_snark_bytes,omitempty"`
}

type defaultResultDoc struct {
	Steps         int                    `json:"steps"`
	VerifyOK      bool                   `json:"verify_ok"`
	Circuit       *engine.CircuitSummary `json:"circuit,omitempty"`
	Params        *engine.ParamsSummary  `json:"params,omitempty"`
	Timings       timingsDoc             `json:"timings_ms"`
	ProofEstimate *engine.ProofEstimate  `json:"proof_estimate,omitempty"`
	Folding       *engine.FoldingSummary `json:"folding,omitempty"`
	Compressed    *compressedDoc         `json:"compressed,omitempty"`
}

// runDefault drives the staged circuit pipeline.
func (r *run) runDefault() (*Artifact, error) {
	payload := r.req.Payload

	r.phase(PhaseLoading)
	var mod engine.Module
	if err := r.stage("load", func(ctx context.Context) error {
		var err error
		mod, err = r.w.prepare(ctx, r)
		return err
	}); err != nil {
		return nil, err
	}

	r.phase(PhasePreparing)
	r.info("Input size: %s", fmtBytes(len(payload)))
	totalStart := time.Now()

	var sess engine.Session
	createStart := time.Now()
	if err := r.stage("session", func(ctx context.Context) error {
		s, err := mod.NewSession(ctx, payload)
		if err != nil {
			return err
		}
		sess = s
		r.scope.add("session", s)
		return nil
	}); err != nil {
		return nil, asInputError(err, engine.ErrInvalidCircuit)
	}
	r.info("Session ready (%s)", fmtMs(time.Since(createStart)))

	doc := defaultResultDoc{
		Params:  sess.ParamsSummary(),
		Circuit: sess.CircuitSummary(),
	}
	r.logSessionSummaries(sess, &doc)

	r.info("Adding witness steps…")
	addStart := time.Now()
	if err := r.stage("add_steps", func(ctx context.Context) error {
		return sess.AddStepsFromExport(ctx, payload)
	}); err != nil {
		return nil, asInputError(err, engine.ErrInvalidCircuit)
	}
	doc.Timings.AddStepsTotal = msValue(time.Since(addStart))
	r.info("Timings: add_steps_total=%s steps=%d", fmtMs(time.Since(addStart)), sess.StepCount())

	r.phase(PhaseProving)
	r.info("Folding + proving…")
	var proof engine.FoldProof
	proveStart := time.Now()
	if err := r.stage("prove", func(ctx context.Context) error {
		p, err := sess.FoldAndProve(ctx)
		if err != nil {
			return err
		}
		proof = p
		r.scope.add("fold_proof", p)
		return nil
	}); err != nil {
		return nil, err
	}
	proveDur := time.Since(proveStart)
	doc.Timings.FoldAndProve = msValue(proveDur)
	r.info("Timings: prove=%s", fmtMs(proveDur))
	r.logFoldSteps(proof, &doc)

	r.phase(PhaseVerifying)
	r.info("Verifying folding proof…")
	var verifyOK bool
	verifyStart := time.Now()
	if err := r.stage("verify", func(ctx context.Context) error {
		var err error
		verifyOK, err = sess.Verify(ctx, proof)
		return err
	}); err != nil {
		return nil, err
	}
	verifyDur := time.Since(verifyStart)
	total := time.Since(totalStart)
	doc.Timings.Verify = msValue(verifyDur)
	doc.Timings.Total = msValue(total)
	doc.Steps = proof.StepCount()
	doc.VerifyOK = verifyOK
	r.info("Timings: verify=%s", fmtMs(verifyDur))
	if verifyOK {
		r.info("OK: verify_ok=true steps=%d (total %s)", doc.Steps, fmtMs(total))
	} else {
		r.warn("Verification failed: verify_ok=false steps=%d (total %s)", doc.Steps, fmtMs(total))
	}
	r.logProofSummaries(proof, &doc)

	var artifact *Artifact
	if r.req.Options.Compress {
		var err error
		artifact, doc.Compressed, err = r.compress(sess, proof)
		if err != nil {
			return nil, err
		}
	}

	r.info("Raw result:")
	r.info("%s", indentJSON(doc))
	r.phase(PhaseDone)
	return artifact, nil
}

// compress runs the compression stage and returns the artifact holding a
// copy of the compressed proof bytes.
func (r *run) compress(sess engine.Session, proof engine.FoldProof) (*Artifact, *compressedDoc, error) {
	r.phase(PhaseCompressing)
	r.info("Compressing proof…")

	var cp engine.CompressedProof
	start := time.Now()
	if err := r.stage("compress", func(ctx context.Context) error {
		c, err := sess.Compress(ctx, proof)
		if err != nil {
			return err
		}
		cp = c
		r.scope.add("compressed_proof", c)
		return nil
	}); err != nil {
		return nil, nil, err
	}
	doc := &compressedDoc{ProveMs: msValue(time.Since(start))}

	snark := cp.Bytes()
	doc.SnarkBytes = len(snark)
	sizes := []string{"snark=" + fmtBytes(len(snark))}
	if packed, ok := cp.PackedLen(); ok {
		doc.PackedBytes = packed
		doc.VKBytes = max(0, packed-len(snark))
		sizes = append(sizes, "vk="+fmtBytes(doc.VKBytes), "total(vk+snark)="+fmtBytes(packed))
	}
	r.info("Compressed: prove=%s %s", fmtMs(time.Since(start)), strings.Join(sizes, " "))

	r.phase(PhaseVerifying)
	verifyStart := time.Now()
	if err := r.stage("verify_compressed", func(ctx context.Context) error {
		var err error
		doc.VerifyOK, err = sess.VerifyCompressed(ctx, cp)
		return err
	}); err != nil {
		return nil, nil, err
	}
	doc.VerifyMs = msValue(time.Since(verifyStart))
	if doc.VerifyOK {
		r.info("Compressed: verify=%s ok=true", fmtMs(time.Since(verifyStart)))
	} else {
		r.warn("Compressed: verify=%s ok=false", fmtMs(time.Since(verifyStart)))
	}

	artifact := &Artifact{
		Filename: fmt.Sprintf("neo_fold_spartan_snark_%d.bin", r.w.cfg.Now().UnixMilli()),
		Bytes:    bytes.Clone(snark),
	}
	return artifact, doc, nil
}

func (r *run) logSessionSummaries(sess engine.Session, doc *defaultResultDoc) {
	if p := doc.Params; p != nil {
		r.info("Params: field=%s b=%d d=%d kappa=%d lambda=%d commitments=%s",
			p.Field, p.Base, p.Degree, p.Kappa, p.Security, p.Commitments)
	}
	if c := doc.Circuit; c != nil {
		r.info("Circuit (R1CS): constraints=%d variables=%d padded_n=%d A_nnz=%d B_nnz=%d C_nnz=%d",
			c.Constraints, c.Variables, c.PaddedN, c.ANonZero, c.BNonZero, c.CNonZero)
		r.info("Witness: steps=%d fields_total=%d nonzero=%d (%.2f%%)",
			c.WitnessSteps, c.WitnessFields, c.WitnessNonZero, c.WitnessNonZeroRatio*100)
	}
	if t := sess.SetupTimings(); t != nil {
		doc.Timings.ParamsSetup = msValue(t.ParamsSetup)
		doc.Timings.BuildCircuit = msValue(t.BuildCircuit)
		doc.Timings.SessionInit = msValue(t.SessionInit)
		r.info("Timings: params_setup=%s build_circuit=%s session_init=%s",
			fmtMs(t.ParamsSetup), fmtMs(t.BuildCircuit), fmtMs(t.SessionInit))
	}
}

func (r *run) logFoldSteps(proof engine.FoldProof, doc *defaultResultDoc) {
	steps := proof.FoldStepDurations()
	if len(steps) == 0 {
		return
	}
	doc.Timings.FoldSteps = make([]float64, len(steps))
	for i, d := range steps {
		doc.Timings.FoldSteps[i] = msValue(d)
	}
	avg, lo, hi := durationStats(steps)
	r.info("Folding prove per-step: %s", fmtMsList(steps))
	r.info("Folding prove per-step stats: avg=%s min=%s max=%s", fmtMs(avg), fmtMs(lo), fmtMs(hi))
}

func (r *run) logProofSummaries(proof engine.FoldProof, doc *defaultResultDoc) {
	if est := proof.Estimate(); est != nil {
		doc.ProofEstimate = est
		r.info("Proof estimate: proof_steps=%d commitments=%d commitment_bytes=%d estimated_commitment_bytes=%s",
			est.ProofSteps, est.Commitments, est.CommitmentBytes, fmtBytes(est.EstimatedBytes))
	}
	if f := proof.FoldingSummary(); f != nil {
		doc.Folding = f
		r.info("Folding k_in per step: %s", fmtList(f.InputsPerStep))
		r.info("Folding accumulator len after step: %s", fmtList(f.AccumulatorLenAfter))
	}
}
