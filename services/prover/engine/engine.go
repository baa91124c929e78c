// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the contract between the prover worker and the
// proof engine it drives.
//
// # Description
//
// The proof engine is an opaque collaborator shipped in two builds: a
// single-threaded build and a shared-memory threaded build. The worker never
// looks inside it; it loads a build through a Loader, initializes it once,
// and then drives sessions and proofs through the small set of entry points
// declared here.
//
// Every object the engine hands out (sessions, fold proofs, compressed
// proofs) is a Handle and must be released exactly once by the caller.
//
// # Thread Safety
//
// Modules and their handles are not safe for concurrent use. The worker
// drives a module from a single goroutine; threaded builds parallelize
// internally.
package engine

import (
	"context"
	"time"
)

// =============================================================================
// Builds
// =============================================================================

// Build identifies one of the two engine builds.
type Build string

const (
	// BuildSingle is the single-threaded build. It is always the fallback.
	BuildSingle Build = "single"

	// BuildThreaded is the shared-memory multi-threaded build.
	BuildThreaded Build = "threaded"
)

// String returns the build name.
func (b Build) String() string {
	return string(b)
}

// Valid reports whether b names a known build.
func (b Build) Valid() bool {
	return b == BuildSingle || b == BuildThreaded
}

// =============================================================================
// Interface Definitions
// =============================================================================

// Loader loads a build of the engine.
//
// # Description
//
// Load returns a fresh, uninitialized Module for the requested build. The
// caller is responsible for calling Init and InstallFailureHook before use
// and Close when the module is replaced.
//
// # Outputs
//
//   - Module: the loaded module
//   - error: non-nil if the build cannot be loaded (missing bundle, bad build)
type Loader interface {
	Load(ctx context.Context, build Build) (Module, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, build Build) (Module, error)

// Load calls f(ctx, build).
func (f LoaderFunc) Load(ctx context.Context, build Build) (Module, error) {
	return f(ctx, build)
}

// Module is a loaded build of the engine.
type Module interface {
	// Build reports which build this module is.
	Build() Build

	// Init runs the module's one-time initialization entry point.
	Init(ctx context.Context) error

	// InstallFailureHook makes native faults inside the module surface as
	// *TrapError values instead of crashing the process.
	InstallFailureHook()

	// NewSession creates a computation session from a circuit description.
	// Malformed input yields an error wrapping ErrInvalidCircuit.
	NewSession(ctx context.Context, circuitJSON []byte) (Session, error)

	// ProveProgram runs the monolithic prove+verify(+compress) cycle for a
	// guest program.
	ProveProgram(ctx context.Context, req ProgramRequest) (*ProgramResult, error)

	// Close discards the module. It is called when the module is replaced.
	Close() error
}

// PoolStarter is implemented by threaded builds that expose a thread pool
// start entry point. A threaded module that does not implement it is a
// build/configuration mismatch.
type PoolStarter interface {
	// StartThreadPool spins up n internal worker threads. It may block until
	// the pool is ready; callers bound it with a timeout.
	StartThreadPool(ctx context.Context, n int) error
}

// Handle is an engine-owned resource that must be released exactly once.
type Handle interface {
	Release() error
}

// Session is a stateful computation session built from a circuit.
type Session interface {
	Handle

	// SetupTimings reports how long session construction took per phase.
	// Nil when the engine does not report it.
	SetupTimings() *SetupTimings

	// ParamsSummary describes the proving parameters. May be nil.
	ParamsSummary() *ParamsSummary

	// CircuitSummary describes the circuit and attached witness. May be nil.
	CircuitSummary() *CircuitSummary

	// AddStepsFromExport adds every witness step found in an export
	// document (the same document the session was created from).
	AddStepsFromExport(ctx context.Context, exportJSON []byte) error

	// StepCount returns the number of witness steps added so far.
	StepCount() int

	// FoldAndProve folds all steps and produces a proof handle.
	FoldAndProve(ctx context.Context) (FoldProof, error)

	// Verify checks a fold proof produced by this session.
	Verify(ctx context.Context, proof FoldProof) (bool, error)

	// Compress turns a fold proof into a compressed secondary proof.
	Compress(ctx context.Context, proof FoldProof) (CompressedProof, error)

	// VerifyCompressed checks a compressed proof.
	VerifyCompressed(ctx context.Context, proof CompressedProof) (bool, error)
}

// FoldProof is the primary proof artifact.
type FoldProof interface {
	Handle

	StepCount() int

	// FoldStepDurations reports per-step proving time. May be empty.
	FoldStepDurations() []time.Duration

	// Estimate reports proof size estimates. May be nil.
	Estimate() *ProofEstimate

	// FoldingSummary reports per-step folding shape. May be nil.
	FoldingSummary() *FoldingSummary
}

// CompressedProof is the compressed secondary artifact.
type CompressedProof interface {
	Handle

	// Bytes returns the downloadable proof bytes (excluding the verifier key).
	Bytes() []byte

	// PackedLen returns the size of verifier key plus proof, when known.
	PackedLen() (int, bool)
}

// =============================================================================
// Monolithic program proving
// =============================================================================

// ProgramRequest is the input to Module.ProveProgram.
type ProgramRequest struct {
	// Source is the guest program text.
	Source string

	// N is the guest input written to RAM before execution.
	N uint32

	// RAMBytes is the guest RAM size.
	RAMBytes int

	// ChunkSize is the number of execution steps folded per chunk.
	ChunkSize int

	// MaxSteps bounds execution. Zero means the engine default.
	MaxSteps int

	// Compress requests a compressed proof as part of the same call.
	Compress bool
}

// ProgramResult is the outcome of Module.ProveProgram.
type ProgramResult struct {
	N              uint32            `json:"n"`
	Expected       uint32            `json:"expected"`
	VerifyOK       bool              `json:"verify_ok"`
	ProveDuration  time.Duration     `json:"-"`
	VerifyDuration time.Duration     `json:"-"`
	TraceLen       int               `json:"trace_len"`
	Folds          int               `json:"folds"`
	CCSConstraints int               `json:"ccs_constraints"`
	CCSVariables   int               `json:"ccs_variables"`
	Compressed     *CompressedResult `json:"-"`
}

// CompressedResult is the compression part of a ProgramResult.
type CompressedResult struct {
	ProveDuration  time.Duration
	VerifyDuration time.Duration
	VerifyOK       bool
	Snark          []byte
}
