// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
	"github.com/AleutianAI/AleutianProver/services/prover/engine/rv32"
)

// Per-step shape of the RV32 step circuit.
const (
	ccsConstraintsPerStep = 24
	ccsVariablesPerStep   = 48
)

// MaxChunkSize is the largest number of guest steps folded per chunk.
const MaxChunkSize = 1 << 16

// programTrace is one execution of a guest program, chunked for folding.
type programTrace struct {
	digest [32]byte
	output uint32
	steps  int
	chunks [][]rv32.Step
}

// ProveProgram implements engine.Module.
//
// # Description
//
// Assembles the guest, writes N to the input address, executes it and folds
// the trace chunk by chunk. The guest must leave fib(N) at the output
// address, otherwise proving fails with an output mismatch. Verification
// re-executes the program and recomputes the accumulator.
func (m *Module) ProveProgram(ctx context.Context, req engine.ProgramRequest) (*engine.ProgramResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	if err := checkProgramRequest(req); err != nil {
		return nil, err
	}
	program, err := rv32.Assemble(req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidProgram, err)
	}
	chunkSize := req.ChunkSize

	result := &engine.ProgramResult{
		N:              req.N,
		Expected:       rv32.Fib(req.N),
		CCSConstraints: chunkSize * ccsConstraintsPerStep,
		CCSVariables:   chunkSize*ccsVariablesPerStep + 1,
	}

	err = m.guard(func() error {
		proveStart := time.Now()
		trace, err := executeProgram(program, req, chunkSize)
		if err != nil {
			return fmt.Errorf("prove error: %w", err)
		}
		if trace.output != result.Expected {
			return fmt.Errorf("prove error: output mismatch at 0x%x: got %d, want %d",
				rv32.OutputAddr, trace.output, result.Expected)
		}
		proved, err := m.foldTrace(ctx, trace)
		if err != nil {
			return fmt.Errorf("prove error: %w", err)
		}
		result.ProveDuration = time.Since(proveStart)
		result.TraceLen = trace.steps
		result.Folds = len(trace.chunks)

		verifyStart := time.Now()
		replay, err := executeProgram(program, req, chunkSize)
		if err != nil {
			return fmt.Errorf("verify error: %w", err)
		}
		replayed, err := m.foldTrace(ctx, replay)
		if err != nil {
			return fmt.Errorf("verify error: %w", err)
		}
		if replayed.accumulator != proved.accumulator {
			return fmt.Errorf("verify error: accumulator mismatch")
		}
		result.VerifyOK = true
		result.VerifyDuration = time.Since(verifyStart)

		if req.Compress {
			result.Compressed = compressTrace(trace.digest, proved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkProgramRequest bounds the sizes that drive allocation before the
// guest is assembled or executed.
func checkProgramRequest(req engine.ProgramRequest) error {
	switch {
	case req.ChunkSize < 1 || req.ChunkSize > MaxChunkSize:
		return fmt.Errorf("%w: chunk_size %d must be in [1, %d]", engine.ErrInvalidProgram, req.ChunkSize, MaxChunkSize)
	case req.RAMBytes < rv32.MinRAMBytes || req.RAMBytes > rv32.MaxRAMBytes:
		return fmt.Errorf("%w: ram_bytes %d must be in [%d, %d]", engine.ErrInvalidProgram, req.RAMBytes, rv32.MinRAMBytes, rv32.MaxRAMBytes)
	case req.MaxSteps < 0 || req.MaxSteps > rv32.MaxStepLimit:
		return fmt.Errorf("%w: max_steps %d must be in [0, %d]", engine.ErrInvalidProgram, req.MaxSteps, rv32.MaxStepLimit)
	}
	return nil
}

func executeProgram(program []rv32.Instruction, req engine.ProgramRequest, chunkSize int) (*programTrace, error) {
	mach := rv32.NewMachine(program, req.RAMBytes)
	if err := mach.Store(rv32.InputAddr, req.N); err != nil {
		return nil, err
	}

	trace := &programTrace{digest: programDigest(program)}
	current := make([]rv32.Step, 0, chunkSize)
	err := mach.Run(req.MaxSteps, func(s rv32.Step) {
		current = append(current, s)
		if len(current) == chunkSize {
			trace.chunks = append(trace.chunks, current)
			current = make([]rv32.Step, 0, chunkSize)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(current) > 0 {
		trace.chunks = append(trace.chunks, current)
	}
	trace.steps = mach.Steps()
	trace.output, err = mach.Load(rv32.OutputAddr)
	if err != nil {
		return nil, err
	}
	return trace, nil
}

func (m *Module) foldTrace(ctx context.Context, trace *programTrace) (*foldResult, error) {
	commits, err := commitAll(ctx, m.Workers(), len(trace.chunks), func(i int) [32]byte {
		return commitChunk(trace.digest, i, trace.chunks[i])
	})
	if err != nil {
		return nil, err
	}
	return foldCommitments(trace.digest, commits, nil, 0), nil
}

func programDigest(program []rv32.Instruction) [32]byte {
	h := sha256.New()
	for _, ins := range program {
		h.Write([]byte{byte(ins.Op), ins.Rd, ins.Rs1, ins.Rs2})
		h.Write(binary.LittleEndian.AppendUint32(nil, uint32(ins.Imm)))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func commitChunk(digest [32]byte, idx int, chunk []rv32.Step) [32]byte {
	z := make([]uint64, 0, len(chunk)*2)
	for _, s := range chunk {
		z = append(z, uint64(s.PC)<<8|uint64(s.Instr.Op), uint64(s.Written))
	}
	return commitStep(digest, idx, z)
}

func compressTrace(digest [32]byte, res *foldResult) *engine.CompressedResult {
	start := time.Now()
	vk := verifierKey(digest)
	snark := packSnark(rv32Magic, vk, res)
	proveDur := time.Since(start)

	start = time.Now()
	ok := bytes.Equal(snark, packSnark(rv32Magic, vk, res))
	return &engine.CompressedResult{
		ProveDuration:  proveDur,
		VerifyDuration: time.Since(start),
		VerifyOK:       ok,
		Snark:          snark,
	}
}
