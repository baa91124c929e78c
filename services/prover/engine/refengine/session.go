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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// Proving parameters reported by ParamsSummary.
const (
	paramBase     = 2
	paramDegree   = 54
	paramKappa    = 16
	paramSecurity = 128
)

// session is an engine.Session over one circuit.
type session struct {
	handle
	mod     *Module
	circuit *circuit
	steps   [][]uint64
	timings engine.SetupTimings
}

// NewSession implements engine.Module.
func (m *Module) NewSession(ctx context.Context, circuitJSON []byte) (engine.Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var s *session
	err := m.guard(func() error {
		t0 := time.Now()
		exp, err := parseExport(circuitJSON)
		if err != nil {
			return err
		}
		t1 := time.Now()
		c, err := buildCircuit(exp)
		if err != nil {
			return err
		}
		t2 := time.Now()
		s = &session{mod: m, circuit: c}
		m.track(&s.handle)
		s.timings = engine.SetupTimings{
			ParamsSetup:  t1.Sub(t0),
			BuildCircuit: t2.Sub(t1),
			SessionInit:  time.Since(t2),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetupTimings implements engine.Session.
func (s *session) SetupTimings() *engine.SetupTimings {
	t := s.timings
	return &t
}

// ParamsSummary implements engine.Session.
func (s *session) ParamsSummary() *engine.ParamsSummary {
	return &engine.ParamsSummary{
		Field:       "goldilocks",
		Base:        paramBase,
		Degree:      paramDegree,
		Kappa:       paramKappa,
		Security:    paramSecurity,
		Commitments: "sha256",
	}
}

// CircuitSummary implements engine.Session.
func (s *session) CircuitSummary() *engine.CircuitSummary {
	c := s.circuit
	sum := &engine.CircuitSummary{
		Constraints:  c.constraints,
		Variables:    c.variables,
		PaddedN:      c.paddedN(),
		ANonZero:     c.nnz[0],
		BNonZero:     c.nnz[1],
		CNonZero:     c.nnz[2],
		WitnessSteps: len(s.steps),
	}
	for _, z := range s.steps {
		sum.WitnessFields += len(z)
		for _, v := range z {
			if v != 0 {
				sum.WitnessNonZero++
			}
		}
	}
	if sum.WitnessFields > 0 {
		sum.WitnessNonZeroRatio = float64(sum.WitnessNonZero) / float64(sum.WitnessFields)
	}
	return sum
}

// AddStepsFromExport implements engine.Session. Steps are validated as a
// batch: either every step is added or none is.
func (s *session) AddStepsFromExport(ctx context.Context, exportJSON []byte) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.mod.guard(func() error {
		exp, err := parseExport(exportJSON)
		if err != nil {
			return err
		}
		for i, z := range exp.Witness {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.circuit.checkStep(len(s.steps)+i, z); err != nil {
				return err
			}
		}
		for _, z := range exp.Witness {
			s.steps = append(s.steps, append([]uint64(nil), z...))
		}
		return nil
	})
}

// StepCount implements engine.Session.
func (s *session) StepCount() int {
	return len(s.steps)
}

// FoldAndProve implements engine.Session.
func (s *session) FoldAndProve(ctx context.Context) (engine.FoldProof, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("prove error: %w: no witness steps", engine.ErrInvalidCircuit)
	}

	var p *foldProof
	err := s.mod.guard(func() error {
		res, err := s.fold(ctx)
		if err != nil {
			return fmt.Errorf("prove error: %w", err)
		}
		p = &foldProof{session: s, fold: res}
		s.mod.track(&p.handle)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// fold commits and folds every step of the session.
func (s *session) fold(ctx context.Context) (*foldResult, error) {
	commits, err := commitAll(ctx, s.mod.Workers(), len(s.steps), func(i int) [32]byte {
		return commitStep(s.circuit.digest, i, s.steps[i])
	})
	if err != nil {
		return nil, err
	}
	return foldCommitments(s.circuit.digest, commits, s.steps, s.circuit.variables), nil
}

// Verify implements engine.Session.
func (s *session) Verify(ctx context.Context, proof engine.FoldProof) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	p, err := s.ownProof(proof)
	if err != nil {
		return false, err
	}

	var ok bool
	err = s.mod.guard(func() error {
		res, err := s.fold(ctx)
		if err != nil {
			return fmt.Errorf("verify error: %w", err)
		}
		ok = res.accumulator == p.fold.accumulator && equalWitness(res.folded, p.fold.folded)
		return nil
	})
	return ok, err
}

// Compress implements engine.Session.
func (s *session) Compress(ctx context.Context, proof engine.FoldProof) (engine.CompressedProof, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	p, err := s.ownProof(proof)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cp *compressedProof
	err = s.mod.guard(func() error {
		vk := verifierKey(s.circuit.digest)
		cp = &compressedProof{
			vk:    vk,
			snark: packSnark(snarkMagic, vk, p.fold),
		}
		s.mod.track(&cp.handle)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// VerifyCompressed implements engine.Session.
func (s *session) VerifyCompressed(ctx context.Context, proof engine.CompressedProof) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	cp, ok := proof.(*compressedProof)
	if !ok {
		return false, errors.New("compressed proof was not produced by this engine")
	}
	if err := cp.live(); err != nil {
		return false, err
	}

	var valid bool
	err := s.mod.guard(func() error {
		res, err := s.fold(ctx)
		if err != nil {
			return fmt.Errorf("verify error: %w", err)
		}
		want := packSnark(snarkMagic, verifierKey(s.circuit.digest), res)
		valid = bytes.Equal(want, cp.snark)
		return nil
	})
	return valid, err
}

func (s *session) ownProof(proof engine.FoldProof) (*foldProof, error) {
	p, ok := proof.(*foldProof)
	if !ok || p.session != s {
		return nil, errors.New("fold proof was not produced by this session")
	}
	if err := p.live(); err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// Proof handles
// =============================================================================

type foldProof struct {
	handle
	session *session
	fold    *foldResult
}

func (p *foldProof) StepCount() int {
	return len(p.fold.commitments)
}

func (p *foldProof) FoldStepDurations() []time.Duration {
	return append([]time.Duration(nil), p.fold.stepDurations...)
}

func (p *foldProof) Estimate() *engine.ProofEstimate {
	n := len(p.fold.commitments)
	return &engine.ProofEstimate{
		ProofSteps:      n,
		Commitments:     n + 1,
		CommitmentBytes: 32,
		EstimatedBytes:  (n + 1) * 32,
	}
}

func (p *foldProof) FoldingSummary() *engine.FoldingSummary {
	n := len(p.fold.commitments)
	sum := &engine.FoldingSummary{
		InputsPerStep:       make([]int, n),
		AccumulatorLenAfter: make([]int, n),
	}
	for i := range n {
		sum.InputsPerStep[i] = 2
		sum.AccumulatorLenAfter[i] = 1
	}
	if n > 0 {
		sum.InputsPerStep[0] = 1
	}
	return sum
}

type compressedProof struct {
	handle
	vk    []byte
	snark []byte
}

func (c *compressedProof) Bytes() []byte {
	return c.snark
}

func (c *compressedProof) PackedLen() (int, bool) {
	return len(c.vk) + len(c.snark), true
}
