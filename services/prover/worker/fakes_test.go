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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// =============================================================================
// Fake engine
// =============================================================================

var errInjected = errors.New("injected failure")

// fakeLoader builds fake modules and records everything done to them.
type fakeLoader struct {
	// Load behavior.
	threadedLoadErr error
	singleLoadErr   error
	noPoolEntry     bool
	poolDelay       time.Duration
	poolErr         error

	// Run behavior.
	failAt       string
	releaseFail  string
	trapThreaded bool
	trapSingle   bool
	panicAt      string
	block        chan struct{}

	acquired atomic.Int64
	released atomic.Int64

	mu      sync.Mutex
	loads   map[engine.Build]int
	calls   map[string]int
	modules []*fakeModule
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{loads: map[engine.Build]int{}, calls: map[string]int{}}
}

func (l *fakeLoader) Load(_ context.Context, build engine.Build) (engine.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[build]++

	if build == engine.BuildThreaded && l.threadedLoadErr != nil {
		return nil, l.threadedLoadErr
	}
	if build == engine.BuildSingle && l.singleLoadErr != nil {
		return nil, l.singleLoadErr
	}

	m := &fakeModule{loader: l, build: build}
	l.modules = append(l.modules, m)
	if build == engine.BuildThreaded && !l.noPoolEntry {
		return &fakePoolModule{fakeModule: m}, nil
	}
	return m, nil
}

func (l *fakeLoader) loadsOf(build engine.Build) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[build]
}

func (l *fakeLoader) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[call]++
}

func (l *fakeLoader) callsOf(call string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[call]
}

// step is called at the start of each fallible operation.
func (l *fakeLoader) step(name string) error {
	if l.panicAt == name {
		panic("injected panic at " + name)
	}
	if l.failAt == name {
		return fmt.Errorf("%s: %w", name, errInjected)
	}
	return nil
}

type fakeModule struct {
	loader *fakeLoader
	build  engine.Build
	inited bool
	hooked bool
	closed atomic.Bool
}

func (m *fakeModule) Build() engine.Build { return m.build }

func (m *fakeModule) Init(context.Context) error {
	m.inited = true
	return nil
}

func (m *fakeModule) InstallFailureHook() { m.hooked = true }

func (m *fakeModule) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *fakeModule) NewSession(ctx context.Context, circuitJSON []byte) (engine.Session, error) {
	if m.loader.block != nil {
		select {
		case <-m.loader.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if string(circuitJSON) == "not json" {
		return nil, fmt.Errorf("parse export: %w", engine.ErrInvalidCircuit)
	}
	if err := m.loader.step("session"); err != nil {
		return nil, err
	}
	s := &fakeSession{}
	s.init(m.loader, "session")
	return s, nil
}

func (m *fakeModule) ProveProgram(_ context.Context, req engine.ProgramRequest) (*engine.ProgramResult, error) {
	m.loader.record("prove_program:" + m.build.String())
	if req.Source == "bogus" {
		return nil, fmt.Errorf("assemble: %w", engine.ErrInvalidProgram)
	}
	if (m.build == engine.BuildThreaded && m.loader.trapThreaded) || (m.build == engine.BuildSingle && m.loader.trapSingle) {
		return nil, &engine.TrapError{Kind: engine.TrapUnreachable, Message: "unreachable executed"}
	}
	res := &engine.ProgramResult{
		N:        req.N,
		Expected: 55,
		VerifyOK: true,
		TraceLen: 66,
		Folds:    17,
	}
	if req.Compress {
		res.Compressed = &engine.CompressedResult{VerifyOK: true, Snark: []byte{1, 2, 3}}
	}
	return res, nil
}

type fakePoolModule struct {
	*fakeModule
	threads int
}

func (m *fakePoolModule) StartThreadPool(ctx context.Context, n int) error {
	m.loader.record("start_pool")
	if d := m.loader.poolDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.loader.poolErr != nil {
		return m.loader.poolErr
	}
	m.threads = n
	return nil
}

type fakeHandle struct {
	loader   *fakeLoader
	kind     string
	released atomic.Bool
}

func (h *fakeHandle) init(l *fakeLoader, kind string) {
	h.loader = l
	h.kind = kind
	l.acquired.Add(1)
}

func (h *fakeHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return engine.ErrReleased
	}
	h.loader.released.Add(1)
	if h.loader.releaseFail == h.kind {
		return fmt.Errorf("release %s: %w", h.kind, errInjected)
	}
	return nil
}

type fakeSession struct {
	fakeHandle
	steps int
}

func (s *fakeSession) SetupTimings() *engine.SetupTimings {
	return &engine.SetupTimings{ParamsSetup: time.Millisecond}
}

func (s *fakeSession) ParamsSummary() *engine.ParamsSummary {
	return &engine.ParamsSummary{Field: "fake", Base: 2, Degree: 54}
}

func (s *fakeSession) CircuitSummary() *engine.CircuitSummary {
	return &engine.CircuitSummary{Constraints: 1, Variables: 3, WitnessSteps: 2}
}

func (s *fakeSession) AddStepsFromExport(context.Context, []byte) error {
	if err := s.loader.step("add_steps"); err != nil {
		return err
	}
	s.steps = 2
	return nil
}

func (s *fakeSession) StepCount() int { return s.steps }

func (s *fakeSession) FoldAndProve(context.Context) (engine.FoldProof, error) {
	if err := s.loader.step("prove"); err != nil {
		return nil, err
	}
	p := &fakeFoldProof{steps: s.steps}
	p.init(s.loader, "fold_proof")
	return p, nil
}

func (s *fakeSession) Verify(context.Context, engine.FoldProof) (bool, error) {
	if err := s.loader.step("verify"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fakeSession) Compress(context.Context, engine.FoldProof) (engine.CompressedProof, error) {
	if err := s.loader.step("compress"); err != nil {
		return nil, err
	}
	c := &fakeCompressed{}
	c.init(s.loader, "compressed_proof")
	return c, nil
}

func (s *fakeSession) VerifyCompressed(context.Context, engine.CompressedProof) (bool, error) {
	if err := s.loader.step("verify_compressed"); err != nil {
		return false, err
	}
	return true, nil
}

type fakeFoldProof struct {
	fakeHandle
	steps int
}

func (p *fakeFoldProof) StepCount() int { return p.steps }

func (p *fakeFoldProof) FoldStepDurations() []time.Duration {
	return []time.Duration{time.Millisecond, 3 * time.Millisecond}
}

func (p *fakeFoldProof) Estimate() *engine.ProofEstimate {
	return &engine.ProofEstimate{ProofSteps: p.steps}
}

func (p *fakeFoldProof) FoldingSummary() *engine.FoldingSummary {
	return &engine.FoldingSummary{InputsPerStep: []int{1, 2}, AccumulatorLenAfter: []int{1, 1}}
}

type fakeCompressed struct {
	fakeHandle
}

func (c *fakeCompressed) Bytes() []byte { return []byte("snark-bytes") }

func (c *fakeCompressed) PackedLen() (int, bool) { return 43, true }

// fakeGenerations is a settable GenerationSource.
type fakeGenerations struct {
	gen atomic.Uint64
}

func (g *fakeGenerations) Generation(engine.Build) uint64 { return g.gen.Load() }
