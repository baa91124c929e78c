// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capability determines whether the current process can safely run
// the shared-memory threaded engine build.
//
// # Description
//
// Probe composes a fixed sequence of independent, fallible checks with
// short-circuit AND. It is fail-closed: a false result, an error or a panic
// in any check collapses the whole result to "unsupported". Probing never
// panics and never returns an error; the result is a hint that the worker
// combines with its sticky failure memory.
package capability

import (
	"fmt"
	"sync"
)

// ThreadsProbeModule is a minimal binary module that only validates when the
// threads feature is supported:
//
//	(module (memory 1 1 shared) (func i32.const 0 i32.atomic.load drop))
var ThreadsProbeModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x04, 0x01, 0x03, 0x01, 0x01,
	0x0a, 0x0b, 0x01, 0x09, 0x00, 0x41, 0x00, 0xfe, 0x10, 0x02, 0x00, 0x1a, 0x0b,
}

// State is an immutable capability snapshot.
type State struct {
	// Isolated reports whether the execution context is isolation-enabled.
	Isolated bool `json:"isolated"`

	// SharedMemoryOK reports whether shared buffers and atomics are usable.
	SharedMemoryOK bool `json:"shared_memory_ok"`

	// ThreadedUsable reports whether every check passed.
	ThreadedUsable bool `json:"threaded_usable"`

	// Reason names the first failing check. Empty when ThreadedUsable.
	Reason string `json:"reason,omitempty"`
}

// Environment exposes the primitives the probe checks.
//
// # Description
//
// Each method is one probe step. Implementations may return false, return
// an error or panic; Probe treats all three as "unsupported".
type Environment interface {
	// ValidationAvailable reports whether modules can be validated at all.
	ValidationAvailable() bool

	// Isolated reports whether the execution context is isolation-enabled.
	Isolated() bool

	// SharedBufferConstructible reports whether a shared-memory buffer can
	// be created.
	SharedBufferConstructible() bool

	// AtomicsAvailable reports whether atomic memory operations work on a
	// shared buffer.
	AtomicsAvailable() bool

	// Validate reports whether module validates.
	Validate(module []byte) bool

	// TransferShared hands a shared buffer across an execution-context
	// boundary once.
	TransferShared() error

	// NewSharedMemory constructs a shared memory instance and reports
	// whether it is the shared kind.
	NewSharedMemory() (bool, error)
}

// step is one named probe check.
type step struct {
	name  string
	check func(Environment) (bool, error)
}

func boolStep(name string, f func(Environment) bool) step {
	return step{name: name, check: func(env Environment) (bool, error) { return f(env), nil }}
}

var steps = []step{
	boolStep("validation_unavailable", Environment.ValidationAvailable),
	boolStep("not_isolated", Environment.Isolated),
	boolStep("shared_buffer_unavailable", Environment.SharedBufferConstructible),
	boolStep("atomics_unavailable", Environment.AtomicsAvailable),
	boolStep("threads_module_invalid", func(env Environment) bool {
		return env.Validate(ThreadsProbeModule)
	}),
	{name: "shared_transfer_failed", check: func(env Environment) (bool, error) {
		return true, env.TransferShared()
	}},
	{name: "shared_memory_unavailable", check: Environment.NewSharedMemory},
}

// Probe runs every check in order and returns the combined state.
//
// # Description
//
// Checks short-circuit: the first failing check ends probing and its name
// is recorded in State.Reason. Isolated and SharedMemoryOK report the checks
// that completed before the failure.
//
// # Inputs
//
//   - env: the environment to probe. A nil env is unsupported.
//
// # Outputs
//
//   - State: never fails; unsupported states carry a Reason.
func Probe(env Environment) State {
	var st State
	if env == nil {
		st.Reason = "no_environment"
		return st
	}
	for i, s := range steps {
		ok, err := runStep(env, s)
		if !ok || err != nil {
			st.Reason = s.name
			if err != nil {
				st.Reason = fmt.Sprintf("%s: %v", s.name, err)
			}
			return st
		}
		switch i {
		case 1:
			st.Isolated = true
		case 3:
			st.SharedMemoryOK = true
		}
	}
	st.ThreadedUsable = true
	return st
}

// runStep runs one check, converting a panic into failure.
func runStep(env Environment, s step) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.check(env)
}

// =============================================================================
// Prober
// =============================================================================

// Prober memoizes Probe for the lifetime of the process.
//
// # Thread Safety
//
// Safe for concurrent use. The environment is probed at most once.
type Prober struct {
	state func() State
}

// NewProber creates a Prober that probes env lazily on first use.
func NewProber(env Environment) *Prober {
	return &Prober{state: sync.OnceValue(func() State { return Probe(env) })}
}

// State returns the memoized capability state.
func (p *Prober) State() State {
	return p.state()
}

// Static returns a Prober that always reports st. Useful for forcing a build
// from configuration.
func Static(st State) *Prober {
	return &Prober{state: func() State { return st }}
}
