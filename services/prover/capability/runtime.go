// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// sharedMemoryModule exports a single shared memory:
//
//	(module (memory (export "mem") 1 1 shared))
var sharedMemoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x04, 0x01, 0x03, 0x01, 0x01,
	0x07, 0x07, 0x01, 0x03, 'm', 'e', 'm', 0x02, 0x00,
}

// wasmPageSize is the size of one linear memory page.
const wasmPageSize = 65536

// RuntimeEnvironment probes the real process.
//
// # Description
//
// Module validation and shared memory construction run on a wazero runtime
// with the threads feature enabled. Shared buffers are anonymous shared
// mappings exercised with atomics from a second goroutine.
//
// # Thread Safety
//
// Safe for concurrent use, though Prober calls it once.
type RuntimeEnvironment struct {
	// Isolation is the configured isolation flag. The context counts as
	// isolated only if this is set and more than one OS thread may run Go
	// code simultaneously.
	Isolation bool

	// Timeout bounds each wazero operation.
	Timeout time.Duration

	mu     sync.Mutex
	buffer sharedBuffer
}

// NewRuntimeEnvironment creates a RuntimeEnvironment.
func NewRuntimeEnvironment(isolation bool) *RuntimeEnvironment {
	return &RuntimeEnvironment{Isolation: isolation, Timeout: 5 * time.Second}
}

func (e *RuntimeEnvironment) opContext() (context.Context, context.CancelFunc) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func threadsConfig(threads bool) wazero.RuntimeConfig {
	features := api.CoreFeaturesV2
	if threads {
		features |= experimental.CoreFeaturesThreads
	}
	return wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(features)
}

// compiles reports whether module compiles on a runtime with or without the
// threads feature.
func (e *RuntimeEnvironment) compiles(module []byte, threads bool) error {
	ctx, cancel := e.opContext()
	defer cancel()

	r := wazero.NewRuntimeWithConfig(ctx, threadsConfig(threads))
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		return err
	}
	return compiled.Close(ctx)
}

// ValidationAvailable implements Environment.
func (e *RuntimeEnvironment) ValidationAvailable() bool {
	// An empty module must validate on any working runtime.
	return e.compiles([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, false) == nil
}

// Isolated implements Environment.
func (e *RuntimeEnvironment) Isolated() bool {
	return e.Isolation && runtime.GOMAXPROCS(0) > 1
}

// SharedBufferConstructible implements Environment.
func (e *RuntimeEnvironment) SharedBufferConstructible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buffer != nil {
		return true
	}
	buf, err := newSharedBuffer(wasmPageSize)
	if err != nil {
		return false
	}
	e.buffer = buf
	return true
}

// AtomicsAvailable implements Environment. A second goroutine increments a
// word of the shared buffer with atomics; the result must be visible here.
func (e *RuntimeEnvironment) AtomicsAvailable() bool {
	e.mu.Lock()
	buf := e.buffer
	e.mu.Unlock()
	if buf == nil {
		return false
	}

	word := buf.word(0)
	atomic.StoreUint32(word, 0)
	const n = 64
	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		go func() {
			defer wg.Done()
			for range n {
				atomic.AddUint32(word, 1)
			}
		}()
	}
	wg.Wait()
	return atomic.LoadUint32(word) == 2*n
}

// Validate implements Environment.
func (e *RuntimeEnvironment) Validate(module []byte) bool {
	return e.compiles(module, true) == nil
}

// TransferShared implements Environment. The buffer's address is handed to
// another goroutine over a channel; the receiver writes through it and the
// write must be visible to the sender.
func (e *RuntimeEnvironment) TransferShared() error {
	e.mu.Lock()
	buf := e.buffer
	e.mu.Unlock()
	if buf == nil {
		return errors.New("no shared buffer")
	}

	const marker = 0x5a5a5a5a
	ch := make(chan sharedBuffer, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		received := <-ch
		atomic.StoreUint32(received.word(1), marker)
	}()
	ch <- buf
	<-done
	if got := atomic.LoadUint32(buf.word(1)); got != marker {
		return fmt.Errorf("transfer not visible: got 0x%x", got)
	}
	return nil
}

// NewSharedMemory implements Environment.
//
// # Description
//
// Instantiates a module exporting a shared memory and checks it has one
// page. The memory is confirmed to be the shared kind by compiling the same
// module with threads disabled, which must be rejected.
func (e *RuntimeEnvironment) NewSharedMemory() (bool, error) {
	ctx, cancel := e.opContext()
	defer cancel()

	r := wazero.NewRuntimeWithConfig(ctx, threadsConfig(true))
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, sharedMemoryModule)
	if err != nil {
		return false, fmt.Errorf("compile shared memory module: %w", err)
	}
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("probe"))
	if err != nil {
		return false, fmt.Errorf("instantiate shared memory module: %w", err)
	}
	mem := mod.ExportedMemory("mem")
	if mem == nil || mem.Size() != wasmPageSize {
		return false, nil
	}
	if !mem.WriteUint32Le(0, 1) {
		return false, nil
	}

	if e.compiles(sharedMemoryModule, false) == nil {
		// Accepted without threads, so the memory is not shared.
		return false, nil
	}
	return true, nil
}

// Close releases the shared buffer.
func (e *RuntimeEnvironment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buffer == nil {
		return nil
	}
	err := e.buffer.Close()
	e.buffer = nil
	return err
}

// sharedBuffer is a shared-memory mapping addressable as uint32 words.
type sharedBuffer interface {
	word(i int) *uint32
	Close() error
}
