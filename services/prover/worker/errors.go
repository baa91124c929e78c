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

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrModuleLoad indicates the single-threaded build could not be loaded
	// or initialized. Fatal to the run.
	ErrModuleLoad = errors.New("module load failed")

	// ErrInvalidInput indicates a malformed payload or request. Fatal to the
	// run; module state is unchanged.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBusy rejects a submission while another run is in flight.
	ErrBusy = errors.New("run already in progress")

	// ErrStaleID rejects a submission whose id is not greater than the last
	// id seen by the worker.
	ErrStaleID = errors.New("request id is not increasing")

	// ErrPoolEntryMissing indicates a threaded module without a thread pool
	// entry point. This is a build mismatch, not a capability failure.
	ErrPoolEntryMissing = errors.New("threaded module has no thread pool entry point")

	// ErrThreadPoolTimeout indicates thread pool start did not finish in time.
	ErrThreadPoolTimeout = errors.New("thread pool start timed out")

	// ErrClosed rejects submissions to a closed worker.
	ErrClosed = errors.New("worker closed")

	// ErrInternal wraps a panic recovered from a run.
	ErrInternal = errors.New("internal error")
)

// errorCode maps a run error to the code carried by its error event.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrStaleID):
		return CodeStaleID
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrModuleLoad):
		return CodeModuleLoad
	case engine.IsTrap(err):
		return CodeTrap
	default:
		return CodeInternal
	}
}
