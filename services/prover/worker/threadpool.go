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
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// DefaultThreadPoolTimeout bounds StartThreadPool.
const DefaultThreadPoolTimeout = 8 * time.Second

// errTimedOut is returned by raceTimeout when the deadline wins.
var errTimedOut = errors.New("timed out")

// raceTimeout runs fn and returns whichever finishes first: fn, the timeout,
// or ctx.
//
// # Description
//
// fn runs on its own goroutine with a context that is cancelled when
// raceTimeout returns, so a losing fn is asked to stop but is not waited
// for. A panic in fn is returned as a *engine.TrapError. A timeout of zero
// or less disables the deadline.
//
// # Outputs
//
//   - T: fn's result, or the zero value when fn lost.
//   - error: fn's error, an error wrapping errTimedOut, or ctx.Err().
func raceTimeout[T any](ctx context.Context, timeout time.Duration, label string, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: engine.TrapFromPanic(p)}
			}
			done <- res
		}()
		res.value, res.err = fn(ctx)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var zero T
	select {
	case res := <-done:
		return res.value, res.err
	case <-expired:
		return zero, fmt.Errorf("%s %w after %d ms", label, errTimedOut, timeout.Milliseconds())
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// initThreadPool starts the thread pool of a threaded module.
//
// # Outputs
//
//   - error: ErrPoolEntryMissing when mod has no pool entry point, an error
//     wrapping ErrThreadPoolTimeout when start exceeds the configured
//     timeout, or the module's own start error.
func (w *Worker) initThreadPool(ctx context.Context, mod engine.Module, threads int) error {
	starter, ok := mod.(engine.PoolStarter)
	if !ok {
		return ErrPoolEntryMissing
	}

	_, err := raceTimeout(ctx, w.cfg.ThreadPoolTimeout, "start_thread_pool", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, starter.StartThreadPool(ctx, threads)
	})
	if errors.Is(err, errTimedOut) {
		return fmt.Errorf("%w: %w", ErrThreadPoolTimeout, err)
	}
	return err
}
