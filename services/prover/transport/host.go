// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianProver/services/prover/worker"
)

// RunError is the terminal error event of a run, as an error.
type RunError struct {
	ID      uint64
	Code    string
	Message string
}

func (e *RunError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("run %d failed: %s", e.ID, e.Message)
	}
	return fmt.Sprintf("run %d failed (%s): %s", e.ID, e.Code, e.Message)
}

// Host drives one worker the way an interactive page does.
//
// # Description
//
// Host numbers runs itself, allows one run in flight at a time and filters
// the event stream down to the current run. Events carrying any other id
// belong to superseded runs and are dropped. The in-flight flag is cleared
// by the current run's terminal event, whether done or error.
//
// # Thread Safety
//
// Submit, Abandon and InFlight are safe for concurrent use. Next must be
// called from one goroutine.
type Host struct {
	ch Channel

	mu       sync.Mutex
	nextID   uint64
	current  uint64
	inFlight bool
}

// NewHost creates a Host over ch.
func NewHost(ch Channel) *Host {
	return &Host{ch: ch}
}

// Submit assigns req the next run id and sends it.
//
// # Outputs
//
//   - uint64: The assigned id.
//   - error: ErrRunInProgress while a run is in flight, or the send error.
func (h *Host) Submit(ctx context.Context, req worker.RunRequest) (uint64, error) {
	h.mu.Lock()
	if h.inFlight {
		h.mu.Unlock()
		return 0, ErrRunInProgress
	}
	h.nextID++
	req.ID = h.nextID
	h.current = req.ID
	h.inFlight = true
	h.mu.Unlock()

	if err := h.ch.Send(ctx, req); err != nil {
		h.Abandon()
		return 0, err
	}
	return req.ID, nil
}

// Next returns the next event of the current run.
func (h *Host) Next(ctx context.Context) (worker.Event, error) {
	for {
		ev, err := h.ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				h.Abandon()
			}
			return worker.Event{}, err
		}

		h.mu.Lock()
		current := ev.ID == h.current
		if current && ev.Terminal() {
			h.inFlight = false
		}
		h.mu.Unlock()

		if current {
			return ev, nil
		}
	}
}

// Run submits req and waits for its terminal event. Non-terminal events
// are passed to onEvent, which may be nil.
//
// # Outputs
//
//   - worker.Event: The done event.
//   - error: *RunError for an error event, ErrRunInProgress, or a
//     transport error. On ctx cancellation the run is abandoned.
func (h *Host) Run(ctx context.Context, req worker.RunRequest, onEvent func(worker.Event)) (worker.Event, error) {
	if _, err := h.Submit(ctx, req); err != nil {
		return worker.Event{}, err
	}
	for {
		ev, err := h.Next(ctx)
		if err != nil {
			h.Abandon()
			return worker.Event{}, err
		}
		switch ev.Kind {
		case worker.EventDone:
			return ev, nil
		case worker.EventError:
			return ev, &RunError{ID: ev.ID, Code: ev.Code, Message: ev.Message}
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

// Abandon stops waiting for the current run. Its remaining events are
// dropped once the next run is submitted.
func (h *Host) Abandon() {
	h.mu.Lock()
	h.inFlight = false
	h.mu.Unlock()
}

// InFlight reports whether a run is awaiting its terminal event.
func (h *Host) InFlight() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight
}

// Close closes the underlying channel.
func (h *Host) Close() error {
	return h.ch.Close()
}
