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
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// scopeEntry is one registered engine handle.
type scopeEntry struct {
	kind   string
	handle engine.Handle
}

// handleScope tracks the engine handles acquired during one run.
//
// # Description
//
// Handles are registered the moment they are acquired and released in
// reverse order by drain, which the run defers so it executes on every exit
// path. Each release is attempted independently: an error or panic in one
// does not skip the rest.
//
// # Thread Safety
//
// Not safe for concurrent use. A scope belongs to a single run.
type handleScope struct {
	entries  []scopeEntry
	acquired int
	released int
}

// add registers h under kind. A nil handle is ignored.
func (s *handleScope) add(kind string, h engine.Handle) {
	if h == nil {
		return
	}
	s.entries = append(s.entries, scopeEntry{kind: kind, handle: h})
	s.acquired++
}

// drain releases every registered handle, newest first, and reports each
// failure to onErr. The scope is empty afterwards.
func (s *handleScope) drain(onErr func(kind string, err error)) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if err := releaseOne(e.handle); err != nil && onErr != nil {
			onErr(e.kind, err)
		}
		s.released++
	}
	s.entries = nil
}

func releaseOne(h engine.Handle) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("release panicked: %w", engine.TrapFromPanic(p))
		}
	}()
	return h.Release()
}
