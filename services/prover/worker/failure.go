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

import "sync"

// FailureMemory records that the threaded build was found unusable.
//
// # Description
//
// The transition is one way: once disabled, a FailureMemory stays disabled
// for the lifetime of the worker that owns it. The first reason wins.
//
// # Thread Safety
//
// Safe for concurrent use.
type FailureMemory struct {
	mu       sync.Mutex
	disabled bool
	reason   string
	notified bool
}

// Disabled reports whether the threaded build has been disabled.
func (f *FailureMemory) Disabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled
}

// Reason returns the first recorded failure reason, or "".
func (f *FailureMemory) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Disable marks the threaded build unusable.
//
// # Outputs
//
//   - bool: true exactly once per FailureMemory, on the first call. The
//     caller emits the host notification only when it gets true.
func (f *FailureMemory) Disable(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.disabled {
		f.disabled = true
		f.reason = reason
	}
	if f.notified {
		return false
	}
	f.notified = true
	return true
}
