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
	"github.com/AleutianAI/AleutianProver/services/prover/capability"
	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// Limits bound the thread count of the threaded build.
type Limits struct {
	// MaxThreads is the upper clamp. Values below 1 mean 1.
	MaxThreads int

	// DefaultThreads is used when a request does not name a count.
	DefaultThreads int
}

// Selection is the outcome of Select.
type Selection struct {
	Build   engine.Build
	Threads int

	// Downgraded is set when the host asked for the threaded build and the
	// capability probe ruled it out.
	Downgraded bool
}

// Select picks the build and thread count for a run.
//
// # Description
//
// Priority, first match wins:
//  1. failure disabled: single build.
//  2. hint single: single build.
//  3. hint threaded without threaded capability: single build, Downgraded.
//  4. otherwise threaded when capable, else single.
//
// The threaded thread count is requested when positive, else
// limits.DefaultThreads, clamped to [1, limits.MaxThreads].
//
// # Inputs
//
//   - hint: Host build preference. Empty is auto.
//   - requested: Host thread count, <= 0 for the default.
//   - caps: Capability probe result.
//   - failure: Sticky failure memory. May be nil.
//   - limits: Thread count bounds.
func Select(hint BundleHint, requested int, caps capability.State, failure *FailureMemory, limits Limits) Selection {
	single := Selection{Build: engine.BuildSingle}

	if failure != nil && failure.Disabled() {
		return single
	}
	if hint == BundleSingle {
		return single
	}
	if !caps.ThreadedUsable {
		if hint == BundleThreaded {
			single.Downgraded = true
		}
		return single
	}

	return Selection{Build: engine.BuildThreaded, Threads: chooseThreads(requested, limits)}
}

func chooseThreads(requested int, limits Limits) int {
	n := requested
	if n <= 0 {
		n = limits.DefaultThreads
	}
	maxThreads := max(1, limits.MaxThreads)
	return min(max(1, n), maxThreads)
}
