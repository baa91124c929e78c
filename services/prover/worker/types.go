// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker runs proof pipelines against a loaded engine module on a
// single background goroutine and streams progress events to a host.
//
// A Worker owns at most one resident engine module. It picks between the
// single-threaded and the threaded build from the process capability probe,
// falls back to the single build on thread pool or trap failures, and
// remembers that downgrade for the rest of its lifetime.
package worker

import (
	"time"
)

// =============================================================================
// Requests
// =============================================================================

// Mode selects the pipeline a RunRequest executes.
type Mode string

const (
	// ModeDefault runs the staged circuit pipeline over a circuit export.
	ModeDefault Mode = "default"

	// ModeAlternate runs the monolithic guest program pipeline.
	ModeAlternate Mode = "alternate"
)

// BundleHint is the host's preference between engine builds.
type BundleHint string

const (
	BundleAuto     BundleHint = "auto"
	BundleSingle   BundleHint = "single"
	BundleThreaded BundleHint = "threaded"
)

// Valid reports whether h is a known hint. The empty hint means auto.
func (h BundleHint) Valid() bool {
	switch h {
	case "", BundleAuto, BundleSingle, BundleThreaded:
		return true
	}
	return false
}

// RunOptions are the per-run switches of a RunRequest.
type RunOptions struct {
	// Compress requests a compressed proof and a downloadable artifact.
	Compress bool

	// Bundle is the build preference. Empty means auto.
	Bundle BundleHint

	// Threads is the requested thread count. Zero or negative means the
	// configured hardware default.
	Threads int
}

// ProgramParams are the guest program parameters for ModeAlternate.
type ProgramParams struct {
	N         uint32
	RAMBytes  int
	ChunkSize int
	MaxSteps  int
}

// RunRequest is one unit of work submitted by a host.
//
// # Description
//
// The worker never mutates a request. ID must be strictly greater than every
// id previously submitted to the same worker.
//
// # Fields
//
//   - ID: Correlates every event of the run.
//   - Mode: Pipeline to execute.
//   - Payload: Circuit export JSON (default mode) or guest program text
//     (alternate mode).
//   - Options: Compression and build selection.
//   - Program: Guest parameters, alternate mode only.
//   - Trace: W3C trace context carried from the host. May be nil.
type RunRequest struct {
	ID      uint64
	Mode    Mode
	Payload []byte
	Options RunOptions
	Program ProgramParams
	Trace   map[string]string
}

// =============================================================================
// Events
// =============================================================================

// EventKind is the type of a progress event.
type EventKind string

const (
	EventLog   EventKind = "log"
	EventPhase EventKind = "phase"
	EventState EventKind = "state"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// Level is the severity of a log event.
type Level string

const (
	LevelInfo Level = "info"
	LevelWarn Level = "warn"
)

// Error codes carried by error events.
const (
	CodeBusy         = "busy"
	CodeStaleID      = "stale_id"
	CodeInvalidInput = "invalid_input"
	CodeModuleLoad   = "module_load"
	CodeTrap         = "trap"
	CodeCanceled     = "canceled"
	CodeClosed       = "closed"
	CodeInternal     = "internal"
)

// StateInfo describes the resident build after a downgrade.
type StateInfo struct {
	Build          string `json:"build"`
	Threads        int    `json:"threads"`
	Disabled       bool   `json:"disabled"`
	Reason         string `json:"reason,omitempty"`
	RestartAdvised bool   `json:"restart_advised"`
}

// Artifact is a downloadable run output. The receiver of the done event owns
// Bytes; the worker keeps no reference.
type Artifact struct {
	Filename string
	Bytes    []byte

	// URL is set by transports that also stored the artifact for download.
	URL string
}

// Event is one progress event of a run.
//
// Exactly one of the kind-specific fields is meaningful:
//   - EventLog: Level, Line
//   - EventPhase: Label
//   - EventState: State
//   - EventDone: Artifact (may be nil)
//   - EventError: Message, Code
type Event struct {
	ID       uint64
	Kind     EventKind
	Time     time.Time
	Level    Level
	Line     string
	Label    string
	State    *StateInfo
	Artifact *Artifact
	Message  string
	Code     string
}

// Terminal reports whether e ends its run.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}
