// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrInvalidCircuit indicates a malformed circuit or witness document.
	ErrInvalidCircuit = errors.New("invalid circuit")

	// ErrInvalidProgram indicates a guest program that cannot be assembled.
	ErrInvalidProgram = errors.New("invalid program")

	// ErrBuildUnavailable indicates the requested build cannot be loaded.
	ErrBuildUnavailable = errors.New("build unavailable")

	// ErrReleased indicates use or release of an already released handle.
	ErrReleased = errors.New("handle already released")

	// ErrNotInitialized indicates a module used before Init.
	ErrNotInitialized = errors.New("module not initialized")
)

// =============================================================================
// Traps
// =============================================================================

// TrapKind classifies a low-level runtime fault.
type TrapKind string

const (
	TrapUnreachable   TrapKind = "unreachable"
	TrapOutOfBounds   TrapKind = "out_of_bounds"
	TrapStackOverflow TrapKind = "stack_overflow"
	TrapOther         TrapKind = "other"
)

// TrapError is a low-level runtime fault raised by a module, as opposed to an
// ordinary application error returned by an engine operation.
type TrapError struct {
	Kind    TrapKind
	Message string
}

// Error implements error.
func (e *TrapError) Error() string {
	return fmt.Sprintf("trap (%s): %s", e.Kind, e.Message)
}

// trapSignatures maps message fragments to trap kinds. Order matters: the
// first match wins.
var trapSignatures = []struct {
	fragment string
	kind     TrapKind
}{
	{"unreachable executed", TrapUnreachable},
	{"wasm trap", TrapUnreachable},
	{"out of bounds", TrapOutOfBounds},
	{"index out of range", TrapOutOfBounds},
	{"slice bounds out of range", TrapOutOfBounds},
	{"nil pointer dereference", TrapOutOfBounds},
	{"stack overflow", TrapStackOverflow},
	{"maximum call stack", TrapStackOverflow},
	{"runtimeerror", TrapOther},
}

// classifyTrap returns the trap kind for a fault message, if it looks like one.
func classifyTrap(msg string) (TrapKind, bool) {
	lower := strings.ToLower(msg)
	for _, sig := range trapSignatures {
		if strings.Contains(lower, sig.fragment) {
			return sig.kind, true
		}
	}
	return "", false
}

// IsTrap reports whether err is a runtime trap.
//
// # Description
//
// Typed traps (*TrapError anywhere in the chain) are recognized directly.
// Untyped errors are recognized by trap signature in their message, since
// some builds report faults as plain strings.
func IsTrap(err error) bool {
	if err == nil {
		return false
	}
	var trap *TrapError
	if errors.As(err, &trap) {
		return true
	}
	_, ok := classifyTrap(err.Error())
	return ok
}

// TrapFromPanic converts a recovered panic value into a *TrapError.
//
// Runtime errors (index out of range, nil dereference) map to their trap
// kind. Any other panic value is reported as TrapUnreachable, which is how an
// aborting module surfaces.
func TrapFromPanic(v any) *TrapError {
	switch p := v.(type) {
	case *TrapError:
		return p
	case runtime.Error:
		kind, ok := classifyTrap(p.Error())
		if !ok {
			kind = TrapOther
		}
		return &TrapError{Kind: kind, Message: p.Error()}
	case error:
		return &TrapError{Kind: TrapUnreachable, Message: p.Error()}
	default:
		return &TrapError{Kind: TrapUnreachable, Message: fmt.Sprint(p)}
	}
}
