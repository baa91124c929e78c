// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport carries worker runs over a WebSocket.
//
// The server side (HandleWorker) gives each connection its own worker.Worker
// and relays its events as JSON text frames. An artifact on a done event is
// followed by one binary frame holding the raw bytes. The client side
// (Client, Host) turns those frames back into worker events.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianProver/services/prover/worker"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// TypeRun is the only message type a host sends.
	TypeRun = "run"

	// MaxPayloadBytes bounds the circuit export or program source.
	MaxPayloadBytes = 8 * 1024 * 1024

	// maxTraceEntries bounds the propagated trace carrier.
	maxTraceEntries = 16
)

// Error codes produced by the transport itself. Worker codes are passed
// through unchanged.
const (
	CodeInvalidRequest = "invalid_request"
	CodeRateLimited    = "rate_limited"
)

var (
	// ErrInvalidMessage is returned for frames that do not decode into a
	// valid run message.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrRunInProgress is returned by Host.Submit while a run is in flight.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrClosed is returned after the connection has gone away.
	ErrClosed = errors.New("connection closed")
)

// messageValidate validates inbound run messages.
var messageValidate = validator.New()

// =============================================================================
// Host → worker
// =============================================================================

// RunMessage is the host's run submission.
//
// # Fields
//
//   - Type: Always "run".
//   - ID: Run identifier. Must grow with every submission on a connection.
//   - Mode: "default" (circuit export) or "alternate" (guest program).
//     Empty means default.
//   - Payload: Circuit export JSON or program source.
//   - Options: Compression, bundle preference and thread count.
//   - N, RAMBytes, ChunkSize, MaxSteps: Guest program parameters, used
//     by the alternate mode only.
//   - Trace: W3C trace context carrier. Optional.
type RunMessage struct {
	Type      string            `json:"type" validate:"required,eq=run"`
	ID        uint64            `json:"id"`
	Mode      string            `json:"mode,omitempty" validate:"omitempty,oneof=default alternate"`
	Payload   string            `json:"payload" validate:"max=8388608"`
	Options   OptionsMessage    `json:"options"`
	N         uint32            `json:"n,omitempty"`
	RAMBytes  int               `json:"ram_bytes,omitempty" validate:"gte=0,lte=16777216"`
	ChunkSize int               `json:"chunk_size,omitempty" validate:"gte=0,lte=65536"`
	MaxSteps  int               `json:"max_steps,omitempty" validate:"gte=0,lte=4194304"`
	Trace     map[string]string `json:"trace,omitempty" validate:"max=16"`
}

// OptionsMessage carries the run options.
type OptionsMessage struct {
	Compress bool   `json:"compress"`
	Bundle   string `json:"bundle,omitempty" validate:"omitempty,oneof=auto single threaded"`
	Threads  int    `json:"threads,omitempty" validate:"gte=0,lte=1024"`
}

// DecodeRun parses and validates one text frame.
//
// # Outputs
//
//   - RunMessage: The decoded message. ID is set whenever the frame carried
//     one, even if validation failed, so the rejection can name it.
//   - error: Wraps ErrInvalidMessage on any decode or validation failure.
func DecodeRun(data []byte) (RunMessage, error) {
	var msg RunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := messageValidate.Struct(msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if len(msg.Trace) > maxTraceEntries {
		return msg, fmt.Errorf("%w: too many trace entries", ErrInvalidMessage)
	}
	return msg, nil
}

// Request converts the message into a worker request.
func (m RunMessage) Request() worker.RunRequest {
	mode := worker.Mode(m.Mode)
	if mode == "" {
		mode = worker.ModeDefault
	}
	return worker.RunRequest{
		ID:      m.ID,
		Mode:    mode,
		Payload: []byte(m.Payload),
		Options: worker.RunOptions{
			Compress: m.Options.Compress,
			Bundle:   worker.BundleHint(m.Options.Bundle),
			Threads:  m.Options.Threads,
		},
		Program: worker.ProgramParams{
			N:         m.N,
			RAMBytes:  m.RAMBytes,
			ChunkSize: m.ChunkSize,
			MaxSteps:  m.MaxSteps,
		},
		Trace: m.Trace,
	}
}

// NewRunMessage builds the wire form of req.
func NewRunMessage(req worker.RunRequest) RunMessage {
	return RunMessage{
		Type:    TypeRun,
		ID:      req.ID,
		Mode:    string(req.Mode),
		Payload: string(req.Payload),
		Options: OptionsMessage{
			Compress: req.Options.Compress,
			Bundle:   string(req.Options.Bundle),
			Threads:  req.Options.Threads,
		},
		N:         req.Program.N,
		RAMBytes:  req.Program.RAMBytes,
		ChunkSize: req.Program.ChunkSize,
		MaxSteps:  req.Program.MaxSteps,
		Trace:     req.Trace,
	}
}

// =============================================================================
// Worker → host
// =============================================================================

// ArtifactRef describes the binary frame that follows a done message.
type ArtifactRef struct {
	Filename string `json:"filename"`
	BytesLen int    `json:"bytes_len"`
	URL      string `json:"url,omitempty"`
}

// EventMessage is one worker event on the wire. State fields are inlined
// for state events.
type EventMessage struct {
	Type  string `json:"type"`
	ID    uint64 `json:"id"`
	Level string `json:"level,omitempty"`
	Line  string `json:"line,omitempty"`
	Label string `json:"label,omitempty"`

	*worker.StateInfo

	Artifact *ArtifactRef `json:"artifact,omitempty"`
	Message  string       `json:"message,omitempty"`
	Code     string       `json:"code,omitempty"`
}

// NewEventMessage converts ev into its wire form. url is the download
// location of the artifact, if one was stored.
func NewEventMessage(ev worker.Event, url string) EventMessage {
	msg := EventMessage{
		Type:      string(ev.Kind),
		ID:        ev.ID,
		Level:     string(ev.Level),
		Line:      ev.Line,
		Label:     ev.Label,
		StateInfo: ev.State,
		Message:   ev.Message,
		Code:      ev.Code,
	}
	if ev.Artifact != nil {
		msg.Artifact = &ArtifactRef{
			Filename: ev.Artifact.Filename,
			BytesLen: len(ev.Artifact.Bytes),
			URL:      url,
		}
	}
	return msg
}

// Event converts the message back into a worker event. Artifact bytes are
// not part of the message; the caller attaches them from the binary frame.
func (m EventMessage) Event() worker.Event {
	ev := worker.Event{
		ID:      m.ID,
		Kind:    worker.EventKind(m.Type),
		Level:   worker.Level(m.Level),
		Line:    m.Line,
		Label:   m.Label,
		State:   m.StateInfo,
		Message: m.Message,
		Code:    m.Code,
	}
	if m.Artifact != nil {
		ev.Artifact = &worker.Artifact{Filename: m.Artifact.Filename, URL: m.Artifact.URL}
	}
	return ev
}

// rejection builds a transport-level error message.
func rejection(id uint64, code, message string) EventMessage {
	return EventMessage{Type: string(worker.EventError), ID: id, Message: message, Code: code}
}
