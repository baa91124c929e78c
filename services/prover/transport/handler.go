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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianProver/services/prover/artifacts"
	"github.com/AleutianAI/AleutianProver/services/prover/observability"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
	"github.com/AleutianAI/AleutianProver/services/prover/worker"
)

const (
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultRunRate is the sustained run submissions per second allowed
	// on one connection.
	DefaultRunRate = 2.0

	// DefaultRunBurst is the submission burst allowed on one connection.
	DefaultRunBurst = 4

	// maxFrameOverhead is the JSON envelope allowance on top of the payload.
	maxFrameOverhead = 64 * 1024
)

// ArtifactSink stores done artifacts so hosts can download them later.
type ArtifactSink interface {
	Put(name string, data []byte) (artifacts.Entry, error)
}

// HandlerConfig holds the collaborators of the worker WebSocket endpoint.
//
// # Fields
//
//   - NewWorker: Creates the worker for one connection. Required.
//   - Artifacts: Artifact store. Nil means artifacts are only sent inline.
//   - Metrics: Prometheus metrics. May be nil.
//   - Transport: OTel transport instruments. May be nil.
//   - Logger: Structured logger. Nil means slog.Default().
//   - RunRate, RunBurst: Per-connection submission limit.
//   - WriteTimeout: Bound on one frame write.
//   - AllowedOrigins: Accepted Origin headers. Empty accepts any origin.
type HandlerConfig struct {
	NewWorker      func(logger *slog.Logger) (*worker.Worker, error)
	Artifacts      ArtifactSink
	Metrics        *observability.ProverMetrics
	Transport      *telemetry.TransportMetrics
	Logger         *slog.Logger
	RunRate        rate.Limit
	RunBurst       int
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

func applyHandlerDefaults(cfg *HandlerConfig) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunRate <= 0 {
		cfg.RunRate = DefaultRunRate
	}
	if cfg.RunBurst <= 0 {
		cfg.RunBurst = DefaultRunBurst
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
}

func newUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
}

// HandleWorker serves GET /v1/worker.
//
// # Description
//
// Upgrades the request to a WebSocket and binds a fresh worker.Worker to
// it. Text frames from the host are run messages; every other frame is
// rejected with code "invalid_request". Submissions above the configured
// rate are rejected with code "rate_limited" without reaching the worker.
// Worker events are relayed in order. When the connection drops the worker
// is closed, which cancels any run in flight.
//
// # Inputs
//
//   - cfg: Endpoint configuration. NewWorker is required.
//
// # Outputs
//
//   - gin.HandlerFunc: The endpoint handler.
func HandleWorker(cfg HandlerConfig) gin.HandlerFunc {
	applyHandlerDefaults(&cfg)
	upgrader := newUpgrader(cfg.AllowedOrigins)

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			cfg.Logger.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		s := newSession(c.Request.Context(), ws, &cfg)
		s.serve()
	}
}

// =============================================================================
// Session
// =============================================================================

// session is one connection and its worker.
type session struct {
	id      string
	ctx     context.Context
	conn    *websocket.Conn
	cfg     *HandlerConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex
	broken  bool
}

func newSession(ctx context.Context, conn *websocket.Conn, cfg *HandlerConfig) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		ctx:     ctx,
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "transport", "conn_id", id),
		limiter: rate.NewLimiter(cfg.RunRate, cfg.RunBurst),
	}
}

func (s *session) serve() {
	w, err := s.cfg.NewWorker(s.logger)
	if err != nil {
		s.logger.Error("failed to create worker", "error", err)
		_ = s.writeJSON(rejection(0, worker.CodeInternal, "worker unavailable"))
		return
	}

	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()
	s.logger.Info("worker connection opened", "remote", s.conn.RemoteAddr().String())

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		s.forward(w.Events())
	}()

	s.conn.SetReadLimit(MaxPayloadBytes + maxFrameOverhead)
	s.read(w)

	if err := w.Close(); err != nil {
		s.logger.Warn("failed to close worker module", "error", err)
	}
	<-forwarded
	s.logger.Info("worker connection closed")
}

// read consumes host frames until the connection fails.
func (s *session) read(w *worker.Worker) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			s.reject(0, CodeInvalidRequest, "expected a text frame")
			continue
		}

		msg, err := DecodeRun(data)
		s.cfg.Transport.RecordMessage(s.ctx, "in", msg.Type)
		if err != nil {
			s.reject(msg.ID, CodeInvalidRequest, err.Error())
			continue
		}
		if !s.limiter.Allow() {
			s.reject(msg.ID, CodeRateLimited, "too many runs; slow down")
			continue
		}

		if err := w.Submit(msg.Request()); errors.Is(err, worker.ErrClosed) {
			return
		}
	}
}

func (s *session) reject(id uint64, code, message string) {
	s.cfg.Metrics.RecordRejection(code)
	s.logger.Info("run rejected", "request_id", id, "code", code)
	_ = s.writeJSON(rejection(id, code, message))
}

// forward relays worker events until the worker closes its channel. After
// a write failure events are still drained so the run loop never blocks.
func (s *session) forward(events <-chan worker.Event) {
	for ev := range events {
		if err := s.send(ev); err != nil && !s.isBroken() {
			s.logger.Warn("failed to write worker event", "request_id", ev.ID, "error", err)
			s.markBroken()
		}
	}
}

// send writes one event, plus the artifact frame for a done event.
func (s *session) send(ev worker.Event) error {
	var url string
	if ev.Artifact != nil && s.cfg.Artifacts != nil {
		name := s.id[:8] + "_" + ev.Artifact.Filename
		if entry, err := s.cfg.Artifacts.Put(name, ev.Artifact.Bytes); err != nil {
			s.logger.Warn("failed to store artifact", "name", name, "error", err)
		} else {
			url = artifacts.URL(entry.Name)
		}
	}

	if err := s.writeJSON(NewEventMessage(ev, url)); err != nil {
		return err
	}
	if ev.Artifact == nil {
		return nil
	}
	if err := s.writeBinary(ev.Artifact.Bytes); err != nil {
		return err
	}
	s.cfg.Transport.RecordArtifact(s.ctx, len(ev.Artifact.Bytes))
	return nil
}

func (s *session) writeJSON(msg EventMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.broken {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		return err
	}
	s.cfg.Transport.RecordMessage(s.ctx, "out", msg.Type)
	return nil
}

func (s *session) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.broken {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *session) markBroken() {
	s.writeMu.Lock()
	s.broken = true
	s.writeMu.Unlock()
}

func (s *session) isBroken() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.broken
}
