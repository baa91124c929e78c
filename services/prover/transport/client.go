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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
	"github.com/AleutianAI/AleutianProver/services/prover/worker"
)

// Channel is the host's view of a worker: requests go in, events come out.
// Client implements it over a WebSocket and LocalChannel over an
// in-process worker.
type Channel interface {
	Send(ctx context.Context, req worker.RunRequest) error
	Receive(ctx context.Context) (worker.Event, error)
	Close() error
}

// =============================================================================
// WebSocket client
// =============================================================================

// Client is a WebSocket connection to a worker endpoint.
//
// # Thread Safety
//
// Send and Receive may be called from different goroutines. Concurrent
// calls to the same method are serialized.
type Client struct {
	conn *websocket.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// Dial connects to a worker endpoint such as ws://localhost:8080/v1/worker.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(MaxPayloadBytes + maxFrameOverhead)
	return &Client{conn: conn}, nil
}

// Send submits req. The trace context of ctx is injected into the message.
func (c *Client) Send(ctx context.Context, req worker.RunRequest) error {
	req.Trace = telemetry.InjectToMap(ctx, req.Trace)
	msg := NewRunMessage(req)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send run %d: %w", req.ID, err)
	}
	return nil
}

// Receive returns the next worker event. For a done event carrying an
// artifact, the following binary frame is read and attached.
//
// A canceled ctx interrupts the read, after which the connection is no
// longer usable.
func (c *Client) Receive(ctx context.Context) (worker.Event, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, err := c.readEvent()
	if err != nil {
		if ctx.Err() != nil {
			return worker.Event{}, ctx.Err()
		}
		return worker.Event{}, err
	}
	ev := msg.Event()
	if msg.Artifact == nil {
		return ev, nil
	}

	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return worker.Event{}, fmt.Errorf("read artifact frame: %w", err)
	}
	if kind != websocket.BinaryMessage {
		return worker.Event{}, fmt.Errorf("%w: expected artifact frame", ErrInvalidMessage)
	}
	if len(data) != msg.Artifact.BytesLen {
		return worker.Event{}, fmt.Errorf("%w: artifact is %d bytes, announced %d",
			ErrInvalidMessage, len(data), msg.Artifact.BytesLen)
	}
	ev.Artifact.Bytes = data
	return ev, nil
}

func (c *Client) readEvent() (EventMessage, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return EventMessage{}, ErrClosed
			}
			return EventMessage{}, fmt.Errorf("read event: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return EventMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return msg, nil
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.sendMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.sendMu.Unlock()
	return c.conn.Close()
}

// =============================================================================
// In-process channel
// =============================================================================

// LocalChannel adapts an in-process worker to Channel.
type LocalChannel struct {
	w *worker.Worker
}

// NewLocalChannel wraps w. Closing the channel closes the worker.
func NewLocalChannel(w *worker.Worker) *LocalChannel {
	return &LocalChannel{w: w}
}

// Send submits req. Rejections arrive as error events, so only ErrClosed
// is reported here.
func (l *LocalChannel) Send(_ context.Context, req worker.RunRequest) error {
	if err := l.w.Submit(req); errors.Is(err, worker.ErrClosed) {
		return ErrClosed
	}
	return nil
}

// Receive returns the next worker event.
func (l *LocalChannel) Receive(ctx context.Context) (worker.Event, error) {
	select {
	case ev, ok := <-l.w.Events():
		if !ok {
			return worker.Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return worker.Event{}, ctx.Err()
	}
}

// Close closes the worker.
func (l *LocalChannel) Close() error {
	return l.w.Close()
}
