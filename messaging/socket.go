// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Keep-alive tuning for the Socket Mode connection. The client pings
// every pingInterval and treats the connection as dead when no pong
// (or any other frame) arrives within pingInterval + pongWait.
const (
	pingInterval = 10 * time.Second
	pongWait     = 10 * time.Second
	writeWait    = 10 * time.Second
)

// SocketConn is one Socket Mode websocket connection. Receive is
// single-reader; Send is safe for concurrent use (writes are
// serialized, as the underlying websocket requires).
type SocketConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	// closeOnce guards double-close from the pinger and the owner.
	closeOnce sync.Once
	closed    chan struct{}
}

// DialSocket opens a websocket connection to a Socket Mode endpoint
// obtained from Client.OpenSocketURL and starts the ping keep-alive.
func DialSocket(ctx context.Context, socketURL string) (*SocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	conn, response, err := dialer.DialContext(ctx, socketURL, http.Header{})
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("messaging: socket dial failed: %w", err)
	}

	socketConn := &SocketConn{
		conn:   conn,
		closed: make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})
	go socketConn.pingLoop()
	return socketConn, nil
}

// Receive blocks until a text frame arrives or the connection fails.
// The returned error is terminal for this connection; callers should
// close and reconnect.
func (c *SocketConn) Receive(ctx context.Context) ([]byte, error) {
	// The websocket read deadline, refreshed by pongs, bounds this
	// call. A cancelled ctx tears the connection down so the blocked
	// read returns.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("messaging: socket receive failed: %w", err)
	}
	return data, nil
}

// Send writes a text frame.
func (c *SocketConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("messaging: socket send failed: %w", err)
	}
	return nil
}

// Close tears down the connection. Idempotent.
func (c *SocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// pingLoop sends a ping every pingInterval until the connection
// closes. A failed write means the connection is dead; the blocked
// reader will observe the failure through its read deadline.
func (c *SocketConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
