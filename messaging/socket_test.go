// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/richardliang/takopi-slack-plugin/lib/testutil"
)

// wsTestServer upgrades every request and hands the server side of the
// connection to handler.
func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSocketSendReceive(t *testing.T) {
	received := make(chan string, 1)
	url := wsTestServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	})

	ctx := context.Background()
	conn, err := DialSocket(ctx, url)
	if err != nil {
		t.Fatalf("DialSocket failed: %v", err)
	}
	defer conn.Close()

	frame, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(frame) != `{"type":"hello"}` {
		t.Fatalf("frame = %q", frame)
	}

	if err := conn.Send(ctx, []byte(`{"envelope_id":"E1"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := testutil.RequireReceive(t, received, 5*time.Second, "server frame"); got != `{"envelope_id":"E1"}` {
		t.Fatalf("server received %q", got)
	}
}

func TestSocketReceiveCancelled(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		// Never send anything; the reader stays blocked.
		conn.ReadMessage()
	})

	conn, err := DialSocket(context.Background(), url)
	if err != nil {
		t.Fatalf("DialSocket failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Receive(ctx)
		done <- err
	}()

	cancel()
	err = testutil.RequireReceive(t, done, 5*time.Second, "receive return")
	if err != context.Canceled {
		t.Fatalf("Receive error = %v, want context.Canceled", err)
	}
}

func TestSocketCloseIdempotent(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	conn, err := DialSocket(context.Background(), url)
	if err != nil {
		t.Fatalf("DialSocket failed: %v", err)
	}
	conn.Close()
	conn.Close()
}

func TestDialSocketRejectsNonWebsocket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no upgrade here", http.StatusOK)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, err := DialSocket(context.Background(), url); err == nil {
		t.Fatal("dial against a non-websocket endpoint should fail")
	}
}
