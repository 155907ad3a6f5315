// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richardliang/takopi-slack-plugin/lib/clock"
	"github.com/richardliang/takopi-slack-plugin/lib/testutil"
)

// newTestClient creates a Client pointing at a test server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		Token:   "xoxb-test",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func assertAuth(t *testing.T, request *http.Request, token string) {
	t.Helper()
	if got := request.Header.Get("Authorization"); got != "Bearer "+token {
		t.Errorf("unexpected Authorization header: %q", got)
	}
}

func writeJSON(writer http.ResponseWriter, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(payload)
}

func decodeBody(t *testing.T, request *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		t.Fatalf("decoding request body: %v", err)
	}
	return body
}

func TestAuthTest(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "xoxb-test")
		if request.URL.Path != "/auth.test" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, map[string]any{
			"ok": true, "user_id": "U1", "user": "takopi", "team_id": "T1", "bot_id": "B1",
		})
	}))

	auth, err := client.AuthTest(context.Background())
	if err != nil {
		t.Fatalf("AuthTest failed: %v", err)
	}
	if auth.UserID != "U1" || auth.UserName != "takopi" || auth.BotID != "B1" {
		t.Errorf("unexpected auth: %+v", auth)
	}
}

func TestPostMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		body := decodeBody(t, request)
		if body["channel"] != "C1" || body["text"] != "hello" {
			t.Errorf("unexpected body: %v", body)
		}
		if body["thread_ts"] != "100.0" {
			t.Errorf("thread_ts = %v, want 100.0", body["thread_ts"])
		}
		if body["mrkdwn"] != true {
			t.Errorf("mrkdwn not set")
		}
		writeJSON(writer, map[string]any{
			"ok":      true,
			"message": map[string]any{"ts": "101.5", "text": "hello"},
		})
	}))

	message, err := client.PostMessage(context.Background(), PostMessageRequest{
		Channel:  "C1",
		Text:     "hello",
		ThreadTS: "100.0",
	})
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if message.TS != "101.5" {
		t.Errorf("ts = %q, want 101.5", message.TS)
	}
}

func TestPostMessageMissingEcho(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, map[string]any{"ok": true})
	}))

	if _, err := client.PostMessage(context.Background(), PostMessageRequest{Channel: "C1", Text: "x"}); err == nil {
		t.Fatal("expected error for response without message payload")
	}
}

func TestUpdateMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/chat.update" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		body := decodeBody(t, request)
		if body["ts"] != "101.5" {
			t.Errorf("ts = %v, want 101.5", body["ts"])
		}
		writeJSON(writer, map[string]any{
			"ok":      true,
			"message": map[string]any{"ts": "101.5", "text": "edited"},
		})
	}))

	message, err := client.UpdateMessage(context.Background(), UpdateMessageRequest{
		Channel: "C1", TS: "101.5", Text: "edited",
	})
	if err != nil {
		t.Fatalf("UpdateMessage failed: %v", err)
	}
	if message.Text != "edited" {
		t.Errorf("text = %q, want edited", message.Text)
	}
}

func TestDeleteMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/chat.delete" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, map[string]any{"ok": true})
	}))

	if err := client.DeleteMessage(context.Background(), "C1", "101.5"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, map[string]any{"ok": false, "error": "channel_not_found"})
	}))

	_, err := client.PostMessage(context.Background(), PostMessageRequest{Channel: "C9", Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}
	if apiErr.Code != ErrCodeChannelNotFound {
		t.Errorf("code = %q, want channel_not_found", apiErr.Code)
	}
	if !IsAPIError(err, ErrCodeChannelNotFound) {
		t.Error("IsAPIError did not match")
	}
}

func TestRateLimitRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if calls.Add(1) == 1 {
			writer.Header().Set("Retry-After", "3")
			writer.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(writer, map[string]any{
			"ok":      true,
			"message": map[string]any{"ts": "1.0", "text": "x"},
		})
	}))
	t.Cleanup(server.Close)

	fakeClock := clock.Fake(time.Unix(0, 0))
	client, err := NewClient(ClientConfig{
		Token:   "xoxb-test",
		BaseURL: server.URL,
		Clock:   fakeClock,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.PostMessage(context.Background(), PostMessageRequest{Channel: "C1", Text: "x"})
		done <- err
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(3 * time.Second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for retried call"); err != nil {
		t.Fatalf("PostMessage failed after retry: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestConversationsHistory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/conversations.history" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		body := decodeBody(t, request)
		if body["oldest"] != "5.0" {
			t.Errorf("oldest = %v, want 5.0", body["oldest"])
		}
		writeJSON(writer, map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"ts": "7.0", "text": "later", "user": "U2"},
				{"ts": "6.0", "text": "earlier", "user": "U2"},
			},
		})
	}))

	messages, err := client.ConversationsHistory(context.Background(), "C1", "5.0", 0)
	if err != nil {
		t.Fatalf("ConversationsHistory failed: %v", err)
	}
	if len(messages) != 2 || messages[0].TS != "7.0" {
		t.Errorf("unexpected messages: %+v", messages)
	}
}

func TestOpenSocketURL(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "xapp-test")
		if request.URL.Path != "/apps.connections.open" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, map[string]any{"ok": true, "url": "wss://example.test/socket"})
	}))

	socketURL, err := client.OpenSocketURL(context.Background(), "xapp-test")
	if err != nil {
		t.Fatalf("OpenSocketURL failed: %v", err)
	}
	if socketURL != "wss://example.test/socket" {
		t.Errorf("url = %q", socketURL)
	}
}

func TestOpenSocketURLRequiresToken(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		t.Error("no request expected")
	}))
	if _, err := client.OpenSocketURL(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank app token")
	}
}

func TestUploadFile(t *testing.T) {
	var mux http.ServeMux
	server := httptest.NewServer(&mux)
	t.Cleanup(server.Close)

	var uploaded atomic.Value
	mux.HandleFunc("/files.getUploadURLExternal", func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "xoxb-test")
		if got := request.URL.Query().Get("filename"); got != "notes.txt" {
			t.Errorf("reservation filename = %q", got)
		}
		if got := request.URL.Query().Get("length"); got != "5" {
			t.Errorf("reservation length = %q", got)
		}
		writeJSON(writer, map[string]any{
			"ok":         true,
			"upload_url": server.URL + "/upload-here",
			"file_id":    "F123",
		})
	})
	mux.HandleFunc("/upload-here", func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		uploaded.Store(body)
		writeJSON(writer, map[string]any{"ok": true})
	})
	mux.HandleFunc("/files.completeUploadExternal", func(writer http.ResponseWriter, request *http.Request) {
		body := decodeBody(t, request)
		if body["channel_id"] != "C123" || body["thread_ts"] != "42.1" {
			t.Errorf("complete body = %+v", body)
		}
		writeJSON(writer, map[string]any{"ok": true})
	})

	client, err := NewClient(ClientConfig{Token: "xoxb-test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	err = client.UploadFile(context.Background(), UploadFileRequest{
		Channel:  "C123",
		ThreadTS: "42.1",
		Filename: "notes.txt",
		Content:  []byte("hello"),
	})
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if got, _ := uploaded.Load().([]byte); string(got) != "hello" {
		t.Fatalf("uploaded bytes = %q", got)
	}
}

func TestUploadFileReservationIncomplete(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, map[string]any{"ok": true})
	}))
	err := client.UploadFile(context.Background(), UploadFileRequest{
		Channel:  "C123",
		Filename: "notes.txt",
		Content:  []byte("hello"),
	})
	if err == nil {
		t.Fatal("UploadFile succeeded without an upload url")
	}
}
