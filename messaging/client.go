// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the Slack surface of the bridge: a Web API
// client for message operations and the Socket Mode connection used to
// receive events.
//
// The Client retries rate-limited calls internally, honoring the
// Retry-After header, so callers see either a result or a terminal
// *APIError. Everything else about delivery policy (pacing, priorities,
// coalescing) lives in the outbox, not here.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/richardliang/takopi-slack-plugin/lib/clock"
)

// DefaultBaseURL is the Slack Web API root.
const DefaultBaseURL = "https://slack.com/api"

// maxBodyBytes caps response body reads. Slack API responses are small;
// anything larger indicates a misbehaving endpoint.
const maxBodyBytes = 4 << 20

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Token is the bot token used as a bearer credential on every call.
	Token string
	// BaseURL overrides the API root. Empty means DefaultBaseURL.
	BaseURL string
	// HTTPClient is used for all requests. If nil, a client with a
	// 30-second timeout is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
	// Clock is used for rate-limit retry sleeps. If nil, clock.Real().
	Clock clock.Clock
}

// Client is an authenticated Slack Web API client. Safe for concurrent
// use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.Clock
}

// NewClient creates a new Slack Web API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("messaging: Token is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("messaging: invalid BaseURL %q: %w", baseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Client{
		token:      config.Token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		clock:      clk,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's pool. Call after a network disruption to force fresh TCP
// connections instead of reusing a poisoned pooled connection.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// AuthTest validates the bot token and returns the bot's identity.
func (c *Client) AuthTest(ctx context.Context) (*Auth, error) {
	payload, err := c.call(ctx, "/auth.test", nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: auth.test failed: %w", err)
	}
	if payload.UserID == "" {
		return nil, fmt.Errorf("messaging: auth.test response missing user_id")
	}
	return &Auth{
		UserID:   payload.UserID,
		UserName: strings.TrimSpace(payload.User),
		TeamID:   payload.TeamID,
		BotID:    payload.BotID,
	}, nil
}

// PostMessage creates a message and returns it as echoed by the API.
// The returned message's TS is the handle for later edits and deletes.
func (c *Client) PostMessage(ctx context.Context, request PostMessageRequest) (*Message, error) {
	body := map[string]any{
		"channel": request.Channel,
		"text":    request.Text,
		"mrkdwn":  true,
	}
	if request.ThreadTS != "" {
		body["thread_ts"] = request.ThreadTS
	}
	if request.ReplyBroadcast {
		body["reply_broadcast"] = true
	}
	payload, err := c.call(ctx, "/chat.postMessage", body)
	if err != nil {
		return nil, fmt.Errorf("messaging: chat.postMessage failed: %w", err)
	}
	return decodeMessage(payload)
}

// UpdateMessage replaces the text of an existing message.
func (c *Client) UpdateMessage(ctx context.Context, request UpdateMessageRequest) (*Message, error) {
	body := map[string]any{
		"channel": request.Channel,
		"ts":      request.TS,
		"text":    request.Text,
		"mrkdwn":  true,
	}
	payload, err := c.call(ctx, "/chat.update", body)
	if err != nil {
		return nil, fmt.Errorf("messaging: chat.update failed: %w", err)
	}
	return decodeMessage(payload)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	body := map[string]any{"channel": channel, "ts": ts}
	if _, err := c.call(ctx, "/chat.delete", body); err != nil {
		return fmt.Errorf("messaging: chat.delete failed: %w", err)
	}
	return nil
}

// ConversationsHistory fetches messages from a channel, newest first as
// the API returns them. oldest may be empty to fetch the most recent
// page; limit of zero uses the server default.
func (c *Client) ConversationsHistory(ctx context.Context, channel, oldest string, limit int) ([]Message, error) {
	body := map[string]any{"channel": channel}
	if oldest != "" {
		body["oldest"] = oldest
	}
	if limit > 0 {
		body["limit"] = limit
	}
	payload, err := c.call(ctx, "/conversations.history", body)
	if err != nil {
		return nil, fmt.Errorf("messaging: conversations.history failed: %w", err)
	}
	return payload.Messages, nil
}

// PostResponse delivers a message through a response_url webhook.
// Failures are logged and swallowed: response URLs expire and losing an
// ephemeral acknowledgment is never worth failing the handler.
func (c *Client) PostResponse(ctx context.Context, responseURL string, response Response) {
	encoded, err := json.Marshal(response)
	if err != nil {
		c.logger.Warn("response webhook encode failed", "error", err)
		return
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(encoded))
	if err != nil {
		c.logger.Warn("response webhook request failed", "error", err)
		return
	}
	request.Header.Set("Content-Type", "application/json")
	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("response webhook failed", "error", err)
		return
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, maxBodyBytes))
		c.logger.Warn("response webhook rejected",
			"status_code", httpResponse.StatusCode,
			"body", string(body),
		)
	}
}

// DownloadFile fetches a file attachment's bytes from its url_private,
// authenticating with the bot token.
func (c *Client) DownloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: file request failed: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: file download failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		return nil, &APIError{StatusCode: response.StatusCode, Message: "file download rejected"}
	}
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: reading file body: %w", err)
	}
	return data, nil
}

// UploadFile sends a file into a channel using the external upload
// flow: reserve an upload URL, POST the raw bytes to it, then finalize
// the file into the channel.
func (c *Client) UploadFile(ctx context.Context, request UploadFileRequest) error {
	reserve := fmt.Sprintf("/files.getUploadURLExternal?filename=%s&length=%d",
		url.QueryEscape(request.Filename), len(request.Content))
	payload, err := c.call(ctx, reserve, nil)
	if err != nil {
		return fmt.Errorf("messaging: files.getUploadURLExternal failed: %w", err)
	}
	if payload.UploadURL == "" || payload.FileID == "" {
		return fmt.Errorf("messaging: upload reservation missing url or file id")
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.UploadURL, bytes.NewReader(request.Content))
	if err != nil {
		return fmt.Errorf("messaging: upload request failed: %w", err)
	}
	put.Header.Set("Authorization", "Bearer "+c.token)
	put.Header.Set("Content-Type", "application/octet-stream")
	response, err := c.httpClient.Do(put)
	if err != nil {
		return fmt.Errorf("messaging: uploading file bytes: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(response.Body, maxBodyBytes))
	response.Body.Close()
	if response.StatusCode >= 400 {
		return &APIError{StatusCode: response.StatusCode, Message: "file upload rejected"}
	}

	complete := map[string]any{
		"files":      []map[string]string{{"id": payload.FileID, "title": request.Filename}},
		"channel_id": request.Channel,
	}
	if request.ThreadTS != "" {
		complete["thread_ts"] = request.ThreadTS
	}
	if _, err := c.call(ctx, "/files.completeUploadExternal", complete); err != nil {
		return fmt.Errorf("messaging: files.completeUploadExternal failed: %w", err)
	}
	return nil
}

// OpenSocketURL calls apps.connections.open with the app-level token
// and returns the fresh websocket endpoint for a Socket Mode
// connection. Each endpoint is single-use; call again before every
// reconnect.
func (c *Client) OpenSocketURL(ctx context.Context, appToken string) (string, error) {
	appToken = strings.TrimSpace(appToken)
	if appToken == "" {
		return "", fmt.Errorf("messaging: app token is required for socket mode")
	}
	payload, err := c.callWithToken(ctx, "/apps.connections.open", nil, appToken)
	if err != nil {
		return "", fmt.Errorf("messaging: apps.connections.open failed: %w", err)
	}
	socketURL := strings.TrimSpace(payload.URL)
	if socketURL == "" {
		return "", fmt.Errorf("messaging: apps.connections.open response missing url")
	}
	return socketURL, nil
}

// call performs a Web API POST with the bot token.
func (c *Client) call(ctx context.Context, endpoint string, body map[string]any) (*apiResponse, error) {
	return c.callWithToken(ctx, endpoint, body, c.token)
}

// callWithToken performs a Web API POST, retrying while the server
// answers 429. Returns the decoded payload on success; a *APIError on
// HTTP errors or "ok": false payloads.
func (c *Client) callWithToken(ctx context.Context, endpoint string, body map[string]any, token string) (*apiResponse, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	for {
		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
		if encoded != nil {
			request.Header.Set("Content-Type", "application/json; charset=utf-8")
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			return nil, fmt.Errorf("request to %s: %w", endpoint, err)
		}
		responseBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
		response.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("reading response from %s: %w", endpoint, readErr)
		}

		if response.StatusCode == http.StatusTooManyRequests {
			delay := retryAfter(response.Header.Get("Retry-After"))
			c.logger.Info("slack rate limited", "endpoint", endpoint, "retry_after", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(delay):
			}
			continue
		}

		if response.StatusCode >= 400 {
			return nil, &APIError{
				StatusCode: response.StatusCode,
				Message:    http.StatusText(response.StatusCode),
			}
		}

		var payload apiResponse
		if err := json.Unmarshal(responseBody, &payload); err != nil {
			return nil, fmt.Errorf("response from %s was not JSON: %w", endpoint, err)
		}
		if !payload.OK {
			return nil, &APIError{
				Code:       payload.Error,
				Message:    "API call returned ok=false",
				StatusCode: response.StatusCode,
			}
		}
		return &payload, nil
	}
}

// retryAfter parses the Retry-After header, defaulting to one second
// when absent or malformed.
func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 1 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

// decodeMessage extracts the echoed message from a post/update payload.
func decodeMessage(payload *apiResponse) (*Message, error) {
	if len(payload.Message) == 0 {
		return nil, fmt.Errorf("messaging: response missing message payload")
	}
	var message Message
	if err := json.Unmarshal(payload.Message, &message); err != nil {
		return nil, fmt.Errorf("messaging: decoding message payload: %w", err)
	}
	return &message, nil
}
