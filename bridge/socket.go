// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/richardliang/takopi-slack-plugin/messaging"
)

// Conn is one duplex Socket Mode connection. Receive blocks until a
// frame arrives or the connection fails; a receive error is terminal
// for the connection. messaging.SocketConn satisfies this.
type Conn interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to a Socket Mode URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// envelope is one decoded Socket Mode frame. Every envelope with a
// non-empty id must be acknowledged before any processing.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

type eventsPayload struct {
	Event json.RawMessage `json:"event"`
}

// chatEvent is a message or app_mention event from the Events API.
type chatEvent struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	messaging.Message
}

// runSocketLoop is the Disconnected → Connecting → Connected machine.
// Handshake and connection failures retry forever; only ctx ends the
// loop.
func (b *Bridge) runSocketLoop(ctx context.Context) {
	backoff := b.settings.PollInterval()
	if backoff < time.Second {
		backoff = time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		socketURL, err := b.client.OpenSocketURL(ctx, b.settings.Slack.AppToken)
		if err != nil {
			b.logger.Warn("socket open failed", "error", err)
			if !b.sleep(ctx, backoff) {
				return
			}
			continue
		}

		conn, err := b.dial(ctx, socketURL)
		if err != nil {
			b.logger.Warn("socket dial failed", "error", err)
			if !b.sleep(ctx, backoff) {
				return
			}
			continue
		}

		b.readConnection(ctx, conn)
		conn.Close()

		if !b.sleep(ctx, backoff) {
			return
		}
	}
}

// readConnection drains one connection until it fails, the server asks
// for a reconnect, or ctx is cancelled. Returning always means the
// caller should reconnect.
func (b *Bridge) readConnection(ctx context.Context, conn Conn) {
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("socket receive failed", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.logger.Warn("undecodable socket frame", "error", err)
			continue
		}

		// Acknowledgment is a liveness concern, not a success
		// concern: ack before looking at the payload at all.
		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(map[string]string{"envelope_id": env.EnvelopeID})
			if err := conn.Send(ctx, ack); err != nil {
				b.logger.Warn("socket ack failed", "error", err)
				return
			}
		}

		switch env.Type {
		case "disconnect":
			b.logger.Info("server requested reconnect")
			return
		case "events_api":
			b.routeEvent(ctx, env.Payload)
		case "slash_commands":
			b.routeSlashCommand(ctx, env.Payload)
		case "interactive":
			b.routeInteractive(ctx, env.Payload)
		case "hello":
			// Connection greeting, nothing to do.
		default:
			b.logger.Debug("ignoring envelope", "type", env.Type)
		}
	}
}

// routeEvent dispatches a chat event to a handler goroutine.
func (b *Bridge) routeEvent(ctx context.Context, payload json.RawMessage) {
	var outer eventsPayload
	if err := json.Unmarshal(payload, &outer); err != nil || len(outer.Event) == 0 {
		b.logger.Warn("undecodable events_api payload")
		return
	}
	var event chatEvent
	if err := json.Unmarshal(outer.Event, &event); err != nil {
		b.logger.Warn("undecodable chat event", "error", err)
		return
	}
	if event.Type != "message" && event.Type != "app_mention" {
		return
	}
	if event.Channel != b.settings.Slack.ChannelID {
		return
	}
	if b.shouldSkip(event.Message) {
		return
	}

	text, allowed := b.stripBotMention(event.Text)
	if !allowed {
		return
	}
	if text == "" && len(fetchableFiles(event.Files)) == 0 {
		return
	}

	message := event.Message
	threadTS := b.replyThread(message)
	b.spawn(ctx, event.Channel, threadTS, func(ctx context.Context) {
		b.handleChatMessage(ctx, message, text)
	})
}

// sleep waits for d or ctx, whichever comes first. It reports false
// when ctx ended the wait.
func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-b.clock.After(d):
		return true
	}
}
