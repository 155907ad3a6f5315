// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/richardliang/takopi-slack-plugin/messaging"
	"github.com/richardliang/takopi-slack-plugin/outbox"
)

// Transport binds message operations to outbox slots. It is the only
// caller of the outbox from the event-handling path.
//
// Keying policy: every send gets a unique key so sends never coalesce;
// edits and deletes share a key per target message so a burst of edits
// to one status message collapses to the newest text.
type Transport struct {
	client *messaging.Client
	outbox *outbox.Outbox
	logger *slog.Logger

	sendSeq atomic.Uint64
}

// NewTransport creates a transport over client and ob. A nil logger
// falls back to slog.Default().
func NewTransport(client *messaging.Client, ob *outbox.Outbox, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{client: client, outbox: ob, logger: logger}
}

// Send posts text to channel, threaded under threadTS when non-empty.
// It returns the posted message's ts, or "" when delivery failed or
// wait was false.
//
// A threaded send whose thread target has vanished is retried once
// unthreaded. That retry lives here, not in the outbox: the outbox
// never retries.
func (t *Transport) Send(ctx context.Context, channel, text, threadTS string, wait bool) string {
	key := fmt.Sprintf("send:%d", t.sendSeq.Add(1))
	op := &outbox.Op{
		Destination: channel,
		Priority:    outbox.SendPriority,
		Execute: func(ctx context.Context) (any, error) {
			sent, err := t.client.PostMessage(ctx, messaging.PostMessageRequest{
				Channel:  channel,
				Text:     text,
				ThreadTS: threadTS,
			})
			if err != nil && threadTS != "" && messaging.IsAPIError(err, messaging.ErrCodeThreadNotFound) {
				t.logger.Warn("send thread gone, retrying unthreaded",
					"channel", channel, "thread_ts", threadTS)
				sent, err = t.client.PostMessage(ctx, messaging.PostMessageRequest{
					Channel: channel,
					Text:    text,
				})
			}
			if err != nil {
				return nil, err
			}
			return sent, nil
		},
	}
	result := t.outbox.Enqueue(ctx, key, op, wait)
	if sent, ok := result.(*messaging.Message); ok {
		return sent.TS
	}
	return ""
}

// Edit replaces the text of the message at ts. Edits to the same
// message coalesce; only the newest queued text is ever sent.
func (t *Transport) Edit(ctx context.Context, channel, ts, text string) {
	key := editKey(channel, ts)
	op := &outbox.Op{
		Destination: channel,
		Priority:    outbox.EditPriority,
		Execute: func(ctx context.Context) (any, error) {
			updated, err := t.client.UpdateMessage(ctx, messaging.UpdateMessageRequest{
				Channel: channel,
				TS:      ts,
				Text:    text,
			})
			if err != nil {
				return nil, err
			}
			return updated, nil
		},
	}
	t.outbox.Enqueue(ctx, key, op, false)
}

// Delete removes the message at ts. Any still-queued edit for the same
// message is dropped first: a stale edit landing after the delete
// would visually resurrect the message.
func (t *Transport) Delete(ctx context.Context, channel, ts string, wait bool) {
	t.outbox.DropPending(editKey(channel, ts))
	op := &outbox.Op{
		Destination: channel,
		Priority:    outbox.DeletePriority,
		Execute: func(ctx context.Context) (any, error) {
			return nil, t.client.DeleteMessage(ctx, channel, ts)
		},
	}
	t.outbox.Enqueue(ctx, "delete:"+channel+":"+ts, op, wait)
}

func editKey(channel, ts string) string {
	return "edit:" + channel + ":" + ts
}
