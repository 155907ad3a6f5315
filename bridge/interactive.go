// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"

	"github.com/richardliang/takopi-slack-plugin/engine"
)

// interactivePayload is the payload of an interactive envelope. Only
// block_actions frames carry anything the bridge acts on.
type interactivePayload struct {
	Type    string `json:"type"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		TS string `json:"ts"`
	} `json:"message"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	ResponseURL string `json:"response_url"`
}

// routeInteractive handles block actions. A cancel action signals
// cooperative cancellation to the run started by the referenced
// message; the run winds down at its next checkpoint, it is not
// killed.
func (b *Bridge) routeInteractive(ctx context.Context, payload json.RawMessage) {
	var action interactivePayload
	if err := json.Unmarshal(payload, &action); err != nil {
		b.logger.Warn("undecodable interactive payload", "error", err)
		return
	}
	if action.Type != "block_actions" {
		return
	}

	b.spawn(ctx, action.Channel.ID, "", func(ctx context.Context) {
		for _, item := range action.Actions {
			if item.ActionID != "cancel" {
				continue
			}
			messageTS := item.Value
			if messageTS == "" {
				messageTS = action.Message.TS
			}
			key := engine.TaskKey{Channel: action.Channel.ID, MessageTS: messageTS}
			if b.tasks.Cancel(key) {
				b.logger.Info("run cancellation requested",
					"channel", key.Channel, "ts", key.MessageTS, "user", action.User.ID)
				b.client.PostResponse(ctx, action.ResponseURL, responseText("cancelling"))
			} else {
				b.client.PostResponse(ctx, action.ResponseURL, responseText("nothing to cancel"))
			}
		}
	})
}
