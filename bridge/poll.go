// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"sort"
	"strconv"
)

// runPollingLoop is the fallback when Socket Mode is off: poll
// conversations.history on an interval and feed new messages through
// the same dispatch path as socket events.
func (b *Bridge) runPollingLoop(ctx context.Context) {
	channel := b.settings.Slack.ChannelID
	interval := b.settings.PollInterval()

	var lastSeen float64
	var lastSeenRaw string
	seed, err := b.client.ConversationsHistory(ctx, channel, "", 1)
	if err != nil {
		b.logger.Warn("history seed failed", "error", err)
	} else if len(seed) > 0 {
		lastSeen = parseTS(seed[0].TS)
		lastSeenRaw = seed[0].TS
	}

	for {
		if !b.sleep(ctx, interval) {
			return
		}

		history, err := b.client.ConversationsHistory(ctx, channel, lastSeenRaw, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("history poll failed", "error", err)
			continue
		}

		sort.Slice(history, func(i, j int) bool {
			return parseTS(history[i].TS) < parseTS(history[j].TS)
		})
		for _, message := range history {
			value := parseTS(message.TS)
			if value <= lastSeen {
				continue
			}
			lastSeen = value
			lastSeenRaw = message.TS

			if b.shouldSkip(message) {
				continue
			}
			text, allowed := b.stripBotMention(message.Text)
			if !allowed {
				continue
			}
			if text == "" && len(fetchableFiles(message.Files)) == 0 {
				continue
			}

			message := message
			threadTS := b.replyThread(message)
			b.spawn(ctx, channel, threadTS, func(ctx context.Context) {
				b.handleChatMessage(ctx, message, text)
			})
		}
	}
}

// parseTS reads a Slack ts ("1726056123.000200") as a float for
// ordering. Unparseable values sort first.
func parseTS(value string) float64 {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}
