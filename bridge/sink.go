// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/richardliang/takopi-slack-plugin/engine"
	"github.com/richardliang/takopi-slack-plugin/render"
)

// statusSink drives the single status message for one run: the first
// progress render posts it, later renders edit it in place, and the
// final render posts the result and deletes the status message. The
// outbox coalesces the edit bursts.
type statusSink struct {
	bridge   *Bridge
	channel  string
	threadTS string
	started  time.Time

	mu       sync.Mutex
	statusTS string
}

func (b *Bridge) newStatusSink(channel, threadTS string) *statusSink {
	return &statusSink{
		bridge:   b,
		channel:  channel,
		threadTS: threadTS,
		started:  b.clock.Now(),
	}
}

func (s *statusSink) elapsed() time.Duration {
	return s.bridge.clock.Now().Sub(s.started)
}

// Progress implements engine.Sink.
func (s *statusSink) Progress(ctx context.Context, state engine.RunState) {
	message := s.bridge.renderer.RenderProgress(state, s.elapsed(), "working")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusTS == "" {
		s.statusTS = s.bridge.transport.Send(ctx, s.channel, message.Text, s.threadTS, true)
		return
	}
	s.bridge.transport.Edit(ctx, s.channel, s.statusTS, message.Text)
}

// Final implements engine.Sink. The result is a fresh message rather
// than an edit of the status card: followup chunks are ordinary sends,
// and a send must never jump ahead of the message it follows up on.
func (s *statusSink) Final(ctx context.Context, state engine.RunState, status, answer string) {
	message := s.bridge.renderer.RenderFinal(state, s.elapsed(), status, render.ToMrkdwn(answer))

	s.mu.Lock()
	statusTS := s.statusTS
	s.statusTS = ""
	s.mu.Unlock()

	s.bridge.transport.Send(ctx, s.channel, message.Text, s.threadTS, true)
	if statusTS != "" {
		s.bridge.transport.Delete(ctx, s.channel, statusTS, false)
	}
	for _, followup := range message.Followups {
		s.bridge.transport.Send(ctx, s.channel, followup, s.threadTS, false)
	}
}

// Cancelled replaces the status card with a cancellation note.
func (s *statusSink) Cancelled(ctx context.Context) {
	s.mu.Lock()
	statusTS := s.statusTS
	s.statusTS = ""
	s.mu.Unlock()

	if statusTS == "" {
		s.bridge.transport.Send(ctx, s.channel, "cancelled", s.threadTS, false)
		return
	}
	s.bridge.transport.Edit(ctx, s.channel, statusTS, "cancelled")
}
