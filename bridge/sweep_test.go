// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/richardliang/takopi-slack-plugin/threadstate"
)

func recordWorktreeActivity(t *testing.T, h *harness, thread, user string) {
	t.Helper()
	err := h.store.RecordActivity(threadstate.ActivityUpdate{
		Channel:  "C1",
		Thread:   thread,
		UserID:   user,
		Worktree: &threadstate.Worktree{Project: "api", Branch: "main"},
		Now:      h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("RecordActivity failed: %v", err)
	}
}

func TestSweepSendsOneReminder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	staleAge := 24 * time.Hour

	recordWorktreeActivity(t, h, "50.000", "U1")

	// Not yet stale.
	h.clock.Advance(23 * time.Hour)
	h.bridge.sweepOnce(ctx, staleAge)
	if snap := h.store.Snapshot("C1", "50.000"); snap.ReminderSentAt != nil {
		t.Fatal("reminder marked before worktree went stale")
	}

	h.clock.Advance(2 * time.Hour)
	h.bridge.sweepOnce(ctx, staleAge)

	call := h.awaitCall("/chat.postMessage")
	text := call.text()
	if !strings.Contains(text, "<@U1>") {
		t.Errorf("reminder does not address the owner: %q", text)
	}
	if !strings.Contains(text, "`api:main`") {
		t.Errorf("reminder does not name the worktree: %q", text)
	}
	if !strings.Contains(text, "idle for 1d") {
		t.Errorf("reminder idle duration: %q", text)
	}
	if ts, _ := call.Body["thread_ts"].(string); ts != "50.000" {
		t.Errorf("reminder thread_ts = %q", ts)
	}

	snap := h.store.Snapshot("C1", "50.000")
	if snap == nil || snap.ReminderSentAt == nil {
		t.Fatal("reminder delivery not recorded")
	}

	// Another sweep with the reminder outstanding stays quiet.
	h.clock.Advance(time.Hour)
	h.bridge.sweepOnce(ctx, staleAge)
	first := *snap.ReminderSentAt
	again := h.store.Snapshot("C1", "50.000")
	if again.ReminderSentAt == nil || !again.ReminderSentAt.Equal(first) {
		t.Fatal("reminder re-sent while outstanding")
	}
}

func TestSweepResetsAfterActivity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	staleAge := 24 * time.Hour

	recordWorktreeActivity(t, h, "51.000", "U1")
	h.clock.Advance(25 * time.Hour)
	h.bridge.sweepOnce(ctx, staleAge)
	h.awaitCall("/chat.postMessage")

	// New activity clears the outstanding reminder and restarts the
	// idle window.
	recordWorktreeActivity(t, h, "51.000", "U1")
	snap := h.store.Snapshot("C1", "51.000")
	if snap.ReminderSentAt != nil {
		t.Fatal("activity did not reset the reminder")
	}

	h.clock.Advance(26 * time.Hour)
	h.bridge.sweepOnce(ctx, staleAge)
	second := h.awaitCall("/chat.postMessage")
	if !strings.Contains(second.text(), "idle for 1d") {
		t.Fatalf("second reminder = %q", second.text())
	}
}

func TestSweepSkipsThreadsWithoutWorktree(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.store.RecordActivity(threadstate.ActivityUpdate{
		Channel: "C1",
		Thread:  "52.000",
		UserID:  "U1",
		Now:     h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("RecordActivity failed: %v", err)
	}

	h.clock.Advance(100 * time.Hour)
	h.bridge.sweepOnce(ctx, 24*time.Hour)
	if snap := h.store.Snapshot("C1", "52.000"); snap.ReminderSentAt != nil {
		t.Fatal("reminder sent for a thread without a worktree")
	}
}

func TestFormatIdle(t *testing.T) {
	cases := []struct {
		idle time.Duration
		want string
	}{
		{90 * time.Minute, "1h"},
		{23 * time.Hour, "23h"},
		{24 * time.Hour, "1d"},
		{49 * time.Hour, "2d"},
	}
	for _, tc := range cases {
		if got := formatIdle(tc.idle); got != tc.want {
			t.Errorf("formatIdle(%v) = %q, want %q", tc.idle, got, tc.want)
		}
	}
}
