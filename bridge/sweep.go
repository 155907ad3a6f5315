// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"time"
)

// runReminderSweep periodically reminds thread owners about worktrees
// that have sat idle past the configured age. One reminder per idle
// stretch: recording any activity clears it so the next stretch earns
// a fresh one.
func (b *Bridge) runReminderSweep(ctx context.Context) {
	staleAge := b.settings.StaleWorktreeAge()
	if staleAge <= 0 {
		return
	}

	ticker := b.clock.NewTicker(b.settings.StaleWorktreeCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(ctx, staleAge)
		}
	}
}

func (b *Bridge) sweepOnce(ctx context.Context, staleAge time.Duration) {
	now := b.clock.Now()
	for _, snapshot := range b.store.ListThreads() {
		if snapshot.Worktree == nil {
			continue
		}
		if snapshot.ReminderSentAt != nil {
			continue
		}
		if snapshot.LastActivityAt.IsZero() {
			continue
		}
		idle := now.Sub(snapshot.LastActivityAt)
		if idle < staleAge {
			continue
		}

		text := fmt.Sprintf("worktree `%s` has been idle for %s; clean it up or keep working",
			snapshot.Worktree.Project+worktreeBranchSuffix(snapshot.Worktree.Branch),
			formatIdle(idle))
		if snapshot.OwnerUserID != "" {
			text = "<@" + snapshot.OwnerUserID + "> " + text
		}
		b.transport.Send(ctx, snapshot.Channel, text, snapshot.Thread, false)

		if err := b.store.SetReminderSent(snapshot.Channel, snapshot.Thread, now); err != nil {
			b.logger.Warn("reminder record failed",
				"channel", snapshot.Channel, "thread", snapshot.Thread, "error", err)
		}
	}
}

func worktreeBranchSuffix(branch string) string {
	if branch == "" {
		return ""
	}
	return ":" + branch
}

func formatIdle(idle time.Duration) string {
	hours := int(idle.Hours())
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dd", hours/24)
}
