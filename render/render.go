// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// Package render turns run state into Slack messages: a compact
// progress card while a run executes and a final card when it ends,
// with overflow handling for Slack's message size limit.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/richardliang/takopi-slack-plugin/engine"
)

const (
	// DefaultMaxChars stays under Slack's 4000-character message
	// limit with headroom for mrkdwn escapes.
	DefaultMaxChars = 3900

	DefaultMaxActions = 5

	// OverflowTrim cuts at the limit with an ellipsis; OverflowSplit
	// sends the remainder as follow-up messages.
	OverflowTrim  = "trim"
	OverflowSplit = "split"
)

// Message is one rendered outbound message. Followups are extra
// messages sent after the primary one when overflow splitting applies.
type Message struct {
	Text      string
	Followups []string
}

// Renderer formats run progress and results.
type Renderer struct {
	overflow   string
	maxChars   int
	maxActions int
}

// NewRenderer builds a renderer. Zero values take defaults; an unknown
// overflow mode falls back to trimming.
func NewRenderer(overflow string, maxChars, maxActions int) *Renderer {
	if overflow != OverflowSplit {
		overflow = OverflowTrim
	}
	if maxChars < 1 {
		maxChars = DefaultMaxChars
	}
	if maxActions < 0 {
		maxActions = 0
	}
	return &Renderer{overflow: overflow, maxChars: maxChars, maxActions: maxActions}
}

// RenderProgress renders the in-flight status card. Progress always
// trims: a status message is replaced moments later anyway.
func (r *Renderer) RenderProgress(state engine.RunState, elapsed time.Duration, label string) Message {
	header := formatHeader(label, state.Engine, elapsed, state.ActionCount)
	body := formatActions(state.Actions, r.maxActions)
	footer := formatFooter(state)
	return Message{Text: trimText(assembleSections(header, body, footer), r.maxChars)}
}

// RenderFinal renders the terminal card with the run's answer.
func (r *Renderer) RenderFinal(state engine.RunState, elapsed time.Duration, status, answer string) Message {
	header := formatHeader(status, state.Engine, elapsed, state.ActionCount)
	body := strings.TrimSpace(answer)
	footer := formatFooter(state)
	full := assembleSections(header, body, footer)

	if r.overflow == OverflowSplit {
		chunks := splitText(full, r.maxChars)
		return Message{Text: chunks[0], Followups: chunks[1:]}
	}
	return Message{Text: trimText(full, r.maxChars)}
}

func formatHeader(label, engineID string, elapsed time.Duration, step int) string {
	parts := []string{label, engineID, formatElapsed(elapsed)}
	if step > 0 {
		parts = append(parts, fmt.Sprintf("step %d", step))
	}
	return strings.Join(parts, " · ")
}

func formatElapsed(elapsed time.Duration) string {
	total := int(elapsed.Seconds())
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := total % 3600 / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatActions(actions []engine.ActionState, maxActions int) string {
	if len(actions) == 0 || maxActions <= 0 {
		return ""
	}
	visible := actions
	if len(visible) > maxActions {
		visible = visible[len(visible)-maxActions:]
	}
	lines := make([]string, 0, len(visible))
	for _, action := range visible {
		lines = append(lines, fmt.Sprintf("[%s] %s", actionStatus(action), actionTitle(action)))
	}
	return strings.Join(lines, "\n")
}

func actionStatus(action engine.ActionState) string {
	switch {
	case action.Completed && action.Failed:
		return "err"
	case action.Completed:
		return "ok"
	case action.Updated:
		return "upd"
	default:
		return "run"
	}
}

func actionTitle(action engine.ActionState) string {
	title := strings.TrimSpace(action.Title)
	if title == "" {
		title = action.Kind
	}
	switch action.Kind {
	case "command":
		return "`" + shorten(title, 160) + "`"
	case "tool":
		return "tool: " + shorten(title, 160)
	case "file_change":
		return "files: " + shorten(title, 160)
	case "note", "warning":
		return shorten(title, 200)
	default:
		return shorten(title, 160)
	}
}

func formatFooter(state engine.RunState) string {
	var lines []string
	if state.ContextLine != "" {
		lines = append(lines, state.ContextLine)
	}
	if state.ResumeLine != "" {
		lines = append(lines, state.ResumeLine)
	}
	return strings.Join(lines, "\n")
}

func assembleSections(sections ...string) string {
	var present []string
	for _, section := range sections {
		if section != "" {
			present = append(present, section)
		}
	}
	return strings.Join(present, "\n\n")
}

func shorten(text string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	if width <= 3 {
		return string(runes[:width])
	}
	return string(runes[:width-3]) + "..."
}

func trimText(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars <= 3 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-3]) + "..."
}

func splitText(text string, maxChars int) []string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
