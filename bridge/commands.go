// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/richardliang/takopi-slack-plugin/engine"
	"github.com/richardliang/takopi-slack-plugin/messaging"
)

// slashCommand is the payload of a slash_commands envelope.
type slashCommand struct {
	Command     string `json:"command"`
	Text        string `json:"text"`
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	ResponseURL string `json:"response_url"`
	ThreadTS    string `json:"thread_ts"`
}

// commandRequest is what a command handler sees.
type commandRequest struct {
	Channel  string
	ThreadTS string
	UserID   string
	Args     []string
	ArgsText string
}

// commandHandler produces the reply text for one subcommand.
type commandHandler func(ctx context.Context, request commandRequest) (string, error)

const commandUsage = "usage: `/takopi context|engine|model|reasoning|clear|status|file`"

// responseText wraps reply text as an ephemeral response for a
// response_url webhook.
func responseText(text string) messaging.Response {
	return messaging.Response{Text: text, ResponseType: "ephemeral"}
}

func (b *Bridge) commandTable() map[string]commandHandler {
	return map[string]commandHandler{
		"context":   b.commandContext,
		"engine":    b.commandEngine,
		"model":     b.commandModel,
		"reasoning": b.commandReasoning,
		"clear":     b.commandClear,
		"status":    b.commandStatus,
		"file":      b.commandFile,
	}
}

// routeSlashCommand dispatches a slash_commands envelope to a handler
// goroutine. The reply goes through the command's response_url, which
// needs no bot token and never counts against channel pacing.
func (b *Bridge) routeSlashCommand(ctx context.Context, payload json.RawMessage) {
	var command slashCommand
	if err := json.Unmarshal(payload, &command); err != nil {
		b.logger.Warn("undecodable slash command", "error", err)
		return
	}
	if command.Command != "/takopi" {
		return
	}

	b.spawn(ctx, command.ChannelID, command.ThreadTS, func(ctx context.Context) {
		text := b.executeCommand(ctx, command)
		if text == "" {
			return
		}
		b.client.PostResponse(ctx, command.ResponseURL, responseText(text))
	})
}

func (b *Bridge) executeCommand(ctx context.Context, command slashCommand) string {
	args := splitCommandArgs(command.Text)
	if len(args) == 0 {
		return commandUsage
	}
	handler, ok := b.commands[args[0]]
	if !ok {
		return fmt.Sprintf("unknown command %q\n%s", args[0], commandUsage)
	}

	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(command.Text), args[0]))
	request := commandRequest{
		Channel:  command.ChannelID,
		ThreadTS: command.ThreadTS,
		UserID:   command.UserID,
		Args:     args[1:],
		ArgsText: rest,
	}

	text, err := handler(ctx, request)
	if err != nil {
		b.logger.Warn("command failed", "command", args[0], "error", err)
		return fmt.Sprintf("error:\n%v", err)
	}
	return text
}

// stateThread maps a command to its thread-state key. Commands typed
// outside a thread configure the channel-level thread "".
func (request commandRequest) stateThread() string {
	return request.ThreadTS
}

func (b *Bridge) commandContext(_ context.Context, request commandRequest) (string, error) {
	thread := request.stateThread()
	switch {
	case len(request.Args) == 0:
		current := b.store.Context(request.Channel, thread)
		if current == nil {
			return "context: none", nil
		}
		return "context: `" + current.String() + "`", nil
	case request.Args[0] == "clear":
		if err := b.store.SetContext(request.Channel, thread, nil); err != nil {
			return "", err
		}
		return "context cleared", nil
	default:
		project, branch, _ := strings.Cut(request.Args[0], ":")
		if !b.isProject(project) {
			return fmt.Sprintf("unknown project %q", project), nil
		}
		runContext := &engine.RunContext{Project: project, Branch: branch}
		if err := b.store.SetContext(request.Channel, thread, runContext); err != nil {
			return "", err
		}
		return "context: `" + runContext.String() + "`", nil
	}
}

func (b *Bridge) commandEngine(_ context.Context, request commandRequest) (string, error) {
	thread := request.stateThread()
	switch {
	case len(request.Args) == 0:
		current := b.store.DefaultEngine(request.Channel, thread)
		if current == "" {
			return "engine: " + b.registry.DefaultEngine() + " (default)", nil
		}
		return "engine: " + current, nil
	case request.Args[0] == "clear":
		if err := b.store.SetDefaultEngine(request.Channel, thread, ""); err != nil {
			return "", err
		}
		return "engine override cleared", nil
	default:
		id := request.Args[0]
		if !b.registry.Has(id) {
			return fmt.Sprintf("unknown engine %q (installed: %s)",
				id, strings.Join(b.registry.Engines(), ", ")), nil
		}
		if err := b.store.SetDefaultEngine(request.Channel, thread, id); err != nil {
			return "", err
		}
		return "engine: " + id, nil
	}
}

func (b *Bridge) commandModel(_ context.Context, request commandRequest) (string, error) {
	return b.overrideCommand(request, "model",
		func(channel, thread, engineID string) string {
			return b.store.ModelOverride(channel, thread, engineID)
		},
		func(channel, thread, engineID, value string) error {
			return b.store.SetModelOverride(channel, thread, engineID, value)
		})
}

func (b *Bridge) commandReasoning(_ context.Context, request commandRequest) (string, error) {
	return b.overrideCommand(request, "reasoning",
		func(channel, thread, engineID string) string {
			return b.store.ReasoningOverride(channel, thread, engineID)
		},
		func(channel, thread, engineID, value string) error {
			return b.store.SetReasoningOverride(channel, thread, engineID, value)
		})
}

// overrideCommand is the shared shape of /takopi model and
// /takopi reasoning: `<engine>` shows, `<engine> clear` clears,
// `<engine> <value>` sets.
func (b *Bridge) overrideCommand(
	request commandRequest,
	name string,
	get func(channel, thread, engineID string) string,
	set func(channel, thread, engineID, value string) error,
) (string, error) {
	usage := fmt.Sprintf("usage: `/takopi %s <engine> [<value>|clear]`", name)
	if len(request.Args) == 0 {
		return usage, nil
	}
	engineID := request.Args[0]
	if !b.registry.Has(engineID) {
		return fmt.Sprintf("unknown engine %q", engineID), nil
	}
	thread := request.stateThread()

	if len(request.Args) == 1 {
		current := get(request.Channel, thread, engineID)
		if current == "" {
			return fmt.Sprintf("%s for %s: default", name, engineID), nil
		}
		return fmt.Sprintf("%s for %s: `%s`", name, engineID, current), nil
	}

	value := request.Args[1]
	if value == "clear" {
		value = ""
	}
	if err := set(request.Channel, thread, engineID, value); err != nil {
		return "", err
	}
	if value == "" {
		return fmt.Sprintf("%s for %s cleared", name, engineID), nil
	}
	return fmt.Sprintf("%s for %s: `%s`", name, engineID, value), nil
}

func (b *Bridge) commandClear(_ context.Context, request commandRequest) (string, error) {
	thread := request.stateThread()
	if len(request.Args) > 0 && request.Args[0] == "resumes" {
		if err := b.store.ClearResumes(request.Channel, thread); err != nil {
			return "", err
		}
		return "resume tokens cleared", nil
	}
	if err := b.store.ClearThread(request.Channel, thread); err != nil {
		return "", err
	}
	return "thread state cleared", nil
}

func (b *Bridge) commandStatus(_ context.Context, request commandRequest) (string, error) {
	thread := request.stateThread()
	state := b.store.State(request.Channel, thread)

	var lines []string
	if state.Context != nil {
		lines = append(lines, "context: `"+state.Context.String()+"`")
	} else {
		lines = append(lines, "context: none")
	}
	if state.DefaultEngine != "" {
		lines = append(lines, "engine: "+state.DefaultEngine)
	} else {
		lines = append(lines, "engine: "+b.registry.DefaultEngine()+" (default)")
	}
	lines = append(lines, overrideLines("model", state.ModelOverrides)...)
	lines = append(lines, overrideLines("reasoning", state.ReasoningOverrides)...)
	if len(state.Resumes) > 0 {
		engines := make([]string, 0, len(state.Resumes))
		for id := range state.Resumes {
			engines = append(engines, id)
		}
		sort.Strings(engines)
		lines = append(lines, "resumable: "+strings.Join(engines, ", "))
	}
	lines = append(lines, fmt.Sprintf("running tasks: %d", b.tasks.Len()))
	return strings.Join(lines, "\n"), nil
}

func overrideLines(name string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	engines := make([]string, 0, len(overrides))
	for id := range overrides {
		engines = append(engines, id)
	}
	sort.Strings(engines)
	lines := make([]string, 0, len(engines))
	for _, id := range engines {
		lines = append(lines, fmt.Sprintf("%s %s: `%s`", name, id, overrides[id]))
	}
	return lines
}

// splitCommandArgs splits shell-style: double or single quotes group
// words, backslash escapes inside double quotes. An unbalanced quote
// degrades to whitespace splitting rather than failing the command.
func splitCommandArgs(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var args []string
	var current strings.Builder
	var quote byte
	inWord := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			current.WriteByte(c)
			escaped = false
		case quote == '"' && c == '\\':
			escaped = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteByte(c)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return strings.Fields(text)
	}
	if inWord {
		args = append(args, current.String())
	}
	return args
}
