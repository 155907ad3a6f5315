// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/richardliang/takopi-slack-plugin/engine"
	"github.com/richardliang/takopi-slack-plugin/messaging"
	"github.com/richardliang/takopi-slack-plugin/threadstate"
)

// shouldSkip filters messages the bridge must never react to: edits
// and joins (subtype), other bots, itself, and frames without an
// author or identity.
func (b *Bridge) shouldSkip(message messaging.Message) bool {
	if message.TS == "" {
		return true
	}
	if message.Subtype != "" {
		return true
	}
	if message.BotID != "" {
		return true
	}
	if message.User == "" {
		return true
	}
	if b.botUserID != "" && message.User == b.botUserID {
		return true
	}
	if strings.TrimSpace(message.Text) == "" && len(message.Files) == 0 {
		return true
	}
	return false
}

// stripBotMention removes <@BOTID|name> mentions from text. With
// mention gating on, a message that never mentions the bot is not
// allowed through.
func (b *Bridge) stripBotMention(text string) (string, bool) {
	if !b.mentionRequired {
		return strings.TrimSpace(text), true
	}
	if b.mentionPattern == nil {
		b.mentionPattern = regexp.MustCompile(`<@` + regexp.QuoteMeta(b.botUserID) + `(\|[^>]*)?>`)
	}
	if !b.mentionPattern.MatchString(text) {
		return text, false
	}
	return strings.TrimSpace(b.mentionPattern.ReplaceAllString(text, "")), true
}

// replyThread resolves where replies to message go. With reply_in_thread
// the triggering message starts its own thread when it is not already
// in one.
func (b *Bridge) replyThread(message messaging.Message) string {
	if !b.settings.Slack.ReplyInThread {
		return ""
	}
	if message.ThreadTS != "" {
		return message.ThreadTS
	}
	return message.TS
}

// handleChatMessage is the per-message handler. It resolves directives
// and thread state into a run request and drives the engine, reporting
// failures inline rather than letting them escape.
func (b *Bridge) handleChatMessage(ctx context.Context, message messaging.Message, text string) {
	channel := b.settings.Slack.ChannelID
	threadTS := b.replyThread(message)
	logger := b.logger.With("run_id", uuid.NewString(), "user", message.User, "ts", message.TS)

	if files := fetchableFiles(message.Files); len(files) > 0 {
		text = b.handleIncomingFiles(ctx, message, text, files)
		if text == "" {
			return
		}
	}

	directives, err := engine.ParseDirectives(text, b.registry.Has, b.isProject)
	if err != nil {
		b.sendPlain(ctx, channel, threadTS, fmt.Sprintf("error:\n%v", err))
		return
	}
	if directives.Prompt == "" {
		return
	}

	stateThread := threadTS
	if stateThread == "" {
		stateThread = message.TS
	}

	engineID := directives.Engine
	if engineID == "" {
		engineID = b.store.DefaultEngine(channel, stateThread)
	}
	if engineID == "" {
		engineID = b.registry.DefaultEngine()
	}

	runner, err := b.registry.Resolve(engineID)
	if err != nil {
		b.sendPlain(ctx, channel, threadTS, fmt.Sprintf("error:\n%v", err))
		return
	}
	if ok, reason := runner.Available(); !ok {
		b.sendPlain(ctx, channel, threadTS, "error:\n"+reason)
		return
	}

	runContext := directives.Context
	if runContext == nil {
		runContext = b.store.Context(channel, stateThread)
	}
	workDir, err := b.resolveWorkDir(runContext)
	if err != nil {
		b.sendPlain(ctx, channel, threadTS, fmt.Sprintf("error:\n%v", err))
		return
	}

	var resume *engine.ResumeToken
	if !directives.Fresh {
		resume = b.store.Resume(channel, stateThread, engineID)
	}

	request := engine.RunRequest{
		Prompt:  directives.Prompt,
		Engine:  engineID,
		Context: runContext,
		Resume:  resume,
		Options: engine.RunOptions{
			Model:     b.store.ModelOverride(channel, stateThread, engineID),
			Reasoning: b.store.ReasoningOverride(channel, stateThread, engineID),
		},
		WorkDir: workDir,
	}
	if engineConfig, ok := b.settings.Engine(engineID); ok {
		request.Env = engineConfig.Env
	}

	activity := threadstate.ActivityUpdate{
		Channel: channel,
		Thread:  stateThread,
		UserID:  message.User,
		Now:     b.clock.Now(),
	}
	if runContext != nil {
		activity.Worktree = &threadstate.Worktree{
			Project: runContext.Project,
			Branch:  runContext.Branch,
		}
	}
	if err := b.store.RecordActivity(activity); err != nil {
		logger.Warn("activity record failed", "error", err)
	}

	runCtx, end := b.tasks.Begin(ctx, engine.TaskKey{Channel: channel, MessageTS: message.TS})
	defer end()

	sink := b.newStatusSink(channel, threadTS)
	logger.Info("run starting", "engine", engineID, "resumed", resume != nil)
	var result *engine.RunResult
	err = engine.RunWithEnv(request.Env, func() error {
		var runErr error
		result, runErr = runner.Run(runCtx, request, sink)
		return runErr
	})
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		logger.Info("run cancelled")
		sink.Cancelled(ctx)
		return
	case err != nil:
		logger.Warn("run failed", "engine", engineID, "error", err)
		b.sendPlain(ctx, channel, threadTS, fmt.Sprintf("error:\n%v", err))
		return
	}

	if result.Resume != nil {
		if err := b.store.SetResume(channel, stateThread, *result.Resume); err != nil {
			logger.Warn("resume save failed", "error", err)
		}
	}
	logger.Info("run finished", "engine", engineID, "ok", result.OK)
}

// isProject reports whether alias names a configured project.
func (b *Bridge) isProject(alias string) bool {
	_, ok := b.settings.Projects[alias]
	return ok
}

// resolveWorkDir maps a run context to a configured project directory.
// A nil context runs in the process working directory.
func (b *Bridge) resolveWorkDir(runContext *engine.RunContext) (string, error) {
	if runContext == nil {
		return "", nil
	}
	dir, ok := b.settings.Projects[runContext.Project]
	if !ok {
		return "", fmt.Errorf("unknown project %q", runContext.Project)
	}
	return dir, nil
}
