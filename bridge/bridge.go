// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge connects the Slack event surface to the command
// runtime: it owns the event connection lifecycle, routes envelopes to
// handlers, resolves thread state and directives into run requests,
// and delivers rendered progress back through the outbox.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/richardliang/takopi-slack-plugin/engine"
	"github.com/richardliang/takopi-slack-plugin/lib/clock"
	"github.com/richardliang/takopi-slack-plugin/lib/config"
	"github.com/richardliang/takopi-slack-plugin/messaging"
	"github.com/richardliang/takopi-slack-plugin/outbox"
	"github.com/richardliang/takopi-slack-plugin/render"
	"github.com/richardliang/takopi-slack-plugin/threadstate"
)

// Config holds the collaborators a Bridge needs.
type Config struct {
	Settings *config.Config
	Client   *messaging.Client
	Store    *threadstate.Store
	Registry *engine.Registry

	// Dial opens a Socket Mode connection to a URL obtained from
	// apps.connections.open. If nil, messaging.DialSocket.
	Dial Dialer

	// Transcriber handles incoming voice files. Nil disables
	// transcription with a hint reply.
	Transcriber Transcriber

	// Clock drives the reconnect backoff, pacing, and the reminder
	// sweep. If nil, clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Bridge is the long-running Slack bridge process.
type Bridge struct {
	settings    *config.Config
	client      *messaging.Client
	store       *threadstate.Store
	registry    *engine.Registry
	transcriber Transcriber
	clock       clock.Clock
	logger      *slog.Logger

	outbox    *outbox.Outbox
	transport *Transport
	tasks     *engine.TaskRegistry
	renderer  *render.Renderer
	commands  map[string]commandHandler
	dial      Dialer

	// botUserID is learned from auth.test at startup; empty when the
	// call failed.
	botUserID       string
	mentionRequired bool
	mentionPattern  *regexp.Regexp

	handlers sync.WaitGroup
}

// New wires a Bridge. The outbox worker starts immediately; call Close
// to drain it.
func New(cfg Config) (*Bridge, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("bridge: settings are required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("bridge: client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("bridge: store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string) (Conn, error) {
			return messaging.DialSocket(ctx, url)
		}
	}

	settings := cfg.Settings
	ob := outbox.New(outbox.Config{
		IntervalFor: func(string) time.Duration { return settings.PaceInterval() },
		OnError: func(op *outbox.Op, err error) {
			logger.Warn("delivery failed", "destination", op.Destination, "error", err)
		},
		Clock:  clk,
		Logger: logger,
	})

	b := &Bridge{
		settings:    settings,
		client:      cfg.Client,
		store:       cfg.Store,
		registry:    cfg.Registry,
		transcriber: cfg.Transcriber,
		clock:       clk,
		logger:      logger,
		outbox:      ob,
		transport:   NewTransport(cfg.Client, ob, logger),
		tasks:       engine.NewTaskRegistry(),
		dial:        dial,
		renderer: render.NewRenderer(
			settings.Slack.MessageOverflow,
			render.DefaultMaxChars,
			render.DefaultMaxActions,
		),
	}
	b.commands = b.commandTable()
	return b, nil
}

// Run drives the bridge until ctx is cancelled. It posts the startup
// message, learns the bot identity, starts the reminder sweep, and
// then blocks in the socket or polling loop.
func (b *Bridge) Run(ctx context.Context) error {
	b.sendStartup(ctx)

	auth, err := b.client.AuthTest(ctx)
	if err != nil {
		b.logger.Warn("auth.test failed", "error", err)
	} else {
		b.botUserID = auth.UserID
	}

	b.mentionRequired = b.settings.Slack.RequireMention
	if b.mentionRequired && b.botUserID == "" {
		b.logger.Warn("mention requirement disabled", "reason", "bot user id unknown")
		b.mentionRequired = false
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		b.runReminderSweep(ctx)
	}()

	if b.settings.Slack.SocketMode {
		b.runSocketLoop(ctx)
	} else {
		b.runPollingLoop(ctx)
	}

	b.handlers.Wait()
	<-sweepDone
	return ctx.Err()
}

// Close drains the outbox. Call after Run returns.
func (b *Bridge) Close() {
	b.outbox.Close()
}

// sendStartup posts the engine availability summary to the channel.
func (b *Bridge) sendStartup(ctx context.Context) {
	text := b.startupText()
	if text == "" {
		return
	}
	if ts := b.transport.Send(ctx, b.settings.Slack.ChannelID, text, "", true); ts != "" {
		b.logger.Info("startup message sent", "channel", b.settings.Slack.ChannelID)
	}
}

func (b *Bridge) startupText() string {
	var lines []string
	lines = append(lines, "takopi-slack online")
	lines = append(lines, "engine: "+b.registry.DefaultEngine())

	for _, id := range b.registry.Engines() {
		runner, err := b.registry.Resolve(id)
		if err != nil {
			continue
		}
		if ok, reason := runner.Available(); !ok {
			lines = append(lines, fmt.Sprintf("agent %s: unavailable (%s)", id, reason))
		} else {
			lines = append(lines, "agent "+id+": ready")
		}
	}

	if len(b.settings.Projects) > 0 {
		aliases := make([]string, 0, len(b.settings.Projects))
		for alias := range b.settings.Projects {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		lines = append(lines, "projects: "+strings.Join(aliases, ", "))
	}
	if cwd, err := os.Getwd(); err == nil {
		lines = append(lines, "dir: "+cwd)
	}
	return strings.Join(lines, "\n")
}

// sendPlain posts a simple text reply, optionally threaded.
func (b *Bridge) sendPlain(ctx context.Context, channel, threadTS, text string) {
	b.transport.Send(ctx, channel, text, threadTS, false)
}

// spawn runs fn as an independent handler goroutine. A panicking
// handler is logged and reported inline; it never takes down the
// receive loop or other handlers.
func (b *Bridge) spawn(ctx context.Context, channel, threadTS string, fn func(context.Context)) {
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("handler panicked", "panic", r)
				b.sendPlain(ctx, channel, threadTS, fmt.Sprintf("error:\n%v", r))
			}
		}()
		fn(ctx)
	}()
}
