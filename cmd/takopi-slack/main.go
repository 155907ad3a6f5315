// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// takopi-slack bridges a Slack channel to the takopi command runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/richardliang/takopi-slack-plugin/bridge"
	"github.com/richardliang/takopi-slack-plugin/engine"
	"github.com/richardliang/takopi-slack-plugin/lib/clock"
	"github.com/richardliang/takopi-slack-plugin/lib/config"
	"github.com/richardliang/takopi-slack-plugin/lib/version"
	"github.com/richardliang/takopi-slack-plugin/messaging"
	"github.com/richardliang/takopi-slack-plugin/threadstate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to the config file (default: $TAKOPI_SLACK_CONFIG)")
	engineOverride := pflag.String("engine", "", "override the configured default engine")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("takopi-slack %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", *logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var settings *config.Config
	var err error
	if *configPath != "" {
		settings, err = config.LoadFile(*configPath)
	} else {
		settings, err = config.Load()
	}
	if err != nil {
		return err
	}
	if *engineOverride != "" {
		if _, ok := settings.Engine(*engineOverride); !ok {
			return fmt.Errorf("--engine %q is not in the configured engines", *engineOverride)
		}
		settings.DefaultEngine = *engineOverride
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		Token:  settings.Slack.BotToken,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	runners := make([]engine.Runner, 0, len(settings.Engines))
	for _, spec := range settings.Engines {
		runners = append(runners, engine.NewCommandRunner(engine.CommandRunnerConfig{
			EngineID: spec.ID,
			Binary:   spec.Binary,
			Args:     spec.Args,
			Logger:   logger,
		}))
	}
	registry, err := engine.NewRegistry(settings.DefaultEngine, runners...)
	if err != nil {
		return err
	}

	store := threadstate.NewStore(settings.StateFile, logger)

	b, err := bridge.New(bridge.Config{
		Settings: settings,
		Client:   client,
		Store:    store,
		Registry: registry,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("takopi-slack starting",
		"version", version.Info(),
		"channel", settings.Slack.ChannelID,
		"socket_mode", settings.Slack.SocketMode,
		"default_engine", settings.DefaultEngine)

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("takopi-slack stopped")
	return nil
}
