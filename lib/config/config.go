// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Slack bridge.
//
// Configuration is loaded from a single YAML file specified by:
//   - TAKOPI_SLACK_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables never override values.
// This ensures deterministic, auditable configuration with no hidden
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileDenyGlobs are the file-transfer deny patterns applied when the
// config file does not set slack.files.deny_globs. They block repository
// internals, environment files, and key material from being served.
var DefaultFileDenyGlobs = []string{
	".git/**",
	".env",
	".envrc",
	"**/*.pem",
	"**/.ssh/**",
}

// Config is the master configuration for the Slack bridge.
type Config struct {
	// Slack configures the Slack transport.
	Slack SlackConfig `yaml:"slack"`

	// Engines lists the command engines the bridge can run.
	Engines []EngineConfig `yaml:"engines"`

	// DefaultEngine is the engine used when a message carries no engine
	// directive and the thread has no stored default.
	DefaultEngine string `yaml:"default_engine"`

	// Projects maps project aliases to working directories. Aliases are
	// what users type in context directives.
	Projects map[string]string `yaml:"projects"`

	// StateFile is where per-thread session state is persisted.
	StateFile string `yaml:"state_file"`

	// Reminders configures the stale-worktree reminder sweep.
	Reminders RemindersConfig `yaml:"reminders"`
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	// BotToken is the xoxb- token used for Web API calls.
	BotToken string `yaml:"bot_token"`

	// AppToken is the xapp- token used to open Socket Mode connections.
	// Required when socket_mode is true.
	AppToken string `yaml:"app_token"`

	// ChannelID is the channel the bridge listens on and posts to.
	ChannelID string `yaml:"channel_id"`

	// SocketMode selects the Socket Mode websocket transport. When false
	// the bridge polls conversations.history instead.
	SocketMode bool `yaml:"socket_mode"`

	// RequireMention makes the bridge ignore messages that do not mention
	// the bot user.
	RequireMention bool `yaml:"require_mention"`

	// ReplyInThread makes responses thread replies to the triggering
	// message rather than channel posts.
	ReplyInThread bool `yaml:"reply_in_thread"`

	// MessageOverflow selects the policy for messages over the Slack
	// length limit. Values: "trim" (ellipsis), "split" (follow-ups).
	// Default: split.
	MessageOverflow string `yaml:"message_overflow"`

	// PollIntervalSeconds is the conversations.history poll interval when
	// socket_mode is false. Default: 3.
	PollIntervalSeconds int `yaml:"poll_interval_s"`

	// PaceIntervalMillis is the minimum spacing between consecutive
	// outbound operations to the same channel. Zero disables pacing.
	PaceIntervalMillis int `yaml:"pace_interval_ms"`

	// Files configures Slack file transfer.
	Files FilesConfig `yaml:"files"`
}

// FilesConfig configures Slack file transfer.
type FilesConfig struct {
	// Enabled turns file transfer on. Default: false.
	Enabled bool `yaml:"enabled"`

	// AutoPut saves incoming attachments into the working directory
	// without an explicit command. Default: true.
	AutoPut bool `yaml:"auto_put"`

	// AutoPutMode selects how auto_put behaves. Values: "upload" (save
	// immediately), "prompt" (announce and wait for a command).
	// Default: upload.
	AutoPutMode string `yaml:"auto_put_mode"`

	// UploadsDir is the directory, relative to the working directory,
	// where incoming files are saved. Default: incoming.
	UploadsDir string `yaml:"uploads_dir"`

	// AllowedUserIDs restricts file transfer to these Slack user ids.
	// Empty means any user may transfer files.
	AllowedUserIDs []string `yaml:"allowed_user_ids"`

	// DenyGlobs are path patterns that may never be read or written.
	// Default: DefaultFileDenyGlobs.
	DenyGlobs []string `yaml:"deny_globs"`

	// MaxUploadBytes caps incoming attachment size. Default: 50 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// MaxDownloadBytes caps files served back to Slack. Default: 50 MiB.
	MaxDownloadBytes int64 `yaml:"max_download_bytes"`
}

// EngineConfig describes one runnable command engine.
type EngineConfig struct {
	// ID is the engine name users select with a directive (e.g. "claude").
	ID string `yaml:"id"`

	// Binary is the executable to run. Resolved via PATH when relative.
	Binary string `yaml:"binary"`

	// Args are fixed arguments prepended to every invocation.
	Args []string `yaml:"args"`

	// Env is extra environment for the engine process. Values are set
	// for the duration of each run and restored afterward.
	Env map[string]string `yaml:"env"`
}

// RemindersConfig configures the stale-worktree reminder sweep.
type RemindersConfig struct {
	// StaleWorktreeHours is how long a worktree-owning thread may sit
	// idle before its owner gets a reminder. Zero disables the sweep.
	// Default: 24.
	StaleWorktreeHours int `yaml:"stale_worktree_hours"`

	// CheckIntervalSeconds is how often the sweep runs. Default: 3600.
	CheckIntervalSeconds int `yaml:"check_interval_s"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist to give every optional field a sensible value, not as a
// fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Slack: SlackConfig{
			SocketMode:          true,
			ReplyInThread:       true,
			MessageOverflow:     OverflowSplit,
			PollIntervalSeconds: 3,
			PaceIntervalMillis:  1000,
			Files: FilesConfig{
				Enabled:          false,
				AutoPut:          true,
				AutoPutMode:      AutoPutUpload,
				UploadsDir:       "incoming",
				DenyGlobs:        append([]string(nil), DefaultFileDenyGlobs...),
				MaxUploadBytes:   50 << 20,
				MaxDownloadBytes: 50 << 20,
			},
		},
		StateFile: filepath.Join(homeDir, ".takopi", "slack_threads.json"),
		Reminders: RemindersConfig{
			StaleWorktreeHours:   24,
			CheckIntervalSeconds: 3600,
		},
	}
}

// Overflow policy values for slack.message_overflow.
const (
	OverflowTrim  = "trim"
	OverflowSplit = "split"
)

// Auto-put modes for slack.files.auto_put_mode.
const (
	AutoPutUpload = "upload"
	AutoPutPrompt = "prompt"
)

// Load loads configuration from the TAKOPI_SLACK_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path. If
// TAKOPI_SLACK_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("TAKOPI_SLACK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TAKOPI_SLACK_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The file is unmarshaled over Default(), so absent keys keep their
// defaults. The result is validated before being returned.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Slack.BotToken == "" {
		errs = append(errs, fmt.Errorf("slack.bot_token is required"))
	}
	if c.Slack.ChannelID == "" {
		errs = append(errs, fmt.Errorf("slack.channel_id is required"))
	}
	if c.Slack.SocketMode && c.Slack.AppToken == "" {
		errs = append(errs, fmt.Errorf("slack.app_token is required when slack.socket_mode is true"))
	}
	if !c.Slack.SocketMode && c.Slack.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("slack.poll_interval_s must be positive when slack.socket_mode is false"))
	}
	if c.Slack.PaceIntervalMillis < 0 {
		errs = append(errs, fmt.Errorf("slack.pace_interval_ms must not be negative"))
	}
	if c.Slack.MessageOverflow != OverflowTrim && c.Slack.MessageOverflow != OverflowSplit {
		errs = append(errs, fmt.Errorf("slack.message_overflow must be one of: trim, split"))
	}
	if m := c.Slack.Files.AutoPutMode; m != AutoPutUpload && m != AutoPutPrompt {
		errs = append(errs, fmt.Errorf("slack.files.auto_put_mode must be one of: upload, prompt"))
	}
	if c.Slack.Files.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("slack.files.max_upload_bytes must be positive"))
	}
	if c.Slack.Files.MaxDownloadBytes <= 0 {
		errs = append(errs, fmt.Errorf("slack.files.max_download_bytes must be positive"))
	}

	if c.StateFile == "" {
		errs = append(errs, fmt.Errorf("state_file is required"))
	}
	if c.Reminders.StaleWorktreeHours < 0 {
		errs = append(errs, fmt.Errorf("reminders.stale_worktree_hours must not be negative"))
	}
	if c.Reminders.StaleWorktreeHours > 0 && c.Reminders.CheckIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("reminders.check_interval_s must be positive when the sweep is enabled"))
	}

	seen := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("engines[%d].id is required", i))
			continue
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Errorf("engines[%d].id %q is duplicated", i, e.ID))
		}
		seen[e.ID] = true
		if e.Binary == "" {
			errs = append(errs, fmt.Errorf("engines[%d].binary is required", i))
		}
	}
	if len(c.Engines) == 0 {
		errs = append(errs, fmt.Errorf("engines must list at least one engine"))
	}
	if c.DefaultEngine == "" {
		errs = append(errs, fmt.Errorf("default_engine is required"))
	} else if len(c.Engines) > 0 && !seen[c.DefaultEngine] {
		errs = append(errs, fmt.Errorf("default_engine %q is not in engines", c.DefaultEngine))
	}

	for alias, dir := range c.Projects {
		if alias == "" {
			errs = append(errs, fmt.Errorf("projects contains an empty alias"))
		}
		if dir == "" {
			errs = append(errs, fmt.Errorf("projects.%s must name a directory", alias))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PollInterval returns slack.poll_interval_s as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Slack.PollIntervalSeconds) * time.Second
}

// PaceInterval returns slack.pace_interval_ms as a duration.
func (c *Config) PaceInterval() time.Duration {
	return time.Duration(c.Slack.PaceIntervalMillis) * time.Millisecond
}

// StaleWorktreeAge returns reminders.stale_worktree_hours as a duration.
// Zero means the sweep is disabled.
func (c *Config) StaleWorktreeAge() time.Duration {
	return time.Duration(c.Reminders.StaleWorktreeHours) * time.Hour
}

// StaleWorktreeCheckInterval returns reminders.check_interval_s as a duration.
func (c *Config) StaleWorktreeCheckInterval() time.Duration {
	return time.Duration(c.Reminders.CheckIntervalSeconds) * time.Second
}

// Engine returns the engine config for id, or false when id is unknown.
func (c *Config) Engine(id string) (EngineConfig, bool) {
	for _, e := range c.Engines {
		if e.ID == id {
			return e, true
		}
	}
	return EngineConfig{}, false
}

// EngineIDs returns the configured engine ids in declaration order.
func (c *Config) EngineIDs() []string {
	ids := make([]string, 0, len(c.Engines))
	for _, e := range c.Engines {
		ids = append(ids, e.ID)
	}
	return ids
}
