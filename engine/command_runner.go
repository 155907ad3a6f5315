// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/google/uuid"
)

// CommandRunnerConfig configures a CommandRunner.
type CommandRunnerConfig struct {
	// EngineID is the identifier this runner registers under.
	EngineID string

	// Binary is the engine executable, resolved through PATH.
	Binary string

	// Args are fixed arguments prepended to every invocation.
	Args []string

	Logger *slog.Logger
}

// CommandRunner executes prompts by spawning an engine binary. The
// request goes to the child's stdin as a single JSON document; the
// child reports progress as JSON lines on stdout, one event per line,
// ending with a result event:
//
//	{"type":"action","kind":"command","title":"go test ./...","completed":true}
//	{"type":"result","ok":true,"answer":"...","resume":"sess-abc123"}
type CommandRunner struct {
	engineID string
	binary   string
	args     []string
	logger   *slog.Logger
}

func NewCommandRunner(config CommandRunnerConfig) *CommandRunner {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{
		engineID: config.EngineID,
		binary:   config.Binary,
		args:     config.Args,
		logger:   logger,
	}
}

func (r *CommandRunner) Engine() string {
	return r.engineID
}

// Available reports whether the engine binary is on PATH.
func (r *CommandRunner) Available() (bool, string) {
	if _, err := exec.LookPath(r.binary); err != nil {
		return false, fmt.Sprintf("%s not installed (%v)", r.binary, err)
	}
	return true, ""
}

// runnerEvent is one stdout line from the engine process.
type runnerEvent struct {
	Type string `json:"type"`

	// action fields
	Kind      string `json:"kind,omitempty"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	Updated   bool   `json:"updated,omitempty"`

	// result fields
	OK     bool   `json:"ok,omitempty"`
	Answer string `json:"answer,omitempty"`
	Resume string `json:"resume,omitempty"`
}

// runnerInput is the JSON document written to the child's stdin.
type runnerInput struct {
	Prompt    string `json:"prompt"`
	Resume    string `json:"resume,omitempty"`
	Model     string `json:"model,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (r *CommandRunner) Run(ctx context.Context, request RunRequest, sink Sink) (*RunResult, error) {
	runID := uuid.NewString()
	logger := r.logger.With("engine", r.engineID, "run_id", runID)

	cmd := exec.CommandContext(ctx, r.binary, r.args...)
	cmd.Dir = request.WorkDir
	cmd.Env = os.Environ()
	for key, value := range request.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	input := runnerInput{
		Prompt:    request.Prompt,
		Model:     request.Options.Model,
		Reasoning: request.Options.Reasoning,
	}
	if request.Resume != nil {
		input.Resume = request.Resume.Value
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding run input: %w", err)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.binary, err)
	}
	logger.Info("run started", "binary", r.binary, "workdir", request.WorkDir)

	if _, err := stdinPipe.Write(stdin); err != nil {
		logger.Warn("writing run input failed", "error", err)
	}
	stdinPipe.Close()

	state := RunState{
		Engine:      r.engineID,
		ContextLine: contextLine(request.Context),
	}
	var result *RunResult

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event runnerEvent
		if err := json.Unmarshal(line, &event); err != nil {
			logger.Warn("skipping malformed runner event", "error", err)
			continue
		}
		switch event.Type {
		case "action":
			state.Actions = append(state.Actions, ActionState{
				Kind:      event.Kind,
				Title:     event.Title,
				Completed: event.Completed,
				Failed:    event.Failed,
				Updated:   event.Updated,
			})
			state.ActionCount = len(state.Actions)
			if sink != nil {
				sink.Progress(ctx, state)
			}
		case "result":
			result = &RunResult{OK: event.OK, Answer: event.Answer}
			if event.Resume != "" {
				result.Resume = &ResumeToken{Engine: r.engineID, Value: event.Resume}
			}
		default:
			logger.Debug("ignoring runner event", "type", event.Type)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		logger.Info("run cancelled")
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return nil, fmt.Errorf("reading runner output: %w", scanErr)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s exited: %w", r.binary, waitErr)
	}
	if result == nil {
		return nil, fmt.Errorf("%s produced no result event", r.binary)
	}

	if result.Resume != nil {
		state.ResumeLine = "resume: `" + result.Resume.Value + "`"
	}
	status := "done"
	if !result.OK {
		status = "failed"
	}
	if sink != nil {
		sink.Final(ctx, state, status, result.Answer)
	}
	logger.Info("run finished", "ok", result.OK, "actions", state.ActionCount)
	return result, nil
}

func contextLine(rc *RunContext) string {
	if rc == nil {
		return ""
	}
	return "ctx: " + rc.String()
}
