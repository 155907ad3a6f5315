// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine defines the boundary to the command runtime: the
// Runner contract, run request synthesis, the registry of installed
// engines, and the registry of in-flight runs.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ResumeToken continues a prior runtime session. Tokens are scoped to
// the engine that issued them; one engine's token is meaningless to
// another.
type ResumeToken struct {
	Engine string
	Value  string
}

// RunContext names the working set a run targets: a project alias and
// an optional branch.
type RunContext struct {
	Project string
	Branch  string
}

func (c RunContext) String() string {
	if c.Branch == "" {
		return c.Project
	}
	return c.Project + ":" + c.Branch
}

// RunOptions carries per-run overrides resolved from thread state.
// Empty fields mean the engine default.
type RunOptions struct {
	Model     string
	Reasoning string
}

// RunRequest is everything a Runner needs for one execution.
type RunRequest struct {
	Prompt  string
	Engine  string
	Context *RunContext

	// Resume continues a prior session when non-nil. A runner that
	// cannot honor the token starts fresh.
	Resume *ResumeToken

	Options RunOptions

	// Env holds extra environment values for the run. The request
	// never mutates process environment itself; see RunWithEnv.
	Env map[string]string

	// WorkDir is the resolved working directory, empty for the
	// process default.
	WorkDir string
}

// ActionState is one unit of runtime work as reported for rendering.
type ActionState struct {
	// Kind is the action class: "command", "tool", "file_change",
	// "note", or "warning".
	Kind  string
	Title string

	Completed bool
	Failed    bool
	Updated   bool
}

// RunState is the renderable view of a run in flight.
type RunState struct {
	Engine      string
	ActionCount int
	Actions     []ActionState
	ContextLine string
	ResumeLine  string
}

// Sink receives render callbacks as a run progresses. Implementations
// must tolerate being called from the runner's goroutine.
type Sink interface {
	Progress(ctx context.Context, state RunState)
	Final(ctx context.Context, state RunState, status, answer string)
}

// RunResult is what a completed run reports back.
type RunResult struct {
	// Resume is the token for continuing this session, nil when the
	// engine did not report one.
	Resume *ResumeToken
	Answer string
	OK     bool
}

// Runner executes prompts against one backing engine.
type Runner interface {
	// Engine returns the stable engine identifier.
	Engine() string

	// Available reports whether the engine can run, with a human
	// readable reason when it cannot (binary missing, bad config).
	Available() (bool, string)

	// Run executes the request, streaming renders through sink. It
	// observes ctx between units of work for cooperative
	// cancellation. A cancelled run returns ctx.Err().
	Run(ctx context.Context, request RunRequest, sink Sink) (*RunResult, error)
}

// UnknownEngineError reports a request for an engine id that is not
// registered.
type UnknownEngineError struct {
	Engine string
	Known  []string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("unknown engine %q (installed: %s)",
		e.Engine, strings.Join(e.Known, ", "))
}

// Registry holds the installed runners and the configured default.
type Registry struct {
	runners       map[string]Runner
	defaultEngine string
}

// NewRegistry builds a registry. The default engine must be among the
// given runners.
func NewRegistry(defaultEngine string, runners ...Runner) (*Registry, error) {
	if len(runners) == 0 {
		return nil, fmt.Errorf("no engines registered")
	}
	byID := make(map[string]Runner, len(runners))
	for _, runner := range runners {
		id := runner.Engine()
		if id == "" {
			return nil, fmt.Errorf("runner with empty engine id")
		}
		if _, ok := byID[id]; ok {
			return nil, fmt.Errorf("duplicate engine id %q", id)
		}
		byID[id] = runner
	}
	if _, ok := byID[defaultEngine]; !ok {
		return nil, fmt.Errorf("default engine %q is not registered", defaultEngine)
	}
	return &Registry{runners: byID, defaultEngine: defaultEngine}, nil
}

// DefaultEngine returns the configured default engine id.
func (r *Registry) DefaultEngine() string {
	return r.defaultEngine
}

// Engines returns the registered engine ids, sorted.
func (r *Registry) Engines() []string {
	ids := make([]string, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether the engine id is registered.
func (r *Registry) Has(engine string) bool {
	_, ok := r.runners[engine]
	return ok
}

// Resolve returns the runner for the engine id, or the default runner
// for the empty id.
func (r *Registry) Resolve(engine string) (Runner, error) {
	if engine == "" {
		engine = r.defaultEngine
	}
	runner, ok := r.runners[engine]
	if !ok {
		return nil, &UnknownEngineError{Engine: engine, Known: r.Engines()}
	}
	return runner, nil
}
