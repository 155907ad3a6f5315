// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"strings"
)

// Directives are leading bang-tokens on a message that adjust how the
// rest of it is run:
//
//	!codex          select an engine for this run
//	!api:main       select a project context (branch optional)
//	!new            start a fresh session, ignoring resume tokens
//
// Parsing stops at the first token that does not start with "!"; the
// remainder is the prompt.
type Directives struct {
	Prompt string

	// Engine is the explicit engine override, empty when no engine
	// directive was given.
	Engine string

	// Context is the explicit context directive, nil when none.
	Context *RunContext

	// Fresh requests a brand new session.
	Fresh bool
}

// DirectiveError reports an unusable directive token.
type DirectiveError struct {
	Token  string
	Reason string
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("directive %q: %s", e.Token, e.Reason)
}

// ParseDirectives extracts leading directives from text. isEngine and
// isProject decide which bare tokens name engines and project aliases;
// a token matching neither is an error rather than silently becoming
// part of the prompt, since a typo like "!codxe" should not be sent to
// an engine verbatim.
func ParseDirectives(text string, isEngine, isProject func(string) bool) (Directives, error) {
	var directives Directives
	rest := strings.TrimLeft(text, " \t\n")

	for strings.HasPrefix(rest, "!") {
		token := rest
		if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
			token = rest[:i]
		}
		body := strings.TrimPrefix(token, "!")
		if body == "" {
			// A bare "!" starts the prompt, not a directive.
			break
		}

		switch {
		case body == "new":
			directives.Fresh = true
		case isEngine != nil && isEngine(body):
			if directives.Engine != "" {
				return Directives{}, &DirectiveError{Token: token, Reason: "engine already selected"}
			}
			directives.Engine = body
		default:
			project, branch, _ := strings.Cut(body, ":")
			if isProject == nil || !isProject(project) {
				return Directives{}, &DirectiveError{Token: token, Reason: "not an engine or project"}
			}
			if directives.Context != nil {
				return Directives{}, &DirectiveError{Token: token, Reason: "context already selected"}
			}
			directives.Context = &RunContext{Project: project, Branch: branch}
		}

		rest = strings.TrimLeft(rest[len(token):], " \t\n")
	}

	directives.Prompt = strings.TrimSpace(rest)
	return directives, nil
}
