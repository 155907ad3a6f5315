// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
)

// TaskKey identifies one in-flight run by the message that started it.
type TaskKey struct {
	Channel   string
	MessageTS string
}

// TaskRegistry tracks in-flight runs so an interactive cancel action
// can reach a specific one. Cancellation is cooperative: it cancels
// the run's context, which the runner observes between units of work.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[TaskKey]*taskEntry
}

type taskEntry struct {
	cancel context.CancelFunc
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[TaskKey]*taskEntry)}
}

// Begin registers a run under key and returns its derived context plus
// an end function the caller must invoke when the run finishes. A run
// already registered under the same key is cancelled and replaced.
func (r *TaskRegistry) Begin(ctx context.Context, key TaskKey) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	entry := &taskEntry{cancel: cancel}

	r.mu.Lock()
	if prior, ok := r.tasks[key]; ok {
		prior.cancel()
	}
	r.tasks[key] = entry
	r.mu.Unlock()

	end := func() {
		r.mu.Lock()
		if current, ok := r.tasks[key]; ok && current == entry {
			delete(r.tasks, key)
		}
		r.mu.Unlock()
		cancel()
	}
	return runCtx, end
}

// Cancel signals the run registered under key, if any. Reports whether
// a run was found.
func (r *TaskRegistry) Cancel(key TaskKey) bool {
	r.mu.Lock()
	entry, ok := r.tasks[key]
	if ok {
		delete(r.tasks, key)
	}
	r.mu.Unlock()
	if ok {
		entry.cancel()
	}
	return ok
}

// Len returns the number of registered runs.
func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
