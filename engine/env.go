// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"os"
	"sync"
)

// envMu serializes runs that mutate process environment. Some engine
// binaries only read configuration from the environment, so overrides
// must be applied for the duration of the subprocess; overlapping runs
// would otherwise see each other's values.
var envMu sync.Mutex

// RunWithEnv runs fn with the given environment overrides applied to
// the process environment, restoring prior values afterward. The whole
// apply-run-restore sequence holds a process-wide lock; runs without
// overrides skip the lock entirely.
func RunWithEnv(overrides map[string]string, fn func() error) error {
	if len(overrides) == 0 {
		return fn()
	}

	envMu.Lock()
	defer envMu.Unlock()

	previous := make(map[string]*string, len(overrides))
	for key, value := range overrides {
		if prior, ok := os.LookupEnv(key); ok {
			prior := prior
			previous[key] = &prior
		} else {
			previous[key] = nil
		}
		if err := os.Setenv(key, value); err != nil {
			restoreEnv(previous)
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	defer restoreEnv(previous)
	return fn()
}

func restoreEnv(previous map[string]*string) {
	for key, value := range previous {
		if value == nil {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, *value)
		}
	}
}
