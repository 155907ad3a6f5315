// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

// Package threadstate persists per-thread session state: resume tokens
// keyed by engine, run context, per-engine overrides, and worktree and
// reminder bookkeeping.
//
// The backing file is a single versioned JSON document keyed by
// "<channel>:<thread>". The process does not assume exclusive
// ownership: before every operation the store compares the file's
// modification time against the last value it observed and reloads on
// mismatch, so external edits and concurrent instances follow
// last-writer-wins semantics. Persistence writes the full document to
// a temporary file in the same directory and renames it over the
// target, so a crash mid-write never corrupts committed state.
package threadstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/richardliang/takopi-slack-plugin/engine"
)

// Version is the document schema version. A stored document with any
// other version is treated as absent.
const Version = 1

// document is the on-disk schema. Field names are part of the file
// format; empty override maps are stored absent, not as {}.
type document struct {
	Version int                       `json:"version"`
	Threads map[string]*threadSession `json:"threads"`
}

type threadSession struct {
	Resumes            map[string]string `json:"resumes,omitempty"`
	Context            map[string]string `json:"context,omitempty"`
	ModelOverrides     map[string]string `json:"model_overrides,omitempty"`
	ReasoningOverrides map[string]string `json:"reasoning_overrides,omitempty"`
	DefaultEngine      string            `json:"default_engine,omitempty"`
	LastActivityAt     float64           `json:"last_activity_at,omitempty"`
	OwnerUserID        string            `json:"owner_user_id,omitempty"`
	Worktree           *worktreeRef      `json:"worktree,omitempty"`
	Reminder           *reminderState    `json:"reminder,omitempty"`
}

type worktreeRef struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
}

type reminderState struct {
	SentAt *float64 `json:"sent_at"`
}

// Worktree names a physical checkout associated with a thread. This is
// distinct from the run context: context is what to run against, the
// worktree is what exists on disk.
type Worktree struct {
	Project string
	Branch  string
}

// ThreadSnapshot is the typed per-thread view handed to the reminder
// sweep and to presentation code. The raw persisted structure never
// crosses the package boundary.
type ThreadSnapshot struct {
	Channel string
	Thread  string

	// LastActivityAt is zero when the thread never recorded activity.
	LastActivityAt time.Time

	OwnerUserID string
	Worktree    *Worktree

	// ReminderSentAt is nil when no idle reminder is outstanding.
	ReminderSentAt *time.Time
}

// ThreadState is the typed settings view used by status reporting.
type ThreadState struct {
	Context            *engine.RunContext
	DefaultEngine      string
	ModelOverrides     map[string]string
	ReasoningOverrides map[string]string
	Resumes            map[string]string
}

// ActivityUpdate records liveness for a thread. Worktree and
// ClearWorktree are mutually exclusive; both unset leaves the worktree
// untouched. Any recorded activity resets the reminder state.
type ActivityUpdate struct {
	Channel string
	Thread  string

	// UserID claims thread ownership when the thread has no owner yet.
	UserID string

	Worktree      *Worktree
	ClearWorktree bool

	Now time.Time
}

// Store is the durable thread-session store. Safe for concurrent use;
// every operation runs under a single store-wide mutex.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger

	state         *document
	loaded        bool
	loadedModTime time.Time
}

// NewStore creates a store backed by the file at path. The file is
// loaded lazily on first use; a missing file is an empty store.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

func newDocument() *document {
	return &document{Version: Version, Threads: make(map[string]*threadSession)}
}

// ThreadKey builds the document key for a channel/thread pair.
func ThreadKey(channel, thread string) string {
	return channel + ":" + thread
}

func splitThreadKey(key string) (channel, thread string, ok bool) {
	channel, thread, found := strings.Cut(key, ":")
	if !found || channel == "" || thread == "" {
		return "", "", false
	}
	return channel, thread, true
}

// reloadLocked refreshes in-memory state when the backing file changed
// since the last observation. An unreadable, unparsable, or
// version-mismatched file degrades to fresh empty state with a warning
// rather than blocking the caller.
func (s *Store) reloadLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("thread state stat failed", "path", s.path, "error", err)
		}
		if !s.loaded {
			s.state = newDocument()
			s.loaded = true
		}
		return
	}
	if s.loaded && info.ModTime().Equal(s.loadedModTime) {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("thread state read failed", "path", s.path, "error", err)
		if !s.loaded {
			s.state = newDocument()
			s.loaded = true
		}
		return
	}

	var loaded document
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("thread state unparsable, starting fresh", "path", s.path, "error", err)
		loaded = *newDocument()
	} else if loaded.Version != Version {
		s.logger.Warn("thread state version mismatch, starting fresh",
			"path", s.path, "version", loaded.Version, "expected", Version)
		loaded = *newDocument()
	}
	if loaded.Threads == nil {
		loaded.Threads = make(map[string]*threadSession)
	}
	s.state = &loaded
	s.loaded = true
	s.loadedModTime = info.ModTime()
}

// saveLocked atomically persists the full document and records the
// resulting modification time as our own.
func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encoding thread state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".thread-state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		s.loadedModTime = info.ModTime()
	}
	return nil
}

func (s *Store) getOrCreateLocked(key string) *threadSession {
	session, ok := s.state.Threads[key]
	if !ok {
		session = &threadSession{}
		s.state.Threads[key] = session
	}
	return session
}

// Resume returns the thread's resume token for the given engine, nil
// when none is stored.
func (s *Store) Resume(channel, thread, engineID string) *engine.ResumeToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil {
		return nil
	}
	value := session.Resumes[engineID]
	if value == "" {
		return nil
	}
	return &engine.ResumeToken{Engine: engineID, Value: value}
}

// SetResume stores a resume token under its engine.
func (s *Store) SetResume(channel, thread string, token engine.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.getOrCreateLocked(ThreadKey(channel, thread))
	if session.Resumes == nil {
		session.Resumes = make(map[string]string)
	}
	session.Resumes[token.Engine] = token.Value
	return s.saveLocked()
}

// Context returns the thread's run context, nil when unset.
func (s *Store) Context(channel, thread string) *engine.RunContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil || session.Context == nil {
		return nil
	}
	project := session.Context["project"]
	if project == "" {
		return nil
	}
	return &engine.RunContext{Project: project, Branch: session.Context["branch"]}
}

// SetContext stores the thread's run context; nil clears it.
func (s *Store) SetContext(channel, thread string, runContext *engine.RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.getOrCreateLocked(ThreadKey(channel, thread))
	if runContext == nil {
		session.Context = nil
	} else {
		payload := map[string]string{"project": runContext.Project}
		if runContext.Branch != "" {
			payload["branch"] = runContext.Branch
		}
		session.Context = payload
	}
	return s.saveLocked()
}

// DefaultEngine returns the thread's engine override, empty when
// unset.
func (s *Store) DefaultEngine(channel, thread string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil {
		return ""
	}
	return session.DefaultEngine
}

// SetDefaultEngine stores the thread's engine override; an empty or
// blank value clears it.
func (s *Store) SetDefaultEngine(channel, thread, engineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.getOrCreateLocked(ThreadKey(channel, thread))
	session.DefaultEngine = strings.TrimSpace(engineID)
	return s.saveLocked()
}

// ModelOverride returns the thread's model override for the engine,
// empty when unset.
func (s *Store) ModelOverride(channel, thread, engineID string) string {
	return s.override(channel, thread, engineID, func(session *threadSession) map[string]string {
		return session.ModelOverrides
	})
}

// SetModelOverride stores the thread's model override for the engine;
// a blank value clears it. When the last override for a thread is
// cleared the map is dropped from the document entirely.
func (s *Store) SetModelOverride(channel, thread, engineID, model string) error {
	return s.setOverride(channel, thread, engineID, model,
		func(session *threadSession) map[string]string { return session.ModelOverrides },
		func(session *threadSession, overrides map[string]string) { session.ModelOverrides = overrides },
	)
}

// ReasoningOverride returns the thread's reasoning override for the
// engine, empty when unset.
func (s *Store) ReasoningOverride(channel, thread, engineID string) string {
	return s.override(channel, thread, engineID, func(session *threadSession) map[string]string {
		return session.ReasoningOverrides
	})
}

// SetReasoningOverride stores the thread's reasoning override for the
// engine; a blank value clears it.
func (s *Store) SetReasoningOverride(channel, thread, engineID, level string) error {
	return s.setOverride(channel, thread, engineID, level,
		func(session *threadSession) map[string]string { return session.ReasoningOverrides },
		func(session *threadSession, overrides map[string]string) { session.ReasoningOverrides = overrides },
	)
}

func (s *Store) override(channel, thread, engineID string, get func(*threadSession) map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil {
		return ""
	}
	return strings.TrimSpace(get(session)[engineID])
}

func (s *Store) setOverride(
	channel, thread, engineID, value string,
	get func(*threadSession) map[string]string,
	set func(*threadSession, map[string]string),
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.getOrCreateLocked(ThreadKey(channel, thread))
	overrides := get(session)
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		delete(overrides, engineID)
		if len(overrides) == 0 {
			set(session, nil)
		}
	} else {
		if overrides == nil {
			overrides = make(map[string]string)
			set(session, overrides)
		}
		overrides[engineID] = normalized
	}
	return s.saveLocked()
}

// RecordActivity updates liveness bookkeeping for a thread: bumps the
// activity timestamp, claims ownership when unclaimed, optionally
// updates or clears the worktree, and resets any outstanding reminder.
func (s *Store) RecordActivity(update ActivityUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.getOrCreateLocked(ThreadKey(update.Channel, update.Thread))
	session.LastActivityAt = unixSeconds(update.Now)
	if update.UserID != "" && session.OwnerUserID == "" {
		session.OwnerUserID = update.UserID
	}
	if update.Worktree != nil {
		session.Worktree = &worktreeRef{
			Project: update.Worktree.Project,
			Branch:  update.Worktree.Branch,
		}
	} else if update.ClearWorktree {
		session.Worktree = nil
	}
	if session.Reminder == nil {
		session.Reminder = &reminderState{}
	}
	session.Reminder.SentAt = nil
	return s.saveLocked()
}

// SetReminderSent marks the thread's idle reminder as delivered at the
// given time.
func (s *Store) SetReminderSent(channel, thread string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.getOrCreateLocked(ThreadKey(channel, thread))
	if session.Reminder == nil {
		session.Reminder = &reminderState{}
	}
	sentAt := unixSeconds(now)
	session.Reminder.SentAt = &sentAt
	return s.saveLocked()
}

// ClearWorktree removes the thread's worktree reference along with its
// reminder state. A fresh worktree must not inherit a stale reminder.
func (s *Store) ClearWorktree(channel, thread string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil {
		return nil
	}
	session.Worktree = nil
	session.Reminder = nil
	return s.saveLocked()
}

// Snapshot returns the thread's typed snapshot, nil when the thread
// has no record.
func (s *Store) Snapshot(channel, thread string) *ThreadSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil {
		return nil
	}
	snapshot := snapshotFromSession(channel, thread, session)
	return &snapshot
}

// ListThreads returns snapshots of every recorded thread, ordered by
// key. Used by the idle-reminder sweep.
func (s *Store) ListThreads() []ThreadSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	keys := make([]string, 0, len(s.state.Threads))
	for key := range s.state.Threads {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	snapshots := make([]ThreadSnapshot, 0, len(keys))
	for _, key := range keys {
		channel, thread, ok := splitThreadKey(key)
		if !ok {
			continue
		}
		snapshots = append(snapshots, snapshotFromSession(channel, thread, s.state.Threads[key]))
	}
	return snapshots
}

// State returns the thread's typed settings view. A thread with no
// record yields the zero state, never nil.
func (s *Store) State(channel, thread string) *ThreadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil {
		return &ThreadState{}
	}
	state := &ThreadState{
		DefaultEngine:      session.DefaultEngine,
		ModelOverrides:     copyMap(session.ModelOverrides),
		ReasoningOverrides: copyMap(session.ReasoningOverrides),
		Resumes:            copyMap(session.Resumes),
	}
	if project := session.Context["project"]; project != "" {
		state.Context = &engine.RunContext{Project: project, Branch: session.Context["branch"]}
	}
	return state
}

// ClearThread removes a thread's entire record.
func (s *Store) ClearThread(channel, thread string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	key := ThreadKey(channel, thread)
	if _, ok := s.state.Threads[key]; !ok {
		return nil
	}
	delete(s.state.Threads, key)
	return s.saveLocked()
}

// ClearResumes drops only a thread's resume tokens, keeping context
// and overrides intact.
func (s *Store) ClearResumes(channel, thread string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	session := s.state.Threads[ThreadKey(channel, thread)]
	if session == nil {
		return nil
	}
	session.Resumes = nil
	return s.saveLocked()
}

func snapshotFromSession(channel, thread string, session *threadSession) ThreadSnapshot {
	snapshot := ThreadSnapshot{
		Channel:     channel,
		Thread:      thread,
		OwnerUserID: session.OwnerUserID,
	}
	if session.LastActivityAt != 0 {
		snapshot.LastActivityAt = timeFromUnixSeconds(session.LastActivityAt)
	}
	if session.Worktree != nil {
		snapshot.Worktree = &Worktree{
			Project: session.Worktree.Project,
			Branch:  session.Worktree.Branch,
		}
	}
	if session.Reminder != nil && session.Reminder.SentAt != nil {
		sentAt := timeFromUnixSeconds(*session.Reminder.SentAt)
		snapshot.ReminderSentAt = &sentAt
	}
	return snapshot
}

func copyMap(source map[string]string) map[string]string {
	if len(source) == 0 {
		return nil
	}
	copied := make(map[string]string, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}

// Timestamps are stored as fractional unix seconds for compatibility
// with prior deployments of the state file.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func timeFromUnixSeconds(seconds float64) time.Time {
	return time.UnixMilli(int64(seconds * 1000)).UTC()
}
