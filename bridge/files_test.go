// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/richardliang/takopi-slack-plugin/engine"
	"github.com/richardliang/takopi-slack-plugin/lib/config"
	"github.com/richardliang/takopi-slack-plugin/messaging"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{".git/**", ".git", true},
		{".git/**", ".git/config", true},
		{".git/**", ".git/objects/ab/cd", true},
		{".git/**", "src/.git", false},
		{"**/*.pem", "server.pem", true},
		{"**/*.pem", "certs/tls/server.pem", true},
		{"**/*.pem", "server.pem.bak", false},
		{"**/.ssh/**", ".ssh/id_ed25519", true},
		{"**/.ssh/**", "home/alice/.ssh/config", true},
		{".env", ".env", true},
		{".env", ".envrc", false},
		{"*.log", "a.log", true},
		{"*.log", "dir/a.log", false},
	}
	for _, tc := range cases {
		if got := matchGlob(tc.pattern, tc.name); got != tc.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestDenyReason(t *testing.T) {
	globs := config.DefaultFileDenyGlobs

	if got := denyReason("src/main.go", globs); got != "" {
		t.Fatalf("src/main.go denied by %q", got)
	}
	if got := denyReason(".git/config", globs); got != ".git/**" {
		t.Fatalf(".git/config deny = %q", got)
	}
	if got := denyReason(".env", globs); got != ".env" {
		t.Fatalf(".env deny = %q", got)
	}
	// Files inside a denied directory are denied through the ancestor.
	if got := denyReason("deploy/keys/server.pem", globs); got != "**/*.pem" {
		t.Fatalf("pem deny = %q", got)
	}
}

func TestNormalizeRelativePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"incoming", "incoming", true},
		{"a/b/../c", "a/c", true},
		{`win\style\dir`, "win/style/dir", true},
		{"", "", false},
		{"/abs/path", "", false},
		{"..", "", false},
		{"../escape", "", false},
		{"a/../../escape", "", false},
	}
	for _, tc := range cases {
		got, ok := normalizeRelativePath(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("normalizeRelativePath(%q) = (%q, %v), want (%q, %v)",
				tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolveWithinRoot(t *testing.T) {
	root := t.TempDir()

	target, ok := resolveWithinRoot(root, "incoming/notes.txt")
	if !ok {
		t.Fatal("containment rejected a valid path")
	}
	if want := filepath.Join(root, "incoming", "notes.txt"); target != want {
		t.Fatalf("target = %q, want %q", target, want)
	}

	if _, ok := resolveWithinRoot(root, "../outside"); ok {
		t.Fatal("escape above root must be rejected")
	}
	// A sibling directory sharing the root's name prefix is outside.
	if _, ok := resolveWithinRoot(root, filepath.Join("..", filepath.Base(root)+"2", "f")); ok {
		t.Fatal("prefix-sibling escape must be rejected")
	}
}

func TestWriteBytesAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "deep", "nested", "out.bin")

	if err := writeBytesAtomic(target, []byte("payload")); err != nil {
		t.Fatalf("writeBytesAtomic failed: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("content = %q", data)
	}

	// Overwrite in place.
	if err := writeBytesAtomic(target, []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	data, _ = os.ReadFile(target)
	if string(data) != "v2" {
		t.Fatalf("overwritten content = %q", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover files in %s: %d entries", filepath.Dir(target), len(entries))
	}
}

func TestUploadName(t *testing.T) {
	cases := []struct {
		file messaging.File
		want string
	}{
		{messaging.File{ID: "F1", Name: "report.pdf"}, "report.pdf"},
		{messaging.File{ID: "F1", Name: "dir/report.pdf"}, "report.pdf"},
		{messaging.File{ID: "F1", Name: `c:\temp\report.pdf`}, "report.pdf"},
		{messaging.File{ID: "F1", Name: ""}, "F1"},
		{messaging.File{ID: "F1", Name: ".bashrc"}, "F1"},
		{messaging.File{ID: "F1", Name: "  "}, "F1"},
	}
	for _, tc := range cases {
		if got := uploadName(tc.file); got != tc.want {
			t.Errorf("uploadName(%q) = %q, want %q", tc.file.Name, got, tc.want)
		}
	}
}

func TestInferAudioExt(t *testing.T) {
	cases := []struct {
		file messaging.File
		want string
	}{
		{messaging.File{Mimetype: "audio/mp4"}, "m4a"},
		{messaging.File{Mimetype: "audio/x-m4a", Filetype: "mp4"}, "m4a"},
		{messaging.File{Mimetype: "audio/mpeg"}, "mp3"},
		{messaging.File{Mimetype: "audio/webm", Filetype: "weird"}, "webm"},
		{messaging.File{Filetype: "wav"}, "wav"},
		{messaging.File{Filetype: "mystery"}, "ogg"},
		{messaging.File{}, "ogg"},
	}
	for _, tc := range cases {
		if got := inferAudioExt(tc.file); got != tc.want {
			t.Errorf("inferAudioExt(%+v) = %q, want %q", tc.file, got, tc.want)
		}
	}
}

func TestIsVoiceFile(t *testing.T) {
	if !isVoiceFile(messaging.File{Mimetype: "audio/ogg"}) {
		t.Error("audio mime should be voice")
	}
	if !isVoiceFile(messaging.File{Filetype: "m4a"}) {
		t.Error("audio filetype should be voice")
	}
	if isVoiceFile(messaging.File{Mimetype: "image/png", Filetype: "png"}) {
		t.Error("image is not voice")
	}
}

func TestFetchableFiles(t *testing.T) {
	files := []messaging.File{
		{ID: "F1", URLPrivate: "https://files/1"},
		{ID: "F2", URLPrivateDownload: "https://files/2"},
		{ID: "F3"},                              // no URL
		{URLPrivate: "https://files/4"},         // no id
		{ID: "F5", URLPrivate: "", Mode: "tombstone"},
	}
	got := fetchableFiles(files)
	if len(got) != 2 || got[0].ID != "F1" || got[1].ID != "F2" {
		t.Fatalf("fetchableFiles = %+v", got)
	}
}

func TestFileTransferAllowed(t *testing.T) {
	h := newHarness(t, nil)
	if !h.bridge.fileTransferAllowed("Uanyone") {
		t.Fatal("empty allowlist should admit everyone")
	}

	h2 := newHarness(t, func(cfg *config.Config) {
		cfg.Slack.Files.AllowedUserIDs = []string{"U1", "U2"}
	})
	if !h2.bridge.fileTransferAllowed("U1") {
		t.Fatal("listed user should be allowed")
	}
	if h2.bridge.fileTransferAllowed("U9") {
		t.Fatal("unlisted user should be denied")
	}
}

// fileGetHarness enables file transfer and points thread 42.000 at the
// api project.
func fileGetHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	h := newHarness(t, func(settings *config.Config) {
		settings.Slack.Files.Enabled = true
		if mutate != nil {
			mutate(settings)
		}
	})
	if err := h.store.SetContext("C1", "42.000", &engine.RunContext{Project: "api"}); err != nil {
		t.Fatalf("SetContext failed: %v", err)
	}
	return h
}

func (h *harness) projectDir() string {
	return h.bridge.settings.Projects["api"]
}

func TestFileGetSendsFile(t *testing.T) {
	h := fileGetHarness(t, nil)
	content := []byte("release checklist\n")
	if err := os.WriteFile(filepath.Join(h.projectDir(), "notes.txt"), content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	got := runCommand(t, h, "file get notes.txt")
	if !strings.HasPrefix(got, "sent `notes.txt`") {
		t.Fatalf("reply = %q, want sent confirmation", got)
	}

	complete := h.awaitCall("/files.completeUploadExternal")
	if complete.Body["channel_id"] != "C1" || complete.Body["thread_ts"] != "42.000" {
		t.Fatalf("completeUploadExternal body = %+v", complete.Body)
	}
	uploaded, _ := h.uploadBody.Load().([]byte)
	if !bytes.Equal(uploaded, content) {
		t.Fatalf("uploaded bytes = %q, want %q", uploaded, content)
	}
}

func TestFileGetContextDirective(t *testing.T) {
	h := newHarness(t, func(settings *config.Config) {
		settings.Slack.Files.Enabled = true
	})
	if err := os.WriteFile(filepath.Join(h.bridge.settings.Projects["api"], "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	got := runCommand(t, h, "file get !api main.go")
	if !strings.HasPrefix(got, "sent `main.go`") {
		t.Fatalf("reply = %q, want sent confirmation", got)
	}
}

func TestFileGetDirectoryZipped(t *testing.T) {
	h := fileGetHarness(t, nil)
	docs := filepath.Join(h.projectDir(), "docs")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(docs, "guide.md"), []byte("# guide\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(docs, "key.pem"), []byte("secret"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	got := runCommand(t, h, "file get docs")
	if !strings.HasPrefix(got, "sent `docs.zip`") {
		t.Fatalf("reply = %q, want zip confirmation", got)
	}

	h.awaitCall("/files.completeUploadExternal")
	uploaded, _ := h.uploadBody.Load().([]byte)
	archive, err := zip.NewReader(bytes.NewReader(uploaded), int64(len(uploaded)))
	if err != nil {
		t.Fatalf("uploaded payload is not a zip: %v", err)
	}
	var names []string
	for _, file := range archive.File {
		names = append(names, file.Name)
	}
	if len(names) != 1 || names[0] != "docs/guide.md" {
		t.Fatalf("zip entries = %v, want denied key.pem excluded", names)
	}
}

func TestFileGetRefusals(t *testing.T) {
	h := fileGetHarness(t, func(settings *config.Config) {
		settings.Slack.Files.MaxDownloadBytes = 4
	})
	if err := os.WriteFile(filepath.Join(h.projectDir(), "big.bin"), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cases := []struct {
		args string
		want string
	}{
		{"get .env", "path denied by rule: .env"},
		{"get ../outside", "invalid download path"},
		{"get missing.txt", "file does not exist"},
		{"get big.bin", "file is too large to send"},
		{"get", fileGetUsage},
		{"put", fileGetUsage},
	}
	for _, tc := range cases {
		if got := runCommand(t, h, "file "+tc.args); got != tc.want {
			t.Errorf("file %s = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestFileGetGatedByConfigAndUser(t *testing.T) {
	disabled := newHarness(t, nil)
	if got := runCommand(t, disabled, "file get x"); !strings.Contains(got, "file transfer disabled") {
		t.Fatalf("disabled reply = %q", got)
	}

	restricted := fileGetHarness(t, func(settings *config.Config) {
		settings.Slack.Files.AllowedUserIDs = []string{"U9"}
	})
	if got := runCommand(t, restricted, "file get x"); got != "file transfer is not allowed for this user" {
		t.Fatalf("restricted reply = %q", got)
	}

	noContext := newHarness(t, func(settings *config.Config) {
		settings.Slack.Files.Enabled = true
	})
	if got := runCommand(t, noContext, "file get x"); got != "no project context available for file download" {
		t.Fatalf("no-context reply = %q", got)
	}
}
