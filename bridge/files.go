// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/richardliang/takopi-slack-plugin/engine"
	"github.com/richardliang/takopi-slack-plugin/messaging"
)

// Transcriber turns an audio attachment into text. No backend ships
// with the bridge; wiring one in enables voice prompts.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

const (
	filePutUsage = "usage: attach files with an empty message"
	fileGetUsage = "usage: `/takopi file get <path>`"
)

// errDownloadTooLarge marks a requested payload over
// slack.files.max_download_bytes.
var errDownloadTooLarge = errors.New("payload exceeds the download limit")

// fetchableFiles filters attachments to those the bridge can actually
// download.
func fetchableFiles(files []messaging.File) []messaging.File {
	var usable []messaging.File
	for _, file := range files {
		if file.ID == "" {
			continue
		}
		if file.URLPrivate == "" && file.URLPrivateDownload == "" {
			continue
		}
		usable = append(usable, file)
	}
	return usable
}

// handleIncomingFiles processes a message's attachments. It returns
// the prompt text that should continue through dispatch, or "" when
// the message was fully consumed here.
func (b *Bridge) handleIncomingFiles(ctx context.Context, message messaging.Message, text string, files []messaging.File) string {
	channel := b.settings.Slack.ChannelID
	threadTS := b.replyThread(message)

	if voice := findVoiceFile(files); voice != nil {
		transcript := b.transcribeVoice(ctx, channel, threadTS, *voice)
		if transcript == "" {
			return ""
		}
		if text == "" {
			return transcript
		}
		return text + "\n\n" + transcript
	}

	settings := b.settings.Slack.Files
	if !settings.Enabled {
		return text
	}
	if !settings.AutoPut || settings.AutoPutMode == "prompt" || text != "" {
		b.sendPlain(ctx, channel, threadTS, filePutUsage)
		return ""
	}
	if !b.fileTransferAllowed(message.User) {
		b.sendPlain(ctx, channel, threadTS, "file transfer is not allowed for this user")
		return ""
	}

	b.saveIncomingFiles(ctx, message, files)
	return ""
}

func (b *Bridge) fileTransferAllowed(userID string) bool {
	allowed := b.settings.Slack.Files.AllowedUserIDs
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == userID {
			return true
		}
	}
	return false
}

// saveIncomingFiles downloads each attachment into the uploads
// directory of the thread's project and reports the outcome in-thread.
func (b *Bridge) saveIncomingFiles(ctx context.Context, message messaging.Message, files []messaging.File) {
	channel := b.settings.Slack.ChannelID
	threadTS := b.replyThread(message)
	stateThread := threadTS
	if stateThread == "" {
		stateThread = message.TS
	}

	runContext := b.store.Context(channel, stateThread)
	root, err := b.resolveWorkDir(runContext)
	if err != nil {
		b.sendPlain(ctx, channel, threadTS, fmt.Sprintf("error:\n%v", err))
		return
	}
	if root == "" {
		b.sendPlain(ctx, channel, threadTS, "no project context available for file upload")
		return
	}

	settings := b.settings.Slack.Files
	baseDir, ok := normalizeRelativePath(settings.UploadsDir)
	if !ok {
		b.sendPlain(ctx, channel, threadTS, "invalid upload path")
		return
	}

	var saved, failed []string
	var totalBytes int64
	for _, file := range files {
		relPath, err := b.saveOneFile(ctx, root, baseDir, file)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", uploadName(file), err))
			continue
		}
		info, statErr := os.Stat(filepath.Join(root, filepath.FromSlash(relPath)))
		if statErr == nil {
			totalBytes += info.Size()
		}
		saved = append(saved, "`"+relPath+"`")
	}

	var reply string
	if len(saved) > 0 {
		reply = fmt.Sprintf("saved %s (%s)", strings.Join(saved, ", "), formatBytes(totalBytes))
	} else {
		reply = "failed to upload files"
	}
	if len(failed) > 0 {
		reply += "\n\nfailed: " + strings.Join(failed, "; ")
	}
	b.sendPlain(ctx, channel, threadTS, reply)
}

func (b *Bridge) saveOneFile(ctx context.Context, root, baseDir string, file messaging.File) (string, error) {
	settings := b.settings.Slack.Files
	if file.Size > 0 && int64(file.Size) > settings.MaxUploadBytes {
		return "", fmt.Errorf("file is too large to upload")
	}

	relPath := path.Join(baseDir, uploadName(file))
	if rule := denyReason(relPath, settings.DenyGlobs); rule != "" {
		return "", fmt.Errorf("path denied by rule: %s", rule)
	}
	target, ok := resolveWithinRoot(root, relPath)
	if !ok {
		return "", fmt.Errorf("upload path escapes the project root")
	}

	url := file.URLPrivateDownload
	if url == "" {
		url = file.URLPrivate
	}
	payload, err := b.client.DownloadFile(ctx, url)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	if int64(len(payload)) > settings.MaxUploadBytes {
		return "", fmt.Errorf("file is too large to upload")
	}

	if err := writeBytesAtomic(target, payload); err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}
	return relPath, nil
}

// commandFile handles /takopi file. Uploads arrive as attachments, so
// the only subcommand with a slash surface is get.
func (b *Bridge) commandFile(ctx context.Context, request commandRequest) (string, error) {
	if !b.settings.Slack.Files.Enabled {
		return "file transfer disabled; enable `slack.files` in the config", nil
	}
	if len(request.Args) == 0 || request.Args[0] != "get" {
		return fileGetUsage, nil
	}
	if !b.fileTransferAllowed(request.UserID) {
		return "file transfer is not allowed for this user", nil
	}
	return b.fileGet(ctx, request)
}

// fileGet serves a file or directory from the thread's project back
// into the channel. Directories are zipped; deny globs and the download
// size cap apply to both forms.
func (b *Bridge) fileGet(ctx context.Context, request commandRequest) (string, error) {
	args := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(request.ArgsText), "get"))
	directives, err := engine.ParseDirectives(args, b.registry.Has, b.isProject)
	if err != nil {
		return fmt.Sprintf("error:\n%v", err), nil
	}

	thread := request.stateThread()
	runContext := directives.Context
	if runContext == nil {
		runContext = b.store.Context(request.Channel, thread)
	}
	if runContext == nil {
		return "no project context available for file download", nil
	}
	root, err := b.resolveWorkDir(runContext)
	if err != nil {
		return fmt.Sprintf("error:\n%v", err), nil
	}

	if directives.Prompt == "" {
		return fileGetUsage, nil
	}
	rel, ok := normalizeRelativePath(directives.Prompt)
	if !ok {
		return "invalid download path", nil
	}
	settings := b.settings.Slack.Files
	if rule := denyReason(rel, settings.DenyGlobs); rule != "" {
		return "path denied by rule: " + rule, nil
	}
	target, ok := resolveWithinRoot(root, rel)
	if !ok {
		return "download path escapes the project root", nil
	}

	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return "file does not exist", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}

	var payload []byte
	filename := path.Base(rel)
	if info.IsDir() {
		payload, err = zipDirectory(root, rel, settings.DenyGlobs, settings.MaxDownloadBytes)
		if errors.Is(err, errDownloadTooLarge) {
			return "file is too large to send", nil
		}
		if err != nil {
			return "", fmt.Errorf("archiving %s: %w", rel, err)
		}
		filename += ".zip"
	} else {
		if info.Size() > settings.MaxDownloadBytes {
			return "file is too large to send", nil
		}
		payload, err = os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", rel, err)
		}
		if int64(len(payload)) > settings.MaxDownloadBytes {
			return "file is too large to send", nil
		}
	}

	err = b.client.UploadFile(ctx, messaging.UploadFileRequest{
		Channel:  request.Channel,
		ThreadTS: request.ThreadTS,
		Filename: filename,
		Content:  payload,
	})
	if err != nil {
		b.logger.Warn("file upload failed", "path", rel, "error", err)
		return "failed to send file", nil
	}
	return fmt.Sprintf("sent `%s` (%s)", filename, formatBytes(int64(len(payload)))), nil
}

// zipDirectory archives the directory rel under root, skipping denied
// paths. Returns errDownloadTooLarge once the archive passes maxBytes.
func zipDirectory(root, rel string, denyGlobs []string, maxBytes int64) ([]byte, error) {
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	base := filepath.Join(root, filepath.FromSlash(rel))

	err := filepath.WalkDir(base, func(entry string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relEntry, err := filepath.Rel(root, entry)
		if err != nil {
			return err
		}
		relEntry = filepath.ToSlash(relEntry)
		if rule := denyReason(relEntry, denyGlobs); rule != "" {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(entry)
		if err != nil {
			return err
		}
		file, err := writer.Create(relEntry)
		if err != nil {
			return err
		}
		if _, err := file.Write(data); err != nil {
			return err
		}
		if int64(buffer.Len()) > maxBytes {
			return errDownloadTooLarge
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if int64(buffer.Len()) > maxBytes {
		return nil, errDownloadTooLarge
	}
	return buffer.Bytes(), nil
}

// transcribeVoice resolves a voice attachment to prompt text, or ""
// with an inline reply explaining why not.
func (b *Bridge) transcribeVoice(ctx context.Context, channel, threadTS string, file messaging.File) string {
	if b.transcriber == nil {
		b.sendPlain(ctx, channel, threadTS, "voice transcription is not configured")
		return ""
	}

	url := file.URLPrivateDownload
	if url == "" {
		url = file.URLPrivate
	}
	audio, err := b.client.DownloadFile(ctx, url)
	if err != nil {
		b.logger.Warn("voice download failed", "error", err)
		b.sendPlain(ctx, channel, threadTS, "failed to download voice file")
		return ""
	}

	transcript, err := b.transcriber.Transcribe(ctx, "voice."+inferAudioExt(file), audio)
	if err != nil {
		b.logger.Warn("voice transcription failed", "error", err)
		b.sendPlain(ctx, channel, threadTS, "voice transcription failed")
		return ""
	}
	return strings.TrimSpace(transcript)
}

var audioFiletypes = map[string]bool{
	"aac": true, "amr": true, "caf": true, "flac": true, "m4a": true,
	"mp3": true, "ogg": true, "opus": true, "wav": true, "webm": true,
}

func isVoiceFile(file messaging.File) bool {
	mime := strings.ToLower(strings.TrimSpace(file.Mimetype))
	if strings.HasPrefix(mime, "audio/") {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(file.Filetype)), ".")
	return audioFiletypes[ext]
}

func findVoiceFile(files []messaging.File) *messaging.File {
	for i := range files {
		if isVoiceFile(files[i]) {
			return &files[i]
		}
	}
	return nil
}

// inferAudioExt picks a filename extension for a voice attachment.
// MIME wins over Slack's filetype for ambiguous containers like
// mp4/m4a.
func inferAudioExt(file messaging.File) string {
	switch strings.ToLower(strings.TrimSpace(file.Mimetype)) {
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/webm":
		return "webm"
	}
	ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(file.Filetype)), ".")
	if audioFiletypes[ext] {
		return ext
	}
	return "ogg"
}

// uploadName derives a safe filename for an attachment, falling back
// to the file id when the reported name is unusable.
func uploadName(file messaging.File) string {
	name := strings.TrimSpace(file.Name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" || strings.HasPrefix(name, ".") {
		return file.ID
	}
	return name
}

// normalizeRelativePath cleans value into a slash-separated relative
// path. Absolute paths and paths escaping upward are rejected.
func normalizeRelativePath(value string) (string, bool) {
	value = strings.TrimSpace(strings.ReplaceAll(value, "\\", "/"))
	if value == "" {
		return "", false
	}
	if path.IsAbs(value) {
		return "", false
	}
	cleaned := path.Clean(value)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// resolveWithinRoot joins rel onto root and verifies containment.
func resolveWithinRoot(root, rel string) (string, bool) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	if absTarget != absRoot && !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator)) {
		return "", false
	}
	return absTarget, true
}

// denyReason returns the first deny glob matching rel or any of its
// ancestors, or "" when the path is allowed.
func denyReason(rel string, globs []string) string {
	candidates := []string{rel}
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		candidates = append(candidates, dir)
	}
	for _, glob := range globs {
		for _, candidate := range candidates {
			if matchGlob(glob, candidate) {
				return glob
			}
		}
	}
	return ""
}

// matchGlob matches a slash-separated glob against a slash-separated
// path. "**" spans any number of path segments; other segments use
// path.Match semantics.
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], name) {
			return true
		}
		return len(name) > 0 && matchSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	matched, err := path.Match(pattern[0], name[0])
	if err != nil || !matched {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}

// writeBytesAtomic writes data to target through a temp file in the
// same directory plus rename, creating parent directories as needed.
func writeBytesAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func formatBytes(size int64) string {
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(size)/(1<<10))
	default:
		return fmt.Sprintf("%d B", size)
	}
}
