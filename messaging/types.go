// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "encoding/json"

// Auth is the identity reported by auth.test for the bot token.
type Auth struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user"`
	TeamID   string `json:"team_id"`
	BotID    string `json:"bot_id"`
}

// Message is one chat message as returned by the Slack message APIs
// and carried inside event payloads. TS doubles as the message's
// identity within its channel.
type Message struct {
	TS       string `json:"ts"`
	Text     string `json:"text"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Subtype  string `json:"subtype"`
	ThreadTS string `json:"thread_ts"`
	Files    []File `json:"files"`
}

// File describes an attachment on a message event. Either URLPrivate
// or URLPrivateDownload must be present for the file to be fetchable.
type File struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Size               int    `json:"size"`
	Mimetype           string `json:"mimetype"`
	Filetype           string `json:"filetype"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
	Mode               string `json:"mode"`
}

// PostMessageRequest is the input for Client.PostMessage.
type PostMessageRequest struct {
	Channel        string
	Text           string
	ThreadTS       string
	ReplyBroadcast bool
}

// UpdateMessageRequest is the input for Client.UpdateMessage.
type UpdateMessageRequest struct {
	Channel string
	TS      string
	Text    string
}

// UploadFileRequest is the input for Client.UploadFile.
type UploadFileRequest struct {
	Channel  string
	ThreadTS string
	Filename string
	Content  []byte
}

// Response is a message delivered through a response_url webhook.
// Slash commands and interactive actions carry response URLs that
// accept ephemeral or in-channel replies without a bot token.
type Response struct {
	Text            string `json:"text"`
	ResponseType    string `json:"response_type,omitempty"`
	ReplaceOriginal bool   `json:"replace_original,omitempty"`
	DeleteOriginal  bool   `json:"delete_original,omitempty"`
}

// apiResponse is the envelope every Web API call returns. Ok is false
// on application-level errors even when the HTTP status is 200.
type apiResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error"`
	URL     string          `json:"url"`
	Message json.RawMessage `json:"message"`
	// UploadURL and FileID are populated by files.getUploadURLExternal.
	UploadURL string `json:"upload_url"`
	FileID    string `json:"file_id"`
	// Messages is populated by conversations.history.
	Messages []Message `json:"messages"`
	UserID   string    `json:"user_id"`
	User     string    `json:"user"`
	TeamID   string    `json:"team_id"`
	BotID    string    `json:"bot_id"`
}
