// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// APIError represents a structured error response from the Slack Web
// API. Callers can use errors.As to extract the structured information:
//
//	var apiErr *messaging.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == messaging.ErrCodeThreadNotFound { ... }
//	}
type APIError struct {
	// Code is the Slack error code from the response payload's "error"
	// field (e.g., "channel_not_found"). Empty when the request failed
	// at the HTTP layer without a decodable payload.
	Code string
	// Message is a human-readable description of the failure.
	Message string
	// StatusCode is the HTTP status code of the response, or zero when
	// the request never produced a response.
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("slack: HTTP %d: %s", e.StatusCode, e.Message)
}

// Slack error codes the bridge makes decisions on.
const (
	ErrCodeChannelNotFound = "channel_not_found"
	ErrCodeThreadNotFound  = "thread_not_found"
	ErrCodeMessageNotFound = "message_not_found"
	ErrCodeCantUpdate      = "cant_update_message"
	ErrCodeCantDelete      = "cant_delete_message"
	ErrCodeNotInChannel    = "not_in_channel"
	ErrCodeInvalidAuth     = "invalid_auth"
	ErrCodeRateLimited     = "ratelimited"
)

// IsAPIError checks whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
