// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxContentLength bounds a single message body, in runes.
const MaxContentLength = 100000

// Draft is a message about to be sent to the remote store.
type Draft struct {
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	ModelUsed string   `json:"model_used,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// DraftOf builds the draft that would persist m.
func DraftOf(m Message) Draft {
	return Draft{
		Role:      m.Role,
		Content:   m.Content,
		ModelUsed: m.ModelUsed,
		Metadata:  m.Metadata.Clone(),
	}
}

// ValidationError describes a draft rejected before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Normalize returns d with NFC-normalised content.
func (d Draft) Normalize() Draft {
	d.Content = norm.NFC.String(d.Content)
	return d
}

// Validate checks d and returns a *ValidationError on the first problem.
func (d Draft) Validate() error {
	if !d.Role.Valid() {
		return &ValidationError{Field: "role", Message: fmt.Sprintf("invalid role %q", d.Role)}
	}
	if d.Role == RoleUser && strings.TrimSpace(d.Content) == "" {
		return &ValidationError{Field: "content", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(d.Content); n > MaxContentLength {
		return &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("too long: %d characters (max %d)", n, MaxContentLength),
		}
	}
	if !utf8.ValidString(d.Content) {
		return &ValidationError{Field: "content", Message: "not valid UTF-8"}
	}
	return nil
}
