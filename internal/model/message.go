// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"

	"github.com/jeranaias/rigrun-chatsync/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether r is a role the message store accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single entry of the local timeline.
// Values are treated as immutable; use Apply to derive an updated copy.
type Message struct {
	ID        MessageID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ModelUsed string    `json:"model_used,omitempty"`
	Metadata  Metadata  `json:"metadata,omitempty"`

	// Digest fingerprints ID, Timestamp, Content and Metadata.
	Digest string `json:"digest"`
}

// NewMessage creates a message with a fresh temp id and a computed digest.
func NewMessage(role Role, content string) Message {
	m := Message{
		ID:        NewTempID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	return m.Rehash()
}

// NewUserMessage creates an optimistic user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewPlaceholder creates the empty assistant message shown while streaming.
func NewPlaceholder() Message {
	return NewMessage(RoleAssistant, "")
}

// Rehash returns m with its digest recomputed.
func (m Message) Rehash() Message {
	m.Digest = ComputeDigest(m)
	return m
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	m.Metadata = m.Metadata.Clone()
	return m
}

// =============================================================================
// PATCH
// =============================================================================

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Content   *string
	Timestamp *time.Time
	ModelUsed *string

	// Metadata is combined with the existing metadata using MetadataStrategy.
	// It is ignored when nil unless MetadataStrategy is MergeReplace.
	Metadata         Metadata
	MetadataStrategy MergeStrategy
}

// ContentPatch is shorthand for a patch that only sets content.
func ContentPatch(content string) Patch {
	return Patch{Content: &content}
}

// IsEmpty reports whether applying p would change nothing.
func (p Patch) IsEmpty() bool {
	return p.Content == nil && p.Timestamp == nil && p.ModelUsed == nil &&
		p.Metadata == nil && p.MetadataStrategy != MergeReplace
}

// Apply returns m with p merged in and the digest recomputed.
func (m Message) Apply(p Patch) Message {
	out := m.Clone()
	if p.Content != nil {
		out.Content = *p.Content
	}
	if p.Timestamp != nil {
		out.Timestamp = *p.Timestamp
	}
	if p.ModelUsed != nil {
		out.ModelUsed = *p.ModelUsed
	}
	if p.Metadata != nil || p.MetadataStrategy == MergeReplace {
		out.Metadata = MergeMetadata(out.Metadata, p.Metadata, p.MetadataStrategy)
	}
	return out.Rehash()
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// Preview returns a truncated preview of the message content.
func (m Message) Preview(maxLen int) string {
	return util.TruncateRunes(m.Content, maxLen)
}

// IsEmpty returns true if the message has no content.
func (m Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// EstimateTokens gives a rough estimate of token count.
// Uses the approximation of ~4 characters per token.
func (m Message) EstimateTokens() int {
	return (len(m.Content) + 3) / 4
}
