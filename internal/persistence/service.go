// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persistence is the async boundary to the remote message store.
//
// Service validates drafts, calls the Remote and classifies failures into
// not-found (the save race) versus everything else.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
)

// =============================================================================
// REMOTE CONTRACT
// =============================================================================

// RemoteMessage is the message shape exchanged with the remote store.
type RemoteMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	ModelUsed string         `json:"model_used,omitempty"`
	Metadata  model.Metadata `json:"metadata,omitempty"`
}

// ToMessage converts a remote record into a timeline entry with a persisted id.
func (r RemoteMessage) ToMessage() model.Message {
	m := model.Message{
		ID:        model.PersistedID(r.ID),
		Role:      model.Role(r.Role),
		Content:   r.Content,
		Timestamp: r.Timestamp,
		ModelUsed: r.ModelUsed,
		Metadata:  r.Metadata.Clone(),
	}
	return m.Rehash()
}

// CreateMessageRequest is the body of a create-message call.
type CreateMessageRequest struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ModelUsed string         `json:"model_used,omitempty"`
	Metadata  model.Metadata `json:"metadata,omitempty"`
}

// PatchMetadataRequest is the body of a patch-metadata call.
type PatchMetadataRequest struct {
	Metadata      model.Metadata `json:"metadata"`
	MergeStrategy string         `json:"merge_strategy"`
}

// Remote is the remote persistence API.
type Remote interface {
	CreateSession(ctx context.Context) (string, error)
	CreateMessage(ctx context.Context, sessionID string, req CreateMessageRequest) (RemoteMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]RemoteMessage, error)
	PatchMetadata(ctx context.Context, sessionID, messageID string, req PatchMetadataRequest) (RemoteMessage, error)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service wraps a Remote with validation and failure classification.
type Service struct {
	remote Remote
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service over remote.
func NewService(remote Remote, opts ...Option) *Service {
	s := &Service{remote: remote, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession asks the remote store for a new session id.
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	id, err := s.remote.CreateSession(ctx)
	if err != nil {
		return "", classify("create_session", err)
	}
	if id == "" {
		return "", &Error{Type: ErrTypePersistence, Op: "create_session", Message: "remote returned empty session id"}
	}
	s.logger.Debug("session created", "session_id", id)
	return id, nil
}

// SaveMessage durably stores draft and returns the server view of it:
// persisted id, canonical timestamp and any normalised model/metadata.
func (s *Service) SaveMessage(ctx context.Context, sessionID string, draft model.Draft) (model.Message, error) {
	const op = "save"

	draft = draft.Normalize()
	if err := validateSession(op, sessionID); err != nil {
		return model.Message{}, err
	}
	if err := draft.Validate(); err != nil {
		return model.Message{}, &Error{Type: ErrTypeValidation, Op: op, Message: "invalid draft", Cause: err}
	}

	start := time.Now()
	rm, err := s.remote.CreateMessage(ctx, sessionID, CreateMessageRequest{
		Role:      draft.Role.String(),
		Content:   draft.Content,
		ModelUsed: draft.ModelUsed,
		Metadata:  draft.Metadata,
	})
	if err != nil {
		return model.Message{}, classify(op, err)
	}
	if rm.ID == "" {
		return model.Message{}, &Error{Type: ErrTypePersistence, Op: op, Message: "remote returned message without id"}
	}

	s.logger.Debug("message saved",
		"session_id", sessionID,
		"message_id", rm.ID,
		"role", draft.Role,
		"duration", time.Since(start))
	return rm.ToMessage(), nil
}

// LoadMessages returns every message of the session ordered by timestamp.
// It never partially succeeds: one malformed record fails the whole load.
func (s *Service) LoadMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	const op = "load"

	if err := validateSession(op, sessionID); err != nil {
		return nil, err
	}

	records, err := s.remote.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, classify(op, err)
	}

	out := make([]model.Message, 0, len(records))
	for i, rm := range records {
		if rm.ID == "" || !model.Role(rm.Role).Valid() {
			return nil, &Error{
				Type:    ErrTypePersistence,
				Op:      op,
				Message: fmt.Sprintf("malformed record at index %d", i),
			}
		}
		out = append(out, rm.ToMessage())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// UpdateMetadata patches the metadata of a persisted message. A message the
// remote does not know yet fails with ErrTypeNotFound.
func (s *Service) UpdateMetadata(ctx context.Context, sessionID string, id model.MessageID, md model.Metadata, strategy model.MergeStrategy) (model.Message, error) {
	const op = "update_metadata"

	if err := validateSession(op, sessionID); err != nil {
		return model.Message{}, err
	}
	if !id.IsPersisted() {
		return model.Message{}, &Error{Type: ErrTypeValidation, Op: op, Message: "message id " + id.String() + " is not persisted"}
	}
	if _, err := model.ParseMergeStrategy(strategy.String()); err != nil {
		return model.Message{}, &Error{Type: ErrTypeValidation, Op: op, Message: "invalid merge strategy", Cause: err}
	}

	rm, err := s.remote.PatchMetadata(ctx, sessionID, id.Value(), PatchMetadataRequest{
		Metadata:      md,
		MergeStrategy: strategy.String(),
	})
	if err != nil {
		return model.Message{}, classify(op, err)
	}
	return rm.ToMessage(), nil
}

func validateSession(op, sessionID string) error {
	if sessionID == "" {
		return &Error{Type: ErrTypeValidation, Op: op, Message: "session id is required", Cause: errors.New("empty session id")}
	}
	return nil
}
