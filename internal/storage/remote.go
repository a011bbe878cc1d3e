// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
)

// LocalRemote serves the persistence remote contract straight from a
// Repository, for in-process use by the chat command and the HTTP API.
type LocalRemote struct {
	repo *Repository
}

// NewLocalRemote wraps repo.
func NewLocalRemote(repo *Repository) *LocalRemote {
	return &LocalRemote{repo: repo}
}

// CreateSession implements persistence.Remote.
func (l *LocalRemote) CreateSession(ctx context.Context) (string, error) {
	return l.repo.CreateSession(ctx)
}

// CreateMessage implements persistence.Remote.
func (l *LocalRemote) CreateMessage(ctx context.Context, sessionID string, req persistence.CreateMessageRequest) (persistence.RemoteMessage, error) {
	m, err := l.repo.CreateMessage(ctx, sessionID, NewMessage{
		Role:      req.Role,
		Content:   req.Content,
		ModelUsed: req.ModelUsed,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return persistence.RemoteMessage{}, err
	}
	return m.Wire(), nil
}

// ListMessages implements persistence.Remote.
func (l *LocalRemote) ListMessages(ctx context.Context, sessionID string) ([]persistence.RemoteMessage, error) {
	msgs, err := l.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]persistence.RemoteMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Wire()
	}
	return out, nil
}

// PatchMetadata implements persistence.Remote.
func (l *LocalRemote) PatchMetadata(ctx context.Context, sessionID, messageID string, req persistence.PatchMetadataRequest) (persistence.RemoteMessage, error) {
	strategy, err := model.ParseMergeStrategy(req.MergeStrategy)
	if err != nil {
		return persistence.RemoteMessage{}, err
	}
	m, err := l.repo.PatchMetadata(ctx, sessionID, messageID, req.Metadata, strategy)
	if err != nil {
		return persistence.RemoteMessage{}, err
	}
	return m.Wire(), nil
}

// Wire converts m to the API representation.
func (m Message) Wire() persistence.RemoteMessage {
	return persistence.RemoteMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		ModelUsed: m.ModelUsed,
		Metadata:  m.Metadata,
	}
}

var _ persistence.Remote = (*LocalRemote)(nil)
