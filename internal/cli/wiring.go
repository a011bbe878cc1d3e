// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"log/slog"

	"github.com/jeranaias/rigrun-chatsync/internal/config"
	"github.com/jeranaias/rigrun-chatsync/internal/engine"
	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/ollama"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
	"github.com/jeranaias/rigrun-chatsync/internal/session"
	"github.com/jeranaias/rigrun-chatsync/internal/storage"
)

// stack is a fully wired conversation and the pieces the REPL talks to.
type stack struct {
	conv      *engine.Conversation
	sessions  *session.Manager
	client    *ollama.Client
	transport *ollama.Transport
	repo      *storage.Repository // nil in http mode
}

// buildStack wires a conversation from cfg. Local mode opens the SQLite
// store in-process; http mode talks to a chatsync server.
func buildStack(cfg *config.Config, logger *slog.Logger, onDropped func(model.MessageID, error)) (*stack, error) {
	st := &stack{}

	var remote persistence.Remote
	switch cfg.Persistence.Mode {
	case config.ModeLocal:
		repo, err := storage.Open(cfg.StorageConfig())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st.repo = repo
		remote = storage.NewLocalRemote(repo)
	case config.ModeHTTP:
		remote = persistence.NewHTTPRemote(cfg.PersistenceClientConfig())
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", cfg.Persistence.Mode)
	}

	svc := persistence.NewService(remote, persistence.WithLogger(logger))

	st.sessions = session.NewManager(svc, cfg.SessionConfig())
	st.sessions.SetLogger(logger)

	st.client = ollama.NewClientWithConfig(cfg.OllamaClientConfig())
	st.transport = ollama.NewTransport(st.client,
		ollama.WithModel(cfg.Ollama.Model),
		ollama.WithSystemPrompt(cfg.Ollama.SystemPrompt),
		ollama.WithTransportLogger(logger),
	)

	st.conv = engine.New(svc, st.sessions, st.transport,
		engine.WithConfig(cfg.EngineConfig()),
		engine.WithLogger(logger),
		engine.WithModelResolver(st.transport.Model),
		engine.WithOnDropped(onDropped),
	)
	return st, nil
}

// Close shuts the conversation down and releases the store.
func (s *stack) Close() {
	s.conv.Close()
	if s.repo != nil {
		s.repo.Close()
	}
}
