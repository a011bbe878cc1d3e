// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and saves chatsync settings.
//
// # Precedence
//
// Later sources win:
//   - built-in defaults
//   - ~/.rigrun-chatsync/config.toml (or an explicit path)
//   - .env files loaded with LoadDotEnv
//   - CHATSYNC_* environment variables
//
// # Sections
//
//   - persistence: http or local store, remote URL, token, SQLite path
//   - ollama: streaming transport URL, model and system prompt
//   - metadata: pending-edit retry delay and cap
//   - session: idle timeout
//   - server: listen address and per-IP rate limit
//   - engine, log: preview length, slog level and format
//
// # Usage
//
//	_ = config.LoadDotEnv(".env")
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	logger := cfg.NewLogger(os.Stderr)
//
// Watch reloads the file on change and hands each valid result to a
// callback; an invalid edit is logged and ignored.
package config
